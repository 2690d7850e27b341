package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentineliq/sentinel/internal/activity"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// fingerprintCacheSize bounds the read-through fingerprint cache. 4096
// entries cover the active anomaly population of a large deployment.
const fingerprintCacheSize = 4096

// Store is the PostgreSQL-backed storage layer. All operations execute
// immediately against the pool; the only in-memory state is the fingerprint
// cache, which is write-through so the database stays authoritative.
type Store struct {
	pool    *pgxpool.Pool
	fpCache *lru.Cache[string, Fingerprint]
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	cache, err := lru.New[string, Fingerprint](fingerprintCacheSize)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("fingerprint cache: %w", err)
	}
	return &Store{pool: pool, fpCache: cache}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// --- Users ---

// CreateUser inserts a directory entry. On user_id conflict the mutable
// profile fields are updated and the cached score is left alone.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users
			(user_id, name, email, role, department, hire_date, status, its_score, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			name       = EXCLUDED.name,
			email      = EXCLUDED.email,
			role       = EXCLUDED.role,
			department = EXCLUDED.department,
			hire_date  = EXCLUDED.hire_date,
			status     = EXCLUDED.status,
			updated_at = now()`,
		u.UserID, u.Name, nullableStr(u.Email), u.Role, nullableStr(u.Department),
		u.HireDate, defaultStr(u.Status, "active"), u.ITSScore,
		string(defaultRisk(u.RiskLevel)),
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.UserID, err)
	}
	return nil
}

// GetUser returns the directory entry for userID.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, name, email, role, department, hire_date, status,
		       its_score, risk_level, created_at, updated_at
		FROM   users
		WHERE  user_id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, notFound(err))
	}
	return u, nil
}

// UserRole returns just the role column, the hot path for scoring.
func (s *Store) UserRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `SELECT role FROM users WHERE user_id = $1`, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("user role %s: %w", userID, notFound(err))
	}
	return role, nil
}

// ListUsers returns all directory entries ordered by user id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, name, email, role, department, hire_date, status,
		       its_score, risk_level, created_at, updated_at
		FROM   users
		ORDER  BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserScore caches the latest ITS verdict on the directory row.
func (s *Store) UpdateUserScore(ctx context.Context, userID string, its float64, risk activity.RiskLevel) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET    its_score = $2, risk_level = $3, updated_at = now()
		WHERE  user_id = $1`,
		userID, its, string(risk))
	if err != nil {
		return fmt.Errorf("update user score %s: %w", userID, err)
	}
	return nil
}

// --- Activities ---

// InsertActivity persists one event and returns its storage id. Per-user
// insertion order is the arrival order: the serving handler inserts before
// anything else runs.
func (s *Store) InsertActivity(ctx context.Context, act activity.Activity) (int64, error) {
	details, err := json.Marshal(act.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal activity details: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO activities (user_id, timestamp, activity_type, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		act.UserID, act.Timestamp.UTC(), string(act.Kind), details,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert activity for %s: %w", act.UserID, err)
	}
	return id, nil
}

// ActivitiesSince returns the user's activities with timestamp >= since,
// ordered oldest first.
func (s *Store) ActivitiesSince(ctx context.Context, userID string, since time.Time) ([]activity.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, timestamp, activity_type, details
		FROM   activities
		WHERE  user_id = $1 AND timestamp >= $2
		ORDER  BY timestamp, id`,
		userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("activities since for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// LastActivities returns the user's most recent limit activities, ordered
// oldest first.
func (s *Store) LastActivities(ctx context.Context, userID string, limit int) ([]activity.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, timestamp, activity_type, details
		FROM   (SELECT id, user_id, timestamp, activity_type, details
		        FROM   activities
		        WHERE  user_id = $1
		        ORDER  BY timestamp DESC, id DESC
		        LIMIT  $2) recent
		ORDER  BY timestamp, id`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("last activities for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// RecentActivities returns up to limit of the user's newest activities at
// or after since, ordered oldest first. This is the detector's trailing
// context window.
func (s *Store) RecentActivities(ctx context.Context, userID string, since time.Time, limit int) ([]activity.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, timestamp, activity_type, details
		FROM   (SELECT id, user_id, timestamp, activity_type, details
		        FROM   activities
		        WHERE  user_id = $1 AND timestamp >= $2
		        ORDER  BY timestamp DESC, id DESC
		        LIMIT  $3) recent
		ORDER  BY timestamp, id`,
		userID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent activities for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*User, error) {
	var u User
	var email, department *string
	var risk string
	err := sc.Scan(
		&u.UserID, &u.Name, &email, &u.Role, &department, &u.HireDate,
		&u.Status, &u.ITSScore, &risk, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.RiskLevel = activity.RiskLevel(risk)
	if email != nil {
		u.Email = *email
	}
	if department != nil {
		u.Department = *department
	}
	return &u, nil
}

func collectActivities(rows pgx.Rows) ([]activity.Activity, error) {
	var acts []activity.Activity
	for rows.Next() {
		var a activity.Activity
		var kind string
		var details []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.Timestamp, &kind, &details); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Kind = activity.Kind(kind)
		a.Timestamp = asUTC(a.Timestamp)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("unmarshal activity details: %w", err)
			}
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// asUTC normalizes a timestamp read back from storage. Naive values are
// treated as UTC.
func asUTC(t time.Time) time.Time {
	return t.UTC()
}

// notFound maps pgx.ErrNoRows onto the package sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func defaultRisk(r activity.RiskLevel) activity.RiskLevel {
	if r == "" {
		return activity.RiskLow
	}
	return r
}
