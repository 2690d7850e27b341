// Package transport implements the HTTP transport client for the SentinelIQ
// agent. It handles the user verification handshake, single-activity ingest
// posts with bounded retries, and exponential backoff between attempts.
//
// # Retry discipline
//
// Retries live here, not in the aggregator: the ingest endpoint deduplicates
// by fingerprint on the server side, so re-posting the same activity is safe.
// Only transient failures are retried — connection errors, timeouts, and the
// status codes 429, 500, 502, 503 and 504. Any other 4xx means the request
// itself is wrong and is surfaced immediately.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
)

// ErrUserNotFound is returned by VerifyUser when the server does not know
// the user id. The agent must not start monitoring for an unknown user.
var ErrUserNotFound = errors.New("transport: user not found")

// ErrRejected is returned when the server rejects a request with a
// non-retryable 4xx status. The offending event should be dropped.
var ErrRejected = errors.New("transport: request rejected")

// retryableStatus are the response codes worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// UserProfile is the identity payload returned by the verification handshake.
type UserProfile struct {
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	Department string  `json:"department"`
	ITSScore   float64 `json:"its_score"`
	RiskLevel  string  `json:"risk_level"`
}

// AlertPayload is the optional alert block in an ingest response.
type AlertPayload struct {
	AlertID     int64    `json:"alert_id"`
	MLScore     float64  `json:"ml_score"`
	ITSScore    float64  `json:"its_score"`
	RiskLevel   string   `json:"risk_level"`
	Anomalies   []string `json:"anomalies"`
	Explanation string   `json:"explanation"`
	Timestamp   string   `json:"timestamp"`
}

// IngestResponse is the server's verdict on one posted activity.
type IngestResponse struct {
	Status   string        `json:"status"`
	ITSScore float64       `json:"its_score"`
	Alert    *AlertPayload `json:"alert,omitempty"`
}

// Option is a functional option for New.
type Option func(*Client)

// WithMetrics wires a Metrics value into the client so transport events are
// recorded as Prometheus-compatible counters and gauges. A nil Metrics
// pointer is treated as a no-op.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetryPolicy overrides the retry budget and backoff window.
func WithRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient substitutes the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// Client posts activities to the central ingest service. Safe for concurrent
// use.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
	metrics    *Metrics // nil when no instrumentation is requested
}

// New creates a Client for the given server base URL (e.g.
// "http://10.0.0.5:8000"). If logger is nil, slog.Default() is used.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		maxDelay:   30 * time.Second,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyUser fetches the user profile for id. It returns ErrUserNotFound on
// a 404 (the agent must abort) and a wrapped transient error when the server
// is unreachable (the agent may degrade).
func (c *Client) VerifyUser(ctx context.Context, id string) (*UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/users/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build verify request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metricsVerificationError()
		return nil, fmt.Errorf("transport: verify user %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	case resp.StatusCode != http.StatusOK:
		c.metricsVerificationError()
		return nil, fmt.Errorf("transport: verify user %s: status %d", id, resp.StatusCode)
	}

	var profile UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("transport: decode user profile: %w", err)
	}
	return &profile, nil
}

// SendActivity posts one activity and returns the server's verdict. It
// retries transient failures up to the configured budget with exponential
// backoff; non-retryable 4xx responses return ErrRejected immediately.
func (c *Client) SendActivity(ctx context.Context, act activity.Activity) (*IngestResponse, error) {
	body, err := json.Marshal(ingestRequest{
		UserID:    act.UserID,
		Timestamp: act.Timestamp.UTC().Format("2006-01-02T15:04:05"),
		Kind:      act.Kind,
		Details:   act.Details,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal activity: %w", err)
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metricsRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = NextDelay(delay, c.maxDelay)
		}

		resp, err := c.postOnce(ctx, body)
		if err == nil {
			c.metricsActivitySent()
			c.metricsSetConnected(true)
			if resp.Status == "alert_generated" || resp.Status == "anomaly_alert_created" {
				c.metricsAnomalyFlagged()
			}
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, ErrRejected) {
			c.metricsSendError()
			return nil, err
		}
		c.metricsSendError()
		c.metricsSetConnected(false)
		c.logger.Warn("transport: send failed, will retry",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("transport: send activity: retries exhausted: %w", lastErr)
}

// ingestRequest is the wire shape of the ingest POST body.
type ingestRequest struct {
	UserID    string           `json:"user_id"`
	Timestamp string           `json:"timestamp"`
	Kind      activity.Kind    `json:"activity_type"`
	Details   activity.Details `json:"details"`
}

// postOnce performs a single ingest POST. Transient problems come back as
// plain errors; non-retryable 4xx responses wrap ErrRejected.
func (c *Client) postOnce(ctx context.Context, body []byte) (*IngestResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/activities/ingest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out IngestResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, nil
	case retryableStatus[resp.StatusCode]:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("transient status %d", resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// NextDelay returns the next exponential-backoff delay value.
// It doubles current, capped at max. Overflow is handled by capping.
//
// Exported so that unit tests can verify the backoff arithmetic directly.
func NextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	// Guard against overflow: if doubling wrapped to ≤0, return max.
	if next <= 0 || next > max {
		return max
	}
	return next
}

// ── metrics helpers ─────────────────────────────────────────────────────────
//
// Each helper is a no-op when c.metrics is nil so the hot path is a single
// nil pointer check.

func (c *Client) metricsActivitySent() {
	if c.metrics != nil {
		c.metrics.ActivitiesSent.Add(1)
	}
}

func (c *Client) metricsSendError() {
	if c.metrics != nil {
		c.metrics.SendErrors.Add(1)
	}
}

func (c *Client) metricsRetry() {
	if c.metrics != nil {
		c.metrics.Retries.Add(1)
	}
}

func (c *Client) metricsAnomalyFlagged() {
	if c.metrics != nil {
		c.metrics.AnomaliesFlagged.Add(1)
	}
}

func (c *Client) metricsVerificationError() {
	if c.metrics != nil {
		c.metrics.VerificationErrors.Add(1)
	}
}

func (c *Client) metricsSetConnected(connected bool) {
	if c.metrics != nil {
		if connected {
			c.metrics.Connected.Store(1)
		} else {
			c.metrics.Connected.Store(0)
		}
	}
}
