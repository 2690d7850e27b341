// Package agent contains the aggregator that drives the SentinelIQ endpoint
// agent: it drains the observers on one cadence, enriches each event with
// stable endpoint metadata, and flushes to the ingest service on a second
// cadence, spilling to the offline queue when the transport fails.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/observer"
	"github.com/sentineliq/sentinel/internal/queue"
	"github.com/sentineliq/sentinel/internal/transport"
)

// Sender delivers one activity to the ingest service. Implemented by
// *transport.Client.
type Sender interface {
	SendActivity(ctx context.Context, act activity.Activity) (*transport.IngestResponse, error)
}

// OfflineQueue buffers activities across transport outages. Implemented by
// *queue.SQLiteQueue.
type OfflineQueue interface {
	Enqueue(ctx context.Context, act activity.Activity) error
	Dequeue(ctx context.Context, n int) ([]queue.PendingActivity, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// Identity is the stable endpoint metadata stamped onto every event.
type Identity struct {
	UserID   string
	DeviceID string
	Hostname string
}

// Stats counts aggregator activity for the shutdown summary. All fields are
// atomics; read them with Load or via Summary.
type Stats struct {
	Collected    atomic.Int64
	Sent         atomic.Int64
	Queued       atomic.Int64
	Dropped      atomic.Int64
	AlertsRaised atomic.Int64
}

// Summary renders a one-line human-readable account of the session.
func (s *Stats) Summary() string {
	return fmt.Sprintf("collected=%d sent=%d queued=%d dropped=%d alerts=%d",
		s.Collected.Load(), s.Sent.Load(), s.Queued.Load(), s.Dropped.Load(), s.AlertsRaised.Load())
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithIntervals overrides the poll and upload cadences.
func WithIntervals(poll, upload time.Duration) Option {
	return func(a *Aggregator) {
		if poll > 0 {
			a.pollInterval = poll
		}
		if upload > 0 {
			a.uploadInterval = upload
		}
	}
}

// WithBatchSize caps how many events one upload round sends.
func WithBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithInterSendDelay overrides the pause between consecutive sends in one
// upload round.
func WithInterSendDelay(d time.Duration) Option {
	return func(a *Aggregator) { a.interSendDelay = d }
}

// WithMetrics mirrors the offline queue depth into the transport metrics.
func WithMetrics(m *transport.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// Aggregator owns the agent's two cadences. It is the sole consumer of
// observer output and the sole owner of the offline queue.
type Aggregator struct {
	id        Identity
	observers []observer.Observer
	sender    Sender
	offline   OfflineQueue
	logger    *slog.Logger
	metrics   *transport.Metrics

	pollInterval   time.Duration
	uploadInterval time.Duration
	batchSize      int
	interSendDelay time.Duration

	mu      sync.Mutex
	pending []activity.Activity

	stats  Stats
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Aggregator. If logger is nil, slog.Default() is used.
func New(id Identity, observers []observer.Observer, sender Sender, offline OfflineQueue, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		id:             id,
		observers:      observers,
		sender:         sender,
		offline:        offline,
		logger:         logger,
		pollInterval:   5 * time.Second,
		uploadInterval: 20 * time.Second,
		batchSize:      50,
		interSendDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stats exposes the session counters.
func (a *Aggregator) Stats() *Stats { return &a.stats }

// Start launches the observers and the two loops. A failed observer start is
// logged and skipped; the remaining observers keep running.
func (a *Aggregator) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	for _, o := range a.observers {
		if err := o.Start(ctx); err != nil {
			a.logger.Warn("observer failed to start, continuing without it", "err", err)
		}
	}

	a.wg.Add(2)
	go a.pollLoop(ctx)
	go a.uploadLoop(ctx)

	a.logger.Info("aggregator started",
		"user_id", a.id.UserID,
		"device_id", a.id.DeviceID,
		"poll_interval", a.pollInterval,
		"upload_interval", a.uploadInterval,
	)
	return nil
}

// Stop cancels the loops, stops every observer, and performs one final
// best-effort flush of whatever is still pending.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	for _, o := range a.observers {
		o.Stop()
	}

	// Final collection and flush with a short, independent deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.collect(time.Now())
	a.flush(ctx)
	a.logger.Info("aggregator stopped", "summary", a.stats.Summary())
}

func (a *Aggregator) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.collect(now)
		}
	}
}

func (a *Aggregator) uploadLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.uploadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

// collect drains every observer into the in-memory send queue.
func (a *Aggregator) collect(now time.Time) {
	var drained []activity.Activity
	for _, o := range a.observers {
		for _, ev := range o.Drain(a.batchSize) {
			drained = append(drained, a.enrich(ev))
		}
	}
	if len(drained) == 0 {
		return
	}
	a.stats.Collected.Add(int64(len(drained)))
	a.mu.Lock()
	a.pending = append(a.pending, drained...)
	a.mu.Unlock()
	a.logger.Debug("collected events", "count", len(drained))
}

// enrich stamps stable endpoint metadata onto a raw observation. The local
// hour tag makes off-hours scoring independent of the server clock.
func (a *Aggregator) enrich(ev observer.Event) activity.Activity {
	hour := ev.Time.Hour()
	details := ev.Details
	details.DeviceID = a.id.DeviceID
	details.Hostname = a.id.Hostname
	details.ActivityHour = activity.HourPtr(hour)
	details.OffHours = activity.OffHours(hour)
	return activity.Activity{
		UserID:    a.id.UserID,
		Timestamp: ev.Time.UTC(),
		Kind:      ev.Kind,
		Details:   details,
	}
}

// flush performs one upload round: offline backlog first, then the
// in-memory queue. New events never jump ahead of the backlog.
func (a *Aggregator) flush(ctx context.Context) {
	if !a.drainOffline(ctx) {
		// Server unreachable: spill the in-memory queue and try again on
		// the next round.
		a.spillPending(ctx)
		a.syncDepthGauge()
		return
	}

	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	for i, act := range batch {
		if err := a.sendOne(ctx, act); err != nil {
			// Requeue the remainder in order.
			for _, rest := range batch[i:] {
				a.queueOffline(ctx, rest)
			}
			break
		}
		a.pause(ctx)
	}
	a.syncDepthGauge()
}

// drainOffline replays the offline backlog. Returns false when the
// transport is down and the round should stop.
func (a *Aggregator) drainOffline(ctx context.Context) bool {
	for {
		pending, err := a.offline.Dequeue(ctx, a.batchSize)
		if err != nil {
			a.logger.Warn("offline queue read failed", "err", err)
			return true
		}
		if len(pending) == 0 {
			return true
		}
		var acked []int64
		for _, pa := range pending {
			if err := a.sendOne(ctx, pa.Act); err != nil {
				if len(acked) > 0 {
					_ = a.offline.Ack(ctx, acked)
				}
				return false
			}
			acked = append(acked, pa.ID)
			a.pause(ctx)
		}
		if err := a.offline.Ack(ctx, acked); err != nil {
			a.logger.Warn("offline queue ack failed", "err", err)
			return true
		}
	}
}

// sendOne delivers a single activity. Rejected events are dropped, not
// retried; any other failure is reported to the caller for requeueing.
func (a *Aggregator) sendOne(ctx context.Context, act activity.Activity) error {
	resp, err := a.sender.SendActivity(ctx, act)
	if err != nil {
		if errors.Is(err, transport.ErrRejected) {
			a.stats.Dropped.Add(1)
			a.logger.Warn("event rejected by server, dropping", "kind", act.Kind, "err", err)
			return nil
		}
		return err
	}
	a.stats.Sent.Add(1)
	if resp.Alert != nil {
		a.stats.AlertsRaised.Add(1)
		a.logger.Info("server raised alert",
			"risk_level", resp.Alert.RiskLevel,
			"ml_score", resp.Alert.MLScore,
			"its_score", resp.ITSScore,
		)
	}
	return nil
}

// spillPending moves the whole in-memory queue into the offline queue.
func (a *Aggregator) spillPending(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	for _, act := range batch {
		a.queueOffline(ctx, act)
	}
}

func (a *Aggregator) queueOffline(ctx context.Context, act activity.Activity) {
	if err := a.offline.Enqueue(ctx, act); err != nil {
		a.stats.Dropped.Add(1)
		a.logger.Warn("offline enqueue failed, event lost", "err", err)
		return
	}
	a.stats.Queued.Add(1)
}

func (a *Aggregator) pause(ctx context.Context) {
	if a.interSendDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(a.interSendDelay):
	}
}

func (a *Aggregator) syncDepthGauge() {
	if a.metrics != nil {
		a.metrics.QueueDepth.Store(int64(a.offline.Depth()))
	}
}
