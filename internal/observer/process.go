package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sentineliq/sentinel/internal/activity"
)

// ProcessObserver snapshots the process table on a fixed cadence and emits
// an event when a new pid appears or a process name matches the suspicious
// keyword set.
type ProcessObserver struct {
	interval time.Duration
	logger   *slog.Logger

	ring          *ring
	known         map[int32]struct{}
	suspiciousLog map[int32]time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessObserver creates a process observer. If logger is nil,
// slog.Default() is used.
func NewProcessObserver(logger *slog.Logger) *ProcessObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessObserver{
		interval:      10 * time.Second,
		logger:        logger.With("observer", "process"),
		ring:          newRing(500),
		known:         make(map[int32]struct{}),
		suspiciousLog: make(map[int32]time.Time),
	}
}

// Start primes the pid snapshot and begins polling.
func (o *ProcessObserver) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	o.snapshot(time.Time{})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.snapshot(time.Now())
			}
		}
	}()
	o.logger.Info("process observer started")
	return nil
}

// Stop halts polling and waits for the collection goroutine.
func (o *ProcessObserver) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
	})
}

// Drain removes and returns up to limit buffered events.
func (o *ProcessObserver) Drain(limit int) []Event {
	return o.ring.drain(limit)
}

// snapshot diffs the process table against the last run. A zero `now`
// primes the pid set without emitting.
func (o *ProcessObserver) snapshot(now time.Time) {
	procs, err := process.Processes()
	if err != nil {
		o.logger.Debug("process list failed", "err", err)
		return
	}

	current := make(map[int32]struct{}, len(procs))
	for _, p := range procs {
		current[p.Pid] = struct{}{}
		if now.IsZero() {
			continue
		}
		name, err := p.Name()
		if err != nil {
			// Process exited between listing and inspection.
			continue
		}
		_, seenBefore := o.known[p.Pid]
		suspicious := activity.SuspiciousProcessName(name)
		if seenBefore && !suspicious {
			continue
		}
		if seenBefore && suspicious {
			// Long-running suspicious processes re-emit at most every 5m.
			if last, ok := o.suspiciousLog[p.Pid]; ok && now.Sub(last) < 5*time.Minute {
				continue
			}
		}
		if suspicious {
			o.suspiciousLog[p.Pid] = now
		}
		o.ring.push(Event{
			Kind: activity.KindProcess,
			Time: now,
			Details: activity.Details{
				ProcessName: name,
				PID:         p.Pid,
				Suspicious:  suspicious,
			},
		})
	}
	// Drop re-emit bookkeeping for pids that have exited.
	for pid := range o.suspiciousLog {
		if _, ok := current[pid]; !ok {
			delete(o.suspiciousLog, pid)
		}
	}
	o.known = current
}

var _ Observer = (*ProcessObserver)(nil)
