package observer

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
)

const (
	// fileDedupWindow collapses repeated (path, action) observations.
	fileDedupWindow = 2 * time.Second

	// minReportSizeMB drops small non-sensitive file events to keep volume
	// down.
	minReportSizeMB = 0.1
)

// FileObserver polls the monitored directories and emits file_access events
// when files appear, change size or modification time, or disappear.
// Polling is the portable fallback path and is always acceptable; the
// interface leaves room for kernel-native implementations per platform.
type FileObserver struct {
	paths     []string
	sensitive []string
	interval  time.Duration
	logger    *slog.Logger

	ring     *ring
	seen     map[string]fileState
	lastEmit map[string]time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type fileState struct {
	size    int64
	modTime time.Time
}

// NewFileObserver creates a file observer over the given directories.
// Sensitive patterns are matched case-insensitively against the full path.
// If logger is nil, slog.Default() is used.
func NewFileObserver(paths, sensitivePatterns []string, logger *slog.Logger) *FileObserver {
	if logger == nil {
		logger = slog.Default()
	}
	lowered := make([]string, len(sensitivePatterns))
	for i, p := range sensitivePatterns {
		lowered[i] = strings.ToLower(p)
	}
	return &FileObserver{
		paths:     paths,
		sensitive: lowered,
		interval:  2 * time.Second,
		logger:    logger.With("observer", "file"),
		ring:      newRing(1000),
		seen:      make(map[string]fileState),
		lastEmit:  make(map[string]time.Time),
	}
}

// Start begins polling. The first scan primes the snapshot without emitting,
// so a restart does not replay the whole tree as new writes.
func (o *FileObserver) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	o.scan(time.Time{})

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
				o.scan(time.Now())
			}
		}
	}()
	o.logger.Info("file observer started", "paths", len(o.paths))
	return nil
}

// Stop halts polling and waits for the collection goroutine.
func (o *FileObserver) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
	})
}

// Drain removes and returns up to limit buffered events.
func (o *FileObserver) Drain(limit int) []Event {
	return o.ring.drain(limit)
}

// scan walks every monitored path and diffs against the previous snapshot.
// A zero `now` primes the snapshot without emitting.
func (o *FileObserver) scan(now time.Time) {
	current := make(map[string]fileState, len(o.seen))
	for _, root := range o.paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Permission or races during the walk are routine.
				o.logger.Debug("walk fault", "path", path, "err", err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			current[path] = fileState{size: info.Size(), modTime: info.ModTime()}
			return nil
		})
		if err != nil {
			o.logger.Debug("walk failed", "root", root, "err", err)
		}
	}

	if now.IsZero() {
		o.seen = current
		return
	}

	for path, st := range current {
		prev, existed := o.seen[path]
		switch {
		case !existed:
			o.emit(now, path, activity.ActionWrite, st.size)
		case st.size != prev.size || !st.modTime.Equal(prev.modTime):
			o.emit(now, path, activity.ActionWrite, st.size)
		}
	}
	for path, prev := range o.seen {
		if _, ok := current[path]; !ok {
			o.emit(now, path, activity.ActionDelete, prev.size)
		}
	}
	o.seen = current

	// Expired dedup entries are dead weight on a long-running agent.
	for key, last := range o.lastEmit {
		if now.Sub(last) >= fileDedupWindow {
			delete(o.lastEmit, key)
		}
	}
}

func (o *FileObserver) emit(now time.Time, path string, action activity.FileAction, sizeBytes int64) {
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	sensitive := o.isSensitive(path)
	if sizeMB < minReportSizeMB && !sensitive && action != activity.ActionDelete {
		return
	}

	key := path + "|" + string(action)
	if last, ok := o.lastEmit[key]; ok && now.Sub(last) < fileDedupWindow {
		return
	}
	o.lastEmit[key] = now

	o.ring.push(Event{
		Kind: activity.KindFileAccess,
		Time: now,
		Details: activity.Details{
			FilePath:  path,
			Action:    action,
			SizeMB:    sizeMB,
			Sensitive: sensitive,
		},
	})
}

// isSensitive reports whether any configured pattern occurs in the path.
func (o *FileObserver) isSensitive(path string) bool {
	lower := strings.ToLower(path)
	for _, p := range o.sensitive {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var _ Observer = (*FileObserver)(nil)
