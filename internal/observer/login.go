package observer

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/sentineliq/sentinel/internal/activity"
)

const (
	// heartbeatInterval is how often an active session re-announces itself.
	heartbeatInterval = 5 * time.Minute

	// newLoginUptime is the boot-age ceiling under which a session counts
	// as a fresh login.
	newLoginUptime = time.Hour
)

// LoginObserver emits a session heartbeat every five minutes and a new-login
// event when system uptime is under an hour and no login has been emitted in
// the prior hour.
type LoginObserver struct {
	interval time.Duration
	logger   *slog.Logger

	ring          *ring
	lastHeartbeat time.Time
	lastLogin     time.Time

	bootTime func() (uint64, error) // swapped in tests

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoginObserver creates a login observer. If logger is nil,
// slog.Default() is used.
func NewLoginObserver(logger *slog.Logger) *LoginObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginObserver{
		interval: time.Minute,
		logger:   logger.With("observer", "login"),
		ring:     newRing(100),
		bootTime: host.BootTime,
	}
}

// Start begins the session poll loop.
func (o *LoginObserver) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.tick(time.Now())
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.tick(time.Now())
			}
		}
	}()
	o.logger.Info("login observer started")
	return nil
}

// Stop halts polling and waits for the collection goroutine.
func (o *LoginObserver) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
	})
}

// Drain removes and returns up to limit buffered events.
func (o *LoginObserver) Drain(limit int) []Event {
	return o.ring.drain(limit)
}

func (o *LoginObserver) tick(now time.Time) {
	if o.isNewLogin(now) {
		o.lastLogin = now
		o.lastHeartbeat = now
		o.ring.push(Event{
			Kind: activity.KindLogon,
			Time: now,
			Details: activity.Details{
				NewLogin:  true,
				IPAddress: localAddr(),
			},
		})
		return
	}
	if o.lastHeartbeat.IsZero() || now.Sub(o.lastHeartbeat) >= heartbeatInterval {
		o.lastHeartbeat = now
		o.ring.push(Event{
			Kind: activity.KindLogon,
			Time: now,
			Details: activity.Details{
				Heartbeat: true,
				IPAddress: localAddr(),
			},
		})
	}
}

// isNewLogin checks the boot clock: a machine up for less than an hour with
// no login emitted in the prior hour means someone just signed in.
func (o *LoginObserver) isNewLogin(now time.Time) bool {
	boot, err := o.bootTime()
	if err != nil {
		o.logger.Debug("boot time unavailable", "err", err)
		return false
	}
	uptime := now.Sub(time.Unix(int64(boot), 0))
	if uptime < 0 || uptime >= newLoginUptime {
		return false
	}
	return o.lastLogin.IsZero() || now.Sub(o.lastLogin) >= time.Hour
}

// localAddr resolves the primary outbound interface address without sending
// any traffic. Returns empty when the host has no route.
func localAddr() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

var _ Observer = (*LoginObserver)(nil)
