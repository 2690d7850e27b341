package observer

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/sentineliq/sentinel/internal/activity"
)

// suspiciousPorts are remote ports worth flagging regardless of volume.
var suspiciousPorts = map[uint32]bool{
	22: true, 23: true, 3389: true, 5900: true,
	8080: true, 4444: true, 5555: true,
}

const (
	// minDataDeltaMB is the send-counter delta below which a poll stays
	// silent.
	minDataDeltaMB = 0.5

	// externalConnThreshold is the external connection count that fires on
	// its own.
	externalConnThreshold = 3
)

// NetworkObserver polls NIC counters and the connection table. It emits an
// event only when a meaningful threshold fires: a non-trivial outbound data
// delta, three or more external connections, or a remote port from the
// suspicious set.
type NetworkObserver struct {
	interval time.Duration
	logger   *slog.Logger

	ring      *ring
	lastSent  uint64
	havePrior bool

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNetworkObserver creates a network observer. If logger is nil,
// slog.Default() is used.
func NewNetworkObserver(logger *slog.Logger) *NetworkObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkObserver{
		interval: 15 * time.Second,
		logger:   logger.With("observer", "network"),
		ring:     newRing(200),
	}
}

// Start primes the counters and begins polling.
func (o *NetworkObserver) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	o.poll(time.Time{})

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
				o.poll(time.Now())
			}
		}
	}()
	o.logger.Info("network observer started")
	return nil
}

// Stop halts polling and waits for the collection goroutine.
func (o *NetworkObserver) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
	})
}

// Drain removes and returns up to limit buffered events.
func (o *NetworkObserver) Drain(limit int) []Event {
	return o.ring.drain(limit)
}

func (o *NetworkObserver) poll(now time.Time) {
	counters, err := gopsnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		if err != nil {
			o.logger.Debug("io counters failed", "err", err)
		}
		return
	}
	sent := counters[0].BytesSent

	if now.IsZero() || !o.havePrior {
		o.lastSent = sent
		o.havePrior = true
		return
	}

	var deltaMB float64
	if sent >= o.lastSent {
		deltaMB = float64(sent-o.lastSent) / (1024 * 1024)
	}
	o.lastSent = sent

	externals, ports, remoteIP := o.connectionSummary()

	if deltaMB < minDataDeltaMB && externals < externalConnThreshold && len(ports) == 0 {
		return
	}

	o.ring.push(Event{
		Kind: activity.KindNetwork,
		Time: now,
		Details: activity.Details{
			DataSentMB:          deltaMB,
			ExternalConnections: externals,
			SuspiciousPorts:     ports,
			RemoteIP:            remoteIP,
		},
	})
}

// connectionSummary counts established external connections and collects
// any suspicious remote ports. The first external remote address is kept
// for fingerprinting.
func (o *NetworkObserver) connectionSummary() (externals int, ports []int, remoteIP string) {
	conns, err := gopsnet.Connections("inet")
	if err != nil {
		o.logger.Debug("connection table failed", "err", err)
		return 0, nil, ""
	}
	seenPorts := make(map[uint32]bool)
	for _, c := range conns {
		if c.Status != "ESTABLISHED" || c.Raddr.IP == "" {
			continue
		}
		if IsPrivateAddr(c.Raddr.IP) {
			continue
		}
		externals++
		if remoteIP == "" {
			remoteIP = c.Raddr.IP
		}
		if suspiciousPorts[c.Raddr.Port] && !seenPorts[c.Raddr.Port] {
			seenPorts[c.Raddr.Port] = true
			ports = append(ports, int(c.Raddr.Port))
		}
	}
	return externals, ports, remoteIP
}

// IsPrivateAddr reports whether an IP literal is private, loopback,
// link-local, or unparseable. Unparseable addresses count as private so a
// garbled table row never inflates the external count.
func IsPrivateAddr(ip string) bool {
	// Strip a zone suffix if present (fe80::1%eth0).
	if i := strings.IndexByte(ip, '%'); i >= 0 {
		ip = ip[:i]
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}

var _ Observer = (*NetworkObserver)(nil)
