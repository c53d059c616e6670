package signaling

import (
	"context"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

// Stats publishes aggregate counts as stats-update. Notify requests are
// coalesced so a burst of joins produces one update.
type Stats struct {
	hub      *Hub
	enabled  bool
	interval time.Duration

	notify chan struct{}
}

func newStats(hub *Hub, enabled bool, interval time.Duration) *Stats {
	return &Stats{
		hub:      hub,
		enabled:  enabled,
		interval: interval,
		notify:   make(chan struct{}, 1),
	}
}

// Notify schedules a publish. It never blocks.
func (s *Stats) Notify() {
	if s == nil || !s.enabled {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stats) Snapshot() StatsData {
	return StatsData{
		Users: s.hub.reg.Len(),
		Rooms: s.hub.rooms.Len(),
	}
}

// Run publishes on every Notify and, when an interval is configured, on each
// tick. It returns when ctx is done.
func (s *Stats) Run(ctx context.Context) {
	if !s.enabled {
		<-ctx.Done()
		return
	}

	var tick <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		case <-tick:
		}
		s.publish()
	}
}

func (s *Stats) publish() {
	snap := s.Snapshot()
	s.hub.router.BroadcastAll(TypeStatsUpdate, snap, "")
	s.hub.metrics.Inc(metrics.StatsUpdatesPublished)
}
