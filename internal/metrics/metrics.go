package metrics

import "sync"

// Event counters incremented by the signaling relay.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	ConnectionsRejected = "connections_rejected"

	MessagesReceived  = "messages_received"
	MalformedMessages = "malformed_messages"
	RateLimited       = "rate_limited"

	MessagesRelayed       = "messages_relayed"
	RelayTargetNotFound   = "relay_target_not_found"
	RelaySelfTargeted     = "relay_self_targeted"
	OutboundFramesDropped = "outbound_frames_dropped"

	RoomsCreated          = "rooms_created"
	RoomsDeleted          = "rooms_deleted"
	RoomJoins             = "room_joins"
	RoomJoinsRejected     = "room_joins_rejected"
	StatsUpdatesPublished = "stats_updates_published"

	OriginRejected        = "origin_rejected"
	TURNCredentialsIssued = "turn_credentials_issued"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so components can run without metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
