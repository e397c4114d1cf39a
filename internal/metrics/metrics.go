package metrics

import "sync"

// Event names recorded by the relay.
const (
	EventConnectionOpened    = "connection_opened"
	EventConnectionClosed    = "connection_closed"
	EventPositionUpdated     = "position_updated"
	EventBroadcast           = "broadcast"
	EventBroadcastSendFailed = "broadcast_send_failed"
	EventRelayForwarded      = "relay_forwarded"
	EventRelayUnknownTarget  = "relay_unknown_target"
	EventMalformedMessage    = "malformed_message"
	EventMessageRateLimited  = "message_rate_limited"
	EventMessageTooLarge     = "message_too_large"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants a real metrics backend scrapes the Prometheus
// handler; in-process the registry exists so delivery and drop paths stay
// observable and testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
