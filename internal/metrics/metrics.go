package metrics

import "sync"

// Event names. Counters are created on first use; these are the ones the
// matchmaker increments.
const (
	SearchStarted     = "search_started"
	SearchStopped     = "search_stopped"
	SearchNoProfile   = "search_no_profile"
	MatchFound        = "match_found"
	MatchMutual       = "session_mutual_match"
	MatchRejected     = "session_rejected"
	MatchExpired      = "session_expired"
	MatchAbandoned    = "session_abandoned"
	OrphanRecovered   = "session_orphan_recovered"
	SignalRelayed     = "signal_relayed"
	SignalDropped     = "signal_dropped"
	PersistFailed     = "persist_failed"
	DeliveryFailed    = "delivery_failed"
	WSConnected       = "ws_connected"
	WSDisconnected    = "ws_disconnected"
	WSAuthRejected    = "ws_auth_rejected"
	WSBadMessage      = "ws_bad_message"
	WSRateLimited     = "ws_rate_limited"
	WSUnknownType     = "ws_unknown_type"
	TURNCredentialsOK = "turn_rest_credentials_issued"
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

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
