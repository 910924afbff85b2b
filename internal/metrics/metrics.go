package metrics

import "sync"

// Event names incremented by the signaling server and room registry.
const (
	RoomCreated        = "room_created"
	RoomDeleted        = "room_deleted"
	MemberJoined       = "member_joined"
	MemberLeft         = "member_left"
	MessageRelayed     = "message_relayed"
	OfferBuffered      = "offer_buffered"
	IceBuffered        = "ice_buffered"
	IceOverflowDropped = "ice_overflow_dropped"
	AnswerDropped      = "answer_dropped"
	ByeBroadcast       = "bye_broadcast"
	FrameRejected      = "frame_rejected"
	FrameMalformed     = "frame_malformed"
	RateLimited        = "rate_limited"
	TurnCredIssued     = "turn_credential_issued"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps relay and credential accounting testable without pulling in a
// metrics backend; the Prometheus handler exposes a snapshot for scraping.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
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

// Snapshot returns a copy of all counters.
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
