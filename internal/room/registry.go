package room

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/Kaplinskiy/zvonilka/internal/metrics"
	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

// codeChars deliberately omits ambiguous characters (0/O, 1/I/L).
const codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// DefaultCodeLength is the room code length issued by NewRoomID.
	DefaultCodeLength = 6

	// DefaultIceBufferCap bounds each per-role ICE queue so a peer that never
	// connects cannot grow room memory without bound.
	DefaultIceBufferCap = 64

	// maxCodeAttempts bounds collision retries in NewRoomID.
	maxCodeAttempts = 16
)

var (
	// ErrCodeSpaceExhausted is returned when NewRoomID cannot find a free code.
	// Callers are expected to retry; at the default length this only happens
	// with ~1G live rooms or a broken entropy source.
	ErrCodeSpaceExhausted = errors.New("room: code space exhausted")

	// ErrRoomNotFound is returned by Route/Leave for unknown rooms.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrNotMember is returned when the sending connection is not in the room.
	ErrNotMember = errors.New("room: connection is not a member")
)

// Sender delivers one signaling message to a connected member. Implementations
// must be safe for concurrent use; the registry may call Deliver from any
// room-mutating goroutine.
type Sender interface {
	Deliver(msg wire.Message) error
}

// Registry tracks rooms, their members and the per-room relay buffers.
//
// All mutations of one room are serialized by that room's mutex; distinct
// rooms proceed independently. The registry mutex only guards the room table.
type Registry struct {
	mu    sync.Mutex
	rooms Store

	codeLength int
	iceCap     int
	metrics    *metrics.Metrics
	log        *slog.Logger
}

type Options struct {
	// Store backs the room table. Nil means the in-memory store. The seam
	// exists so a shared store can replace it for multi-process deployments
	// without touching the protocol.
	Store Store

	// CodeLength overrides DefaultCodeLength when > 0.
	CodeLength int

	// IceBufferCap overrides DefaultIceBufferCap when > 0.
	IceBufferCap int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewRegistry(opts Options) *Registry {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	codeLength := opts.CodeLength
	if codeLength <= 0 {
		codeLength = DefaultCodeLength
	}
	iceCap := opts.IceBufferCap
	if iceCap <= 0 {
		iceCap = DefaultIceBufferCap
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:      store,
		codeLength: codeLength,
		iceCap:     iceCap,
		metrics:    opts.Metrics,
		log:        logger,
	}
}

// NewRoomID generates a short room code that does not collide with any live
// room. The room itself materialises on first Join.
func (g *Registry) NewRoomID() (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := randomCode(g.codeLength)
		if err != nil {
			return "", fmt.Errorf("room: generate code: %w", err)
		}
		g.mu.Lock()
		_, taken := g.rooms.Get(code)
		g.mu.Unlock()
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// Snapshot describes a room at join time, for the welcome message.
type Snapshot struct {
	RoomID      string
	Members     int
	PeerPresent bool // the opposite peer slot is occupied by a live connection
	SlotBound   bool // this connection owns its role's slot
}

// Join adds a connection to the room (creating the room on demand). A
// caller/callee role binds the matching peer slot unless the slot is owned by
// a still-live connection, which prevents racing duplicate-role joins from
// stealing an active call. Binding the callee slot flushes the pending offer
// first, then the buffered ICE queue, in arrival order.
func (g *Registry) Join(roomID, connID string, role wire.Role, s Sender) Snapshot {
	r := g.getOrCreate(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	m := &member{id: connID, role: role, sender: s}
	r.members[connID] = m

	bound := false
	if role == wire.RoleCaller || role == wire.RoleCallee {
		if prev := r.slots[role]; prev == nil || prev.closed {
			r.slots[role] = m
			bound = true
		} else {
			g.log.Warn("room: duplicate role join, slot kept by live owner",
				"room", roomID, "role", role, "conn", connID, "owner", prev.id)
		}
	}

	g.metrics.Inc(metrics.MemberJoined)

	if bound {
		g.flushLocked(r, m)
	}

	return Snapshot{
		RoomID:      roomID,
		Members:     len(r.members),
		PeerPresent: r.liveSlotLocked(role.Other()) != nil,
		SlotBound:   bound,
	}
}

// flushLocked delivers everything buffered for the member's role.
func (g *Registry) flushLocked(r *room, m *member) {
	if m.role == wire.RoleCallee && r.pendingOffer != nil {
		offer := *r.pendingOffer
		r.pendingOffer = nil
		g.deliver(m, offer)
	}
	if q := r.iceBuf[m.role]; len(q) > 0 {
		r.iceBuf[m.role] = nil
		for _, msg := range q {
			g.deliver(m, msg)
		}
	}
}

// Route relays msg from the given member according to its type.
//
// offer/answer/ice/renegotiate are role-routed to the opposite peer slot and
// buffered per type when that slot is empty; anything else (including bye and
// messages from role-less members) is broadcast to the rest of the room.
func (g *Registry) Route(roomID, fromID string, msg wire.Message) error {
	r := g.get(roomID)
	if r == nil {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.members[fromID]
	if !ok {
		return ErrNotMember
	}

	switch msg.Type {
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeIce, wire.TypeRenegotiate:
		if from.role == wire.RoleCaller || from.role == wire.RoleCallee {
			g.routeToPeerLocked(r, from.role.Other(), msg)
			return nil
		}
		// A role-less member cannot be slot-routed; fall back to broadcast so
		// legacy clients that never declare a role still interoperate.
		g.broadcastLocked(r, fromID, msg)
	case wire.TypeBye:
		g.metrics.Inc(metrics.ByeBroadcast)
		g.broadcastLocked(r, fromID, msg)
	default:
		g.broadcastLocked(r, fromID, msg)
	}
	return nil
}

func (g *Registry) routeToPeerLocked(r *room, dest wire.Role, msg wire.Message) {
	if dst := r.liveSlotLocked(dest); dst != nil {
		g.metrics.Inc(metrics.MessageRelayed)
		g.deliver(dst, msg)
		return
	}

	switch msg.Type {
	case wire.TypeIce:
		if len(r.iceBuf[dest]) >= g.iceCap {
			g.metrics.Inc(metrics.IceOverflowDropped)
			g.log.Warn("room: ice buffer full, dropping candidate", "room", r.id, "dest", dest)
			return
		}
		r.iceBuf[dest] = append(r.iceBuf[dest], msg)
		g.metrics.Inc(metrics.IceBuffered)
	case wire.TypeOffer:
		// Latest wins: a newer offer supersedes a stale negotiation attempt.
		if dest == wire.RoleCallee {
			r.pendingOffer = &msg
			g.metrics.Inc(metrics.OfferBuffered)
		}
	case wire.TypeAnswer:
		// An answer is meaningless without the live offerer that asked for it.
		g.metrics.Inc(metrics.AnswerDropped)
		g.log.Debug("room: dropping answer for absent peer", "room", r.id, "dest", dest)
	case wire.TypeRenegotiate:
		// The rejoining caller re-offers anyway, so there is nothing to keep.
		g.log.Debug("room: dropping renegotiate for absent peer", "room", r.id, "dest", dest)
	}
}

// Broadcast sends msg to every member except exceptID.
func (g *Registry) Broadcast(roomID, exceptID string, msg wire.Message) {
	r := g.get(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g.broadcastLocked(r, exceptID, msg)
}

func (g *Registry) broadcastLocked(r *room, exceptID string, msg wire.Message) {
	for id, m := range r.members {
		if id == exceptID || m.closed {
			continue
		}
		g.metrics.Inc(metrics.MessageRelayed)
		g.deliver(m, msg)
	}
}

// Leave removes the connection from the room, releases its peer slot and
// deletes the room (with its buffers) once the last member is gone. When
// notifyPeers is set the remaining members receive bye{reason:"peer-left"};
// callers suppress it when the departure was itself announced with a bye.
func (g *Registry) Leave(roomID, connID string, notifyPeers bool) {
	r := g.get(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	m, ok := r.members[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.closed = true
	delete(r.members, connID)
	if slot := r.slots[m.role]; slot == m {
		delete(r.slots, m.role)
	}
	empty := len(r.members) == 0
	if notifyPeers && !empty {
		g.metrics.Inc(metrics.ByeBroadcast)
		g.broadcastLocked(r, connID, wire.Message{Type: wire.TypeBye, Reason: "peer-left"})
	}
	r.mu.Unlock()

	g.metrics.Inc(metrics.MemberLeft)

	if empty {
		g.mu.Lock()
		// Re-check under the registry lock: a concurrent Join may have revived
		// the room between unlock and here.
		if cur, ok := g.rooms.Get(roomID); ok && cur == r {
			cur.mu.Lock()
			if len(cur.members) == 0 {
				g.rooms.Delete(roomID)
				g.metrics.Inc(metrics.RoomDeleted)
				g.log.Debug("room: deleted", "room", roomID)
			}
			cur.mu.Unlock()
		}
		g.mu.Unlock()
	}
}

// MemberCount reports the current number of members; 0 for unknown rooms.
func (g *Registry) MemberCount(roomID string) int {
	r := g.get(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Exists reports whether the room is live.
func (g *Registry) Exists(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.rooms.Get(roomID)
	return ok
}

func (g *Registry) deliver(m *member, msg wire.Message) {
	if err := m.sender.Deliver(msg); err != nil {
		g.log.Debug("room: deliver failed", "conn", m.id, "type", msg.Type, "err", err)
	}
}

func (g *Registry) get(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, _ := g.rooms.Get(roomID)
	return r
}

func (g *Registry) getOrCreate(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms.Get(roomID); ok {
		return r
	}
	r := &room{
		id:      roomID,
		members: make(map[string]*member),
		slots:   make(map[wire.Role]*member),
		iceBuf:  make(map[wire.Role][]wire.Message),
	}
	g.rooms.Put(roomID, r)
	g.metrics.Inc(metrics.RoomCreated)
	g.log.Debug("room: created", "room", roomID)
	return r
}

type room struct {
	mu sync.Mutex

	id      string
	members map[string]*member

	// slots holds the exclusive caller/callee bindings; invariant: at most one
	// live member per role.
	slots map[wire.Role]*member

	// iceBuf queues ice messages destined to a role whose slot is empty, FIFO,
	// bounded by the registry's iceCap.
	iceBuf map[wire.Role][]wire.Message

	// pendingOffer is the most recent offer awaiting the callee (latest wins).
	pendingOffer *wire.Message
}

// liveSlotLocked returns the member bound to role if it is still live.
func (r *room) liveSlotLocked(role wire.Role) *member {
	m := r.slots[role]
	if m == nil || m.closed {
		return nil
	}
	return m
}

type member struct {
	id     string
	role   wire.Role
	sender Sender
	closed bool
}

func randomCode(length int) (string, error) {
	code := make([]byte, length)
	max := big.NewInt(int64(len(codeChars)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}
