package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/enfaria/internal/clock"
	"github.com/cory-johannsen/enfaria/internal/game/world"
)

// Default queue depths used when a Registry is built with zero limits.
const (
	DefaultInboundDepth  = 256
	DefaultOutboundDepth = 256
)

// Login is what the auth collaborator hands over once a connection is
// authenticated.
type Login struct {
	ID          UserID
	Address     Address
	Token       Token
	DisplayName string
	World       world.State
	Position    world.Position
}

// record is the single row holding everything the registry knows about one
// session.
type record struct {
	id       UserID
	gen      uuid.UUID
	addr     Address
	token    Token
	name     string
	lastSeen uint64
	pos      world.Position
	world    world.State
	state    State
	inbound  *Queue
	outbound *Queue
}

// addrRef is the value side of the address index.
type addrRef struct {
	id  UserID
	gen uuid.UUID
}

// Registry is the authoritative table of live sessions: a primary table keyed
// by UserID plus a reverse Address index.
// All methods are safe for concurrent use.
type Registry struct {
	clock         clock.Clock
	inboundDepth  int
	outboundDepth int

	mu      sync.RWMutex
	records map[UserID]*record
	addrs   map[Address]addrRef
}

// NewRegistry creates an empty Registry.
//
// Precondition: clk must be non-nil.
// Postcondition: Non-positive depths are replaced by the package defaults.
func NewRegistry(clk clock.Clock, inboundDepth, outboundDepth int) *Registry {
	if inboundDepth <= 0 {
		inboundDepth = DefaultInboundDepth
	}
	if outboundDepth <= 0 {
		outboundDepth = DefaultOutboundDepth
	}
	return &Registry{
		clock:         clk,
		inboundDepth:  inboundDepth,
		outboundDepth: outboundDepth,
		records:       make(map[UserID]*record),
		addrs:         make(map[Address]addrRef),
	}
}

// Create registers a new active session for l.ID bound to l.Address.
//
// Precondition: l.Address and l.DisplayName must be non-empty.
// Postcondition: Returns ErrDuplicateSession if l.ID is active, ErrSessionBusy
// if l.ID is still quitting. An address currently bound to another session is
// rebound to the new one.
func (r *Registry) Create(l Login) (Session, error) {
	if l.Address == "" {
		return Session{}, errors.New("address must not be empty")
	}
	if l.DisplayName == "" {
		return Session{}, errors.New("display name must not be empty")
	}
	now := r.clock.NowMs()

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[l.ID]; ok {
		if rec.state == StateQuitting {
			return Session{}, fmt.Errorf("%w: user %s is quitting", ErrSessionBusy, l.ID)
		}
		return Session{}, fmt.Errorf("%w: user %s already connected", ErrDuplicateSession, l.ID)
	}

	rec := &record{
		id:       l.ID,
		gen:      uuid.New(),
		addr:     l.Address,
		token:    l.Token,
		name:     l.DisplayName,
		lastSeen: now,
		pos:      l.Position,
		world:    l.World.Clone(),
		state:    StateActive,
		inbound:  NewQueue(r.inboundDepth),
		outbound: NewQueue(r.outboundDepth),
	}
	r.records[l.ID] = rec
	r.addrs[l.Address] = addrRef{id: l.ID, gen: rec.gen}
	return rec.snapshot(), nil
}

// Attach binds an additional address to an active session and makes it the
// current one. The previous address keeps resolving to the session until the
// session is purged.
func (r *Registry) Attach(id UserID, addr Address) error {
	if addr == "" {
		return errors.New("address must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	rec.addr = addr
	r.addrs[addr] = addrRef{id: id, gen: rec.gen}
	return nil
}

// Lookup returns a copy of the session for id.
//
// Postcondition: Returns (session, true) if found, or (Session{}, false) otherwise.
func (r *Registry) Lookup(id UserID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// LookupByAddress returns a copy of the session bound to addr.
//
// Postcondition: Returns (Session{}, false) when addr is unbound or bound to a
// session that no longer exists.
func (r *Registry) LookupByAddress(addr Address) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.resolveLocked(addr)
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// State reports the lifecycle phase of id. Absent ids report StatePurged.
func (r *Registry) State(id UserID) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		return rec.state
	}
	return StatePurged
}

// EnqueueInbound appends p to the receive queue of the session bound to addr
// and refreshes its LastSeen. Heartbeats refresh LastSeen without being
// queued.
//
// Postcondition: Returns ErrUnknownSession, ErrSessionBusy, or ErrQueueOverflow
// on failure; the queue is unchanged in every failure case.
func (r *Registry) EnqueueInbound(addr Address, p Packet) error {
	now := r.clock.NowMs()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.resolveLocked(addr)
	if !ok {
		return fmt.Errorf("%w: address %q", ErrUnknownSession, addr)
	}
	if rec.state != StateActive {
		return fmt.Errorf("%w: user %s is %s", ErrSessionBusy, rec.id, rec.state)
	}
	if p.Command != CommandHeartbeat {
		if err := rec.inbound.Push(p); err != nil {
			return fmt.Errorf("inbound for user %s: %w", rec.id, err)
		}
	}
	rec.touch(now)
	return nil
}

// EnqueueOutbound appends p to the send queue of id.
func (r *Registry) EnqueueOutbound(id UserID, p Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	if err := rec.outbound.Push(p); err != nil {
		return fmt.Errorf("outbound for user %s: %w", id, err)
	}
	return nil
}

// DrainInbound returns and clears the receive queue of id.
//
// Postcondition: Returns an empty slice when id is absent or nothing is pending.
func (r *Registry) DrainInbound(id UserID) []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return []Packet{}
	}
	return rec.inbound.Drain()
}

// DrainOutbound returns and clears the send queue of id.
//
// Postcondition: Returns an empty slice when id is absent or nothing is pending.
func (r *Registry) DrainOutbound(id UserID) []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return []Packet{}
	}
	return rec.outbound.Drain()
}

// Touch records activity for id at now. It is a no-op for absent ids and
// never moves LastSeen backwards.
func (r *Registry) Touch(id UserID, now uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.touch(now)
	}
}

// Mutate applies fn to the world state and position of an active session.
func (r *Registry) Mutate(id UserID, fn func(*world.State, *world.Position)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	fn(&rec.world, &rec.pos)
	return nil
}

// BeginQuit moves id from Active to Quitting and discards its pending inbound
// packets.
//
// Postcondition: Returns a copy of the record for persistence, ErrUnknownSession
// if absent, or ErrSessionBusy if already quitting.
func (r *Registry) BeginQuit(id UserID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.activeLocked(id)
	if err != nil {
		return Session{}, err
	}
	rec.state = StateQuitting
	rec.inbound.Drain()
	return rec.snapshot(), nil
}

// Remove deletes id and every address bound to it, whatever generation.
// Removing an absent id is a no-op.
//
// Postcondition: Returns true if anything was deleted.
func (r *Registry) Remove(id UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, removed := r.records[id]
	delete(r.records, id)
	for addr, ref := range r.addrs {
		if ref.id == id {
			delete(r.addrs, addr)
			removed = true
		}
	}
	return removed
}

// RemoveGeneration deletes the session of id only if it still carries gen,
// and deletes every address bound to that generation. Addresses bound to a
// newer session of the same user are left alone.
//
// Postcondition: Returns true if the record itself was deleted.
func (r *Registry) RemoveGeneration(id UserID, gen uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := addrRef{id: id, gen: gen}
	for addr, ref := range r.addrs {
		if ref == want {
			delete(r.addrs, addr)
		}
	}
	if rec, ok := r.records[id]; ok && rec.gen == gen {
		delete(r.records, id)
		return true
	}
	return false
}

// Activity returns what the detector needs about every active session,
// ordered by UserID. Quitting sessions are excluded.
func (r *Registry) Activity() []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Activity, 0, len(r.records))
	for _, rec := range r.records {
		if rec.state != StateActive {
			continue
		}
		out = append(out, Activity{
			ID:       rec.id,
			LastSeen: rec.lastSeen,
			Inbound:  rec.inbound.Peek(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the ids of every session in the registry, active or quitting,
// in ascending order.
func (r *Registry) IDs() []UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]UserID, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Addresses returns every address currently bound to id, sorted.
func (r *Registry) Addresses(id UserID) []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Address
	for addr, ref := range r.addrs {
		if ref.id == id {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of sessions, active or quitting.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) resolveLocked(addr Address) (*record, bool) {
	ref, ok := r.addrs[addr]
	if !ok {
		return nil, false
	}
	rec, ok := r.records[ref.id]
	if !ok || rec.gen != ref.gen {
		return nil, false
	}
	return rec, true
}

func (r *Registry) activeLocked(id UserID) (*record, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrUnknownSession, id)
	}
	if rec.state != StateActive {
		return nil, fmt.Errorf("%w: user %s is %s", ErrSessionBusy, id, rec.state)
	}
	return rec, nil
}

func (rec *record) touch(now uint64) {
	if now > rec.lastSeen {
		rec.lastSeen = now
	}
}

func (rec *record) snapshot() Session {
	return Session{
		ID:          rec.id,
		Generation:  rec.gen,
		Address:     rec.addr,
		Token:       rec.token,
		DisplayName: rec.name,
		LastSeen:    rec.lastSeen,
		Position:    rec.pos,
		World:       rec.world.Clone(),
		State:       rec.state,
		Inbound:     rec.inbound.Len(),
		Outbound:    rec.outbound.Len(),
	}
}
