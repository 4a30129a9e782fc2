// Package presence holds ephemeral per-connection state: who is connected,
// what they have selected, where their camera is and which entities they
// hold advisory locks on. Records are single-writer: a connection only ever
// writes its own record and reads everyone else's.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
)

var (
	// ErrMalformedUpdate is returned by ApplyUpdate for undecodable payloads.
	ErrMalformedUpdate = errors.New("malformed presence update")
	// ErrForeignRecord is returned by ApplyOwnedUpdate when a frame writes
	// a record its sender does not own.
	ErrForeignRecord = errors.New("presence record owned by another client")
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Camera struct {
	Position scene.Vec3 `json:"position"`
	Target   scene.Vec3 `json:"target"`
}

// State is one connection's presence record.
type State struct {
	User      User     `json:"user"`
	Selection []string `json:"selection,omitempty"`
	Camera    *Camera  `json:"camera,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Locks     []string `json:"locks,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Selection = append([]string(nil), s.Selection...)
	out.Locks = append([]string(nil), s.Locks...)
	if s.Camera != nil {
		camera := *s.Camera
		out.Camera = &camera
	}
	return out
}

// Entry pairs a record with the connection that owns it.
type Entry struct {
	ClientID string
	Clock    uint64
	State    State
}

// Change lists the client ids affected by one local or remote update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// LocalOrigin tags changes made through SetLocalState and Mutate.
const LocalOrigin = replica.OriginLocal

type record struct {
	clock   uint64
	state   *State
	updated time.Time
}

type wireRecord struct {
	ClientID string `cbor:"id"`
	Clock    uint64 `cbor:"clock"`
	State    *State `cbor:"state"`
}

type wireUpdate struct {
	Records []wireRecord `cbor:"records"`
}

type changeListener struct {
	id uint64
	fn func(change Change, origin any)
}

type updateListener struct {
	id uint64
	fn func(update []byte, origin any)
}

// Awareness is the presence view of one connection.
type Awareness struct {
	clientID string
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*record

	lmu     sync.Mutex
	nextID  uint64
	changes []changeListener
	updates []updateListener
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithClock overrides the time source used for staleness tracking.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		if now != nil {
			a.now = now
		}
	}
}

// New returns an Awareness owned by clientID with no local record yet.
func New(clientID string, opts ...Option) *Awareness {
	a := &Awareness{
		clientID: clientID,
		now:      time.Now,
		records:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Awareness) ClientID() string {
	return a.clientID
}

// LocalState returns a copy of the local record.
func (a *Awareness) LocalState() (State, bool) {
	return a.State(a.clientID)
}

// State returns a copy of the record owned by clientID.
func (a *Awareness) State(clientID string) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[clientID]
	if !ok || rec.state == nil {
		return State{}, false
	}
	return rec.state.Clone(), true
}

// States returns every live record sorted by client id. The order is the
// same on every peer that holds the same records.
func (a *Awareness) States() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entriesLocked()
}

func (a *Awareness) entriesLocked() []Entry {
	entries := make([]Entry, 0, len(a.records))
	for id, rec := range a.records {
		if rec.state == nil {
			continue
		}
		entries = append(entries, Entry{ClientID: id, Clock: rec.clock, State: rec.state.Clone()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return entries
}

// SetLocalState replaces the local record.
func (a *Awareness) SetLocalState(state State) {
	a.Mutate(func(local *State, _ []Entry) bool {
		*local = state.Clone()
		return true
	})
}

// Mutate runs fn against a copy of the local record and the other records
// under one lock. The local record is replaced when fn returns true.
func (a *Awareness) Mutate(fn func(local *State, others []Entry) bool) {
	a.mu.Lock()
	rec := a.records[a.clientID]
	var current State
	existed := rec != nil && rec.state != nil
	if existed {
		current = rec.state.Clone()
	}
	others := make([]Entry, 0, len(a.records))
	for _, entry := range a.entriesLocked() {
		if entry.ClientID != a.clientID {
			others = append(others, entry)
		}
	}
	if !fn(&current, others) {
		a.mu.Unlock()
		return
	}
	if rec == nil {
		rec = &record{}
		a.records[a.clientID] = rec
	}
	rec.clock++
	rec.state = &current
	rec.updated = a.now()
	data, err := a.encodeLocked([]string{a.clientID})
	a.mu.Unlock()

	change := Change{Updated: []string{a.clientID}}
	if !existed {
		change = Change{Added: []string{a.clientID}}
	}
	a.emit(change, data, err, LocalOrigin)
}

// ClearLocalState removes the local record, announcing the removal.
func (a *Awareness) ClearLocalState() {
	a.mu.Lock()
	rec := a.records[a.clientID]
	if rec == nil || rec.state == nil {
		a.mu.Unlock()
		return
	}
	rec.clock++
	rec.state = nil
	rec.updated = a.now()
	data, err := a.encodeLocked([]string{a.clientID})
	a.mu.Unlock()
	a.emit(Change{Removed: []string{a.clientID}}, data, err, LocalOrigin)
}

// Renew re-announces the local record with a fresh clock so peers do not
// prune it as stale.
func (a *Awareness) Renew() {
	a.mu.Lock()
	rec := a.records[a.clientID]
	if rec == nil || rec.state == nil {
		a.mu.Unlock()
		return
	}
	rec.clock++
	rec.updated = a.now()
	data, err := a.encodeLocked([]string{a.clientID})
	a.mu.Unlock()
	a.emit(Change{}, data, err, LocalOrigin)
}

// EncodeUpdate encodes the named records, or every record when none are
// named.
func (a *Awareness) EncodeUpdate(clientIDs ...string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(clientIDs) == 0 {
		for id := range a.records {
			clientIDs = append(clientIDs, id)
		}
		sort.Strings(clientIDs)
	}
	return a.encodeLocked(clientIDs)
}

func (a *Awareness) encodeLocked(clientIDs []string) ([]byte, error) {
	update := wireUpdate{Records: make([]wireRecord, 0, len(clientIDs))}
	for _, id := range clientIDs {
		rec, ok := a.records[id]
		if !ok {
			continue
		}
		wire := wireRecord{ClientID: id, Clock: rec.clock}
		if rec.state != nil {
			state := rec.state.Clone()
			wire.State = &state
		}
		update.Records = append(update.Records, wire)
	}
	data, err := replica.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode presence: %w", err)
	}
	return data, nil
}

// ApplyUpdate merges remote records. A record replaces the known one only if
// its clock is newer. A record claiming the local client id never replaces
// the local state; if its clock has caught up, the local record is
// re-announced with a clock above it so peers keep the live version.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	update, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	a.apply(update, origin)
	return nil
}

// ApplyOwnedUpdate is ApplyUpdate for a frame sent by owner. A frame that
// carries any record for another client id is refused whole with
// ErrForeignRecord.
func (a *Awareness) ApplyOwnedUpdate(data []byte, owner string, origin any) error {
	update, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	for _, wire := range update.Records {
		if wire.ClientID != owner {
			return fmt.Errorf("%w: %q written by %q", ErrForeignRecord, wire.ClientID, owner)
		}
	}
	a.apply(update, origin)
	return nil
}

func decodeUpdate(data []byte) (wireUpdate, error) {
	var update wireUpdate
	if err := replica.Unmarshal(data, &update); err != nil {
		return wireUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return update, nil
}

func (a *Awareness) apply(update wireUpdate, origin any) {
	var change Change
	var announce []byte
	var announceErr error
	a.mu.Lock()
	now := a.now()
	for _, wire := range update.Records {
		if wire.ClientID == "" {
			continue
		}
		if wire.ClientID == a.clientID {
			announce, announceErr = a.outrunLocked(wire.Clock)
			continue
		}
		rec, known := a.records[wire.ClientID]
		if known && wire.Clock <= rec.clock {
			continue
		}
		wasLive := known && rec.state != nil
		if !known {
			rec = &record{}
			a.records[wire.ClientID] = rec
		}
		rec.clock = wire.Clock
		rec.updated = now
		if wire.State == nil {
			rec.state = nil
			if wasLive {
				change.Removed = append(change.Removed, wire.ClientID)
			}
			continue
		}
		state := wire.State.Clone()
		rec.state = &state
		if wasLive {
			change.Updated = append(change.Updated, wire.ClientID)
		} else {
			change.Added = append(change.Added, wire.ClientID)
		}
	}
	a.mu.Unlock()

	if !change.Empty() {
		a.emit(change, nil, nil, origin)
	}
	if announce != nil {
		a.emit(Change{}, announce, announceErr, LocalOrigin)
	}
}

// outrunLocked moves the local clock past clock, which a peer still holds
// for this client id from an earlier connection. A live local record is
// re-encoded for announcement; without one the clock is only remembered so
// the first Mutate starts above it.
func (a *Awareness) outrunLocked(clock uint64) ([]byte, error) {
	rec := a.records[a.clientID]
	if rec == nil {
		a.records[a.clientID] = &record{clock: clock, updated: a.now()}
		return nil, nil
	}
	if clock < rec.clock {
		return nil, nil
	}
	rec.clock = clock + 1
	if rec.state == nil {
		return nil, nil
	}
	rec.updated = a.now()
	return a.encodeLocked([]string{a.clientID})
}

// RemoveStates withdraws remote records, typically because their connection
// closed. Their locks disappear with them. The last clock of each removed
// record is kept as a tombstone so a delayed frame from the same connection
// cannot bring the record back.
func (a *Awareness) RemoveStates(clientIDs []string, origin any) {
	var change Change
	a.mu.Lock()
	now := a.now()
	for _, id := range clientIDs {
		if id == a.clientID {
			continue
		}
		rec, ok := a.records[id]
		if !ok || rec.state == nil {
			continue
		}
		change.Removed = append(change.Removed, id)
		rec.state = nil
		rec.updated = now
	}
	a.mu.Unlock()
	if !change.Empty() {
		a.emit(change, nil, nil, origin)
	}
}

// Clock returns the last clock seen for clientID, tombstones included.
func (a *Awareness) Clock(clientID string) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[clientID]
	if !ok {
		return 0, false
	}
	return rec.clock, true
}

// Known reports how many client ids have a record or a tombstone.
func (a *Awareness) Known() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Prune removes remote records that have not been refreshed within timeout
// and returns their client ids.
func (a *Awareness) Prune(timeout time.Duration) []string {
	a.mu.Lock()
	cutoff := a.now().Add(-timeout)
	var stale []string
	for id, rec := range a.records {
		if id == a.clientID || rec.state == nil {
			continue
		}
		if rec.updated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(stale)
	a.RemoveStates(stale, "timeout")
	return stale
}

// OnChange registers fn for record additions, updates and removals.
func (a *Awareness) OnChange(fn func(change Change, origin any)) func() {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	a.nextID++
	id := a.nextID
	a.changes = append(a.changes, changeListener{id: id, fn: fn})
	return func() {
		a.lmu.Lock()
		defer a.lmu.Unlock()
		for i, l := range a.changes {
			if l.id == id {
				a.changes = append(a.changes[:i:i], a.changes[i+1:]...)
				return
			}
		}
	}
}

// OnUpdate registers fn for encoded updates of the local record, ready to be
// sent to peers.
func (a *Awareness) OnUpdate(fn func(update []byte, origin any)) func() {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	a.nextID++
	id := a.nextID
	a.updates = append(a.updates, updateListener{id: id, fn: fn})
	return func() {
		a.lmu.Lock()
		defer a.lmu.Unlock()
		for i, l := range a.updates {
			if l.id == id {
				a.updates = append(a.updates[:i:i], a.updates[i+1:]...)
				return
			}
		}
	}
}

func (a *Awareness) emit(change Change, data []byte, encodeErr error, origin any) {
	a.lmu.Lock()
	changes := append([]changeListener(nil), a.changes...)
	updates := append([]updateListener(nil), a.updates...)
	a.lmu.Unlock()

	if !change.Empty() {
		for _, l := range changes {
			l.fn(change, origin)
		}
	}
	if data == nil || encodeErr != nil {
		return
	}
	for _, l := range updates {
		l.fn(data, origin)
	}
}
