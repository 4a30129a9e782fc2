package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scenecollab/server/internal/bridge"
	"scenecollab/server/internal/journal"
	"scenecollab/server/internal/net/proto"
	"scenecollab/server/internal/presence"
	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
	"scenecollab/server/internal/store"
	"scenecollab/server/internal/telemetry"
	"scenecollab/server/logging"
	"scenecollab/server/logging/lifecycle"
	"scenecollab/server/logging/network"
)

const (
	writeWait = 10 * time.Second

	// RelayID is the sender id of envelopes produced by the hub itself.
	RelayID = "relay"

	// DefaultPersistDebounce batches snapshot writes of busy rooms.
	DefaultPersistDebounce = 2 * time.Second

	// DefaultPresenceTimeout drops room presence records that were not
	// renewed. Sessions renew well inside it.
	DefaultPresenceTimeout = 30 * time.Second
)

var (
	// ErrHubClosed is returned by Subscribe after Close.
	ErrHubClosed = errors.New("hub closed")
	// ErrUnknownRoom is returned for rooms with no live connection.
	ErrUnknownRoom = errors.New("unknown room")
	// ErrReplaced is returned for frames read from a connection that a
	// newer connection with the same client id has taken over.
	ErrReplaced = errors.New("connection replaced")
)

// HubConfig configures a relay hub.
type HubConfig struct {
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	// Store persists room snapshots. Rooms live only in memory when nil.
	Store           *store.Store
	PersistDebounce time.Duration
	JournalCapacity int
	// PresenceTimeout prunes room presence records nobody renewed, so late
	// joiners never inherit locks of vanished peers.
	PresenceTimeout time.Duration
	Clock           func() time.Time
}

// Hub relays replica and presence updates between the connections of each
// room. Every room keeps its own replica so late joiners receive the full
// state.
type Hub struct {
	cfg     HubConfig
	pub     logging.Publisher
	metrics telemetry.Metrics
	logger  telemetry.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *subscriber) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.conn.Close()
}

type room struct {
	id        string
	replica   *replica.Doc
	awareness *presence.Awareness
	journal   *journal.Journal

	mu           sync.Mutex
	subscribers  map[string]*subscriber
	persistTimer *time.Timer
}

// RoomDiagnostics summarises one room for the diagnostics endpoint.
type RoomDiagnostics struct {
	Room      string   `json:"room"`
	Peers     []string `json:"peers"`
	Presence  int      `json:"presence"`
	Seq       uint64   `json:"seq"`
	Keyframes int      `json:"keyframes"`
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.PersistDebounce <= 0 {
		cfg.PersistDebounce = DefaultPersistDebounce
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = DefaultPresenceTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	h := &Hub{
		cfg:     cfg,
		pub:     cfg.Publisher,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		rooms:   make(map[string]*room),
	}
	if h.pub == nil {
		h.pub = logging.NopPublisher()
	}
	if h.metrics == nil {
		h.metrics = telemetry.NopMetrics()
	}
	if h.logger == nil {
		h.logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	return h
}

// roomLocked returns the room, restoring it from the store on first use.
func (h *Hub) roomLocked(id string) *room {
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := &room{
		id:          id,
		replica:     replica.New(RelayID + ":" + id),
		awareness:   presence.New(RelayID, presence.WithClock(h.cfg.Clock)),
		journal:     journal.New(journal.Options{UpdateCapacity: h.cfg.JournalCapacity, Metrics: h.metrics, Clock: h.cfg.Clock}),
		subscribers: make(map[string]*subscriber),
	}
	if h.cfg.Store != nil {
		snap, ok, err := h.cfg.Store.Load(context.Background(), id)
		switch {
		case err != nil:
			h.metrics.Add("relay_snapshot_failures_total", 1)
			network.SnapshotFailed(context.Background(), h.pub, 0, logging.Room(id), network.SnapshotPayload{Error: err.Error()}, nil)
		case ok:
			if err := r.replica.ApplyUpdate(snap.State, replica.Remote("store")); err != nil {
				h.metrics.Add("relay_snapshot_failures_total", 1)
				network.SnapshotFailed(context.Background(), h.pub, snap.Seq, logging.Room(id), network.SnapshotPayload{Seq: snap.Seq, Bytes: len(snap.State), Error: err.Error()}, nil)
			} else {
				r.journal.RecordKeyframe(snap.State)
				h.metrics.Add("relay_rooms_restored_total", 1)
			}
		}
	}
	h.rooms[id] = r
	h.metrics.Store("relay_rooms", uint64(len(h.rooms)))
	return r
}

// Subscribe registers conn as clientID in roomID and sends it the room's
// replica state and every known presence record. An existing connection
// with the same client id is closed and its presence record withdrawn, so
// its locks go with it.
func (h *Hub) Subscribe(roomID, clientID string, conn *websocket.Conn) (*subscriber, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	r := h.roomLocked(roomID)
	r.mu.Lock()
	h.mu.Unlock()

	sub := &subscriber{id: clientID, conn: conn}
	existing := r.subscribers[clientID]
	r.subscribers[clientID] = sub
	peers := len(r.subscribers)
	r.mu.Unlock()

	if existing != nil {
		network.SubscriberReplaced(context.Background(), h.pub, logging.Peer(clientID), logging.Room(roomID), nil)
		existing.close(websocket.ClosePolicyViolation, "replaced by a newer connection")
		h.withdraw(r, clientID, clientID)
	}
	h.prunePresence(r)

	if err := h.sendInitial(r, sub); err != nil {
		h.Disconnect(roomID, sub, "initial sync failed")
		return nil, err
	}
	lifecycle.PeerJoined(context.Background(), h.pub, logging.Peer(clientID), logging.Room(roomID), lifecycle.PeerJoinedPayload{Peers: peers}, nil)
	return sub, nil
}

func (h *Hub) sendInitial(r *room, sub *subscriber) error {
	state, err := r.replica.EncodeState()
	if err != nil {
		return fmt.Errorf("encode room state: %w", err)
	}
	data, err := proto.Encode(proto.SyncState(r.id, RelayID, state))
	if err != nil {
		return err
	}
	if err := sub.write(data); err != nil {
		return err
	}
	// Tombstones are sent too: a reconnecting client learns the clock its
	// previous connection reached and announces above it.
	if r.awareness.Known() == 0 {
		return nil
	}
	update, err := r.awareness.EncodeUpdate()
	if err != nil {
		return err
	}
	data, err = proto.Encode(proto.Presence(r.id, RelayID, update))
	if err != nil {
		return err
	}
	return sub.write(data)
}

// Disconnect removes sub from its room, withdraws its presence record and
// tells the remaining connections. Disconnecting a connection that was
// already replaced is a no-op.
func (h *Hub) Disconnect(roomID string, sub *subscriber, reason string) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		sub.conn.Close()
		return
	}
	r.mu.Lock()
	current, ok := r.subscribers[sub.id]
	if !ok || current != sub {
		r.mu.Unlock()
		h.mu.Unlock()
		sub.conn.Close()
		return
	}
	delete(r.subscribers, sub.id)
	remaining := len(r.subscribers)
	evict := remaining == 0 && h.cfg.Store != nil
	if evict {
		delete(h.rooms, roomID)
		h.metrics.Store("relay_rooms", uint64(len(h.rooms)))
	}
	r.mu.Unlock()
	if evict {
		// Saved while the hub lock is held so a rejoin restores this state.
		h.persist(r)
	}
	h.mu.Unlock()

	sub.conn.Close()
	if evict {
		r.awareness.RemoveStates([]string{sub.id}, replica.Remote(sub.id))
	} else {
		h.withdraw(r, sub.id, "")
	}
	lifecycle.PeerLeft(context.Background(), h.pub, logging.Peer(sub.id), logging.Room(roomID), lifecycle.PeerLeftPayload{Reason: reason, Peers: remaining}, nil)
}

// HandleMessage merges one inbound frame from sub and relays it to the rest
// of the room. Frames that do not decode or merge are dropped and reported.
func (h *Hub) HandleMessage(roomID string, sub *subscriber, data []byte) error {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRoom, roomID)
	}
	r.mu.Lock()
	current := r.subscribers[sub.id]
	r.mu.Unlock()
	if current != sub {
		err := fmt.Errorf("%w: %s", ErrReplaced, sub.id)
		h.drop(roomID, sub.id, "", err)
		return err
	}

	env, err := proto.Decode(data)
	if err != nil {
		h.drop(roomID, sub.id, "", err)
		return err
	}
	env.Room = roomID
	env.From = sub.id

	switch env.Type {
	case proto.TypeUpdate, proto.TypeSyncState:
		if err := r.replica.ApplyUpdate(env.Payload, replica.Remote(sub.id)); err != nil {
			h.drop(roomID, sub.id, env.Type, err)
			return err
		}
		r.journal.AppendUpdate(sub.id, env.Payload)
		h.metrics.Add("relay_updates_total", 1)
		h.schedulePersist(r)
	case proto.TypePresence:
		// A connection only ever writes its own record.
		if err := r.awareness.ApplyOwnedUpdate(env.Payload, sub.id, replica.Remote(sub.id)); err != nil {
			h.drop(roomID, sub.id, env.Type, err)
			return err
		}
		h.prunePresence(r)
	default:
		err := fmt.Errorf("%w: %q", proto.ErrUnsupportedType, env.Type)
		h.drop(roomID, sub.id, env.Type, err)
		return err
	}

	h.broadcast(r, env, sub.id)
	return nil
}

// withdraw removes clientID's presence record from r and tells every
// subscriber except skip.
func (h *Hub) withdraw(r *room, clientID, skip string) {
	r.awareness.RemoveStates([]string{clientID}, replica.Remote(clientID))
	h.broadcast(r, proto.PresenceRemove(r.id, RelayID, []string{clientID}), skip)
}

func (h *Hub) prunePresence(r *room) {
	pruned := r.awareness.Prune(h.cfg.PresenceTimeout)
	if len(pruned) == 0 {
		return
	}
	h.metrics.Add("relay_presence_pruned_total", uint64(len(pruned)))
	h.broadcast(r, proto.PresenceRemove(r.id, RelayID, pruned), "")
}

func (h *Hub) drop(roomID, clientID string, kind proto.Type, err error) {
	h.metrics.Add("relay_dropped_messages_total", 1)
	network.MessageDropped(context.Background(), h.pub, logging.Peer(clientID), logging.Room(roomID), network.DroppedPayload{
		Kind:   string(kind),
		Reason: err.Error(),
	}, nil)
}

// broadcast sends env to every subscriber of r except skip. Connections
// that fail to accept the write are disconnected.
func (h *Hub) broadcast(r *room, env proto.Envelope, skip string) {
	data, err := proto.Encode(env)
	if err != nil {
		h.logger.Printf("relay %s: encode %s: %v", r.id, env.Type, err)
		return
	}
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for id, sub := range r.subscribers {
		if id == skip {
			continue
		}
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.write(data); err != nil {
			h.logger.Printf("relay %s: write to %s failed: %v", r.id, sub.id, err)
			go h.Disconnect(r.id, sub, "write failed")
		}
	}
}

func (h *Hub) schedulePersist(r *room) {
	if h.cfg.Store == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persistTimer != nil {
		return
	}
	r.persistTimer = time.AfterFunc(h.cfg.PersistDebounce, func() {
		r.mu.Lock()
		r.persistTimer = nil
		r.mu.Unlock()
		h.persist(r)
	})
}

// persist writes the room's replica state to the store and keeps it as the
// journal's newest keyframe.
func (h *Hub) persist(r *room) {
	if h.cfg.Store == nil {
		return
	}
	r.mu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	r.mu.Unlock()

	ctx := context.Background()
	seq := r.journal.Seq()
	state, err := r.replica.EncodeState()
	if err == nil {
		err = h.cfg.Store.Save(ctx, r.id, state, seq)
	}
	if err != nil {
		h.metrics.Add("relay_snapshot_failures_total", 1)
		network.SnapshotFailed(ctx, h.pub, seq, logging.Room(r.id), network.SnapshotPayload{Seq: seq, Bytes: len(state), Error: err.Error()}, nil)
		return
	}
	r.journal.RecordKeyframe(state)
	h.metrics.Add("relay_snapshots_total", 1)
	network.SnapshotSaved(ctx, h.pub, seq, logging.Room(r.id), network.SnapshotPayload{Seq: seq, Bytes: len(state)}, nil)
}

// Document reconstructs the room's current document from a copy of its
// replica. The room replica itself is never written.
func (h *Hub) Document(roomID string) (scene.Document, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return scene.Document{}, fmt.Errorf("%w: %q", ErrUnknownRoom, roomID)
	}
	state, err := r.replica.EncodeState()
	if err != nil {
		return scene.Document{}, err
	}
	scratch := replica.New(RelayID + ":inspect")
	if err := scratch.ApplyUpdate(state, replica.Remote(RelayID)); err != nil {
		return scene.Document{}, err
	}
	return bridge.ReconstructDocument(scratch)
}

// Diagnostics reports every live room, sorted by id.
func (h *Hub) Diagnostics() []RoomDiagnostics {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	out := make([]RoomDiagnostics, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		peers := make([]string, 0, len(r.subscribers))
		for id := range r.subscribers {
			peers = append(peers, id)
		}
		r.mu.Unlock()
		sort.Strings(peers)
		keyframes, _, _ := r.journal.KeyframeWindow()
		out = append(out, RoomDiagnostics{
			Room:      r.id,
			Peers:     peers,
			Presence:  len(r.awareness.States()),
			Seq:       r.journal.Seq(),
			Keyframes: keyframes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Close disconnects every subscriber and flushes every room to the store.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		subs := make([]*subscriber, 0, len(r.subscribers))
		for _, sub := range r.subscribers {
			subs = append(subs, sub)
		}
		r.mu.Unlock()
		for _, sub := range subs {
			sub.close(websocket.CloseGoingAway, "server shutting down")
		}
		h.persist(r)
	}
}
