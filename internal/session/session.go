// Package session wires one editing session: the canonical document, its
// replica, presence, locks, local undo history and the transport. A Session
// is created per document and driven through an explicit Start/Stop
// lifecycle.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scenecollab/server/internal/bridge"
	"scenecollab/server/internal/journal"
	"scenecollab/server/internal/locks"
	"scenecollab/server/internal/net/proto"
	"scenecollab/server/internal/presence"
	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
	"scenecollab/server/internal/telemetry"
	"scenecollab/server/internal/undo"
	"scenecollab/server/logging"
	"scenecollab/server/logging/lifecycle"
)

const (
	// DefaultPresenceTimeout drops presence records that were not renewed.
	DefaultPresenceTimeout = 30 * time.Second
	// DefaultPresenceRenew is how often the local record is re-announced.
	DefaultPresenceRenew = 10 * time.Second
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("session already started")

// Transport delivers envelopes to the other peers of the room.
type Transport interface {
	Send(env proto.Envelope) error
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(env proto.Envelope) error

func (f TransportFunc) Send(env proto.Envelope) error {
	if f == nil {
		return nil
	}
	return f(env)
}

// Config configures a Session.
type Config struct {
	DocumentID string
	// ClientID identifies this connection. A random uuid is used when empty.
	ClientID  string
	User      presence.User
	Transport Transport
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger

	Debounce         time.Duration
	CaptureTimeout   time.Duration
	FailureThreshold int
	PresenceTimeout  time.Duration
	PresenceRenew    time.Duration
	Clock            func() time.Time
}

// Session is the explicit handle the editor holds for one document.
type Session struct {
	cfg      Config
	clientID string
	pub      logging.Publisher
	metrics  telemetry.Metrics
	logger   telemetry.Logger

	replica   *replica.Doc
	awareness *presence.Awareness
	adapter   *bridge.Adapter
	locks     *locks.Manager
	undo      *undo.Manager
	journal   *journal.Journal

	mu  sync.Mutex
	doc scene.Document
	// stale is set by transactions that did not come from this session's
	// own edits, so the canonical document is refreshed before the next edit.
	stale atomic.Bool

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	unsubscribe []func()
	cancel      context.CancelFunc
	done        chan struct{}

	lmu       sync.Mutex
	nextID    uint64
	onChange  map[uint64]func(scene.Document)
	onCorrupt map[uint64]func(journal.CorruptionSignal)
}

// New builds a session with an empty replica. Nothing is sent until Start.
func New(cfg Config) *Session {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.User.ID == "" {
		cfg.User.ID = cfg.ClientID
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = DefaultPresenceTimeout
	}
	if cfg.PresenceRenew <= 0 {
		cfg.PresenceRenew = DefaultPresenceRenew
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Session{
		cfg:       cfg,
		clientID:  cfg.ClientID,
		pub:       cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		onChange:  make(map[uint64]func(scene.Document)),
		onCorrupt: make(map[uint64]func(journal.CorruptionSignal)),
	}
	if s.pub == nil {
		s.pub = logging.NopPublisher()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NopMetrics()
	}
	if s.logger == nil {
		s.logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	s.pub = logging.WithFields(s.pub, map[string]any{"client": s.clientID})

	s.replica = replica.New(s.clientID)
	s.awareness = presence.New(s.clientID, presence.WithClock(cfg.Clock))
	s.journal = journal.New(journal.Options{FailureThreshold: cfg.FailureThreshold, Metrics: s.metrics})
	s.adapter = bridge.New(bridge.Options{
		Publisher: s.pub,
		Metrics:   s.metrics,
		Debounce:  cfg.Debounce,
		OnFailure: s.noteFailure,
		OnSuccess: func() { s.journal.NoteReconstruction(nil) },
	})
	s.locks = locks.NewManager(locks.Options{Publisher: s.pub, Metrics: s.metrics})
	s.undo = undo.New(s.replica, replica.OriginLocal, undo.Options{
		CaptureTimeout: cfg.CaptureTimeout,
		Metrics:        s.metrics,
		Clock:          cfg.Clock,
	})
	s.unsubscribe = append(s.unsubscribe, s.replica.OnAfterTransaction(func(txn *replica.Transaction) {
		if txn.Origin != replica.OriginLocal {
			s.stale.Store(true)
		}
	}))
	return s
}

func (s *Session) ClientID() string { return s.clientID }

func (s *Session) DocumentID() string { return s.cfg.DocumentID }

// Replica exposes the session's replica document.
func (s *Session) Replica() *replica.Doc { return s.replica }

// Awareness exposes the session's presence view.
func (s *Session) Awareness() *presence.Awareness { return s.awareness }

// Start announces the local presence and replica state and begins relaying
// local changes through the transport. Remote changes reach OnDocumentChange
// listeners after the debounce window.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.unsubscribe = append(s.unsubscribe,
		s.replica.OnUpdate(func(update []byte, origin any) {
			if replica.IsRemote(origin) {
				return
			}
			s.send(proto.Update(s.cfg.DocumentID, s.clientID, update))
		}),
		s.awareness.OnUpdate(func(update []byte, _ any) {
			s.send(proto.Presence(s.cfg.DocumentID, s.clientID, update))
		}),
		s.adapter.ObserveRemoteChanges(s.replica, s.setDocument),
	)

	if state, err := s.replica.EncodeState(); err != nil {
		s.logger.Printf("session %s: encode state: %v", s.clientID, err)
	} else if !s.replicaEmpty() {
		s.send(proto.SyncState(s.cfg.DocumentID, s.clientID, state))
	}
	s.awareness.Mutate(func(local *presence.State, _ []presence.Entry) bool {
		local.User = s.cfg.User
		return true
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.maintainPresence(runCtx)

	lifecycle.SessionStarted(ctx, s.pub, logging.Peer(s.clientID), lifecycle.SessionPayload{Document: s.cfg.DocumentID}, nil)
	return nil
}

// Stop releases every lock, withdraws the presence record and detaches all
// listeners and timers. It is safe to call more than once.
func (s *Session) Stop() {
	s.lifecycleMu.Lock()
	if s.stopped {
		s.lifecycleMu.Unlock()
		return
	}
	s.stopped = true
	wasStarted := s.started
	s.lifecycleMu.Unlock()

	if wasStarted {
		s.locks.ReleaseAll(s.awareness)
		s.awareness.ClearLocalState()
		s.cancel()
		<-s.done
	}
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.undo.Close()
	if wasStarted {
		lifecycle.SessionStopped(context.Background(), s.pub, logging.Peer(s.clientID), lifecycle.SessionPayload{Document: s.cfg.DocumentID}, nil)
	}
}

func (s *Session) maintainPresence(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PresenceRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.awareness.Renew()
			if removed := s.awareness.Prune(s.cfg.PresenceTimeout); len(removed) > 0 {
				s.metrics.Add("presence_pruned_total", uint64(len(removed)))
			}
		}
	}
}

func (s *Session) send(env proto.Envelope) {
	if s.cfg.Transport == nil {
		return
	}
	if err := s.cfg.Transport.Send(env); err != nil {
		s.metrics.Add("session_send_failures_total", 1)
		s.logger.Printf("session %s: send %s: %v", s.clientID, env.Type, err)
	}
}

func (s *Session) replicaEmpty() bool {
	for _, name := range bridge.Containers {
		if !s.replica.Empty(name) {
			return false
		}
	}
	return true
}

// OnDocumentChange registers fn for every canonical document refreshed from
// the replica. The returned function unregisters it.
func (s *Session) OnDocumentChange(fn func(scene.Document)) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	id := s.nextID
	s.onChange[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.onChange, id)
	}
}

// OnCorrupted registers fn for sustained reconstruction failure. Each
// failure streak is reported once.
func (s *Session) OnCorrupted(fn func(journal.CorruptionSignal)) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	id := s.nextID
	s.onCorrupt[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.onCorrupt, id)
	}
}

func (s *Session) noteFailure(err error) {
	s.journal.NoteReconstruction(err)
	signal, ok := s.journal.ConsumeCorruption()
	if !ok {
		return
	}
	s.metrics.Add("session_corrupted_total", 1)
	lifecycle.SessionCorrupted(context.Background(), s.pub, logging.Peer(s.clientID), lifecycle.CorruptedPayload{
		Failures: signal.Failures,
		Attempts: signal.Attempts,
		Reason:   signal.Summary(),
	}, nil)
	s.lmu.Lock()
	listeners := make([]func(journal.CorruptionSignal), 0, len(s.onCorrupt))
	for _, fn := range s.onCorrupt {
		listeners = append(listeners, fn)
	}
	s.lmu.Unlock()
	for _, fn := range listeners {
		fn(signal)
	}
}

func (s *Session) setDocument(doc scene.Document) {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	s.notify(doc)
}

func (s *Session) notify(doc scene.Document) {
	s.lmu.Lock()
	listeners := make([]func(scene.Document), 0, len(s.onChange))
	for _, fn := range s.onChange {
		listeners = append(listeners, fn)
	}
	s.lmu.Unlock()
	for _, fn := range listeners {
		fn(doc.Clone())
	}
}
