package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecollab/server/internal/bridge"
	"scenecollab/server/internal/journal"
	"scenecollab/server/internal/net/proto"
	"scenecollab/server/internal/presence"
	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
	"scenecollab/server/internal/telemetry"
)

// bus delivers every envelope to every other session synchronously.
type bus struct {
	mu    sync.Mutex
	peers []*Session
}

func (b *bus) join(t *testing.T, cfg Config) *Session {
	t.Helper()
	cfg.DocumentID = "doc"
	if cfg.Debounce == 0 {
		cfg.Debounce = 5 * time.Millisecond
	}
	cfg.Transport = TransportFunc(func(env proto.Envelope) error {
		b.mu.Lock()
		peers := append([]*Session(nil), b.peers...)
		b.mu.Unlock()
		for _, peer := range peers {
			if peer.ClientID() == env.From {
				continue
			}
			if err := peer.HandleMessage(env); err != nil {
				return err
			}
		}
		return nil
	})
	s := New(cfg)
	b.mu.Lock()
	b.peers = append(b.peers, s)
	b.mu.Unlock()
	t.Cleanup(s.Stop)
	return s
}

func sampleDocument(t *testing.T) scene.Document {
	t.Helper()
	doc, _, err := scene.Apply(scene.New("doc", "Room", "root"), scene.Batch(
		scene.CreateEntity(scene.Entity{ID: "a", Name: "A"}, "root"),
		scene.CreateEntity(scene.Entity{ID: "a1", Name: "A1"}, "a"),
		scene.CreateEntity(scene.Entity{ID: "b", Name: "B"}, "root"),
	))
	require.NoError(t, err)
	return doc
}

// startPair returns two started sessions; alice loaded the document and bob
// received it.
func startPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	b := &bus{}
	alice := b.join(t, Config{ClientID: "alice", User: presence.User{Name: "Alice"}})
	bob := b.join(t, Config{ClientID: "bob", User: presence.User{Name: "Bob"}})

	require.NoError(t, bob.Start(context.Background()))
	require.NoError(t, alice.Load(sampleDocument(t)))
	require.NoError(t, alice.Start(context.Background()))
	require.Eventually(t, func() bool { return bob.Document().HasEntity("a1") }, time.Second, 2*time.Millisecond)
	return alice, bob
}

func TestSessionsConverge(t *testing.T) {
	alice, bob := startPair(t)

	_, err := alice.Apply(scene.Rename("a", "renamed"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Document().Entities["a"].Name == "renamed" }, time.Second, 2*time.Millisecond)

	_, err = bob.Apply(scene.SetTags("a", []string{"bob"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, alice.Document().Entities["a"].Tags)
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, "renamed", alice.Document().Entities["a"].Name)
}

func TestApplyRefusesEntitiesLockedByOthers(t *testing.T) {
	alice, bob := startPair(t)

	require.True(t, alice.AcquireLock("a").Acquired)

	_, err := bob.Apply(scene.Rename("a1", "nope"))
	require.ErrorIs(t, err, ErrEntityLocked)
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "a1", locked.EntityID)
	assert.Equal(t, "alice", locked.Holder.ClientID)
	assert.Equal(t, "Alice", locked.Holder.User.Name)

	_, err = bob.Apply(scene.Rename("b", "fine"))
	require.NoError(t, err)

	// The holder may still edit.
	_, err = alice.Apply(scene.Rename("a1", "mine"))
	require.NoError(t, err)

	result := bob.AcquireLock("a1")
	assert.False(t, result.Acquired)
	assert.Equal(t, "alice", result.Holder.ClientID)
	status := bob.IsEntityLocked("a1")
	assert.True(t, status.Locked)
	assert.False(t, status.IsLocalClient)
}

func TestStopReleasesLocksAndPresence(t *testing.T) {
	alice, bob := startPair(t)

	require.True(t, alice.AcquireLock("a").Acquired)
	require.Len(t, bob.LockedEntities(), 2)

	alice.Stop()
	assert.Empty(t, bob.LockedEntities())
	for _, peer := range bob.Peers() {
		assert.NotEqual(t, "alice", peer.ClientID)
	}
	assert.True(t, bob.AcquireLock("a").Acquired)
}

func TestUpdatePresenceKeepsLocks(t *testing.T) {
	alice, bob := startPair(t)
	require.True(t, alice.AcquireLock("b").Acquired)

	alice.UpdatePresence(func(state *presence.State) {
		state.Selection = []string{"b"}
		state.Locks = nil
	})
	state, ok := bob.Awareness().State("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, state.Selection)
	assert.Equal(t, []string{"b"}, state.Locks)
}

func TestUndoOnlyTouchesLocalEdits(t *testing.T) {
	alice, bob := startPair(t)

	_, err := alice.Apply(scene.Rename("a", "alice"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Document().Entities["a"].Name == "alice" }, time.Second, 2*time.Millisecond)
	_, err = bob.Apply(scene.Rename("b", "bob"))
	require.NoError(t, err)

	undone, err := alice.Undo()
	require.NoError(t, err)
	require.True(t, undone)
	doc := alice.Document()
	assert.Equal(t, "A", doc.Entities["a"].Name)
	assert.Equal(t, "bob", doc.Entities["b"].Name)
	require.Eventually(t, func() bool { return bob.Document().Entities["a"].Name == "A" }, time.Second, 2*time.Millisecond)

	assert.True(t, alice.CanRedo())
	redone, err := alice.Redo()
	require.NoError(t, err)
	assert.True(t, redone)
	assert.Equal(t, "alice", alice.Document().Entities["a"].Name)
}

func TestSustainedFailureRaisesCorruptedOnce(t *testing.T) {
	counters := &telemetry.Counters{}
	s := New(Config{DocumentID: "doc", ClientID: "victim", Debounce: 5 * time.Millisecond, FailureThreshold: 2, Metrics: counters})
	t.Cleanup(s.Stop)
	require.NoError(t, s.Load(sampleDocument(t)))
	require.NoError(t, s.Start(context.Background()))

	var corrupted atomic.Int32
	s.OnCorrupted(func(signal journal.CorruptionSignal) {
		assert.Equal(t, uint64(2), signal.Failures)
		corrupted.Add(1)
	})
	good := s.Document()

	rogue := replica.New("rogue")
	state, err := s.Replica().EncodeState()
	require.NoError(t, err)
	require.NoError(t, rogue.ApplyUpdate(state, replica.Remote("victim")))
	corrupt := func(parent string) {
		var update []byte
		unsubscribe := rogue.OnUpdate(func(data []byte, _ any) { update = data })
		require.NoError(t, rogue.Transact(replica.OriginLocal, func(tx *replica.Txn) error {
			return tx.Map(bridge.ContainerEntities).SetLeaf("b", "parentId", parent)
		}))
		unsubscribe()
		require.NoError(t, s.HandleMessage(proto.Update("doc", "rogue", update)))
	}

	corrupt("nowhere")
	require.Eventually(t, func() bool {
		return counters.Snapshot()["bridge_reconstruct_failures_total"] == 1
	}, time.Second, 2*time.Millisecond)
	assert.Zero(t, corrupted.Load())

	corrupt("elsewhere")
	require.Eventually(t, func() bool { return corrupted.Load() == 1 }, time.Second, 2*time.Millisecond)

	corrupt("still-nowhere")
	assert.Never(t, func() bool { return corrupted.Load() > 1 }, 60*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, good, s.Document(), "last good document is kept")
}

func TestHandleMessageRejectsMalformedUpdates(t *testing.T) {
	s := New(Config{DocumentID: "doc", ClientID: "peer"})
	t.Cleanup(s.Stop)
	require.NoError(t, s.Load(sampleDocument(t)))
	before := s.Document()

	require.Error(t, s.HandleMessage(proto.Update("doc", "evil", []byte{0xff, 0x01})))
	require.Error(t, s.HandleMessage(proto.Presence("doc", "evil", []byte{0xff})))
	require.ErrorIs(t, s.HandleMessage(proto.Envelope{Type: "cursor"}), proto.ErrUnsupportedType)
	assert.Equal(t, before, s.Document())
}

func TestLoadKeepsExistingReplicaContent(t *testing.T) {
	s := New(Config{DocumentID: "doc", ClientID: "peer"})
	t.Cleanup(s.Stop)
	require.NoError(t, s.Load(sampleDocument(t)))

	other := scene.New("doc", "Other", "root")
	require.ErrorIs(t, s.Load(other), bridge.ErrReplicaNotEmpty)
	assert.True(t, s.Document().HasEntity("a1"))
}

func TestApplyRejectsInvalidOps(t *testing.T) {
	s := New(Config{DocumentID: "doc", ClientID: "peer"})
	t.Cleanup(s.Stop)
	require.NoError(t, s.Load(sampleDocument(t)))

	_, err := s.Apply(scene.Rename("ghost", "x"))
	require.ErrorIs(t, err, scene.ErrUnknownEntity)
	_, err = s.Apply(scene.Reparent("a", "a1", nil))
	require.ErrorIs(t, err, scene.ErrInvalidOp)
	assert.Equal(t, "A", s.Document().Entities["a"].Name)
	assert.False(t, s.CanUndo())
}

func TestDeleteRefusedWhenSubtreeIsLockedByOthers(t *testing.T) {
	alice, bob := startPair(t)
	require.True(t, alice.AcquireLock("a1").Acquired)

	_, err := bob.Apply(scene.DeleteEntity("a"))
	require.ErrorIs(t, err, ErrEntityLocked)
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "a1", locked.EntityID)
	assert.True(t, bob.Document().HasEntity("a1"))

	_, err = bob.Apply(scene.Batch(scene.Rename("b", "kept"), scene.DeleteEntity("a")))
	require.ErrorIs(t, err, ErrEntityLocked)
	assert.Equal(t, "B", bob.Document().Entities["b"].Name)

	// The holder deletes its own subtree freely.
	_, err = alice.Apply(scene.DeleteEntity("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !bob.Document().HasEntity("a1") }, time.Second, 2*time.Millisecond)
}

func TestApplyStartsOverWhenRemoteMergeLandsFirst(t *testing.T) {
	counters := &telemetry.Counters{}
	s := New(Config{DocumentID: "doc", ClientID: "local", Debounce: time.Hour, Metrics: counters})
	t.Cleanup(s.Stop)
	require.NoError(t, s.Load(sampleDocument(t)))

	remote := replica.New("remote")
	state, err := s.Replica().EncodeState()
	require.NoError(t, err)
	require.NoError(t, remote.ApplyUpdate(state, replica.Remote("local")))
	var update []byte
	remote.OnUpdate(func(data []byte, _ any) { update = data })
	require.NoError(t, remote.Transact(replica.OriginLocal, func(tx *replica.Txn) error {
		return tx.Map(bridge.ContainerEntities).SetLeaf("a", "name", "from remote")
	}))

	// Merged straight into the replica; the canonical document has not seen it.
	require.NoError(t, s.Replica().ApplyUpdate(update, replica.Remote("remote")))
	assert.Equal(t, "A", s.Document().Entities["a"].Name)

	_, retry, err := s.applyCurrent(scene.SetTags("a", []string{"x"}), true)
	require.NoError(t, err)
	require.True(t, retry)
	inReplica, err := bridge.ReconstructDocument(s.Replica())
	require.NoError(t, err)
	assert.Equal(t, "from remote", inReplica.Entities["a"].Name, "nothing was pushed")

	doc, err := s.Apply(scene.SetTags("a", []string{"x"}))
	require.NoError(t, err)
	assert.Equal(t, "from remote", doc.Entities["a"].Name)
	assert.Equal(t, []string{"x"}, doc.Entities["a"].Tags)
	inReplica, err = bridge.ReconstructDocument(s.Replica())
	require.NoError(t, err)
	assert.Equal(t, "from remote", inReplica.Entities["a"].Name)
}
