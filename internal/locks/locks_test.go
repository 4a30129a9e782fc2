package locks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecollab/server/internal/presence"
	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
	"scenecollab/server/logging"
	"scenecollab/server/logging/locking"
	"scenecollab/server/logging/sinks"
)

// treeDocument builds root -> A -> B and root -> S.
func treeDocument(t *testing.T) scene.Document {
	t.Helper()
	doc, _, err := scene.Apply(scene.New("doc", "Tree", "root"), scene.Batch(
		scene.CreateEntity(scene.Entity{ID: "A", Name: "A"}, "root"),
		scene.CreateEntity(scene.Entity{ID: "B", Name: "B"}, "A"),
		scene.CreateEntity(scene.Entity{ID: "S", Name: "S"}, "root"),
	))
	require.NoError(t, err)
	return doc
}

// connect relays presence between every pair of awareness instances.
func connect(t *testing.T, peers ...*presence.Awareness) {
	t.Helper()
	for _, from := range peers {
		from := from
		for _, to := range peers {
			if to == from {
				continue
			}
			to := to
			from.OnUpdate(func(update []byte, _ any) {
				require.NoError(t, to.ApplyUpdate(update, replica.Remote(from.ClientID())))
			})
		}
	}
}

func newUser(id string) *presence.Awareness {
	a := presence.New(id)
	a.SetLocalState(presence.State{User: presence.User{ID: id, Name: id}})
	return a
}

func locksOf(a *presence.Awareness) []string {
	state, _ := a.LocalState()
	return state.Locks
}

func TestAcquireLocksWholeSubtree(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1 := newUser("user1")

	result := m.Acquire("A", doc, user1)
	assert.True(t, result.Acquired)
	assert.Nil(t, result.Holder)
	assert.Equal(t, []string{"A", "B"}, locksOf(user1))

	// Reacquiring is a no-op that still succeeds.
	assert.True(t, m.Acquire("B", doc, user1).Acquired)
	assert.Equal(t, []string{"A", "B"}, locksOf(user1))
}

func TestLockHierarchyIsSymmetric(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1, user2 := newUser("user1"), newUser("user2")
	connect(t, user1, user2)

	require.True(t, m.Acquire("A", doc, user1).Acquired)
	result := m.Acquire("B", doc, user2)
	assert.False(t, result.Acquired)
	require.NotNil(t, result.Holder)
	assert.Equal(t, "user1", result.Holder.ClientID)

	m.Release("A", doc, user1)
	assert.True(t, m.Acquire("B", doc, user2).Acquired)
	m.ReleaseAll(user2)

	require.True(t, m.Acquire("B", doc, user1).Acquired)
	result = m.Acquire("A", doc, user2)
	assert.False(t, result.Acquired)
	require.NotNil(t, result.Holder)
	assert.Equal(t, "user1", result.Holder.ClientID)
	assert.Empty(t, locksOf(user2))
}

func TestSiblingLocksAreIndependent(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1, user2 := newUser("user1"), newUser("user2")
	connect(t, user1, user2)

	assert.True(t, m.Acquire("A", doc, user1).Acquired)
	assert.True(t, m.Acquire("S", doc, user2).Acquired)
	assert.Equal(t, []string{"S"}, locksOf(user2))
}

func TestRootLockBlocksEveryone(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1, user2 := newUser("user1"), newUser("user2")
	connect(t, user1, user2)

	require.True(t, m.Acquire("S", doc, user2).Acquired)
	result := m.Acquire("root", doc, user1)
	assert.False(t, result.Acquired)
	assert.Equal(t, "user2", result.Holder.ClientID)
}

func TestLockScenario(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1, user2 := newUser("user1"), newUser("user2")
	connect(t, user1, user2)

	require.True(t, m.Acquire("A", doc, user1).Acquired)

	status := m.IsLocked("B", doc, user2.States(), user2.ClientID())
	assert.True(t, status.Locked)
	assert.False(t, status.Inherited)
	assert.False(t, status.IsLocalClient)
	require.NotNil(t, status.Holder)
	assert.Equal(t, "user1", status.Holder.ClientID)
	assert.Equal(t, "user1", status.Holder.User.Name)

	result := m.Acquire("B", doc, user2)
	assert.False(t, result.Acquired)
	assert.Equal(t, "user1", result.Holder.ClientID)

	m.Release("A", doc, user1)
	assert.Empty(t, m.LockedEntities(user2.States(), user2.ClientID()))

	assert.True(t, m.Acquire("B", doc, user2).Acquired)
}

func TestIsLockedReportsInheritedLocks(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1 := newUser("user1")
	require.True(t, m.Acquire("A", doc, user1).Acquired)

	// C is created after the lock was taken, so only its parent is claimed.
	doc, _, err := scene.Apply(doc, scene.CreateEntity(scene.Entity{ID: "C", Name: "C"}, "B"))
	require.NoError(t, err)

	status := m.IsLocked("C", doc, user1.States(), user1.ClientID())
	assert.True(t, status.Locked)
	assert.True(t, status.Inherited)
	assert.True(t, status.IsLocalClient)

	assert.False(t, m.IsLocked("S", doc, user1.States(), user1.ClientID()).Locked)
}

func TestReleaseSubtreeKeepsOtherLocks(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1 := newUser("user1")
	require.True(t, m.Acquire("A", doc, user1).Acquired)
	require.True(t, m.Acquire("S", doc, user1).Acquired)

	removed := m.Release("B", doc, user1)
	assert.Equal(t, []string{"B"}, removed)
	assert.Equal(t, []string{"A", "S"}, locksOf(user1))

	m.ReleaseAll(user1)
	assert.Empty(t, locksOf(user1))
}

func TestUnknownEntitiesAreNoOps(t *testing.T) {
	doc := treeDocument(t)
	m := NewManager(Options{})
	user1 := newUser("user1")

	result := m.Acquire("ghost", doc, user1)
	assert.False(t, result.Acquired)
	assert.Nil(t, result.Holder)
	assert.Empty(t, m.Release("ghost", doc, user1))
	assert.False(t, m.IsLocked("ghost", doc, user1.States(), "user1").Locked)
}

func TestLockedEntitiesFirstClaimWins(t *testing.T) {
	memory := sinks.NewMemorySink()
	m := NewManager(Options{Publisher: logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		_ = memory.Write(event)
	})})

	presences := []presence.Entry{
		{ClientID: "zed", State: presence.State{User: presence.User{ID: "zed"}, Locks: []string{"A"}}},
		{ClientID: "amy", State: presence.State{User: presence.User{ID: "amy"}, Locks: []string{"A", "B"}}},
	}
	locked := m.LockedEntities(presences, "zed")
	require.Len(t, locked, 2)
	assert.Equal(t, "amy", locked["A"].Holder.ClientID)
	assert.False(t, locked["A"].IsLocalClient)
	assert.False(t, locked["A"].Inherited)
	assert.Len(t, memory.OfType(locking.EventDuplicateClaim), 1)
}
