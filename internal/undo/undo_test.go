package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecollab/server/internal/bridge"
	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
)

type editor struct {
	r    *replica.Doc
	undo *Manager
}

func (e *editor) doc(t *testing.T) scene.Document {
	t.Helper()
	doc, err := bridge.ReconstructDocument(e.r)
	require.NoError(t, err)
	return doc
}

func (e *editor) edit(t *testing.T, op scene.Op) {
	t.Helper()
	next, touched, err := scene.Apply(e.doc(t), op)
	require.NoError(t, err)
	require.NoError(t, bridge.PushLocalChange(e.r, next, bridge.ScopeFor(touched)))
}

func relay(t *testing.T, from, to *replica.Doc) {
	from.OnUpdate(func(update []byte, origin any) {
		if replica.IsRemote(origin) {
			return
		}
		require.NoError(t, to.ApplyUpdate(update, replica.Remote(from.ClientID())))
	})
}

func pair(t *testing.T) (*editor, *editor) {
	t.Helper()
	a := &editor{r: replica.New("alice")}
	b := &editor{r: replica.New("bob")}
	relay(t, a.r, b.r)
	relay(t, b.r, a.r)

	doc, _, err := scene.Apply(scene.New("doc", "Room", "root"), scene.Batch(
		scene.CreateEntity(scene.Entity{ID: "a", Name: "A"}, "root"),
		scene.CreateEntity(scene.Entity{ID: "b", Name: "B"}, "root"),
	))
	require.NoError(t, err)
	require.NoError(t, bridge.InitializeReplica(a.r, doc))

	a.undo = New(a.r, replica.OriginLocal, Options{})
	b.undo = New(b.r, replica.OriginLocal, Options{})
	t.Cleanup(func() {
		a.undo.Close()
		b.undo.Close()
	})
	return a, b
}

func TestUndoOnlyRevertsLocalEdits(t *testing.T) {
	alice, bob := pair(t)
	assert.False(t, alice.undo.CanUndo(), "initialization is not undoable")
	assert.False(t, bob.undo.CanUndo(), "remote updates are not undoable")

	alice.edit(t, scene.Rename("a", "alice-was-here"))
	bob.edit(t, scene.Rename("b", "bob-was-here"))
	assert.False(t, bob.undo.Owns(replica.OriginLocal))

	require.True(t, alice.undo.Undo())
	doc := alice.doc(t)
	assert.Equal(t, "A", doc.Entities["a"].Name)
	assert.Equal(t, "bob-was-here", doc.Entities["b"].Name)
	assert.Equal(t, doc, bob.doc(t))

	assert.False(t, alice.undo.Undo())
	assert.True(t, bob.undo.CanUndo())
}

func TestUndoSkipsLeavesOverwrittenRemotely(t *testing.T) {
	alice, bob := pair(t)

	alice.edit(t, scene.Rename("a", "alice"))
	bob.edit(t, scene.Rename("a", "bob"))

	assert.False(t, alice.undo.Undo())
	assert.Equal(t, "bob", alice.doc(t).Entities["a"].Name)
	assert.False(t, alice.undo.CanUndo())
}

func TestRedoReappliesAndNewEditClearsRedo(t *testing.T) {
	alice, _ := pair(t)

	alice.edit(t, scene.SetTransform("a", scene.Transform{Position: scene.Vec3{X: 5}}))
	require.True(t, alice.undo.Undo())
	assert.Zero(t, alice.doc(t).Entities["a"].Transform.Position.X)

	require.True(t, alice.undo.Redo())
	assert.Equal(t, float64(5), alice.doc(t).Entities["a"].Transform.Position.X)

	require.True(t, alice.undo.Undo())
	alice.edit(t, scene.Rename("a", "fresh"))
	assert.False(t, alice.undo.CanRedo())
}

func TestUndoRestoresDeletedEntity(t *testing.T) {
	alice, bob := pair(t)

	alice.edit(t, scene.DeleteEntity("b"))
	assert.NotContains(t, bob.doc(t).Entities, "b")

	require.True(t, alice.undo.Undo())
	doc := bob.doc(t)
	require.Contains(t, doc.Entities, "b")
	assert.Equal(t, "B", doc.Entities["b"].Name)
	assert.Contains(t, doc.Entities["root"].Children, "b")
}

func TestUntrackedContainersAreNotUndoable(t *testing.T) {
	alice, _ := pair(t)

	alice.edit(t, scene.SetMetadata(scene.Metadata{Author: "alice", Tags: []string{}}))
	assert.False(t, alice.undo.CanUndo())
	assert.False(t, alice.undo.Undo())
	assert.Equal(t, "alice", alice.doc(t).Metadata.Author)
}

func TestCaptureTimeoutMergesSteps(t *testing.T) {
	r := replica.New("solo")
	doc := scene.New("doc", "Solo", "root")
	require.NoError(t, bridge.InitializeReplica(r, doc))

	now := time.Unix(0, 0)
	m := New(r, replica.OriginLocal, Options{CaptureTimeout: time.Second, Clock: func() time.Time { return now }})
	defer m.Close()
	e := &editor{r: r, undo: m}

	e.edit(t, scene.Rename("root", "one"))
	now = now.Add(100 * time.Millisecond)
	e.edit(t, scene.Rename("root", "two"))

	require.True(t, m.Undo())
	assert.Equal(t, "Root", e.doc(t).Entities["root"].Name)
	assert.False(t, m.CanUndo())
}

func TestRedoRestoresOnlyTrackedEdit(t *testing.T) {
	alice, bob := pair(t)

	alice.edit(t, scene.Rename("a", "mine"))
	require.NoError(t, alice.r.Transact("script", func(tx *replica.Txn) error {
		return tx.Map(bridge.ContainerEntities).SetLeaf("b", "name", "scripted")
	}))
	bob.edit(t, scene.SetTags("b", []string{"bob"}))
	assert.False(t, alice.undo.Owns("script"))

	require.True(t, alice.undo.Undo())
	doc := alice.doc(t)
	assert.Equal(t, "A", doc.Entities["a"].Name)
	assert.Equal(t, "scripted", doc.Entities["b"].Name)

	require.True(t, alice.undo.Redo())
	doc = alice.doc(t)
	assert.Equal(t, "mine", doc.Entities["a"].Name)
	assert.Equal(t, "scripted", doc.Entities["b"].Name)
	assert.Equal(t, []string{"bob"}, doc.Entities["b"].Tags)
	assert.Equal(t, doc, bob.doc(t))
	assert.False(t, alice.undo.CanRedo())
}
