package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setName(t *testing.T, d *Doc, origin any, name string) {
	t.Helper()
	require.NoError(t, d.Transact(origin, func(tx *Txn) error {
		return tx.Map("entities").SetLeaf("e1", "name", name)
	}))
}

func nameOf(d *Doc) any {
	v, _ := d.Map("entities").Leaf("e1", "name")
	return v
}

func seeded(t *testing.T, clientID string) *Doc {
	t.Helper()
	d := New(clientID)
	require.NoError(t, d.Transact(OriginInit, func(tx *Txn) error {
		m := tx.Map("entities")
		m.SetNested("e1")
		return m.SetLeaf("e1", "name", "start")
	}))
	return d
}

func TestUndoRedoLocalChanges(t *testing.T) {
	d := seeded(t, "a")
	um := NewUndoManager(d, []string{"entities"}, UndoOptions{TrackedOrigins: []any{OriginLocal}})
	defer um.Close()

	assert.False(t, um.CanUndo())
	setName(t, d, OriginLocal, "one")
	setName(t, d, OriginLocal, "two")

	require.True(t, um.Undo())
	assert.Equal(t, "one", nameOf(d))
	require.True(t, um.CanRedo())
	require.True(t, um.Redo())
	assert.Equal(t, "two", nameOf(d))

	require.True(t, um.Undo())
	require.True(t, um.Undo())
	assert.Equal(t, "start", nameOf(d))
	assert.False(t, um.Undo())
}

func TestUndoIgnoresUntrackedOrigins(t *testing.T) {
	d := seeded(t, "a")
	um := NewUndoManager(d, []string{"entities"}, UndoOptions{TrackedOrigins: []any{OriginLocal}})
	defer um.Close()

	setName(t, d, OriginInit, "init")
	assert.False(t, um.CanUndo())
}

func TestUndoSkipsRegistersOverwrittenRemotely(t *testing.T) {
	local := seeded(t, "a")
	remote := New("b")
	state, err := local.EncodeState()
	require.NoError(t, err)
	require.NoError(t, remote.ApplyUpdate(state, Remote("a")))

	um := NewUndoManager(local, []string{"entities"}, UndoOptions{TrackedOrigins: []any{OriginLocal}})
	defer um.Close()

	require.NoError(t, local.Transact(OriginLocal, func(tx *Txn) error {
		m := tx.Map("entities")
		if err := m.SetLeaf("e1", "name", "mine"); err != nil {
			return err
		}
		return m.SetLeaf("e1", "color", "red")
	}))

	// The remote peer overwrites name after seeing the local edit.
	localState, err := local.EncodeState()
	require.NoError(t, err)
	require.NoError(t, remote.ApplyUpdate(localState, Remote("a")))
	var remoteUpdate []byte
	remote.OnUpdate(func(update []byte, origin any) {
		if origin == OriginLocal {
			remoteUpdate = update
		}
	})
	setName(t, remote, OriginLocal, "theirs")
	require.NoError(t, local.ApplyUpdate(remoteUpdate, Remote("b")))
	assert.True(t, um.CanUndo())

	require.True(t, um.Undo())
	assert.Equal(t, "theirs", nameOf(local))
	_, hasColor := local.Map("entities").Leaf("e1", "color")
	assert.False(t, hasColor)
}

func TestUndoRestoresDeletedNestedMap(t *testing.T) {
	d := seeded(t, "a")
	um := NewUndoManager(d, []string{"entities"}, UndoOptions{TrackedOrigins: []any{OriginLocal}})
	defer um.Close()

	require.NoError(t, d.Transact(OriginLocal, func(tx *Txn) error {
		tx.Map("entities").Delete("e1")
		return nil
	}))
	assert.False(t, d.Map("entities").Has("e1"))

	require.True(t, um.Undo())
	assert.Equal(t, "start", nameOf(d))

	require.True(t, um.Redo())
	assert.False(t, d.Map("entities").Has("e1"))
}

func TestCaptureTimeoutMergesTransactions(t *testing.T) {
	now := time.Unix(100, 0)
	d := seeded(t, "a")
	um := NewUndoManager(d, []string{"entities"}, UndoOptions{
		TrackedOrigins: []any{OriginLocal},
		CaptureTimeout: time.Second,
		Clock:          func() time.Time { return now },
	})
	defer um.Close()

	setName(t, d, OriginLocal, "one")
	now = now.Add(100 * time.Millisecond)
	setName(t, d, OriginLocal, "two")
	now = now.Add(5 * time.Second)
	setName(t, d, OriginLocal, "three")

	require.True(t, um.Undo())
	assert.Equal(t, "two", nameOf(d))
	require.True(t, um.Undo())
	assert.Equal(t, "start", nameOf(d))
}

func TestNewChangeClearsRedo(t *testing.T) {
	d := seeded(t, "a")
	um := NewUndoManager(d, []string{"entities"}, UndoOptions{TrackedOrigins: []any{OriginLocal}})
	defer um.Close()

	setName(t, d, OriginLocal, "one")
	require.True(t, um.Undo())
	require.True(t, um.CanRedo())
	setName(t, d, OriginLocal, "other")
	assert.False(t, um.CanRedo())
}

func TestUndoScopeLimitedToContainers(t *testing.T) {
	d := seeded(t, "a")
	um := NewUndoManager(d, []string{"entities"}, UndoOptions{TrackedOrigins: []any{OriginLocal}})
	defer um.Close()

	require.NoError(t, d.Transact(OriginLocal, func(tx *Txn) error {
		tx.Map("meta").Set("name", "x")
		return nil
	}))
	assert.False(t, um.CanUndo())
}
