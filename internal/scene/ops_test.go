package scene

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree returns root -> a -> (b, c), root -> d.
func buildTree(t *testing.T) Document {
	t.Helper()
	doc, _, err := Apply(New("doc", "Doc", "root"), Batch(
		CreateEntity(Entity{ID: "a", Name: "A"}, ""),
		CreateEntity(Entity{ID: "b", Name: "B"}, "a"),
		CreateEntity(Entity{ID: "c", Name: "C"}, "a"),
		CreateEntity(Entity{ID: "d", Name: "D"}, "root"),
	))
	require.NoError(t, err)
	return doc
}

func TestTreeHelpers(t *testing.T) {
	doc := buildTree(t)

	assert.Equal(t, []string{"a", "root"}, Ancestors(doc, "b"))
	assert.Equal(t, []string{"a", "d", "b", "c"}, Descendants(doc, "root"))
	assert.True(t, IsAncestor(doc, "a", "c"))
	assert.False(t, IsAncestor(doc, "d", "c"))
	assert.Nil(t, Ancestors(doc, "missing"))
}

func TestAncestorsStopOnCycle(t *testing.T) {
	doc := buildTree(t)
	a := doc.Entities["a"]
	b := "b"
	a.ParentID = &b
	doc.Entities["a"] = a

	if got := Ancestors(doc, "b"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected the walk to stop at the cycle, got %v", got)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	doc := buildTree(t)

	next, touched, err := Apply(doc, Rename("b", "renamed"))
	require.NoError(t, err)
	assert.Equal(t, "B", doc.Entities["b"].Name)
	assert.Equal(t, "renamed", next.Entities["b"].Name)
	assert.Equal(t, []string{"b"}, touched.EntityIDs())
	assert.False(t, touched.Structural)
}

func TestFailingBatchIsAtomic(t *testing.T) {
	doc := buildTree(t)

	got, touched, err := Apply(doc, Batch(
		Rename("a", "changed"),
		Rename("ghost", "nope"),
	))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEntity))
	assert.True(t, touched.Empty())
	assert.Equal(t, "A", got.Entities["a"].Name)
}

func TestNestedBatchesApplyInOrder(t *testing.T) {
	doc := buildTree(t)

	op := Batch(Rename("d", "first"))
	for i := 0; i < 1000; i++ {
		op = Batch(op)
	}
	op = Batch(op, Rename("d", "second"))

	next, _, err := Apply(doc, op)
	require.NoError(t, err)
	assert.Equal(t, "second", next.Entities["d"].Name)
}

func TestDeleteRemovesSubtreeAndWiring(t *testing.T) {
	doc := buildTree(t)
	doc.Wiring = []EventWire{
		{ID: "w1", SourceEntityID: "b", Event: "click", TargetEntityID: "d", Action: "toggle"},
		{ID: "w2", SourceEntityID: "d", Event: "click", TargetEntityID: "root", Action: "toggle"},
	}

	next, touched, err := Apply(doc, DeleteEntity("a"))
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, next.HasEntity(id), id)
	}
	assert.Equal(t, []string{"d"}, next.Entities["root"].Children)
	require.Len(t, next.Wiring, 1)
	assert.Equal(t, "w2", next.Wiring[0].ID)
	assert.True(t, touched.Structural)

	_, _, err = Apply(doc, DeleteEntity("root"))
	assert.ErrorIs(t, err, ErrInvalidOp)
}

func TestReparentRejectsCycles(t *testing.T) {
	doc := buildTree(t)

	_, _, err := Apply(doc, Reparent("a", "b", nil))
	assert.ErrorIs(t, err, ErrInvalidOp)

	first := 0
	next, _, err := Apply(doc, Reparent("c", "d", &first))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, next.Entities["a"].Children)
	assert.Equal(t, []string{"c"}, next.Entities["d"].Children)
	require.NotNil(t, next.Entities["c"].ParentID)
	assert.Equal(t, "d", *next.Entities["c"].ParentID)
}

func TestComponentsUpsertByType(t *testing.T) {
	doc := buildTree(t)

	next, _, err := Apply(doc, Batch(
		SetComponent("b", Component{Type: "light", Properties: map[string]any{"intensity": 1.0}}),
		SetComponent("b", Component{Type: "light", Properties: map[string]any{"intensity": 2.0}}),
		SetComponent("b", Component{Type: "mesh"}),
		RemoveComponent("b", "mesh"),
	))
	require.NoError(t, err)
	components := next.Entities["b"].Components
	require.Len(t, components, 1)
	assert.Equal(t, 2.0, components[0].Properties["intensity"])
}

func TestTargetsListsDirectEdits(t *testing.T) {
	op := Batch(
		Rename("b", "x"),
		CreateEntity(Entity{ID: "e"}, "d"),
		SetEnvironment(DefaultEnvironment()),
		Reparent("c", "d", nil),
	)
	assert.Equal(t, []string{"b", "d", "c"}, Targets(op))
}
