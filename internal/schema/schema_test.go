package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecollab/server/internal/scene"
)

func hasIssue(issues []Issue, fragment string) bool {
	for _, issue := range issues {
		if strings.Contains(issue.String(), fragment) {
			return true
		}
	}
	return false
}

func TestParseAcceptsNewDocument(t *testing.T) {
	doc, err := Parse(scene.New("doc", "Doc", "root"))
	require.NoError(t, err)
	assert.Equal(t, "root", doc.RootEntityID)
	assert.True(t, doc.HasEntity("root"))
}

func TestSafeParseAppliesDefaults(t *testing.T) {
	raw := []byte(`{"id":"d","name":"n","rootEntityId":"r","entities":{"r":{"id":"r","name":"R","components":[{"type":"mesh"}]}}}`)

	result := SafeParse(raw)
	require.True(t, result.OK, "%v", result.Issues)
	root := result.Document.Entities["r"]
	assert.NotNil(t, root.Children)
	assert.NotNil(t, root.Tags)
	assert.NotNil(t, root.Components[0].Properties)
	assert.NotNil(t, result.Document.Wiring)
	assert.NotNil(t, result.Document.Assets)
}

func TestSafeParseReportsWrongContainerShapes(t *testing.T) {
	result := SafeParse(map[string]any{
		"id":           "d",
		"rootEntityId": "r",
		"entities":     map[string]any{"r": "not an entity"},
		"wiring":       "nope",
	})
	require.False(t, result.OK)
	assert.True(t, hasIssue(result.Issues, "entities.r"))
	assert.True(t, hasIssue(result.Issues, "wiring"))
}

func TestSafeParseRejectsBrokenTrees(t *testing.T) {
	a, b := "a", "b"
	doc := scene.New("doc", "Doc", "root")
	doc.Entities["a"] = scene.Entity{ID: "a", ParentID: &b, Children: []string{"b"}}
	doc.Entities["b"] = scene.Entity{ID: "b", ParentID: &a, Children: []string{"a"}}

	result := SafeParse(doc)
	require.False(t, result.OK)
	assert.True(t, hasIssue(result.Issues, "cycle"))

	orphan := scene.New("doc", "Doc", "root")
	missing := "ghost"
	orphan.Entities["x"] = scene.Entity{ID: "x", ParentID: &missing}
	result = SafeParse(orphan)
	require.False(t, result.OK)
	assert.True(t, hasIssue(result.Issues, `parent "ghost" does not exist`))

	unlisted := scene.New("doc", "Doc", "root")
	root := "root"
	unlisted.Entities["y"] = scene.Entity{ID: "y", ParentID: &root}
	result = SafeParse(unlisted)
	require.False(t, result.OK)
	assert.True(t, hasIssue(result.Issues, "lists this entity 0 times"))
}

func TestSafeParseRequiresRootWhenEntitiesExist(t *testing.T) {
	doc := scene.New("doc", "Doc", "root")
	doc.RootEntityID = ""

	result := SafeParse(doc)
	require.False(t, result.OK)
	assert.True(t, hasIssue(result.Issues, "rootEntityId"))
}

func TestSafeParseRunsFieldValidation(t *testing.T) {
	doc := scene.New("doc", "Doc", "root")
	doc.Assets["tex"] = scene.Asset{ID: "tex", Name: "Texture", Type: "hologram"}

	result := SafeParse(doc)
	require.False(t, result.OK)
	assert.True(t, hasIssue(result.Issues, "oneof"))
}

func TestParseErrorWrapsSentinel(t *testing.T) {
	_, err := Parse(nil)
	require.Error(t, err)
	if !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
	var schemaErr *Error
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "document is missing", schemaErr.Issues[0].Message)
}

func TestSafeParseNeverPanicsOnGarbage(t *testing.T) {
	for _, raw := range []any{[]byte("{"), []byte(`{"entities":[1,2]}`), 42, map[string]any{"assets": 7}} {
		result := SafeParse(raw)
		assert.False(t, result.OK, "%v", raw)
		assert.NotEmpty(t, result.Issues)
	}
}

func TestJSONSchemaDescribesDocument(t *testing.T) {
	s := JSONSchema()
	require.NotNil(t, s)
}
