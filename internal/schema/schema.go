// Package schema validates scene documents. It accepts plain JSON-shaped
// values (as read out of a replica) or typed documents, applies defaults and
// enforces the tree invariants the editor relies on.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"scenecollab/server/internal/scene"
)

// ErrInvalidDocument is wrapped by every error returned from Parse.
var ErrInvalidDocument = errors.New("invalid scene document")

// Issue describes one validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Error lists the issues that made a document invalid.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ErrInvalidDocument.Error()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidDocument, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error {
	return ErrInvalidDocument
}

// Result is the non-failing outcome of SafeParse.
type Result struct {
	Document scene.Document
	OK       bool
	Issues   []Issue
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse validates raw and returns the defaulted document. raw may be a
// scene.Document, a pointer to one, JSON bytes, or a plain value.
func Parse(raw any) (scene.Document, error) {
	result := SafeParse(raw)
	if !result.OK {
		return scene.Document{}, &Error{Issues: result.Issues}
	}
	return result.Document, nil
}

// SafeParse is Parse without an error return; it never panics on malformed
// input.
func SafeParse(raw any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Issues: []Issue{{Message: fmt.Sprintf("validator panic: %v", r)}}}
		}
	}()

	doc, issues := decode(raw)
	if len(issues) > 0 {
		return Result{Issues: issues}
	}
	applyDefaults(&doc)

	if err := validate.Struct(doc); err != nil {
		issues = append(issues, validatorIssues(err)...)
	}
	issues = append(issues, structuralIssues(doc)...)
	if len(issues) > 0 {
		sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
		return Result{Issues: issues}
	}
	return Result{Document: doc, OK: true}
}

func decode(raw any) (scene.Document, []Issue) {
	var doc scene.Document
	var data []byte
	switch v := raw.(type) {
	case nil:
		return scene.Document{}, []Issue{{Message: "document is missing"}}
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	case map[string]any:
		if issues := shapeIssues(v); len(issues) > 0 {
			return scene.Document{}, issues
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return scene.Document{}, []Issue{{Message: err.Error()}}
		}
		data = encoded
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return scene.Document{}, []Issue{{Message: err.Error()}}
		}
		data = encoded
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return scene.Document{}, []Issue{{
				Path:    typeErr.Field,
				Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
			}}
		}
		return scene.Document{}, []Issue{{Message: err.Error()}}
	}
	return doc, nil
}

// shapeIssues rejects container values of the wrong kind before decoding so
// the reported path names the offending entry.
func shapeIssues(raw map[string]any) []Issue {
	var issues []Issue
	for _, key := range []string{"entities", "assets"} {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		entries, ok := value.(map[string]any)
		if !ok {
			issues = append(issues, Issue{Path: key, Message: fmt.Sprintf("expected object, got %T", value)})
			continue
		}
		for id, entry := range entries {
			if _, ok := entry.(map[string]any); !ok {
				issues = append(issues, Issue{Path: key + "." + id, Message: fmt.Sprintf("expected object, got %T", entry)})
			}
		}
	}
	if value, ok := raw["wiring"]; ok && value != nil {
		if _, ok := value.([]any); !ok {
			issues = append(issues, Issue{Path: "wiring", Message: fmt.Sprintf("expected array, got %T", value)})
		}
	}
	return issues
}

func applyDefaults(doc *scene.Document) {
	if doc.Entities == nil {
		doc.Entities = map[string]scene.Entity{}
	}
	if doc.Assets == nil {
		doc.Assets = map[string]scene.Asset{}
	}
	if doc.Wiring == nil {
		doc.Wiring = []scene.EventWire{}
	}
	if doc.Metadata.Tags == nil {
		doc.Metadata.Tags = []string{}
	}
	for id, entity := range doc.Entities {
		if entity.Children == nil {
			entity.Children = []string{}
		}
		if entity.Components == nil {
			entity.Components = []scene.Component{}
		}
		for i := range entity.Components {
			if entity.Components[i].Properties == nil {
				entity.Components[i].Properties = map[string]any{}
			}
		}
		if entity.Tags == nil {
			entity.Tags = []string{}
		}
		doc.Entities[id] = entity
	}
}

func validatorIssues(err error) []Issue {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []Issue{{Message: err.Error()}}
	}
	issues := make([]Issue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := strings.TrimPrefix(fe.Namespace(), "Document.")
		message := fmt.Sprintf("failed %q", fe.Tag())
		if fe.Param() != "" {
			message = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
		}
		issues = append(issues, Issue{Path: path, Message: message})
	}
	return issues
}

func structuralIssues(doc scene.Document) []Issue {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for key, asset := range doc.Assets {
		if asset.ID != key {
			add("assets."+key, "id %q does not match key", asset.ID)
		}
	}

	if len(doc.Entities) == 0 {
		if doc.RootEntityID != "" {
			add("rootEntityId", "root %q has no entity", doc.RootEntityID)
		}
		return issues
	}

	root, ok := doc.Entities[doc.RootEntityID]
	switch {
	case doc.RootEntityID == "":
		add("rootEntityId", "required when entities are present")
	case !ok:
		add("rootEntityId", "root %q has no entity", doc.RootEntityID)
	case root.ParentID != nil:
		add("entities."+doc.RootEntityID+".parentId", "root entity must not have a parent")
	}

	for key, entity := range doc.Entities {
		path := "entities." + key
		if entity.ID != key {
			add(path+".id", "id %q does not match key", entity.ID)
		}
		if entity.ParentID == nil {
			if key != doc.RootEntityID {
				add(path+".parentId", "only the root entity may omit a parent")
			}
		} else {
			parent, ok := doc.Entities[*entity.ParentID]
			if !ok {
				add(path+".parentId", "parent %q does not exist", *entity.ParentID)
			} else if n := count(parent.Children, key); n != 1 {
				add(path+".parentId", "parent %q lists this entity %d times", *entity.ParentID, n)
			}
		}
		seen := make(map[string]struct{}, len(entity.Children))
		for _, childID := range entity.Children {
			if _, dup := seen[childID]; dup {
				add(path+".children", "duplicate child %q", childID)
				continue
			}
			seen[childID] = struct{}{}
			child, ok := doc.Entities[childID]
			if !ok {
				add(path+".children", "child %q does not exist", childID)
				continue
			}
			if child.ParentID == nil || *child.ParentID != key {
				add(path+".children", "child %q names a different parent", childID)
			}
		}
	}

	for key := range doc.Entities {
		if hasCycle(doc, key) {
			add("entities."+key, "parent chain contains a cycle")
		}
	}
	return issues
}

func hasCycle(doc scene.Document, start string) bool {
	visited := map[string]struct{}{start: {}}
	current := doc.Entities[start]
	for current.ParentID != nil {
		next := *current.ParentID
		if _, seen := visited[next]; seen {
			return true
		}
		visited[next] = struct{}{}
		parent, ok := doc.Entities[next]
		if !ok {
			return false
		}
		current = parent
	}
	return false
}

func count(values []string, target string) int {
	n := 0
	for _, v := range values {
		if v == target {
			n++
		}
	}
	return n
}
