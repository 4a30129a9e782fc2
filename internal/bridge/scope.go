package bridge

import "scenecollab/server/internal/scene"

// EnvironmentScopeID is the reserved id that addresses the environment
// singleton through ScopeFromID.
const EnvironmentScopeID = "__environment__"

// ScopeKind selects how much of a document PushLocalChange diffs.
type ScopeKind uint8

const (
	ScopeFull ScopeKind = iota
	ScopeEntity
	ScopeEnvironment
)

// Scope bounds a push to one entity, the environment, or the whole document.
// The zero value is the full scope.
type Scope struct {
	kind     ScopeKind
	entityID string
}

// EntityScope limits a push to one entity's leaves.
func EntityScope(entityID string) Scope {
	return Scope{kind: ScopeEntity, entityID: entityID}
}

// EnvironmentScope limits a push to the environment singleton.
func EnvironmentScope() Scope {
	return Scope{kind: ScopeEnvironment}
}

// FullScope diffs every container, which structural edits need.
func FullScope() Scope {
	return Scope{}
}

// ScopeFromID maps the id-overloaded form used by editors: an empty id is the
// full scope and EnvironmentScopeID is the environment.
func ScopeFromID(id string) Scope {
	switch id {
	case "":
		return FullScope()
	case EnvironmentScopeID:
		return EnvironmentScope()
	default:
		return EntityScope(id)
	}
}

// ScopeFor picks the narrowest scope covering an applied operation.
func ScopeFor(touched scene.Touched) Scope {
	switch {
	case touched.Structural:
		return FullScope()
	case touched.Environment && len(touched.Entities) == 0:
		return EnvironmentScope()
	case !touched.Environment && len(touched.Entities) == 1:
		return EntityScope(touched.EntityIDs()[0])
	default:
		return FullScope()
	}
}

// Kind reports which part of the document the scope covers.
func (s Scope) Kind() ScopeKind {
	return s.kind
}

// EntityID is the scoped entity, empty unless Kind is ScopeEntity.
func (s Scope) EntityID() string {
	return s.entityID
}

func (s Scope) String() string {
	switch s.kind {
	case ScopeEntity:
		return "entity:" + s.entityID
	case ScopeEnvironment:
		return "environment"
	default:
		return "full"
	}
}
