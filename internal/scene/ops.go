package scene

import (
	"errors"
	"fmt"
	"sort"
)

// OpKind identifies the variant carried by an Op.
type OpKind string

const (
	OpCreateEntity    OpKind = "create_entity"
	OpDeleteEntity    OpKind = "delete_entity"
	OpReparent        OpKind = "reparent"
	OpRename          OpKind = "rename"
	OpSetTransform    OpKind = "set_transform"
	OpSetComponent    OpKind = "set_component"
	OpRemoveComponent OpKind = "remove_component"
	OpSetTags         OpKind = "set_tags"
	OpSetEnvironment  OpKind = "set_environment"
	OpPutAsset        OpKind = "put_asset"
	OpRemoveAsset     OpKind = "remove_asset"
	OpSetWiring       OpKind = "set_wiring"
	OpSetMetadata     OpKind = "set_metadata"
	// OpBatch applies Ops in order as one atomic edit.
	OpBatch OpKind = "batch"
)

var (
	// ErrUnknownEntity is returned when an operation references a missing entity.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrInvalidOp is returned when an operation is malformed or would break
	// the tree invariants.
	ErrInvalidOp = errors.New("invalid operation")
)

// Op is a single edit to a document. Only the fields relevant to Kind are
// read; a batch carries its children in Ops.
type Op struct {
	Kind          OpKind       `json:"kind"`
	EntityID      string       `json:"entityId,omitempty"`
	ParentID      string       `json:"parentId,omitempty"`
	Index         *int         `json:"index,omitempty"`
	Entity        *Entity      `json:"entity,omitempty"`
	Name          string       `json:"name,omitempty"`
	Transform     *Transform   `json:"transform,omitempty"`
	Component     *Component   `json:"component,omitempty"`
	ComponentType string       `json:"componentType,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	Environment   *Environment `json:"environment,omitempty"`
	Asset         *Asset       `json:"asset,omitempty"`
	AssetID       string       `json:"assetId,omitempty"`
	Wiring        []EventWire  `json:"wiring,omitempty"`
	Metadata      *Metadata    `json:"metadata,omitempty"`
	Ops           []Op         `json:"ops,omitempty"`
}

func CreateEntity(entity Entity, parentID string) Op {
	return Op{Kind: OpCreateEntity, Entity: &entity, ParentID: parentID}
}

func DeleteEntity(entityID string) Op {
	return Op{Kind: OpDeleteEntity, EntityID: entityID}
}

// Reparent moves an entity under parentID. A nil index appends.
func Reparent(entityID, parentID string, index *int) Op {
	return Op{Kind: OpReparent, EntityID: entityID, ParentID: parentID, Index: index}
}

func Rename(entityID, name string) Op {
	return Op{Kind: OpRename, EntityID: entityID, Name: name}
}

func SetTransform(entityID string, transform Transform) Op {
	return Op{Kind: OpSetTransform, EntityID: entityID, Transform: &transform}
}

// SetComponent replaces the component of the same type or appends it.
func SetComponent(entityID string, component Component) Op {
	return Op{Kind: OpSetComponent, EntityID: entityID, Component: &component}
}

func RemoveComponent(entityID, componentType string) Op {
	return Op{Kind: OpRemoveComponent, EntityID: entityID, ComponentType: componentType}
}

func SetTags(entityID string, tags []string) Op {
	return Op{Kind: OpSetTags, EntityID: entityID, Tags: cloneStrings(tags)}
}

func SetEnvironment(env Environment) Op {
	return Op{Kind: OpSetEnvironment, Environment: &env}
}

func PutAsset(asset Asset) Op {
	return Op{Kind: OpPutAsset, Asset: &asset}
}

func RemoveAsset(assetID string) Op {
	return Op{Kind: OpRemoveAsset, AssetID: assetID}
}

func SetWiring(wiring []EventWire) Op {
	return Op{Kind: OpSetWiring, Wiring: CloneWiring(wiring)}
}

func SetMetadata(meta Metadata) Op {
	return Op{Kind: OpSetMetadata, Metadata: &meta}
}

func Batch(ops ...Op) Op {
	return Op{Kind: OpBatch, Ops: ops}
}

// Touched summarizes the parts of a document an applied operation changed.
type Touched struct {
	Entities    map[string]struct{}
	Environment bool
	// Structural is set when the tree shape, assets, wiring or metadata changed
	// and the blast radius cannot be bounded to single entities.
	Structural bool
}

func (t *Touched) entity(id string) {
	if t.Entities == nil {
		t.Entities = make(map[string]struct{})
	}
	t.Entities[id] = struct{}{}
}

// EntityIDs returns the touched entity ids in sorted order.
func (t Touched) EntityIDs() []string {
	ids := make([]string, 0, len(t.Entities))
	for id := range t.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Empty reports whether nothing was touched.
func (t Touched) Empty() bool {
	return len(t.Entities) == 0 && !t.Environment && !t.Structural
}

// Apply runs op against a copy of doc and returns the edited copy. Batches are
// flattened with an explicit work stack so arbitrarily nested batches never
// grow the call stack. A failing leaf aborts the whole operation and the
// original document is returned unchanged.
func Apply(doc Document, op Op) (Document, Touched, error) {
	next := doc.Clone()
	if next.Entities == nil {
		next.Entities = make(map[string]Entity)
	}
	if next.Assets == nil {
		next.Assets = make(map[string]Asset)
	}
	var touched Touched

	stack := []Op{op}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current.Kind == OpBatch {
			for i := len(current.Ops) - 1; i >= 0; i-- {
				stack = append(stack, current.Ops[i])
			}
			continue
		}
		if err := applyLeaf(&next, current, &touched); err != nil {
			return doc, Touched{}, err
		}
	}
	return next, touched, nil
}

// Targets lists the entity ids an operation edits directly, in application
// order and without duplicates.
func Targets(op Op) []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	stack := []Op{op}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch current.Kind {
		case OpBatch:
			for i := len(current.Ops) - 1; i >= 0; i-- {
				stack = append(stack, current.Ops[i])
			}
		case OpCreateEntity:
			add(current.ParentID)
		case OpReparent:
			add(current.EntityID)
			add(current.ParentID)
		case OpSetEnvironment, OpPutAsset, OpRemoveAsset, OpSetWiring, OpSetMetadata:
		default:
			add(current.EntityID)
		}
	}
	return ids
}

func applyLeaf(doc *Document, op Op, touched *Touched) error {
	switch op.Kind {
	case OpCreateEntity:
		return createEntity(doc, op, touched)
	case OpDeleteEntity:
		return deleteEntity(doc, op, touched)
	case OpReparent:
		return reparentEntity(doc, op, touched)
	case OpRename:
		return editEntity(doc, op.EntityID, touched, func(e *Entity) error {
			e.Name = op.Name
			return nil
		})
	case OpSetTransform:
		if op.Transform == nil {
			return fmt.Errorf("%w: %s without transform", ErrInvalidOp, op.Kind)
		}
		return editEntity(doc, op.EntityID, touched, func(e *Entity) error {
			e.Transform = *op.Transform
			return nil
		})
	case OpSetComponent:
		if op.Component == nil || op.Component.Type == "" {
			return fmt.Errorf("%w: %s without component type", ErrInvalidOp, op.Kind)
		}
		return editEntity(doc, op.EntityID, touched, func(e *Entity) error {
			component := Component{Type: op.Component.Type, Properties: CloneValueMap(op.Component.Properties)}
			for i := range e.Components {
				if e.Components[i].Type == component.Type {
					e.Components[i] = component
					return nil
				}
			}
			e.Components = append(e.Components, component)
			return nil
		})
	case OpRemoveComponent:
		return editEntity(doc, op.EntityID, touched, func(e *Entity) error {
			filtered := e.Components[:0:0]
			for _, component := range e.Components {
				if component.Type != op.ComponentType {
					filtered = append(filtered, component)
				}
			}
			e.Components = filtered
			return nil
		})
	case OpSetTags:
		return editEntity(doc, op.EntityID, touched, func(e *Entity) error {
			e.Tags = cloneStrings(op.Tags)
			if e.Tags == nil {
				e.Tags = []string{}
			}
			return nil
		})
	case OpSetEnvironment:
		if op.Environment == nil {
			return fmt.Errorf("%w: %s without environment", ErrInvalidOp, op.Kind)
		}
		doc.Environment = *op.Environment
		touched.Environment = true
		return nil
	case OpPutAsset:
		if op.Asset == nil || op.Asset.ID == "" {
			return fmt.Errorf("%w: %s without asset id", ErrInvalidOp, op.Kind)
		}
		asset := *op.Asset
		asset.Metadata = CloneValueMap(op.Asset.Metadata)
		doc.Assets[asset.ID] = asset
		touched.Structural = true
		return nil
	case OpRemoveAsset:
		delete(doc.Assets, op.AssetID)
		touched.Structural = true
		return nil
	case OpSetWiring:
		doc.Wiring = CloneWiring(op.Wiring)
		if doc.Wiring == nil {
			doc.Wiring = []EventWire{}
		}
		touched.Structural = true
		return nil
	case OpSetMetadata:
		if op.Metadata == nil {
			return fmt.Errorf("%w: %s without metadata", ErrInvalidOp, op.Kind)
		}
		doc.Metadata = CloneMetadata(*op.Metadata)
		touched.Structural = true
		return nil
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidOp, op.Kind)
	}
}

func editEntity(doc *Document, id string, touched *Touched, edit func(*Entity) error) error {
	entity, ok := doc.Entities[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, id)
	}
	if err := edit(&entity); err != nil {
		return err
	}
	doc.Entities[id] = entity
	touched.entity(id)
	return nil
}

func createEntity(doc *Document, op Op, touched *Touched) error {
	if op.Entity == nil || op.Entity.ID == "" {
		return fmt.Errorf("%w: %s without entity id", ErrInvalidOp, op.Kind)
	}
	entity := CloneEntity(*op.Entity)
	if _, exists := doc.Entities[entity.ID]; exists {
		return fmt.Errorf("%w: entity %q already exists", ErrInvalidOp, entity.ID)
	}
	parentID := op.ParentID
	if parentID == "" {
		parentID = doc.RootEntityID
	}
	parent, ok := doc.Entities[parentID]
	if !ok {
		return fmt.Errorf("%w: parent %q", ErrUnknownEntity, parentID)
	}
	entity.ParentID = &parentID
	entity.Children = []string{}
	if entity.Components == nil {
		entity.Components = []Component{}
	}
	if entity.Tags == nil {
		entity.Tags = []string{}
	}
	parent.Children = insertAt(parent.Children, entity.ID, op.Index)
	doc.Entities[parentID] = parent
	doc.Entities[entity.ID] = entity
	touched.entity(parentID)
	touched.entity(entity.ID)
	touched.Structural = true
	return nil
}

func deleteEntity(doc *Document, op Op, touched *Touched) error {
	entity, ok := doc.Entities[op.EntityID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, op.EntityID)
	}
	if op.EntityID == doc.RootEntityID || entity.ParentID == nil {
		return fmt.Errorf("%w: cannot delete root entity %q", ErrInvalidOp, op.EntityID)
	}
	removed := append([]string{op.EntityID}, Descendants(*doc, op.EntityID)...)
	if parent, ok := doc.Entities[*entity.ParentID]; ok {
		parent.Children = removeString(parent.Children, op.EntityID)
		doc.Entities[parent.ID] = parent
		touched.entity(parent.ID)
	}
	gone := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		delete(doc.Entities, id)
		gone[id] = struct{}{}
		touched.entity(id)
	}
	if len(doc.Wiring) > 0 {
		kept := doc.Wiring[:0:0]
		for _, wire := range doc.Wiring {
			_, src := gone[wire.SourceEntityID]
			_, dst := gone[wire.TargetEntityID]
			if src || dst {
				continue
			}
			kept = append(kept, wire)
		}
		doc.Wiring = kept
	}
	touched.Structural = true
	return nil
}

func reparentEntity(doc *Document, op Op, touched *Touched) error {
	entity, ok := doc.Entities[op.EntityID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, op.EntityID)
	}
	if entity.ParentID == nil {
		return fmt.Errorf("%w: cannot reparent root entity %q", ErrInvalidOp, op.EntityID)
	}
	target, ok := doc.Entities[op.ParentID]
	if !ok {
		return fmt.Errorf("%w: parent %q", ErrUnknownEntity, op.ParentID)
	}
	if op.ParentID == op.EntityID || IsAncestor(*doc, op.EntityID, op.ParentID) {
		return fmt.Errorf("%w: moving %q under %q creates a cycle", ErrInvalidOp, op.EntityID, op.ParentID)
	}
	if old, ok := doc.Entities[*entity.ParentID]; ok {
		old.Children = removeString(old.Children, op.EntityID)
		doc.Entities[old.ID] = old
		touched.entity(old.ID)
		if old.ID == target.ID {
			target = old
		}
	}
	target.Children = insertAt(target.Children, op.EntityID, op.Index)
	doc.Entities[target.ID] = target
	parentID := target.ID
	entity.ParentID = &parentID
	doc.Entities[entity.ID] = entity
	touched.entity(target.ID)
	touched.entity(entity.ID)
	touched.Structural = true
	return nil
}

func insertAt(values []string, value string, index *int) []string {
	out := make([]string, 0, len(values)+1)
	if index == nil || *index < 0 || *index >= len(values) {
		out = append(out, values...)
		return append(out, value)
	}
	out = append(out, values[:*index]...)
	out = append(out, value)
	return append(out, values[*index:]...)
}

func removeString(values []string, value string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
