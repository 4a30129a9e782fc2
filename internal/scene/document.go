package scene

// SchemaVersion is the version stamped on documents created by this package.
const SchemaVersion = 1

// Vec3 is a three component vector used for positions, rotations and scales.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Transform places an entity relative to its parent.
type Transform struct {
	Position Vec3 `json:"position"`
	Rotation Vec3 `json:"rotation"`
	Scale    Vec3 `json:"scale"`
}

// IdentityTransform returns a transform at the origin with unit scale.
func IdentityTransform() Transform {
	return Transform{Scale: Vec3{X: 1, Y: 1, Z: 1}}
}

// Component is a typed property bag attached to an entity.
type Component struct {
	Type       string         `json:"type" validate:"required" jsonschema:"description=Component type consumed by the rendering adapters"`
	Properties map[string]any `json:"properties"`
}

// Entity is a node of the scene tree.
type Entity struct {
	ID         string      `json:"id" validate:"required"`
	Name       string      `json:"name"`
	ParentID   *string     `json:"parentId"`
	Children   []string    `json:"children"`
	Components []Component `json:"components" validate:"dive"`
	Tags       []string    `json:"tags"`
	Transform  Transform   `json:"transform"`
	// Locked mirrors the lock affordance for renderers; real locks live in presence.
	Locked bool `json:"locked"`
}

// Asset is an externally stored resource referenced by entities.
type Asset struct {
	ID       string         `json:"id" validate:"required"`
	Name     string         `json:"name"`
	Type     string         `json:"type" validate:"required,oneof=model texture audio material script other"`
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EventWire connects an event raised by one entity to an action on another.
type EventWire struct {
	ID             string         `json:"id" validate:"required"`
	SourceEntityID string         `json:"sourceEntityId" validate:"required"`
	Event          string         `json:"event" validate:"required"`
	TargetEntityID string         `json:"targetEntityId" validate:"required"`
	Action         string         `json:"action" validate:"required"`
	Params         map[string]any `json:"params,omitempty"`
}

// Environment holds the scene-wide rendering settings.
type Environment struct {
	SkyColor         string  `json:"skyColor" validate:"omitempty,hexcolor"`
	AmbientIntensity float64 `json:"ambientIntensity" validate:"gte=0"`
	FogEnabled       bool    `json:"fogEnabled"`
	FogColor         string  `json:"fogColor" validate:"omitempty,hexcolor"`
	FogNear          float64 `json:"fogNear" validate:"gte=0"`
	FogFar           float64 `json:"fogFar" validate:"gtefield=FogNear"`
	Gravity          Vec3    `json:"gravity"`
}

// DefaultEnvironment returns the environment used by new documents.
func DefaultEnvironment() Environment {
	return Environment{
		SkyColor:         "#87ceeb",
		AmbientIntensity: 0.5,
		FogColor:         "#ffffff",
		FogNear:          10,
		FogFar:           100,
		Gravity:          Vec3{Y: -9.81},
	}
}

// Metadata carries descriptive document information.
type Metadata struct {
	Author      string   `json:"author"`
	Description string   `json:"description"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
	Tags        []string `json:"tags"`
}

// Document is the canonical scene description and the editor's source of truth.
type Document struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	SchemaVersion int               `json:"schemaVersion" validate:"gte=0"`
	RootEntityID  string            `json:"rootEntityId"`
	Entities      map[string]Entity `json:"entities" validate:"dive"`
	Assets        map[string]Asset  `json:"assets" validate:"dive"`
	Wiring        []EventWire       `json:"wiring" validate:"dive"`
	Environment   Environment       `json:"environment"`
	Metadata      Metadata          `json:"metadata"`
}

// New returns a document containing only a root entity.
func New(id, name, rootID string) Document {
	root := Entity{
		ID:         rootID,
		Name:       "Root",
		Children:   []string{},
		Components: []Component{},
		Tags:       []string{},
		Transform:  IdentityTransform(),
	}
	return Document{
		ID:            id,
		Name:          name,
		SchemaVersion: SchemaVersion,
		RootEntityID:  rootID,
		Entities:      map[string]Entity{rootID: root},
		Assets:        map[string]Asset{},
		Wiring:        []EventWire{},
		Environment:   DefaultEnvironment(),
		Metadata:      Metadata{Tags: []string{}},
	}
}

// Entity returns the entity with the provided id.
func (d Document) Entity(id string) (Entity, bool) {
	if id == "" || d.Entities == nil {
		return Entity{}, false
	}
	entity, ok := d.Entities[id]
	return entity, ok
}

// HasEntity reports whether the document contains the entity.
func (d Document) HasEntity(id string) bool {
	_, ok := d.Entity(id)
	return ok
}
