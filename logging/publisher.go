package logging

import (
	"context"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

type EntityKind string

const (
	EntityKindUnknown  EntityKind = "unknown"
	EntityKindDocument EntityKind = "document"
	EntityKindEntity   EntityKind = "entity"
	EntityKindPeer     EntityKind = "peer"
	EntityKindRoom     EntityKind = "room"
	EntityKindSystem   EntityKind = "system"
)

type Event struct {
	Type      EventType      `json:"type"`
	Seq       uint64         `json:"seq"`
	Time      time.Time      `json:"time"`
	Actor     EntityRef      `json:"actor"`
	Targets   []EntityRef    `json:"targets,omitempty"`
	Severity  Severity       `json:"severity"`
	Category  string         `json:"category,omitempty"`
	Payload   any            `json:"payload,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	CommandID string         `json:"commandId,omitempty"`
}

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

const (
	CategoryReplication = "replication"
	CategoryLocking     = "locking"
	CategoryLifecycle   = "lifecycle"
	CategorySystem      = "system"
)

// Document returns a reference to a scene document.
func Document(id string) EntityRef {
	return EntityRef{ID: id, Kind: EntityKindDocument}
}

// Entity returns a reference to an entity inside a scene document.
func Entity(id string) EntityRef {
	return EntityRef{ID: id, Kind: EntityKindEntity}
}

// Peer returns a reference to a connected client.
func Peer(clientID string) EntityRef {
	return EntityRef{ID: clientID, Kind: EntityKindPeer}
}

// Room returns a reference to a relay room.
func Room(id string) EntityRef {
	return EntityRef{ID: id, Kind: EntityKindRoom}
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

type fieldPublisher struct {
	next   Publisher
	fields map[string]any
}

func (p *fieldPublisher) Publish(ctx context.Context, event Event) {
	if p.next == nil {
		return
	}
	p.next.Publish(ctx, event.WithDefaults(p.fields))
}

// WithFields decorates every event published through p with fields. Keys
// already present on an event win.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &fieldPublisher{next: p, fields: copied}
}

// Clone copies the targets and extra map so the result can be mutated or
// queued independently of the original.
func (e Event) Clone() Event {
	if len(e.Targets) > 0 {
		e.Targets = append([]EntityRef(nil), e.Targets...)
	}
	if e.Extra != nil {
		copied := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			copied[k] = v
		}
		e.Extra = copied
	}
	return e
}

// WithDefaults returns a copy carrying fields for every key the event does
// not set itself.
func (e Event) WithDefaults(fields map[string]any) Event {
	if len(fields) == 0 {
		return e
	}
	e = e.Clone()
	if e.Extra == nil {
		e.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, exists := e.Extra[k]; !exists {
			e.Extra[k] = v
		}
	}
	return e
}

func (e Event) WithExtra(key string, value any) Event {
	e = e.Clone()
	if e.Extra == nil {
		e.Extra = make(map[string]any, 1)
	}
	e.Extra[key] = value
	return e
}
