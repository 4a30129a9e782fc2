// Package bridge keeps a canonical scene document and its replica in step.
// Local edits are diffed by content and written as leaf-level replica writes;
// remote changes are turned back into a validated canonical document, or
// dropped when the replica does not describe a valid scene.
package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/schema"
	"scenecollab/server/internal/telemetry"
	"scenecollab/server/logging"
)

// Replica containers.
const (
	ContainerMeta        = "meta"
	ContainerEntities    = "entities"
	ContainerAssets      = "assets"
	ContainerEnvironment = "environment"
	ContainerWiring      = "wiring"
	ContainerMetadata    = "metadata"
)

// Containers lists every top-level container of a scene replica.
var Containers = []string{
	ContainerMeta,
	ContainerEntities,
	ContainerAssets,
	ContainerEnvironment,
	ContainerWiring,
	ContainerMetadata,
}

// Meta keys.
const (
	metaID            = "id"
	metaName          = "name"
	metaSchemaVersion = "schemaVersion"
	metaRootEntityID  = "rootEntityId"
	metaShapeVersion  = "shapeVersion"
)

// DefaultDebounce collapses bursts of remote transactions into one
// reconstruction.
const DefaultDebounce = 40 * time.Millisecond

var (
	// ErrReplicaNotEmpty is returned when initializing a replica that already
	// holds content.
	ErrReplicaNotEmpty = errors.New("replica already has content")
	// ErrValidationFailure is wrapped by every ValidationFailure.
	ErrValidationFailure = errors.New("replica state failed validation")
	// ErrUnsupportedShape is returned for replicas written by a newer shape.
	ErrUnsupportedShape = errors.New("replica shape is newer than supported")
)

// ValidationFailure is the fail-closed result of a reconstruction. The
// caller keeps its last known good document.
type ValidationFailure struct {
	Issues []schema.Issue
	Cause  error
}

func (f *ValidationFailure) Error() string {
	var b strings.Builder
	b.WriteString(ErrValidationFailure.Error())
	if f.Cause != nil {
		fmt.Fprintf(&b, ": %v", f.Cause)
	}
	for i, issue := range f.Issues {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(issue.String())
	}
	return b.String()
}

func (f *ValidationFailure) Unwrap() []error {
	if f.Cause == nil {
		return []error{ErrValidationFailure}
	}
	return []error{ErrValidationFailure, f.Cause}
}

// Options configures an Adapter.
type Options struct {
	Publisher  logging.Publisher
	Metrics    telemetry.Metrics
	Debounce   time.Duration
	Migrations *Migrations
	// OnFailure is called after every failed reconstruction triggered by a
	// remote change.
	OnFailure func(err error)
	// OnSuccess is called after every delivered reconstruction triggered by a
	// remote change.
	OnSuccess func()
}

// Adapter translates between canonical documents and replicas.
type Adapter struct {
	pub        logging.Publisher
	metrics    telemetry.Metrics
	debounce   time.Duration
	migrations *Migrations
	onFailure  func(error)
	onSuccess  func()
	seq        atomic.Uint64
}

// New returns an Adapter. Zero options log nowhere and use DefaultDebounce.
func New(opts Options) *Adapter {
	a := &Adapter{
		pub:        opts.Publisher,
		metrics:    opts.Metrics,
		debounce:   opts.Debounce,
		migrations: opts.Migrations,
		onFailure:  opts.OnFailure,
		onSuccess:  opts.OnSuccess,
	}
	if a.pub == nil {
		a.pub = logging.NopPublisher()
	}
	if a.metrics == nil {
		a.metrics = telemetry.NopMetrics()
	}
	if a.debounce <= 0 {
		a.debounce = DefaultDebounce
	}
	if a.migrations == nil {
		a.migrations = DefaultMigrations()
	}
	return a
}

var defaultAdapter = New(Options{})

func replicaEmpty(r *replica.Doc) bool {
	for _, name := range Containers {
		if !r.Empty(name) {
			return false
		}
	}
	return true
}
