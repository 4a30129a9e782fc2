package bridge

import (
	"context"
	"fmt"
	"sync"

	"scenecollab/server/internal/replica"
	"scenecollab/server/logging"
	"scenecollab/server/logging/replication"
)

// CurrentShapeVersion is the replica layout this build reads and writes.
// A freshly connected replica with an older stamp is migrated before its
// first read.
const CurrentShapeVersion = 1

// MigrationStep upgrades a replica by exactly one shape version.
type MigrationStep struct {
	From  int
	To    int
	Apply func(tx *replica.Txn) error
}

// Migrations is a registry of steps keyed by the version pair they bridge.
type Migrations struct {
	mu    sync.RWMutex
	steps map[[2]int]MigrationStep
}

// NewMigrations returns an empty registry.
func NewMigrations() *Migrations {
	return &Migrations{steps: make(map[[2]int]MigrationStep)}
}

// DefaultMigrations returns the registry for CurrentShapeVersion.
func DefaultMigrations() *Migrations {
	m := NewMigrations()
	// Shape 0 replicas predate the version stamp; the layout is unchanged.
	m.Register(MigrationStep{From: 0, To: 1, Apply: func(*replica.Txn) error { return nil }})
	return m
}

// Register adds or replaces a step. Steps must advance by one version.
func (m *Migrations) Register(step MigrationStep) {
	if step.To != step.From+1 {
		panic(fmt.Sprintf("bridge: migration %d->%d must advance one version", step.From, step.To))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[[2]int{step.From, step.To}] = step
}

func (m *Migrations) step(from int) (MigrationStep, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[[2]int{from, from + 1}]
	return step, ok
}

// ShapeVersion returns the version stamped in the replica's meta container.
// Replicas without a stamp report 0.
func ShapeVersion(r *replica.Doc) int {
	value, ok := r.Map(ContainerMeta).Get(metaShapeVersion)
	if !ok {
		return 0
	}
	version, ok := value.(float64)
	if !ok {
		return -1
	}
	return int(version)
}

// migrate brings r up to CurrentShapeVersion. Empty replicas are left alone
// so they can still be initialized.
func (a *Adapter) migrate(r *replica.Doc) error {
	if replicaEmpty(r) {
		return nil
	}
	version := ShapeVersion(r)
	switch {
	case version < 0:
		return fmt.Errorf("%w: shape version is not a number", ErrUnsupportedShape)
	case version > CurrentShapeVersion:
		return fmt.Errorf("%w: %d > %d", ErrUnsupportedShape, version, CurrentShapeVersion)
	}
	for version < CurrentShapeVersion {
		step, ok := a.migrations.step(version)
		if !ok {
			return fmt.Errorf("no migration from shape %d", version)
		}
		err := r.Transact(replica.OriginInit, func(tx *replica.Txn) error {
			if err := step.Apply(tx); err != nil {
				return err
			}
			tx.Map(ContainerMeta).Set(metaShapeVersion, float64(step.To))
			return nil
		})
		if err != nil {
			return fmt.Errorf("migrate shape %d->%d: %w", step.From, step.To, err)
		}
		replication.MigrationApplied(context.Background(), a.pub, 0, logging.EntityRef{Kind: logging.EntityKindDocument}, replication.MigrationPayload{From: step.From, To: step.To}, nil)
		a.metrics.Add("bridge_migrations_total", 1)
		version = step.To
	}
	return nil
}
