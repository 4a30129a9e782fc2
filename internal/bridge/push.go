package bridge

import (
	"context"
	"fmt"

	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
	"scenecollab/server/logging"
	"scenecollab/server/logging/replication"
)

// plainDocument holds the JSON-shaped form of every part of a document.
type plainDocument struct {
	meta        map[string]any
	entities    map[string]map[string]any
	assets      map[string]any
	environment map[string]any
	wiring      []any
	metadata    map[string]any
}

func toPlainDocument(doc scene.Document) (plainDocument, error) {
	out := plainDocument{
		meta: map[string]any{
			metaID:            doc.ID,
			metaName:          doc.Name,
			metaSchemaVersion: float64(doc.SchemaVersion),
			metaRootEntityID:  doc.RootEntityID,
			metaShapeVersion:  float64(CurrentShapeVersion),
		},
		entities: make(map[string]map[string]any, len(doc.Entities)),
		assets:   make(map[string]any, len(doc.Assets)),
	}
	for id, entity := range doc.Entities {
		leaves, err := scene.ToPlainMap(entity)
		if err != nil {
			return plainDocument{}, fmt.Errorf("entity %s: %w", id, err)
		}
		out.entities[id] = leaves
	}
	for id, asset := range doc.Assets {
		value, err := scene.ToPlainMap(asset)
		if err != nil {
			return plainDocument{}, fmt.Errorf("asset %s: %w", id, err)
		}
		out.assets[id] = value
	}
	env, err := scene.ToPlainMap(doc.Environment)
	if err != nil {
		return plainDocument{}, fmt.Errorf("environment: %w", err)
	}
	out.environment = env
	wiring, err := scene.ToPlain(doc.Wiring)
	if err != nil {
		return plainDocument{}, fmt.Errorf("wiring: %w", err)
	}
	out.wiring, _ = wiring.([]any)
	if out.wiring == nil {
		out.wiring = []any{}
	}
	metadata, err := scene.ToPlainMap(doc.Metadata)
	if err != nil {
		return plainDocument{}, fmt.Errorf("metadata: %w", err)
	}
	out.metadata = metadata
	return out, nil
}

// InitializeReplica populates an empty replica from doc in one transaction
// tagged replica.OriginInit.
func InitializeReplica(r *replica.Doc, doc scene.Document) error {
	return defaultAdapter.Initialize(r, doc)
}

// Initialize is InitializeReplica bound to a.
func (a *Adapter) Initialize(r *replica.Doc, doc scene.Document) error {
	if !replicaEmpty(r) {
		replication.InitializeSkipped(context.Background(), a.pub, logging.Document(doc.ID), nil)
		return ErrReplicaNotEmpty
	}
	plain, err := toPlainDocument(doc)
	if err != nil {
		return err
	}
	return r.Transact(replica.OriginInit, func(tx *replica.Txn) error {
		syncLeaves(tx.Map(ContainerMeta), plain.meta)
		entities := tx.Map(ContainerEntities)
		for id, leaves := range plain.entities {
			if err := syncEntity(entities, id, leaves); err != nil {
				return err
			}
		}
		syncLeaves(tx.Map(ContainerAssets), plain.assets)
		syncLeaves(tx.Map(ContainerEnvironment), plain.environment)
		tx.List(ContainerWiring).Replace(plain.wiring)
		syncLeaves(tx.Map(ContainerMetadata), plain.metadata)
		return nil
	})
}

// PushLocalChange writes the parts of doc selected by scope that differ from
// the replica, in one transaction tagged replica.OriginLocal. Unchanged
// values produce no writes.
func PushLocalChange(r *replica.Doc, doc scene.Document, scope Scope) error {
	return defaultAdapter.Push(r, doc, scope)
}

// Push is PushLocalChange bound to a.
func (a *Adapter) Push(r *replica.Doc, doc scene.Document, scope Scope) error {
	plain, err := toPlainDocument(doc)
	if err != nil {
		return err
	}
	err = r.Transact(replica.OriginLocal, func(tx *replica.Txn) error {
		switch scope.Kind() {
		case ScopeEntity:
			leaves, ok := plain.entities[scope.EntityID()]
			if !ok {
				tx.Map(ContainerEntities).Delete(scope.EntityID())
				return nil
			}
			return syncEntity(tx.Map(ContainerEntities), scope.EntityID(), leaves)
		case ScopeEnvironment:
			syncLeaves(tx.Map(ContainerEnvironment), plain.environment)
			return nil
		}

		syncLeaves(tx.Map(ContainerMeta), plain.meta)
		entities := tx.Map(ContainerEntities)
		for _, id := range entities.Keys() {
			if _, ok := plain.entities[id]; !ok {
				entities.Delete(id)
			}
		}
		for id, leaves := range plain.entities {
			if err := syncEntity(entities, id, leaves); err != nil {
				return err
			}
		}
		syncLeaves(tx.Map(ContainerAssets), plain.assets)
		syncLeaves(tx.Map(ContainerEnvironment), plain.environment)
		wiring := tx.List(ContainerWiring)
		if !scene.PlainEqual(wiring.Items(), plain.wiring) {
			wiring.Replace(plain.wiring)
		}
		syncLeaves(tx.Map(ContainerMetadata), plain.metadata)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", scope, err)
	}
	return nil
}

// syncLeaves makes the top-level keys of m equal to values.
func syncLeaves(m *replica.MapTx, values map[string]any) {
	for _, key := range m.Keys() {
		if _, ok := values[key]; !ok {
			m.Delete(key)
		}
	}
	for key, value := range values {
		current, ok := m.Get(key)
		if ok && scene.PlainEqual(current, value) {
			continue
		}
		m.Set(key, value)
	}
}

// syncEntity makes the nested leaf map at id equal to leaves, writing only
// the leaves whose content changed.
func syncEntity(m *replica.MapTx, id string, leaves map[string]any) error {
	if !m.IsNested(id) {
		m.SetNested(id)
	}
	current, _ := m.Leaves(id)
	for leaf := range current {
		if _, ok := leaves[leaf]; !ok {
			m.DeleteLeaf(id, leaf)
		}
	}
	for leaf, value := range leaves {
		if existing, ok := current[leaf]; ok && scene.PlainEqual(existing, value) {
			continue
		}
		if err := m.SetLeaf(id, leaf, value); err != nil {
			return fmt.Errorf("entity %s leaf %s: %w", id, leaf, err)
		}
	}
	return nil
}
