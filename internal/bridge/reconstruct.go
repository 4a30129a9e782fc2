package bridge

import (
	"context"
	"fmt"

	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
	"scenecollab/server/internal/schema"
	"scenecollab/server/logging"
	"scenecollab/server/logging/replication"
)

// ReconstructDocument reads the replica into a validated canonical document.
// On failure it returns the zero document and a *ValidationFailure; it never
// returns a partially valid document. An empty replica yields an empty but
// valid document.
func ReconstructDocument(r *replica.Doc) (scene.Document, error) {
	return defaultAdapter.Reconstruct(r)
}

// Reconstruct is ReconstructDocument bound to a.
func (a *Adapter) Reconstruct(r *replica.Doc) (doc scene.Document, err error) {
	seq := a.seq.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			doc, err = scene.Document{}, &ValidationFailure{Cause: fmt.Errorf("reconstruct panic: %v", rec)}
		}
		if err != nil {
			a.metrics.Add("bridge_reconstruct_failures_total", 1)
			a.logFailure(seq, err)
			return
		}
		a.metrics.Add("bridge_reconstructions_total", 1)
	}()

	if err := a.migrate(r); err != nil {
		return scene.Document{}, &ValidationFailure{Cause: err}
	}

	var raw map[string]any
	var issues []schema.Issue
	r.View(func(v *replica.View) {
		raw, issues = readPlain(v)
	})
	if len(issues) > 0 {
		return scene.Document{}, &ValidationFailure{Issues: issues}
	}
	result := schema.SafeParse(raw)
	if !result.OK {
		return scene.Document{}, &ValidationFailure{Issues: result.Issues}
	}
	return result.Document, nil
}

func (a *Adapter) logFailure(seq uint64, err error) {
	payload := replication.ReconstructFailedPayload{}
	if failure, ok := err.(*ValidationFailure); ok {
		for _, issue := range failure.Issues {
			payload.Issues = append(payload.Issues, issue.String())
		}
		if failure.Cause != nil {
			payload.Reason = failure.Cause.Error()
		}
	} else {
		payload.Reason = err.Error()
	}
	replication.ReconstructFailed(context.Background(), a.pub, seq, logging.EntityRef{Kind: logging.EntityKindDocument}, payload, nil)
}

// readPlain assembles the JSON-shaped document from the replica containers.
// Entities that are not nested leaf maps are reported as issues because the
// validator cannot tell them apart from well-formed objects.
func readPlain(v *replica.View) (map[string]any, []schema.Issue) {
	raw := make(map[string]any)
	meta := v.Map(ContainerMeta)
	for _, key := range []string{metaID, metaName, metaSchemaVersion, metaRootEntityID} {
		if value, ok := meta.Get(key); ok {
			raw[key] = value
		}
	}

	var issues []schema.Issue
	entityMap := v.Map(ContainerEntities)
	entities := make(map[string]any, entityMap.Len())
	for _, id := range entityMap.Keys() {
		leaves, ok := entityMap.Leaves(id)
		if !ok {
			issues = append(issues, schema.Issue{Path: "entities." + id, Message: "expected nested leaf map"})
			continue
		}
		entities[id] = leaves
	}
	raw["entities"] = entities
	raw["assets"] = v.Map(ContainerAssets).Entries()
	raw["environment"] = v.Map(ContainerEnvironment).Entries()
	raw["wiring"] = v.List(ContainerWiring).Items()
	raw["metadata"] = v.Map(ContainerMetadata).Entries()
	return raw, issues
}
