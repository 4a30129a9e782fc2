package replication

import (
	"context"

	"scenecollab/server/logging"
)

const (
	// EventReconstructFailed is emitted when replica state fails validation and is dropped.
	EventReconstructFailed logging.EventType = "replication.reconstruct_failed"
	// EventRemoteApplied is emitted when a validated remote document replaces the canonical one.
	EventRemoteApplied logging.EventType = "replication.remote_applied"
	// EventUpdateRejected is emitted when an inbound update cannot be decoded or merged.
	EventUpdateRejected logging.EventType = "replication.update_rejected"
	// EventMigrationApplied is emitted when a replica's shape is upgraded.
	EventMigrationApplied logging.EventType = "replication.migration_applied"
	// EventInitializeSkipped is emitted when initialization targets a replica that already has content.
	EventInitializeSkipped logging.EventType = "replication.initialize_skipped"
)

// ReconstructFailedPayload lists the validation issues of the rejected state.
type ReconstructFailedPayload struct {
	Issues []string `json:"issues"`
	Reason string   `json:"reason,omitempty"`
}

// RemoteAppliedPayload summarises a reconstruction that reached the caller.
type RemoteAppliedPayload struct {
	Entities int `json:"entities"`
	Batched  int `json:"batched"`
}

// UpdateRejectedPayload describes an update that could not be merged.
type UpdateRejectedPayload struct {
	Kind  string `json:"kind"`
	Bytes int    `json:"bytes"`
	Error string `json:"error"`
}

// MigrationPayload names the shape versions bridged by a migration.
type MigrationPayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ReconstructFailed publishes a warning when reconstruction fails closed.
func ReconstructFailed(ctx context.Context, pub logging.Publisher, seq uint64, actor logging.EntityRef, payload ReconstructFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventReconstructFailed,
		Seq:      seq,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// RemoteApplied publishes a debug event for each delivered reconstruction.
func RemoteApplied(ctx context.Context, pub logging.Publisher, seq uint64, actor logging.EntityRef, payload RemoteAppliedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventRemoteApplied,
		Seq:      seq,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// UpdateRejected publishes a warning for an update that failed to merge.
func UpdateRejected(ctx context.Context, pub logging.Publisher, seq uint64, actor logging.EntityRef, payload UpdateRejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventUpdateRejected,
		Seq:      seq,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// MigrationApplied publishes an info event after a shape migration.
func MigrationApplied(ctx context.Context, pub logging.Publisher, seq uint64, actor logging.EntityRef, payload MigrationPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventMigrationApplied,
		Seq:      seq,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryReplication,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// InitializeSkipped publishes a warning when a non-empty replica is initialized.
func InitializeSkipped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventInitializeSkipped,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
