package network

import (
	"context"

	"scenecollab/server/logging"
)

const (
	// EventSnapshotSaved is emitted when a room snapshot reaches the store.
	EventSnapshotSaved logging.EventType = "network.snapshot_saved"
	// EventSnapshotFailed is emitted when a room snapshot could not be loaded or saved.
	EventSnapshotFailed logging.EventType = "network.snapshot_failed"
	// EventSubscriberReplaced is emitted when a client id reconnects while its previous connection is still open.
	EventSubscriberReplaced logging.EventType = "network.subscriber_replaced"
	// EventMessageDropped is emitted when the relay discards an inbound message.
	EventMessageDropped logging.EventType = "network.message_dropped"
)

// SnapshotPayload captures the persisted room state.
type SnapshotPayload struct {
	Seq   uint64 `json:"seq"`
	Bytes int    `json:"bytes"`
	Error string `json:"error,omitempty"`
}

// DroppedPayload captures why a message was discarded.
type DroppedPayload struct {
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason"`
}

// SnapshotSaved publishes a debug event after a room snapshot is written.
func SnapshotSaved(ctx context.Context, pub logging.Publisher, seq uint64, room logging.EntityRef, payload SnapshotPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSnapshotSaved,
		Seq:      seq,
		Actor:    room,
		Severity: logging.SeverityDebug,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SnapshotFailed publishes an error event when persistence fails.
func SnapshotFailed(ctx context.Context, pub logging.Publisher, seq uint64, room logging.EntityRef, payload SnapshotPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSnapshotFailed,
		Seq:      seq,
		Actor:    room,
		Severity: logging.SeverityError,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SubscriberReplaced publishes a warning when a stale connection is closed in favour of a new one.
func SubscriberReplaced(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, room logging.EntityRef, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSubscriberReplaced,
		Actor:    actor,
		Targets:  []logging.EntityRef{room},
		Severity: logging.SeverityWarn,
		Category: "network",
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// MessageDropped publishes a warning when an inbound message is discarded.
func MessageDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, room logging.EntityRef, payload DroppedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventMessageDropped,
		Actor:    actor,
		Targets:  []logging.EntityRef{room},
		Severity: logging.SeverityWarn,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
