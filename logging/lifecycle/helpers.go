package lifecycle

import (
	"context"

	"scenecollab/server/logging"
)

const (
	// EventSessionStarted is emitted when an editing session starts syncing.
	EventSessionStarted logging.EventType = "lifecycle.session_started"
	// EventSessionStopped is emitted when an editing session shuts down.
	EventSessionStopped logging.EventType = "lifecycle.session_stopped"
	// EventSessionCorrupted is emitted when reconstruction keeps failing.
	EventSessionCorrupted logging.EventType = "lifecycle.session_corrupted"
	// EventPeerJoined is emitted when a connection joins a room.
	EventPeerJoined logging.EventType = "lifecycle.peer_joined"
	// EventPeerLeft is emitted when a connection leaves a room.
	EventPeerLeft logging.EventType = "lifecycle.peer_left"
)

// SessionPayload identifies the document a session edits.
type SessionPayload struct {
	Document string `json:"document"`
}

// CorruptedPayload summarises the failure window that tripped the policy.
type CorruptedPayload struct {
	Failures uint64 `json:"failures"`
	Attempts uint64 `json:"attempts"`
	Reason   string `json:"reason"`
}

// PeerJoinedPayload captures the room population after a join.
type PeerJoinedPayload struct {
	Peers int `json:"peers"`
}

// PeerLeftPayload captures why a connection left.
type PeerLeftPayload struct {
	Reason string `json:"reason"`
	Peers  int    `json:"peers"`
}

// SessionStarted publishes a session start event.
func SessionStarted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionStarted,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SessionStopped publishes a session stop event.
func SessionStopped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionStopped,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SessionCorrupted publishes an error event when the session can no longer trust replica state.
func SessionCorrupted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload CorruptedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionCorrupted,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerJoined publishes a peer join event.
func PeerJoined(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, room logging.EntityRef, payload PeerJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerJoined,
		Actor:    actor,
		Targets:  []logging.EntityRef{room},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerLeft publishes a peer disconnect event.
func PeerLeft(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, room logging.EntityRef, payload PeerLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerLeft,
		Actor:    actor,
		Targets:  []logging.EntityRef{room},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
