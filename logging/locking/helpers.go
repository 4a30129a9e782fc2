package locking

import (
	"context"

	"scenecollab/server/logging"
)

const (
	// EventAcquired is emitted when the local client locks a subtree.
	EventAcquired logging.EventType = "locking.acquired"
	// EventConflict is emitted when an acquire attempt finds another holder.
	EventConflict logging.EventType = "locking.conflict"
	// EventReleased is emitted when the local client releases locks.
	EventReleased logging.EventType = "locking.released"
	// EventDuplicateClaim is emitted when two presence records claim the same entity.
	EventDuplicateClaim logging.EventType = "locking.duplicate_claim"
)

// AcquiredPayload lists the ids added to the local lock set.
type AcquiredPayload struct {
	Entities []string `json:"entities"`
}

// ConflictPayload names the blocking holder.
type ConflictPayload struct {
	Holder    string `json:"holder"`
	BlockedBy string `json:"blockedBy"`
}

// ReleasedPayload lists the ids removed from the local lock set.
type ReleasedPayload struct {
	Entities []string `json:"entities"`
	All      bool     `json:"all,omitempty"`
}

// DuplicateClaimPayload names the record that kept the claim and the one ignored.
type DuplicateClaimPayload struct {
	Winner string `json:"winner"`
	Loser  string `json:"loser"`
}

// Acquired publishes a debug event for a successful acquire.
func Acquired(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, target logging.EntityRef, payload AcquiredPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventAcquired,
		Actor:    actor,
		Targets:  []logging.EntityRef{target},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryLocking,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Conflict publishes an info event when an acquire is refused.
func Conflict(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, target logging.EntityRef, payload ConflictPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventConflict,
		Actor:    actor,
		Targets:  []logging.EntityRef{target},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLocking,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Released publishes a debug event for a release.
func Released(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ReleasedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventReleased,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryLocking,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// DuplicateClaim publishes a warning when lock state is contradictory.
func DuplicateClaim(ctx context.Context, pub logging.Publisher, target logging.EntityRef, payload DuplicateClaimPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDuplicateClaim,
		Actor:    logging.Peer(payload.Winner),
		Targets:  []logging.EntityRef{target},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLocking,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
