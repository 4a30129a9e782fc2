// Package locks implements cooperative, hierarchy-aware advisory locks on
// scene entities. Locks live only in presence records, so a client's locks
// disappear with its connection and nothing is ever written to the replica.
package locks

import (
	"context"
	"sort"

	"scenecollab/server/internal/presence"
	"scenecollab/server/internal/scene"
	"scenecollab/server/internal/telemetry"
	"scenecollab/server/logging"
	"scenecollab/server/logging/locking"
)

// Holder identifies the connection holding a lock.
type Holder struct {
	ClientID string        `json:"clientId"`
	User     presence.User `json:"user"`
}

// AcquireResult reports the outcome of Acquire. A refused acquire carries the
// blocking holder; a refusal for an unknown entity carries none.
type AcquireResult struct {
	Acquired bool
	Holder   *Holder
}

// Status describes whether an entity is locked and by whom.
type Status struct {
	Locked        bool
	IsLocalClient bool
	Holder        *Holder
	// Inherited is set when the lock was found on an ancestor rather than on
	// the entity itself.
	Inherited bool
}

// Info is one entry of LockedEntities.
type Info struct {
	Holder        Holder
	IsLocalClient bool
	Inherited     bool
}

// Options configures a Manager.
type Options struct {
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Manager evaluates and mutates locks against a document tree.
type Manager struct {
	pub     logging.Publisher
	metrics telemetry.Metrics
}

// NewManager returns a Manager. Zero options log nowhere.
func NewManager(opts Options) *Manager {
	m := &Manager{pub: opts.Publisher, metrics: opts.Metrics}
	if m.pub == nil {
		m.pub = logging.NopPublisher()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NopMetrics()
	}
	return m
}

// Acquire locks entityID and its whole subtree for the local record. It is
// refused when another record holds the entity, any ancestor or any
// descendant. The check and the write happen under one presence lock.
func (m *Manager) Acquire(entityID string, doc scene.Document, local *presence.Awareness) AcquireResult {
	if local == nil || !doc.HasEntity(entityID) {
		return AcquireResult{}
	}
	guarded := map[string]struct{}{entityID: {}}
	for _, id := range scene.Ancestors(doc, entityID) {
		guarded[id] = struct{}{}
	}
	descendants := scene.Descendants(doc, entityID)
	for _, id := range descendants {
		guarded[id] = struct{}{}
	}

	var result AcquireResult
	var blockedBy string
	var added []string
	local.Mutate(func(state *presence.State, others []presence.Entry) bool {
		for _, entry := range others {
			for _, id := range entry.State.Locks {
				if _, hit := guarded[id]; hit {
					result.Holder = &Holder{ClientID: entry.ClientID, User: entry.State.User}
					blockedBy = id
					return false
				}
			}
		}
		result.Acquired = true
		var changed bool
		state.Locks, added, changed = union(state.Locks, append([]string{entityID}, descendants...))
		return changed
	})

	actor := logging.Peer(local.ClientID())
	if !result.Acquired {
		m.metrics.Add("locks_conflicts_total", 1)
		if result.Holder != nil {
			locking.Conflict(context.Background(), m.pub, actor, logging.Entity(entityID), locking.ConflictPayload{
				Holder:    result.Holder.ClientID,
				BlockedBy: blockedBy,
			}, nil)
		}
		return result
	}
	if len(added) > 0 {
		m.metrics.Add("locks_acquired_total", 1)
		locking.Acquired(context.Background(), m.pub, actor, logging.Entity(entityID), locking.AcquiredPayload{Entities: added}, nil)
	}
	return result
}

// Release drops entityID and its current descendants from the local record.
// Releasing a subtree root releases the whole subtree.
func (m *Manager) Release(entityID string, doc scene.Document, local *presence.Awareness) []string {
	if local == nil || entityID == "" {
		return nil
	}
	drop := map[string]struct{}{entityID: {}}
	for _, id := range scene.Descendants(doc, entityID) {
		drop[id] = struct{}{}
	}
	var removed []string
	local.Mutate(func(state *presence.State, _ []presence.Entry) bool {
		kept := state.Locks[:0:0]
		for _, id := range state.Locks {
			if _, ok := drop[id]; ok {
				removed = append(removed, id)
				continue
			}
			kept = append(kept, id)
		}
		if len(removed) == 0 {
			return false
		}
		state.Locks = kept
		return true
	})
	if len(removed) > 0 {
		locking.Released(context.Background(), m.pub, logging.Peer(local.ClientID()), locking.ReleasedPayload{Entities: removed}, nil)
	}
	return removed
}

// ReleaseAll clears every lock held by the local record.
func (m *Manager) ReleaseAll(local *presence.Awareness) {
	if local == nil {
		return
	}
	var removed []string
	local.Mutate(func(state *presence.State, _ []presence.Entry) bool {
		if len(state.Locks) == 0 {
			return false
		}
		removed = state.Locks
		state.Locks = nil
		return true
	})
	if len(removed) > 0 {
		locking.Released(context.Background(), m.pub, logging.Peer(local.ClientID()), locking.ReleasedPayload{Entities: removed, All: true}, nil)
	}
}

// IsLocked looks for a record locking entityID directly and, failing that,
// for a record locking one of its ancestors, nearest ancestor first.
func (m *Manager) IsLocked(entityID string, doc scene.Document, presences []presence.Entry, localClientID string) Status {
	entries := sortedEntries(presences)
	for _, entry := range entries {
		if contains(entry.State.Locks, entityID) {
			return status(entry, localClientID, false)
		}
	}
	for _, ancestor := range scene.Ancestors(doc, entityID) {
		for _, entry := range entries {
			if contains(entry.State.Locks, ancestor) {
				return status(entry, localClientID, true)
			}
		}
	}
	return Status{}
}

// LockedEntities maps every claimed entity id to its holder. Records are
// enumerated by client id and the first claim wins, so every peer resolves
// a contradictory claim the same way; the losing claim is logged.
func (m *Manager) LockedEntities(presences []presence.Entry, localClientID string) map[string]Info {
	locked := make(map[string]Info)
	for _, entry := range sortedEntries(presences) {
		for _, id := range entry.State.Locks {
			if existing, ok := locked[id]; ok {
				if existing.Holder.ClientID != entry.ClientID {
					m.metrics.Add("locks_duplicate_claims_total", 1)
					locking.DuplicateClaim(context.Background(), m.pub, logging.Entity(id), locking.DuplicateClaimPayload{
						Winner: existing.Holder.ClientID,
						Loser:  entry.ClientID,
					}, nil)
				}
				continue
			}
			locked[id] = Info{
				Holder:        Holder{ClientID: entry.ClientID, User: entry.State.User},
				IsLocalClient: entry.ClientID == localClientID,
			}
		}
	}
	return locked
}

func status(entry presence.Entry, localClientID string, inherited bool) Status {
	return Status{
		Locked:        true,
		IsLocalClient: entry.ClientID == localClientID,
		Holder:        &Holder{ClientID: entry.ClientID, User: entry.State.User},
		Inherited:     inherited,
	}
}

func sortedEntries(presences []presence.Entry) []presence.Entry {
	entries := append([]presence.Entry(nil), presences...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return entries
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// union merges extra into current, returning the sorted result, the ids that
// were new and whether anything changed.
func union(current, extra []string) ([]string, []string, bool) {
	set := make(map[string]struct{}, len(current)+len(extra))
	for _, id := range current {
		set[id] = struct{}{}
	}
	var added []string
	for _, id := range extra {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		added = append(added, id)
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, added, len(added) > 0
}
