package session

import (
	"context"
	"fmt"

	"scenecollab/server/internal/locks"
	"scenecollab/server/internal/net/proto"
	"scenecollab/server/internal/presence"
	"scenecollab/server/internal/replica"
	"scenecollab/server/logging"
	"scenecollab/server/logging/replication"
)

// AcquireLock locks entityID and its subtree for this client.
func (s *Session) AcquireLock(entityID string) locks.AcquireResult {
	return s.locks.Acquire(entityID, s.Document(), s.awareness)
}

// ReleaseLock releases entityID and its subtree.
func (s *Session) ReleaseLock(entityID string) {
	s.locks.Release(entityID, s.Document(), s.awareness)
}

func (s *Session) ReleaseAllLocks() {
	s.locks.ReleaseAll(s.awareness)
}

func (s *Session) IsEntityLocked(entityID string) locks.Status {
	return s.locks.IsLocked(entityID, s.Document(), s.awareness.States(), s.clientID)
}

func (s *Session) LockedEntities() map[string]locks.Info {
	return s.locks.LockedEntities(s.awareness.States(), s.clientID)
}

// UpdatePresence edits the local presence record. Locks are owned by the
// lock manager and survive whatever fn does to them.
func (s *Session) UpdatePresence(fn func(state *presence.State)) {
	s.awareness.Mutate(func(local *presence.State, _ []presence.Entry) bool {
		held := local.Locks
		fn(local)
		local.Locks = held
		return true
	})
}

// Peers returns every presence record, including the local one.
func (s *Session) Peers() []presence.Entry {
	return s.awareness.States()
}

// HandleMessage merges an envelope received from the transport. Malformed
// payloads are logged and returned; they never change local state.
func (s *Session) HandleMessage(env proto.Envelope) error {
	origin := replica.Remote(env.From)
	switch env.Type {
	case proto.TypeSyncState, proto.TypeUpdate:
		if err := s.replica.ApplyUpdate(env.Payload, origin); err != nil {
			s.metrics.Add("session_rejected_updates_total", 1)
			replication.UpdateRejected(context.Background(), s.pub, 0, logging.Peer(env.From), replication.UpdateRejectedPayload{
				Kind:  string(env.Type),
				Bytes: len(env.Payload),
				Error: err.Error(),
			}, nil)
			return err
		}
	case proto.TypePresence:
		if err := s.awareness.ApplyUpdate(env.Payload, origin); err != nil {
			s.metrics.Add("session_rejected_updates_total", 1)
			replication.UpdateRejected(context.Background(), s.pub, 0, logging.Peer(env.From), replication.UpdateRejectedPayload{
				Kind:  string(env.Type),
				Bytes: len(env.Payload),
				Error: err.Error(),
			}, nil)
			return err
		}
	case proto.TypePresenceRemove:
		s.awareness.RemoveStates(env.ClientIDs, origin)
	default:
		return fmt.Errorf("%w: %q", proto.ErrUnsupportedType, env.Type)
	}
	return nil
}
