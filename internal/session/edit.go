package session

import (
	"errors"
	"fmt"

	"scenecollab/server/internal/bridge"
	"scenecollab/server/internal/locks"
	"scenecollab/server/internal/scene"
	"scenecollab/server/internal/schema"
)

// ErrEntityLocked is wrapped by LockedError.
var ErrEntityLocked = errors.New("entity is locked by another client")

// LockedError names the entity and holder that refused an edit.
type LockedError struct {
	EntityID string
	Holder   locks.Holder
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%v: %s held by %s", ErrEntityLocked, e.EntityID, e.Holder.ClientID)
}

func (e *LockedError) Unwrap() error { return ErrEntityLocked }

// Load seeds an empty replica with doc. A replica that already has content
// keeps it and bridge.ErrReplicaNotEmpty is returned; the canonical document
// is then read back from the replica.
func (s *Session) Load(doc scene.Document) error {
	parsed, err := schema.Parse(doc)
	if err != nil {
		return err
	}
	initErr := s.adapter.Initialize(s.replica, parsed)
	if initErr != nil && !errors.Is(initErr, bridge.ErrReplicaNotEmpty) {
		return initErr
	}
	if _, err := s.refresh(); err != nil {
		return err
	}
	return initErr
}

// Document returns a copy of the canonical document.
func (s *Session) Document() scene.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Apply runs op against the canonical document and pushes the result to
// the replica. Edits touching an entity another client has locked are
// refused with a *LockedError; deleting an entity counts as touching its
// whole subtree. The canonical document only changes when the edited
// document validates.
func (s *Session) Apply(op scene.Op) (scene.Document, error) {
	for attempt := 0; ; attempt++ {
		if s.stale.Swap(false) {
			if _, err := s.refresh(); err != nil {
				s.logger.Printf("session %s: refresh before edit: %v", s.clientID, err)
			}
		}
		doc, retry, err := s.applyCurrent(op, attempt < staleRetries)
		if !retry {
			return doc, err
		}
		s.metrics.Add("session_stale_retries_total", 1)
	}
}

// staleRetries bounds how often Apply starts over because a remote merge
// landed while the edit was being prepared.
const staleRetries = 3

// applyCurrent applies op on top of the current canonical document. When
// mayRetry is set and a remote merge arrived since the last refresh, nothing
// is pushed and retry is reported instead, so the push never writes older
// canonical values over leaves that just merged.
func (s *Session) applyCurrent(op scene.Op, mayRetry bool) (scene.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	presences := s.awareness.States()
	for _, id := range lockTargets(s.doc, op) {
		status := s.locks.IsLocked(id, s.doc, presences, s.clientID)
		if status.Locked && !status.IsLocalClient {
			s.metrics.Add("session_locked_edits_total", 1)
			return s.doc.Clone(), false, &LockedError{EntityID: id, Holder: *status.Holder}
		}
	}

	next, touched, err := scene.Apply(s.doc, op)
	if err != nil {
		return s.doc.Clone(), false, err
	}
	if touched.Empty() {
		return s.doc.Clone(), false, nil
	}
	parsed, err := schema.Parse(next)
	if err != nil {
		return s.doc.Clone(), false, err
	}
	if mayRetry && s.stale.Load() {
		return scene.Document{}, true, nil
	}
	if err := s.adapter.Push(s.replica, parsed, bridge.ScopeFor(touched)); err != nil {
		return s.doc.Clone(), false, err
	}
	s.doc = parsed
	s.metrics.Add("session_edits_total", 1)
	return parsed.Clone(), false, nil
}

// lockTargets lists every entity op edits in doc, including the subtrees of
// deleted entities.
func lockTargets(doc scene.Document, op scene.Op) []string {
	ids := scene.Targets(op)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	stack := []scene.Op{op}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch current.Kind {
		case scene.OpBatch:
			stack = append(stack, current.Ops...)
		case scene.OpDeleteEntity:
			for _, id := range scene.Descendants(doc, current.EntityID) {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Undo reverts the latest local step and refreshes the canonical document
// immediately.
func (s *Session) Undo() (bool, error) {
	if !s.undo.Undo() {
		return false, nil
	}
	_, err := s.refresh()
	return true, err
}

// Redo re-applies the latest undone local step.
func (s *Session) Redo() (bool, error) {
	if !s.undo.Redo() {
		return false, nil
	}
	_, err := s.refresh()
	return true, err
}

func (s *Session) CanUndo() bool { return s.undo.CanUndo() }

func (s *Session) CanRedo() bool { return s.undo.CanRedo() }

// refresh rebuilds the canonical document from the replica. On failure the
// last good document is kept.
func (s *Session) refresh() (scene.Document, error) {
	doc, err := s.adapter.Reconstruct(s.replica)
	if err != nil {
		s.noteFailure(err)
		return scene.Document{}, err
	}
	s.journal.NoteReconstruction(nil)
	s.setDocument(doc)
	return doc, nil
}
