package replica

import (
	"reflect"
	"sync"
	"time"
)

// UndoOptions configures an UndoManager.
type UndoOptions struct {
	// TrackedOrigins lists the transaction origins that are captured. Changes
	// from any other origin are ignored.
	TrackedOrigins []any
	// CaptureTimeout merges tracked transactions committed within this window
	// into one stack item. Zero keeps every transaction separate.
	CaptureTimeout time.Duration
	Clock          func() time.Time
}

type undoOrigin struct {
	manager *UndoManager
	redo    bool
}

type stackItem struct {
	changes []change
	index   map[regPath]int
}

func newStackItem(changes []change) *stackItem {
	item := &stackItem{index: make(map[regPath]int, len(changes))}
	item.add(changes)
	return item
}

func (s *stackItem) add(changes []change) {
	for _, ch := range changes {
		if i, ok := s.index[ch.path]; ok {
			s.changes[i].after = ch.after
			continue
		}
		s.index[ch.path] = len(s.changes)
		s.changes = append(s.changes, ch)
	}
}

// UndoManager keeps undo and redo stacks for tracked transactions on a set of
// containers. Reverting a register is skipped when its current stamp is not
// the one the tracked transaction left behind, so edits made by other origins
// are never rolled back.
type UndoManager struct {
	doc        *Doc
	containers map[string]struct{}
	tracked    map[any]struct{}
	timeout    time.Duration
	now        func() time.Time
	undoTag    *undoOrigin
	redoTag    *undoOrigin
	detach     func()

	mu         sync.Mutex
	undoStack  []*stackItem
	redoStack  []*stackItem
	lastChange time.Time
	stopped    bool
}

// NewUndoManager tracks changes to the named containers of doc.
func NewUndoManager(doc *Doc, containers []string, opts UndoOptions) *UndoManager {
	um := &UndoManager{
		doc:        doc,
		containers: make(map[string]struct{}, len(containers)),
		tracked:    make(map[any]struct{}, len(opts.TrackedOrigins)),
		timeout:    opts.CaptureTimeout,
		now:        opts.Clock,
	}
	if um.now == nil {
		um.now = time.Now
	}
	for _, name := range containers {
		um.containers[name] = struct{}{}
	}
	for _, origin := range opts.TrackedOrigins {
		if isComparable(origin) {
			um.tracked[origin] = struct{}{}
		}
	}
	um.undoTag = &undoOrigin{manager: um}
	um.redoTag = &undoOrigin{manager: um, redo: true}
	um.detach = doc.OnAfterTransaction(um.capture)
	return um
}

// Owns reports whether origin belongs to a transaction issued by Undo or Redo.
func (um *UndoManager) Owns(origin any) bool {
	tag, ok := origin.(*undoOrigin)
	return ok && tag.manager == um
}

func isComparable(v any) bool {
	return v != nil && reflect.TypeOf(v).Comparable()
}

func (um *UndoManager) capture(txn *Transaction) {
	if !isComparable(txn.Origin) {
		return
	}
	var changes []change
	for _, ch := range txn.changes {
		if _, ok := um.containers[ch.path.container]; ok {
			changes = append(changes, ch)
		}
	}
	if len(changes) == 0 {
		return
	}

	um.mu.Lock()
	defer um.mu.Unlock()
	switch txn.Origin {
	case um.undoTag:
		um.redoStack = append(um.redoStack, newStackItem(changes))
		um.lastChange = time.Time{}
		return
	case um.redoTag:
		um.undoStack = append(um.undoStack, newStackItem(changes))
		um.lastChange = time.Time{}
		return
	}
	if _, ok := um.tracked[txn.Origin]; !ok {
		return
	}

	now := um.now()
	um.redoStack = nil
	merge := !um.stopped && len(um.undoStack) > 0 && um.timeout > 0 &&
		!um.lastChange.IsZero() && now.Sub(um.lastChange) < um.timeout
	if merge {
		um.undoStack[len(um.undoStack)-1].add(changes)
	} else {
		um.undoStack = append(um.undoStack, newStackItem(changes))
	}
	um.stopped = false
	um.lastChange = now
}

// Undo reverts the most recent stack item that still has an effect. It
// reports whether anything changed.
func (um *UndoManager) Undo() bool {
	return um.pop(false)
}

// Redo re-applies the most recently undone item.
func (um *UndoManager) Redo() bool {
	return um.pop(true)
}

func (um *UndoManager) pop(redo bool) bool {
	tag := um.undoTag
	if redo {
		tag = um.redoTag
	}
	for {
		um.mu.Lock()
		stack := &um.undoStack
		if redo {
			stack = &um.redoStack
		}
		if len(*stack) == 0 {
			um.mu.Unlock()
			return false
		}
		item := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]
		um.mu.Unlock()

		applied := false
		_ = um.doc.Transact(tag, func(tx *Txn) error {
			revert(tx, item)
			applied = len(tx.ops) > 0
			return nil
		})
		if applied {
			return true
		}
	}
}

func revert(tx *Txn, item *stackItem) {
	for i := len(item.changes) - 1; i >= 0; i-- {
		ch := item.changes[i]
		c := tx.doc.containerLocked(ch.path.container, true)
		current := c.lookup(ch.path)
		if current == nil || current.stamp != ch.after {
			continue
		}
		switch ch.path.depth {
		case 0:
			items := []any{}
			if ch.visible {
				items, _ = ch.before.value.([]any)
			}
			tx.List(ch.path.container).Replace(items)
		case 1:
			m := tx.Map(ch.path.container)
			switch {
			case !ch.visible:
				m.Delete(ch.path.key)
			case ch.before.kind == kindMap:
				m.SetNested(ch.path.key)
				for leaf, value := range ch.beforeLeaves {
					_ = m.SetLeaf(ch.path.key, leaf, value)
				}
			default:
				m.Set(ch.path.key, cloneValue(ch.before.value))
			}
		default:
			m := tx.Map(ch.path.container)
			if !m.IsNested(ch.path.key) {
				continue
			}
			if ch.visible {
				_ = m.SetLeaf(ch.path.key, ch.path.leaf, cloneValue(ch.before.value))
			} else {
				m.DeleteLeaf(ch.path.key, ch.path.leaf)
			}
		}
	}
}

// StopCapturing makes the next tracked transaction start a new stack item
// even inside the capture window.
func (um *UndoManager) StopCapturing() {
	um.mu.Lock()
	defer um.mu.Unlock()
	um.stopped = true
}

func (um *UndoManager) CanUndo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.undoStack) > 0
}

func (um *UndoManager) CanRedo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.redoStack) > 0
}

// Clear drops both stacks.
func (um *UndoManager) Clear() {
	um.mu.Lock()
	defer um.mu.Unlock()
	um.undoStack = nil
	um.redoStack = nil
	um.lastChange = time.Time{}
}

// Close detaches the manager from its document.
func (um *UndoManager) Close() {
	if um.detach != nil {
		um.detach()
	}
}
