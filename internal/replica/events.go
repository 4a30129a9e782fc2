package replica

import (
	"sort"
	"strings"
)

// Action classifies a visible change.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one visible change inside a container. Path is empty for the list
// register, [key] for a top-level key and [key, leaf] for a nested leaf.
type Event struct {
	Container string
	Path      []string
	Action    Action
	OldValue  any
	NewValue  any
}

type entryKey struct {
	container string
	key       string
	list      bool
}

type entryView struct {
	present bool
	nested  bool
	value   any
	leaves  map[string]any
}

func viewOf(c *container, key entryKey) entryView {
	if key.list {
		if c.list == nil || c.list.kind != kindValue {
			return entryView{}
		}
		return entryView{present: true, value: c.items()}
	}
	reg := c.entries[key.key]
	switch {
	case !reg.live():
		return entryView{}
	case reg.kind == kindMap:
		return entryView{present: true, nested: true, leaves: c.leafValues(key.key)}
	default:
		return entryView{present: true, value: cloneValue(reg.value)}
	}
}

func (v entryView) plain() any {
	if !v.present {
		return nil
	}
	if v.nested {
		return v.leaves
	}
	return v.value
}

func diffViews(key entryKey, before, after entryView) []Event {
	var path []string
	if !key.list {
		path = []string{key.key}
	}
	event := Event{Container: key.container, Path: path, OldValue: before.plain(), NewValue: after.plain()}
	switch {
	case !before.present && !after.present:
		return nil
	case !before.present:
		event.Action = ActionAdd
		return []Event{event}
	case !after.present:
		event.Action = ActionDelete
		return []Event{event}
	case before.nested != after.nested:
		event.Action = ActionUpdate
		return []Event{event}
	case !before.nested:
		if valuesEqual(before.value, after.value) {
			return nil
		}
		event.Action = ActionUpdate
		return []Event{event}
	}

	var events []Event
	for leaf, old := range before.leaves {
		current, ok := after.leaves[leaf]
		switch {
		case !ok:
			events = append(events, Event{Container: key.container, Path: []string{key.key, leaf}, Action: ActionDelete, OldValue: old})
		case !valuesEqual(old, current):
			events = append(events, Event{Container: key.container, Path: []string{key.key, leaf}, Action: ActionUpdate, OldValue: old, NewValue: current})
		}
	}
	for leaf, current := range after.leaves {
		if _, ok := before.leaves[leaf]; !ok {
			events = append(events, Event{Container: key.container, Path: []string{key.key, leaf}, Action: ActionAdd, NewValue: current})
		}
	}
	return events
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return strings.Join(events[i].Path, "\x00") < strings.Join(events[j].Path, "\x00")
	})
}

type observer struct {
	id uint64
	fn func(events []Event, txn *Transaction)
}

type updateListener struct {
	id uint64
	fn func(update []byte, origin any)
}

type txnListener struct {
	id uint64
	fn func(txn *Transaction)
}

// ObserveDeep registers fn for visible changes anywhere inside the named
// container. The returned function unregisters it.
func (d *Doc) ObserveDeep(name string, fn func(events []Event, txn *Transaction)) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.nextID++
	id := d.nextID
	d.observers[name] = append(d.observers[name], observer{id: id, fn: fn})
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		list := d.observers[name]
		for i, o := range list {
			if o.id == id {
				d.observers[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnUpdate registers fn for every committed transaction, local or merged.
// Transports filter on origin to avoid echoing updates back to their source.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.nextID++
	id := d.nextID
	d.updates = append(d.updates, updateListener{id: id, fn: fn})
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		for i, l := range d.updates {
			if l.id == id {
				d.updates = append(d.updates[:i:i], d.updates[i+1:]...)
				return
			}
		}
	}
}

// OnAfterTransaction registers fn for every committed transaction.
func (d *Doc) OnAfterTransaction(fn func(txn *Transaction)) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.nextID++
	id := d.nextID
	d.afterTxn = append(d.afterTxn, txnListener{id: id, fn: fn})
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		for i, l := range d.afterTxn {
			if l.id == id {
				d.afterTxn = append(d.afterTxn[:i:i], d.afterTxn[i+1:]...)
				return
			}
		}
	}
}

func (d *Doc) dispatch(txn *Transaction) {
	d.lmu.Lock()
	observers := make(map[string][]observer, len(txn.events))
	for name := range txn.events {
		observers[name] = append([]observer(nil), d.observers[name]...)
	}
	after := append([]txnListener(nil), d.afterTxn...)
	updates := append([]updateListener(nil), d.updates...)
	d.lmu.Unlock()

	for _, name := range txn.Containers() {
		for _, o := range observers[name] {
			o.fn(txn.events[name], txn)
		}
	}
	for _, l := range after {
		l.fn(txn)
	}
	for _, l := range updates {
		l.fn(txn.Update, txn.Origin)
	}
}
