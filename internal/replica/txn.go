package replica

import (
	"errors"
	"sort"
)

// ErrNotNested is returned when a leaf write targets a key that does not hold
// a nested map.
var ErrNotNested = errors.New("key does not hold a nested map")

// Transaction describes a committed change. It is handed to observers and
// after-transaction listeners.
type Transaction struct {
	Origin any
	// Local is true for Transact and false for merged updates.
	Local bool
	// Update is the encoded form of the ops that took effect.
	Update []byte

	events  map[string][]Event
	changes []change
}

// Containers lists the containers whose visible content changed.
func (t *Transaction) Containers() []string {
	names := make([]string, 0, len(t.events))
	for name := range t.events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Events returns the visible changes made to one container.
func (t *Transaction) Events(container string) []Event {
	return t.events[container]
}

// change records one register's state before the transaction touched it and
// the stamp it carried afterwards.
type change struct {
	path         regPath
	before       *register
	visible      bool
	beforeLeaves map[string]any
	after        Stamp
}

// Txn is the write handle passed to Transact.
type Txn struct {
	doc        *Doc
	origin     any
	local      bool
	startClock uint64
	ops        []op

	order   []regPath
	changed map[regPath]*change
	views   map[entryKey]entryView
	entries []entryKey
}

func newTxn(d *Doc, origin any, local bool) *Txn {
	return &Txn{
		doc:        d,
		origin:     origin,
		local:      local,
		startClock: d.clock,
		changed:    make(map[regPath]*change),
		views:      make(map[entryKey]entryView),
	}
}

// Origin returns the tag the transaction was started with.
func (tx *Txn) Origin() any {
	return tx.origin
}

// Map returns a read/write handle on the named container.
func (tx *Txn) Map(name string) *MapTx {
	c := tx.doc.containerLocked(name, true)
	return &MapTx{MapView: MapView{c: c}, tx: tx, name: name}
}

// List returns a read/write handle on the named container's list register.
func (tx *Txn) List(name string) *ListTx {
	c := tx.doc.containerLocked(name, true)
	return &ListTx{ListView: ListView{c: c}, tx: tx, name: name}
}

// remember snapshots a register and its entry before the first write.
func (tx *Txn) remember(c *container, p regPath) {
	if _, ok := tx.changed[p]; !ok {
		ch := &change{path: p}
		if reg := c.lookup(p); reg != nil {
			copied := *reg
			ch.before = &copied
			switch p.depth {
			case 0:
				ch.visible = reg.kind == kindValue
			case 1:
				ch.visible = reg.live()
				if reg.kind == kindMap {
					ch.beforeLeaves = c.leafValues(p.key)
				}
			default:
				_, ch.visible = c.visibleLeaf(p.key, p.leaf)
			}
		}
		tx.changed[p] = ch
		tx.order = append(tx.order, p)
	}
	key := p.entry()
	if _, ok := tx.views[key]; !ok {
		tx.views[key] = viewOf(c, key)
		tx.entries = append(tx.entries, key)
	}
}

func (tx *Txn) write(name string, p regPath, kind regKind, value any) {
	c := tx.doc.containerLocked(name, true)
	p.container = name
	tx.remember(c, p)
	stamp := tx.doc.nextStamp()
	c.store(p, &register{stamp: stamp, kind: kind, value: value})
	tx.ops = append(tx.ops, op{
		Container: name,
		Path:      p.segments(),
		Kind:      opKindFor(kind),
		Value:     value,
		Stamp:     stamp,
	})
}

func (tx *Txn) rollback() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		p := tx.order[i]
		c := tx.doc.containerLocked(p.container, true)
		c.store(p, tx.changed[p].before)
	}
	tx.doc.clock = tx.startClock
	tx.ops = nil
}

func (tx *Txn) finish(data []byte) *Transaction {
	result := &Transaction{
		Origin: tx.origin,
		Local:  tx.local,
		Update: data,
		events: make(map[string][]Event),
	}
	for _, p := range tx.order {
		ch := tx.changed[p]
		c := tx.doc.containerLocked(p.container, true)
		if reg := c.lookup(p); reg != nil {
			ch.after = reg.stamp
		}
		result.changes = append(result.changes, *ch)
	}
	for _, key := range tx.entries {
		c := tx.doc.containerLocked(key.container, true)
		events := diffViews(key, tx.views[key], viewOf(c, key))
		if len(events) > 0 {
			result.events[key.container] = append(result.events[key.container], events...)
		}
	}
	for name := range result.events {
		sortEvents(result.events[name])
	}
	return result
}

// MapTx reads and writes one container inside a transaction.
type MapTx struct {
	MapView
	tx   *Txn
	name string
}

// Set stores an atomic value at key, replacing whatever the key held.
func (m *MapTx) Set(key string, value any) {
	m.tx.write(m.name, regPath{key: key, depth: 1}, kindValue, normalizeValue(value))
}

// SetNested starts a fresh nested map at key. Leaves written before this call
// are no longer visible.
func (m *MapTx) SetNested(key string) {
	m.tx.write(m.name, regPath{key: key, depth: 1}, kindMap, nil)
}

// Delete tombstones key. Deleting a missing key is a no-op.
func (m *MapTx) Delete(key string) {
	if !m.c.entries[key].live() {
		return
	}
	m.tx.write(m.name, regPath{key: key, depth: 1}, kindDeleted, nil)
}

// SetLeaf stores value under leaf in the nested map at key.
func (m *MapTx) SetLeaf(key, leaf string, value any) error {
	if !m.IsNested(key) {
		return ErrNotNested
	}
	m.tx.write(m.name, regPath{key: key, leaf: leaf, depth: 2}, kindValue, normalizeValue(value))
	return nil
}

// DeleteLeaf removes leaf from the nested map at key.
func (m *MapTx) DeleteLeaf(key, leaf string) {
	if _, ok := m.Leaf(key, leaf); !ok {
		return
	}
	m.tx.write(m.name, regPath{key: key, leaf: leaf, depth: 2}, kindDeleted, nil)
}

// ListTx reads and replaces a container's list register.
type ListTx struct {
	ListView
	tx   *Txn
	name string
}

// Replace stores items as the new list value.
func (l *ListTx) Replace(items []any) {
	value, _ := normalizeValue(cloneItems(items)).([]any)
	if value == nil {
		value = []any{}
	}
	l.tx.write(l.name, regPath{depth: 0}, kindValue, value)
}
