// Package replica is a state-based CRDT document made of named containers.
// A container holds last-writer-wins registers keyed by string; a key can
// hold an atomic value or a nested map of leaf registers, and a container can
// also hold a single atomic list register. Merging is idempotent and
// independent of delivery order.
package replica

import (
	"sort"
	"sync"
)

type regKind uint8

const (
	kindValue regKind = iota + 1
	kindMap
	kindDeleted
)

type register struct {
	stamp Stamp
	kind  regKind
	value any
}

func (r *register) live() bool {
	return r != nil && r.kind != kindDeleted
}

type container struct {
	entries map[string]*register
	leaves  map[string]map[string]*register
	list    *register
}

func newContainer() *container {
	return &container{
		entries: make(map[string]*register),
		leaves:  make(map[string]map[string]*register),
	}
}

// regPath addresses one register within a container.
type regPath struct {
	container string
	key       string
	leaf      string
	depth     int
}

func pathOf(o op) regPath {
	p := regPath{container: o.Container, depth: len(o.Path)}
	if len(o.Path) > 0 {
		p.key = o.Path[0]
	}
	if len(o.Path) > 1 {
		p.leaf = o.Path[1]
	}
	return p
}

func (p regPath) segments() []string {
	switch p.depth {
	case 1:
		return []string{p.key}
	case 2:
		return []string{p.key, p.leaf}
	default:
		return nil
	}
}

func (p regPath) entry() entryKey {
	return entryKey{container: p.container, key: p.key, list: p.depth == 0}
}

func (c *container) lookup(p regPath) *register {
	switch p.depth {
	case 0:
		return c.list
	case 1:
		return c.entries[p.key]
	default:
		return c.leaves[p.key][p.leaf]
	}
}

func (c *container) store(p regPath, reg *register) {
	switch p.depth {
	case 0:
		c.list = reg
	case 1:
		if reg == nil {
			delete(c.entries, p.key)
			return
		}
		c.entries[p.key] = reg
	default:
		leaves := c.leaves[p.key]
		if reg == nil {
			delete(leaves, p.leaf)
			return
		}
		if leaves == nil {
			leaves = make(map[string]*register)
			c.leaves[p.key] = leaves
		}
		leaves[p.leaf] = reg
	}
}

// visibleLeaf applies the incarnation rule: a leaf belongs to the nested map
// only if it was written after the map register it hangs from.
func (c *container) visibleLeaf(key, leaf string) (*register, bool) {
	parent := c.entries[key]
	if parent == nil || parent.kind != kindMap {
		return nil, false
	}
	reg := c.leaves[key][leaf]
	if reg == nil || reg.kind != kindValue || !parent.stamp.Less(reg.stamp) {
		return nil, false
	}
	return reg, true
}

func (c *container) leafValues(key string) map[string]any {
	parent := c.entries[key]
	if parent == nil || parent.kind != kindMap {
		return nil
	}
	out := make(map[string]any)
	for leaf := range c.leaves[key] {
		if reg, ok := c.visibleLeaf(key, leaf); ok {
			out[leaf] = cloneValue(reg.value)
		}
	}
	return out
}

func (c *container) keys() []string {
	keys := make([]string, 0, len(c.entries))
	for key, reg := range c.entries {
		if reg.live() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *container) items() []any {
	if c.list == nil || c.list.kind != kindValue {
		return []any{}
	}
	items, _ := c.list.value.([]any)
	if items == nil {
		return []any{}
	}
	return cloneItems(items)
}

// Doc is one replica. All methods are safe for concurrent use. Observers and
// update listeners run after the document lock is released, on the goroutine
// that committed the transaction.
type Doc struct {
	clientID string

	mu         sync.Mutex
	clock      uint64
	containers map[string]*container

	lmu       sync.Mutex
	nextID    uint64
	observers map[string][]observer
	updates   []updateListener
	afterTxn  []txnListener
}

// New returns an empty replica that stamps its writes with clientID.
func New(clientID string) *Doc {
	return &Doc{
		clientID:   clientID,
		containers: make(map[string]*container),
		observers:  make(map[string][]observer),
	}
}

// ClientID returns the identity used in this replica's stamps.
func (d *Doc) ClientID() string {
	return d.clientID
}

func (d *Doc) containerLocked(name string, create bool) *container {
	c := d.containers[name]
	if c == nil && create {
		c = newContainer()
		d.containers[name] = c
	}
	return c
}

func (d *Doc) nextStamp() Stamp {
	d.clock++
	return Stamp{Clock: d.clock, Client: d.clientID}
}

func (d *Doc) observeClock(s Stamp) {
	if s.Clock > d.clock {
		d.clock = s.Clock
	}
}

// Transact runs fn with exclusive access to the replica. Writes made through
// tx are committed as one update tagged with origin. If fn returns an error
// every write is rolled back and nothing is emitted. fn must not call back
// into d.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) error {
	result, err := d.runLocal(origin, fn)
	if err != nil {
		return err
	}
	if result != nil {
		d.dispatch(result)
	}
	return nil
}

func (d *Doc) runLocal(origin any, fn func(tx *Txn) error) (*Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := newTxn(d, origin, true)
	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, err
	}
	if len(tx.ops) == 0 {
		return nil, nil
	}
	data, err := encodeUpdate(tx.ops)
	if err != nil {
		tx.rollback()
		return nil, err
	}
	return tx.finish(data), nil
}

// ApplyUpdate merges an encoded update. Ops that lose against the register
// they target are dropped, so duplicated and reordered deliveries are safe.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	ops, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	result, err := d.merge(ops, origin)
	if err != nil {
		return err
	}
	if result != nil {
		d.dispatch(result)
	}
	return nil
}

func (d *Doc) merge(ops []op, origin any) (*Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := newTxn(d, origin, false)
	for _, o := range ops {
		d.observeClock(o.Stamp)
		p := pathOf(o)
		c := d.containerLocked(o.Container, true)
		current := c.lookup(p)
		if current != nil && !current.stamp.Less(o.Stamp) {
			continue
		}
		tx.remember(c, p)
		c.store(p, &register{stamp: o.Stamp, kind: kindFor(o.Kind), value: o.Value})
		tx.ops = append(tx.ops, o)
	}
	if len(tx.ops) == 0 {
		return nil, nil
	}
	data, err := encodeUpdate(tx.ops)
	if err != nil {
		tx.rollback()
		return nil, err
	}
	return tx.finish(data), nil
}

func kindFor(k OpKind) regKind {
	switch k {
	case OpSetMap:
		return kindMap
	case OpDelete:
		return kindDeleted
	default:
		return kindValue
	}
}

func opKindFor(k regKind) OpKind {
	switch k {
	case kindMap:
		return OpSetMap
	case kindDeleted:
		return OpDelete
	default:
		return OpSet
	}
}

// EncodeState encodes every register, tombstones included, as one update.
// Applying it to any replica brings that replica up to date with d.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.containers))
	for name := range d.containers {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []op
	for _, name := range names {
		c := d.containers[name]
		if c.list != nil {
			ops = append(ops, stateOp(name, nil, c.list))
		}
		keys := make([]string, 0, len(c.entries))
		for key := range c.entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			ops = append(ops, stateOp(name, []string{key}, c.entries[key]))
		}
		parents := make([]string, 0, len(c.leaves))
		for key := range c.leaves {
			parents = append(parents, key)
		}
		sort.Strings(parents)
		for _, key := range parents {
			leaves := make([]string, 0, len(c.leaves[key]))
			for leaf := range c.leaves[key] {
				leaves = append(leaves, leaf)
			}
			sort.Strings(leaves)
			for _, leaf := range leaves {
				ops = append(ops, stateOp(name, []string{key, leaf}, c.leaves[key][leaf]))
			}
		}
	}
	if ops == nil {
		ops = []op{}
	}
	return encodeUpdate(ops)
}

func stateOp(name string, path []string, reg *register) op {
	o := op{Container: name, Path: path, Kind: opKindFor(reg.kind), Stamp: reg.stamp}
	if reg.kind == kindValue {
		o.Value = reg.value
	}
	return o
}

// Empty reports whether the named container has no visible content.
func (d *Doc) Empty(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.containers[name]
	if c == nil {
		return true
	}
	return len(c.keys()) == 0 && len(c.items()) == 0
}

// View runs fn with a consistent read-only view of the replica.
func (d *Doc) View(fn func(v *View)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&View{doc: d})
}

// Map returns a read view of the named container. Each call on the returned
// value takes the document lock; use View for multi-container snapshots.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

// List returns a read view of the named container's list register.
func (d *Doc) List(name string) *List {
	return &List{doc: d, name: name}
}
