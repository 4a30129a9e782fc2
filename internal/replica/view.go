package replica

// View is a consistent read-only snapshot handle passed to Doc.View.
type View struct {
	doc *Doc
}

// Map returns the read view of a container; missing containers read as empty.
func (v *View) Map(name string) MapView {
	return MapView{c: v.doc.containers[name]}
}

// List returns the read view of a container's list register.
func (v *View) List(name string) ListView {
	return ListView{c: v.doc.containers[name]}
}

// MapView reads a container without taking locks. The zero value is an empty
// map.
type MapView struct {
	c *container
}

// Has reports whether key is visible.
func (m MapView) Has(key string) bool {
	return m.c != nil && m.c.entries[key].live()
}

// IsNested reports whether key holds a nested map.
func (m MapView) IsNested(key string) bool {
	if m.c == nil {
		return false
	}
	reg := m.c.entries[key]
	return reg != nil && reg.kind == kindMap
}

// Get returns the atomic value stored at key. Nested maps are read with
// Leaves.
func (m MapView) Get(key string) (any, bool) {
	if m.c == nil {
		return nil, false
	}
	reg := m.c.entries[key]
	if reg == nil || reg.kind != kindValue {
		return nil, false
	}
	return cloneValue(reg.value), true
}

// Keys returns the visible keys in sorted order.
func (m MapView) Keys() []string {
	if m.c == nil {
		return []string{}
	}
	return m.c.keys()
}

// Len returns the number of visible keys.
func (m MapView) Len() int {
	return len(m.Keys())
}

// Leaf returns one leaf of the nested map at key.
func (m MapView) Leaf(key, leaf string) (any, bool) {
	if m.c == nil {
		return nil, false
	}
	reg, ok := m.c.visibleLeaf(key, leaf)
	if !ok {
		return nil, false
	}
	return cloneValue(reg.value), true
}

// Leaves returns the visible leaves of the nested map at key.
func (m MapView) Leaves(key string) (map[string]any, bool) {
	if !m.IsNested(key) {
		return nil, false
	}
	return m.c.leafValues(key), true
}

// Entries returns every visible key. Nested maps appear as map[string]any.
func (m MapView) Entries() map[string]any {
	out := make(map[string]any)
	if m.c == nil {
		return out
	}
	for _, key := range m.c.keys() {
		reg := m.c.entries[key]
		if reg.kind == kindMap {
			out[key] = m.c.leafValues(key)
			continue
		}
		out[key] = cloneValue(reg.value)
	}
	return out
}

// ListView reads a container's list register without taking locks.
type ListView struct {
	c *container
}

// Items returns a copy of the list.
func (l ListView) Items() []any {
	if l.c == nil {
		return []any{}
	}
	return l.c.items()
}

// Len returns the number of items.
func (l ListView) Len() int {
	return len(l.Items())
}

// Map is a locking read view over one container.
type Map struct {
	doc  *Doc
	name string
}

func (m *Map) view() MapView {
	return MapView{c: m.doc.containers[m.name]}
}

func (m *Map) Has(key string) bool {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().Has(key)
}

func (m *Map) IsNested(key string) bool {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().IsNested(key)
}

func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().Get(key)
}

func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().Keys()
}

func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().Len()
}

func (m *Map) Leaf(key, leaf string) (any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().Leaf(key, leaf)
}

func (m *Map) Leaves(key string) (map[string]any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().Leaves(key)
}

func (m *Map) Entries() map[string]any {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.view().Entries()
}

// List is a locking read view over one container's list register.
type List struct {
	doc  *Doc
	name string
}

func (l *List) Items() []any {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	return ListView{c: l.doc.containers[l.name]}.Items()
}

func (l *List) Len() int {
	return len(l.Items())
}
