package scene

// Ancestors returns the ids above the entity, nearest parent first. The walk
// stops at the first missing parent or repeated id so a corrupted tree never
// loops.
func Ancestors(doc Document, entityID string) []string {
	entity, ok := doc.Entity(entityID)
	if !ok {
		return nil
	}
	var ancestors []string
	seen := map[string]struct{}{entityID: {}}
	for entity.ParentID != nil {
		parentID := *entity.ParentID
		if _, dup := seen[parentID]; dup {
			break
		}
		parent, ok := doc.Entity(parentID)
		if !ok {
			break
		}
		seen[parentID] = struct{}{}
		ancestors = append(ancestors, parentID)
		entity = parent
	}
	return ancestors
}

// Descendants returns every id below the entity in breadth-first order,
// following children edges. The entity itself is not included.
func Descendants(doc Document, entityID string) []string {
	entity, ok := doc.Entity(entityID)
	if !ok {
		return nil
	}
	var descendants []string
	seen := map[string]struct{}{entityID: {}}
	queue := append([]string(nil), entity.Children...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		child, ok := doc.Entity(id)
		if !ok {
			continue
		}
		descendants = append(descendants, id)
		queue = append(queue, child.Children...)
	}
	return descendants
}

// IsAncestor reports whether candidate sits above entityID in the tree.
func IsAncestor(doc Document, candidate, entityID string) bool {
	for _, id := range Ancestors(doc, entityID) {
		if id == candidate {
			return true
		}
	}
	return false
}
