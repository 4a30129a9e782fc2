package scene

// Clone returns a deep copy of the document so callers can mutate the result
// without affecting the source.
func (d Document) Clone() Document {
	cloned := d
	cloned.Entities = CloneEntities(d.Entities)
	cloned.Assets = CloneAssets(d.Assets)
	cloned.Wiring = CloneWiring(d.Wiring)
	cloned.Environment = d.Environment
	cloned.Metadata = CloneMetadata(d.Metadata)
	return cloned
}

// CloneEntities returns a deep copy of the provided entity map.
func CloneEntities(entities map[string]Entity) map[string]Entity {
	if entities == nil {
		return nil
	}
	cloned := make(map[string]Entity, len(entities))
	for id, entity := range entities {
		cloned[id] = CloneEntity(entity)
	}
	return cloned
}

// CloneEntity returns a deep copy of the provided entity.
func CloneEntity(entity Entity) Entity {
	cloned := entity
	if entity.ParentID != nil {
		parent := *entity.ParentID
		cloned.ParentID = &parent
	}
	cloned.Children = cloneStrings(entity.Children)
	cloned.Tags = cloneStrings(entity.Tags)
	if entity.Components != nil {
		cloned.Components = make([]Component, len(entity.Components))
		for i, component := range entity.Components {
			cloned.Components[i] = Component{
				Type:       component.Type,
				Properties: CloneValueMap(component.Properties),
			}
		}
	}
	return cloned
}

// CloneAssets returns a deep copy of the provided asset map.
func CloneAssets(assets map[string]Asset) map[string]Asset {
	if assets == nil {
		return nil
	}
	cloned := make(map[string]Asset, len(assets))
	for id, asset := range assets {
		copied := asset
		copied.Metadata = CloneValueMap(asset.Metadata)
		cloned[id] = copied
	}
	return cloned
}

// CloneWiring returns a deep copy of the provided wire list.
func CloneWiring(wiring []EventWire) []EventWire {
	if wiring == nil {
		return nil
	}
	cloned := make([]EventWire, len(wiring))
	for i, wire := range wiring {
		copied := wire
		copied.Params = CloneValueMap(wire.Params)
		cloned[i] = copied
	}
	return cloned
}

// CloneMetadata returns a deep copy of the provided metadata.
func CloneMetadata(meta Metadata) Metadata {
	cloned := meta
	cloned.Tags = cloneStrings(meta.Tags)
	return cloned
}

// CloneValueMap deep copies a JSON-shaped value map.
func CloneValueMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for k, v := range values {
		cloned[k] = CloneValue(v)
	}
	return cloned
}

// CloneValue deep copies nested maps and slices of a JSON-shaped value.
func CloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return CloneValueMap(v)
	case []any:
		cloned := make([]any, len(v))
		for i, item := range v {
			cloned[i] = CloneValue(item)
		}
		return cloned
	case []string:
		return cloneStrings(v)
	default:
		return v
	}
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	cloned := make([]string, len(values))
	copy(cloned, values)
	return cloned
}
