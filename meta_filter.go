package collab

import (
	"golang.org/x/exp/maps"
)

// Fieldtypes may declare, inside a field's meta object, the sub-keys that are
// worth broadcasting. Large derived meta is otherwise redundant on the wire:
// e.g. a rich text field only ever updates its "existing" entry.
const CollaborationKeysKey = "__collaboration"

// MetaPayloadFilter trims outgoing meta payloads to each field's declared
// allow-list and reconstructs full objects on the receiving side by merging
// partials over the last remembered meta.
type MetaPayloadFilter struct{}

func NewMetaPayloadFilter() *MetaPayloadFilter {
	return &MetaPayloadFilter{}
}

// allow-list declared under CollaborationKeysKey, when the meta value is an
// object carrying one
func collaborationKeys(meta any) ([]string, bool) {
	metaMap, ok := meta.(map[string]any)
	if !ok {
		return nil, false
	}
	declared, ok := metaMap[CollaborationKeysKey]
	if !ok {
		return nil, false
	}
	var keys []string
	switch v := declared.(type) {
	case []string:
		keys = v
	case []any:
		for _, key := range v {
			keyStr, ok := key.(string)
			if !ok {
				return nil, false
			}
			keys = append(keys, keyStr)
		}
	default:
		return nil, false
	}
	return keys, true
}

func pickAllowed(meta any, keys []string) map[string]any {
	metaMap := meta.(map[string]any)
	allowed := map[string]any{}
	for _, key := range keys {
		if value, ok := metaMap[key]; ok {
			allowed[key] = value
		}
	}
	return allowed
}

// FilterOutgoing restricts a single field's meta mutation to its allow-list.
// Fields that declare no allow-list broadcast their meta whole.
func (self *MetaPayloadFilter) FilterOutgoing(mutation FieldMutation) FieldMutation {
	keys, ok := collaborationKeys(mutation.Value)
	if !ok {
		return mutation
	}
	mutation.Value = pickAllowed(mutation.Value, keys)
	return mutation
}

// FilterOutgoingAll applies the same rule to the entire document's meta.
// Used when a joining session needs everything in one payload.
func (self *MetaPayloadFilter) FilterOutgoingAll(meta map[string]any) map[string]any {
	filtered := map[string]any{}
	for handle, value := range meta {
		if keys, ok := collaborationKeys(value); ok {
			filtered[handle] = pickAllowed(value, keys)
		} else {
			filtered[handle] = value
		}
	}
	return filtered
}

// Restore layers a partial meta payload over the last remembered meta for
// the field, producing a best-effort full object.
func (self *MetaPayloadFilter) Restore(partial any, last map[string]any) any {
	partialMap, ok := partial.(map[string]any)
	if !ok {
		return partial
	}
	merged := maps.Clone(last)
	if merged == nil {
		merged = map[string]any{}
	}
	for key, value := range partialMap {
		merged[key] = value
	}
	return merged
}

// RestoreAll reconstructs the full meta set from a rendezvous payload,
// merging each field's partial over the locally remembered state.
func (self *MetaPayloadFilter) RestoreAll(payload map[string]any, last func(handle string) (map[string]any, bool)) map[string]any {
	restored := map[string]any{}
	for handle, partial := range payload {
		lastMeta, _ := last(handle)
		restored[handle] = self.Restore(partial, lastMeta)
	}
	return restored
}
