package realtime

import "encoding/json"

// Entity is one cached record, keyed by camelCase field name.
type Entity map[string]any

// Collection maps entity id to record. Collections are mutated exclusively
// through the Apply functions below; transport code never writes to one
// directly.
type Collection map[string]Entity

// Counts holds scope-level aggregate counters, kept separate from per-entity
// records.
type Counts map[string]float64

// ID returns the entity's id field, or "" when absent.
func (e Entity) ID() string {
	id, _ := e["id"].(string)
	return id
}

// Clone returns a shallow copy of the entity.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the collection sharing entity values.
func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the counts record.
func (c Counts) Clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// progressFields are the only entity fields a progress event may touch:
// progress counters and current-item labels. Static metadata is off limits,
// so a progress patch can never clobber fields it does not own.
var progressFields = map[string]bool{
	"progress":       true,
	"completedItems": true,
	"totalItems":     true,
	"currentItem":    true,
	"currentStep":    true,
	"updatedAt":      true,
}

// ApplySnapshot replaces the collection wholesale with the items carried by
// a snapshot event. Entries absent from the snapshot are discarded: the
// server's full state is authoritative. Items without an id are skipped.
func ApplySnapshot(_ Collection, ev StreamEvent) Collection {
	items, _ := ev.Payload["items"].([]any)
	next := make(Collection, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := Entity(fields).Clone()
		id := e.ID()
		if id == "" {
			continue
		}
		next[id] = e
	}
	return next
}

// ApplyUpsert inserts or shallow-merges one entity. Fields present in the
// event replace the cached values; fields absent from the event are
// preserved, never nulled. Replaying the same event is a no-op on the
// result. Events without an id leave the collection unchanged.
func ApplyUpsert(c Collection, ev StreamEvent) Collection {
	patch := Entity(ev.Payload)
	id := patch.ID()
	if id == "" {
		return c
	}

	merged := c[id].Clone()
	for k, v := range patch {
		merged[k] = v
	}

	next := c.Clone()
	next[id] = merged
	return next
}

// ApplyProgress shallow-merges a progress patch into an existing entity,
// restricted to the progress field whitelist. A progress event for an
// unknown id is a no-op: progress never creates entities.
func ApplyProgress(c Collection, ev StreamEvent) Collection {
	patch := Entity(ev.Payload)
	id := patch.ID()
	cur, ok := c[id]
	if id == "" || !ok {
		return c
	}

	merged := cur.Clone()
	for k, v := range patch {
		if progressFields[k] {
			merged[k] = v
		}
	}

	next := c.Clone()
	next[id] = merged
	return next
}

// ApplyCounts merges numeric fields of a counts.update event into the
// aggregate counts record. Non-numeric payload fields (timestamps, ids) are
// ignored; per-entity records are never touched.
func ApplyCounts(c Counts, ev StreamEvent) Counts {
	next := c.Clone()
	for k, v := range ev.Payload {
		if f, ok := asFloat(v); ok {
			next[k] = f
		}
	}
	return next
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
