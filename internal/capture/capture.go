// Package capture writes extracted entity values into the record's staging
// area. It runs before arbitration, never promotes or verifies, and ignores
// the current stage.
package capture

import (
	"sort"

	"venueline/internal/domain"
	"venueline/internal/gates"
)

// DocExtraEntities is the sub-document holding entities that map to no gate.
const DocExtraEntities = "extra_entities"

// Result lists what a capture pass touched.
type Result struct {
	// Referenced holds every gate an entity mapped to, changed or not.
	Referenced []string
	// Changed holds gates whose captured value was written.
	Changed []string
	// Extra holds entity keys kept outside the gate table.
	Extra []string
}

// Any reports whether anything was persisted.
func (r Result) Any() bool {
	return len(r.Changed) > 0 || len(r.Extra) > 0
}

// Capture stores every entity that maps to a gate as its captured value.
// Values equal to the stored capture are left untouched.
func Capture(rec *domain.Record, reg *gates.Registry, entities map[string]string, source, now string) Result {
	var res Result
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := entities[key]
		if value == "" {
			continue
		}
		g, ok := reg.ForEntity(key)
		if !ok {
			if keepExtra(rec, key, value) {
				res.Extra = append(res.Extra, key)
			}
			continue
		}
		res.Referenced = appendUnique(res.Referenced, g.ID)
		st := rec.Gate(g.ID)
		if st.Captured == value {
			continue
		}
		st.Captured = value
		st.CapturedAt = now
		st.Source = source
		rec.SetGate(g.ID, st)
		res.Changed = appendUnique(res.Changed, g.ID)
	}
	return res
}

func keepExtra(rec *domain.Record, key, value string) bool {
	if rec.Docs == nil {
		rec.Docs = map[string]any{}
	}
	extra, _ := rec.Docs[DocExtraEntities].(map[string]any)
	if extra == nil {
		extra = map[string]any{}
	}
	if prev, ok := extra[key].(string); ok && prev == value {
		return false
	}
	extra[key] = value
	rec.Docs[DocExtraEntities] = extra
	rec.MarkDirty()
	return true
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
