package engine

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/centraal-api/clientflow/pkg/schema"
)

// DetectChanges performs the structured diff between the current record
// (nil when the entity is new) and the updated record, producing one audit
// entry per changed leaf field.
//
// Output order follows the declared field order of the record and, within
// a subschema, its declared leaf order. Subschema leaves are tagged with
// the subschema name; composite-ID references at the record root are
// tagged "root". When no field differs, the single No-Changes sentinel is
// returned.
func DetectChanges(ut *schema.UnifiedType, current, updated any, id schema.ID) []schema.AuditoriaEntry {
	var changes []schema.AuditoriaEntry

	for _, f := range ut.Fields() {
		newVal, set := ut.FieldValue(updated, f)
		if !set {
			continue
		}
		oldVal, oldSet := any(nil), false
		if current != nil {
			oldVal, oldSet = ut.FieldValue(current, f)
		}

		if f.Subschema {
			for _, leaf := range f.Leaves {
				nv := ut.LeafValue(newVal, leaf)
				if !oldSet {
					if isEmptyValue(nv) {
						continue
					}
					changes = append(changes, schema.NewAuditoriaEntry(id, f.Name, leaf.Name, nil, nv))
					continue
				}
				ov := ut.LeafValue(oldVal, leaf)
				if !semanticEqual(ov, nv) {
					changes = append(changes, schema.NewAuditoriaEntry(id, f.Name, leaf.Name, ov, nv))
				}
			}
			continue
		}

		// Composite-ID reference at the root, compared by rendered string.
		if !oldSet {
			if isEmptyValue(newVal) {
				continue
			}
			changes = append(changes, schema.NewAuditoriaEntry(id, schema.SubesquemaRoot, f.Name, nil, newVal))
			continue
		}
		if !semanticEqual(oldVal, newVal) {
			changes = append(changes, schema.NewAuditoriaEntry(id, schema.SubesquemaRoot, f.Name, oldVal, newVal))
		}
	}

	if len(changes) == 0 {
		return []schema.AuditoriaEntry{schema.NoChangesEntry(id)}
	}
	return changes
}

// semanticEqual compares decoded values through their canonical JSON form:
// composite IDs by rendered string, times in RFC 3339, map keys sorted.
func semanticEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}

// isEmptyValue reports values that are absent for diff purposes: nil
// pointers, zero scalars and unset composite IDs. Used only on the
// creation path, where there is no prior value to compare against.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if id, ok := v.(schema.ID); ok {
		return id.Render() == ""
	}
	rv := reflect.ValueOf(v)
	return rv.IsZero()
}
