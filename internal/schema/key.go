package schema

import (
	"strconv"
	"strings"
)

// FieldID is the pseudo-field used when a record has no business identifier.
const FieldID = "id"

// NaturalKey identifies the same logical record across the local store and
// the remote system.
type NaturalKey struct {
	Field string
	Value string
}

// String renders the key as "field:value"; this is the form stored in the
// sync queue.
func (k NaturalKey) String() string {
	return k.Field + ":" + k.Value
}

// IsEngineID reports whether the key fell back to the local engine id.
func (k NaturalKey) IsEngineID() bool {
	return k.Field == FieldID
}

// ParseNaturalKey is the inverse of NaturalKey.String.
func ParseNaturalKey(s string) (NaturalKey, bool) {
	field, value, ok := strings.Cut(s, ":")
	if !ok || field == "" {
		return NaturalKey{}, false
	}
	return NaturalKey{Field: field, Value: value}, true
}

// NaturalKeyOf derives the natural key of a record in collection c.
//
// The collection's KeyFields are tried in priority order; the first field
// holding a non-empty scalar wins. When none do, the engine id is used.
// Unknown collections always fall back to the engine id.
func NaturalKeyOf(c Collection, fields map[string]any, id int64) NaturalKey {
	if def, ok := definitions[c]; ok {
		for _, f := range def.KeyFields {
			if v := NormalizedValue(f, fields[f]); v != "" {
				return NaturalKey{Field: f, Value: v}
			}
		}
	}
	return NaturalKey{Field: FieldID, Value: strconv.FormatInt(id, 10)}
}

// Candidate is one uniqueness key derived from a record.
type Candidate struct {
	Rule  string
	Value string
}

// Candidates derives the uniqueness candidates of a record. Collections
// without uniqueness rules return nil.
func Candidates(c Collection, fields map[string]any) []Candidate {
	def, ok := definitions[c]
	if !ok || len(def.Unique) == 0 {
		return nil
	}

	var out []Candidate
	for _, rule := range def.Unique {
		parts := make([]string, 0, len(rule.Fields))
		for _, f := range rule.Fields {
			v := NormalizedValue(f, fields[f])
			if v == "" {
				parts = nil
				break
			}
			parts = append(parts, v)
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, Candidate{Rule: rule.Name, Value: strings.Join(parts, "|")})
	}
	return out
}
