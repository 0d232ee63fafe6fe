package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

// Filter is a set of field equality predicates, ANDed together.
type Filter map[string]any

// CompiledFilter is a parameterized WHERE fragment. Where is either empty or
// starts with " AND " so it can be appended to the collection predicate.
type CompiledFilter struct {
	Where string
	Args  []any
}

// FilterError reports a predicate that cannot be compiled.
type FilterError struct {
	Field  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %q: %s", e.Field, e.Reason)
}

// CompileFilter compiles f for collection c. Fields are emitted in sorted
// order so the same filter always yields the same SQL. Values are always
// parameterized, never interpolated.
//
// Only fields the schema marks as indexed are accepted; any other field is
// a *FilterError.
func CompileFilter(c schema.Collection, f Filter) (CompiledFilter, error) {
	if len(f) == 0 {
		return CompiledFilter{}, nil
	}

	fields := make([]string, 0, len(f))
	for k := range f {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var (
		parts []string
		args  []any
	)
	for _, field := range fields {
		if !schema.IsIndexed(c, field) {
			return CompiledFilter{}, &FilterError{Field: field, Reason: "not indexed"}
		}

		value, ok := record.Normalize(f[field])
		if !ok {
			return CompiledFilter{}, &FilterError{Field: field, Reason: "unsupported value"}
		}
		switch value.(type) {
		case map[string]any, []any:
			return CompiledFilter{}, &FilterError{Field: field, Reason: "only scalar values can be matched"}
		}

		column := columnFor(field)
		if value == nil {
			parts = append(parts, column+" IS NULL")
			continue
		}
		if _, isBool := value.(bool); field == record.KeySynced && !isBool {
			return CompiledFilter{}, &FilterError{Field: field, Reason: "synced takes a boolean"}
		}
		parts = append(parts, column+" = ?")
		args = append(args, value)
	}

	return CompiledFilter{Where: " AND " + strings.Join(parts, " AND "), Args: args}, nil
}

// columnFor maps a filter field onto SQL. Metadata fields are real columns;
// everything else lives inside the fields JSON.
func columnFor(field string) string {
	switch field {
	case record.KeyID:
		return "id"
	case record.KeySynced:
		return "synced"
	default:
		return fmt.Sprintf(`json_extract(fields, '$."%s"')`, field)
	}
}
