// Package record holds the shared data model of the local-first store:
// records, their field maps, and sync queue entries.
//
// # Field values
//
// Field maps only ever hold JSON-shaped values: string, bool, int64,
// float64, nil, []any and map[string]any. Normalize converts decoder output
// (json.Number, int, float32, typed slices) into that set so the CUE
// validator, the canonical encoder and equality checks in tests all see the
// same representation.
//
// # Canonical JSON
//
// MarshalCanonical writes RFC 8785 style JSON: object keys sorted by UTF-16
// code units, strings NFC-normalized, no HTML escaping, integral numbers
// printed without a fraction. The store persists field maps in this form so
// two equal records always produce identical bytes.
package record
