package schema

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText trims and NFC-normalizes a business identifier.
// Identifiers keep their case: "INV-1" and "inv-1" are different invoices.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeEmail case-folds an email address so lookups are case-insensitive.
// A new Caser is built per call; Casers are stateful and must not be shared.
func NormalizeEmail(s string) string {
	return cases.Fold().String(NormalizeText(s))
}

// NormalizeName collapses runs of whitespace and case-folds a display name.
func NormalizeName(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(norm.NFC.String(s)), " "))
}

// NormalizePhone keeps the digits of a phone number plus a leading '+'.
// NFKC folds full-width digits to ASCII first.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// NormalizerFor returns the normalizer applied to a field when it takes part
// in a natural key or a uniqueness candidate.
func NormalizerFor(field string) func(string) string {
	switch field {
	case FieldEmail:
		return NormalizeEmail
	case FieldPhone:
		return NormalizePhone
	case FieldName:
		return NormalizeName
	default:
		return NormalizeText
	}
}

// ValueString renders a scalar field value as a string. Non-scalar values
// (maps, slices, nil) have no string form and return "".
func ValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// NormalizedValue is ValueString followed by the field's normalizer.
func NormalizedValue(field string, v any) string {
	return NormalizerFor(field)(ValueString(v))
}
