package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/records"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
)

// AssertionContext gives assertions access to the live stack.
type AssertionContext struct {
	Ctx     context.Context
	Records *records.Store
	Queue   *queue.Queue
	Remote  *remote.Memory
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertQueueCount:
		return assertQueueCount(actx, a)
	case AssertQueueEntry:
		return assertQueueEntry(actx, a)
	case AssertQueueAbsent:
		return assertQueueAbsent(actx, a)
	case AssertRecord:
		return assertRecord(actx, a)
	case AssertRecordAbsent:
		return assertRecordAbsent(actx, a)
	case AssertRecordCount:
		return assertRecordCount(actx, a)
	case AssertRemoteCalls:
		return assertRemoteCalls(actx, a)
	case AssertRemoteRow:
		return assertRemoteRow(actx, a, true)
	case AssertRemoteAbsent:
		return assertRemoteRow(actx, a, false)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertQueueCount(actx *AssertionContext, a Assertion) error {
	n, err := actx.Queue.Len(actx.Ctx)
	if err != nil {
		return err
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d queued entries", *a.Count),
			Actual:   fmt.Sprintf("%d queued entries", n),
		}
	}
	return nil
}

func findEntry(actx *AssertionContext, collection, naturalKey string) (record.Entry, bool, error) {
	entries, err := actx.Queue.List(actx.Ctx)
	if err != nil {
		return record.Entry{}, false, err
	}
	for _, e := range entries {
		if string(e.Collection) == collection && e.NaturalKey == naturalKey {
			return e, true, nil
		}
	}
	return record.Entry{}, false, nil
}

func assertQueueEntry(actx *AssertionContext, a Assertion) error {
	e, ok, err := findEntry(actx, a.Collection, a.NaturalKey)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("entry for %s %s", a.Collection, a.NaturalKey),
			Actual:   "not queued",
		}
	}
	if a.Operation != "" && string(e.Operation) != a.Operation {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("operation %s", a.Operation),
			Actual:   fmt.Sprintf("operation %s", e.Operation),
		}
	}
	if a.RetryCount != nil && e.RetryCount != *a.RetryCount {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("retry count %d", *a.RetryCount),
			Actual:   fmt.Sprintf("retry count %d", e.RetryCount),
		}
	}
	if a.Fields != nil {
		if diff := subsetDiff(a.Fields, e.Data.Fields); diff != "" {
			return &AssertionError{Type: a.Type, Expected: "queued payload " + formatFields(a.Fields), Actual: diff}
		}
	}
	return nil
}

func assertQueueAbsent(actx *AssertionContext, a Assertion) error {
	e, ok, err := findEntry(actx, a.Collection, a.NaturalKey)
	if err != nil {
		return err
	}
	if ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("no entry for %s %s", a.Collection, a.NaturalKey),
			Actual:   fmt.Sprintf("%s entry %s queued", e.Operation, e.UID),
		}
	}
	return nil
}

func assertRecord(actx *AssertionContext, a Assertion) error {
	rec, err := actx.Records.Read(actx.Ctx, schema.Collection(a.Collection), a.ID)
	if records.IsNotFound(err) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s record %d", a.Collection, a.ID),
			Actual:   "not found",
		}
	}
	if err != nil {
		return err
	}
	if a.Synced != nil && rec.Synced != *a.Synced {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("synced=%t", *a.Synced),
			Actual:   fmt.Sprintf("synced=%t", rec.Synced),
		}
	}
	if a.Fields != nil {
		if diff := subsetDiff(a.Fields, rec.Fields); diff != "" {
			return &AssertionError{Type: a.Type, Expected: "fields " + formatFields(a.Fields), Actual: diff}
		}
	}
	return nil
}

func assertRecordAbsent(actx *AssertionContext, a Assertion) error {
	_, err := actx.Records.Read(actx.Ctx, schema.Collection(a.Collection), a.ID)
	if records.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("no %s record %d", a.Collection, a.ID),
		Actual:   "record exists",
	}
}

func assertRecordCount(actx *AssertionContext, a Assertion) error {
	rows, err := actx.Records.ReadAll(actx.Ctx, schema.Collection(a.Collection), store.Filter(a.Fields))
	if err != nil {
		return err
	}
	if len(rows) != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s records", *a.Count, a.Collection),
			Actual:   fmt.Sprintf("%d records", len(rows)),
		}
	}
	return nil
}

// assertRemoteCalls counts recorded calls matching every non-empty filter
// (method, collection, natural_key, operation).
func assertRemoteCalls(actx *AssertionContext, a Assertion) error {
	n := 0
	for _, c := range actx.Remote.Calls() {
		if a.Method != "" && c.Method != a.Method {
			continue
		}
		if a.Collection != "" && c.Collection != a.Collection {
			continue
		}
		if a.NaturalKey != "" && c.NaturalKey != a.NaturalKey {
			continue
		}
		if a.Operation != "" && string(c.Operation) != a.Operation {
			continue
		}
		n++
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d matching remote calls", *a.Count),
			Actual:   fmt.Sprintf("%d calls", n),
		}
	}
	return nil
}

func assertRemoteRow(actx *AssertionContext, a Assertion, present bool) error {
	found, ok := actx.Remote.Row(a.Collection, a.NaturalKey)

	switch {
	case !present && ok:
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("no remote %s row %s", a.Collection, a.NaturalKey),
			Actual:   "row exists: " + formatFields(found),
		}
	case present && !ok:
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("remote %s row %s", a.Collection, a.NaturalKey),
			Actual:   "not found",
		}
	case present && a.Fields != nil:
		if diff := subsetDiff(a.Fields, found); diff != "" {
			return &AssertionError{Type: a.Type, Expected: "fields " + formatFields(a.Fields), Actual: diff}
		}
	}
	return nil
}

// subsetDiff describes the first expected field whose actual value
// differs, or returns "" when all match.
func subsetDiff(expected map[string]any, actual record.Fields) string {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok {
			return fmt.Sprintf("field %q missing", k)
		}
		if !valuesEqual(want, got) {
			return fmt.Sprintf("field %q = %v, want %v", k, got, want)
		}
	}
	return ""
}

// valuesEqual compares values after normalization; numbers compare by
// value so YAML ints match stored int64 or float64.
func valuesEqual(expected, actual any) bool {
	e, ok1 := record.Normalize(expected)
	a, ok2 := record.Normalize(actual)
	if !ok1 || !ok2 {
		return false
	}

	ef, eNum := asFloat(e)
	af, aNum := asFloat(a)
	if eNum && aNum {
		return ef == af
	}

	switch ev := e.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok || len(av) != len(ev) {
			return false
		}
		for k, v := range ev {
			if !valuesEqual(v, av[k]) {
				return false
			}
		}
		return true
	case []any:
		av, ok := a.([]any)
		if !ok || len(av) != len(ev) {
			return false
		}
		for i := range ev {
			if !valuesEqual(ev[i], av[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(e, a)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func formatFields(f map[string]any) string {
	data, err := record.MarshalCanonical(f)
	if err != nil {
		return fmt.Sprintf("%v", f)
	}
	return string(data)
}
