package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tillsync/internal/record"
)

// GoldenDir is where RunWithGolden keeps golden files, relative to the
// test's package directory.
const GoldenDir = "testdata/scenarios/golden"

// TraceSnapshot captures the trace and final state of a scenario run.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        FinalState
}

// toCanonicalMap converts a TraceSnapshot to the JSON value set accepted by
// record.MarshalCanonical.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":     ev.Seq,
			"op":      ev.Op,
			"outcome": ev.Outcome,
		}
		if ev.Collection != "" {
			m["collection"] = ev.Collection
		}
		if ev.ID != 0 {
			m["id"] = ev.ID
		}
		if ev.Result != nil {
			m["result"] = ev.Result
		}
		trace[i] = m
	}

	queue := make([]any, len(s.State.Queue))
	for i, e := range s.State.Queue {
		m := map[string]any{
			"uid":        e.UID,
			"collection": e.Collection,
			"naturalKey": e.NaturalKey,
			"operation":  string(e.Operation),
			"retryCount": e.RetryCount,
		}
		if e.LastError != "" {
			m["lastError"] = e.LastError
		}
		queue[i] = m
	}

	calls := make([]any, len(s.State.Calls))
	for i, c := range s.State.Calls {
		m := map[string]any{"method": c.Method}
		if c.Collection != "" {
			m["collection"] = c.Collection
		}
		if c.NaturalKey != "" {
			m["naturalKey"] = c.NaturalKey
		}
		if c.Operation != "" {
			m["operation"] = string(c.Operation)
		}
		if c.Err != "" {
			m["error"] = c.Err
		}
		calls[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"queue":         queue,
		"calls":         calls,
	}
}

// MarshalSnapshot renders the canonical JSON snapshot of a scenario run.
// This is the byte form stored in golden files.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
	}
	return record.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// GoldenDir/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check assertions as well.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
