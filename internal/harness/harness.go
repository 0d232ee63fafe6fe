package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/tillsync/internal/connectivity"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/merge"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/records"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// errRemoteDown is the failure scripted by remote_down.
var errRemoteDown = errors.New("remote unavailable")

// Harness is the test execution engine.
// It runs one scenario against a private stack with a deterministic clock
// and id generators.
type Harness struct {
	store   *store.Store
	queue   *queue.Queue
	records *records.Store
	engine  *engine.Engine
	merger  *merge.Merger
	remote  *remote.Memory
	online  *connectivity.Switch
	clock   *testutil.SteppingClock
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and wire the stack
// 2. Seed the remote
// 3. Execute steps, recording one trace event each
// 4. Evaluate assertions and capture the final state
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, scenario)
	ctx := context.Background()

	for name, rows := range scenario.Remote {
		h.remote.Seed(name, toFields(rows)...)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Records: h.records,
		Queue:   h.queue,
		Remote:  h.remote,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	if result.State, err = h.finalState(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) *Harness {
	h := &Harness{
		store:  st,
		remote: remote.NewMemory(),
		online: connectivity.NewSwitch(scenario.Online),
		clock:  testutil.NewSteppingClock(testutil.Epoch, time.Second),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	h.queue = queue.New(st,
		queue.WithClock(h.clock),
		queue.WithUIDs(testutil.NewSequenceGenerator("uid")),
		queue.WithLogger(h.logger),
	)

	engineOpts := []engine.EngineOption{
		engine.WithCycleIDs(testutil.NewSequenceGenerator("cycle")),
		engine.WithFollowUpDelay(0),
		engine.WithLogger(h.logger),
	}
	if scenario.MaxRetries > 0 {
		engineOpts = append(engineOpts, engine.WithMaxRetries(scenario.MaxRetries))
	}
	if scenario.BatchSize > 0 {
		engineOpts = append(engineOpts, engine.WithBatchSize(scenario.BatchSize))
	}
	h.engine = engine.New(h.queue, h.remote, h.online, engineOpts...)

	h.records = records.New(st, h.queue,
		records.WithClock(h.clock),
		records.WithRemote(h.remote, h.online),
		records.WithLogger(h.logger),
	)
	h.merger = merge.New(st, merge.WithClock(h.clock), merge.WithLogger(h.logger))
	return h
}

// execute runs one step. Expected failures (a mutation rejected by the
// record store, a failed pull) are recorded in the trace; only harness
// and store faults are returned.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	ev := TraceEvent{Op: step.Op, Collection: step.Collection, ID: step.ID, Outcome: OutcomeOK}
	c := schema.Collection(step.Collection)

	switch step.Op {
	case OpCreate:
		rec, err := h.records.Create(ctx, c, record.Fields(step.Fields))
		if err == nil {
			ev.ID = rec.ID
			ev.Result = map[string]any{"naturalKey": rec.NaturalKey().String()}
		}
		h.settle(index, step, &ev, err, result)

	case OpUpdate:
		rec, err := h.records.Update(ctx, c, step.ID, record.Fields(step.Fields))
		if err == nil {
			ev.Result = map[string]any{"naturalKey": rec.NaturalKey().String()}
		}
		h.settle(index, step, &ev, err, result)

	case OpDelete:
		h.settle(index, step, &ev, h.records.Delete(ctx, c, step.ID), result)

	case OpGoOnline:
		h.online.Set(true)

	case OpGoOffline:
		h.online.Set(false)

	case OpDrain:
		res, err := h.engine.Drain(ctx)
		if err != nil {
			return err
		}
		ev.Result = drainSummary(res)

	case OpFlush:
		results, err := h.engine.Flush(ctx)
		if err != nil {
			return err
		}
		ev.Result = flushSummary(results)

	case OpCompact:
		removed, err := h.queue.Compact(ctx)
		if err != nil {
			return err
		}
		ev.Result = map[string]any{"removed": removed}

	case OpPull:
		report, err := h.merger.Pull(ctx, h.remote, h.online)
		if err != nil {
			ev.Outcome = "error"
			ev.Result = map[string]any{"error": err.Error()}
			break
		}
		ev.Result = pullSummary(report)

	case OpFailKey:
		h.remote.FailKey(step.Key, step.Times)

	case OpFailNext:
		h.remote.FailNext(step.Times)

	case OpRemoteDown:
		h.remote.SetFailing(errRemoteDown)

	case OpRemoteUp:
		h.remote.SetFailing(nil)

	case OpSeedRemote:
		h.remote.Seed(step.Collection, toFields(step.Rows)...)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	result.addTrace(ev)
	return nil
}

// settle records the outcome of a mutation and checks it against
// expect_error.
func (h *Harness) settle(index int, step Step, ev *TraceEvent, err error, result *Result) {
	code := ""
	if err != nil {
		code = "ERROR"
		var re *records.Error
		if errors.As(err, &re) {
			code = string(re.Code)
		}
		ev.Outcome = code
		ev.Result = nil
	}

	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Op, err))
	case step.ExpectError != "" && err == nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got success", index, step.Op, step.ExpectError))
	case step.ExpectError != "" && step.ExpectError != code:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got %s: %v", index, step.Op, step.ExpectError, code, err))
	}
}

func (h *Harness) finalState(ctx context.Context) (FinalState, error) {
	entries, err := h.queue.List(ctx)
	if err != nil {
		return FinalState{}, fmt.Errorf("list queue: %w", err)
	}

	state := FinalState{
		Queue: make([]QueueState, 0, len(entries)),
		Calls: h.remote.Calls(),
	}
	for _, e := range entries {
		state.Queue = append(state.Queue, QueueState{
			UID:        e.UID,
			Collection: string(e.Collection),
			NaturalKey: e.NaturalKey,
			Operation:  e.Operation,
			RetryCount: e.RetryCount,
			LastError:  e.LastError,
		})
	}
	if state.Calls == nil {
		state.Calls = []remote.Call{}
	}
	return state, nil
}

func drainSummary(res engine.DrainResult) map[string]any {
	out := map[string]any{
		"compacted": res.Compacted,
		"attempted": res.Attempted,
		"delivered": res.Delivered,
		"failed":    res.Failed,
		"dropped":   res.Dropped,
		"remaining": res.Remaining,
	}
	if res.Offline {
		out["offline"] = true
	}
	if res.Skipped {
		out["skipped"] = true
	}
	return out
}

func flushSummary(results []engine.DrainResult) map[string]any {
	var total engine.DrainResult
	for _, r := range results {
		total.Compacted += r.Compacted
		total.Attempted += r.Attempted
		total.Delivered += r.Delivered
		total.Failed += r.Failed
		total.Dropped += r.Dropped
		total.Offline = r.Offline
		total.Remaining = r.Remaining
	}
	out := drainSummary(total)
	out["cycles"] = len(results)
	return out
}

func pullSummary(r merge.Report) map[string]any {
	if r.Offline {
		return map[string]any{"offline": true}
	}
	t := r.Totals()
	out := map[string]any{
		"inserted": t.Inserted,
		"updated":  t.Updated,
		"skipped":  t.Skipped,
	}
	if len(r.Unknown) > 0 {
		unknown := make([]any, len(r.Unknown))
		for i, u := range r.Unknown {
			unknown[i] = u
		}
		out["unknown"] = unknown
	}
	return out
}

func toFields(rows []map[string]any) []record.Fields {
	out := make([]record.Fields, 0, len(rows))
	for _, row := range rows {
		if n, ok := record.Normalize(row); ok {
			out = append(out, record.Fields(n.(map[string]any)))
		}
	}
	return out
}
