package harness

import (
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/remote"
)

// Outcome of a step that succeeded.
const OutcomeOK = "ok"

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq        int64          `json:"seq"`
	Op         string         `json:"op"`
	Collection string         `json:"collection,omitempty"`
	ID         int64          `json:"id,omitempty"`
	Outcome    string         `json:"outcome"` // OutcomeOK or an error code
	Result     map[string]any `json:"result,omitempty"`
}

// QueueState is a queue entry as it appears in the final state. Payloads
// and timestamps are left out so traces stay readable.
type QueueState struct {
	UID        string           `json:"uid"`
	Collection string           `json:"collection"`
	NaturalKey string           `json:"naturalKey"`
	Operation  record.Operation `json:"operation"`
	RetryCount int              `json:"retryCount"`
	LastError  string           `json:"lastError,omitempty"`
}

// FinalState is what the scenario left behind.
type FinalState struct {
	Queue []QueueState  `json:"queue"`
	Calls []remote.Call `json:"calls"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	State FinalState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
