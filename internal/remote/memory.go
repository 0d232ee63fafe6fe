package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

// ErrInjected is the default failure returned by Memory when a failure has
// been scheduled without an explicit error.
var ErrInjected = errors.New("injected remote failure")

// Call is one recorded adapter invocation.
type Call struct {
	Method     string           `json:"method" yaml:"method"`
	Collection string           `json:"collection,omitempty" yaml:"collection,omitempty"`
	NaturalKey string           `json:"naturalKey,omitempty" yaml:"naturalKey,omitempty"`
	Operation  record.Operation `json:"operation,omitempty" yaml:"operation,omitempty"`
	UID        string           `json:"uid,omitempty" yaml:"uid,omitempty"`
	Err        string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// Memory is an in-process remote. Rows are stored per collection by natural
// key; every call is recorded; failures can be scheduled.
//
// Thread-safety: Memory is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	rows     map[string]map[string]record.Fields
	calls    []Call
	failAll  error
	failKeys map[string]int
	failNext int
	nextID   int
}

// NewMemory creates an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[string]map[string]record.Fields),
		failKeys: make(map[string]int),
	}
}

// Seed stores rows under collection, keyed by their natural key.
func (m *Memory) Seed(collection string, rows ...record.Fields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range rows {
		key := schema.NaturalKeyOf(schema.Collection(collection), row, int64(i+1)).String()
		m.put(collection, key, row.Clone())
	}
}

// SetFailing makes every call fail with err until called with nil.
func (m *Memory) SetFailing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// FailNext makes the next n SyncItem/DeleteRecord calls fail.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// FailKey makes deliveries for naturalKey fail times times. A negative
// count fails forever.
func (m *Memory) FailKey(naturalKey string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKeys[naturalKey] = times
}

// Calls returns a copy of the recorded calls.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Rows returns the stored rows of collection ordered by natural key.
func (m *Memory) Rows(collection string) []record.Fields {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRows(collection)
}

// Row returns the stored row of collection under naturalKey.
func (m *Memory) Row(collection, naturalKey string) (record.Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[collection][naturalKey]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// SyncItem implements Adapter.
func (m *Memory) SyncItem(_ context.Context, e record.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := Call{
		Method:     "syncItem",
		Collection: string(e.Collection),
		NaturalKey: e.NaturalKey,
		Operation:  e.Operation,
		UID:        e.UID,
	}
	if err := m.failure(e.NaturalKey); err != nil {
		call.Err = err.Error()
		m.calls = append(m.calls, call)
		return "", err
	}
	m.calls = append(m.calls, call)

	if e.Operation == record.OpDelete {
		delete(m.rows[string(e.Collection)], e.NaturalKey)
		return "", nil
	}

	row := record.Fields(e.Data.Payload()).Clone()
	delete(row, record.KeyID)
	delete(row, record.KeySynced)
	m.put(string(e.Collection), e.NaturalKey, row)

	m.nextID++
	return fmt.Sprintf("remote-%d", m.nextID), nil
}

// DeleteRecord implements Adapter. Deleting a missing row succeeds.
func (m *Memory) DeleteRecord(_ context.Context, c schema.Collection, key schema.NaturalKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := Call{Method: "deleteRecord", Collection: string(c), NaturalKey: key.String()}
	if err := m.failure(key.String()); err != nil {
		call.Err = err.Error()
		m.calls = append(m.calls, call)
		return err
	}
	m.calls = append(m.calls, call)
	delete(m.rows[string(c)], key.String())
	return nil
}

// DownloadAll implements Adapter.
func (m *Memory) DownloadAll(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := Call{Method: "downloadAll"}
	if m.failAll != nil {
		call.Err = m.failAll.Error()
		m.calls = append(m.calls, call)
		return nil, m.failAll
	}
	m.calls = append(m.calls, call)

	snap := make(Snapshot, len(m.rows))
	for collection := range m.rows {
		rows := make([]record.Fields, 0, len(m.rows[collection]))
		for _, key := range m.sortedKeys(collection) {
			row := m.rows[collection][key].Clone()
			row[FieldNaturalKey] = key
			rows = append(rows, row)
		}
		snap[collection] = rows
	}
	return snap, nil
}

func (m *Memory) put(collection, key string, row record.Fields) {
	if m.rows[collection] == nil {
		m.rows[collection] = make(map[string]record.Fields)
	}
	m.rows[collection][key] = row
}

func (m *Memory) sortedKeys(collection string) []string {
	keys := make([]string, 0, len(m.rows[collection]))
	for k := range m.rows[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) sortedRows(collection string) []record.Fields {
	keys := m.sortedKeys(collection)
	out := make([]record.Fields, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.rows[collection][k].Clone())
	}
	return out
}

// failure returns the scheduled error for this call, if any. Callers hold mu.
func (m *Memory) failure(naturalKey string) error {
	if m.failAll != nil {
		return m.failAll
	}
	if m.failNext > 0 {
		m.failNext--
		return ErrInjected
	}
	if n, ok := m.failKeys[naturalKey]; ok && n != 0 {
		if n > 0 {
			m.failKeys[naturalKey] = n - 1
		}
		return ErrInjected
	}
	return nil
}
