package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/connectivity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/records"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

type fixture struct {
	db     *store.Store
	q      *queue.Queue
	rs     *records.Store
	remote *remote.Memory
	online *connectivity.Switch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := testutil.NewSteppingClock(testutil.Epoch, time.Second)
	q := queue.New(db, queue.WithClock(clk), queue.WithUIDs(testutil.NewSequenceGenerator("uid")))
	return &fixture{
		db:     db,
		q:      q,
		rs:     records.New(db, q, records.WithClock(clk)),
		remote: remote.NewMemory(),
		online: connectivity.NewSwitch(false),
	}
}

func (f *fixture) engine(opts ...EngineOption) *Engine {
	opts = append([]EngineOption{
		WithCycleIDs(testutil.NewSequenceGenerator("cycle")),
		WithFollowUpDelay(time.Millisecond),
	}, opts...)
	return New(f.q, f.remote, f.online, opts...)
}

func (f *fixture) createSales(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := f.rs.Create(context.Background(), schema.Sales, record.Fields{
			"invoiceNo": fmt.Sprintf("INV-%02d", i),
			"total":     i,
		})
		require.NoError(t, err)
	}
}

func (f *fixture) queueLen(t *testing.T) int {
	t.Helper()
	n, err := f.q.Len(context.Background())
	require.NoError(t, err)
	return n
}

func syncedKeys(calls []remote.Call) []string {
	var keys []string
	for _, c := range calls {
		if c.Method == "syncItem" && c.Err == "" {
			keys = append(keys, c.NaturalKey)
		}
	}
	return keys
}

func TestDrain_OfflineIsNoop(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 2)

	res, err := f.engine().Drain(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Offline)
	assert.Equal(t, "cycle-1", res.Cycle)
	assert.Zero(t, res.Attempted)
	assert.Empty(t, f.remote.Calls())
	assert.Equal(t, 2, f.queueLen(t))
}

// Create offline, reconnect, drain once: one delivery, empty queue, row synced.
func TestDrain_OfflineCreateThenReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.rs.Create(ctx, schema.Customers, record.Fields{"email": "a@x.com"})
	require.NoError(t, err)

	stored, err := f.rs.Read(ctx, schema.Customers, rec.ID)
	require.NoError(t, err)
	assert.False(t, stored.Synced)
	entries, err := f.q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, record.OpCreate, entries[0].Operation)

	f.online.Set(true)
	res, err := f.engine().Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Remaining)
	require.Len(t, f.remote.Calls(), 1)
	assert.Zero(t, f.queueLen(t))

	stored, err = f.rs.Read(ctx, schema.Customers, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Synced)
}

// A queue of 45 entries takes three cycles of at most 20, oldest first.
func TestDrain_Batching(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 45)
	f.online.Set(true)
	e := f.engine()
	ctx := context.Background()

	var attempted, remaining []int
	for i := 0; i < 3; i++ {
		res, err := e.Drain(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.Attempted, DefaultBatchSize)
		attempted = append(attempted, res.Attempted)
		remaining = append(remaining, res.Remaining)
	}
	assert.Equal(t, []int{20, 20, 5}, attempted)
	assert.Equal(t, []int{25, 5, 0}, remaining)

	keys := syncedKeys(f.remote.Calls())
	require.Len(t, keys, 45)
	for i, k := range keys {
		assert.Equal(t, fmt.Sprintf("invoiceNo:INV-%02d", i+1), k)
	}
}

func TestFlush_RunsCyclesUntilEmpty(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 45)
	f.online.Set(true)

	results, err := f.engine().Flush(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, int64(1), results[0].Seq)
	assert.Equal(t, int64(3), results[2].Seq)
	assert.Zero(t, results[2].Remaining)
	assert.Zero(t, f.queueLen(t))
}

// An entry that fails three times is dropped and never attempted again.
func TestDrain_RetryCeiling(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 1)
	f.online.Set(true)
	f.remote.FailKey("invoiceNo:INV-01", -1)
	e := f.engine()
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := e.Drain(ctx)
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)
		assert.Equal(t, attempt, res.Failures[0].Attempt)
		assert.ErrorIs(t, &res.Failures[0], remote.ErrInjected)
		assert.Equal(t, attempt == 3, res.Failures[0].Dropped)
	}
	assert.Zero(t, f.queueLen(t))

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Len(t, f.remote.Calls(), 3)
}

func TestDrain_FailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 3)
	f.online.Set(true)
	f.remote.FailKey("invoiceNo:INV-02", 1)

	res, err := f.engine().Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)

	entries, err := f.q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "injected remote failure", entries[0].LastError)
}

// blockingAdapter holds SyncItem until release is closed.
type blockingAdapter struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAdapter) SyncItem(ctx context.Context, e record.Entry) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.SyncItem(ctx, e)
}

// Two concurrent drains: only one runs, the other is a no-op.
func TestDrain_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 1)
	f.online.Set(true)

	adapter := &blockingAdapter{
		Memory:  f.remote,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := New(f.q, adapter, f.online, WithCycleIDs(testutil.NewSequenceGenerator("cycle")))
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		first DrainResult
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		first, err = e.Drain(ctx)
		assert.NoError(t, err)
	}()

	<-adapter.entered
	second, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Empty(t, second.Cycle)

	close(adapter.release)
	wg.Wait()

	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Delivered)
	assert.Len(t, f.remote.Calls(), 1)
}

// offlineAfterFirst drops connectivity once the first item is delivered.
type offlineAfterFirst struct {
	*remote.Memory
	sw *connectivity.Switch
}

func (o *offlineAfterFirst) SyncItem(ctx context.Context, e record.Entry) (string, error) {
	id, err := o.Memory.SyncItem(ctx, e)
	o.sw.Set(false)
	return id, err
}

func TestDrain_StopsWhenConnectivityDrops(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 3)
	f.online.Set(true)
	ctx := context.Background()

	e := New(f.q, &offlineAfterFirst{Memory: f.remote, sw: f.online}, f.online)
	res, err := e.Drain(ctx)
	require.NoError(t, err)

	assert.True(t, res.Offline)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, res.Remaining)

	f.online.Set(true)
	res, err = f.engine().Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
}

func TestDrain_CancelledContextReleasesBatch(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 2)
	f.online.Set(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine().Drain(ctx)
	require.Error(t, err)

	res, err := f.engine().Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
}

func TestDrain_Yields(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 60)
	f.online.Set(true)

	e := f.engine(WithBatchSize(60))
	yields := 0
	e.yield = func() { yields++ }

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, res.Delivered)
	assert.Equal(t, 2, yields)
}

// With the default batch of 20 and yield every 25, yields come from items
// counted across cycles.
func TestFlush_YieldsAcrossCycles(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 45)
	f.online.Set(true)

	e := f.engine()
	yields := 0
	e.yield = func() { yields++ }

	results, err := e.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.LessOrEqual(t, res.Attempted, DefaultBatchSize)
	}
	assert.Equal(t, 1, yields)
	assert.Equal(t, 20, e.sinceYield)
}

func TestBackoff(t *testing.T) {
	e := New(nil, nil, connectivity.Static(true),
		WithFollowUpDelay(100*time.Millisecond),
		WithBackoffMax(time.Second),
	)

	tests := []struct {
		idle int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.backoff(tt.idle), "idle=%d", tt.idle)
	}
}

func TestRunCycle_BacksOffWhileFailing(t *testing.T) {
	f := newFixture(t)
	f.createSales(t, 1)
	f.online.Set(true)
	f.remote.SetFailing(errors.New("connection refused"))
	e := f.engine(WithFollowUpDelay(10*time.Millisecond), WithBackoffMax(time.Second))
	ctx := context.Background()

	idle := 0
	next, ok := e.runCycle(ctx, &idle)
	require.True(t, ok)
	assert.Equal(t, 1, idle)
	assert.Equal(t, 20*time.Millisecond, next)

	f.remote.SetFailing(nil)
	_, ok = e.runCycle(ctx, &idle)
	assert.False(t, ok)
	assert.Zero(t, idle)
}

func TestRun_DrainsOnTrigger(t *testing.T) {
	f := newFixture(t)
	e := f.engine(WithMutationDelay(time.Millisecond), WithRetryInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	f.createSales(t, 3)
	f.online.Set(true)
	e.Trigger()

	require.Eventually(t, func() bool {
		n, err := f.q.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSyncError(t *testing.T) {
	cause := errors.New("timeout")
	err := fmt.Errorf("wrapped: %w", &SyncError{
		Collection: schema.Sales,
		NaturalKey: "invoiceNo:INV-1",
		Operation:  record.OpUpdate,
		Attempt:    2,
		Err:        cause,
	})

	assert.True(t, IsSyncError(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "wrapped: sync update sales invoiceNo:INV-1 (attempt 2): timeout", err.Error())
	assert.False(t, IsSyncError(cause))
}

func TestTrigger_Coalesces(t *testing.T) {
	tr := newTrigger()
	tr.Fire()
	tr.Fire()
	tr.Fire()

	<-tr.Wait()
	select {
	case <-tr.Wait():
		t.Fatal("expected a single coalesced signal")
	default:
	}
}
