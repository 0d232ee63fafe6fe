// Package app wires the data layer together: store, sync queue, Record
// Store, Queue Processor, Merge Engine, remote adapter and connectivity.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/connectivity"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/merge"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/records"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

// App is the composed data layer.
type App struct {
	Config  config.Config
	DB      *store.Store
	Queue   *queue.Queue
	Records *records.Store
	Engine  *engine.Engine
	Merger  *merge.Merger
	Remote  remote.Adapter
	Online  *connectivity.Switch

	// Probe is nil for the in-process remote and in forced offline mode.
	Probe *connectivity.Probe

	logger      *slog.Logger
	reconnected chan struct{}
}

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	remote remote.Adapter
	clock  clock.Clock
	uids   ids.Generator
	cycles ids.Generator
}

// WithRemote replaces the adapter chosen by configuration.
func WithRemote(a remote.Adapter) Option {
	return func(o *options) { o.remote = a }
}

// WithClock sets the wall clock for records and queue entries.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDs sets the generators for entry uids and drain cycle ids.
func WithIDs(uids, cycles ids.Generator) Option {
	return func(o *options) {
		o.uids = uids
		o.cycles = cycles
	}
}

// New opens the database and builds every component from cfg.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{clock: clock.System{}, uids: ids.UUIDv7{}, cycles: ids.UUIDv7{}}
	for _, opt := range opts {
		opt(&o)
	}

	adapter := o.remote
	if adapter == nil {
		var err error
		adapter, err = newAdapter(cfg.Remote)
		if err != nil {
			return nil, err
		}
	}

	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		Config:      cfg,
		DB:          db,
		Remote:      adapter,
		logger:      logger,
		reconnected: make(chan struct{}, 1),
	}

	// The in-process remote is always reachable; HTTP starts offline until
	// the first probe answers.
	online := !cfg.Connectivity.Offline && cfg.Remote.IsMemory()
	a.Online = connectivity.NewSwitch(online)
	if !cfg.Connectivity.Offline && !cfg.Remote.IsMemory() && o.remote == nil {
		a.Probe = connectivity.NewProbe(cfg.Remote.HealthURL(), cfg.Connectivity.ProbeInterval, a.Online,
			connectivity.WithProbeLogger(logger))
	}

	a.Queue = queue.New(db,
		queue.WithClock(o.clock),
		queue.WithUIDs(o.uids),
		queue.WithLogger(logger),
	)
	a.Engine = engine.New(a.Queue, adapter, a.Online,
		engine.WithBatchSize(cfg.Sync.BatchSize),
		engine.WithMaxRetries(cfg.Sync.MaxRetries),
		engine.WithYieldEvery(cfg.Sync.YieldEvery),
		engine.WithFollowUpDelay(cfg.Sync.FollowUpDelay),
		engine.WithRetryInterval(cfg.Sync.RetryInterval),
		engine.WithMutationDelay(cfg.Sync.MutationDelay),
		engine.WithBackoffMax(cfg.Sync.BackoffMax),
		engine.WithCycleIDs(o.cycles),
		engine.WithLogger(logger),
	)
	a.Records = records.New(db, a.Queue,
		records.WithClock(o.clock),
		records.WithRemote(adapter, a.Online),
		records.WithLogger(logger),
		records.WithMutationHook(a.Engine.Trigger),
	)
	a.Merger = merge.New(db, merge.WithClock(o.clock), merge.WithLogger(logger))

	a.Online.OnChange(func(online bool) {
		if !online {
			return
		}
		select {
		case a.reconnected <- struct{}{}:
		default:
		}
	})
	return a, nil
}

func newAdapter(cfg config.RemoteConfig) (remote.Adapter, error) {
	if cfg.IsMemory() {
		return remote.NewMemory(), nil
	}
	opts := []remote.HTTPOption{remote.WithToken(cfg.Token)}
	if cfg.Timeout > 0 {
		opts = append(opts, remote.WithTimeout(cfg.Timeout))
	}
	return remote.NewHTTPAdapter(cfg.URL, opts...)
}

// CheckConnectivity refreshes the online state once. Commands that run a
// single drain or pull call it before starting.
func (a *App) CheckConnectivity(ctx context.Context) bool {
	if a.Probe != nil {
		return a.Probe.Check(ctx)
	}
	return a.Online.Online()
}

// Pull downloads the remote snapshot and merges it.
func (a *App) Pull(ctx context.Context) (merge.Report, error) {
	return a.Merger.Pull(ctx, a.Remote, a.Online)
}

// Run starts the Queue Processor, the connectivity probe and the reconnect
// handler, and blocks until ctx is cancelled. On start and on every
// offline to online transition the queue is flushed and then the remote
// snapshot is pulled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("tillsync starting", "db", a.Config.DB, "online", a.Online.Online())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("queue processor", a.Engine.Run)
	if a.Probe != nil {
		start("connectivity probe", a.Probe.Run)
	}

	if a.Online.Online() {
		a.reconcile(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			close(errs)
			return <-errs
		case <-a.reconnected:
			a.logger.Info("back online")
			a.reconcile(ctx)
		}
	}
}

// reconcile flushes the queue before pulling; the snapshot must already
// contain local edits.
func (a *App) reconcile(ctx context.Context) {
	if _, err := a.Engine.Flush(ctx); err != nil {
		a.logger.Warn("flush failed", "error", err)
	}
	if _, err := a.Pull(ctx); err != nil {
		a.logger.Warn("pull failed", "error", err)
	}
	a.Engine.Trigger()
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}
