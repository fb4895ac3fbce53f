// Package sync_engine pulls canonical records from upstream into the store,
// tier by tier, attempting only as much as the measured connectivity allows.
package sync_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/records"
	"github.com/mandiear/offline-cache/pkg/store"
	"github.com/mandiear/offline-cache/pkg/upstream"
	"github.com/mandiear/offline-cache/pkg/utils"
)

var nopLogger = zap.NewNop()

var (
	// ErrSyncInProgress is returned when a cycle is started while another
	// one is running.
	ErrSyncInProgress = errors.New("sync cycle already in progress")

	// ErrClosed is returned by calls made after Shutdown.
	ErrClosed = errors.New("sync engine shut down")
)

// recentSyncs is the number of results reported by Status.
const recentSyncs = 5

type Status string

const (
	Idle      Status = "idle"
	Syncing   Status = "syncing"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Store is the part of *store.Store the engine writes to.
type Store interface {
	Put(ctx context.Context, dt model.DataType, content []byte, p model.Priority, opts store.PutOptions) (string, error)
	SweepExpired(ctx context.Context) (int, error)
	EnforceBudget(ctx context.Context, maxBytes int64) (int, error)
}

// SyncResult describes one finished cycle. It is never modified once
// returned.
type SyncResult struct {
	SyncID           string                  `json:"sync_id"`
	Status           Status                  `json:"status"`
	Connectivity     model.ConnectivityLevel `json:"connectivity_level"`
	StartedAt        time.Time               `json:"started_at"`
	CompletedAt      *time.Time              `json:"completed_at"`
	ItemsSynced      int                     `json:"items_synced"`
	ItemsFailed      int                     `json:"items_failed"`
	BytesTransferred int64                   `json:"bytes_transferred"`
	DataTypesSynced  []model.DataType        `json:"data_types_synced"`
	Errors           []string                `json:"errors"`

	// PriorityOnly is set for the critical-tier refreshes of the
	// background loop.
	PriorityOnly bool `json:"priority_only,omitempty"`

	// Aborted is set when connectivity dropped between tiers and the
	// remaining tiers were skipped.
	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`

	Swept   int `json:"expired_removed"`
	Evicted int `json:"evicted"`
}

// EngineStatus is the snapshot returned by Status.
type EngineStatus struct {
	CurrentStatus               Status                  `json:"current_status"`
	LastSync                    *time.Time              `json:"last_sync"`
	Connectivity                model.ConnectivityLevel `json:"connectivity_level"`
	SyncIntervalMinutes         int                     `json:"sync_interval_minutes"`
	PriorityDataIntervalMinutes int                     `json:"priority_data_interval_minutes"`
	BackgroundSync              bool                    `json:"background_sync"`
	RecentSyncs                 []SyncResult            `json:"recent_syncs"`
}

type Opts struct {
	// Store, Source and Prober cannot be nil.
	Store  Store
	Source upstream.Source
	Prober upstream.Prober

	// Config is the initial configuration. Unset fields get defaults.
	Config SyncConfiguration

	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

func (opts *Opts) Init() error {
	switch {
	case opts.Store == nil:
		return errors.New("nil store")
	case opts.Source == nil:
		return errors.New("nil upstream source")
	case opts.Prober == nil:
		return errors.New("nil connectivity prober")
	}
	opts.Config = opts.Config.clone()
	opts.Config.SetDefaults()
	if err := opts.Config.Validate(); err != nil {
		return err
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNow(&opts.Now)
	return nil
}

type Engine struct {
	opts Opts
	cfg  atomic.Pointer[SyncConfiguration]
	m    *metrics

	ctx    context.Context // cancelled by Shutdown
	cancel context.CancelFunc
	loopWg sync.WaitGroup
	// cycleWg tracks every running cycle, including on-demand ones.
	cycleWg sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	started      bool
	status       Status
	connectivity model.ConnectivityLevel
	lastSync     *time.Time
	history      []SyncResult
}

func NewEngine(opts Opts) (*Engine, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	m := newMetrics()
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(m); err != nil {
			return nil, fmt.Errorf("register sync metrics: %w", err)
		}
	}
	e := &Engine{
		opts:         opts,
		m:            m,
		status:       Idle,
		connectivity: model.Offline,
	}
	cfg := opts.Config
	e.cfg.Store(&cfg)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Config returns a copy of the configuration the next cycle will use.
func (e *Engine) Config() SyncConfiguration {
	return e.cfg.Load().clone()
}

// Configure replaces the configuration. A running cycle keeps the
// configuration it started with.
func (e *Engine) Configure(cfg SyncConfiguration) error {
	c := cfg.clone()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	e.cfg.Store(&c)
	e.opts.Logger.Info("sync configuration updated",
		zap.Int("sync_interval_minutes", c.SyncIntervalMinutes),
		zap.Int("priority_data_interval_minutes", c.PriorityDataIntervalMinutes),
		zap.Int("max_cache_size_mb", c.MaxCacheSizeMB))
	return nil
}

// Status reports the engine state and the most recent results, oldest
// first.
func (e *Engine) Status() EngineStatus {
	cfg := e.cfg.Load()
	e.mu.Lock()
	defer e.mu.Unlock()

	s := EngineStatus{
		CurrentStatus:               e.status,
		Connectivity:                e.connectivity,
		SyncIntervalMinutes:         cfg.SyncIntervalMinutes,
		PriorityDataIntervalMinutes: cfg.PriorityDataIntervalMinutes,
		BackgroundSync:              e.started && !e.closed,
	}
	if e.lastSync != nil {
		t := *e.lastSync
		s.LastSync = &t
	}
	n := len(e.history)
	if n > recentSyncs {
		n = recentSyncs
	}
	s.RecentSyncs = append([]SyncResult(nil), e.history[len(e.history)-n:]...)
	return s
}

// History returns every kept result, oldest first.
func (e *Engine) History() []SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SyncResult(nil), e.history...)
}

// RunSyncCycle runs one full cycle now. Per data type failures are reported
// in the result. The only errors are ErrSyncInProgress and ErrClosed.
func (e *Engine) RunSyncCycle(ctx context.Context) (SyncResult, error) {
	return e.runCycle(ctx, false)
}

func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.status == Syncing {
		return ErrSyncInProgress
	}
	e.status = Syncing
	e.cycleWg.Add(1)
	return nil
}

func (e *Engine) runCycle(ctx context.Context, priorityOnly bool) (SyncResult, error) {
	if err := e.begin(); err != nil {
		return SyncResult{}, err
	}
	defer e.cycleWg.Done()

	// Shutdown interrupts on-demand cycles too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	cfg := e.cfg.Load()
	start := time.Now()
	res := SyncResult{
		SyncID:          uuid.NewString(),
		Status:          Syncing,
		StartedAt:       e.opts.Now(),
		PriorityOnly:    priorityOnly,
		DataTypesSynced: []model.DataType{},
		Errors:          []string{},
	}
	logger := e.opts.Logger.With(zap.String("sync_id", res.SyncID))
	logger.Info("sync cycle started", zap.Bool("priority_only", priorityOnly))

	level := e.probe(ctx)
	res.Connectivity = level
	if level == model.Offline {
		logger.Info("no connectivity, skipping upstream sync")
	} else {
		tiers := level.AllowedTiers()
		if priorityOnly {
			tiers = []model.Priority{model.Critical}
		}
		e.syncTiers(ctx, cfg, tiers, &res, logger)
	}

	e.housekeeping(ctx, cfg, &res, logger)
	e.end(cfg, &res, time.Since(start), logger)
	return res, nil
}

// syncTiers runs tiers in order. Connectivity is measured again before every
// tier after the first; the cycle stops if it no longer allows the tier.
func (e *Engine) syncTiers(ctx context.Context, cfg *SyncConfiguration, tiers []model.Priority, res *SyncResult, logger *zap.Logger) {
	for i, tier := range tiers {
		if i > 0 {
			level := e.probe(ctx)
			res.Connectivity = level
			if ctx.Err() != nil {
				res.Aborted = true
				res.AbortReason = fmt.Sprintf("interrupted before %s tier", tier)
				return
			}
			if !level.Allows(tier) {
				res.Aborted = true
				res.AbortReason = fmt.Sprintf("connectivity dropped to %s before %s tier", level, tier)
				logger.Info("sync cycle aborted",
					zap.String("connectivity", string(level)),
					zap.String("tier", string(tier)))
				return
			}
		}
		e.syncTier(ctx, cfg, tier, res, logger)
	}
}

type typeOutcome struct {
	dataType model.DataType
	skipped  bool
	synced   int
	failed   int
	bytes    int64
	errs     []string
}

// syncTier syncs the data types of one tier in parallel. Results are merged
// in configuration order.
func (e *Engine) syncTier(ctx context.Context, cfg *SyncConfiguration, tier model.Priority, res *SyncResult, logger *zap.Logger) {
	dts := cfg.Tiers[tier]
	outcomes := make([]typeOutcome, len(dts))

	var g errgroup.Group
	g.SetLimit(cfg.TierConcurrency)
	for i, dt := range dts {
		g.Go(func() error {
			outcomes[i] = e.syncDataType(ctx, cfg, tier, dt, logger)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.skipped {
			continue
		}
		res.ItemsSynced += o.synced
		res.ItemsFailed += o.failed
		res.BytesTransferred += o.bytes
		res.Errors = append(res.Errors, o.errs...)
		if o.synced > 0 {
			res.DataTypesSynced = append(res.DataTypesSynced, o.dataType)
		}
	}
}

// syncDataType fetches dt and caches every record with the tier priority.
// Nothing here fails the cycle.
func (e *Engine) syncDataType(ctx context.Context, cfg *SyncConfiguration, tier model.Priority, dt model.DataType, logger *zap.Logger) typeOutcome {
	o := typeOutcome{dataType: dt}
	logger = logger.With(zap.String("data_type", string(dt)))

	recs, err := e.opts.Source.Fetch(ctx, dt)
	var partial *upstream.PartialError
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrNoEndpoint):
		o.skipped = true
		return o
	case errors.As(err, &partial):
		o.failed += len(partial.Failed)
		o.errs = append(o.errs, partial.Error())
		logger.Warn("some upstreams failed", zap.Error(err))
	default:
		o.failed++
		o.errs = append(o.errs, fmt.Sprintf("%s: fetch: %v", dt, err))
		logger.Warn("fetch failed", zap.Error(err))
		e.m.items.WithLabelValues("failed").Add(float64(o.failed))
		return o
	}

	ttl := cfg.ttl(dt)
	var (
		putFailed int
		firstErr  error
	)
	for _, r := range recs {
		o.bytes += int64(len(r))
		if err := e.put(ctx, dt, tier, r, ttl); err != nil {
			putFailed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.synced++
	}
	if putFailed > 0 {
		o.failed += putFailed
		o.errs = append(o.errs, fmt.Sprintf("%s: %d of %d records not cached: %v", dt, putFailed, len(recs), firstErr))
		logger.Warn("failed to cache records", zap.Int("failed", putFailed), zap.Error(firstErr))
	}

	e.m.items.WithLabelValues("synced").Add(float64(o.synced))
	e.m.items.WithLabelValues("failed").Add(float64(o.failed))
	e.m.bytes.Add(float64(o.bytes))
	logger.Debug("data type synced", zap.Int("items", o.synced), zap.Int64("bytes", o.bytes))
	return o
}

func (e *Engine) put(ctx context.Context, dt model.DataType, p model.Priority, r json.RawMessage, ttl time.Duration) error {
	d, err := records.Describe(dt, r)
	if err != nil {
		return err
	}
	_, err = e.opts.Store.Put(ctx, dt, r, p, store.PutOptions{
		Identity: d.Identity,
		TTL:      ttl,
		Metadata: d.Metadata,
		Locator:  d.Locator,
	})
	return err
}

// housekeeping removes expired entries and enforces the size budget. It
// runs on every cycle, offline ones included.
func (e *Engine) housekeeping(ctx context.Context, cfg *SyncConfiguration, res *SyncResult, logger *zap.Logger) {
	n, err := e.opts.Store.SweepExpired(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("sweep expired: %v", err))
		logger.Warn("failed to sweep expired entries", zap.Error(err))
	}
	res.Swept = n

	if cfg.MaxCacheSizeMB > 0 {
		n, err := e.opts.Store.EnforceBudget(ctx, int64(cfg.MaxCacheSizeMB)*1024*1024)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("enforce size budget: %v", err))
			logger.Warn("failed to enforce cache size budget", zap.Error(err))
		}
		res.Evicted = n
	}
}

// end records res. A cycle fails when it reported errors without caching
// anything.
func (e *Engine) end(cfg *SyncConfiguration, res *SyncResult, took time.Duration, logger *zap.Logger) {
	now := e.opts.Now()
	res.CompletedAt = &now
	res.Status = Completed
	if res.ItemsSynced == 0 && len(res.Errors) > 0 {
		res.Status = Failed
	}

	e.m.cycles.WithLabelValues(string(res.Status)).Inc()
	e.m.duration.Observe(took.Seconds())

	e.mu.Lock()
	e.history = append(e.history, *res)
	if over := len(e.history) - cfg.HistorySize; over > 0 {
		e.history = append([]SyncResult(nil), e.history[over:]...)
	}
	e.lastSync = &now
	e.status = Idle
	e.mu.Unlock()

	logger.Info("sync cycle finished",
		zap.String("status", string(res.Status)),
		zap.String("connectivity", string(res.Connectivity)),
		zap.Int("items_synced", res.ItemsSynced),
		zap.Int("items_failed", res.ItemsFailed),
		zap.Int64("bytes_transferred", res.BytesTransferred),
		zap.Bool("aborted", res.Aborted),
		zap.Duration("took", took))
}

func (e *Engine) probe(ctx context.Context) model.ConnectivityLevel {
	level := e.opts.Prober.Probe(ctx)
	e.mu.Lock()
	e.connectivity = level
	e.mu.Unlock()
	e.m.connectivity.Set(level.Gauge())
	return level
}

// Start runs the background loop: a full cycle right away and then every
// sync interval (twice that after a poor probe), plus a critical tier
// refresh every priority interval. Calling Start again is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	e.started = true
	e.loopWg.Add(1)
	go e.loop()
	e.opts.Logger.Info("background sync started")
	return nil
}

func (e *Engine) loop() {
	defer e.loopWg.Done()

	full := time.NewTimer(0)
	defer full.Stop()
	priority := time.NewTimer(e.cfg.Load().priorityInterval())
	defer priority.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-full.C:
			e.tick(false)
			full.Reset(e.nextInterval())
		case <-priority.C:
			e.tick(true)
			priority.Reset(e.cfg.Load().priorityInterval())
		}
	}
}

func (e *Engine) tick(priorityOnly bool) {
	_, err := e.runCycle(e.ctx, priorityOnly)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		e.opts.Logger.Debug("skipping scheduled sync, a cycle is running")
	case errors.Is(err, ErrClosed):
	default:
		e.opts.Logger.Warn("scheduled sync failed", zap.Error(err))
	}
}

func (e *Engine) nextInterval() time.Duration {
	d := e.cfg.Load().interval()
	e.mu.Lock()
	poor := e.connectivity == model.Poor
	e.mu.Unlock()
	if poor {
		d *= 2
	}
	return d
}

// Shutdown stops the background loop, interrupts running cycles and waits
// for them to return. No write happens after Shutdown returns.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.loopWg.Wait()
	e.cycleWg.Wait()
	e.opts.Logger.Info("sync engine shut down")
}
