// Package offline is the operation surface of the cache: it ties the store,
// the prioritizer and the sync engine together for the API and the CLI.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/prioritizer"
	"github.com/mandiear/offline-cache/pkg/records"
	"github.com/mandiear/offline-cache/pkg/store"
	"github.com/mandiear/offline-cache/pkg/sync_engine"
)

var nopLogger = zap.NewNop()

// ErrUnavailable is returned by operations whose component is not
// configured, e.g. sync operations of a CLI-only service.
var ErrUnavailable = errors.New("component not available")

type Opts struct {
	// Store cannot be nil.
	Store *store.Store

	// Prioritizer and Engine are optional.
	Prioritizer *prioritizer.Prioritizer
	Engine      *sync_engine.Engine

	Logger *zap.Logger
}

type Service struct {
	opts Opts
}

func NewService(opts Opts) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("nil store")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return &Service{opts: opts}, nil
}

// CacheRequest is the input of CacheData.
type CacheRequest struct {
	DataType model.DataType  `json:"data_type"`
	Content  json.RawMessage `json:"content"`
	// Priority defaults to medium.
	Priority model.Priority `json:"priority"`
	// TTLHours unset means the entry never expires.
	TTLHours *float64 `json:"ttl_hours,omitempty"`
	// Metadata is merged under the keys derived from the content.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Identity overrides the identity derived from the content.
	Identity string `json:"identity,omitempty"`
}

// CacheData stores one record and returns its cache id. Caching the same
// logical record again overwrites it.
func (s *Service) CacheData(ctx context.Context, req CacheRequest) (string, error) {
	if len(req.Priority) == 0 {
		req.Priority = model.Medium
	}
	var ttl time.Duration
	if req.TTLHours != nil {
		h := *req.TTLHours
		if h < 0 || math.IsNaN(h) || math.IsInf(h, 0) {
			return "", fmt.Errorf("%w: ttl_hours must be a non-negative number", model.ErrInvalidArgument)
		}
		d := h * float64(time.Hour)
		// Zero means no expiry, so a positive ttl must not round down to it.
		if h > 0 && d < float64(time.Millisecond) {
			return "", fmt.Errorf("%w: ttl_hours below one millisecond", model.ErrInvalidArgument)
		}
		if d >= math.MaxInt64 {
			return "", fmt.Errorf("%w: ttl_hours too large", model.ErrInvalidArgument)
		}
		ttl = time.Duration(d)
	}

	d, err := records.Describe(req.DataType, req.Content)
	if err != nil {
		return "", err
	}
	meta := make(map[string]any, len(req.Metadata)+len(d.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	for k, v := range d.Metadata {
		meta[k] = v
	}
	identity := d.Identity
	if len(req.Identity) > 0 {
		identity = req.Identity
	}

	return s.opts.Store.Put(ctx, req.DataType, req.Content, req.Priority, store.PutOptions{
		Identity: identity,
		TTL:      ttl,
		Metadata: meta,
		Locator:  d.Locator,
	})
}

// GetCachedData returns the content of a live entry.
func (s *Service) GetCachedData(ctx context.Context, id string) (json.RawMessage, bool) {
	e, ok := s.opts.Store.Get(ctx, id, true)
	if !ok {
		return nil, false
	}
	return json.RawMessage(e.Content), true
}

// GetCachedPrices returns the cached prices of commodity, optionally in one
// state, updated within maxAge (zero: any age). Newest first.
func (s *Service) GetCachedPrices(ctx context.Context, commodity, state string, maxAge time.Duration) ([]json.RawMessage, error) {
	commodity = records.Normalize(commodity)
	if len(commodity) == 0 {
		return nil, fmt.Errorf("%w: empty commodity", model.ErrInvalidArgument)
	}
	if maxAge < 0 {
		return nil, fmt.Errorf("%w: negative max age", model.ErrInvalidArgument)
	}
	return s.list(ctx, model.PriceData, maxAge, func(meta map[string]any) bool {
		if !containsString(records.Commodities(meta), commodity) {
			return false
		}
		return matchState(meta, state)
	})
}

// GetCachedMandis returns every cached mandi, optionally in one state.
func (s *Service) GetCachedMandis(ctx context.Context, state string) ([]json.RawMessage, error) {
	return s.list(ctx, model.MandiInfo, 0, func(meta map[string]any) bool {
		return matchState(meta, state)
	})
}

func (s *Service) list(ctx context.Context, dt model.DataType, maxAge time.Duration, keep func(map[string]any) bool) ([]json.RawMessage, error) {
	entries, err := s.opts.Store.QueryByTypeAndAge(ctx, dt, maxAge)
	if err != nil {
		// Reads degrade to an empty result.
		s.opts.Logger.Warn("failed to list cached records", zap.String("data_type", string(dt)), zap.Error(err))
		return []json.RawMessage{}, nil
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if keep(e.Metadata) {
			out = append(out, json.RawMessage(e.Content))
		}
	}
	return out, nil
}

func matchState(meta map[string]any, state string) bool {
	state = records.Normalize(state)
	return len(state) == 0 || records.MetaString(meta, records.KeyState) == state
}

func containsString(l []string, s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// CacheQuery registers a query to be answered later and returns its hash.
func (s *Service) CacheQuery(ctx context.Context, q store.OfflineQuery) (string, error) {
	return s.opts.Store.PutQuery(ctx, q)
}

// GetCachedQuery returns a registered query.
func (s *Service) GetCachedQuery(ctx context.Context, hash string) (*store.QueryRecord, error) {
	return s.opts.Store.GetQuery(ctx, hash)
}

// ClearCache removes entries older than olderThan (zero: any age) of type dt
// (empty: any type).
func (s *Service) ClearCache(ctx context.Context, olderThan time.Duration, dt model.DataType) (int, error) {
	n, err := s.opts.Store.Clear(ctx, olderThan, dt)
	if err != nil {
		return 0, err
	}
	s.opts.Logger.Info("cache cleared",
		zap.Int("removed", n),
		zap.Duration("older_than", olderThan),
		zap.String("data_type", string(dt)))
	return n, nil
}

// SweepExpired removes expired entries now instead of on the next cycle.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.opts.Store.SweepExpired(ctx)
}

func (s *Service) CacheStatistics(ctx context.Context) (store.Stats, error) {
	return s.opts.Store.Stats(ctx)
}

func (s *Service) DetailedStatistics(ctx context.Context) (store.DetailedStats, error) {
	return s.opts.Store.DetailedStats(ctx)
}

func (s *Service) GetEssentialData(ctx context.Context, loc model.Location, radiusKM float64) (prioritizer.EssentialDataPackage, error) {
	if s.opts.Prioritizer == nil {
		return prioritizer.EssentialDataPackage{}, ErrUnavailable
	}
	return s.opts.Prioritizer.GetEssentialData(ctx, loc, radiusKM)
}

func (s *Service) PrepareOfflineData(ctx context.Context, loc model.Location, commodities []string, radiusKM float64) (string, error) {
	if s.opts.Prioritizer == nil {
		return "", ErrUnavailable
	}
	return s.opts.Prioritizer.PrepareOfflineData(ctx, loc, commodities, radiusKM)
}

func (s *Service) GetPreparationStatus(ctx context.Context, id string) (prioritizer.OfflinePreparation, error) {
	if s.opts.Prioritizer == nil {
		return prioritizer.OfflinePreparation{}, ErrUnavailable
	}
	return s.opts.Prioritizer.GetPreparationStatus(ctx, id)
}

func (s *Service) CancelPreparation(ctx context.Context, id string) (prioritizer.OfflinePreparation, error) {
	if s.opts.Prioritizer == nil {
		return prioritizer.OfflinePreparation{}, ErrUnavailable
	}
	return s.opts.Prioritizer.CancelPreparation(ctx, id)
}

func (s *Service) RunSyncCycle(ctx context.Context) (sync_engine.SyncResult, error) {
	if s.opts.Engine == nil {
		return sync_engine.SyncResult{}, ErrUnavailable
	}
	return s.opts.Engine.RunSyncCycle(ctx)
}

func (s *Service) SyncStatus() (sync_engine.EngineStatus, error) {
	if s.opts.Engine == nil {
		return sync_engine.EngineStatus{}, ErrUnavailable
	}
	return s.opts.Engine.Status(), nil
}

// SyncSettings is a partial update of the sync configuration. Nil fields
// are left unchanged.
type SyncSettings struct {
	SyncIntervalMinutes         *int `json:"sync_interval_minutes,omitempty"`
	PriorityDataIntervalMinutes *int `json:"priority_data_interval_minutes,omitempty"`
	MaxCacheSizeMB              *int `json:"max_cache_size_mb,omitempty"`
}

// ConfigureSync applies u on top of the current configuration and returns
// the result. It takes effect on the next cycle.
func (s *Service) ConfigureSync(u SyncSettings) (sync_engine.SyncConfiguration, error) {
	if s.opts.Engine == nil {
		return sync_engine.SyncConfiguration{}, ErrUnavailable
	}
	cfg := s.opts.Engine.Config()
	if u.SyncIntervalMinutes != nil {
		cfg.SyncIntervalMinutes = *u.SyncIntervalMinutes
	}
	if u.PriorityDataIntervalMinutes != nil {
		cfg.PriorityDataIntervalMinutes = *u.PriorityDataIntervalMinutes
	}
	if u.MaxCacheSizeMB != nil {
		cfg.MaxCacheSizeMB = *u.MaxCacheSizeMB
	}
	// Zero would be replaced by a default; reject it like a negative value.
	if u.SyncIntervalMinutes != nil && *u.SyncIntervalMinutes <= 0 ||
		u.PriorityDataIntervalMinutes != nil && *u.PriorityDataIntervalMinutes <= 0 {
		return sync_engine.SyncConfiguration{}, fmt.Errorf("%w: intervals must be positive", model.ErrInvalidArgument)
	}
	if err := s.opts.Engine.Configure(cfg); err != nil {
		return sync_engine.SyncConfiguration{}, err
	}
	return s.opts.Engine.Config(), nil
}
