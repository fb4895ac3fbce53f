// Package prioritizer turns the cache contents into bounded, ranked sets of
// records for one location, and builds offline bundles in the background.
package prioritizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mandiear/offline-cache/pkg/geo"
	"github.com/mandiear/offline-cache/pkg/job_registry"
	"github.com/mandiear/offline-cache/pkg/job_registry/mem_registry"
	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/records"
	"github.com/mandiear/offline-cache/pkg/store"
	"github.com/mandiear/offline-cache/pkg/utils"
)

var nopLogger = zap.NewNop()

var (
	// ErrTooManyPreparations is returned when the preparation queue is full.
	ErrTooManyPreparations = errors.New("too many offline preparations in progress")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("prioritizer closed")
)

// Store is the part of *store.Store the prioritizer reads and promotes.
type Store interface {
	Query(ctx context.Context, f store.Filter) ([]*store.Entry, error)
	Promote(ctx context.Context, id string, p model.Priority, ttl time.Duration) (bool, error)
	SweepExpired(ctx context.Context) (int, error)
	EnforceBudget(ctx context.Context, maxBytes int64) (int, error)
}

// TypeLimits bounds the candidates of one data type.
type TypeLimits struct {
	// MaxAgeHours drops older records. Zero means no age limit.
	MaxAgeHours int `yaml:"max_age_hours"`
	MaxEntries  int `yaml:"max_entries"`
}

type Config struct {
	RelevanceExpression  string   `yaml:"relevance_expression"`
	EssentialCommodities []string `yaml:"essential_commodities"`

	Prices  TypeLimits `yaml:"prices"`
	Mandis  TypeLimits `yaml:"mandis"`
	MSP     TypeLimits `yaml:"msp"`
	Weather TypeLimits `yaml:"weather"`

	MaxConcurrentPreparations int           `yaml:"max_concurrent_preparations"`
	MaxPendingPreparations    int           `yaml:"max_pending_preparations"`
	PreparationRetention      time.Duration `yaml:"preparation_retention"`

	// MaxCacheSizeMB is enforced when a preparation finishes. Zero
	// disables it.
	MaxCacheSizeMB int `yaml:"max_cache_size_mb"`
}

// SetDefaults fills unset fields. Mandis have no age limit by default.
func (c *Config) SetDefaults() {
	utils.SetDefaultString(&c.RelevanceExpression, DefaultRelevanceExpression)
	if len(c.EssentialCommodities) == 0 {
		c.EssentialCommodities = append([]string(nil), DefaultEssentialCommodities...)
	}
	utils.SetDefaultNum(&c.Prices.MaxAgeHours, 6)
	utils.SetDefaultNum(&c.Prices.MaxEntries, 100)
	utils.SetDefaultNum(&c.Mandis.MaxEntries, 50)
	utils.SetDefaultNum(&c.MSP.MaxAgeHours, 168)
	utils.SetDefaultNum(&c.MSP.MaxEntries, 50)
	utils.SetDefaultNum(&c.Weather.MaxAgeHours, 3)
	utils.SetDefaultNum(&c.Weather.MaxEntries, 10)
	utils.SetDefaultNum(&c.MaxConcurrentPreparations, 2)
	utils.SetDefaultNum(&c.MaxPendingPreparations, 16)
	utils.SetDefaultNum(&c.PreparationRetention, 24*time.Hour)
}

type Opts struct {
	// Store cannot be nil.
	Store Store

	// Registry keeps preparation snapshots. Default is an in-memory
	// registry owned and closed by the Prioritizer.
	Registry job_registry.Registry

	Config Config

	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	opts.Config.SetDefaults()
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNow(&opts.Now)
	return nil
}

type Prioritizer struct {
	opts        Opts
	scorer      *Scorer
	ownRegistry bool
	sf          singleflight.Group

	pending *semaphore.Weighted
	running *semaphore.Weighted

	ctx    context.Context // parent of every job
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	jobs   map[string]*job // unfinished jobs

	m *metrics
}

func New(opts Opts) (*Prioritizer, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	scorer, err := NewScorer(opts.Config.RelevanceExpression, opts.Config.EssentialCommodities)
	if err != nil {
		return nil, err
	}

	m := newMetrics()
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(m); err != nil {
			return nil, fmt.Errorf("register prioritizer metrics: %w", err)
		}
	}

	p := &Prioritizer{
		opts:    opts,
		scorer:  scorer,
		pending: semaphore.NewWeighted(int64(opts.Config.MaxPendingPreparations)),
		running: semaphore.NewWeighted(int64(opts.Config.MaxConcurrentPreparations)),
		jobs:    make(map[string]*job),
		m:       m,
	}
	if p.opts.Registry == nil {
		p.opts.Registry = mem_registry.NewMemRegistry(4096, time.Minute)
		p.ownRegistry = true
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// ScoredRecord is one ranked record of an essential data package.
type ScoredRecord struct {
	ID         string          `json:"id"`
	DistanceKM *float64        `json:"distance_km,omitempty"`
	AgeHours   float64         `json:"age_hours"`
	Relevance  float64         `json:"relevance"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Data       json.RawMessage `json:"data"`

	sizeBytes int64
}

// EssentialDataPackage is computed per request and never stored.
type EssentialDataPackage struct {
	Location      model.Location                     `json:"location"`
	RadiusKM      float64                            `json:"radius_km"`
	GeneratedAt   time.Time                          `json:"data_timestamp"`
	Prices        []ScoredRecord                     `json:"prices"`
	Mandis        []ScoredRecord                     `json:"mandis"`
	MSPRates      []ScoredRecord                     `json:"msp_rates"`
	Weather       []ScoredRecord                     `json:"weather"`
	DataFreshness map[model.DataType]model.Freshness `json:"data_freshness"`
	TotalItems    int                                `json:"total_items"`
}

func validateArea(loc model.Location, radiusKM float64) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if !(radiusKM > 0) || math.IsInf(radiusKM, 0) {
		return fmt.Errorf("%w: radius must be positive, got %v", model.ErrInvalidArgument, radiusKM)
	}
	return nil
}

// GetEssentialData reads the cached prices, mandis, MSP rates and weather
// relevant to loc. It never touches the network. Store failures degrade to
// empty collections. Identical concurrent calls share one computation.
func (p *Prioritizer) GetEssentialData(ctx context.Context, loc model.Location, radiusKM float64) (EssentialDataPackage, error) {
	if err := validateArea(loc, radiusKM); err != nil {
		return EssentialDataPackage{}, err
	}
	key := fmt.Sprintf("%.6f,%.6f,%g", loc.Lat, loc.Lng, radiusKM)
	v, err, _ := p.sf.Do(key, func() (interface{}, error) {
		return p.essentialData(context.WithoutCancel(ctx), loc, radiusKM), nil
	})
	if err != nil {
		return EssentialDataPackage{}, err
	}
	return v.(EssentialDataPackage), nil
}

func (p *Prioritizer) essentialData(ctx context.Context, loc model.Location, radiusKM float64) EssentialDataPackage {
	cfg := p.opts.Config
	now := p.opts.Now()
	pkg := EssentialDataPackage{
		Location:      loc,
		RadiusKM:      radiusKM,
		GeneratedAt:   now,
		DataFreshness: make(map[model.DataType]model.Freshness, 4),
	}

	pkg.Prices = p.collect(ctx, now, loc, radiusKM, selection{
		dataType: model.PriceData, limits: cfg.Prices, geo: geoRequired,
	})
	pkg.Mandis = p.collect(ctx, now, loc, radiusKM, selection{
		dataType: model.MandiInfo, limits: cfg.Mandis, geo: geoRequired,
	})
	pkg.MSPRates = p.collect(ctx, now, loc, radiusKM, selection{
		dataType: model.MSPRates, limits: cfg.MSP, geo: geoIgnored,
	})
	pkg.Weather = p.collect(ctx, now, loc, radiusKM, selection{
		dataType: model.WeatherData, limits: cfg.Weather, geo: geoIfLocated,
	})

	for dt, rs := range map[model.DataType][]ScoredRecord{
		model.PriceData:   pkg.Prices,
		model.MandiInfo:   pkg.Mandis,
		model.MSPRates:    pkg.MSPRates,
		model.WeatherData: pkg.Weather,
	} {
		pkg.DataFreshness[dt] = freshnessOf(rs)
		pkg.TotalItems += len(rs)
	}
	return pkg
}

// freshnessOf classifies a collection by its newest record. An empty
// collection is stale.
func freshnessOf(rs []ScoredRecord) model.Freshness {
	if len(rs) == 0 {
		return model.Stale
	}
	newest := rs[0].AgeHours
	for _, r := range rs[1:] {
		if r.AgeHours < newest {
			newest = r.AgeHours
		}
	}
	return model.ClassifyFreshness(time.Duration(newest * float64(time.Hour)))
}

type geoMode int

const (
	// geoRequired keeps only records located within the radius.
	geoRequired geoMode = iota
	// geoIfLocated drops located records outside the radius and keeps
	// unlocated ones.
	geoIfLocated
	// geoIgnored keeps every record.
	geoIgnored
)

type selection struct {
	dataType model.DataType
	limits   TypeLimits
	geo      geoMode

	// commodity, if set, keeps only records about it.
	commodity string
	// commodities, if set, keeps records about any of them. Records with
	// no commodity at all are kept too.
	commodities map[string]struct{}
}

// collect returns the ranked candidates of sel. Errors are logged and
// yield an empty result.
func (p *Prioritizer) collect(ctx context.Context, now time.Time, loc model.Location, radiusKM float64, sel selection) []ScoredRecord {
	rs, err := p.rank(ctx, now, loc, radiusKM, sel)
	if err != nil {
		p.opts.Logger.Warn("failed to read cached records",
			zap.String("data_type", string(sel.dataType)),
			zap.Error(err))
		return []ScoredRecord{}
	}
	return rs
}

func (p *Prioritizer) rank(ctx context.Context, now time.Time, loc model.Location, radiusKM float64, sel selection) ([]ScoredRecord, error) {
	f := store.Filter{
		DataType: sel.dataType,
		MaxAge:   model.Hours(sel.limits.MaxAgeHours),
	}
	if sel.geo != geoIgnored {
		f.LocatorPrefixLen, f.LocatorCells = geo.Cover(loc, radiusKM)
	}
	entries, err := p.opts.Store.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredRecord, 0, len(entries))
	for _, e := range entries {
		commodities := records.Commodities(e.Metadata)
		if !sel.matches(commodities) {
			continue
		}

		var distance *float64
		if pos, ok := records.Coordinates(e.Metadata); ok {
			d := geo.DistanceKM(loc, pos)
			if sel.geo != geoIgnored && d > radiusKM {
				continue
			}
			distance = &d
		} else if sel.geo == geoRequired {
			continue
		}

		age := e.Age(now)
		if age < 0 {
			age = 0
		}
		var d float64
		if distance != nil {
			d = *distance
		}
		score, err := p.scorer.Score(d, distance != nil, age, commodities)
		if err != nil {
			return nil, fmt.Errorf("score %s: %w", e.ID, err)
		}
		out = append(out, ScoredRecord{
			ID:         e.ID,
			DistanceKM: distance,
			AgeHours:   age.Hours(),
			Relevance:  score,
			UpdatedAt:  e.UpdatedAt,
			Data:       json.RawMessage(e.Content),
			sizeBytes:  e.SizeBytes,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].ID < out[j].ID
	})
	if n := sel.limits.MaxEntries; n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (sel *selection) matches(commodities []string) bool {
	if len(sel.commodity) > 0 {
		for _, c := range commodities {
			if c == sel.commodity {
				return true
			}
		}
		return false
	}
	if len(sel.commodities) > 0 && len(commodities) > 0 {
		for _, c := range commodities {
			if _, ok := sel.commodities[c]; ok {
				return true
			}
		}
		return false
	}
	return true
}

// Close cancels running preparations and waits for them to exit.
func (p *Prioritizer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	if p.ownRegistry {
		return p.opts.Registry.Close()
	}
	return nil
}
