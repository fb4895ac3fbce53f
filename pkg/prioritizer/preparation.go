package prioritizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/pkg/geo"
	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/records"
)

type PreparationStatus string

const (
	Preparing PreparationStatus = "preparing"
	Completed PreparationStatus = "completed"
	Failed    PreparationStatus = "failed"
	Cancelled PreparationStatus = "cancelled"
)

func (s PreparationStatus) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// OfflinePreparation is the status of one preparation job.
type OfflinePreparation struct {
	PreparationID       string                 `json:"preparation_id"`
	Location            model.Location         `json:"user_location"`
	Commodities         []string               `json:"commodities"`
	RadiusKM            float64                `json:"radius_km"`
	Status              PreparationStatus      `json:"status"`
	ProgressPercentage  float64                `json:"progress_percentage"`
	DataSizeMB          float64                `json:"data_size_mb"`
	ItemsPrepared       map[model.DataType]int `json:"items_prepared"`
	CoverageCells       []string               `json:"coverage_cells,omitempty"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	EstimatedCompletion time.Time              `json:"estimated_completion"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
}

// Bundle rules, per stage.
const (
	pricesPerCommodity = 20
	priceBundleTTL     = 24 * time.Hour
	mandisPerBundle    = 30
	mandiBundleTTL     = 48 * time.Hour
	mspBundleTTL       = 168 * time.Hour
	weatherBundleTTL   = 6 * time.Hour

	estimatedDuration = 5 * time.Minute
)

type job struct {
	mu     sync.Mutex
	prep   OfflinePreparation
	size   int64
	cancel context.CancelFunc
}

func (j *job) snapshot() OfflinePreparation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.copyLocked()
}

func (j *job) copyLocked() OfflinePreparation {
	s := j.prep
	s.Commodities = append([]string(nil), j.prep.Commodities...)
	s.CoverageCells = append([]string(nil), j.prep.CoverageCells...)
	s.ItemsPrepared = make(map[model.DataType]int, len(j.prep.ItemsPrepared))
	for k, v := range j.prep.ItemsPrepared {
		s.ItemsPrepared[k] = v
	}
	return s
}

// PrepareOfflineData validates the request, records a job in state
// preparing and returns its id. The job itself runs in the background.
// An empty commodities list means the essential commodities.
func (p *Prioritizer) PrepareOfflineData(ctx context.Context, loc model.Location, commodities []string, radiusKM float64) (string, error) {
	if err := validateArea(loc, radiusKM); err != nil {
		return "", err
	}
	cs := normalizeCommodities(commodities)
	if len(cs) == 0 {
		cs = normalizeCommodities(p.opts.Config.EssentialCommodities)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	if !p.pending.TryAcquire(1) {
		return "", ErrTooManyPreparations
	}

	now := p.opts.Now()
	jobCtx, cancel := context.WithCancel(p.ctx)
	j := &job{
		cancel: cancel,
		prep: OfflinePreparation{
			PreparationID:       uuid.NewString(),
			Location:            loc,
			Commodities:         cs,
			RadiusKM:            radiusKM,
			Status:              Preparing,
			ItemsPrepared:       make(map[model.DataType]int),
			CoverageCells:       geo.CoverageCells(loc, radiusKM),
			CreatedAt:           now,
			EstimatedCompletion: now.Add(estimatedDuration),
		},
	}
	id := j.prep.PreparationID
	p.jobs[id] = j
	p.persist(ctx, j.copyLocked())

	p.wg.Add(1)
	go p.run(jobCtx, j)

	p.opts.Logger.Info("offline data preparation started",
		zap.String("preparation_id", id),
		zap.Strings("commodities", cs),
		zap.Float64("radius_km", radiusKM))
	return id, nil
}

// GetPreparationStatus returns model.ErrNotFound for unknown or expired ids.
func (p *Prioritizer) GetPreparationStatus(ctx context.Context, id string) (OfflinePreparation, error) {
	p.mu.Lock()
	j, ok := p.jobs[id]
	p.mu.Unlock()
	if ok {
		return j.snapshot(), nil
	}

	b, ok := p.opts.Registry.Get(ctx, id)
	if !ok {
		return OfflinePreparation{}, fmt.Errorf("preparation %s: %w", id, model.ErrNotFound)
	}
	var prep OfflinePreparation
	if err := json.Unmarshal(b, &prep); err != nil {
		p.opts.Logger.Warn("invalid preparation snapshot", zap.String("preparation_id", id), zap.Error(err))
		return OfflinePreparation{}, fmt.Errorf("preparation %s: %w", id, model.ErrNotFound)
	}
	return prep, nil
}

// CancelPreparation stops a running job and marks it cancelled. Promoted
// data is kept. Cancelling a finished job returns its final status.
func (p *Prioritizer) CancelPreparation(ctx context.Context, id string) (OfflinePreparation, error) {
	p.mu.Lock()
	j, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return p.GetPreparationStatus(ctx, id)
	}
	if p.finish(j, Cancelled, "cancelled by caller") {
		p.opts.Logger.Info("offline data preparation cancelled", zap.String("preparation_id", id))
	}
	j.cancel()
	return j.snapshot(), nil
}

// ActivePreparations returns the number of unfinished jobs.
func (p *Prioritizer) ActivePreparations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *Prioritizer) run(ctx context.Context, j *job) {
	defer p.wg.Done()
	defer p.pending.Release(1)
	defer j.cancel()

	id := j.snapshot().PreparationID
	defer func() {
		p.mu.Lock()
		delete(p.jobs, id)
		p.mu.Unlock()
	}()

	if err := p.running.Acquire(ctx, 1); err != nil {
		p.finish(j, Cancelled, cancelReason(p.ctx))
		return
	}
	defer p.running.Release(1)
	p.m.running.Inc()
	defer p.m.running.Dec()

	stages := []struct {
		name     string
		f        func(ctx context.Context, j *job) error
		progress float64
	}{
		{"prices", p.preparePrices, 40},
		{"mandis", p.prepareMandis, 60},
		{"supplementary", p.prepareSupplementary, 80},
		{"finalize", p.finalize, 100},
	}

	p.progress(ctx, j, 10)
	for _, s := range stages {
		if ctx.Err() != nil {
			p.finish(j, Cancelled, cancelReason(p.ctx))
			return
		}
		if err := s.f(ctx, j); err != nil {
			if ctx.Err() != nil {
				p.finish(j, Cancelled, cancelReason(p.ctx))
				return
			}
			p.opts.Logger.Error("offline data preparation failed",
				zap.String("preparation_id", id),
				zap.String("stage", s.name),
				zap.Error(err))
			p.finish(j, Failed, fmt.Sprintf("%s: %v", s.name, err))
			return
		}
		p.progress(ctx, j, s.progress)
	}

	if p.finish(j, Completed, "") {
		snap := j.snapshot()
		p.opts.Logger.Info("offline data preparation completed",
			zap.String("preparation_id", id),
			zap.Float64("data_size_mb", snap.DataSizeMB))
	}
}

func cancelReason(parent context.Context) string {
	if parent.Err() != nil {
		return "shutting down"
	}
	return "cancelled by caller"
}

// progress moves the job forward. Progress never decreases.
func (p *Prioritizer) progress(ctx context.Context, j *job, pct float64) {
	j.mu.Lock()
	if j.prep.Status.Terminal() || pct <= j.prep.ProgressPercentage {
		j.mu.Unlock()
		return
	}
	j.prep.ProgressPercentage = pct
	snap := j.copyLocked()
	j.mu.Unlock()
	p.persist(ctx, snap)
}

// finish moves the job to a terminal status. It returns false if the job
// already was terminal.
func (p *Prioritizer) finish(j *job, status PreparationStatus, msg string) bool {
	j.mu.Lock()
	if j.prep.Status.Terminal() {
		j.mu.Unlock()
		return false
	}
	now := p.opts.Now()
	j.prep.Status = status
	j.prep.ErrorMessage = msg
	j.prep.CompletedAt = &now
	snap := j.copyLocked()
	j.mu.Unlock()

	p.m.total.WithLabelValues(string(status)).Inc()
	// The terminal snapshot must be written even if the job was cancelled.
	p.persist(context.Background(), snap)
	return true
}

func (p *Prioritizer) persist(ctx context.Context, prep OfflinePreparation) {
	b, err := json.Marshal(prep)
	if err != nil {
		p.opts.Logger.Error("failed to encode preparation", zap.Error(err))
		return
	}
	if err := p.opts.Registry.Store(ctx, prep.PreparationID, b, p.opts.Config.PreparationRetention); err != nil {
		p.opts.Logger.Warn("failed to store preparation snapshot",
			zap.String("preparation_id", prep.PreparationID),
			zap.Error(err))
	}
}

// promote pins rs with priority and ttl and accounts for them in j.
func (p *Prioritizer) promote(ctx context.Context, j *job, dt model.DataType, rs []ScoredRecord, priority model.Priority, ttl time.Duration) error {
	var (
		n    int
		size int64
	)
	for _, r := range rs {
		ok, err := p.opts.Store.Promote(ctx, r.ID, priority, ttl)
		if err != nil {
			return err
		}
		if !ok {
			// Expired or removed since it was selected.
			continue
		}
		n++
		size += r.sizeBytes
	}

	j.mu.Lock()
	j.prep.ItemsPrepared[dt] += n
	j.size += size
	j.prep.DataSizeMB = math.Round(float64(j.size)/(1024*1024)*10000) / 10000
	j.mu.Unlock()
	return nil
}

func (p *Prioritizer) area(j *job) (model.Location, float64, []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.prep.Location, j.prep.RadiusKM, append([]string(nil), j.prep.Commodities...)
}

func (p *Prioritizer) preparePrices(ctx context.Context, j *job) error {
	loc, radius, commodities := p.area(j)
	now := p.opts.Now()
	for _, c := range commodities {
		rs, err := p.rank(ctx, now, loc, radius, selection{
			dataType:  model.PriceData,
			limits:    TypeLimits{MaxAgeHours: p.opts.Config.Prices.MaxAgeHours, MaxEntries: pricesPerCommodity},
			geo:       geoRequired,
			commodity: c,
		})
		if err != nil {
			return err
		}
		if err := p.promote(ctx, j, model.PriceData, rs, model.Critical, priceBundleTTL); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prioritizer) prepareMandis(ctx context.Context, j *job) error {
	loc, radius, _ := p.area(j)
	rs, err := p.rank(ctx, p.opts.Now(), loc, radius, selection{
		dataType: model.MandiInfo,
		limits:   TypeLimits{MaxAgeHours: p.opts.Config.Mandis.MaxAgeHours, MaxEntries: mandisPerBundle},
		geo:      geoRequired,
	})
	if err != nil {
		return err
	}
	return p.promote(ctx, j, model.MandiInfo, rs, model.High, mandiBundleTTL)
}

// prepareSupplementary pins the MSP rates of the requested commodities and
// the local weather.
func (p *Prioritizer) prepareSupplementary(ctx context.Context, j *job) error {
	loc, radius, commodities := p.area(j)
	now := p.opts.Now()
	wanted := make(map[string]struct{}, len(commodities))
	for _, c := range commodities {
		wanted[c] = struct{}{}
	}

	msp, err := p.rank(ctx, now, loc, radius, selection{
		dataType:    model.MSPRates,
		limits:      p.opts.Config.MSP,
		geo:         geoIgnored,
		commodities: wanted,
	})
	if err != nil {
		return err
	}
	if err := p.promote(ctx, j, model.MSPRates, msp, model.Critical, mspBundleTTL); err != nil {
		return err
	}

	weather, err := p.rank(ctx, now, loc, radius, selection{
		dataType: model.WeatherData,
		limits:   p.opts.Config.Weather,
		geo:      geoIfLocated,
	})
	if err != nil {
		return err
	}
	return p.promote(ctx, j, model.WeatherData, weather, model.High, weatherBundleTTL)
}

// finalize drops expired entries and brings the cache back under budget.
func (p *Prioritizer) finalize(ctx context.Context, j *job) error {
	if _, err := p.opts.Store.SweepExpired(ctx); err != nil {
		return err
	}
	if mb := p.opts.Config.MaxCacheSizeMB; mb > 0 {
		if _, err := p.opts.Store.EnforceBudget(ctx, int64(mb)*1024*1024); err != nil {
			return err
		}
	}
	return nil
}

func normalizeCommodities(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = records.Normalize(c)
		if len(c) == 0 {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

