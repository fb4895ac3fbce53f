package prioritizer

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mandiear/offline-cache/pkg/job_registry/mem_registry"
	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/records"
	"github.com/mandiear/offline-cache/pkg/store"
)

var delhi = model.Location{Lat: 28.6139, Lng: 77.2090}

// north returns the point km kilometres north of loc.
func north(loc model.Location, km float64) model.Location {
	return model.Location{Lat: loc.Lat + km/111.195, Lng: loc.Lng}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)}
}

func openStore(t *testing.T, c *clock) *store.Store {
	t.Helper()
	s, err := store.Open(store.Opts{Path: filepath.Join(t.TempDir(), "cache.db"), Now: c.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPrioritizer(t *testing.T, s Store, c *clock, cfg Config) *Prioritizer {
	t.Helper()
	p, err := New(Opts{Store: s, Now: c.Now, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func put(t *testing.T, s *store.Store, dt model.DataType, content string, prio model.Priority, ttl time.Duration) string {
	t.Helper()
	d, err := records.Describe(dt, []byte(content))
	require.NoError(t, err)
	id, err := s.Put(context.Background(), dt, []byte(content), prio, store.PutOptions{
		Identity: d.Identity,
		TTL:      ttl,
		Metadata: d.Metadata,
		Locator:  d.Locator,
	})
	require.NoError(t, err)
	return id
}

func price(commodity, mandi string, loc model.Location) string {
	return fmt.Sprintf(`{"commodity":%q,"mandi_id":%q,"price":2200,"latitude":%f,"longitude":%f}`,
		commodity, mandi, loc.Lat, loc.Lng)
}

func mandi(id string, loc model.Location) string {
	return fmt.Sprintf(`{"mandi_id":%q,"name":"Mandi %s","latitude":%f,"longitude":%f}`, id, id, loc.Lat, loc.Lng)
}

func TestGetEssentialData_RadiusAndRanking(t *testing.T) {
	c := newClock()
	s := openStore(t, c)
	near := put(t, s, model.PriceData, price("wheat", "near", north(delhi, 5)), model.Critical, 6*time.Hour)
	put(t, s, model.PriceData, price("wheat", "far", north(delhi, 120)), model.Critical, 6*time.Hour)
	p := newPrioritizer(t, s, c, Config{})

	pkg, err := p.GetEssentialData(context.Background(), delhi, 50)
	require.NoError(t, err)
	require.Len(t, pkg.Prices, 1, "the 120km price must be excluded")
	assert.Equal(t, near, pkg.Prices[0].ID)
	require.NotNil(t, pkg.Prices[0].DistanceKM)
	assert.InDelta(t, 5, *pkg.Prices[0].DistanceKM, 0.05)
	// 0.4*95 + 0.4*24 + 0.2*10
	assert.InDelta(t, 49.6, pkg.Prices[0].Relevance, 0.05)

	pkg, err = p.GetEssentialData(context.Background(), delhi, 200)
	require.NoError(t, err)
	require.Len(t, pkg.Prices, 2)
	assert.Equal(t, near, pkg.Prices[0].ID, "the 5km price ranks first")
	assert.Greater(t, pkg.Prices[0].Relevance, pkg.Prices[1].Relevance)
}

func TestGetEssentialData_MandiOrderIsDeterministic(t *testing.T) {
	c := newClock()
	s := openStore(t, c)
	put(t, s, model.MandiInfo, mandi("m-b", north(delhi, 10)), model.High, 0)
	put(t, s, model.MandiInfo, mandi("m-a", north(delhi, 10)), model.High, 0)
	put(t, s, model.MandiInfo, mandi("m-c", north(delhi, 2)), model.High, 0)
	put(t, s, model.MandiInfo, mandi("m-d", north(delhi, 30)), model.High, 0)
	p := newPrioritizer(t, s, c, Config{})

	for i := 0; i < 3; i++ {
		pkg, err := p.GetEssentialData(context.Background(), delhi, 50)
		require.NoError(t, err)
		require.Len(t, pkg.Mandis, 4)
		for j := 1; j < len(pkg.Mandis); j++ {
			prev, cur := pkg.Mandis[j-1], pkg.Mandis[j]
			if prev.Relevance == cur.Relevance {
				assert.Less(t, prev.ID, cur.ID, "ties are broken by id")
			} else {
				assert.Greater(t, prev.Relevance, cur.Relevance)
			}
		}
		assert.JSONEq(t, mandi("m-c", north(delhi, 2)), string(pkg.Mandis[0].Data))
	}
}

func TestGetEssentialData_EmptyAndFreshness(t *testing.T) {
	c := newClock()
	s := openStore(t, c)
	put(t, s, model.MSPRates, `{"commodity":"wheat","season":"rabi","msp":2275}`, model.Critical, 0)
	put(t, s, model.WeatherData, `{"station_id":"safdarjung","temp":31}`, model.High, 3*time.Hour)
	c.Advance(2 * time.Hour)
	p := newPrioritizer(t, s, c, Config{})

	pkg, err := p.GetEssentialData(context.Background(), delhi, 25)
	require.NoError(t, err)
	assert.Empty(t, pkg.Prices)
	assert.NotNil(t, pkg.Prices)
	assert.Empty(t, pkg.Mandis)
	assert.Len(t, pkg.MSPRates, 1)
	assert.Len(t, pkg.Weather, 1, "weather without coordinates is kept")
	assert.Equal(t, 2, pkg.TotalItems)
	assert.Equal(t, model.Stale, pkg.DataFreshness[model.PriceData])
	assert.Equal(t, model.Fresh, pkg.DataFreshness[model.MSPRates])
	assert.Equal(t, model.Fresh, pkg.DataFreshness[model.WeatherData])
}

func TestGetEssentialData_RejectsBadInput(t *testing.T) {
	c := newClock()
	p := newPrioritizer(t, openStore(t, c), c, Config{})
	ctx := context.Background()

	for _, r := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err := p.GetEssentialData(ctx, delhi, r)
		assert.ErrorIs(t, err, model.ErrInvalidArgument, "radius %v", r)
	}
	_, err := p.GetEssentialData(ctx, model.Location{Lat: 91}, 10)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = p.PrepareOfflineData(ctx, delhi, nil, 0)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestGetEssentialData_Caps(t *testing.T) {
	c := newClock()
	s := openStore(t, c)
	for i := 0; i < 8; i++ {
		put(t, s, model.MandiInfo, mandi(fmt.Sprintf("m%d", i), north(delhi, float64(i))), model.High, 0)
	}
	p := newPrioritizer(t, s, c, Config{Mandis: TypeLimits{MaxEntries: 3}})

	pkg, err := p.GetEssentialData(context.Background(), delhi, 50)
	require.NoError(t, err)
	require.Len(t, pkg.Mandis, 3)
	assert.JSONEq(t, mandi("m0", north(delhi, 0)), string(pkg.Mandis[0].Data))
}

func TestGetEssentialData_Concurrent(t *testing.T) {
	c := newClock()
	s := openStore(t, c)
	put(t, s, model.PriceData, price("rice", "x", north(delhi, 1)), model.Critical, 6*time.Hour)
	p := newPrioritizer(t, s, c, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pkg, err := p.GetEssentialData(context.Background(), delhi, 10)
			if assert.NoError(t, err) {
				assert.Len(t, pkg.Prices, 1)
			}
		}()
	}
	wg.Wait()
}

func TestPrepareOfflineData_Lifecycle(t *testing.T) {
	c := newClock()
	s := openStore(t, c)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	wheat := put(t, s, model.PriceData, price("wheat", "azadpur", north(delhi, 5)), model.Medium, time.Hour)
	put(t, s, model.PriceData, price("cotton", "azadpur", north(delhi, 5)), model.Medium, time.Hour)
	m := put(t, s, model.MandiInfo, mandi("azadpur", north(delhi, 5)), model.Medium, time.Hour)
	msp := put(t, s, model.MSPRates, `{"commodity":"wheat","season":"rabi","msp":2275}`, model.Medium, time.Hour)
	put(t, s, model.MSPRates, `{"commodity":"cotton","season":"kharif","msp":6620}`, model.Medium, time.Hour)
	w := put(t, s, model.WeatherData, fmt.Sprintf(`{"temp":31,"latitude":%f,"longitude":%f}`, delhi.Lat, delhi.Lng), model.Medium, time.Hour)

	p, err := New(Opts{Store: s, Now: c.Now})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	id, err := p.PrepareOfflineData(ctx, delhi, []string{" Wheat ", "wheat"}, 50)
	require.NoError(t, err)

	var prep OfflinePreparation
	require.Eventually(t, func() bool {
		prep, err = p.GetPreparationStatus(ctx, id)
		return err == nil && prep.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, Completed, prep.Status, prep.ErrorMessage)
	assert.Equal(t, 100.0, prep.ProgressPercentage)
	assert.Equal(t, []string{"wheat"}, prep.Commodities)
	assert.Equal(t, map[model.DataType]int{
		model.PriceData:   1,
		model.MandiInfo:   1,
		model.MSPRates:    1,
		model.WeatherData: 1,
	}, prep.ItemsPrepared)
	assert.Positive(t, prep.DataSizeMB)
	assert.NotEmpty(t, prep.CoverageCells)
	require.NotNil(t, prep.CompletedAt)

	check := func(id string, want model.Priority, ttl time.Duration) {
		e, ok := s.Get(ctx, id, false)
		require.True(t, ok)
		assert.Equal(t, want, e.Priority)
		assert.True(t, e.ExpiresAt.Equal(c.Now().Add(ttl)), id)
	}
	check(wheat, model.Critical, priceBundleTTL)
	check(m, model.High, mandiBundleTTL)
	check(msp, model.Critical, mspBundleTTL)
	check(w, model.High, weatherBundleTTL)

	// The finished job is served from the registry.
	require.Eventually(t, func() bool { return p.ActivePreparations() == 0 }, time.Second, 5*time.Millisecond)
	prep, err = p.GetPreparationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Completed, prep.Status)

	_, err = p.GetPreparationStatus(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// blockingStore blocks every query until its context is done.
type blockingStore struct {
	Store
	entered chan struct{}
}

func (b *blockingStore) Query(ctx context.Context, _ store.Filter) ([]*store.Entry, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPrepareOfflineData_BoundedAndCancellable(t *testing.T) {
	c := newClock()
	bs := &blockingStore{Store: openStore(t, c), entered: make(chan struct{}, 1)}
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := mem_registry.NewMemRegistry(16, 0)
	defer reg.Close()
	p, err := New(Opts{Store: bs, Registry: reg, Now: c.Now, Config: Config{
		MaxConcurrentPreparations: 1,
		MaxPendingPreparations:    2,
	}})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := p.PrepareOfflineData(ctx, delhi, []string{"wheat"}, 10)
	require.NoError(t, err)
	<-bs.entered
	second, err := p.PrepareOfflineData(ctx, delhi, []string{"rice"}, 10)
	require.NoError(t, err)
	_, err = p.PrepareOfflineData(ctx, delhi, []string{"onion"}, 10)
	require.ErrorIs(t, err, ErrTooManyPreparations)

	prep, err := p.CancelPreparation(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, prep.Status)
	assert.Equal(t, 10.0, prep.ProgressPercentage)

	// The queued job starts once the first one released its slot.
	<-bs.entered
	prep, err = p.GetPreparationStatus(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Preparing, prep.Status)

	require.NoError(t, p.Close())
	prep, err = p.GetPreparationStatus(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, prep.Status)
	assert.Equal(t, "shutting down", prep.ErrorMessage)

	_, err = p.PrepareOfflineData(ctx, delhi, nil, 10)
	assert.ErrorIs(t, err, ErrClosed)
}

// failingStore fails every promotion.
type failingStore struct {
	Store
}

func (failingStore) Promote(context.Context, string, model.Priority, time.Duration) (bool, error) {
	return false, fmt.Errorf("disk full")
}

func TestPrepareOfflineData_StageFailure(t *testing.T) {
	c := newClock()
	s := openStore(t, c)
	put(t, s, model.PriceData, price("wheat", "azadpur", north(delhi, 5)), model.Medium, time.Hour)
	p := newPrioritizer(t, failingStore{Store: s}, c, Config{})

	ctx := context.Background()
	id, err := p.PrepareOfflineData(ctx, delhi, []string{"wheat"}, 50)
	require.NoError(t, err)

	var prep OfflinePreparation
	require.Eventually(t, func() bool {
		prep, err = p.GetPreparationStatus(ctx, id)
		return err == nil && prep.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Failed, prep.Status)
	assert.Contains(t, prep.ErrorMessage, "disk full")
	assert.Equal(t, 10.0, prep.ProgressPercentage)
}

func TestScorer(t *testing.T) {
	s, err := NewScorer(DefaultRelevanceExpression, DefaultEssentialCommodities)
	require.NoError(t, err)

	v, err := s.Score(5, true, 0, []string{"wheat"})
	require.NoError(t, err)
	assert.InDelta(t, 49.6, v, 1e-9)

	v, err = s.Score(150, true, 30*time.Hour, []string{"cotton"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-9)
	assert.True(t, s.IsEssential(" Wheat "))
	assert.False(t, s.IsEssential("cotton"))

	v, err = s.Score(0, false, 12*time.Hour, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4*12+0.2*5, v, 1e-9)

	custom, err := NewScorer("distance_score", nil)
	require.NoError(t, err)
	v, err = custom.Score(40, true, time.Hour, nil)
	require.NoError(t, err)
	assert.InDelta(t, 60, v, 1e-9)

	_, err = NewScorer("0.4 * (", nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = NewScorer("distance_score > 3", nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
