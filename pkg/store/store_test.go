package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandiear/offline-cache/pkg/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTempStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	s, err := Open(Opts{
		Path: filepath.Join(t.TempDir(), "cache.db"),
		Now:  clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func priceRecord(commodity string, price int) []byte {
	return []byte(fmt.Sprintf(`{"commodity":%q,"mandi":"azadpur","price":%d}`, commodity, price))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Opts{})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	for i := 0; i < 2; i++ {
		s, err := Open(Opts{Path: path})
		require.NoError(t, err)
		var n int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.Equal(t, 2, n)
		require.NoError(t, s.Close())
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t, newFakeClock())

	content := priceRecord("wheat", 2200)
	id, err := s.Put(ctx, model.PriceData, content, model.Critical, PutOptions{
		Identity: "commodity=wheat|mandi=azadpur",
		TTL:      6 * time.Hour,
		Metadata: map[string]any{"commodity": "wheat"},
	})
	require.NoError(t, err)
	assert.Equal(t, EntryID(model.PriceData, "commodity=wheat|mandi=azadpur"), id)

	e, ok := s.Get(ctx, id, true)
	require.True(t, ok)
	assert.JSONEq(t, string(content), string(e.Content))
	assert.Equal(t, model.PriceData, e.DataType)
	assert.Equal(t, model.Critical, e.Priority)
	assert.Equal(t, "wheat", e.Metadata["commodity"])
	assert.EqualValues(t, 1, e.AccessCount)
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, e.ExpiresAt.After(e.CreatedAt))
	assert.Positive(t, e.SizeBytes)

	_, ok = s.Get(ctx, "price_data:unknown", true)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.misses))
}

func TestPut_RejectsBadArguments(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t, newFakeClock())

	_, err := s.Put(ctx, "bogus", []byte(`{}`), model.Low, PutOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = s.Put(ctx, model.PriceData, []byte(`{}`), "urgent", PutOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = s.Put(ctx, model.PriceData, []byte(`{}`), model.Low, PutOptions{TTL: -time.Second})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestGet_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	id, err := s.Put(ctx, model.WeatherData, []byte(`{"temp":31}`), model.High, PutOptions{TTL: 3 * time.Hour})
	require.NoError(t, err)

	clock.Advance(3*time.Hour - time.Second)
	_, ok := s.Get(ctx, id, false)
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = s.Get(ctx, id, false)
	assert.False(t, ok)

	// The expired row was purged on read.
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&n))
	assert.Zero(t, n)
}

func TestPut_ZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	id, err := s.Put(ctx, model.UserPreferences, []byte(`{"user_id":"u1"}`), model.Low, PutOptions{})
	require.NoError(t, err)
	clock.Advance(365 * 24 * time.Hour)
	e, ok := s.Get(ctx, id, false)
	require.True(t, ok)
	assert.Nil(t, e.ExpiresAt)
}

func TestPut_SubMillisecondTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	id, err := s.Put(ctx, model.WeatherData, []byte(`{"temp":31}`), model.High, PutOptions{TTL: 300 * time.Microsecond})
	require.NoError(t, err)
	e, ok := s.Get(ctx, id, false)
	require.True(t, ok)
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, e.ExpiresAt.After(e.CreatedAt))

	clock.Advance(time.Millisecond)
	_, ok = s.Get(ctx, id, false)
	assert.False(t, ok)
}

func TestPut_UpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)
	opts := PutOptions{Identity: "commodity=wheat|mandi=azadpur", TTL: 6 * time.Hour}

	id1, err := s.Put(ctx, model.PriceData, priceRecord("wheat", 2200), model.Critical, opts)
	require.NoError(t, err)
	created := clock.Now()

	clock.Advance(time.Hour)
	id2, err := s.Put(ctx, model.PriceData, priceRecord("wheat", 2250), model.Critical, opts)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	entries, err := s.QueryByTypeAndAge(ctx, model.PriceData, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].CreatedAt.Equal(created))
	assert.True(t, entries[0].UpdatedAt.Equal(clock.Now()))
	assert.JSONEq(t, string(priceRecord("wheat", 2250)), string(entries[0].Content))
}

func TestQueryByTypeAndAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	_, err := s.Put(ctx, model.PriceData, priceRecord("rice", 1), model.Critical, PutOptions{Identity: "old", TTL: 48 * time.Hour})
	require.NoError(t, err)
	clock.Advance(5 * time.Hour)
	_, err = s.Put(ctx, model.PriceData, priceRecord("rice", 2), model.Critical, PutOptions{Identity: "new", TTL: 48 * time.Hour})
	require.NoError(t, err)
	_, err = s.Put(ctx, model.MandiInfo, []byte(`{"mandi_id":"m1"}`), model.High, PutOptions{TTL: 48 * time.Hour})
	require.NoError(t, err)

	entries, err := s.QueryByTypeAndAge(ctx, model.PriceData, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryID(model.PriceData, "new"), entries[0].ID)

	entries, err = s.QueryByTypeAndAge(ctx, model.PriceData, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryID(model.PriceData, "new"), entries[0].ID, "newest first")
}

func TestQuery_LocatorPrefix(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t, newFakeClock())

	put := func(identity, locator string) {
		_, err := s.Put(ctx, model.MandiInfo, []byte(`{}`), model.High, PutOptions{Identity: identity, Locator: locator, TTL: time.Hour})
		require.NoError(t, err)
	}
	put("near", "ttnfv2u8z")
	put("far", "te7ud2ev5")
	put("nowhere", "")

	entries, err := s.Query(ctx, Filter{
		DataType:         model.MandiInfo,
		LocatorPrefixLen: 4,
		LocatorCells:     []string{"ttnf", "ttng"},
	})
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{EntryID(model.MandiInfo, "near"), EntryID(model.MandiInfo, "nowhere")}, ids)
}

func TestClear_ByAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	a, err := s.Put(ctx, model.MarketTrends, []byte(`{"a":1}`), model.Medium, PutOptions{})
	require.NoError(t, err)
	clock.Advance(20 * time.Hour)
	b, err := s.Put(ctx, model.MarketTrends, []byte(`{"b":1}`), model.Medium, PutOptions{})
	require.NoError(t, err)
	clock.Advance(10 * time.Hour)

	n, err := s.Clear(ctx, 24*time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := s.Get(ctx, a, false)
	assert.False(t, ok, "entry aged 30h must be cleared")
	_, ok = s.Get(ctx, b, false)
	assert.True(t, ok, "entry aged 10h must survive")
}

func TestClear_ByTypeAndAll(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t, newFakeClock())

	_, err := s.Put(ctx, model.PriceData, priceRecord("onion", 1), model.Critical, PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, model.MSPRates, []byte(`{"commodity":"wheat"}`), model.Critical, PutOptions{})
	require.NoError(t, err)

	n, err := s.Clear(ctx, 0, model.MSPRates)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Clear(ctx, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var blobs int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM cache_blobs").Scan(&blobs))
	assert.Zero(t, blobs)

	_, err = s.Clear(ctx, 0, "bogus")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestSweepExpired_Idempotent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	_, err := s.Put(ctx, model.WeatherData, []byte(`{"t":1}`), model.High, PutOptions{TTL: time.Hour})
	require.NoError(t, err)
	_, err = s.Put(ctx, model.MSPRates, []byte(`{"m":1}`), model.Critical, PutOptions{TTL: 168 * time.Hour})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalEntries)
}

func TestGet_MissingPayloadSelfHeals(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t, newFakeClock())

	id, err := s.Put(ctx, model.PriceData, priceRecord("potato", 900), model.Critical, PutOptions{TTL: time.Hour})
	require.NoError(t, err)
	_, err = s.db.Exec("DELETE FROM cache_blobs WHERE id = ?", id)
	require.NoError(t, err)

	_, ok := s.Get(ctx, id, true)
	assert.False(t, ok)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM cache_entries WHERE id = ?", id).Scan(&n))
	assert.Zero(t, n, "index row must be removed")
}

func TestQuery_SkipsCorruptPayload(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t, newFakeClock())

	bad, err := s.Put(ctx, model.PriceData, priceRecord("tomato", 1), model.Critical, PutOptions{Identity: "bad", TTL: time.Hour})
	require.NoError(t, err)
	_, err = s.Put(ctx, model.PriceData, priceRecord("tomato", 2), model.Critical, PutOptions{Identity: "good", TTL: time.Hour})
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE cache_blobs SET payload = ? WHERE id = ?", []byte{0xff, 0xff, 0xff}, bad)
	require.NoError(t, err)

	entries, err := s.QueryByTypeAndAge(ctx, model.PriceData, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryID(model.PriceData, "good"), entries[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.evictions.WithLabelValues(ReasonCorrupt)))
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	id, err := s.Put(ctx, model.MandiInfo, []byte(`{"mandi_id":"m1"}`), model.Medium, PutOptions{TTL: time.Hour})
	require.NoError(t, err)
	updated := clock.Now()

	clock.Advance(30 * time.Minute)
	ok, err := s.Promote(ctx, id, model.High, 48*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	e, found := s.Get(ctx, id, false)
	require.True(t, found)
	assert.Equal(t, model.High, e.Priority)
	assert.True(t, e.UpdatedAt.Equal(updated), "promotion keeps the content age")
	assert.True(t, e.ExpiresAt.Equal(clock.Now().Add(48*time.Hour)))

	// Never lowers.
	ok, err = s.Promote(ctx, id, model.Low, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	e, _ = s.Get(ctx, id, false)
	assert.Equal(t, model.High, e.Priority)
	assert.True(t, e.ExpiresAt.Equal(clock.Now().Add(48*time.Hour)))

	ok, err = s.Promote(ctx, "mandi_info:missing", model.High, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnforceBudget_EvictsLowPriorityFirst(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	critical, err := s.Put(ctx, model.PriceData, priceRecord("wheat", 1), model.Critical, PutOptions{Identity: "c"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	low1, err := s.Put(ctx, model.UserPreferences, []byte(`{"user_id":"u1","x":"aaaaaaaa"}`), model.Low, PutOptions{Identity: "l1"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	low2, err := s.Put(ctx, model.UserPreferences, []byte(`{"user_id":"u2","x":"bbbbbbbb"}`), model.Low, PutOptions{Identity: "l2"})
	require.NoError(t, err)

	e, ok := s.Get(ctx, critical, false)
	require.True(t, ok)

	n, err := s.EnforceBudget(ctx, e.SizeBytes)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok = s.Get(ctx, critical, false)
	assert.True(t, ok)
	_, ok = s.Get(ctx, low1, false)
	assert.False(t, ok)
	_, ok = s.Get(ctx, low2, false)
	assert.False(t, ok)

	n, err = s.EnforceBudget(ctx, e.SizeBytes)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDetailedStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	hot, err := s.Put(ctx, model.PriceData, priceRecord("wheat", 1), model.Critical, PutOptions{Identity: "hot", TTL: 6 * time.Hour})
	require.NoError(t, err)
	_, err = s.Put(ctx, model.WeatherData, []byte(`{"t":1}`), model.High, PutOptions{TTL: time.Hour})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, ok := s.Get(ctx, hot, true)
		require.True(t, ok)
	}
	_, ok := s.Get(ctx, "price_data:nope", true)
	require.False(t, ok)
	clock.Advance(2 * time.Hour)

	ds, err := s.DetailedStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.TotalEntries)
	assert.Equal(t, 1, ds.ExpiredEntries)
	assert.Equal(t, map[model.DataType]int{model.PriceData: 1}, ds.EntriesByType)
	assert.Positive(t, ds.SizeByType[model.PriceData])
	require.Len(t, ds.MostAccessed, 1)
	assert.Equal(t, hot, ds.MostAccessed[0].ID)
	assert.EqualValues(t, 3, ds.MostAccessed[0].AccessCount)
	assert.InDelta(t, 0.75, ds.HitRate, 1e-9)
	assert.InDelta(t, 0.25, ds.MissRate, 1e-9)
}

func TestStats_EmptyStore(t *testing.T) {
	s := openTempStore(t, newFakeClock())
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalEntries)
	assert.Zero(t, st.HitRate)
	assert.Zero(t, st.MissRate)
}

func TestConcurrentPutGet(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t, newFakeClock())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id, err := s.Put(ctx, model.PriceData, priceRecord("wheat", w*100+i), model.Critical, PutOptions{
					Identity: fmt.Sprintf("w%d-%d", w, i),
					TTL:      time.Hour,
				})
				if !assert.NoError(t, err) {
					return
				}
				_, ok := s.Get(ctx, id, true)
				assert.True(t, ok)
			}
		}(w)
	}
	wg.Wait()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, st.TotalEntries)
}

func TestQueryRegistration(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTempStore(t, clock)

	q1 := OfflineQuery{QueryType: "price_lookup", Parameters: map[string]any{"commodity": "wheat", "state": "Punjab"}}
	q2 := OfflineQuery{QueryType: "price_lookup", Parameters: map[string]any{"state": "Punjab", "commodity": "wheat"}}
	h1, err := s.PutQuery(ctx, q1)
	require.NoError(t, err)
	h2, err := s.PutQuery(ctx, q2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "parameter order must not change the hash")

	r, err := s.GetQuery(ctx, h1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pending"}`, string(r.Result))
	assert.Equal(t, model.Medium, r.Priority)
	assert.True(t, r.ExpiresAt.Equal(clock.Now().Add(QueryTTL)))

	clock.Advance(QueryTTL)
	_, err = s.GetQuery(ctx, h1)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.PutQuery(ctx, OfflineQuery{})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
