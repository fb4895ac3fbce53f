package records

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandiear/offline-cache/pkg/model"
)

func TestDescribePriceIdentityIgnoresPriceAndTime(t *testing.T) {
	a, err := Describe(model.PriceData, []byte(`{"commodity":"Wheat","mandi":"Azadpur","price":2100,"updated":"2026-10-01T10:00:00Z","latitude":28.7,"longitude":77.17,"state":"Delhi"}`))
	require.NoError(t, err)
	b, err := Describe(model.PriceData, []byte(`{"commodity":"wheat","mandi":"azadpur ","price":2250,"updated":"2026-10-02T10:00:00Z","latitude":28.7,"longitude":77.17,"state":"Delhi"}`))
	require.NoError(t, err)

	assert.Equal(t, a.Identity, b.Identity)
	assert.Equal(t, "commodity=wheat|mandi=azadpur", a.Identity)
	assert.Equal(t, "wheat", a.Metadata[KeyCommodity])
	assert.Equal(t, "delhi", a.Metadata[KeyState])
	assert.NotEmpty(t, a.Locator)

	loc, ok := Coordinates(a.Metadata)
	require.True(t, ok)
	assert.InDelta(t, 28.7, loc.Lat, 1e-9)
}

func TestDescribeFallsBackToContentHash(t *testing.T) {
	a, err := Describe(model.MarketTrends, []byte(`{"trending_up":["wheat"],"stable":["rice"]}`))
	require.NoError(t, err)
	b, err := Describe(model.MarketTrends, []byte(`{ "stable":["rice"], "trending_up":["wheat"] }`))
	require.NoError(t, err)
	c, err := Describe(model.MarketTrends, []byte(`{"trending_up":["onion"]}`))
	require.NoError(t, err)

	assert.Equal(t, a.Identity, b.Identity)
	assert.NotEqual(t, a.Identity, c.Identity)
}

func TestDescribeNonObjectContent(t *testing.T) {
	d, err := Describe(model.MSPRates, []byte(`[{"commodity":"wheat","msp":2275}]`))
	require.NoError(t, err)
	assert.Contains(t, d.Identity, "hash=")
	assert.Empty(t, d.Locator)
}

func TestDescribeRejectsBadInput(t *testing.T) {
	_, err := Describe(model.PriceData, []byte(`{not json`))
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))

	_, err = Describe(model.DataType("bogus"), []byte(`{}`))
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
}

func TestDescribeWeatherByCell(t *testing.T) {
	a, err := Describe(model.WeatherData, []byte(`{"lat":28.61,"lng":77.20,"temperature":31}`))
	require.NoError(t, err)
	b, err := Describe(model.WeatherData, []byte(`{"lat":28.611,"lng":77.201,"temperature":29}`))
	require.NoError(t, err)
	assert.Equal(t, a.Identity, b.Identity)
	assert.Contains(t, a.Identity, "cell=")
}

func TestCommodities(t *testing.T) {
	d, err := Describe(model.MandiInfo, []byte(`{"mandi_id":"m1","commodities":["Wheat","Onion"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"wheat", "onion"}, Commodities(d.Metadata))
	assert.Equal(t, "mandi_id=m1", d.Identity)
}

const (
	azadpurPrice = `{"commodity":"Wheat","variety":"Lokwan","current_price":2250,"price_range":{"min":2100,"max":2400,"avg":2250},"unit":"quintal",
"mandi":{"id":"MH-AZD","name":"Azadpur","location":{"latitude":28.7074,"longitude":77.1790,"district":"North Delhi","state":"Delhi","country":"India"}},
"last_updated":"2026-10-01T10:00:00Z","price_points":[],"trend_indicator":"stable"}`
	karnalPrice = `{"commodity":"Wheat","variety":"Lokwan","current_price":2180,"price_range":{"min":2050,"max":2300,"avg":2180},"unit":"quintal",
"mandi":{"id":"HR-KNL","name":"Karnal","location":{"latitude":29.6857,"longitude":76.9905,"state":"Haryana"}},
"last_updated":"2026-10-01T10:05:00Z"}`
)

func TestDescribeNestedMandiPrice(t *testing.T) {
	a, err := Describe(model.PriceData, []byte(azadpurPrice))
	require.NoError(t, err)
	b, err := Describe(model.PriceData, []byte(karnalPrice))
	require.NoError(t, err)

	assert.Equal(t, "commodity=wheat|mandi.id=mh-azd|variety=lokwan", a.Identity)
	assert.NotEqual(t, a.Identity, b.Identity)
	assert.Equal(t, "mh-azd", a.Metadata[KeyMandi])
	assert.Equal(t, "delhi", a.Metadata[KeyState])
	assert.Equal(t, "haryana", b.Metadata[KeyState])
	assert.NotEmpty(t, a.Locator)

	loc, ok := Coordinates(a.Metadata)
	require.True(t, ok)
	assert.InDelta(t, 28.7074, loc.Lat, 1e-9)
	assert.InDelta(t, 77.1790, loc.Lng, 1e-9)

	// A later quote of the same mandi and variety is the same entry.
	c, err := Describe(model.PriceData, []byte(`{"commodity":"wheat","variety":"lokwan","current_price":2300,
"mandi":{"id":"MH-AZD","name":"Azadpur","location":{"latitude":28.7074,"longitude":77.1790,"state":"Delhi"}}}`))
	require.NoError(t, err)
	assert.Equal(t, a.Identity, c.Identity)

	// Without an id the mandi name identifies it.
	d, err := Describe(model.PriceData, []byte(`{"commodity":"onion","mandi":{"name":"Lasalgaon"}}`))
	require.NoError(t, err)
	assert.Equal(t, "commodity=onion|mandi.name=lasalgaon", d.Identity)
}

func TestDescribeMandiInfoLocation(t *testing.T) {
	d, err := Describe(model.MandiInfo, []byte(`{"id":"MH-AZD","name":"Azadpur","location":{"latitude":28.7074,"longitude":77.1790,"state":"Delhi"},"facilities":["cold_storage"],"reliability_score":0.9}`))
	require.NoError(t, err)
	assert.Equal(t, "id=mh-azd", d.Identity)
	assert.Equal(t, "delhi", d.Metadata[KeyState])
	_, ok := Coordinates(d.Metadata)
	assert.True(t, ok)
}

func TestDescribePriceWithoutMandiKeyedByCell(t *testing.T) {
	near, err := Describe(model.PriceData, []byte(`{"commodity":"wheat","latitude":28.66,"longitude":77.21,"price":2200}`))
	require.NoError(t, err)
	far, err := Describe(model.PriceData, []byte(`{"commodity":"wheat","latitude":29.69,"longitude":77.21,"price":2100}`))
	require.NoError(t, err)
	again, err := Describe(model.PriceData, []byte(`{"commodity":"Wheat","latitude":28.66,"longitude":77.21,"price":2150}`))
	require.NoError(t, err)

	assert.NotEqual(t, near.Identity, far.Identity)
	assert.Equal(t, near.Identity, again.Identity)
	assert.Contains(t, near.Identity, "cell=")

	noLoc, err := Describe(model.PriceData, []byte(`{"commodity":"wheat","price":2100}`))
	require.NoError(t, err)
	assert.Equal(t, "commodity=wheat", noLoc.Identity)
}
