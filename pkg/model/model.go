// Package model holds the enums and small value types shared by the store,
// the prioritizer and the sync engine.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidArgument marks caller errors. They are rejected synchronously
	// and never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned for unknown preparation or query ids.
	ErrNotFound = errors.New("not found")
)

// DataType identifies the kind of record held by a cache entry.
type DataType string

const (
	PriceData           DataType = "price_data"
	MandiInfo           DataType = "mandi_info"
	MSPRates            DataType = "msp_rates"
	WeatherData         DataType = "weather_data"
	CropRecommendations DataType = "crop_recommendations"
	MarketTrends        DataType = "market_trends"
	UserPreferences     DataType = "user_preferences"
)

var allDataTypes = []DataType{
	PriceData,
	MandiInfo,
	MSPRates,
	WeatherData,
	CropRecommendations,
	MarketTrends,
	UserPreferences,
}

// AllDataTypes returns every known data type in declaration order.
func AllDataTypes() []DataType {
	out := make([]DataType, len(allDataTypes))
	copy(out, allDataTypes)
	return out
}

func (t DataType) Valid() bool {
	for _, v := range allDataTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ParseDataType accepts both the wire form ("price_data") and the enum
// spelling ("PRICE_DATA").
func ParseDataType(s string) (DataType, error) {
	t := DataType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown data type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// Priority is the tier of an entry. It drives both eviction order and sync
// scheduling order.
type Priority string

const (
	Critical Priority = "critical"
	High     Priority = "high"
	Medium   Priority = "medium"
	Low      Priority = "low"
)

// Rank returns 0 for critical up to 3 for low. Unknown priorities rank
// below low.
func (p Priority) Rank() int {
	switch p {
	case Critical:
		return 0
	case High:
		return 1
	case Medium:
		return 2
	case Low:
		return 3
	}
	return 4
}

func (p Priority) Valid() bool {
	return p.Rank() < 4
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
	}
	return p, nil
}

// Tiers returns the priorities in sync order.
func Tiers() []Priority {
	return []Priority{Critical, High, Medium, Low}
}

// ConnectivityLevel is the coarse network quality used to gate sync work.
type ConnectivityLevel string

const (
	Good     ConnectivityLevel = "good"
	Moderate ConnectivityLevel = "moderate"
	Poor     ConnectivityLevel = "poor"
	Offline  ConnectivityLevel = "offline"
)

// AllowedTiers returns the priority tiers a cycle may attempt at level l.
func (l ConnectivityLevel) AllowedTiers() []Priority {
	switch l {
	case Good:
		return []Priority{Critical, High, Medium, Low}
	case Moderate:
		return []Priority{Critical, High}
	case Poor:
		return []Priority{Critical}
	}
	return nil
}

// Allows reports whether tier p may run at level l.
func (l ConnectivityLevel) Allows(p Priority) bool {
	for _, t := range l.AllowedTiers() {
		if t == p {
			return true
		}
	}
	return false
}

// Gauge maps the level to a number for metrics: good=3 … offline=0.
func (l ConnectivityLevel) Gauge() float64 {
	switch l {
	case Good:
		return 3
	case Moderate:
		return 2
	case Poor:
		return 1
	}
	return 0
}

// Location is a WGS84 point.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidArgument, l.Lat)
	}
	if l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidArgument, l.Lng)
	}
	return nil
}

// Freshness classifies the age of a sub-collection of an essential data
// package.
type Freshness string

const (
	VeryFresh     Freshness = "very_fresh"
	Fresh         Freshness = "fresh"
	ModerateFresh Freshness = "moderate"
	Stale         Freshness = "stale"
)

func ClassifyFreshness(age time.Duration) Freshness {
	switch {
	case age < time.Hour:
		return VeryFresh
	case age < 6*time.Hour:
		return Fresh
	case age < 24*time.Hour:
		return ModerateFresh
	}
	return Stale
}

// Hours converts an integer hour count from configuration into a duration.
func Hours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
