package sync_engine

import (
	"fmt"
	"time"

	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/utils"
)

// SyncConfiguration holds the tunables read by every cycle. A running engine
// only ever sees whole configurations: Configure swaps a validated copy.
type SyncConfiguration struct {
	SyncIntervalMinutes         int `yaml:"sync_interval_minutes" json:"sync_interval_minutes"`
	PriorityDataIntervalMinutes int `yaml:"priority_data_interval_minutes" json:"priority_data_interval_minutes"`

	// MaxCacheSizeMB is enforced after every cycle. Zero disables it.
	MaxCacheSizeMB int `yaml:"max_cache_size_mb" json:"max_cache_size_mb"`

	// MaxAgeHours is the ttl given to synced records of each type.
	MaxAgeHours map[model.DataType]int `yaml:"max_age_hours" json:"max_age_hours"`

	// Tiers maps each priority to the data types synced at that priority.
	Tiers map[model.Priority][]model.DataType `yaml:"tiers" json:"tiers"`

	// TierConcurrency bounds the data types of one tier fetched at once.
	TierConcurrency int `yaml:"tier_concurrency" json:"tier_concurrency"`

	// HistorySize is the number of cycle results kept.
	HistorySize int `yaml:"history_size" json:"history_size"`
}

func defaultMaxAgeHours() map[model.DataType]int {
	return map[model.DataType]int{
		model.PriceData:           6,
		model.MandiInfo:           24,
		model.WeatherData:         3,
		model.MSPRates:            168,
		model.UserPreferences:     720,
		model.CropRecommendations: 24,
		model.MarketTrends:        12,
	}
}

func defaultTiers() map[model.Priority][]model.DataType {
	return map[model.Priority][]model.DataType{
		model.Critical: {model.PriceData, model.MSPRates},
		model.High:     {model.MandiInfo, model.WeatherData},
		model.Medium:   {model.CropRecommendations, model.MarketTrends},
		model.Low:      {model.UserPreferences},
	}
}

// DefaultConfiguration returns the configuration used when nothing is set.
func DefaultConfiguration() SyncConfiguration {
	var c SyncConfiguration
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields. Missing data types in a user supplied
// MaxAgeHours keep their default age.
func (c *SyncConfiguration) SetDefaults() {
	utils.SetDefaultNum(&c.SyncIntervalMinutes, 15)
	utils.SetDefaultNum(&c.PriorityDataIntervalMinutes, 5)
	utils.SetDefaultNum(&c.TierConcurrency, 2)
	utils.SetDefaultNum(&c.HistorySize, 100)

	ages := defaultMaxAgeHours()
	for dt, h := range c.MaxAgeHours {
		ages[dt] = h
	}
	c.MaxAgeHours = ages
	if len(c.Tiers) == 0 {
		c.Tiers = defaultTiers()
	}
}

// Validate rejects configurations a cycle cannot run with.
func (c *SyncConfiguration) Validate() error {
	if c.SyncIntervalMinutes <= 0 {
		return fmt.Errorf("%w: sync_interval_minutes must be positive", model.ErrInvalidArgument)
	}
	if c.PriorityDataIntervalMinutes <= 0 {
		return fmt.Errorf("%w: priority_data_interval_minutes must be positive", model.ErrInvalidArgument)
	}
	if c.MaxCacheSizeMB < 0 {
		return fmt.Errorf("%w: max_cache_size_mb cannot be negative", model.ErrInvalidArgument)
	}
	if c.TierConcurrency <= 0 {
		return fmt.Errorf("%w: tier_concurrency must be positive", model.ErrInvalidArgument)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("%w: history_size must be positive", model.ErrInvalidArgument)
	}
	for dt, h := range c.MaxAgeHours {
		if !dt.Valid() {
			return fmt.Errorf("%w: max_age_hours: unknown data type %q", model.ErrInvalidArgument, dt)
		}
		if h < 0 {
			return fmt.Errorf("%w: max_age_hours[%s] cannot be negative", model.ErrInvalidArgument, dt)
		}
	}
	seen := make(map[model.DataType]model.Priority)
	for p, dts := range c.Tiers {
		if !p.Valid() {
			return fmt.Errorf("%w: tiers: unknown priority %q", model.ErrInvalidArgument, p)
		}
		for _, dt := range dts {
			if !dt.Valid() {
				return fmt.Errorf("%w: tiers[%s]: unknown data type %q", model.ErrInvalidArgument, p, dt)
			}
			if prev, dup := seen[dt]; dup {
				return fmt.Errorf("%w: %s is assigned to both %s and %s", model.ErrInvalidArgument, dt, prev, p)
			}
			seen[dt] = p
		}
	}
	return nil
}

// clone returns a deep copy, so callers cannot mutate a configuration
// that is in use.
func (c SyncConfiguration) clone() SyncConfiguration {
	out := c
	out.MaxAgeHours = make(map[model.DataType]int, len(c.MaxAgeHours))
	for k, v := range c.MaxAgeHours {
		out.MaxAgeHours[k] = v
	}
	out.Tiers = make(map[model.Priority][]model.DataType, len(c.Tiers))
	for k, v := range c.Tiers {
		out.Tiers[k] = append([]model.DataType(nil), v...)
	}
	return out
}

// ttl returns the lifetime given to synced records of dt. Zero means the
// records never expire.
func (c *SyncConfiguration) ttl(dt model.DataType) time.Duration {
	return model.Hours(c.MaxAgeHours[dt])
}

func (c *SyncConfiguration) interval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

func (c *SyncConfiguration) priorityInterval() time.Duration {
	return time.Duration(c.PriorityDataIntervalMinutes) * time.Minute
}
