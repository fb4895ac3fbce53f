package store

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mandiear/offline-cache/pkg/model"
)

const mostAccessedLimit = 10

type Stats struct {
	TotalEntries   int                    `json:"total_entries"`
	TotalSizeBytes int64                  `json:"total_size_bytes"`
	TotalSizeMB    float64                `json:"total_size_mb"`
	EntriesByType  map[model.DataType]int `json:"entries_by_type"`
	Hits           uint64                 `json:"hits"`
	Misses         uint64                 `json:"misses"`
	HitRate        float64                `json:"hit_rate"`
	MissRate       float64                `json:"miss_rate"`
}

type AccessRecord struct {
	ID          string         `json:"id"`
	DataType    model.DataType `json:"data_type"`
	AccessCount int64          `json:"access_count"`
}

type DetailedStats struct {
	Stats
	SizeByType     map[model.DataType]int64 `json:"size_by_type_bytes"`
	ExpiredEntries int                      `json:"expired_entries"`
	PendingQueries int                      `json:"pending_queries"`
	MostAccessed   []AccessRecord           `json:"most_accessed"`
}

// Stats counts live entries only. Rates are zero before the first read.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	now := s.opts.Now().UnixMilli()
	st := Stats{EntriesByType: make(map[model.DataType]int)}

	rows, err := s.db.QueryContext(ctx, `
SELECT data_type, COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries
WHERE expires_at IS NULL OR expires_at > ?
GROUP BY data_type`, now)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			dt   string
			n    int
			size int64
		)
		if err := rows.Scan(&dt, &n, &size); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
		st.EntriesByType[model.DataType(dt)] = n
		st.TotalEntries += n
		st.TotalSizeBytes += size
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	st.TotalSizeMB = toMB(st.TotalSizeBytes)
	st.Hits = uint64(counterValue(s.m.hits))
	st.Misses = uint64(counterValue(s.m.misses))
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
		st.MissRate = float64(st.Misses) / float64(total)
	}
	return st, nil
}

func (s *Store) DetailedStats(ctx context.Context) (DetailedStats, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return DetailedStats{}, err
	}
	now := s.opts.Now().UnixMilli()
	ds := DetailedStats{Stats: st, SizeByType: make(map[model.DataType]int64)}

	rows, err := s.db.QueryContext(ctx, `
SELECT data_type, COALESCE(SUM(size_bytes), 0) FROM cache_entries
WHERE expires_at IS NULL OR expires_at > ?
GROUP BY data_type`, now)
	if err != nil {
		return DetailedStats{}, fmt.Errorf("size by type: %w", err)
	}
	for rows.Next() {
		var (
			dt   string
			size int64
		)
		if err := rows.Scan(&dt, &size); err != nil {
			_ = rows.Close()
			return DetailedStats{}, fmt.Errorf("size by type: %w", err)
		}
		ds.SizeByType[model.DataType(dt)] = size
	}
	_ = rows.Close()

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?", now,
	).Scan(&ds.ExpiredEntries); err != nil {
		return DetailedStats{}, fmt.Errorf("count expired: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM query_cache WHERE expires_at IS NULL OR expires_at > ?", now,
	).Scan(&ds.PendingQueries); err != nil {
		return DetailedStats{}, fmt.Errorf("count queries: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT id, data_type, access_count FROM cache_entries
WHERE access_count > 0 AND (expires_at IS NULL OR expires_at > ?)
ORDER BY access_count DESC, id ASC LIMIT ?`, now, mostAccessedLimit)
	if err != nil {
		return DetailedStats{}, fmt.Errorf("most accessed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r  AccessRecord
			dt string
		)
		if err := rows.Scan(&r.ID, &dt, &r.AccessCount); err != nil {
			return DetailedStats{}, fmt.Errorf("most accessed: %w", err)
		}
		r.DataType = model.DataType(dt)
		ds.MostAccessed = append(ds.MostAccessed, r)
	}
	return ds, rows.Err()
}

func toMB(b int64) float64 {
	return math.Round(float64(b)/(1024*1024)*100) / 100
}

func counterValue(c prometheus.Counter) float64 {
	m := new(dto.Metric)
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
