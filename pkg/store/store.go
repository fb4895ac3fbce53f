// Package store is the persistent cache of opaque records. Every entry is an
// index row in cache_entries plus a snappy compressed payload in cache_blobs,
// both written in one transaction. Reads never fail: any inconsistency or
// I/O error degrades to a miss.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/store/migrations"
	"github.com/mandiear/offline-cache/pkg/utils"
)

var nopLogger = zap.NewNop()

// Eviction reasons used by the evictions counter.
const (
	ReasonExpired = "expired"
	ReasonClear   = "clear"
	ReasonBudget  = "budget"
	ReasonCorrupt = "corrupt"
)

type Opts struct {
	// Path of the sqlite database file. Required.
	Path string

	Logger *zap.Logger

	// Registerer receives the store metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// Now is the store clock. Default is time.Now.
	Now func() time.Time

	// BusyTimeout for concurrent writers. Default is 5s.
	BusyTimeout time.Duration
}

func (opts *Opts) Init() error {
	if len(opts.Path) == 0 {
		return fmt.Errorf("%w: empty store path", model.ErrInvalidArgument)
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNow(&opts.Now)
	utils.SetDefaultNum(&opts.BusyTimeout, 5*time.Second)
	return nil
}

// Store is safe for concurrent use. Writes are serialized by wmu, reads run
// concurrently on the connection pool.
type Store struct {
	opts Opts
	db   *sql.DB
	wmu  sync.Mutex
	m    *metrics
}

// Entry is one cached record. Content is only set by reads that load the
// payload.
type Entry struct {
	ID           string          `json:"id"`
	DataType     model.DataType  `json:"data_type"`
	Priority     model.Priority  `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	SizeBytes    int64           `json:"size_bytes"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed *time.Time      `json:"last_accessed,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Locator      string          `json:"-"`
	Content      json.RawMessage `json:"content,omitempty"`
}

// Age of the entry's content at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}

type PutOptions struct {
	// Identity is the logical key of the record. Entries with the same data
	// type and identity share an id. Empty means the content itself.
	Identity string

	// TTL of the entry. Zero never expires. Negative is an error.
	TTL time.Duration

	Metadata map[string]any

	// Locator is an opaque, prefix searchable string. The cache uses it for
	// geohashes.
	Locator string
}

// Filter selects entries by metadata only.
type Filter struct {
	// DataType restricts the result to one type. Empty matches all.
	DataType model.DataType

	// MaxAge drops entries updated longer ago than MaxAge. Zero disables.
	MaxAge time.Duration

	// LocatorPrefixLen and LocatorCells restrict the result to entries whose
	// locator starts with one of the cells. Entries without a locator always
	// pass.
	LocatorPrefixLen int
	LocatorCells     []string

	// Limit caps the number of returned entries. Zero means no limit.
	Limit int
}

// Open opens or creates the database at opts.Path and applies pending
// migrations.
func Open(opts Opts) (*Store, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	cleanPath := filepath.Clean(opts.Path)
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cleanPath, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	m := newMetrics()
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("register store metrics: %w", err)
		}
	}
	return &Store{opts: opts, db: db, m: m}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EntryID returns the id of the entry holding identity for data type dt.
func EntryID(dt model.DataType, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return string(dt) + ":" + hex.EncodeToString(sum[:16])
}

// Put inserts or overwrites the entry of (dt, opts.Identity) and returns its
// id. An overwrite keeps created_at and the access statistics.
func (s *Store) Put(ctx context.Context, dt model.DataType, content []byte, p model.Priority, opts PutOptions) (string, error) {
	if !dt.Valid() {
		return "", fmt.Errorf("%w: unknown data type %q", model.ErrInvalidArgument, dt)
	}
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", model.ErrInvalidArgument, p)
	}
	if opts.TTL < 0 {
		return "", fmt.Errorf("%w: negative ttl %s", model.ErrInvalidArgument, opts.TTL)
	}

	identity := opts.Identity
	if len(identity) == 0 {
		sum := sha256.Sum256(content)
		identity = "content=" + hex.EncodeToString(sum[:])
	}
	id := EntryID(dt, identity)

	meta := opts.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", model.ErrInvalidArgument, err)
	}

	payload := snappy.Encode(nil, content)
	now := s.opts.Now()
	var expires sql.NullInt64
	if opts.TTL > 0 {
		expires = sql.NullInt64{Int64: expiresAt(now, opts.TTL), Valid: true}
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO cache_entries (id, data_type, priority, priority_rank, created_at, updated_at, expires_at, size_bytes, metadata, locator)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    priority = excluded.priority,
    priority_rank = excluded.priority_rank,
    updated_at = excluded.updated_at,
    expires_at = excluded.expires_at,
    size_bytes = excluded.size_bytes,
    metadata = excluded.metadata,
    locator = excluded.locator`,
		id, string(dt), string(p), p.Rank(), now.UnixMilli(), now.UnixMilli(), expires,
		len(payload), string(metaJSON), opts.Locator,
	); err != nil {
		return "", fmt.Errorf("put index row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO cache_blobs (id, payload) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, id, payload); err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit put: %w", err)
	}
	s.m.writes.Inc()
	return id, nil
}

// Get returns the entry with its content. Expired, half-written or
// undecodable entries are reported as absent and removed. If recordAccess is
// set, the entry's access statistics are updated.
func (s *Store) Get(ctx context.Context, id string, recordAccess bool) (*Entry, bool) {
	e, ok := s.get(ctx, id)
	if !ok {
		s.m.misses.Inc()
		return nil, false
	}
	s.m.hits.Inc()

	if recordAccess {
		now := s.opts.Now()
		s.wmu.Lock()
		_, err := s.db.ExecContext(ctx,
			"UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE id = ?",
			now.UnixMilli(), id)
		s.wmu.Unlock()
		if err != nil {
			s.opts.Logger.Warn("failed to record access", zap.String("id", id), zap.Error(err))
		} else {
			e.AccessCount++
			e.LastAccessed = &now
		}
	}
	return e, true
}

func (s *Store) get(ctx context.Context, id string) (*Entry, bool) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+", b.payload FROM cache_entries e LEFT JOIN cache_blobs b ON b.id = e.id WHERE e.id = ?", id)

	var payload []byte
	e, err := scanEntry(row, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		s.opts.Logger.Warn("failed to read entry", zap.String("id", id), zap.Error(err))
		return nil, false
	}

	now := s.opts.Now()
	if e.expired(now) {
		s.purgeExpired(ctx, id, now)
		return nil, false
	}
	if payload == nil {
		s.opts.Logger.Warn("entry has no payload, dropping it", zap.String("id", id))
		s.purgeOrphan(ctx, id)
		return nil, false
	}
	content, err := snappy.Decode(nil, payload)
	if err != nil {
		s.opts.Logger.Warn("entry payload is corrupt, dropping it", zap.String("id", id), zap.Error(err))
		s.purge(ctx, ReasonCorrupt, []string{id})
		return nil, false
	}
	e.Content = content
	return e, true
}

// QueryByTypeAndAge returns the live entries of dt updated within maxAge,
// newest first.
func (s *Store) QueryByTypeAndAge(ctx context.Context, dt model.DataType, maxAge time.Duration) ([]*Entry, error) {
	return s.Query(ctx, Filter{DataType: dt, MaxAge: maxAge})
}

// Query filters on the index only and then loads the payload of each match.
// Matches whose payload is missing or corrupt are dropped from the result and
// from the store.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	now := s.opts.Now()
	var (
		where []string
		args  []any
	)
	where = append(where, "(e.expires_at IS NULL OR e.expires_at > ?)")
	args = append(args, now.UnixMilli())
	if len(f.DataType) > 0 {
		where = append(where, "e.data_type = ?")
		args = append(args, string(f.DataType))
	}
	if f.MaxAge > 0 {
		where = append(where, "e.updated_at >= ?")
		args = append(args, now.Add(-f.MaxAge).UnixMilli())
	}
	if f.LocatorPrefixLen > 0 && len(f.LocatorCells) > 0 {
		where = append(where, "(e.locator = '' OR substr(e.locator, 1, ?) IN ("+placeholders(len(f.LocatorCells))+"))")
		args = append(args, f.LocatorPrefixLen)
		for _, c := range f.LocatorCells {
			args = append(args, c)
		}
	}
	q := "SELECT " + entryColumns + " FROM cache_entries e WHERE " + strings.Join(where, " AND ") +
		" ORDER BY e.updated_at DESC, e.id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	var matched []*Entry
	for rows.Next() {
		e, err := scanEntry(rows, nil)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		matched = append(matched, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	_ = rows.Close()

	out := matched[:0]
	for _, e := range matched {
		var payload []byte
		err := s.db.QueryRowContext(ctx, "SELECT payload FROM cache_blobs WHERE id = ?", e.ID).Scan(&payload)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			s.opts.Logger.Warn("entry has no payload, dropping it", zap.String("id", e.ID))
			s.purgeOrphan(ctx, e.ID)
			continue
		case err != nil:
			return nil, fmt.Errorf("load payload of %s: %w", e.ID, err)
		}
		content, err := snappy.Decode(nil, payload)
		if err != nil {
			s.opts.Logger.Warn("entry payload is corrupt, dropping it", zap.String("id", e.ID), zap.Error(err))
			s.purge(ctx, ReasonCorrupt, []string{e.ID})
			continue
		}
		e.Content = content
		out = append(out, e)
	}
	return out, nil
}

// Clear removes entries updated more than olderThan ago (zero: any age) of
// type dt (empty: any type). It returns the number of removed entries.
func (s *Store) Clear(ctx context.Context, olderThan time.Duration, dt model.DataType) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: negative age %s", model.ErrInvalidArgument, olderThan)
	}
	if len(dt) > 0 && !dt.Valid() {
		return 0, fmt.Errorf("%w: unknown data type %q", model.ErrInvalidArgument, dt)
	}
	var (
		where = []string{"1 = 1"}
		args  []any
	)
	if olderThan > 0 {
		where = append(where, "updated_at < ?")
		args = append(args, s.opts.Now().Add(-olderThan).UnixMilli())
	}
	if len(dt) > 0 {
		where = append(where, "data_type = ?")
		args = append(args, string(dt))
	}
	n, err := s.deleteWhere(ctx, strings.Join(where, " AND "), args)
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}
	s.m.evictions.WithLabelValues(ReasonClear).Add(float64(n))
	return n, nil
}

// SweepExpired removes expired entries, expired query registrations and
// payloads without an index row. It returns the number of removed entries.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	now := s.opts.Now().UnixMilli()
	n, err := s.deleteWhere(ctx, "expires_at IS NOT NULL AND expires_at <= ?", []any{now})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	s.m.evictions.WithLabelValues(ReasonExpired).Add(float64(n))

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM query_cache WHERE expires_at IS NOT NULL AND expires_at <= ?", now); err != nil {
		return n, fmt.Errorf("sweep queries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_blobs WHERE id NOT IN (SELECT id FROM cache_entries)"); err != nil {
		return n, fmt.Errorf("sweep orphan payloads: %w", err)
	}
	return n, nil
}

// expiresAt converts a positive ttl to the stored expiry. Times are kept in
// milliseconds; ttl is rounded up so the expiry is always after now.
func expiresAt(now time.Time, ttl time.Duration) int64 {
	ms := int64((ttl + time.Millisecond - 1) / time.Millisecond)
	return now.UnixMilli() + max(ms, 1)
}

// Promote raises the priority of a live entry to p (never lowers it) and
// pushes its expiry to at least now+ttl. The content and its age are left
// untouched. It reports whether the entry exists.
func (s *Store) Promote(ctx context.Context, id string, p model.Priority, ttl time.Duration) (bool, error) {
	if !p.Valid() {
		return false, fmt.Errorf("%w: unknown priority %q", model.ErrInvalidArgument, p)
	}
	if ttl < 0 {
		return false, fmt.Errorf("%w: negative ttl %s", model.ErrInvalidArgument, ttl)
	}
	t := s.opts.Now()
	now := t.UnixMilli()
	until := expiresAt(t, ttl)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx, `
UPDATE cache_entries SET
    priority = CASE WHEN priority_rank > ? THEN ? ELSE priority END,
    priority_rank = MIN(priority_rank, ?),
    expires_at = CASE
        WHEN expires_at IS NULL THEN NULL
        WHEN ? > 0 AND expires_at < ? THEN ?
        ELSE expires_at END
WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		p.Rank(), string(p), p.Rank(),
		int64(ttl), until, until,
		id, now)
	if err != nil {
		return false, fmt.Errorf("promote %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promote %s: %w", id, err)
	}
	return n > 0, nil
}

// EnforceBudget evicts entries until the stored payload total fits maxBytes.
// Lowest priority goes first, then least recently used. It returns the number
// of evicted entries.
func (s *Store) EnforceBudget(ctx context.Context, maxBytes int64) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries").Scan(&total); err != nil {
		return 0, fmt.Errorf("sum sizes: %w", err)
	}
	if total <= maxBytes {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, size_bytes FROM cache_entries
ORDER BY priority_rank DESC, COALESCE(last_accessed, updated_at) ASC, id ASC`)
	if err != nil {
		return 0, fmt.Errorf("list eviction candidates: %w", err)
	}
	var victims []string
	for rows.Next() && total > maxBytes {
		var (
			id   string
			size int64
		)
		if err := rows.Scan(&id, &size); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan eviction candidate: %w", err)
		}
		victims = append(victims, id)
		total -= size
	}
	_ = rows.Close()

	n := s.purge(ctx, ReasonBudget, victims)
	if n > 0 {
		s.opts.Logger.Info("cache over budget, evicted entries", zap.Int("evicted", n), zap.Int64("max_bytes", maxBytes))
	}
	return n, nil
}

func (s *Store) deleteWhere(ctx context.Context, where string, args []any) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cache_blobs WHERE id IN (SELECT id FROM cache_entries WHERE "+where+")", args...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE "+where, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// purge removes ids unconditionally. Errors are logged.
func (s *Store) purge(ctx context.Context, reason string, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	n, err := s.deleteWhere(ctx, "id IN ("+placeholders(len(ids))+")", args)
	if err != nil {
		s.opts.Logger.Warn("failed to purge entries", zap.String("reason", reason), zap.Error(err))
		return 0
	}
	s.m.evictions.WithLabelValues(reason).Add(float64(n))
	return n
}

// purgeExpired removes id if it is still expired. A concurrent Put may have
// refreshed it.
func (s *Store) purgeExpired(ctx context.Context, id string, now time.Time) {
	n, err := s.deleteWhere(ctx, "id = ? AND expires_at IS NOT NULL AND expires_at <= ?", []any{id, now.UnixMilli()})
	if err != nil {
		s.opts.Logger.Warn("failed to purge expired entry", zap.String("id", id), zap.Error(err))
		return
	}
	s.m.evictions.WithLabelValues(ReasonExpired).Add(float64(n))
}

// purgeOrphan removes the index row of id if it still has no payload.
func (s *Store) purgeOrphan(ctx context.Context, id string) {
	s.wmu.Lock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE id = ? AND NOT EXISTS (SELECT 1 FROM cache_blobs WHERE id = ?)", id, id)
	s.wmu.Unlock()
	if err != nil {
		s.opts.Logger.Warn("failed to purge entry without payload", zap.String("id", id), zap.Error(err))
		return
	}
	if n, err := res.RowsAffected(); err == nil {
		s.m.evictions.WithLabelValues(ReasonCorrupt).Add(float64(n))
	}
}

const entryColumns = "e.id, e.data_type, e.priority, e.created_at, e.updated_at, e.expires_at, " +
	"e.size_bytes, e.access_count, e.last_accessed, e.metadata, e.locator"

type scanner interface {
	Scan(dest ...any) error
}

// scanEntry scans entryColumns, followed by the payload if payload is not nil.
func scanEntry(sc scanner, payload *[]byte) (*Entry, error) {
	var (
		e                Entry
		dt, p, meta      string
		created, updated int64
		expires, lastAcc sql.NullInt64
	)
	dest := []any{&e.ID, &dt, &p, &created, &updated, &expires, &e.SizeBytes, &e.AccessCount, &lastAcc, &meta, &e.Locator}
	if payload != nil {
		dest = append(dest, payload)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	e.DataType = model.DataType(dt)
	e.Priority = model.Priority(p)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	if expires.Valid {
		t := fromMillis(expires.Int64)
		e.ExpiresAt = &t
	}
	if lastAcc.Valid {
		t := fromMillis(lastAcc.Int64)
		e.LastAccessed = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
