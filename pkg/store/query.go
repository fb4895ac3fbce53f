package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mandiear/offline-cache/pkg/model"
)

// QueryTTL is the lifetime of a registered offline query.
const QueryTTL = 24 * time.Hour

var pendingResult = json.RawMessage(`{"status":"pending"}`)

// OfflineQuery is a request made while offline, kept to be answered on the
// next sync.
type OfflineQuery struct {
	QueryType  string         `json:"query_type"`
	Parameters map[string]any `json:"parameters"`
	Priority   model.Priority `json:"priority"`
}

type QueryRecord struct {
	Hash        string          `json:"query_hash"`
	QueryType   string          `json:"query_type"`
	Parameters  map[string]any  `json:"parameters"`
	Priority    model.Priority  `json:"priority"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	AccessCount int64           `json:"access_count"`
}

// QueryHash is independent of the order of q.Parameters.
func QueryHash(q OfflineQuery) (string, error) {
	params := q.Parameters
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params) // map keys are sorted
	if err != nil {
		return "", fmt.Errorf("%w: parameters: %v", model.ErrInvalidArgument, err)
	}
	sum := sha256.Sum256(append([]byte(q.QueryType+"\x00"), b...))
	return hex.EncodeToString(sum[:]), nil
}

// PutQuery registers q with a pending result and returns its hash.
// Registering the same query again refreshes its expiry.
func (s *Store) PutQuery(ctx context.Context, q OfflineQuery) (string, error) {
	q.QueryType = strings.TrimSpace(q.QueryType)
	if len(q.QueryType) == 0 {
		return "", fmt.Errorf("%w: empty query type", model.ErrInvalidArgument)
	}
	if len(q.Priority) == 0 {
		q.Priority = model.Medium
	}
	if !q.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", model.ErrInvalidArgument, q.Priority)
	}
	hash, err := QueryHash(q)
	if err != nil {
		return "", err
	}
	params, _ := json.Marshal(q.Parameters)

	now := s.opts.Now()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO query_cache (query_hash, query_type, parameters, priority, result_data, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(query_hash) DO UPDATE SET
    priority = excluded.priority,
    expires_at = excluded.expires_at`,
		hash, q.QueryType, string(params), string(q.Priority), string(pendingResult),
		now.UnixMilli(), now.Add(QueryTTL).UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("put query: %w", err)
	}
	return hash, nil
}

// GetQuery returns a live registration and counts the access.
func (s *Store) GetQuery(ctx context.Context, hash string) (*QueryRecord, error) {
	now := s.opts.Now()
	var (
		r                 QueryRecord
		params, p, result string
		created           int64
		expires           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT query_hash, query_type, parameters, priority, result_data, created_at, expires_at, access_count
FROM query_cache WHERE query_hash = ? AND (expires_at IS NULL OR expires_at > ?)`, hash, now.UnixMilli(),
	).Scan(&r.Hash, &r.QueryType, &params, &p, &result, &created, &expires, &r.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query %s: %w", hash, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
		return nil, fmt.Errorf("decode query parameters: %w", err)
	}
	r.Priority = model.Priority(p)
	r.Result = json.RawMessage(result)
	r.CreatedAt = fromMillis(created)
	if expires.Valid {
		t := fromMillis(expires.Int64)
		r.ExpiresAt = &t
	}

	s.wmu.Lock()
	_, err = s.db.ExecContext(ctx, "UPDATE query_cache SET access_count = access_count + 1 WHERE query_hash = ?", hash)
	s.wmu.Unlock()
	if err == nil {
		r.AccessCount++
	}
	return &r, nil
}
