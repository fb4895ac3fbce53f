// Package upstream fetches canonical records from the source services and
// measures connectivity to them.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/pkg/model"
)

var nopLogger = zap.NewNop()

var (
	// ErrAllFailed is returned when every endpoint of a data type failed.
	ErrAllFailed = errors.New("all upstreams failed")

	// ErrEmptyResponse is returned when the endpoints answered but no record
	// was received.
	ErrEmptyResponse = errors.New("upstream returned no records")

	// ErrNoEndpoint is returned for data types without a configured endpoint.
	ErrNoEndpoint = errors.New("no upstream endpoint configured")
)

// Source returns the current records of one data type.
type Source interface {
	Fetch(ctx context.Context, dt model.DataType) ([]json.RawMessage, error)
}

// Endpoint is one read endpoint of a source service.
type Endpoint interface {
	Fetch(ctx context.Context) ([]json.RawMessage, error)
	Address() string
}

// PartialError is returned together with records when some endpoints of a
// data type failed and others succeeded.
type PartialError struct {
	DataType model.DataType
	Failed   map[string]error // by endpoint address
	Total    int
}

func (e *PartialError) Error() string {
	addrs := make([]string, 0, len(e.Failed))
	for a := range e.Failed {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	msgs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		msgs = append(msgs, fmt.Sprintf("[%s: %v]", a, e.Failed[a]))
	}
	return fmt.Sprintf("%s: %d of %d endpoints failed: %s", e.DataType, len(e.Failed), e.Total, strings.Join(msgs, ", "))
}

type fetchResult struct {
	records []json.RawMessage
	err     error
	from    Endpoint
}

// FetchParallel fetches from all endpoints at once and concatenates the
// records in endpoint order. See PartialError, ErrAllFailed and
// ErrEmptyResponse for the failure modes.
func FetchParallel(ctx context.Context, dt model.DataType, endpoints []Endpoint, logger *zap.Logger) ([]json.RawMessage, error) {
	if logger == nil {
		logger = nopLogger
	}
	t := len(endpoints)
	if t == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, dt)
	}

	results := make([]fetchResult, t)
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			records, err := ep.Fetch(ctx)
			results[i] = fetchResult{records: records, err: err, from: ep}
		}(i, ep)
	}
	wg.Wait()

	var (
		records []json.RawMessage
		failed  = make(map[string]error)
	)
	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				logger.Warn("upstream fetch timed out",
					zap.String("data_type", string(dt)),
					zap.String("addr", res.from.Address()))
			} else {
				logger.Warn("upstream fetch failed",
					zap.String("data_type", string(dt)),
					zap.String("addr", res.from.Address()),
					zap.Error(res.err))
			}
			failed[res.from.Address()] = res.err
			continue
		}
		records = append(records, res.records...)
	}

	// The whole fetch failed because of the caller.
	if err := ctx.Err(); err != nil && len(records) == 0 {
		return nil, err
	}

	if len(failed) == t {
		msgs := make([]string, 0, t)
		for _, ep := range endpoints {
			msgs = append(msgs, fmt.Sprintf("[%s: %v]", ep.Address(), failed[ep.Address()]))
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrAllFailed, dt, strings.Join(msgs, ", "))
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyResponse, dt)
	}
	if len(failed) > 0 {
		return records, &PartialError{DataType: dt, Failed: failed, Total: t}
	}
	return records, nil
}
