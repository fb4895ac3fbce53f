// Package job_registry keeps serialized snapshots of background jobs for a
// bounded time, so their status can be read after they finish.
package job_registry

import (
	"context"
	"io"
	"time"
)

type Registry interface {
	// Store saves v under id for ttl. Implementations copy v.
	Store(ctx context.Context, id string, v []byte, ttl time.Duration) error

	// Get returns the latest snapshot stored under id, if it has not
	// expired.
	Get(ctx context.Context, id string) (v []byte, ok bool)

	Len() int

	io.Closer
}
