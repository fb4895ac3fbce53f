package mem_registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mandiear/offline-cache/pkg/lru"
)

const defaultCleanerInterval = time.Minute

var errClosed = errors.New("registry closed")

// MemRegistry is an in-process registry. The oldest snapshots are dropped
// first once it is full.
type MemRegistry struct {
	closed           uint32
	closeCleanerChan chan struct{}
	cleanerDone      sync.WaitGroup
	lru              *lru.Cache[string, []byte]
	now              func() time.Time
}

// NewMemRegistry returns a registry holding at most size snapshots. Expired
// snapshots are removed every cleanerInterval. A cleanerInterval <= 0
// disables the cleaner and expired snapshots are only removed on read.
func NewMemRegistry(size int, cleanerInterval time.Duration) *MemRegistry {
	if size <= 0 {
		size = 1024
	}
	r := &MemRegistry{
		closeCleanerChan: make(chan struct{}),
		lru:              lru.New[string, []byte](size, nil),
		now:              time.Now,
	}
	if cleanerInterval > 0 {
		r.cleanerDone.Add(1)
		go r.startCleaner(cleanerInterval)
	}
	return r
}

func (r *MemRegistry) isClosed() bool {
	return atomic.LoadUint32(&r.closed) != 0
}

// Close stops the cleaner and waits for it to exit.
func (r *MemRegistry) Close() error {
	if atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		close(r.closeCleanerChan)
	}
	r.cleanerDone.Wait()
	return nil
}

func (r *MemRegistry) Store(_ context.Context, id string, v []byte, ttl time.Duration) error {
	if r.isClosed() {
		return errClosed
	}
	buf := make([]byte, len(v))
	copy(buf, v)

	var expire time.Time
	if ttl > 0 {
		expire = r.now().Add(ttl)
	}
	r.lru.Add(id, buf, expire)
	return nil
}

func (r *MemRegistry) Get(_ context.Context, id string) ([]byte, bool) {
	if r.isClosed() {
		return nil, false
	}
	return r.lru.Get(id, r.now())
}

func (r *MemRegistry) Len() int {
	return r.lru.Len()
}

func (r *MemRegistry) startCleaner(interval time.Duration) {
	defer r.cleanerDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCleanerChan:
			return
		case <-ticker.C:
			r.lru.Clean(r.now())
		}
	}
}
