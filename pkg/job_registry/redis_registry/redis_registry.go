/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_registry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/pkg/utils"
)

var nopLogger = zap.NewNop()

// ErrDisabled is returned while the client is disabled after an error.
var ErrDisabled = errors.New("redis registry temporarily disabled")

type RedisRegistryOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisRegistry.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// KeyPrefix is prepended to every job id. Default is "offline-cache:job:".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisRegistry.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisRegistryOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	utils.SetDefaultString(&opts.KeyPrefix, "offline-cache:job:")
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisRegistry shares job snapshots between processes. After a client
// error it stops talking to redis until a background ping succeeds.
type RedisRegistry struct {
	opts           RedisRegistryOpts
	clientDisabled uint32

	closeOnce   sync.Once
	closeNotify chan struct{}
	pingerDone  sync.WaitGroup
}

func NewRedisRegistry(opts RedisRegistryOpts) (*RedisRegistry, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisRegistry{
		opts:        opts,
		closeNotify: make(chan struct{}),
	}, nil
}

func (r *RedisRegistry) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisRegistry) disableClient() {
	if !atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		return
	}
	r.opts.Logger.Warn("redis temporarily disabled")
	r.pingerDone.Add(1)
	go func() {
		defer r.pingerDone.Done()
		const maxBackoff = time.Second * 30
		backoff := time.Millisecond * 100
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		for {
			select {
			case <-r.closeNotify:
				return
			case <-timer.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
			err := r.opts.Client.Ping(ctx).Err()
			cancel()
			if err == nil {
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis enabled again")
				return
			}
			if backoff >= maxBackoff {
				backoff = maxBackoff
			} else {
				backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
			}
			r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
			timer.Reset(backoff)
		}
	}()
}

func (r *RedisRegistry) key(id string) string {
	return r.opts.KeyPrefix + id
}

func (r *RedisRegistry) Store(ctx context.Context, id string, v []byte, ttl time.Duration) error {
	if r.disabled() {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.key(id), v, ttl).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.String("id", id), zap.Error(err))
		r.disableClient()
		return err
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) ([]byte, bool) {
	if r.disabled() {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.String("id", id), zap.Error(err))
			r.disableClient()
		}
		return nil, false
	}
	return b, true
}

// Len counts the keys under KeyPrefix.
func (r *RedisRegistry) Len() int {
	if r.disabled() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, r.opts.KeyPrefix+"*", 256).Result()
		if err != nil {
			r.opts.Logger.Warn("redis scan", zap.Error(err))
			return n
		}
		n += len(keys)
		if next == 0 {
			return n
		}
		cursor = next
	}
}

// Close stops the background pinger and closes the client.
func (r *RedisRegistry) Close() error {
	r.closeOnce.Do(func() { close(r.closeNotify) })
	r.pingerDone.Wait()
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
