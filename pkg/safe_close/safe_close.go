// Package safe_close coordinates the shutdown of a set of long running
// goroutines.
//
//  1. The main goroutine waits on ReceiveCloseSignal and calls Done before
//     it returns.
//  2. Every other goroutine is started by Attach and returns once its
//     context is cancelled.
//  3. The first goroutine that fails closes everything. Its error is kept
//     and returned by Err.
//  4. Any outside caller can call CloseWait. It must not be called from an
//     attached goroutine, that would deadlock.
package safe_close

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	closeErr error
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// CloseWait sends a close signal and blocks until Done was called and every
// attached goroutine returned. It can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal closes s. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err != nil && s.closeErr == nil && s.ctx.Err() == nil {
		s.closeErr = err
	}
	s.cancel()
}

func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.ctx.Done()
}

// Context is cancelled by the close signal.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Attach runs f in a new goroutine tracked by CloseWait. f receives a
// context cancelled by the close signal. A non-nil error returned by f,
// other than the context's own cancellation, closes s. If s is already
// closed f is not run.
func (s *SafeClose) Attach(name string, f func(ctx context.Context) error) {
	s.m.Lock()
	if s.ctx.Err() != nil {
		s.m.Unlock()
		return
	}
	s.wg.Add(1)
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		err := f(s.ctx)
		if err != nil && !(errors.Is(err, context.Canceled) && s.ctx.Err() != nil) {
			s.SendCloseSignal(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Done notifies CloseWait that the main goroutine is done. It can be called
// multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
