package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Background runs detached tasks. A task's context is not cancelled when the
// context it was spawned from ends, so a revalidation outlives the request
// that started it. Task errors go to a channel that is drained and discarded.
type Background struct {
	wg     sync.WaitGroup
	mutex  sync.Mutex
	closed bool
	errs   chan error
	logger zerolog.Logger
}

func NewBackground(logger zerolog.Logger) *Background {
	b := &Background{
		errs:   make(chan error, 16),
		logger: logger,
	}
	go b.drain()
	return b
}

// Go spawns fn in its own goroutine. After Close, fn still runs but is not
// waited for and its error is dropped.
func (b *Background) Go(ctx context.Context, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	b.mutex.Lock()
	tracked := !b.closed
	if tracked {
		b.wg.Add(1)
	}
	b.mutex.Unlock()
	go func() {
		if tracked {
			defer b.wg.Done()
		}
		if err := b.run(ctx, fn); err != nil {
			b.report(err)
		}
	}()
}

func (b *Background) report(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		b.logger.Trace().Err(err).Msg("Background task failed after close")
		return
	}
	select {
	case b.errs <- err:
	default:
		b.logger.Trace().Err(err).Msg("Background task failed")
	}
}

func (b *Background) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (b *Background) drain() {
	for err := range b.errs {
		b.logger.Trace().Err(err).Msg("Background task failed")
	}
}

// Wait blocks until every task submitted so far has settled.
func (b *Background) Wait() {
	b.wg.Wait()
}

// Close waits for pending tasks and stops the error drain.
// It is safe to call more than once.
func (b *Background) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	b.mutex.Unlock()
	b.wg.Wait()
	close(b.errs)
}
