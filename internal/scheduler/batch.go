// Package scheduler provides an overlap-safe interval batch runner and the
// webhook retry loop built on it.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// BatchFunc runs one batch and reports how many items it processed.
type BatchFunc func(ctx context.Context) (int, error)

// Batch runs a BatchFunc on a fixed interval with the guarantee that no two
// runs ever execute concurrently: a tick that fires while a batch is still
// in flight is dropped, not queued. A failing batch logs and yields zero so
// it can never stall the loop or crash the process.
type Batch struct {
	Name     string
	Interval time.Duration
	Run      BatchFunc

	// RetryAttempts is the number of invocations per tick (default 1).
	// RetryDelay separates them; Timeout bounds each one (0 = unbounded).
	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration

	mu      sync.Mutex
	running bool
	started bool
	stop    chan struct{}
}

// Start arms the interval loop, firing one tick immediately rather than
// waiting out the first interval. Calling Start on a started batch is a no-op.
func (b *Batch) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.stop = make(chan struct{})
	stop := b.stop
	b.mu.Unlock()

	go func() {
		b.Tick(context.Background())
		ticker := time.NewTicker(b.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Tick(context.Background())
			}
		}
	}()
}

// Stop cancels future ticks. An in-flight batch finishes on its own bound;
// it is not aborted.
func (b *Batch) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false
	close(b.stop)
}

// Tick runs one batch unless one is already running, in which case it
// returns 0 immediately. Callable externally (manual triggers, tests) and by
// the interval loop; both paths share the same running flag.
func (b *Batch) Tick(ctx context.Context) int {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return 0
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	attempts := b.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && b.RetryDelay > 0 {
			select {
			case <-time.After(b.RetryDelay):
			case <-ctx.Done():
				log.Printf("scheduler: %s batch canceled: %v", b.Name, ctx.Err())
				return 0
			}
		}
		n, err := b.runOnce(ctx)
		if err == nil {
			return n
		}
		lastErr = err
	}
	log.Printf("scheduler: %s batch failed: %v", b.Name, lastErr)
	return 0
}

func (b *Batch) runOnce(ctx context.Context) (n int, err error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("batch panicked: %v", r)
		}
	}()
	return b.Run(ctx)
}
