package scheduler

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"donorhub/internal/metrics"
	"donorhub/internal/webhooks"
)

// RetryService drives Dispatcher.ProcessRetries on an interval. Configuration
// is read from the environment each time Start is called, so a Stop/Start
// cycle picks up new values:
//
//	WEBHOOK_RETRY_INTERVAL_MS  default 60000
//	WEBHOOK_RETRY_BATCH_SIZE   default 100
//	WEBHOOK_RETRY_ATTEMPTS     default 1
//	WEBHOOK_RETRY_DELAY_MS     default 1000
//	WEBHOOK_RETRY_TIMEOUT_MS   default 30000
type RetryService struct {
	Dispatcher *webhooks.Dispatcher

	mu        sync.Mutex
	batch     *Batch
	batchSize int
}

func NewRetryService(d *webhooks.Dispatcher) *RetryService {
	return &RetryService{Dispatcher: d}
}

// Start arms the retry loop. Idempotent: a second call while running is a
// no-op.
func (s *RetryService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return
	}
	interval := envMs("WEBHOOK_RETRY_INTERVAL_MS", 60000)
	batchSize := envInt("WEBHOOK_RETRY_BATCH_SIZE", 100)
	attempts := envInt("WEBHOOK_RETRY_ATTEMPTS", 1)
	delay := envMs("WEBHOOK_RETRY_DELAY_MS", 1000)
	timeout := envMs("WEBHOOK_RETRY_TIMEOUT_MS", 30000)

	s.batchSize = batchSize
	s.batch = &Batch{
		Name:          "webhook-retries",
		Interval:      interval,
		RetryAttempts: attempts,
		RetryDelay:    delay,
		Timeout:       timeout,
		Run: func(ctx context.Context) (int, error) {
			n, err := s.Dispatcher.ProcessRetries(ctx, batchSize)
			if err != nil {
				metrics.RetryBatches.WithLabelValues("error").Inc()
				return 0, err
			}
			metrics.RetryBatches.WithLabelValues("ok").Inc()
			return n, nil
		},
	}
	s.batch.Start()
	log.Printf("retry scheduler started: interval=%s batchSize=%d", interval, batchSize)
}

// Stop tears the loop down and clears it so a later Start re-reads env.
func (s *RetryService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return
	}
	s.batch.Stop()
	s.batch = nil
}

// Running reports whether the interval loop is armed.
func (s *RetryService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch != nil
}

// Tick delegates to the live scheduler when running, otherwise processes one
// batch directly. Used by the admin trigger.
func (s *RetryService) Tick(ctx context.Context) int {
	s.mu.Lock()
	b := s.batch
	size := s.batchSize
	s.mu.Unlock()
	if b != nil {
		return b.Tick(ctx)
	}
	if size <= 0 {
		size = envInt("WEBHOOK_RETRY_BATCH_SIZE", 100)
	}
	n, err := s.Dispatcher.ProcessRetries(ctx, size)
	if err != nil {
		log.Printf("retry scheduler: manual tick failed: %v", err)
		return 0
	}
	return n
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envMs(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Millisecond
}
