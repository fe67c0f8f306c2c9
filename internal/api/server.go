package api

import (
	"os"
	"strings"

	"donorhub/internal/auth"
	"donorhub/internal/scheduler"
	"donorhub/internal/store"
	"donorhub/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Disp   *webhooks.Dispatcher
	Retry  *scheduler.RetryService
	Auth   *auth.Verifier
	Broker EventBroker
}

// NewServer creates a Server. If DATABASE_URL is unset, uses the in-memory store.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}
	// Broker selection
	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	disp := webhooks.NewDispatcher(s)
	disp.OnResult = func(endpointID string, data map[string]any) {
		broker.Publish(endpointID, DeliveryEvent{Type: "webhook.delivery", Data: data})
	}
	return &Server{
		Store:  s,
		Disp:   disp,
		Retry:  scheduler.NewRetryService(disp),
		Auth:   auth.NewVerifierFromEnv(),
		Broker: broker,
	}, nil
}
