package store

import (
	"context"
	"errors"
	"time"

	"donorhub/internal/model"
)

// Store is the persistence surface for the webhook endpoint registry and the
// delivery ledger. Registry operations are scoped to the owning user; the
// dispatcher-facing operations (EndpointByID, ActiveEndpointsForEvent, the
// ledger writes) are unscoped.
type Store interface {
	// Endpoint registry
	CreateEndpoint(ctx context.Context, userID string, in model.EndpointCreate, secret string) (model.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, userID string) ([]model.EndpointStats, error)
	GetEndpoint(ctx context.Context, userID, id string) (model.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, userID, id string, patch model.EndpointPatch) (model.WebhookEndpoint, error)
	DeleteEndpoint(ctx context.Context, userID, id string) error
	UpdateEndpointSecret(ctx context.Context, userID, id, secret string) error

	// Dispatcher lookups. Endpoint state is always re-read at send time so a
	// rotated secret or changed URL takes effect on the very next attempt.
	EndpointByID(ctx context.Context, id string) (model.WebhookEndpoint, error)
	ActiveEndpointsForEvent(ctx context.Context, eventType string) ([]model.WebhookEndpoint, error)

	// Delivery ledger
	CreateDelivery(ctx context.Context, endpointID, eventType string, payload []byte) (string, error)
	MarkDelivery(ctx context.Context, id string, success bool, responseStatus int, lastError string, nextRetryAt *time.Time) error
	FetchDueRetries(ctx context.Context, limit, maxAttempts int) ([]model.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, userID, endpointID string, limit int) ([]model.WebhookDelivery, error)

	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")
