package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"donorhub/internal/model"
)

// Memory is an in-process Store used for tests and DATABASE_URL-less dev runs.
type Memory struct {
	mu         sync.Mutex
	endpoints  map[string]*model.WebhookEndpoint
	deliveries map[string]*model.WebhookDelivery
	order      []string // delivery ids in creation order
}

func NewMemory() *Memory {
	return &Memory{
		endpoints:  map[string]*model.WebhookEndpoint{},
		deliveries: map[string]*model.WebhookDelivery{},
	}
}

func (m *Memory) CreateEndpoint(ctx context.Context, userID string, in model.EndpointCreate, secret string) (model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	ep := &model.WebhookEndpoint{
		ID:          uuid.New().String(),
		UserID:      userID,
		URL:         in.URL,
		Secret:      secret,
		Events:      append([]string(nil), in.Events...),
		Description: in.Description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.endpoints[ep.ID] = ep
	return *ep, nil
}

func (m *Memory) ListEndpoints(ctx context.Context, userID string) ([]model.EndpointStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.EndpointStats{}
	for _, ep := range m.endpoints {
		if ep.UserID != userID {
			continue
		}
		st := model.EndpointStats{WebhookEndpoint: *ep}
		for _, d := range m.deliveries {
			if d.EndpointID != ep.ID {
				continue
			}
			st.TotalDeliveries++
			switch d.Status {
			case model.DeliverySuccess:
				st.SuccessfulDeliveries++
			case model.DeliveryFailed:
				st.FailedDeliveries++
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetEndpoint(ctx context.Context, userID, id string) (model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.UserID != userID {
		return model.WebhookEndpoint{}, ErrNotFound
	}
	return *ep, nil
}

func (m *Memory) UpdateEndpoint(ctx context.Context, userID, id string, patch model.EndpointPatch) (model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.UserID != userID {
		return model.WebhookEndpoint{}, ErrNotFound
	}
	if patch.URL != nil {
		ep.URL = *patch.URL
	}
	if patch.Events != nil {
		ep.Events = append([]string(nil), patch.Events...)
	}
	if patch.Description != nil {
		ep.Description = *patch.Description
	}
	if patch.IsActive != nil {
		ep.IsActive = *patch.IsActive
	}
	ep.UpdatedAt = time.Now().UTC()
	return *ep, nil
}

func (m *Memory) DeleteEndpoint(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.UserID != userID {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	return nil
}

func (m *Memory) UpdateEndpointSecret(ctx context.Context, userID, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.UserID != userID {
		return ErrNotFound
	}
	ep.Secret = secret
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) EndpointByID(ctx context.Context, id string) (model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.WebhookEndpoint{}, ErrNotFound
	}
	return *ep, nil
}

func (m *Memory) ActiveEndpointsForEvent(ctx context.Context, eventType string) ([]model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookEndpoint{}
	for _, ep := range m.endpoints {
		if !ep.IsActive {
			continue
		}
		for _, e := range ep.Events {
			if e == eventType {
				out = append(out, *ep)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateDelivery(ctx context.Context, endpointID, eventType string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	d := &model.WebhookDelivery{
		ID:         uuid.New().String(),
		EndpointID: endpointID,
		EventType:  eventType,
		Payload:    payload,
		Status:     model.DeliveryPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.deliveries[d.ID] = d
	m.order = append(m.order, d.ID)
	return d.ID, nil
}

func (m *Memory) MarkDelivery(ctx context.Context, id string, success bool, responseStatus int, lastError string, nextRetryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseStatus = responseStatus
	d.UpdatedAt = time.Now().UTC()
	if success {
		d.Status = model.DeliverySuccess
		d.LastError = ""
		d.NextRetryAt = nil
		return nil
	}
	d.Status = model.DeliveryFailed
	d.LastError = lastError
	d.NextRetryAt = nextRetryAt
	return nil
}

func (m *Memory) FetchDueRetries(ctx context.Context, limit, maxAttempts int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	due := []model.WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if d == nil || d.Status != model.DeliveryFailed {
			continue
		}
		if maxAttempts > 0 && d.Attempts >= maxAttempts {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, *d)
	}
	sort.Slice(due, func(i, j int) bool {
		ti, tj := due[i].CreatedAt, due[j].CreatedAt
		if due[i].NextRetryAt != nil {
			ti = *due[i].NextRetryAt
		}
		if due[j].NextRetryAt != nil {
			tj = *due[j].NextRetryAt
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, userID, endpointID string, limit int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Foreign or missing endpoints yield an empty list, not an error.
	ep, ok := m.endpoints[endpointID]
	if !ok || ep.UserID != userID {
		return []model.WebhookDelivery{}, nil
	}
	out := []model.WebhookDelivery{}
	for i := len(m.order) - 1; i >= 0; i-- {
		d := m.deliveries[m.order[i]]
		if d == nil || d.EndpointID != endpointID {
			continue
		}
		out = append(out, *d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
