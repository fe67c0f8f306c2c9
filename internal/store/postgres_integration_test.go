//go:build postgres_integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"donorhub/internal/model"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags postgres_integration ./internal/store
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_, _ = p.db.Exec(`TRUNCATE webhook_deliveries, webhook_endpoints`)
	})
	return p
}

func TestPostgresEndpointRoundTrip(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	ep, err := p.CreateEndpoint(ctx, "u1", model.EndpointCreate{
		URL:         "https://hooks.example.com/a",
		Events:      []string{"donation.created"},
		Description: "primary",
	}, "whsec_testsecret")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ep.UserID != "u1" || !ep.IsActive || ep.Description != "primary" {
		t.Errorf("created endpoint: %+v", ep)
	}

	if _, err := p.GetEndpoint(ctx, "u2", ep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign get err = %v, want ErrNotFound", err)
	}

	newURL := "https://hooks.example.com/v2"
	got, err := p.UpdateEndpoint(ctx, "u1", ep.ID, model.EndpointPatch{URL: &newURL})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.URL != newURL || len(got.Events) != 1 {
		t.Errorf("patched endpoint: %+v", got)
	}

	if err := p.DeleteEndpoint(ctx, "u1", ep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := p.GetEndpoint(ctx, "u1", ep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestPostgresActiveEndpointsForEvent(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	a, _ := p.CreateEndpoint(ctx, "u1", model.EndpointCreate{URL: "https://hooks.example.com/a", Events: []string{"donation.created", "contact.created"}}, "whsec_a")
	_, _ = p.CreateEndpoint(ctx, "u1", model.EndpointCreate{URL: "https://hooks.example.com/b", Events: []string{"contact.created"}}, "whsec_b")
	off, _ := p.CreateEndpoint(ctx, "u1", model.EndpointCreate{URL: "https://hooks.example.com/c", Events: []string{"donation.created"}}, "whsec_c")
	inactive := false
	if _, err := p.UpdateEndpoint(ctx, "u1", off.ID, model.EndpointPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	eps, err := p.ActiveEndpointsForEvent(ctx, "donation.created")
	if err != nil {
		t.Fatalf("active endpoints: %v", err)
	}
	if len(eps) != 1 || eps[0].ID != a.ID {
		t.Errorf("got %d endpoints", len(eps))
	}
}

func TestPostgresDeliveryLifecycle(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	ep, err := p.CreateEndpoint(ctx, "u1", model.EndpointCreate{URL: "https://hooks.example.com/a", Events: []string{"donation.created"}}, "whsec_a")
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	id, err := p.CreateDelivery(ctx, ep.ID, "donation.created", []byte(`{"type":"donation.created"}`))
	if err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	if err := p.MarkDelivery(ctx, id, false, 503, "unavailable", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	due, err := p.FetchDueRetries(ctx, 10, 5)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(due) != 1 || due[0].ID != id || due[0].Attempts != 1 {
		t.Errorf("due: %+v", due)
	}

	future := time.Now().Add(time.Hour)
	if err := p.MarkDelivery(ctx, id, false, 503, "unavailable", &future); err != nil {
		t.Fatalf("mark failed with retry time: %v", err)
	}
	if due, _ = p.FetchDueRetries(ctx, 10, 5); len(due) != 0 {
		t.Errorf("future delivery reported due: %+v", due)
	}

	if err := p.MarkDelivery(ctx, id, true, 200, "", nil); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	ds, err := p.ListDeliveries(ctx, "u1", ep.ID, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(ds) != 1 || ds[0].Status != model.DeliverySuccess || ds[0].Attempts != 3 {
		t.Errorf("final row: %+v", ds)
	}

	// Foreign caller sees an empty list.
	ds, err = p.ListDeliveries(ctx, "u2", ep.ID, 0)
	if err != nil || len(ds) != 0 {
		t.Errorf("foreign list: %d rows, err %v", len(ds), err)
	}
}
