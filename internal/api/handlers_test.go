package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"donorhub/internal/model"
)

type permissiveValidator struct{}

func (permissiveValidator) Validate(ctx context.Context, raw string) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("WEBHOOK_RETRY_INTERVAL_MS", "3600000")
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.Retry.Stop)
	return s
}

func doJSON(t *testing.T, s *Server, handler http.HandlerFunc, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func createEndpoint(t *testing.T, s *Server, user, url string, events ...string) model.WebhookEndpoint {
	t.Helper()
	rr := doJSON(t, s, s.WebhookEndpointsHandler, http.MethodPost, "/v1/webhook-endpoints",
		map[string]any{"url": url, "events": events}, map[string]string{"X-User-Id": user})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create endpoint: status %d body %s", rr.Code, rr.Body.String())
	}
	var ep model.WebhookEndpoint
	if err := json.Unmarshal(rr.Body.Bytes(), &ep); err != nil {
		t.Fatalf("decode endpoint: %v", err)
	}
	return ep
}

func TestEndpointLifecycle(t *testing.T) {
	s := newTestServer(t)
	hdr := map[string]string{"X-User-Id": "u1"}

	ep := createEndpoint(t, s, "u1", "http://8.8.8.8/hook", "donation.created")
	if !strings.HasPrefix(ep.Secret, "whsec_") {
		t.Errorf("creation response secret %q", ep.Secret)
	}

	// Listing never exposes secrets.
	rr := doJSON(t, s, s.WebhookEndpointsHandler, http.MethodGet, "/v1/webhook-endpoints", nil, hdr)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status %d", rr.Code)
	}
	var list struct {
		Items []model.EndpointStats `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Secret != "" {
		t.Errorf("list: %+v", list.Items)
	}

	rr = doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodGet, "/v1/webhook-endpoints/"+ep.ID, nil, hdr)
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), "whsec_") {
		t.Errorf("get: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodPatch, "/v1/webhook-endpoints/"+ep.ID,
		map[string]any{"description": "primary", "isActive": false}, hdr)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", rr.Code, rr.Body.String())
	}
	var patched model.WebhookEndpoint
	_ = json.Unmarshal(rr.Body.Bytes(), &patched)
	if patched.Description != "primary" || patched.IsActive {
		t.Errorf("patched: %+v", patched)
	}

	rr = doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodDelete, "/v1/webhook-endpoints/"+ep.ID, nil, hdr)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rr.Code)
	}
	rr = doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodGet, "/v1/webhook-endpoints/"+ep.ID, nil, hdr)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d", rr.Code)
	}
}

func TestCreateEndpointRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	hdr := map[string]string{"X-User-Id": "u1"}

	cases := []map[string]any{
		{"url": "http://localhost/hook", "events": []string{"donation.created"}},
		{"url": "http://192.168.1.10/hook", "events": []string{"donation.created"}},
		{"url": "http://8.8.8.8/hook", "events": []string{"no.such.event"}},
		{"url": "http://8.8.8.8/hook"},
		{"events": []string{"donation.created"}},
	}
	for i, body := range cases {
		rr := doJSON(t, s, s.WebhookEndpointsHandler, http.MethodPost, "/v1/webhook-endpoints", body, hdr)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("case %d: status %d body %s", i, rr.Code, rr.Body.String())
		}
	}

	// Malformed JSON.
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook-endpoints", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	s.WebhookEndpointsHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: status %d", rr.Code)
	}
}

func TestEndpointOwnershipIsolation(t *testing.T) {
	s := newTestServer(t)
	ep := createEndpoint(t, s, "u1", "http://8.8.8.8/hook", "donation.created")
	foreign := map[string]string{"X-User-Id": "u2"}

	if rr := doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodGet, "/v1/webhook-endpoints/"+ep.ID, nil, foreign); rr.Code != http.StatusNotFound {
		t.Errorf("foreign get: status %d", rr.Code)
	}
	if rr := doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodDelete, "/v1/webhook-endpoints/"+ep.ID, nil, foreign); rr.Code != http.StatusNotFound {
		t.Errorf("foreign delete: status %d", rr.Code)
	}
	rr := doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodPost, "/v1/webhook-endpoints/"+ep.ID+"/rotate-secret", nil, foreign)
	if rr.Code != http.StatusNotFound {
		t.Errorf("foreign rotate: status %d", rr.Code)
	}
	// Foreign delivery listing yields an empty list, not a 404.
	rr = doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodGet, "/v1/webhook-endpoints/"+ep.ID+"/deliveries", nil, foreign)
	if rr.Code != http.StatusOK {
		t.Fatalf("foreign deliveries: status %d", rr.Code)
	}
	var res struct {
		Items []model.WebhookDelivery `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if len(res.Items) != 0 {
		t.Errorf("foreign deliveries: %d items", len(res.Items))
	}
}

func TestRotateSecret(t *testing.T) {
	s := newTestServer(t)
	hdr := map[string]string{"X-User-Id": "u1"}
	ep := createEndpoint(t, s, "u1", "http://8.8.8.8/hook", "donation.created")

	rr := doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodPost, "/v1/webhook-endpoints/"+ep.ID+"/rotate-secret", nil, hdr)
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate: status %d", rr.Code)
	}
	var res struct {
		Secret string `json:"secret"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if !strings.HasPrefix(res.Secret, "whsec_") || res.Secret == ep.Secret {
		t.Errorf("rotated secret %q", res.Secret)
	}
}

func TestValidateURLHandler(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, s.ValidateURLHandler, http.MethodPost, "/v1/validate-url", map[string]any{"url": "http://localhost/hook"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("validate: status %d", rr.Code)
	}
	var res struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res.OK || res.Reason == "" {
		t.Errorf("localhost verdict: %+v", res)
	}

	rr = doJSON(t, s, s.ValidateURLHandler, http.MethodPost, "/v1/validate-url", map[string]any{"url": "https://8.8.8.8/hook"}, nil)
	res = struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}{}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if !res.OK {
		t.Errorf("public verdict: %+v", res)
	}
}

func TestWebhookEventsCatalogue(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, s.WebhookEventsHandler, http.MethodGet, "/v1/webhook-events", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("events: status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "donation.created") {
		t.Errorf("catalogue missing donation.created: %s", rr.Body.String())
	}
}

func TestTriggerEventHandler(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s := newTestServer(t)
	s.Disp.Validator = permissiveValidator{}
	admin := map[string]string{"X-User-Id": "u_admin", "X-Role": "admin"}
	user := map[string]string{"X-User-Id": "u1"}

	ep := createEndpoint(t, s, "u1", target.URL, "donation.created")

	body := map[string]any{"eventType": "donation.created", "data": map[string]any{"donationId": "d_1"}}
	if rr := doJSON(t, s, s.TriggerEventHandler, http.MethodPost, "/v1/admin/events/trigger", body, user); rr.Code != http.StatusForbidden {
		t.Errorf("non-admin trigger: status %d", rr.Code)
	}
	bad := map[string]any{"eventType": "no.such.event"}
	if rr := doJSON(t, s, s.TriggerEventHandler, http.MethodPost, "/v1/admin/events/trigger", bad, admin); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown event trigger: status %d", rr.Code)
	}
	if rr := doJSON(t, s, s.TriggerEventHandler, http.MethodPost, "/v1/admin/events/trigger", body, admin); rr.Code != http.StatusAccepted {
		t.Fatalf("trigger: status %d", rr.Code)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("target hit %d times", n)
	}

	rr := doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodGet, "/v1/webhook-endpoints/"+ep.ID+"/deliveries", nil, user)
	var res struct {
		Items []model.WebhookDelivery `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if len(res.Items) != 1 || res.Items[0].Status != model.DeliverySuccess {
		t.Errorf("ledger after trigger: %+v", res.Items)
	}
}

func TestEndpointTestHandler(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s := newTestServer(t)
	s.Disp.Validator = permissiveValidator{}
	hdr := map[string]string{"X-User-Id": "u1"}
	ep := createEndpoint(t, s, "u1", target.URL, "donation.created")

	rr := doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodPost, "/v1/webhook-endpoints/"+ep.ID+"/test", nil, hdr)
	if rr.Code != http.StatusOK {
		t.Fatalf("test: status %d", rr.Code)
	}
	var res model.TestResult
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if !res.Success || res.StatusCode != http.StatusOK {
		t.Errorf("probe result: %+v", res)
	}

	// Unknown endpoint reads as a soft failure, not an HTTP error.
	rr = doJSON(t, s, s.WebhookEndpointByIDHandler, http.MethodPost, "/v1/webhook-endpoints/00000000-0000-0000-0000-000000000000/test", nil, hdr)
	if rr.Code != http.StatusOK {
		t.Fatalf("test missing: status %d", rr.Code)
	}
	res = model.TestResult{}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Success || res.Error != "Webhook endpoint not found" {
		t.Errorf("missing probe result: %+v", res)
	}
}

func TestRetryAdminHandlers(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-User-Id": "u_admin", "X-Role": "admin"}
	user := map[string]string{"X-User-Id": "u1"}

	if rr := doJSON(t, s, s.RetryTickHandler, http.MethodPost, "/v1/admin/webhook-retries/tick", nil, user); rr.Code != http.StatusForbidden {
		t.Errorf("non-admin tick: status %d", rr.Code)
	}
	rr := doJSON(t, s, s.RetryTickHandler, http.MethodPost, "/v1/admin/webhook-retries/tick", nil, admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("tick: status %d", rr.Code)
	}
	var tick struct {
		Processed int `json:"processed"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &tick)
	if tick.Processed != 0 {
		t.Errorf("processed = %d, want 0", tick.Processed)
	}

	status := func() bool {
		rr := doJSON(t, s, s.RetrySchedulerHandler, http.MethodGet, "/v1/admin/retry-scheduler", nil, admin)
		if rr.Code != http.StatusOK {
			t.Fatalf("scheduler status: %d", rr.Code)
		}
		var res struct {
			Running bool `json:"running"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &res)
		return res.Running
	}
	if status() {
		t.Error("scheduler running before start")
	}
	if rr := doJSON(t, s, s.RetrySchedulerHandler, http.MethodPost, "/v1/admin/retry-scheduler", map[string]any{"action": "start"}, admin); rr.Code != http.StatusOK {
		t.Fatalf("start: status %d", rr.Code)
	}
	if !status() {
		t.Error("scheduler not running after start")
	}
	if rr := doJSON(t, s, s.RetrySchedulerHandler, http.MethodPost, "/v1/admin/retry-scheduler", map[string]any{"action": "bounce"}, admin); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid action: status %d", rr.Code)
	}
	if rr := doJSON(t, s, s.RetrySchedulerHandler, http.MethodPost, "/v1/admin/retry-scheduler", map[string]any{"action": "stop"}, admin); rr.Code != http.StatusOK {
		t.Fatalf("stop: status %d", rr.Code)
	}
	if status() {
		t.Error("scheduler still running after stop")
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	if rr := doJSON(t, s, s.HealthHandler, http.MethodGet, "/healthz", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("healthz: status %d", rr.Code)
	}
	if rr := doJSON(t, s, s.ReadyHandler, http.MethodGet, "/readyz", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("readyz: status %d", rr.Code)
	}
}

func TestDeliveryStreamReceivesOutcomes(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s := newTestServer(t)
	s.Disp.Validator = permissiveValidator{}
	ep := createEndpoint(t, s, "u1", target.URL, "donation.created")

	// Subscribe the way the stream handler does, then fire an event.
	ch := s.Broker.Subscribe(ep.ID)
	defer s.Broker.Unsubscribe(ep.ID, ch)

	if err := s.Disp.Trigger(context.Background(), "donation.created", map[string]any{"donationId": "d_1"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Type != "webhook.delivery" || evt.Data["endpointId"] != ep.ID {
			t.Errorf("stream event: %+v", evt)
		}
		if evt.Data["status"] != "success" {
			t.Errorf("stream status: %v", evt.Data["status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stream event received")
	}
}
