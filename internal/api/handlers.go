package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"donorhub/internal/model"
	"donorhub/internal/store"
	"donorhub/internal/webhooks"
)

// WebhookEndpointsHandler handles POST/GET /v1/webhook-endpoints
func (s *Server) WebhookEndpointsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodPost:
		var req model.EndpointCreate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		ep, err := s.Disp.CreateEndpoint(r.Context(), p.UserID, req)
		if err != nil {
			s.registryError(w, r, err, "Create endpoint failed")
			return
		}
		// The secret is returned once, on creation and rotation only.
		writeJSON(w, http.StatusCreated, ep)
	case http.MethodGet:
		items, err := s.Disp.ListEndpoints(r.Context(), p.UserID)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List endpoints failed", err.Error(), r.URL.Path)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WebhookEndpointByIDHandler handles /v1/webhook-endpoints/{id} and its
// sub-resources (rotate-secret, test, deliveries, deliveries/stream).
func (s *Server) WebhookEndpointByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhook-endpoints/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	sub := strings.Join(parts[1:], "/")
	p := s.getPrincipal(r)

	switch {
	case sub == "":
		s.endpointResource(w, r, p, id)
	case sub == "rotate-secret" && r.Method == http.MethodPost:
		secret, err := s.Disp.RotateSecret(r.Context(), p.UserID, id)
		if err != nil {
			s.registryError(w, r, err, "Rotate secret failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"secret": secret})
	case sub == "test" && r.Method == http.MethodPost:
		res, err := s.Disp.TestEndpoint(r.Context(), p.UserID, id)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Test endpoint failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case sub == "deliveries" && r.Method == http.MethodGet:
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, err := s.Disp.Deliveries(r.Context(), p.UserID, id, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case sub == "deliveries/stream" && r.Method == http.MethodGet:
		s.DeliveryStreamHandler(w, r, p, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) endpointResource(w http.ResponseWriter, r *http.Request, p Principal, id string) {
	switch r.Method {
	case http.MethodGet:
		ep, err := s.Disp.GetEndpoint(r.Context(), p.UserID, id)
		if err != nil {
			s.registryError(w, r, err, "Get endpoint failed")
			return
		}
		ep.Secret = ""
		writeJSON(w, http.StatusOK, ep)
	case http.MethodPatch:
		var patch model.EndpointPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		ep, err := s.Disp.UpdateEndpoint(r.Context(), p.UserID, id, patch)
		if err != nil {
			s.registryError(w, r, err, "Update endpoint failed")
			return
		}
		ep.Secret = ""
		writeJSON(w, http.StatusOK, ep)
	case http.MethodDelete:
		if err := s.Disp.DeleteEndpoint(r.Context(), p.UserID, id); err != nil {
			s.registryError(w, r, err, "Delete endpoint failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// registryError maps registry-operation failures onto problem responses.
func (s *Server) registryError(w http.ResponseWriter, r *http.Request, err error, title string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Webhook endpoint not found", "", r.URL.Path)
	case errors.Is(err, webhooks.ErrInvalidInput):
		writeProblem(w, http.StatusBadRequest, title, err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
	}
}

// WebhookEventsHandler handles GET /v1/webhook-events
func (s *Server) WebhookEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": webhooks.Events()})
}

// ValidateURLHandler handles POST /v1/validate-url; exposed so the frontend
// can check a URL before creating an endpoint with it.
func (s *Server) ValidateURLHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := s.Disp.Validator.Validate(r.Context(), req.URL); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// TriggerEventHandler handles POST /v1/admin/events/trigger — the
// administrative stand-in for domain services firing events.
func (s *Server) TriggerEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	var req struct {
		EventType string         `json:"eventType"`
		Data      map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if !webhooks.KnownEvent(req.EventType) {
		writeProblem(w, http.StatusBadRequest, "Unknown event type", req.EventType, r.URL.Path)
		return
	}
	if err := s.Disp.Trigger(r.Context(), req.EventType, req.Data); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Trigger failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RetryTickHandler handles POST /v1/admin/webhook-retries/tick
func (s *Server) RetryTickHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	processed := s.Retry.Tick(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

// RetrySchedulerHandler handles GET/POST /v1/admin/retry-scheduler
func (s *Server) RetrySchedulerHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"running": s.Retry.Running()})
	case http.MethodPost:
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		switch req.Action {
		case "start":
			s.Retry.Start()
		case "stop":
			s.Retry.Stop()
		default:
			writeProblem(w, http.StatusBadRequest, "Invalid action", "expected start or stop", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"running": s.Retry.Running()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ReadyHandler handles GET /readyz; not ready until the store answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
