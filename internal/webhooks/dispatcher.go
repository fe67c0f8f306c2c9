package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"donorhub/internal/metrics"
	"donorhub/internal/model"
	"donorhub/internal/store"
)

// ErrInvalidInput marks registry-operation failures caused by bad caller
// input, so the HTTP layer can map them to 400 instead of 500.
var ErrInvalidInput = errors.New("invalid input")

// URLValidator is the safety check run before every outbound attempt.
type URLValidator interface {
	Validate(ctx context.Context, raw string) error
}

// Dispatcher fans domain events out to subscribed endpoints, signs and sends
// payloads, and records every outcome in the delivery ledger.
type Dispatcher struct {
	Store       store.Store
	HTTP        *http.Client
	Validator   URLValidator
	Limiter     *rate.Limiter
	MaxAttempts int

	// OnResult, when set, receives every recorded delivery outcome (used to
	// feed the live delivery stream). Never blocks delivery.
	OnResult func(endpointID string, data map[string]any)
}

// NewDispatcher builds a dispatcher with env-sourced knobs:
// WEBHOOK_TIMEOUT_MS (default 30000), WEBHOOK_MAX_ATTEMPTS (default 5),
// WEBHOOK_RATE_RPS / WEBHOOK_RATE_BURST (outbound cap, default unlimited).
func NewDispatcher(s store.Store) *Dispatcher {
	timeout := 30000
	if v := os.Getenv("WEBHOOK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = n
		}
	}
	maxAttempts := 5
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	var limiter *rate.Limiter
	if v := os.Getenv("WEBHOOK_RATE_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			burst := int(rps)
			if b := os.Getenv("WEBHOOK_RATE_BURST"); b != "" {
				if n, err := strconv.Atoi(b); err == nil && n > 0 {
					burst = n
				}
			}
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
	return &Dispatcher{
		Store:       s,
		HTTP:        &http.Client{Timeout: time.Duration(timeout) * time.Millisecond},
		Validator:   NewValidator(),
		Limiter:     limiter,
		MaxAttempts: maxAttempts,
	}
}

// outcome is the transient result of one validate-then-send pass.
type outcome struct {
	success   bool
	status    int
	latencyMs int
	errText   string
	blocked   bool
}

// Trigger loads the active endpoints subscribed to eventType, writes a
// pending ledger row per endpoint, and attempts each delivery independently.
// A failure on one endpoint never prevents the others; attempt failures are
// recorded in the ledger, not returned.
func (dsp *Dispatcher) Trigger(ctx context.Context, eventType string, data any) error {
	env := map[string]any{
		"id":        "evt_" + uuid.New().String(),
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	eps, err := dsp.Store.ActiveEndpointsForEvent(ctx, eventType)
	if err != nil {
		return fmt.Errorf("load endpoints for %s: %w", eventType, err)
	}
	var wg sync.WaitGroup
	for _, ep := range eps {
		id, err := dsp.Store.CreateDelivery(ctx, ep.ID, eventType, body)
		if err != nil {
			log.Printf("webhooks: create delivery for endpoint %s failed: %v", ep.ID, err)
			continue
		}
		wg.Add(1)
		go func(ep model.WebhookEndpoint) {
			defer wg.Done()
			dsp.deliver(ctx, id, ep, eventType, body, 0)
		}(ep)
	}
	wg.Wait()
	return nil
}

// ProcessRetries re-attempts up to batchSize due failed deliveries through
// the identical validate-then-send path. Returns the number attempted,
// regardless of per-delivery outcome.
func (dsp *Dispatcher) ProcessRetries(ctx context.Context, batchSize int) (int, error) {
	due, err := dsp.Store.FetchDueRetries(ctx, batchSize, dsp.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("fetch due retries: %w", err)
	}
	for _, d := range due {
		// Endpoint state is re-read per attempt: URL, secret, and active flag
		// may all have changed since the delivery was created.
		ep, err := dsp.Store.EndpointByID(ctx, d.EndpointID)
		if err != nil {
			reason := "endpoint no longer exists"
			if !errors.Is(err, store.ErrNotFound) {
				reason = err.Error()
			}
			dsp.record(ctx, d.ID, d.EndpointID, d.EventType, outcome{errText: reason}, d.Attempts)
			continue
		}
		if !ep.IsActive {
			dsp.record(ctx, d.ID, d.EndpointID, d.EventType, outcome{errText: "endpoint is inactive"}, d.Attempts)
			continue
		}
		dsp.deliver(ctx, d.ID, ep, d.EventType, d.Payload, d.Attempts)
	}
	return len(due), nil
}

// TestEndpoint performs a single ownership-scoped connectivity probe through
// the same validate-then-send path. It never writes to the delivery ledger.
func (dsp *Dispatcher) TestEndpoint(ctx context.Context, userID, id string) (model.TestResult, error) {
	ep, err := dsp.Store.GetEndpoint(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.TestResult{Success: false, Error: "Webhook endpoint not found"}, nil
	}
	if err != nil {
		return model.TestResult{}, err
	}
	env := map[string]any{
		"id":        "evt_" + uuid.New().String(),
		"type":      EventTestPing,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      map[string]any{"message": "donorhub webhook connectivity test"},
	}
	body, _ := json.Marshal(env)
	out := dsp.send(ctx, ep, EventTestPing, body)
	if out.success {
		return model.TestResult{Success: true, StatusCode: out.status, ResponseTime: out.latencyMs}, nil
	}
	return model.TestResult{Success: false, StatusCode: out.status, Error: out.errText}, nil
}

// deliver runs one attempt and records its outcome. priorAttempts is the
// ledger's attempt count before this attempt.
func (dsp *Dispatcher) deliver(ctx context.Context, deliveryID string, ep model.WebhookEndpoint, eventType string, body []byte, priorAttempts int) {
	out := dsp.send(ctx, ep, eventType, body)
	dsp.record(ctx, deliveryID, ep.ID, eventType, out, priorAttempts)
}

// send validates the target and, only if it passes, POSTs the signed payload.
// Validation runs on every attempt; verdicts are never cached across attempts.
func (dsp *Dispatcher) send(ctx context.Context, ep model.WebhookEndpoint, eventType string, body []byte) outcome {
	if err := dsp.Validator.Validate(ctx, ep.URL); err != nil {
		metrics.SSRFBlocks.Inc()
		metrics.WebhookDeliveries.WithLabelValues(eventType, "blocked").Inc()
		return outcome{blocked: true, errText: "delivery blocked: " + err.Error()}
	}
	if dsp.Limiter != nil {
		if err := dsp.Limiter.Wait(ctx); err != nil {
			return outcome{errText: "rate limiter: " + err.Error()}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return outcome{errText: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Signature", SignHMAC(ep.Secret, body))

	start := time.Now()
	resp, err := dsp.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues(eventType, "failed").Inc()
		metrics.WebhookLatency.WithLabelValues(eventType, "failed").Observe(float64(latency))
		return outcome{latencyMs: latency, errText: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveries.WithLabelValues(eventType, "success").Inc()
		metrics.WebhookLatency.WithLabelValues(eventType, "success").Observe(float64(latency))
		return outcome{success: true, status: resp.StatusCode, latencyMs: latency}
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	errText := fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		errText += ": " + s
	}
	metrics.WebhookDeliveries.WithLabelValues(eventType, "failed").Inc()
	metrics.WebhookLatency.WithLabelValues(eventType, "failed").Observe(float64(latency))
	return outcome{status: resp.StatusCode, latencyMs: latency, errText: errText}
}

// record updates the ledger row and notifies the live feed. Failed attempts
// get a next_retry_at from the backoff curve; attempts at or past the cap
// simply stop matching the due-retry query.
func (dsp *Dispatcher) record(ctx context.Context, deliveryID, endpointID, eventType string, out outcome, priorAttempts int) {
	var next *time.Time
	if !out.success {
		n := time.Now().Add(nextBackoff(priorAttempts))
		next = &n
	}
	if err := dsp.Store.MarkDelivery(ctx, deliveryID, out.success, out.status, out.errText, next); err != nil {
		log.Printf("webhooks: mark delivery %s failed: %v", deliveryID, err)
	}
	status := model.DeliveryFailed
	if out.success {
		status = model.DeliverySuccess
	} else {
		log.Printf("webhooks: delivery %s (%s) attempt %d failed: %s", deliveryID, eventType, priorAttempts+1, out.errText)
	}
	if dsp.OnResult != nil {
		dsp.OnResult(endpointID, map[string]any{
			"deliveryId":     deliveryID,
			"endpointId":     endpointID,
			"eventType":      eventType,
			"status":         status,
			"responseStatus": out.status,
			"attempts":       priorAttempts + 1,
		})
	}
}

// nextBackoff doubles per attempt, capped at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}

// Endpoint registry operations

func (dsp *Dispatcher) CreateEndpoint(ctx context.Context, userID string, in model.EndpointCreate) (model.WebhookEndpoint, error) {
	if err := dsp.validateEndpointInput(ctx, &in.URL, in.Events, true); err != nil {
		return model.WebhookEndpoint{}, err
	}
	secret, err := NewSecret()
	if err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("generate secret: %w", err)
	}
	return dsp.Store.CreateEndpoint(ctx, userID, in, secret)
}

func (dsp *Dispatcher) ListEndpoints(ctx context.Context, userID string) ([]model.EndpointStats, error) {
	out, err := dsp.Store.ListEndpoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].TotalDeliveries > 0 {
			out[i].SuccessRate = int(math.Round(100 * float64(out[i].SuccessfulDeliveries) / float64(out[i].TotalDeliveries)))
		}
	}
	return out, nil
}

func (dsp *Dispatcher) GetEndpoint(ctx context.Context, userID, id string) (model.WebhookEndpoint, error) {
	return dsp.Store.GetEndpoint(ctx, userID, id)
}

func (dsp *Dispatcher) UpdateEndpoint(ctx context.Context, userID, id string, patch model.EndpointPatch) (model.WebhookEndpoint, error) {
	if err := dsp.validateEndpointInput(ctx, patch.URL, patch.Events, false); err != nil {
		return model.WebhookEndpoint{}, err
	}
	return dsp.Store.UpdateEndpoint(ctx, userID, id, patch)
}

func (dsp *Dispatcher) DeleteEndpoint(ctx context.Context, userID, id string) error {
	return dsp.Store.DeleteEndpoint(ctx, userID, id)
}

// RotateSecret replaces the endpoint's signing secret; the old secret stops
// verifying as soon as the update lands.
func (dsp *Dispatcher) RotateSecret(ctx context.Context, userID, id string) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	if err := dsp.Store.UpdateEndpointSecret(ctx, userID, id, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func (dsp *Dispatcher) Deliveries(ctx context.Context, userID, endpointID string, limit int) ([]model.WebhookDelivery, error) {
	return dsp.Store.ListDeliveries(ctx, userID, endpointID, limit)
}

// validateEndpointInput checks URL and subscription set. url may be nil for
// patches that leave it unchanged; required forces both fields present.
func (dsp *Dispatcher) validateEndpointInput(ctx context.Context, url *string, events []string, required bool) error {
	if required && (url == nil || *url == "") {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if url != nil && *url != "" {
		if err := dsp.Validator.Validate(ctx, *url); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if required && len(events) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrInvalidInput)
	}
	for _, e := range events {
		if !KnownEvent(e) {
			return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e)
		}
	}
	return nil
}
