package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"donorhub/internal/api"
	"donorhub/internal/metrics"
)

func main() {
	srvDeps, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Webhook endpoint registry
	mux.HandleFunc("/v1/webhook-endpoints", srvDeps.WebhookEndpointsHandler)
	mux.HandleFunc("/v1/webhook-endpoints/", srvDeps.WebhookEndpointByIDHandler) // includes /rotate-secret, /test, /deliveries

	// Event catalogue and URL validation
	mux.HandleFunc("/v1/webhook-events", srvDeps.WebhookEventsHandler)
	mux.HandleFunc("/v1/validate-url", srvDeps.ValidateURLHandler)

	// Admin
	mux.HandleFunc("/v1/admin/events/trigger", srvDeps.TriggerEventHandler)
	mux.HandleFunc("/v1/admin/webhook-retries/tick", srvDeps.RetryTickHandler)
	mux.HandleFunc("/v1/admin/retry-scheduler", srvDeps.RetrySchedulerHandler)

	// Health & ops
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.HandleFunc("/debug", srvDeps.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Docs
	mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
	mux.HandleFunc("/docs", srvDeps.DocsHandler)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	// Start the webhook retry scheduler
	srvDeps.Retry.Start()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		status := fmt.Sprintf("%d", rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}
