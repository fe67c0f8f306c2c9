package model

import "time"

// Core webhook domain types.

// WebhookEndpoint is a caller-registered URL subscribed to a set of event types.
type WebhookEndpoint struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret,omitempty"`
	Events      []string  `json:"events"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EndpointStats is an endpoint plus its aggregated delivery counters.
type EndpointStats struct {
	WebhookEndpoint
	TotalDeliveries      int `json:"totalDeliveries"`
	SuccessfulDeliveries int `json:"successfulDeliveries"`
	FailedDeliveries     int `json:"failedDeliveries"`
	SuccessRate          int `json:"successRate"`
}

// Delivery statuses. A failed delivery below the attempt cap is picked up
// again by the retry scheduler.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// WebhookDelivery is one ledger entry for an attempted delivery.
type WebhookDelivery struct {
	ID             string     `json:"id"`
	EndpointID     string     `json:"webhookEndpointId"`
	EventType      string     `json:"eventType"`
	Payload        []byte     `json:"payload"`
	Status         string     `json:"status"`
	ResponseStatus int        `json:"responseStatus,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"lastError,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TestResult is the transient outcome of a connectivity probe. It is never
// written to the delivery ledger.
type TestResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ResponseTime int    `json:"responseTimeMs,omitempty"`
	Error        string `json:"error,omitempty"`
}

// EndpointCreate is the registry input for a new endpoint.
type EndpointCreate struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Description string   `json:"description,omitempty"`
}

// EndpointPatch carries partial updates; nil fields are left unchanged.
type EndpointPatch struct {
	URL         *string  `json:"url,omitempty"`
	Events      []string `json:"events,omitempty"`
	Description *string  `json:"description,omitempty"`
	IsActive    *bool    `json:"isActive,omitempty"`
}

// EventDescriptor describes one supported event type for UI population.
type EventDescriptor struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}
