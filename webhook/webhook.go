// Package webhook implements the Webhook Dispatcher (spec §4.6.c):
// signed, retried HTTP delivery of bus events to externally registered
// subscriptions.
package webhook

import (
	"strings"
	"time"
)

// Subscription is a registered webhook endpoint (spec §3).
type Subscription struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Events      []string  `json:"events"`
	Secret      string    `json:"secret"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`

	LastDeliveryAt        *time.Time `json:"last_delivery_at,omitempty"`
	TotalDeliveries       int        `json:"total_deliveries"`
	SuccessfulDeliveries  int        `json:"successful_deliveries"`
	FailedDeliveries      int        `json:"failed_deliveries"`
	LastError             string     `json:"last_error,omitempty"`
}

// NewSubscription constructs an active subscription with the given fields.
func NewSubscription(id, url string, events []string, secret, name, description string) *Subscription {
	return &Subscription{
		ID:          id,
		URL:         url,
		Events:      events,
		Secret:      secret,
		Name:        name,
		Description: description,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
}

// ShouldDeliver reports whether this subscription wants the given event,
// either by exact match or its wildcard "*" entry (spec §4.6.c).
func (s *Subscription) ShouldDeliver(event string) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == "*" || e == event || matchesWildcardPrefix(e, event) {
			return true
		}
	}
	return false
}

// matchesWildcardPrefix supports a category wildcard like "ticket.*".
func matchesWildcardPrefix(pattern, event string) bool {
	if !strings.HasSuffix(pattern, ".*") {
		return false
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(event, prefix)
}

// RecordDelivery updates this subscription's counters after a terminal
// delivery outcome (success or terminal failure), spec §4.6.c Counters.
func (s *Subscription) RecordDelivery(success bool, errMsg string) {
	now := time.Now().UTC()
	s.TotalDeliveries++
	if success {
		s.SuccessfulDeliveries++
		s.LastError = ""
	} else {
		s.FailedDeliveries++
		s.LastError = errMsg
	}
	s.LastDeliveryAt = &now
}

// Status is a WebhookDelivery's lifecycle state (spec §3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Delivery is one attempt-tracked delivery of an event to a subscription
// (spec §3). Attempt ≤ MaxAttempts; Delivered and Failed are terminal.
type Delivery struct {
	ID             string      `json:"id"`
	SubscriptionID string      `json:"subscription_id"`
	Event          string      `json:"event"`
	Payload        interface{} `json:"payload"`
	Attempt        int         `json:"attempt"`
	MaxAttempts    int         `json:"max_attempts"`
	Status         Status      `json:"status"`
	ResponseStatus int         `json:"response_status,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	NextRetryAt    *time.Time  `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (d *Delivery) markDelivered(statusCode int) {
	d.Status = StatusDelivered
	d.ResponseStatus = statusCode
	d.NextRetryAt = nil
	d.LastError = ""
	d.UpdatedAt = time.Now().UTC()
}

func (d *Delivery) markRetrying(errMsg string, next time.Time) {
	d.Status = StatusRetrying
	d.LastError = errMsg
	d.NextRetryAt = &next
	d.UpdatedAt = time.Now().UTC()
}

func (d *Delivery) markFailed(errMsg string) {
	d.Status = StatusFailed
	d.LastError = errMsg
	d.NextRetryAt = nil
	d.UpdatedAt = time.Now().UTC()
}
