// Package webhook delivers event notifications to registered subscribers.
//
// Delivery is best-effort fan-out: each enabled subscriber whose event-type
// filter matches gets one POST with a bounded timeout. A failing subscriber
// never affects its siblings or the caller; there are no retries and no
// delivery guarantee.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event types emitted through the dispatcher. The import pipeline emits
// record.imported; the CRUD layer uses the remaining types through the same
// contract.
const (
	EventRecordImported = "record.imported"
	EventRecordCreated  = "record.created"
	EventRecordUpdated  = "record.updated"
	EventRecordDeleted  = "record.deleted"
)

// DefaultTimeout bounds a single outbound delivery.
const DefaultTimeout = 10 * time.Second

// Subscriber is one webhook registration. Lifecycle and CRUD live outside
// this package; the dispatcher only reads.
type Subscriber struct {
	ID        int64
	URL       string
	EventType string
	Enabled   bool
}

// Registry resolves the subscribers interested in an event type.
// Implementations return only enabled subscribers with an exact event-type
// match.
type Registry interface {
	EnabledForEvent(ctx context.Context, eventType string) ([]Subscriber, error)
}

// Dispatcher fans events out to subscribers.
type Dispatcher struct {
	registry Registry
	client   *http.Client
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher reading subscribers from registry.
// timeout <= 0 falls back to DefaultTimeout.
func NewDispatcher(registry Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{},
		timeout:  timeout,
	}
}

// envelope is the outbound notification body.
type envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Dispatch delivers the event to every matching subscriber. Deliveries run
// concurrently, each with its own timeout; order across subscribers is
// unspecified. Dispatch itself never fails: registry and delivery errors
// are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]any) {
	subs, err := d.registry.EnabledForEvent(ctx, eventType)
	if err != nil {
		slog.Error("webhook registry lookup failed", "event", eventType, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(envelope{Event: eventType, Data: payload})
	if err != nil {
		slog.Error("webhook payload marshal failed", "event", eventType, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			d.deliver(ctx, sub, eventType, body)
		}(sub)
	}
	wg.Wait()
}

// deliver posts the event to one subscriber. Failures are logged, never
// returned.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, eventType string, body []byte) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook request build failed",
			"webhook_id", sub.ID, "event", eventType, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed",
			"webhook_id", sub.ID, "event", eventType, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("webhook delivery rejected",
			"webhook_id", sub.ID, "event", eventType, "status", resp.StatusCode)
		return
	}

	slog.Info("webhook delivered",
		"webhook_id", sub.ID, "event", eventType, "status", resp.StatusCode)
}
