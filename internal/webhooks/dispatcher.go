// Package webhooks delivers gateway events to registered HTTP
// subscribers asynchronously, with HMAC-signed payloads.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/database"
)

// Event types emitted by the gateway.
const (
	EventRequestCompleted   = "request.completed"
	EventRequestFailed      = "request.failed"
	EventBudgetAlert        = "budget.alert"
	EventGuardrailViolation = "guardrail.violation"
	EventPIIDetected        = "pii.detected"
)

// Event is the wire payload POSTed to subscribers.
type Event struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// SubscriptionSource yields the active subscriptions for an event type;
// *database.Store satisfies it.
type SubscriptionSource interface {
	ActiveWebhooks(ctx context.Context, event string) ([]database.Webhook, error)
}

// Dispatcher fans events out to subscribers through a background worker
// pool.
type Dispatcher struct {
	source     SubscriptionSource
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	enabled    bool
	maxRetries int
	retryDelay time.Duration
}

type deliveryJob struct {
	subscriber database.Webhook
	event      *Event
}

// NewDispatcher starts the worker pool. Workers drain the queue until
// Shutdown closes it.
func NewDispatcher(source SubscriptionSource, cfg config.WebhooksConfig, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := time.Duration(cfg.RetryDelay * float64(time.Second))
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	d := &Dispatcher{
		source:     source,
		httpClient: &http.Client{Timeout: timeout},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		enabled:    cfg.Enabled,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Trigger looks up the event's subscribers and queues one delivery per
// subscriber. A full queue drops the delivery rather than blocking the
// request path.
func (d *Dispatcher) Trigger(event string, data map[string]interface{}) {
	if !d.enabled || d.source == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subscribers, err := d.source.ActiveWebhooks(ctx, event)
	if err != nil {
		d.logger.Printf("subscriber lookup failed for %s: %v", event, err)
		return
	}
	if len(subscribers) == 0 {
		return
	}

	payload := &Event{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: payload}:
		default:
			d.logger.Printf("queue full, dropping %s for %s", event, sub.URL)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver POSTs the event, retrying failures with exponential backoff
// inside the worker.
func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("marshal event failed: %v", err)
		return
	}

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.retryDelay * (1 << (attempt - 1)))
		}
		if d.attemptDelivery(job, payload, attempt) {
			return
		}
	}
	d.logger.Printf("delivery exhausted retries: %s → %s", job.event.Event, job.subscriber.URL)
}

func (d *Dispatcher) attemptDelivery(job *deliveryJob, payload []byte, attempt int) bool {
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("build request failed: %v", err)
		return true // unrecoverable, stop retrying
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", job.event.Event)
	req.Header.Set("X-Webhook-Signature", SignPayload(payload, job.subscriber.Secret))
	req.Header.Set("X-Webhook-Delivery-Attempt", fmt.Sprintf("%d", attempt+1))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed: %s → %v", job.subscriber.URL, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("delivery returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.event.Event)
		return false
	}
	return true
}

// SignPayload returns the hex HMAC-SHA256 of the payload under the
// subscriber's secret. Receivers verify it from the
// X-Webhook-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Shutdown stops accepting events and waits for in-flight deliveries.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
