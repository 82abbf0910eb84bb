package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/database"
)

type fakeSubscriptionSource struct {
	webhooks map[string][]database.Webhook
}

func (f *fakeSubscriptionSource) ActiveWebhooks(ctx context.Context, event string) ([]database.Webhook, error) {
	return f.webhooks[event], nil
}

type capturedDelivery struct {
	body    []byte
	headers http.Header
}

// captureServer records deliveries and returns scripted status codes in
// order, repeating the last one.
type captureServer struct {
	mu         sync.Mutex
	deliveries []capturedDelivery
	statuses   []int
	server     *httptest.Server
}

func newCaptureServer(statuses ...int) *captureServer {
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	c := &captureServer{statuses: statuses}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.deliveries = append(c.deliveries, capturedDelivery{body: body, headers: r.Header.Clone()})
		idx := len(c.deliveries) - 1
		if idx >= len(c.statuses) {
			idx = len(c.statuses) - 1
		}
		status := c.statuses[idx]
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	return c
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *captureServer) delivery(i int) capturedDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries[i]
}

func dispatcherConfig() config.WebhooksConfig {
	return config.WebhooksConfig{Enabled: true, Timeout: 5, MaxRetries: 3, RetryDelay: 0.01}
}

func subscriber(url, secret string, events ...string) database.Webhook {
	return database.Webhook{ID: uuid.New(), URL: url, Secret: secret, Events: events}
}

func TestDispatcherDeliversSignedEvent(t *testing.T) {
	srv := newCaptureServer(http.StatusOK)
	defer srv.server.Close()

	source := &fakeSubscriptionSource{webhooks: map[string][]database.Webhook{
		EventRequestCompleted: {subscriber(srv.server.URL, "topsecret", EventRequestCompleted)},
	}}
	d := NewDispatcher(source, dispatcherConfig(), 2)

	d.Trigger(EventRequestCompleted, map[string]interface{}{"request_id": "abc", "cost": 0.01})
	d.Shutdown()

	require.Equal(t, 1, srv.count())
	got := srv.delivery(0)

	var event Event
	require.NoError(t, json.Unmarshal(got.body, &event))
	assert.Equal(t, EventRequestCompleted, event.Event)
	assert.Equal(t, "abc", event.Data["request_id"])
	_, err := time.Parse(time.RFC3339, event.Timestamp)
	assert.NoError(t, err)

	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, EventRequestCompleted, got.headers.Get("X-Webhook-Event"))
	assert.Equal(t, "1", got.headers.Get("X-Webhook-Delivery-Attempt"))
	assert.Equal(t, SignPayload(got.body, "topsecret"), got.headers.Get("X-Webhook-Signature"))
}

func TestDispatcherRetriesOnServerError(t *testing.T) {
	srv := newCaptureServer(http.StatusInternalServerError, http.StatusOK)
	defer srv.server.Close()

	source := &fakeSubscriptionSource{webhooks: map[string][]database.Webhook{
		EventBudgetAlert: {subscriber(srv.server.URL, "s", EventBudgetAlert)},
	}}
	d := NewDispatcher(source, dispatcherConfig(), 1)

	d.Trigger(EventBudgetAlert, map[string]interface{}{"user_id": "u"})
	d.Shutdown()

	require.Equal(t, 2, srv.count())
	assert.Equal(t, "1", srv.delivery(0).headers.Get("X-Webhook-Delivery-Attempt"))
	assert.Equal(t, "2", srv.delivery(1).headers.Get("X-Webhook-Delivery-Attempt"))
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	srv := newCaptureServer(http.StatusBadGateway)
	defer srv.server.Close()

	source := &fakeSubscriptionSource{webhooks: map[string][]database.Webhook{
		EventRequestFailed: {subscriber(srv.server.URL, "s", EventRequestFailed)},
	}}
	d := NewDispatcher(source, dispatcherConfig(), 1)

	d.Trigger(EventRequestFailed, nil)
	d.Shutdown()

	assert.Equal(t, 3, srv.count())
}

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	first := newCaptureServer(http.StatusOK)
	defer first.server.Close()
	second := newCaptureServer(http.StatusOK)
	defer second.server.Close()

	source := &fakeSubscriptionSource{webhooks: map[string][]database.Webhook{
		EventPIIDetected: {
			subscriber(first.server.URL, "a", EventPIIDetected),
			subscriber(second.server.URL, "b", EventPIIDetected),
		},
	}}
	d := NewDispatcher(source, dispatcherConfig(), 2)

	d.Trigger(EventPIIDetected, map[string]interface{}{"pii_types": []string{"EMAIL"}})
	d.Shutdown()

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestDispatcherDisabled(t *testing.T) {
	srv := newCaptureServer(http.StatusOK)
	defer srv.server.Close()

	source := &fakeSubscriptionSource{webhooks: map[string][]database.Webhook{
		EventRequestCompleted: {subscriber(srv.server.URL, "s", EventRequestCompleted)},
	}}
	cfg := dispatcherConfig()
	cfg.Enabled = false
	d := NewDispatcher(source, cfg, 1)

	d.Trigger(EventRequestCompleted, nil)
	d.Shutdown()

	assert.Zero(t, srv.count())
}

func TestDispatcherNoSubscribersIsNoop(t *testing.T) {
	d := NewDispatcher(&fakeSubscriptionSource{webhooks: map[string][]database.Webhook{}}, dispatcherConfig(), 1)
	d.Trigger(EventGuardrailViolation, nil)
	d.Shutdown()
}

func TestDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(&fakeSubscriptionSource{}, config.WebhooksConfig{Enabled: true}, 0)
	defer d.Shutdown()

	assert.Equal(t, 5*time.Second, d.httpClient.Timeout)
	assert.Equal(t, 3, d.maxRetries)
	assert.Equal(t, time.Second, d.retryDelay)
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	payload := []byte(`{"event":"request.completed"}`)
	assert.Equal(t, SignPayload(payload, "secret"), SignPayload(payload, "secret"))
	assert.NotEqual(t, SignPayload(payload, "secret"), SignPayload(payload, "other"))
	assert.Len(t, SignPayload(payload, "secret"), 64)
}
