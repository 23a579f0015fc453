package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyfed/polyfed/pkg/observability"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventConnectionCreated     EventType = "sso.created"
	EventConnectionUpdated     EventType = "sso.updated"
	EventConnectionDeleted     EventType = "sso.deleted"
	EventConnectionActivated   EventType = "sso.activated"
	EventConnectionDeactivated EventType = "sso.deactivated"
	EventCertsRotated          EventType = "sso.certs_rotated"
	EventLoginFailed           EventType = "login.failed"
	EventLogoutCompleted       EventType = "logout.completed"
)

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Webhook represents a registered webhook
type Webhook struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Events      []EventType `json:"events"`
	Secret      string      `json:"secret,omitempty"`
	Active      bool        `json:"active"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// WebhookManager manages webhooks
type WebhookManager struct {
	mu            sync.RWMutex
	webhooks      map[string]*Webhook
	client        *http.Client
	deliveryStore *DeliveryLogStore
	retryWorker   *RetryWorker
	rateLimiter   *RateLimiter
	logger        *observability.Logger
}

// NewWebhookManager creates a new webhook manager
func NewWebhookManager(logger *observability.Logger) *WebhookManager {
	deliveryStore := NewDeliveryLogStore(1000)
	retryPolicy := NewRetryPolicy(DefaultRetryConfig())

	manager := &WebhookManager{
		webhooks: make(map[string]*Webhook),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		deliveryStore: deliveryStore,
		rateLimiter:   NewRateLimiter(100, time.Minute),
		logger:        logger,
	}

	manager.retryWorker = NewRetryWorker(manager, deliveryStore, retryPolicy, logger)

	return manager
}

// StartRetryWorker starts the retry worker
func (wm *WebhookManager) StartRetryWorker(ctx context.Context) {
	wm.retryWorker.Start(ctx, 30*time.Second)
}

// StopRetryWorker stops the retry worker
func (wm *WebhookManager) StopRetryWorker() {
	wm.retryWorker.Stop()
}

// GetDeliveryLogs retrieves delivery logs for a webhook
func (wm *WebhookManager) GetDeliveryLogs(webhookID string, limit int) []*DeliveryLog {
	return wm.deliveryStore.GetByWebhook(webhookID, limit)
}

// GetDeliveryStats retrieves delivery statistics for a webhook
func (wm *WebhookManager) GetDeliveryStats(webhookID string) DeliveryStats {
	return wm.deliveryStore.GetStats(webhookID)
}

// RegisterWebhook registers a new webhook
func (wm *WebhookManager) RegisterWebhook(webhook *Webhook) error {
	if webhook.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(webhook.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	webhook.ID = uuid.NewString()
	webhook.Active = true
	webhook.CreatedAt = time.Now()
	webhook.UpdatedAt = time.Now()

	wm.mu.Lock()
	wm.webhooks[webhook.ID] = webhook
	wm.mu.Unlock()
	return nil
}

// UnregisterWebhook removes a webhook
func (wm *WebhookManager) UnregisterWebhook(id string) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, exists := wm.webhooks[id]; !exists {
		return fmt.Errorf("webhook not found")
	}
	delete(wm.webhooks, id)
	return nil
}

// UpdateWebhook updates a webhook
func (wm *WebhookManager) UpdateWebhook(id string, updates *Webhook) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	webhook, exists := wm.webhooks[id]
	if !exists {
		return fmt.Errorf("webhook not found")
	}

	if updates.URL != "" {
		webhook.URL = updates.URL
	}
	if len(updates.Events) > 0 {
		webhook.Events = updates.Events
	}
	if updates.Secret != "" {
		webhook.Secret = updates.Secret
	}
	webhook.UpdatedAt = time.Now()

	return nil
}

// Dispatch sends an event to all registered webhooks
func (wm *WebhookManager) Dispatch(ctx context.Context, event *Event) error {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()

	wm.mu.RLock()
	targets := make([]*Webhook, 0, len(wm.webhooks))
	for _, webhook := range wm.webhooks {
		targets = append(targets, webhook)
	}
	wm.mu.RUnlock()

	for _, webhook := range targets {
		if !webhook.Active {
			continue
		}

		interested := false
		for _, eventType := range webhook.Events {
			if eventType == event.Type {
				interested = true
				break
			}
		}

		if !interested {
			continue
		}

		deliveryLog := &DeliveryLog{
			ID:        uuid.NewString(),
			WebhookID: webhook.ID,
			EventID:   event.ID,
			EventType: event.Type,
			URL:       webhook.URL,
			Status:    DeliveryStatusPending,
			Attempts:  0,
			CreatedAt: time.Now(),
		}
		wm.deliveryStore.Add(deliveryLog)

		go wm.sendWebhookWithDeliveryLog(ctx, webhook, event, deliveryLog)
	}

	return nil
}

// sendWebhookWithDeliveryLog sends an event to a specific webhook with delivery logging
func (wm *WebhookManager) sendWebhookWithDeliveryLog(ctx context.Context, webhook *Webhook, event *Event, deliveryLog *DeliveryLog) {
	defer observability.RecoverPanic(wm.logger, "webhook delivery")

	deliveryLog.Attempts++
	startTime := time.Now()

	err := wm.sendWebhook(ctx, webhook, event, deliveryLog)
	deliveryLog.Duration = time.Since(startTime)

	if err != nil {
		wm.logger.WithError(err).
			WithField("webhook", webhook.ID).
			WithField("event", string(event.Type)).
			Warn("webhook delivery failed")

		retryPolicy := NewRetryPolicy(DefaultRetryConfig())
		if retryPolicy.ShouldRetry(deliveryLog.Attempts, err) {
			deliveryLog.Status = DeliveryStatusRetrying
			nextRetry := retryPolicy.NextRetryTime(deliveryLog.Attempts)
			deliveryLog.NextRetryAt = &nextRetry
			deliveryLog.ErrorMessage = err.Error()
		} else {
			deliveryLog.Status = DeliveryStatusFailed
			deliveryLog.ErrorMessage = err.Error()
			now := time.Now()
			deliveryLog.CompletedAt = &now
		}
	} else {
		deliveryLog.Status = DeliveryStatusSuccess
		now := time.Now()
		deliveryLog.CompletedAt = &now
	}

	wm.deliveryStore.Update(deliveryLog)
}

// sendWebhook sends an event to a specific webhook
func (wm *WebhookManager) sendWebhook(ctx context.Context, webhook *Webhook, event *Event, deliveryLog *DeliveryLog) error {
	if !wm.rateLimiter.Allow(webhook.ID) {
		return fmt.Errorf("rate limit exceeded for webhook %s", webhook.ID)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Polyfed-Event", string(event.Type))
	req.Header.Set("X-Polyfed-Event-ID", event.ID)
	req.Header.Set("X-Polyfed-Delivery", time.Now().Format(time.RFC3339))

	if webhook.Secret != "" {
		signature := generateSignature(payload, webhook.Secret)
		req.Header.Set("X-Polyfed-Signature", signature)
	}

	if deliveryLog != nil {
		deliveryLog.RequestHeaders = make(map[string]string)
		for key, values := range req.Header {
			if len(values) > 0 {
				deliveryLog.RequestHeaders[key] = values[0]
			}
		}
	}

	resp, err := wm.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if deliveryLog != nil {
		deliveryLog.StatusCode = resp.StatusCode
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}

// sendWebhookWithLog is used by retry worker
func (wm *WebhookManager) sendWebhookWithLog(ctx context.Context, webhook *Webhook, event *Event, deliveryLog *DeliveryLog) error {
	return wm.sendWebhook(ctx, webhook, event, deliveryLog)
}

// VerifySignature verifies the webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ListWebhooks returns all registered webhooks
func (wm *WebhookManager) ListWebhooks() []*Webhook {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	webhooks := make([]*Webhook, 0, len(wm.webhooks))
	for _, webhook := range wm.webhooks {
		webhooks = append(webhooks, webhook)
	}
	return webhooks
}

// GetWebhook retrieves a webhook by ID
func (wm *WebhookManager) GetWebhook(id string) (*Webhook, error) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	webhook, exists := wm.webhooks[id]
	if !exists {
		return nil, fmt.Errorf("webhook not found")
	}
	return webhook, nil
}

// DeactivateWebhook deactivates a webhook
func (wm *WebhookManager) DeactivateWebhook(id string) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	webhook, exists := wm.webhooks[id]
	if !exists {
		return fmt.Errorf("webhook not found")
	}
	webhook.Active = false
	webhook.UpdatedAt = time.Now()
	return nil
}

// ActivateWebhook activates a webhook
func (wm *WebhookManager) ActivateWebhook(id string) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	webhook, exists := wm.webhooks[id]
	if !exists {
		return fmt.Errorf("webhook not found")
	}
	webhook.Active = true
	webhook.UpdatedAt = time.Now()
	return nil
}

// Sink adapts the manager to the connection registry's event sink. Events
// fire asynchronously so registry writes never block on webhook delivery.
type Sink struct {
	manager *WebhookManager
}

// NewSink creates a sink backed by the manager.
func NewSink(manager *WebhookManager) *Sink {
	return &Sink{manager: manager}
}

// Notify dispatches a lifecycle event. Payloads are flattened into the event
// data; payloads that do not serialize to a JSON object go under "payload".
func (s *Sink) Notify(event string, payload interface{}) {
	data := map[string]interface{}{}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			if err := json.Unmarshal(raw, &data); err != nil {
				data = map[string]interface{}{"payload": payload}
			}
		}
	}
	_ = s.manager.Dispatch(context.Background(), &Event{
		Type: EventType(event),
		Data: data,
	})
}
