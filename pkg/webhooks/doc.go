// Package webhooks provides event-driven webhook delivery for federation events.
//
// # Overview
//
// This package manages webhook registration, delivery, retries, and monitoring with
// automatic retry logic, rate limiting, and HMAC signature verification.
//
// # Webhook Events
//
// sso.created, sso.updated, sso.deleted
// sso.activated, sso.deactivated, sso.certs_rotated
// login.failed, logout.completed
//
// # Usage Example
//
// Register webhook:
//
//	webhook := &webhooks.Webhook{
//		URL:    "https://api.example.com/webhooks",
//		Events: []webhooks.EventType{webhooks.EventConnectionCreated, webhooks.EventLoginFailed},
//		Secret: "webhook-secret",
//	}
//	manager.RegisterWebhook(webhook)
//
// Trigger event:
//
//	event := &webhooks.Event{
//		Type: webhooks.EventConnectionCreated,
//		Data: map[string]interface{}{
//			"tenant":  "acme.com",
//			"product": "crm",
//		},
//	}
//	manager.Dispatch(ctx, event)
//
// Verify signature (receiver side):
//
//	sig := r.Header.Get("X-Polyfed-Signature")
//	if !webhooks.VerifySignature(body, sig, secret) {
//		return errors.New("invalid signature")
//	}
//
// # Retry Policy
//
// Exponential backoff: 1s, 2s, 4s, 8s, 16s
// Max retries: 5
// Timeout per attempt: 10s
package webhooks
