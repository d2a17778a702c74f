// internal/gateway/paddle.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"paydesk/internal/billing"
)

// ErrIgnoredEvent is returned for verified webhooks that carry no payment outcome.
var ErrIgnoredEvent = billing.ErrEventIgnored

// PaddleConfig holds configuration for the Paddle gateway.
type PaddleConfig struct {
	APIKey        string
	WebhookSecret string
	Environment   string
}

type subscriptionCanceller interface {
	CancelSubscription(ctx context.Context, req *paddle.CancelSubscriptionRequest) (*paddle.Subscription, error)
}

// Paddle is the billing.PaymentGateway backed by Paddle Billing. Paddle does
// not expose charging a saved payment method on demand, so forced retries are
// reported as unsupported.
type Paddle struct {
	client   subscriptionCanceller
	verifier *paddle.WebhookVerifier
}

// NewPaddle creates a Paddle gateway for the configured environment.
func NewPaddle(cfg PaddleConfig) (*Paddle, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &Paddle{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
	}, nil
}

// ChargeSavedMethod implements billing.PaymentGateway.
func (p *Paddle) ChargeSavedMethod(context.Context, string) (billing.ChargeOutcome, error) {
	return billing.ChargeOutcome{}, billing.ErrChargeUnsupported
}

// CancelSubscription implements billing.PaymentGateway.
func (p *Paddle) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := p.client.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: subscriptionID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromImmediately),
	})
	if err != nil {
		return fmt.Errorf("paddle cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// ParseWebhook verifies the Paddle-Signature header of r and converts the
// payload into a payment event. Events that do not report a payment outcome
// return ErrIgnoredEvent.
func (p *Paddle) ParseWebhook(r *http.Request) (*billing.PaymentEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	valid, err := p.verifier.Verify(r)
	if err != nil {
		return nil, fmt.Errorf("webhook verification error: %w", err)
	}
	if !valid {
		return nil, billing.ErrInvalidSignature
	}

	return decodeWebhook(body)
}

type paddleNotification struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		ID             string `json:"id"`
		SubscriptionID string `json:"subscription_id"`
		Status         string `json:"status"`
		Payments       []struct {
			Status    string `json:"status"`
			ErrorCode string `json:"error_code"`
		} `json:"payments"`
	} `json:"data"`
}

func decodeWebhook(body []byte) (*billing.PaymentEvent, error) {
	var n paddleNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	var eventType billing.PaymentEventType
	switch n.EventType {
	case "transaction.payment_failed":
		eventType = billing.PaymentFailed
	case "transaction.completed", "transaction.payment_succeeded":
		eventType = billing.PaymentSucceeded
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, n.EventType)
	}

	// One-off transactions are not tied to a subscription.
	if n.Data.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: transaction %s has no subscription", ErrIgnoredEvent, n.Data.ID)
	}

	event := &billing.PaymentEvent{
		ID:             n.EventID,
		Type:           eventType,
		SubscriptionID: n.Data.SubscriptionID,
	}
	if eventType == billing.PaymentFailed {
		event.Reason = failureReason(n)
	}
	return event, nil
}

func failureReason(n paddleNotification) string {
	for i := len(n.Data.Payments) - 1; i >= 0; i-- {
		if code := n.Data.Payments[i].ErrorCode; code != "" {
			return code
		}
	}
	return "payment_failed"
}
