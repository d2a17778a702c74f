// internal/clients/billing_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paydesk/internal/billing"
)

// ErrUnauthorized is returned when the API key is rejected.
var ErrUnauthorized = errors.New("billing API rejected the API key")

// BillingClient calls the billing admin API. Error responses come back as
// *billing.Error carrying the server's kind.
type BillingClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewBillingClient(baseURL, apiKey string) *BillingClient {
	return &BillingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithTimeout overrides the per-request timeout. Job calls need at least the
// server's job timeout.
func (c *BillingClient) WithTimeout(d time.Duration) *BillingClient {
	if d > 0 {
		c.http.Timeout = d
	}
	return c
}

func (c *BillingClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return &billing.Error{Kind: billing.KindInternal, Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode)}
		}
		return &billing.Error{Kind: billing.ErrorKind(e.Error), Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func subscriptionPath(id, action string) string {
	return "/subscriptions/" + url.PathEscape(id) + action
}

func membershipPath(id, action string) string {
	return "/memberships/" + url.PathEscape(id) + action
}

func (c *BillingClient) CreateSubscription(ctx context.Context, req billing.NewSubscription) (*billing.Subscription, error) {
	var sub billing.Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *BillingClient) CreateMembership(ctx context.Context, req billing.NewMembership) (*billing.Membership, error) {
	var m billing.Membership
	if err := c.do(ctx, http.MethodPost, "/memberships", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *BillingClient) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	var sub billing.Subscription
	if err := c.do(ctx, http.MethodGet, subscriptionPath(id, ""), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *BillingClient) GetMembership(ctx context.Context, id string) (*billing.Membership, error) {
	var m billing.Membership
	if err := c.do(ctx, http.MethodGet, membershipPath(id, ""), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *BillingClient) ack(ctx context.Context, method, path string, body any) (*billing.Ack, error) {
	var a billing.Ack
	if err := c.do(ctx, method, path, body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *BillingClient) LinkSubscriptionToMembership(ctx context.Context, subscriptionID, membershipID string) (*billing.Ack, error) {
	return c.ack(ctx, http.MethodPost, subscriptionPath(subscriptionID, "/link"), map[string]string{"membership_id": membershipID})
}

func (c *BillingClient) SetOnHold(ctx context.Context, subscriptionID string) (*billing.Ack, error) {
	return c.ack(ctx, http.MethodPost, subscriptionPath(subscriptionID, "/hold"), nil)
}

func (c *BillingClient) Cancel(ctx context.Context, subscriptionID string, mode billing.CancelMode) (*billing.Ack, error) {
	return c.ack(ctx, http.MethodPost, subscriptionPath(subscriptionID, "/cancel"), map[string]string{"mode": string(mode)})
}

func (c *BillingClient) HandlePaymentEvent(ctx context.Context, event billing.PaymentEvent) (*billing.Ack, error) {
	return c.ack(ctx, http.MethodPost, "/payment-events", event)
}

func (c *BillingClient) CompleteDueCancellations(ctx context.Context) (*billing.SweepResult, error) {
	var result billing.SweepResult
	if err := c.do(ctx, http.MethodPost, "/jobs/cancellations", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *BillingClient) PurgeProcessedEvents(ctx context.Context) (int64, error) {
	var result struct {
		Purged int64 `json:"purged"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs/purge-events", nil, &result); err != nil {
		return 0, err
	}
	return result.Purged, nil
}
