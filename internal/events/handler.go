// internal/events/handler.go
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"paydesk/internal/billing"
)

// Applier applies one normalized payment event.
type Applier interface {
	HandlePaymentEvent(ctx context.Context, event billing.PaymentEvent) (*billing.Ack, error)
}

// PaymentHandler turns queue deliveries into sync-service calls.
type PaymentHandler struct {
	service Applier
	logger  *slog.Logger
	timeout time.Duration
}

func NewPaymentHandler(service Applier, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{service: service, logger: logger, timeout: 30 * time.Second}
}

// Bindings maps both payment routing keys to Handle.
func (h *PaymentHandler) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		string(billing.PaymentFailed):    h.Handle,
		string(billing.PaymentSucceeded): h.Handle,
	}
}

// Handle reports whether the delivery is finished. Only internal and gateway
// failures ask for redelivery; rejected events would fail the same way again.
func (h *PaymentHandler) Handle(body []byte) bool {
	var event billing.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("dropping malformed payment event", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	ack, err := h.service.HandlePaymentEvent(ctx, event)
	if err != nil {
		kind := billing.KindOf(err)
		if kind == billing.KindInternal || kind == billing.KindGateway {
			h.logger.Error("payment event failed", "event_id", event.ID, "subscription_id", event.SubscriptionID, "error", err)
			return false
		}
		h.logger.Warn("payment event rejected", "event_id", event.ID, "subscription_id", event.SubscriptionID, "kind", kind, "error", err)
		return true
	}

	h.logger.Info("payment event applied", "event_id", event.ID, "subscription_id", event.SubscriptionID, "result", ack.Message)
	return true
}
