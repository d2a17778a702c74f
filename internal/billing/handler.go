// internal/billing/handler.go
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// WebhookParser verifies and decodes provider webhooks.
type WebhookParser interface {
	ParseWebhook(r *http.Request) (*PaymentEvent, error)
}

// EventDispatcher hands a verified payment event to whatever applies it.
type EventDispatcher func(ctx context.Context, event PaymentEvent) error

// DefaultJobTimeout bounds a maintenance job request such as the
// cancellation sweep.
const DefaultJobTimeout = 5 * time.Minute

// jobResponseGrace is the write budget left after a job's deadline for
// encoding the result.
const jobResponseGrace = 10 * time.Second

type Handler struct {
	service    Service
	webhooks   WebhookParser
	dispatch   EventDispatcher
	logger     *slog.Logger
	jobTimeout time.Duration
}

// NewHandler builds the admin and webhook HTTP surface. webhooks may be nil,
// in which case the webhook route answers 501. dispatch defaults to applying
// events synchronously through the service.
func NewHandler(service Service, webhooks WebhookParser, dispatch EventDispatcher, logger *slog.Logger) *Handler {
	h := &Handler{service: service, webhooks: webhooks, dispatch: dispatch, logger: logger, jobTimeout: DefaultJobTimeout}
	if h.dispatch == nil {
		h.dispatch = func(ctx context.Context, event PaymentEvent) error {
			_, err := service.HandlePaymentEvent(ctx, event)
			return err
		}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// WithJobTimeout sets how long the /jobs routes may run. They outlive the
// server-wide write timeout, which is sized for single gateway calls.
func (h *Handler) WithJobTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.jobTimeout = d
	}
	return h
}

// Routes mounts the admin operations behind auth and the webhook route outside it.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/paddle", h.handleWebhook)

	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}

		r.Post("/subscriptions", h.handleCreateSubscription)
		r.Route("/subscriptions/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetSubscription)
			r.Get("/history", h.handleHistory(AggregateSubscription))
			r.Post("/reschedule", h.handleReschedule)
			r.Post("/retry", h.handleForceRetry)
			r.Post("/hold", h.handleSetOnHold)
			r.Post("/cancel", h.handleCancel)
			r.Post("/link", h.handleLink)
			r.Post("/unlink", h.handleUnlink)
			r.Post("/transfer", h.handleTransfer)
		})

		r.Post("/memberships", h.handleCreateMembership)
		r.Route("/memberships/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetMembership)
			r.Get("/history", h.handleHistory(AggregateMembership))
			r.Put("/status", h.handleUpdateMembershipStatus)
			r.Put("/dates", h.handleUpdateMembershipDates)
		})

		r.Post("/payment-events", h.handlePaymentEvent)
		r.Group(func(r chi.Router) {
			r.Use(h.jobDeadline)
			r.Post("/jobs/cancellations", h.handleCompleteCancellations)
			r.Post("/jobs/purge-events", h.handlePurgeEvents)
		})
	})

	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByKind = map[ErrorKind]int{
	KindNotFound:       http.StatusNotFound,
	KindValidation:     http.StatusBadRequest,
	KindPrecondition:   http.StatusUnprocessableEntity,
	KindConflict:       http.StatusConflict,
	KindNotImplemented: http.StatusNotImplemented,
	KindGateway:        http.StatusServiceUnavailable,
	KindInternal:       http.StatusInternalServerError,
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := err.Error()
	if kind == KindInternal {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: string(kind), Message: message})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, validation("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) respondAck(w http.ResponseWriter, r *http.Request, ack *Ack, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req NewSubscription
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.service.CreateSubscription(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleHistory(aggregateType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changes, err := h.service.History(r.Context(), aggregateType, chi.URLParam(r, "id"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, changes)
	}
}

func (h *Handler) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind            SubscriptionKind `json:"kind"`
		NextPaymentDate time.Time        `json:"next_payment_date"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	ack, err := h.service.ReschedulePayment(r.Context(), chi.URLParam(r, "id"), req.Kind, req.NextPaymentDate)
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	ack, err := h.service.ForceRetryPayment(r.Context(), chi.URLParam(r, "id"))
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handleSetOnHold(w http.ResponseWriter, r *http.Request) {
	ack, err := h.service.SetOnHold(r.Context(), chi.URLParam(r, "id"))
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode CancelMode `json:"mode"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	ack, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.Mode)
	h.respondAck(w, r, ack, err)
}

type membershipRef struct {
	MembershipID string `json:"membership_id"`
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	var req membershipRef
	if !h.decode(w, r, &req) {
		return
	}
	ack, err := h.service.LinkSubscriptionToMembership(r.Context(), chi.URLParam(r, "id"), req.MembershipID)
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req membershipRef
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	ack, err := h.service.Unlink(r.Context(), chi.URLParam(r, "id"), req.MembershipID)
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req membershipRef
	if !h.decode(w, r, &req) {
		return
	}
	ack, err := h.service.TransferSubscription(r.Context(), chi.URLParam(r, "id"), req.MembershipID)
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handleCreateMembership(w http.ResponseWriter, r *http.Request) {
	var req NewMembership
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.service.CreateMembership(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.GetMembership(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleUpdateMembershipStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status MembershipStatus `json:"status"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	ack, err := h.service.UpdateMembershipStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handleUpdateMembershipDates(w http.ResponseWriter, r *http.Request) {
	var req MembershipDates
	if !h.decode(w, r, &req) {
		return
	}
	ack, err := h.service.UpdateMembershipDates(r.Context(), chi.URLParam(r, "id"), req)
	h.respondAck(w, r, ack, err)
}

func (h *Handler) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	var event PaymentEvent
	if !h.decode(w, r, &event) {
		return
	}
	ack, err := h.service.HandlePaymentEvent(r.Context(), event)
	h.respondAck(w, r, ack, err)
}

// jobDeadline gives a job request its own context deadline and pushes the
// connection's write deadline past it.
func (h *Handler) jobDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline := time.Now().Add(h.jobTimeout)
		err := http.NewResponseController(w).SetWriteDeadline(deadline.Add(jobResponseGrace))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			h.logger.WarnContext(r.Context(), "failed to extend write deadline", "path", r.URL.Path, "error", err)
		}

		ctx, cancel := context.WithDeadline(r.Context(), deadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleCompleteCancellations(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CompleteDueCancellations(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePurgeEvents(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.PurgeProcessedEvents(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// handleWebhook always answers 2xx once the signature is verified, so the
// provider does not redeliver events that were accepted for processing.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		h.writeError(w, r, &Error{Kind: KindNotImplemented, Message: "no webhook source configured"})
		return
	}

	event, err := h.webhooks.ParseWebhook(r)
	switch {
	case errors.Is(err, ErrEventIgnored):
		writeJSON(w, http.StatusOK, ack("event ignored"))
		return
	case errors.Is(err, ErrInvalidSignature):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
		return
	case err != nil:
		h.writeError(w, r, validation("invalid webhook: %v", err))
		return
	}

	if err := h.dispatch(r.Context(), *event); err != nil {
		if kind := KindOf(err); kind == KindInternal || kind == KindGateway {
			h.writeError(w, r, err)
			return
		}
		h.logger.WarnContext(r.Context(), "payment event rejected", "event_id", event.ID, "subscription_id", event.SubscriptionID, "error", err)
		writeJSON(w, http.StatusOK, &Ack{Success: false, Message: "event rejected: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ack("event accepted"))
}
