package paymentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/transport"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

const maxWebhookBytes = 64 << 10

type Applier interface {
	Apply(ctx context.Context, u Update) (*Result, error)
}

// PayPalClient verifies deliveries and captures approved orders.
type PayPalClient interface {
	VerifyWebhook(ctx context.Context, r *http.Request, webhookID string) (bool, error)
	Status(ctx context.Context, orderID string) (*payment.StatusResult, error)
}

type WebhookConfig struct {
	StripeSecret    string
	PayPalWebhookID string
}

// WebhookHandler receives provider callbacks. Routes must be mounted before
// any middleware that reads or rewrites the body: signatures cover the exact
// bytes sent.
type WebhookHandler struct {
	*transport.BaseHandler
	applier Applier
	paypal  PayPalClient
	cfg     WebhookConfig
}

func NewWebhookHandler(base *transport.BaseHandler, applier Applier, paypal PayPalClient, cfg WebhookConfig) *WebhookHandler {
	return &WebhookHandler{BaseHandler: base, applier: applier, paypal: paypal, cfg: cfg}
}

type webhookResponse struct {
	Received bool    `json:"received"`
	Outcome  Outcome `json:"outcome,omitempty"`
}

func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if h.cfg.StripeSecret == "" {
		h.WriteError(w, http.StatusNotFound, "stripe webhooks are not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.cfg.StripeSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.Logger.Warn("stripe webhook signature rejected", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	u, ok, err := stripeUpdate(event)
	if err != nil {
		h.Logger.Warn("malformed stripe event", "event_id", event.ID, "event_type", event.Type, "error", err)
		h.WriteError(w, http.StatusBadRequest, "malformed event payload")
		return
	}
	if !ok {
		h.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: OutcomeIgnored})
		return
	}
	h.apply(w, r, u)
}

// stripeUpdate extracts the status change from the event types the ledger
// follows. ok is false for everything else.
func stripeUpdate(event stripe.Event) (Update, bool, error) {
	u := Update{
		Provider:  payment.ProviderStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
		Source:    events.SourceWebhook,
	}
	if event.Data == nil {
		return u, false, nil
	}
	u.Raw = event.Data.Raw

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.processing", "payment_intent.canceled",
		"payment_intent.requires_action", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return u, false, err
		}
		u.ExternalID = pi.ID
		u.ExternalStatus = string(pi.Status)
		u.RequiresAction = pi.Status == stripe.PaymentIntentStatusRequiresAction
		if event.Type == "payment_intent.payment_failed" {
			u.ExternalStatus = "payment_failed"
		}
		if pi.LastPaymentError != nil {
			u.FailureCode = errorCode(pi.LastPaymentError)
			u.FailureReason = pi.LastPaymentError.Msg
		}
	case "setup_intent.succeeded", "setup_intent.canceled", "setup_intent.setup_failed":
		var si stripe.SetupIntent
		if err := json.Unmarshal(event.Data.Raw, &si); err != nil {
			return u, false, err
		}
		u.ExternalID = si.ID
		u.ExternalStatus = string(si.Status)
		if si.PaymentMethod != nil {
			u.PaymentMethodID = si.PaymentMethod.ID
		}
		if si.LastSetupError != nil {
			u.FailureCode = errorCode(si.LastSetupError)
			u.FailureReason = si.LastSetupError.Msg
		}
	case "refund.created", "refund.updated", "refund.failed", "charge.refund.updated":
		var re stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &re); err != nil {
			return u, false, err
		}
		u.ExternalID = re.ID
		u.ExternalStatus = string(re.Status)
		u.FailureCode = string(re.FailureReason)
	default:
		return u, false, nil
	}
	return u, u.ExternalID != "", nil
}

func errorCode(e *stripe.Error) string {
	if e.DeclineCode != "" {
		return string(e.DeclineCode)
	}
	return string(e.Code)
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
	} `json:"resource"`
}

func (h *WebhookHandler) PayPal(w http.ResponseWriter, r *http.Request) {
	if h.paypal == nil || h.cfg.PayPalWebhookID == "" {
		h.WriteError(w, http.StatusNotFound, "paypal webhooks are not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	verifyCtx, cancel := internal.WithProviderTimeout(r.Context())
	verified, err := h.paypal.VerifyWebhook(verifyCtx, r, h.cfg.PayPalWebhookID)
	cancel()
	if err != nil || !verified {
		h.Logger.Warn("paypal webhook signature rejected", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		h.WriteError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	u := Update{
		Provider:       payment.ProviderPayPal,
		EventID:        event.ID,
		EventType:      event.EventType,
		ExternalID:     event.Resource.ID,
		ExternalStatus: event.Resource.Status,
		Raw:            body,
		Source:         events.SourceWebhook,
	}
	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		// approval alone moves no money; capture now and record the result
		statusCtx, cancel := internal.WithProviderTimeout(r.Context())
		st, err := h.paypal.Status(statusCtx, event.Resource.ID)
		cancel()
		if err != nil {
			h.HandleError(w, r, internal.NewProviderError(payment.ProviderPayPal, err))
			return
		}
		u.ExternalStatus = st.ExternalStatus
		u.FailureCode = st.FailureCode
		u.Raw = st.Raw
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.PENDING", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		if order := event.Resource.SupplementaryData.RelatedIDs.OrderID; order != "" {
			u.ExternalID = order
		}
		u.FailureCode = event.Resource.StatusDetails.Reason
	case "PAYMENT.CAPTURE.REFUNDED":
		// resource is the refund itself
	default:
		h.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: OutcomeIgnored})
		return
	}
	h.apply(w, r, u)
}

func (h *WebhookHandler) apply(w http.ResponseWriter, r *http.Request, u Update) {
	res, err := h.applier.Apply(r.Context(), u)
	if err != nil {
		// a non-2xx makes the provider redeliver
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: res.Outcome})
}
