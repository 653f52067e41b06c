package paymentsync_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	"github.com/mooses23/gemachhub/internal/testutil"
	"github.com/mooses23/gemachhub/internal/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stripe/stripe-go/v84/webhook"
)

const stripeSecret = "whsec_test_secret"

type fakePayPal struct {
	verified bool
	status   *payment.StatusResult
}

func (f *fakePayPal) VerifyWebhook(context.Context, *http.Request, string) (bool, error) {
	return f.verified, nil
}

func (f *fakePayPal) Status(context.Context, string) (*payment.StatusResult, error) {
	return f.status, nil
}

type webhookReply struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

func stripeEvent(eventID, eventType, objectJSON string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"api_version":"2020-08-27","data":{"object":%s}}`, eventID, eventType, objectJSON))
}

var _ = Describe("WebhookHandler", func() {
	var (
		l       *ledger
		paypal  *fakePayPal
		handler *paymentsync.WebhookHandler
	)

	postStripe := func(body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", signature)
		rec := httptest.NewRecorder()
		handler.Stripe(rec, req)
		return rec
	}

	signed := func(body []byte) string {
		return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: stripeSecret}).Header
	}

	reply := func(rec *httptest.ResponseRecorder) webhookReply {
		var out webhookReply
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		return out
	}

	BeforeEach(func() {
		l = newLedger()
		paypal = &fakePayPal{verified: true}
		handler = paymentsync.NewWebhookHandler(transport.NewBaseHandler(testutil.Logger()), l.reconciler, paypal, paymentsync.WebhookConfig{
			StripeSecret:    stripeSecret,
			PayPalWebhookID: "WH-1",
		})
	})

	Describe("Stripe", func() {
		It("should apply a signed event once across redeliveries", func() {
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			body := stripeEvent("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)

			first := postStripe(body, signed(body))
			Expect(first.Code).To(Equal(http.StatusOK))
			Expect(reply(first).Outcome).To(Equal(string(paymentsync.OutcomeApplied)))

			second := postStripe(body, signed(body))
			Expect(second.Code).To(Equal(http.StatusOK))
			Expect(reply(second).Outcome).To(Equal(string(paymentsync.OutcomeDuplicate)))

			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusCompleted))
			Expect(l.auditCount(audit.ActionPaymentSynced)).To(Equal(int64(1)))
		})

		It("should reject a bad signature and change nothing", func() {
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			body := stripeEvent("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)

			rec := postStripe(body, "t=1,v1=deadbeef")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusPending))
		})

		It("should acknowledge event types it does not follow", func() {
			body := stripeEvent("evt_2", "customer.created", `{"id":"cus_1","object":"customer"}`)

			rec := postStripe(body, signed(body))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(reply(rec).Outcome).To(Equal(string(paymentsync.OutcomeIgnored)))
		})

		It("should carry the decline code of a failed intent", func() {
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			body := stripeEvent("evt_3", "payment_intent.payment_failed",
				`{"id":"pi_1","object":"payment_intent","status":"requires_payment_method","last_payment_error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)

			rec := postStripe(body, signed(body))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(reply(rec).Outcome).To(Equal(string(paymentsync.OutcomeRetryScheduled)))
			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusPendingRetry))
		})

		It("should refuse when no secret is configured", func() {
			handler = paymentsync.NewWebhookHandler(transport.NewBaseHandler(testutil.Logger()), l.reconciler, nil, paymentsync.WebhookConfig{})
			body := stripeEvent("evt_4", "payment_intent.succeeded", `{"id":"pi_1"}`)

			rec := postStripe(body, signed(body))

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("PayPal", func() {
		postPayPal := func(body string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader([]byte(body)))
			rec := httptest.NewRecorder()
			handler.PayPal(rec, req)
			return rec
		}

		It("should apply a completed capture to its order", func() {
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderPayPal, "ORDER-1", payment.StatusPending)

			rec := postPayPal(`{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAPTURE-1","status":"COMPLETED","supplementary_data":{"related_ids":{"order_id":"ORDER-1"}}}}`)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusCompleted))
		})

		It("should capture an approved order before recording it", func() {
			paypal.status = &payment.StatusResult{ExternalStatus: "COMPLETED"}
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderPayPal, "ORDER-2", payment.StatusPending)

			rec := postPayPal(`{"id":"WH-EVT-2","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-2","status":"APPROVED"}}`)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusCompleted))
		})

		It("should reject a delivery that fails verification", func() {
			paypal.verified = false
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderPayPal, "ORDER-1", payment.StatusPending)

			rec := postPayPal(`{"id":"WH-EVT-3","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAPTURE-1","status":"COMPLETED"}}`)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusPending))
		})
	})
})
