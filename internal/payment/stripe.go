package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/paymentmethod"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/setupintent"
)

const (
	ProviderStripe = "stripe"

	setupIntentPrefix = "seti_"
	refundPrefix      = "re_"
)

type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	Currency       string
}

// StripeProvider collects card deposits with PaymentIntents and keeps cards
// on file with SetupIntents for pay-later loans.
type StripeProvider struct {
	publishableKey string
	currency       string
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	stripe.Key = cfg.SecretKey
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "usd"
	}
	return &StripeProvider{publishableKey: cfg.PublishableKey, currency: currency}
}

func (p *StripeProvider) Name() string {
	return ProviderStripe
}

func (p *StripeProvider) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.PayLater {
		return p.setupCard(ctx, req)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(req.Amount)),
		Currency: stripe.String(p.currencyFor(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Description: stripe.String(fmt.Sprintf("Deposit for loan %d", req.TransactionID)),
	}
	if req.BorrowerEmail != "" {
		params.ReceiptEmail = stripe.String(req.BorrowerEmail)
	}
	p.tag(params, req.PaymentID, req.TransactionID)
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("payment-%d-initiate", req.PaymentID))

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		ExternalID:     pi.ID,
		ExternalStatus: string(pi.Status),
		ClientSecret:   pi.ClientSecret,
		PublishableKey: p.publishableKey,
		Raw:            marshalRaw(pi),
	}, nil
}

func (p *StripeProvider) setupCard(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	custParams := &stripe.CustomerParams{
		Name: stripe.String(req.BorrowerName),
	}
	if req.BorrowerEmail != "" {
		custParams.Email = stripe.String(req.BorrowerEmail)
	}
	p.tag(custParams, req.PaymentID, req.TransactionID)
	custParams.Context = ctx
	custParams.SetIdempotencyKey(fmt.Sprintf("payment-%d-customer", req.PaymentID))
	cust, err := customer.New(custParams)
	if err != nil {
		return nil, err
	}

	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(cust.ID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Usage:              stripe.String("off_session"),
	}
	p.tag(params, req.PaymentID, req.TransactionID)
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("payment-%d-setup", req.PaymentID))
	si, err := setupintent.New(params)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		ExternalID:     si.ID,
		ExternalStatus: string(si.Status),
		ClientSecret:   si.ClientSecret,
		PublishableKey: p.publishableKey,
		CustomerID:     cust.ID,
		Raw:            marshalRaw(si),
	}, nil
}

func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.ExternalID == "" {
		return nil, errors.New("stripe refund needs a payment intent id")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ExternalID),
		Amount:        stripe.Int64(ToMinorUnits(req.Amount)),
	}
	params.AddMetadata("payment_id", strconv.FormatInt(req.PaymentID, 10))
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx
	re, err := refund.New(params)
	if err != nil {
		return nil, err
	}
	return &RefundResult{
		ExternalID:     re.ID,
		ExternalStatus: string(re.Status),
		Raw:            marshalRaw(re),
	}, nil
}

func (p *StripeProvider) Status(ctx context.Context, externalID string) (*StatusResult, error) {
	switch {
	case strings.HasPrefix(externalID, setupIntentPrefix):
		params := &stripe.SetupIntentParams{}
		params.Context = ctx
		si, err := setupintent.Get(externalID, params)
		if err != nil {
			return nil, err
		}
		out := &StatusResult{ExternalStatus: string(si.Status), Raw: marshalRaw(si)}
		if si.LastSetupError != nil {
			out.FailureCode = errorCode(si.LastSetupError)
			out.FailureReason = si.LastSetupError.Msg
		}
		return out, nil
	case strings.HasPrefix(externalID, refundPrefix):
		params := &stripe.RefundParams{}
		params.Context = ctx
		re, err := refund.Get(externalID, params)
		if err != nil {
			return nil, err
		}
		out := &StatusResult{ExternalStatus: string(re.Status), Raw: marshalRaw(re)}
		if re.FailureReason != "" {
			out.FailureCode = string(re.FailureReason)
		}
		return out, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(externalID, params)
	if err != nil {
		return nil, err
	}
	out := &StatusResult{ExternalStatus: string(pi.Status), Raw: marshalRaw(pi)}
	if pi.LastPaymentError != nil {
		out.FailureCode = errorCode(pi.LastPaymentError)
		out.FailureReason = pi.LastPaymentError.Msg
	}
	return out, nil
}

// ChargeSavedCard charges the card saved by a completed SetupIntent without
// the borrower present. A card that needs 3DS comes back as RequiresAction
// and a declined card as a failure code; neither is an error.
func (p *StripeProvider) ChargeSavedCard(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return nil, errors.New("no card on file")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinorUnits(req.Amount)),
		Currency:      stripe.String(p.currencyFor(req.Currency)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("Unreturned item charge for loan %d", req.TransactionID)),
	}
	p.tag(params, req.PaymentID, req.TransactionID)
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("payment-%d-charge-%d", req.PaymentID, req.Attempt))

	pi, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if !errors.As(err, &stripeErr) || stripeErr.Type != stripe.ErrorTypeCard {
			return nil, err
		}
		out := &ChargeResult{
			ExternalStatus: "payment_failed",
			FailureCode:    errorCode(stripeErr),
			FailureReason:  stripeErr.Msg,
			Raw:            marshalRaw(stripeErr),
		}
		if stripeErr.PaymentIntent != nil {
			out.ExternalID = stripeErr.PaymentIntent.ID
			out.ExternalStatus = string(stripeErr.PaymentIntent.Status)
		}
		if string(stripeErr.Code) == "authentication_required" {
			out.RequiresAction = true
			out.ExternalStatus = "requires_action"
		}
		return out, nil
	}

	return &ChargeResult{
		ExternalID:     pi.ID,
		ExternalStatus: string(pi.Status),
		RequiresAction: pi.Status == stripe.PaymentIntentStatusRequiresAction,
		Raw:            marshalRaw(pi),
	}, nil
}

// ReleaseCard detaches a saved card, or cancels a setup that never finished.
func (p *StripeProvider) ReleaseCard(ctx context.Context, req ReleaseRequest) error {
	if req.PaymentMethodID != "" {
		params := &stripe.PaymentMethodDetachParams{}
		params.Context = ctx
		_, err := paymentmethod.Detach(req.PaymentMethodID, params)
		return err
	}
	if req.SetupIntentID != "" {
		params := &stripe.SetupIntentCancelParams{}
		params.Context = ctx
		_, err := setupintent.Cancel(req.SetupIntentID, params)
		return err
	}
	return nil
}

func (p *StripeProvider) CancelCharge(ctx context.Context, externalID string) error {
	if externalID == "" {
		return nil
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String("abandoned"),
	}
	params.Context = ctx
	_, err := paymentintent.Cancel(externalID, params)
	return err
}

func (p *StripeProvider) currencyFor(currency string) string {
	if currency != "" {
		return strings.ToLower(currency)
	}
	return p.currency
}

type metadataSetter interface {
	AddMetadata(key string, value string)
}

func (p *StripeProvider) tag(params metadataSetter, paymentID, transactionID int64) {
	params.AddMetadata("payment_id", strconv.FormatInt(paymentID, 10))
	params.AddMetadata("transaction_id", strconv.FormatInt(transactionID, 10))
}

func errorCode(e *stripe.Error) string {
	if e.DeclineCode != "" {
		return string(e.DeclineCode)
	}
	return string(e.Code)
}

func marshalRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
