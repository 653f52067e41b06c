package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/plutov/paypal/v4"
)

const (
	ProviderPayPal = "paypal"

	paypalOrderApproved = "APPROVED"
)

// PayPalOrder is the subset of a PayPal order or capture response the ledger
// reads.
type PayPalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (o *PayPalOrder) capture() (id, status string) {
	for _, pu := range o.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			return c.ID, c.Status
		}
	}
	return "", ""
}

func (o *PayPalOrder) approvalURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

type PayPalRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type PayPalOrderRequest struct {
	ReferenceID string
	CustomID    string
	Currency    string
	Value       string
	ReturnURL   string
	CancelURL   string
}

// PayPalGateway is the PayPal REST surface the provider uses.
type PayPalGateway interface {
	CreateOrder(ctx context.Context, req PayPalOrderRequest) (*PayPalOrder, json.RawMessage, error)
	GetOrder(ctx context.Context, orderID string) (*PayPalOrder, json.RawMessage, error)
	CaptureOrder(ctx context.Context, orderID string) (*PayPalOrder, json.RawMessage, error)
	RefundCapture(ctx context.Context, captureID, currency, value string) (*PayPalRefund, json.RawMessage, error)
	VerifyWebhook(ctx context.Context, r *http.Request, webhookID string) (bool, error)
}

type PayPalConfig struct {
	Currency  string
	ReturnURL string
	CancelURL string
}

// PayPalProvider collects deposits through PayPal Checkout orders.
type PayPalProvider struct {
	gateway PayPalGateway
	cfg     PayPalConfig
}

func NewPayPalProvider(gateway PayPalGateway, cfg PayPalConfig) *PayPalProvider {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	return &PayPalProvider{gateway: gateway, cfg: cfg}
}

func (p *PayPalProvider) Name() string {
	return ProviderPayPal
}

func (p *PayPalProvider) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.PayLater {
		return nil, errors.New("paypal does not support pay-later deposits")
	}
	order, raw, err := p.gateway.CreateOrder(ctx, PayPalOrderRequest{
		ReferenceID: strconv.FormatInt(req.TransactionID, 10),
		CustomID:    strconv.FormatInt(req.PaymentID, 10),
		Currency:    p.currencyFor(req.Currency),
		Value:       req.Amount.StringFixed(2),
		ReturnURL:   p.cfg.ReturnURL,
		CancelURL:   p.cfg.CancelURL,
	})
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		ExternalID:     order.ID,
		ExternalStatus: order.Status,
		ApprovalURL:    order.approvalURL(),
		Raw:            raw,
	}, nil
}

// Status reads the order and captures it once the buyer has approved, so a
// poll or an approval webhook both finish the payment.
func (p *PayPalProvider) Status(ctx context.Context, orderID string) (*StatusResult, error) {
	order, raw, err := p.gateway.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == paypalOrderApproved {
		order, raw, err = p.gateway.CaptureOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}
	out := &StatusResult{ExternalStatus: order.Status, Raw: raw}
	if _, captureStatus := order.capture(); captureStatus != "" {
		out.ExternalStatus = captureStatus
		if captureStatus == "DECLINED" || captureStatus == "FAILED" {
			out.FailureCode = strings.ToLower(captureStatus)
		}
	}
	return out, nil
}

func (p *PayPalProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	order, _, err := p.gateway.GetOrder(ctx, req.ExternalID)
	if err != nil {
		return nil, err
	}
	captureID, _ := order.capture()
	if captureID == "" {
		return nil, fmt.Errorf("paypal order %s has no capture to refund", req.ExternalID)
	}
	ref, raw, err := p.gateway.RefundCapture(ctx, captureID, p.currencyFor(req.Currency), req.Amount.StringFixed(2))
	if err != nil {
		return nil, err
	}
	return &RefundResult{ExternalID: ref.ID, ExternalStatus: ref.Status, Raw: raw}, nil
}

// VerifyWebhook checks a webhook delivery with PayPal's verification API.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, r *http.Request, webhookID string) (bool, error) {
	return p.gateway.VerifyWebhook(ctx, r, webhookID)
}

func (p *PayPalProvider) currencyFor(currency string) string {
	if currency != "" {
		return strings.ToUpper(currency)
	}
	return p.cfg.Currency
}

// plutovGateway adapts github.com/plutov/paypal to PayPalGateway.
type plutovGateway struct {
	client *paypal.Client
}

// NewPayPalGateway builds a gateway for the sandbox or live API.
func NewPayPalGateway(clientID, secret, environment string) (PayPalGateway, error) {
	base := paypal.APIBaseSandBox
	if environment == "live" {
		base = paypal.APIBaseLive
	}
	client, err := paypal.NewClient(clientID, secret, base)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	return &plutovGateway{client: client}, nil
}

func (g *plutovGateway) auth(ctx context.Context) error {
	if g.client.Token != nil {
		return nil
	}
	_, err := g.client.GetAccessToken(ctx)
	return err
}

func (g *plutovGateway) CreateOrder(ctx context.Context, req PayPalOrderRequest) (*PayPalOrder, json.RawMessage, error) {
	if err := g.auth(ctx); err != nil {
		return nil, nil, err
	}
	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: req.ReferenceID,
		CustomID:    req.CustomID,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: req.Currency,
			Value:    req.Value,
		},
	}}
	appCtx := &paypal.ApplicationContext{
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
	}
	order, err := g.client.CreateOrder(ctx, "CAPTURE", units, nil, appCtx)
	if err != nil {
		return nil, nil, err
	}
	return decodeOrder(order)
}

func (g *plutovGateway) GetOrder(ctx context.Context, orderID string) (*PayPalOrder, json.RawMessage, error) {
	if err := g.auth(ctx); err != nil {
		return nil, nil, err
	}
	order, err := g.client.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return decodeOrder(order)
}

func (g *plutovGateway) CaptureOrder(ctx context.Context, orderID string) (*PayPalOrder, json.RawMessage, error) {
	if err := g.auth(ctx); err != nil {
		return nil, nil, err
	}
	resp, err := g.client.CaptureOrder(ctx, orderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, nil, err
	}
	return decodeOrder(resp)
}

func (g *plutovGateway) RefundCapture(ctx context.Context, captureID, currency, value string) (*PayPalRefund, json.RawMessage, error) {
	if err := g.auth(ctx); err != nil {
		return nil, nil, err
	}
	resp, err := g.client.RefundCapture(ctx, captureID, paypal.RefundCaptureRequest{
		Amount: &paypal.Money{Currency: currency, Value: value},
	})
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, err
	}
	var out PayPalRefund
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, err
	}
	return &out, raw, nil
}

func (g *plutovGateway) VerifyWebhook(ctx context.Context, r *http.Request, webhookID string) (bool, error) {
	if err := g.auth(ctx); err != nil {
		return false, err
	}
	// the client consumes the body; keep a copy for the caller
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	resp, err := g.client.VerifyWebhookSignature(ctx, r, webhookID)
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	return resp.VerificationStatus == "SUCCESS", nil
}

func decodeOrder(v interface{}) (*PayPalOrder, json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	var out PayPalOrder
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, err
	}
	return &out, raw, nil
}
