package payment

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	ProviderCash = "cash"

	// CashAwaitingConfirmation is the cash "provider" status for money an
	// operator says was handed over but nobody has confirmed yet.
	CashAwaitingConfirmation = "awaiting_confirmation"
	CashReturned             = "returned"
)

// CashProvider books cash deposits. Nothing leaves the ledger: cash is never
// auto-completed and refunds are bookkeeping entries.
type CashProvider struct{}

func NewCashProvider() *CashProvider {
	return &CashProvider{}
}

func (p *CashProvider) Name() string {
	return ProviderCash
}

func (p *CashProvider) Initiate(_ context.Context, req InitiateRequest) (*InitiateResult, error) {
	raw, _ := json.Marshal(map[string]interface{}{
		"transaction_id": req.TransactionID,
		"amount":         req.Amount.StringFixed(2),
	})
	return &InitiateResult{
		ExternalStatus: CashAwaitingConfirmation,
		Raw:            raw,
	}, nil
}

func (p *CashProvider) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	raw, _ := json.Marshal(map[string]interface{}{
		"payment_id": req.PaymentID,
		"amount":     req.Amount.StringFixed(2),
		"reason":     req.Reason,
	})
	return &RefundResult{
		ExternalStatus: CashReturned,
		Raw:            raw,
	}, nil
}

func (p *CashProvider) Status(_ context.Context, externalID string) (*StatusResult, error) {
	return nil, fmt.Errorf("cash payment %q: %w", externalID, ErrStatusUnsupported)
}
