package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrStatusUnsupported is returned by providers that cannot be polled.
var ErrStatusUnsupported = errors.New("provider does not support status queries")

type InitiateRequest struct {
	PaymentID     int64
	TransactionID int64
	LocationID    int64
	Amount        decimal.Decimal
	Currency      string
	BorrowerName  string
	BorrowerEmail string
	PayLater      bool
}

type InitiateResult struct {
	ExternalID     string
	ExternalStatus string
	ClientSecret   string
	PublishableKey string
	ApprovalURL    string
	CustomerID     string
	Raw            json.RawMessage
}

type RefundRequest struct {
	PaymentID  int64
	ExternalID string
	Amount     decimal.Decimal
	Currency   string
	Reason     string
}

type RefundResult struct {
	ExternalID     string
	ExternalStatus string
	Raw            json.RawMessage
}

type StatusResult struct {
	ExternalStatus string
	FailureCode    string
	FailureReason  string
	Raw            json.RawMessage
}

type ChargeRequest struct {
	PaymentID       int64
	TransactionID   int64
	CustomerID      string
	PaymentMethodID string
	Amount          decimal.Decimal
	Currency        string
	// Attempt distinguishes re-drives of the same payment row.
	Attempt         int
}

type ChargeResult struct {
	ExternalID     string
	ExternalStatus string
	RequiresAction bool
	FailureCode    string
	FailureReason  string
	Raw            json.RawMessage
}

type ReleaseRequest struct {
	SetupIntentID   string
	PaymentMethodID string
}

// Provider moves money through one payment method.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	Status(ctx context.Context, externalID string) (*StatusResult, error)
}

// CardVault is implemented by providers that keep a card on file for
// pay-later deposits.
type CardVault interface {
	ChargeSavedCard(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	ReleaseCard(ctx context.Context, req ReleaseRequest) error
	// CancelCharge voids an off-session charge that was superseded before it
	// settled.
	CancelCharge(ctx context.Context, externalID string) error
}

// Registry looks providers up by payment method name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.providers[p.Name()] = p
}

func (r *Registry) Get(method string) (Provider, error) {
	p, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", method)
	}
	return p, nil
}

// Vault returns the card-on-file provider for method.
func (r *Registry) Vault(method string) (CardVault, error) {
	p, err := r.Get(method)
	if err != nil {
		return nil, err
	}
	v, ok := p.(CardVault)
	if !ok {
		return nil, fmt.Errorf("provider %q cannot keep a card on file", method)
	}
	return v, nil
}

// ToMinorUnits converts an amount to cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts cents to an amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
