package audit

import (
	"encoding/json"
	"time"

	"github.com/mooses23/gemachhub/internal/auth"
	auditDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/audit"
)

const (
	EntityPayment     = "payment"
	EntityTransaction = "transaction"
	EntityInventory   = "inventory"
)

const (
	ActionTransactionCreated  = "transaction.created"
	ActionTransactionReturned = "transaction.returned"
	ActionPaymentInitiated    = "payment.initiated"
	ActionInitiationFailed    = "payment.initiation_failed"
	ActionPaymentConfirmed    = "payment.confirmed"
	ActionPaymentRejected     = "payment.rejected"
	ActionBulkConfirm         = "payment.bulk_confirm"
	ActionPaymentSynced       = "payment.synced"
	ActionRetryScheduled      = "payment.retry_scheduled"
	ActionManualReview        = "payment.manual_review"
	ActionRefundIssued        = "deposit.refunded"
	ActionRefundFailed        = "deposit.refund_failed"
	ActionCardCharged         = "card.charged"
	ActionCardRequiresAction  = "card.requires_action"
	ActionCardChargeFailed    = "card.charge_failed"
	ActionCardDeclined        = "card.declined"
	ActionInventorySet        = "inventory.set"
	ActionInventoryAdded      = "inventory.added"
	ActionInventoryRemoved    = "inventory.removed"
	ActionSideEffectFailed    = "side_effect.failed"
)

// Entry is one fact to append to the audit trail.
type Entry struct {
	Actor      auth.Actor
	Action     string
	EntityType string
	EntityID   int64
	Before     interface{}
	After      interface{}
	Notes      string
}

// Log is a stored audit row.
type Log struct {
	ID         int64           `json:"id"`
	ActorID    *int64          `json:"actorId,omitempty"`
	ActorRole  string          `json:"actorRole"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   int64           `json:"entityId"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func FromDataModel(row *auditDatamodel.AuditLog) Log {
	return Log{
		ID:         row.ID,
		ActorID:    row.ActorID,
		ActorRole:  row.ActorRole,
		Action:     row.Action,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		Before:     json.RawMessage(row.Before),
		After:      json.RawMessage(row.After),
		Notes:      row.Notes,
		CreatedAt:  row.CreatedAt,
	}
}

// StatusChange is the usual before/after payload for a status transition.
type StatusChange struct {
	Status string `json:"status"`
}
