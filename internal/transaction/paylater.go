package transaction

// PayLaterStatus tracks a saved-card deposit from setup to resolution.
type PayLaterStatus string

const (
	PayLaterRequestCreated       PayLaterStatus = "REQUEST_CREATED"
	PayLaterCardSetupPending     PayLaterStatus = "CARD_SETUP_PENDING"
	PayLaterCardSetupComplete    PayLaterStatus = "CARD_SETUP_COMPLETE"
	PayLaterApproved             PayLaterStatus = "APPROVED"
	PayLaterChargeAttempted      PayLaterStatus = "CHARGE_ATTEMPTED"
	PayLaterCharged              PayLaterStatus = "CHARGED"
	PayLaterChargeRequiresAction PayLaterStatus = "CHARGE_REQUIRES_ACTION"
	PayLaterChargeFailed         PayLaterStatus = "CHARGE_FAILED"
	PayLaterDeclined             PayLaterStatus = "DECLINED"
	PayLaterExpired              PayLaterStatus = "EXPIRED"
)

var payLaterTransitions = map[PayLaterStatus][]PayLaterStatus{
	PayLaterRequestCreated:       {PayLaterCardSetupPending, PayLaterDeclined, PayLaterExpired},
	PayLaterCardSetupPending:     {PayLaterCardSetupComplete, PayLaterDeclined, PayLaterExpired},
	PayLaterCardSetupComplete:    {PayLaterApproved, PayLaterChargeAttempted, PayLaterDeclined, PayLaterExpired},
	PayLaterApproved:             {PayLaterChargeAttempted, PayLaterDeclined, PayLaterExpired},
	PayLaterChargeAttempted:      {PayLaterCharged, PayLaterChargeRequiresAction, PayLaterChargeFailed},
	PayLaterChargeRequiresAction: {PayLaterChargeAttempted, PayLaterCharged, PayLaterChargeFailed, PayLaterDeclined},
	// a failed charge stays open until it is retried or released
	PayLaterChargeFailed: {PayLaterChargeAttempted, PayLaterCharged, PayLaterDeclined},
}

// ChargeableFrom lists the sub-states a card charge may start from.
var ChargeableFrom = []PayLaterStatus{
	PayLaterCardSetupComplete,
	PayLaterApproved,
	PayLaterChargeRequiresAction,
	PayLaterChargeFailed,
}

func (s PayLaterStatus) Valid() bool {
	if _, ok := payLaterTransitions[s]; ok {
		return true
	}
	return s.IsTerminal()
}

// IsTerminal reports a resolved card hold.
func (s PayLaterStatus) IsTerminal() bool {
	switch s {
	case PayLaterCharged, PayLaterDeclined, PayLaterExpired:
		return true
	}
	return false
}

// IsPendingResolution is true while the card must still be charged or released.
func (s PayLaterStatus) IsPendingResolution() bool {
	return s != "" && !s.IsTerminal()
}

func CanTransition(from, to PayLaterStatus) bool {
	for _, next := range payLaterTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PendingResolution returns every non-terminal sub-state.
func PendingResolution() []PayLaterStatus {
	return []PayLaterStatus{
		PayLaterRequestCreated,
		PayLaterCardSetupPending,
		PayLaterCardSetupComplete,
		PayLaterApproved,
		PayLaterChargeAttempted,
		PayLaterChargeRequiresAction,
		PayLaterChargeFailed,
	}
}
