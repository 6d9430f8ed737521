package quota

import (
	"fmt"

	"thumbgen/core"
)

// ConfirmKind selects the confirmation branch.
type ConfirmKind string

const (
	// ConfirmPlain: enough balance left over afterwards.
	ConfirmPlain ConfirmKind = "plain"
	// ConfirmInsufficient: remaining < needed. Cannot proceed.
	ConfirmInsufficient ConfirmKind = "insufficient"
	// ConfirmExhausting: remaining == needed.
	ConfirmExhausting ConfirmKind = "exhausting"
)

// UpgradeAction labels the secondary action on insufficient and
// exhausting confirmations.
const UpgradeAction = "Upgrade Plan"

// Confirmation is the descriptor shown before a credit-consuming action.
type Confirmation struct {
	Kind            ConfirmKind `json:"kind"`
	Message         string      `json:"message"`
	Units           int         `json:"units"`
	Remaining       int         `json:"remaining"`
	SecondaryAction string      `json:"secondary_action,omitempty"`
}

// CanProceed reports whether confirming may dispatch.
func (c Confirmation) CanProceed() bool {
	return c.Kind != ConfirmInsufficient
}

// Err returns the quota error for a confirmation that cannot proceed.
func (c Confirmation) Err() error {
	if c.CanProceed() {
		return nil
	}
	return core.ErrInsufficient(c.Units, c.Remaining)
}

// BuildConfirmation picks the branch for spending units from remaining.
func BuildConfirmation(units, remaining int) Confirmation {
	c := Confirmation{Units: units, Remaining: remaining}
	switch {
	case remaining < units:
		c.Kind = ConfirmInsufficient
		c.Message = core.ErrInsufficient(units, remaining).Message
		c.SecondaryAction = UpgradeAction
	case remaining == units:
		c.Kind = ConfirmExhausting
		c.Message = fmt.Sprintf("This will use all your remaining generations (%d). Are you sure you want to proceed?", units)
		c.SecondaryAction = UpgradeAction
	default:
		c.Kind = ConfirmPlain
		c.Message = fmt.Sprintf("Are you sure you want to generate %s? This will use %d of your remaining generations.",
			variationText(units), units)
	}
	return c
}

func variationText(n int) string {
	if n == 1 {
		return "1 variation"
	}
	return fmt.Sprintf("%d variations", n)
}
