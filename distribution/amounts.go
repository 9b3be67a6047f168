package distribution

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
)

// Allocated is the amount derived for one share.
type Allocated struct {
	Share
	Amount decimal.Decimal
}

// Allocation is the result of splitting a total across confirmed shares.
// Residual = Total - Σ amounts; it comes from rounding each amount to a whole
// unit and is reported rather than absorbed by any entry. Halves round up, so
// the residual can be negative; its magnitude is at most len(Items)/2.
type Allocation struct {
	Items     []Allocated
	Total     decimal.Decimal
	Allocated decimal.Decimal
	Residual  decimal.Decimal
}

// Amount returns round0(total * percentage / 100).
func Amount(total, percentage decimal.Decimal) decimal.Decimal {
	return billing.Round0(billing.Percent(total, percentage))
}

// Allocate derives the amount of every share. The shares must sum to 100.
func Allocate(total decimal.Decimal, shares []Share) (Allocation, error) {
	if total.IsNegative() {
		return Allocation{}, fmt.Errorf("%w: %s", ErrNegativeTotal, total)
	}
	if err := CheckSum(shares); err != nil {
		return Allocation{}, err
	}
	result := Allocation{Total: total, Allocated: decimal.Zero}
	for _, sh := range shares {
		amount := Amount(total, sh.Percentage)
		result.Items = append(result.Items, Allocated{Share: sh, Amount: amount})
		result.Allocated = result.Allocated.Add(amount)
	}
	result.Residual = total.Sub(result.Allocated)
	return result, nil
}

// Allocate derives amounts for a confirmed state.
func (s State) Allocate(total decimal.Decimal) (Allocation, error) {
	if s.Phase != PhaseConfirmation {
		return Allocation{}, ErrWrongPhase
	}
	return Allocate(total, s.Shares)
}
