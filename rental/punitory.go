package rental

import (
	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
)

// =============================================================================
// PUNITORY - Late-payment daily interest
// =============================================================================

// DueDate returns the last day a period can be paid without surcharge:
// the punitoryStartDay-th day of the period.
func DueDate(period billing.Period, punitoryStartDay int) billing.TimePoint {
	return period.Start().AddDays(punitoryStartDay - 1)
}

// DaysLate returns the whole days between the due date and the payment
// date, floored at zero.
func DaysLate(period billing.Period, punitoryStartDay int, paymentDate billing.TimePoint) int {
	days := billing.DaysBetween(DueDate(period, punitoryStartDay), paymentDate)
	if days < 0 {
		return 0
	}
	return days
}

// Punitory computes simple, non-compounding daily interest:
// round2(baseRent * percent/100 * max(0, daysLate)).
func Punitory(baseRent, percent decimal.Decimal, daysLate int) decimal.Decimal {
	if daysLate <= 0 {
		return decimal.Zero
	}
	daily := billing.Percent(baseRent, percent)
	return billing.Round2(daily.Mul(decimal.NewFromInt(int64(daysLate))))
}

// PunitoryFor computes the surcharge a contract owes for a period when paid
// on paymentDate.
func PunitoryFor(c *billing.Contract, period billing.Period, rent decimal.Decimal, paymentDate billing.TimePoint) decimal.Decimal {
	return Punitory(rent, c.PunitoryPercent, DaysLate(period, c.PunitoryStartDay, paymentDate))
}
