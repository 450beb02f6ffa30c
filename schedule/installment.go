/*
installment.go - Fixed 3-period installment schedule

PURPOSE:
  Splits a product price into three periods plus a flat service fee so the
  period amounts sum exactly to price + fee, with no rounding drift.

ARITHMETIC (minor units, integers only):
  fee       = round(price * 3%)   half away from zero
  base      = floor(price / 3)
  remainder = price - 3*base      always 0, 1 or 2
  P1 = base + fee                 fee is collected up front
  P2 = base
  P3 = base + remainder           leftover units land on the last period

DUE DATES:
  Period k is due StartDate + 30*(k-1) days: day 0, day 30, day 60.

EXAMPLE:
  price 30000 -> fee 900, periods 10900 / 10000 / 10000, total 30900
  price  9999 -> fee 300, periods  3633 /  3333 /  3333, total 10299

SEE ALSO:
  - pawn.go: Open-ended interest schedule
  - factory/factory.go: Persists the computed schedule
*/
package schedule

import (
	"github.com/shopspring/decimal"
	"github.com/warp/contract-engine/contract"
)

const (
	InstallmentPeriods = 3
	InstallmentGapDays = 30
	installmentFeeRate = "0.03"
)

var feeRate = decimal.RequireFromString(installmentFeeRate)

// PlannedPeriod is one row of a computed installment schedule.
type PlannedPeriod struct {
	Number  int
	DueDate contract.Date
	Amount  contract.Money
}

// InstallmentSchedule is the full plan for a price.
type InstallmentSchedule struct {
	Price   contract.Money
	Fee     contract.Money
	Total   contract.Money
	Periods []PlannedPeriod
}

// FinalDueDate is the due date of the last period.
func (s InstallmentSchedule) FinalDueDate() contract.Date {
	return s.Periods[len(s.Periods)-1].DueDate
}

// Installment computes the 3-period schedule for price starting on start.
func Installment(price contract.Money, start contract.Date) (InstallmentSchedule, error) {
	if price <= 0 {
		return InstallmentSchedule{}, contract.Invalid("price", "must be positive, got %d", price)
	}

	fee := Fee(price)
	base := price / InstallmentPeriods
	remainder := price - InstallmentPeriods*base

	amounts := [InstallmentPeriods]contract.Money{base + fee, base, base + remainder}
	periods := make([]PlannedPeriod, InstallmentPeriods)
	for i, amt := range amounts {
		periods[i] = PlannedPeriod{
			Number:  i + 1,
			DueDate: start.AddDays(i * InstallmentGapDays),
			Amount:  amt,
		}
	}

	return InstallmentSchedule{
		Price:   price,
		Fee:     fee,
		Total:   price + fee,
		Periods: periods,
	}, nil
}

// Fee is the flat 3% service fee, rounded half away from zero.
func Fee(price contract.Money) contract.Money {
	return contract.MoneyFromDecimal(price.Decimal().Mul(feeRate))
}

// Allocate spreads a paid amount over the periods in order (waterfall).
// The result depends only on the total, never on payment order.
func Allocate(paid contract.Money, due []contract.Money) []contract.Money {
	out := make([]contract.Money, len(due))
	left := paid
	for i, d := range due {
		if left <= 0 {
			break
		}
		take := d
		if left < take {
			take = left
		}
		out[i] = take
		left -= take
	}
	return out
}
