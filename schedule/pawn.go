/*
pawn.go - Pawn loan interest and redemption arithmetic

PURPOSE:
  A pawn has no fixed number of periods. Interest is charged per calendar
  month on a fixed principal and may be paid month by month (extending the
  loan) until the item is redeemed or forfeited.

ARITHMETIC:
  principal       = round(appraised * loanPercent / 100)   (when not given)
  monthlyInterest = round(principal * rate / 100)
  boundary(k)     = firstDue + (k-1) calendar months, k = 1, 2, ...
  completed(asOf) = number of boundaries <= asOf
  paidPeriods     = interestPaid / monthlyInterest
  redemption      = principal + monthlyInterest * max(0, completed - paidPeriods)

  Interest accrues in whole months only: nothing is owed before the first
  boundary, and a partly elapsed month is not charged. The result is
  monotonically non-decreasing in asOf for fixed payments.

SEE ALSO:
  - installment.go: Fixed schedule counterpart
  - status/engine.go: Uses NextBoundary for overdue detection
*/
package schedule

import (
	"github.com/shopspring/decimal"
	"github.com/warp/contract-engine/contract"
)

const (
	// MaxExtensions caps how many interest months may be prepaid, and sets
	// the default redemption deadline relative to the first due date.
	MaxExtensions = 12

	DefaultPawnRate = "2"

	// DefaultLoanPercent is the share of the appraised value lent out.
	DefaultLoanPercent = "65"
)

var hundred = decimal.NewFromInt(100)

// MonthlyInterest returns round(principal * rate / 100).
func MonthlyInterest(principal contract.Money, ratePercent decimal.Decimal) contract.Money {
	return contract.MoneyFromDecimal(principal.Decimal().Mul(ratePercent).Div(hundred))
}

// LoanAmount returns round(appraised * percent / 100).
func LoanAmount(appraised contract.Money, percent decimal.Decimal) (contract.Money, error) {
	if appraised <= 0 {
		return 0, contract.Invalid("appraised_value", "must be positive, got %d", appraised)
	}
	if !percent.IsPositive() || percent.GreaterThan(hundred) {
		return 0, contract.Invalid("loan_percent", "must be within (0, 100], got %s", percent)
	}
	return contract.MoneyFromDecimal(appraised.Decimal().Mul(percent).Div(hundred)), nil
}

// ValidatePawn checks the inputs of a new pawn loan.
func ValidatePawn(principal contract.Money, ratePercent decimal.Decimal, start, firstDue contract.Date) error {
	if principal <= 0 {
		return contract.Invalid("principal", "must be positive, got %d", principal)
	}
	if ratePercent.IsNegative() || ratePercent.GreaterThan(hundred) {
		return contract.Invalid("rate", "must be within 0..100, got %s", ratePercent)
	}
	if !firstDue.After(start) {
		return contract.Invalid("due_date", "must be after start date %s", start)
	}
	return nil
}

// Boundary returns the due date of interest period k (1-based).
func Boundary(firstDue contract.Date, k int) contract.Date {
	return firstDue.AddMonths(k - 1)
}

// CompletedPeriods counts interest boundaries on or before asOf.
func CompletedPeriods(firstDue, asOf contract.Date) int {
	if asOf.Before(firstDue) {
		return 0
	}
	// Month distance is an upper bound; clamping can only pull a boundary earlier.
	k := (asOf.Year()-firstDue.Year())*12 + int(asOf.Month()-firstDue.Month()) + 1
	for k > 0 && Boundary(firstDue, k).After(asOf) {
		k--
	}
	for Boundary(firstDue, k+1).BeforeOrEqual(asOf) {
		k++
	}
	return k
}

// PawnTerms is the pricing input shared by quotes and status derivation.
type PawnTerms struct {
	Principal       contract.Money
	MonthlyInterest contract.Money
	FirstDue        contract.Date
	InterestPaid    contract.Money
}

// TermsOf extracts pawn pricing terms from a contract.
func TermsOf(c *contract.Contract) PawnTerms {
	return PawnTerms{
		Principal:       c.Principal,
		MonthlyInterest: c.MonthlyInterest,
		FirstDue:        c.FirstDueDate,
		InterestPaid:    c.InterestPaid,
	}
}

// PaidPeriods is the number of whole interest months already paid.
func (t PawnTerms) PaidPeriods() int {
	if t.MonthlyInterest <= 0 {
		return 0
	}
	return int(t.InterestPaid / t.MonthlyInterest)
}

// UnpaidPeriods is the number of completed but unpaid interest months at asOf.
func (t PawnTerms) UnpaidPeriods(asOf contract.Date) int {
	n := CompletedPeriods(t.FirstDue, asOf) - t.PaidPeriods()
	if n < 0 {
		return 0
	}
	return n
}

// AccruedInterest is the outstanding interest at asOf.
func (t PawnTerms) AccruedInterest(asOf contract.Date) contract.Money {
	return t.MonthlyInterest * contract.Money(t.UnpaidPeriods(asOf))
}

// RedemptionAmount is what the customer must pay to redeem at asOf.
func (t PawnTerms) RedemptionAmount(asOf contract.Date) contract.Money {
	return t.Principal + t.AccruedInterest(asOf)
}

// NextBoundary is the due date of the first unpaid interest period.
func (t PawnTerms) NextBoundary() contract.Date {
	return Boundary(t.FirstDue, t.PaidPeriods()+1)
}

// InterestPeriod is one row of the pawn interest view.
type InterestPeriod struct {
	Number  int
	DueDate contract.Date
	Amount  contract.Money
	Status  contract.PeriodStatus
}

// InterestSchedule lists periods 1..max(completed, paid)+ahead as of asOf.
func (t PawnTerms) InterestSchedule(asOf contract.Date, ahead int) []InterestPeriod {
	paid := t.PaidPeriods()
	last := CompletedPeriods(t.FirstDue, asOf)
	if paid > last {
		last = paid
	}
	last += ahead

	out := make([]InterestPeriod, 0, last)
	for k := 1; k <= last; k++ {
		due := Boundary(t.FirstDue, k)
		st := contract.PeriodPending
		switch {
		case k <= paid:
			st = contract.PeriodPaid
		case due.Before(asOf):
			st = contract.PeriodOverdue
		}
		out = append(out, InterestPeriod{Number: k, DueDate: due, Amount: t.MonthlyInterest, Status: st})
	}
	return out
}
