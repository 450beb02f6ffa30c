/*
engine.go - Contract status derivation and staff transitions

PURPOSE:
  The single authority on contract status. Every status written to the
  store is produced here, either by Apply (derived from ledger state) or by
  Transition (an explicit staff action).

DERIVATION:
  Derived status is a pure function of (contract totals, verified payments,
  today). Installment period paid amounts are a waterfall of PaidAmount
  over the periods in order, so the result never depends on the order in
  which payments were verified.

  Installment:
    paidPeriods == totalPeriods         -> completed
    any unpaid period due before today  -> overdue
    otherwise                           -> active

  Pawn:
    verified redemption payment exists  -> redeemed
    next interest boundary < today, or
    redemption deadline < today         -> overdue
    otherwise                           -> active

STICKY STATES:
  pending_approval, defaulted, forfeited and cancelled are only entered or
  left through Transition. A defaulted installment still completes when it
  is fully paid.

TRANSITIONS (staff):
  activate  pending_approval -> derived
  cancel    any non-terminal -> cancelled
  default   installment, overdue >= GraceDays -> defaulted
  forfeit   pawn, overdue >= GraceDays        -> forfeited

SEE ALSO:
  - schedule/: Arithmetic used by derivation
  - ledger/ledger.go: Calls Apply inside WithLock after every decision
*/
package status

import (
	"time"

	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/schedule"
)

const DefaultGraceDays = 30

// Action is a staff-triggered transition.
type Action string

const (
	ActionActivate Action = "activate"
	ActionCancel   Action = "cancel"
	ActionDefault  Action = "default"
	ActionForfeit  Action = "forfeit"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionActivate, ActionCancel, ActionDefault, ActionForfeit:
		return a, nil
	}
	return "", contract.Invalid("action", "unknown action %q", s)
}

// Engine derives statuses. The zero value uses DefaultGraceDays.
type Engine struct {
	GraceDays int
}

func NewEngine(graceDays int) *Engine {
	return &Engine{GraceDays: graceDays}
}

func (e *Engine) graceDays() int {
	if e == nil || e.GraceDays <= 0 {
		return DefaultGraceDays
	}
	return e.GraceDays
}

// =============================================================================
// DERIVATION
// =============================================================================

// Result is the derived view of an aggregate at a given day.
type Result struct {
	Status      contract.Status
	PaidPeriods int
	NextDueDate *contract.Date
	PeriodPaid  []contract.Money
	PeriodState []contract.PeriodStatus
	DaysOverdue int
}

// Derive computes the status an aggregate should have today. It does not
// mutate the aggregate.
func (e *Engine) Derive(agg *contract.Aggregate, today contract.Date) Result {
	if agg.Contract.Kind == contract.KindPawn {
		return e.derivePawn(agg, today)
	}
	return e.deriveInstallment(agg, today)
}

func (e *Engine) deriveInstallment(agg *contract.Aggregate, today contract.Date) Result {
	c := &agg.Contract
	due := make([]contract.Money, len(agg.Periods))
	for i, p := range agg.Periods {
		due[i] = p.AmountDue
	}
	alloc := schedule.Allocate(c.PaidAmount, due)

	res := Result{
		PeriodPaid:  alloc,
		PeriodState: make([]contract.PeriodStatus, len(agg.Periods)),
	}
	anyOverdue := false
	for i, p := range agg.Periods {
		switch {
		case alloc[i] >= p.AmountDue:
			res.PeriodState[i] = contract.PeriodPaid
			res.PaidPeriods++
			continue
		case c.Status == contract.StatusCancelled:
			res.PeriodState[i] = contract.PeriodCancelled
		case p.DueDate.Before(today):
			res.PeriodState[i] = contract.PeriodOverdue
			if !anyOverdue {
				res.DaysOverdue = contract.DaysBetween(p.DueDate, today)
			}
			anyOverdue = true
		default:
			res.PeriodState[i] = contract.PeriodPending
		}
		if res.NextDueDate == nil {
			res.NextDueDate = contract.DatePtr(p.DueDate)
		}
	}

	total := c.TotalPeriods
	if total == 0 {
		total = len(agg.Periods)
	}

	switch {
	case c.Status == contract.StatusCancelled:
		res.Status = contract.StatusCancelled
		res.NextDueDate = nil
	case c.Status == contract.StatusPendingApproval:
		res.Status = contract.StatusPendingApproval
	case total > 0 && res.PaidPeriods == total:
		res.Status = contract.StatusCompleted
		res.NextDueDate = nil
	case c.Status == contract.StatusDefaulted:
		res.Status = contract.StatusDefaulted
	case anyOverdue:
		res.Status = contract.StatusOverdue
	default:
		res.Status = contract.StatusActive
	}
	return res
}

func (e *Engine) derivePawn(agg *contract.Aggregate, today contract.Date) Result {
	c := &agg.Contract
	terms := schedule.TermsOf(c)
	res := Result{PaidPeriods: terms.PaidPeriods()}

	switch {
	case c.Status == contract.StatusCancelled, c.Status == contract.StatusForfeited:
		res.Status = c.Status
		return res
	case agg.HasVerified(contract.PaymentRedemption):
		res.Status = contract.StatusRedeemed
		return res
	}

	var next contract.Date
	if c.MonthlyInterest > 0 {
		next = terms.NextBoundary()
	} else {
		next = c.FirstDueDate
		if c.FinalDueDate != nil {
			next = *c.FinalDueDate
		}
	}
	if c.FinalDueDate != nil && c.FinalDueDate.Before(next) {
		next = *c.FinalDueDate
	}
	res.NextDueDate = contract.DatePtr(next)

	if c.Status == contract.StatusPendingApproval {
		res.Status = contract.StatusPendingApproval
		return res
	}
	if next.Before(today) {
		res.Status = contract.StatusOverdue
		res.DaysOverdue = contract.DaysBetween(next, today)
	} else {
		res.Status = contract.StatusActive
	}
	return res
}

// Apply writes the derived view into the aggregate and returns the new status.
// Terminal contracts are left untouched except for period bookkeeping.
func (e *Engine) Apply(agg *contract.Aggregate, today contract.Date, now time.Time) contract.Status {
	res := e.Derive(agg, today)
	c := &agg.Contract

	for i := range agg.Periods {
		p := &agg.Periods[i]
		p.PaidAmount = res.PeriodPaid[i]
		if res.PeriodState[i] == contract.PeriodPaid && p.PaidAt == nil {
			at := now
			p.PaidAt = &at
		}
		p.Status = res.PeriodState[i]
	}

	c.PaidPeriods = res.PaidPeriods
	c.NextDueDate = res.NextDueDate
	if c.Status.IsTerminal() && c.Status != res.Status {
		return c.Status
	}
	c.Status = res.Status
	return c.Status
}

// =============================================================================
// ELIGIBILITY AND TRANSITIONS
// =============================================================================

// Eligibility reports whether staff may default or forfeit the contract.
type Eligibility struct {
	Status      contract.Status
	DaysOverdue int
	GraceDays   int
	CanDefault  bool
	CanForfeit  bool
}

func (e *Engine) Eligibility(agg *contract.Aggregate, today contract.Date) Eligibility {
	res := e.Derive(agg, today)
	el := Eligibility{Status: res.Status, DaysOverdue: res.DaysOverdue, GraceDays: e.graceDays()}
	if res.Status != contract.StatusOverdue || res.DaysOverdue < el.GraceDays {
		return el
	}
	switch agg.Contract.Kind {
	case contract.KindInstallment:
		el.CanDefault = true
	case contract.KindPawn:
		el.CanForfeit = true
	}
	return el
}

// Transition applies a staff action to the aggregate in place.
func (e *Engine) Transition(agg *contract.Aggregate, action Action, today contract.Date, now time.Time) error {
	c := &agg.Contract
	if c.Status.IsTerminal() {
		return &contract.TerminalStateError{ContractID: c.ID, Status: c.Status}
	}

	switch action {
	case ActionActivate:
		if c.Status != contract.StatusPendingApproval {
			return contract.Invalid("action", "cannot activate a %s contract", c.Status)
		}
		c.Status = contract.StatusActive
		e.Apply(agg, today, now)

	case ActionCancel:
		c.Status = contract.StatusCancelled
		e.Apply(agg, today, now)

	case ActionDefault:
		if c.Kind != contract.KindInstallment {
			return contract.Invalid("action", "default applies to installment plans; use forfeit for pawns")
		}
		if c.Status == contract.StatusDefaulted {
			return contract.Invalid("action", "contract is already defaulted")
		}
		el := e.Eligibility(agg, today)
		if !el.CanDefault {
			return contract.Invalid("action", "not eligible for default: %d days overdue, grace is %d", el.DaysOverdue, el.GraceDays)
		}
		c.Status = contract.StatusDefaulted
		e.Apply(agg, today, now)

	case ActionForfeit:
		if c.Kind != contract.KindPawn {
			return contract.Invalid("action", "forfeit applies to pawns; use default for installment plans")
		}
		el := e.Eligibility(agg, today)
		if !el.CanForfeit {
			return contract.Invalid("action", "not eligible for forfeiture: %d days overdue, grace is %d", el.DaysOverdue, el.GraceDays)
		}
		c.Status = contract.StatusForfeited
		c.NextDueDate = nil

	default:
		return contract.Invalid("action", "unknown action %q", action)
	}
	return nil
}
