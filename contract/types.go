/*
types.go - Core value types for the contract lifecycle engine

PURPOSE:
  Defines the contract aggregate (Contract + Periods + Payments) and the
  closed enumerations every other package switches over. Money is always
  an integer count of minor currency units; rates are decimals.

KEY TYPES:
  Money:     int64 minor units (e.g. satang, cents). Never float.
  Contract:  Root aggregate. Carries the running totals and a revision
             counter used for optimistic locking.
  Period:    One scheduled installment. AmountDue is immutable.
  Payment:   A customer-submitted payment awaiting staff verification.
  Aggregate: Contract plus its periods and payments, loaded together.

STATUS MODEL:
  Installment: pending_approval -> active <-> overdue -> completed | defaulted | cancelled
  Pawn:        pending_approval -> active <-> overdue -> redeemed | forfeited | cancelled

SEE ALSO:
  - date.go: Calendar date type used for every due date
  - store.go: Persistence interfaces for the aggregate
  - status/engine.go: The only place statuses are decided
*/
package contract

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type PaymentID string
type CustomerID string
type ActorID string

// =============================================================================
// MONEY
// =============================================================================

// Money is an amount in minor currency units.
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Decimal returns the amount as a decimal in minor units.
func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }

// MoneyFromDecimal rounds half away from zero to whole minor units.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Round(0).IntPart())
}

// =============================================================================
// ENUMERATIONS
// =============================================================================

// Kind distinguishes the two contract families.
type Kind string

const (
	KindInstallment Kind = "installment"
	KindPawn        Kind = "pawn"
)

func (k Kind) Valid() bool { return k == KindInstallment || k == KindPawn }

// Status is the lifecycle state of a contract.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusActive          Status = "active"
	StatusOverdue         Status = "overdue"
	StatusCompleted       Status = "completed"
	StatusDefaulted       Status = "defaulted"
	StatusRedeemed        Status = "redeemed"
	StatusForfeited       Status = "forfeited"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether no further payment may change the contract.
// Defaulted is not terminal: a defaulted installment plan can still be paid off.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRedeemed, StatusForfeited, StatusCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the contract is collecting payments on schedule.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusOverdue
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPendingApproval, StatusActive, StatusOverdue, StatusCompleted,
		StatusDefaulted, StatusRedeemed, StatusForfeited, StatusCancelled:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
}

// PeriodStatus is the state of a single scheduled installment.
type PeriodStatus string

const (
	PeriodPending   PeriodStatus = "pending"
	PeriodPaid      PeriodStatus = "paid"
	PeriodOverdue   PeriodStatus = "overdue"
	PeriodCancelled PeriodStatus = "cancelled"
)

// PaymentKind says what a payment is meant to settle.
type PaymentKind string

const (
	PaymentPeriod     PaymentKind = "period"     // installment plan instalment
	PaymentInterest   PaymentKind = "interest"   // pawn interest extension
	PaymentRedemption PaymentKind = "redemption" // pawn principal + outstanding interest
)

func (k PaymentKind) Valid() bool {
	return k == PaymentPeriod || k == PaymentInterest || k == PaymentRedemption
}

// PaymentStatus is the verification state of a payment.
type PaymentStatus string

const (
	PaymentPendingVerification PaymentStatus = "pending_verification"
	PaymentVerified            PaymentStatus = "verified"
	PaymentRejected            PaymentStatus = "rejected"
	PaymentCancelled           PaymentStatus = "cancelled"
)

// Decision is a staff verdict on a pending payment.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// =============================================================================
// AGGREGATE
// =============================================================================

// Contract is the root aggregate.
type Contract struct {
	ID         ContractID
	ContractNo string
	CustomerID CustomerID
	Contact    string // notification address (email, phone, chat id)
	Kind       Kind

	Principal Money // installment: product price; pawn: loan principal
	Fee       Money // installment service fee

	RatePercent     decimal.Decimal // pawn monthly rate, percent
	MonthlyInterest Money

	// Pawn appraisal. Zero when the principal was given directly.
	AppraisedValue Money
	LoanPercent    decimal.Decimal

	// TotalPeriods is 3 for installments. Pawns have no fixed count (0):
	// their PaidPeriods counts interest months and is not bounded by it.
	TotalPeriods int
	PaidPeriods  int
	PaidAmount   Money // installment: applied to periods; pawn: interest plus redemption
	InterestPaid Money

	Status       Status
	StartDate    Date
	FirstDueDate Date  // pawn: first interest boundary
	NextDueDate  *Date // nil once nothing is left to pay
	FinalDueDate *Date // installment: last period; pawn: redemption deadline

	Note      string
	CreatedBy ActorID
	CreatedAt time.Time
	UpdatedAt time.Time

	Revision int64
}

// TotalAmount is what the customer owes over the life of an installment plan.
// For pawns it is the principal plus the interest charged so far.
func (c *Contract) TotalAmount() Money {
	if c.Kind == KindInstallment {
		return c.Principal + c.Fee
	}
	return c.Principal + c.InterestPaid
}

// CheckBalances reports a contract whose totals contradict each other:
// paid more than the total, or (installments) more periods than planned.
func (c *Contract) CheckBalances() error {
	if c.PaidAmount < 0 || c.PaidAmount > c.TotalAmount() {
		return fmt.Errorf("contract %s: paid amount %d outside 0..%d", c.ID, c.PaidAmount, c.TotalAmount())
	}
	if c.Kind == KindInstallment && c.PaidPeriods > c.TotalPeriods {
		return fmt.Errorf("contract %s: %d paid periods of %d", c.ID, c.PaidPeriods, c.TotalPeriods)
	}
	return nil
}

// Remaining is the installment balance still to be paid.
func (c *Contract) Remaining() Money {
	r := c.TotalAmount() - c.PaidAmount
	if r < 0 {
		return 0
	}
	return r
}

// InterestPeriodsPaid is the number of whole interest months covered.
func (c *Contract) InterestPeriodsPaid() int {
	if c.MonthlyInterest <= 0 {
		return 0
	}
	return int(c.InterestPaid / c.MonthlyInterest)
}

// Period is one scheduled installment of an installment plan.
type Period struct {
	ContractID ContractID
	Number     int
	DueDate    Date
	AmountDue  Money
	PaidAmount Money
	Status     PeriodStatus
	PaidAt     *time.Time
}

// Payment is a customer-submitted payment entry.
type Payment struct {
	ID            PaymentID
	ContractID    ContractID
	Kind          PaymentKind
	Amount        Money
	PeriodNumber  *int
	Evidence      string // slip reference or storage key
	ReferenceCode string
	Status        PaymentStatus
	RejectReason  string
	SubmittedBy   ActorID
	SubmittedAt   time.Time
	DecidedBy     ActorID
	DecidedAt     *time.Time
}

// Aggregate is a contract loaded together with its children.
type Aggregate struct {
	Contract Contract
	Periods  []Period
	Payments []Payment
}

// Payment finds a payment by id within the aggregate.
func (a *Aggregate) Payment(id PaymentID) (*Payment, bool) {
	for i := range a.Payments {
		if a.Payments[i].ID == id {
			return &a.Payments[i], true
		}
	}
	return nil, false
}

// HasVerified reports whether a verified payment of the given kind exists.
func (a *Aggregate) HasVerified(kind PaymentKind) bool {
	for _, p := range a.Payments {
		if p.Kind == kind && p.Status == PaymentVerified {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (a *Aggregate) Clone() *Aggregate {
	out := &Aggregate{Contract: a.Contract}
	if a.Contract.NextDueDate != nil {
		d := *a.Contract.NextDueDate
		out.Contract.NextDueDate = &d
	}
	if a.Contract.FinalDueDate != nil {
		d := *a.Contract.FinalDueDate
		out.Contract.FinalDueDate = &d
	}
	out.Periods = make([]Period, len(a.Periods))
	copy(out.Periods, a.Periods)
	for i := range out.Periods {
		if p := out.Periods[i].PaidAt; p != nil {
			t := *p
			out.Periods[i].PaidAt = &t
		}
	}
	out.Payments = make([]Payment, len(a.Payments))
	copy(out.Payments, a.Payments)
	for i := range out.Payments {
		if n := out.Payments[i].PeriodNumber; n != nil {
			v := *n
			out.Payments[i].PeriodNumber = &v
		}
		if d := out.Payments[i].DecidedAt; d != nil {
			t := *d
			out.Payments[i].DecidedAt = &t
		}
	}
	return out
}

// =============================================================================
// REMINDERS
// =============================================================================

// ReminderType classifies a reminder by where today falls relative to the due date.
type ReminderType string

const (
	ReminderUpcoming ReminderType = "upcoming"
	ReminderDueToday ReminderType = "due_today"
	ReminderOverdue  ReminderType = "overdue"
)

// ReminderMarker records that a reminder for one due-date bucket was sent.
type ReminderMarker struct {
	ContractID ContractID
	DueDate    Date
	Type       ReminderType
	Channel    string
	SentAt     time.Time
}
