/*
Package factory creates new contracts.

PURPOSE:
  Validates creation input, computes the schedule, and persists the
  contract with its periods in a single atomic Store.Create. A contract
  either exists with its full schedule or not at all.

DEFAULTS:
  Pawn rate         2% per month (configurable)
  Pawn principal    given, or 65% of the appraised value
  Pawn first due    start + 1 month
  Pawn deadline     first due + MaxExtensions months
  Approval          contracts start active unless approval is required,
                    in which case they start pending_approval and staff
                    must activate them

CONTRACT NUMBERS:
  INS-YYYYMMDD-XXXXXX for installment plans, PWN-YYYYMMDD-XXXXXX for pawns,
  where XXXXXX comes from the contract's UUID.

USAGE:
  f := factory.New(store, factory.Options{Clock: clock, Logger: log})
  agg, err := f.CreateInstallment(ctx, factory.InstallmentInput{
      CustomerID: "cust-1", Price: 30000, CreatedBy: "staff-7",
  })

SEE ALSO:
  - schedule/: Arithmetic
  - contract/store.go: Store.Create
*/
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/metrics"
	"github.com/warp/contract-engine/schedule"
)

// =============================================================================
// OPTIONS
// =============================================================================

type Options struct {
	// RequireApproval starts new contracts in pending_approval.
	RequireApproval bool

	DefaultPawnRate decimal.Decimal
	PawnTermMonths  int
	MaxExtensions   int

	Clock   contract.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.DefaultPawnRate.IsZero() {
		o.DefaultPawnRate = decimal.RequireFromString(schedule.DefaultPawnRate)
	}
	if o.PawnTermMonths <= 0 {
		o.PawnTermMonths = 1
	}
	if o.MaxExtensions <= 0 {
		o.MaxExtensions = schedule.MaxExtensions
	}
	if o.Clock == nil {
		o.Clock = contract.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// ContractFactory validates and persists new contracts.
type ContractFactory struct {
	store contract.Store
	opts  Options
	log   logrus.FieldLogger
}

func New(store contract.Store, opts Options) *ContractFactory {
	opts.setDefaults()
	return &ContractFactory{
		store: store,
		opts:  opts,
		log:   opts.Logger.WithField("component", "factory"),
	}
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type InstallmentInput struct {
	CustomerID contract.CustomerID
	Contact    string
	Price      contract.Money
	Note       string
	StartDate  *contract.Date // defaults to today
	CreatedBy  contract.ActorID

	// RequireApproval overrides the factory default when set.
	RequireApproval *bool
}

// CreateInstallment builds a 3-period plan and persists it atomically.
func (f *ContractFactory) CreateInstallment(ctx context.Context, in InstallmentInput) (*contract.Aggregate, error) {
	if err := validateCustomer(in.CustomerID); err != nil {
		return nil, err
	}
	start := contract.Today(f.opts.Clock)
	if in.StartDate != nil {
		start = *in.StartDate
	}

	plan, err := schedule.Installment(in.Price, start)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	c := contract.Contract{
		ID:           contract.ContractID(id.String()),
		ContractNo:   contractNo("INS", start, id),
		CustomerID:   in.CustomerID,
		Contact:      in.Contact,
		Kind:         contract.KindInstallment,
		Principal:    plan.Price,
		Fee:          plan.Fee,
		RatePercent:  decimal.Zero,
		TotalPeriods: len(plan.Periods),
		Status:       f.initialStatus(in.RequireApproval),
		StartDate:    start,
		NextDueDate:  contract.DatePtr(plan.Periods[0].DueDate),
		FinalDueDate: contract.DatePtr(plan.FinalDueDate()),
		Note:         in.Note,
		CreatedBy:    in.CreatedBy,
	}

	agg := &contract.Aggregate{Contract: c}
	for _, p := range plan.Periods {
		agg.Periods = append(agg.Periods, contract.Period{
			ContractID: c.ID,
			Number:     p.Number,
			DueDate:    p.DueDate,
			AmountDue:  p.Amount,
			Status:     contract.PeriodPending,
		})
	}

	if err := f.store.Create(ctx, agg); err != nil {
		return nil, fmt.Errorf("create installment: %w", err)
	}

	f.opts.Metrics.ContractCreated(string(contract.KindInstallment))
	f.log.WithFields(logrus.Fields{
		"contract_id": c.ID,
		"contract_no": c.ContractNo,
		"customer_id": c.CustomerID,
		"total":       plan.Total,
		"status":      c.Status,
	}).Info("installment plan created")
	return agg, nil
}

// =============================================================================
// PAWN
// =============================================================================

type PawnInput struct {
	CustomerID      contract.CustomerID
	Contact         string
	Principal       contract.Money // wins over the appraisal when both are given
	AppraisedValue  contract.Money
	LoanPercent     *decimal.Decimal // defaults to schedule.DefaultLoanPercent
	RatePercent     *decimal.Decimal // defaults to Options.DefaultPawnRate
	DueDate         *contract.Date   // first interest due date; defaults to start + term
	StartDate       *contract.Date   // defaults to today
	ItemDescription string
	CreatedBy       contract.ActorID

	RequireApproval *bool
}

// CreatePawn validates terms and persists a pawn loan. Pawns have no period rows.
func (f *ContractFactory) CreatePawn(ctx context.Context, in PawnInput) (*contract.Aggregate, error) {
	if err := validateCustomer(in.CustomerID); err != nil {
		return nil, err
	}
	start := contract.Today(f.opts.Clock)
	if in.StartDate != nil {
		start = *in.StartDate
	}
	rate := f.opts.DefaultPawnRate
	if in.RatePercent != nil {
		rate = *in.RatePercent
	}
	firstDue := start.AddMonths(f.opts.PawnTermMonths)
	if in.DueDate != nil {
		firstDue = *in.DueDate
	}

	principal, loanPercent, err := pawnPrincipal(in)
	if err != nil {
		return nil, err
	}
	if err := schedule.ValidatePawn(principal, rate, start, firstDue); err != nil {
		return nil, err
	}

	id := uuid.New()
	c := contract.Contract{
		ID:              contract.ContractID(id.String()),
		ContractNo:      contractNo("PWN", start, id),
		CustomerID:      in.CustomerID,
		Contact:         in.Contact,
		Kind:            contract.KindPawn,
		Principal:       principal,
		AppraisedValue:  in.AppraisedValue,
		LoanPercent:     loanPercent,
		RatePercent:     rate,
		MonthlyInterest: schedule.MonthlyInterest(principal, rate),
		Status:          f.initialStatus(in.RequireApproval),
		StartDate:       start,
		FirstDueDate:    firstDue,
		NextDueDate:     contract.DatePtr(firstDue),
		FinalDueDate:    contract.DatePtr(firstDue.AddMonths(f.opts.MaxExtensions)),
		Note:            in.ItemDescription,
		CreatedBy:       in.CreatedBy,
	}
	agg := &contract.Aggregate{Contract: c}

	if err := f.store.Create(ctx, agg); err != nil {
		return nil, fmt.Errorf("create pawn: %w", err)
	}

	f.opts.Metrics.ContractCreated(string(contract.KindPawn))
	f.log.WithFields(logrus.Fields{
		"contract_id":      c.ID,
		"contract_no":      c.ContractNo,
		"customer_id":      c.CustomerID,
		"principal":        c.Principal,
		"monthly_interest": c.MonthlyInterest,
		"first_due":        firstDue,
	}).Info("pawn created")
	return agg, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// pawnPrincipal resolves the loan amount and the loan percent to store.
func pawnPrincipal(in PawnInput) (contract.Money, decimal.Decimal, error) {
	if in.Principal != 0 || in.AppraisedValue == 0 {
		var pct decimal.Decimal
		if in.LoanPercent != nil {
			pct = *in.LoanPercent
		}
		return in.Principal, pct, nil
	}
	pct := decimal.RequireFromString(schedule.DefaultLoanPercent)
	if in.LoanPercent != nil {
		pct = *in.LoanPercent
	}
	principal, err := schedule.LoanAmount(in.AppraisedValue, pct)
	if err != nil {
		return 0, decimal.Decimal{}, err
	}
	return principal, pct, nil
}

func (f *ContractFactory) initialStatus(override *bool) contract.Status {
	needs := f.opts.RequireApproval
	if override != nil {
		needs = *override
	}
	if needs {
		return contract.StatusPendingApproval
	}
	return contract.StatusActive
}

func validateCustomer(id contract.CustomerID) error {
	if strings.TrimSpace(string(id)) == "" {
		return contract.Invalid("customer_id", "is required")
	}
	return nil
}

func contractNo(prefix string, start contract.Date, id uuid.UUID) string {
	suffix := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("%s-%s-%s", prefix, start.Time.Format("20060102"), strings.ToUpper(suffix[len(suffix)-6:]))
}
