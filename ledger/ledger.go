/*
ledger.go - Payment submission, verification and status maintenance

PURPOSE:
  The PaymentLedger is the only writer of contract totals. Customers submit
  payments (append-only, no lock); staff verify them (read-modify-write
  under the contract's optimistic lock). Every verified payment is applied
  to the totals at most once, however many staff click "approve".

SUBMIT:
  1. Validate amount, kind and contract state
  2. Installment: amount <= remaining balance
     Pawn interest: whole months of interest, within the extension limit
     Pawn redemption: amount == current redemption quote
  3. Append a pending_verification payment with a unique reference code

VERIFY (inside Store.WithLock):
  1. Re-read the payment; anything but pending_verification is
     AlreadyProcessedError (a permanent failure, never retried)
  2. Approve: reject terminal contracts, re-check amounts against the
     locked state, add to totals, recompute status via the StatusEngine
  3. Reject: record reason; totals untouched
  4. ConflictError -> retry the whole operation with bounded backoff

WHY A RETRY LOOP AND NOT A MUTEX?
  Two server processes may verify the same payment. Only the revision
  check in the database is shared between them; the retry re-reads, sees
  the first decision, and stops with AlreadyProcessedError.

SEE ALSO:
  - contract/store.go: WithLock semantics
  - status/engine.go: Status derivation
  - retry.go: Backoff policy
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/metrics"
	"github.com/warp/contract-engine/schedule"
	"github.com/warp/contract-engine/status"
)

// errUnchanged aborts a WithLock write when nothing needs persisting.
var errUnchanged = errors.New("ledger: no change")

type Options struct {
	Engine        *status.Engine
	Clock         contract.Clock
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
	Retry         RetryConfig
	MaxExtensions int
}

// Ledger is the PaymentLedger.
type Ledger struct {
	store         contract.Store
	engine        *status.Engine
	clock         contract.Clock
	log           logrus.FieldLogger
	metrics       *metrics.Metrics
	retry         RetryConfig
	maxExtensions int
}

func New(store contract.Store, opts Options) *Ledger {
	if opts.Engine == nil {
		opts.Engine = status.NewEngine(status.DefaultGraceDays)
	}
	if opts.Clock == nil {
		opts.Clock = contract.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.MaxExtensions <= 0 {
		opts.MaxExtensions = schedule.MaxExtensions
	}
	return &Ledger{
		store:         store,
		engine:        opts.Engine,
		clock:         opts.Clock,
		log:           opts.Logger.WithField("component", "ledger"),
		metrics:       opts.Metrics,
		retry:         opts.Retry,
		maxExtensions: opts.MaxExtensions,
	}
}

// Engine exposes the status engine used by the ledger.
func (l *Ledger) Engine() *status.Engine { return l.engine }

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitInput struct {
	ContractID   contract.ContractID
	Kind         contract.PaymentKind // defaults by contract kind
	Amount       contract.Money
	PeriodNumber *int
	Evidence     string
	SubmittedBy  contract.ActorID
}

// Submit records a customer payment awaiting verification.
func (l *Ledger) Submit(ctx context.Context, in SubmitInput) (*contract.Payment, error) {
	if in.Amount <= 0 {
		return nil, contract.Invalid("amount", "must be positive, got %d", in.Amount)
	}

	agg, err := l.store.Get(ctx, in.ContractID)
	if err != nil {
		return nil, err
	}
	c := &agg.Contract
	if in.Kind == "" {
		in.Kind = defaultKind(c.Kind)
	}
	if !in.Kind.Valid() {
		return nil, contract.Invalid("kind", "unknown payment kind %q", in.Kind)
	}
	if err := checkOpen(c); err != nil {
		return nil, err
	}

	today := contract.Today(l.clock)
	switch c.Kind {
	case contract.KindInstallment:
		if in.Kind != contract.PaymentPeriod {
			return nil, contract.Invalid("kind", "installment plans accept %q payments only", contract.PaymentPeriod)
		}
		if in.PeriodNumber != nil && (*in.PeriodNumber < 1 || *in.PeriodNumber > c.TotalPeriods) {
			return nil, contract.Invalid("period_number", "must be within 1..%d", c.TotalPeriods)
		}
		if in.Amount > c.Remaining() {
			return nil, contract.Invalid("amount", "%d exceeds remaining balance %d", in.Amount, c.Remaining())
		}

	case contract.KindPawn:
		switch in.Kind {
		case contract.PaymentInterest:
			if _, err := l.interestMonths(c, in.Amount); err != nil {
				return nil, err
			}
		case contract.PaymentRedemption:
			quote := schedule.TermsOf(c).RedemptionAmount(today)
			if in.Amount != quote {
				return nil, contract.Invalid("amount", "redemption requires exactly %d as of %s, got %d", quote, today, in.Amount)
			}
		default:
			return nil, contract.Invalid("kind", "pawns accept %q or %q payments", contract.PaymentInterest, contract.PaymentRedemption)
		}
	}

	id := uuid.New()
	p := contract.Payment{
		ID:            contract.PaymentID(id.String()),
		ContractID:    c.ID,
		Kind:          in.Kind,
		Amount:        in.Amount,
		PeriodNumber:  in.PeriodNumber,
		Evidence:      in.Evidence,
		ReferenceCode: referenceCode(id),
		Status:        contract.PaymentPendingVerification,
		SubmittedBy:   in.SubmittedBy,
		SubmittedAt:   l.clock.Now(),
	}
	if err := l.store.AppendPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("append payment: %w", err)
	}

	l.metrics.PaymentSubmitted(string(p.Kind))
	l.log.WithFields(logrus.Fields{
		"contract_id":  c.ID,
		"payment_id":   p.ID,
		"kind":         p.Kind,
		"amount":       p.Amount,
		"reference":    p.ReferenceCode,
		"submitted_by": p.SubmittedBy,
	}).Info("payment submitted")
	return &p, nil
}

// interestMonths checks that amount buys whole months within the extension limit.
func (l *Ledger) interestMonths(c *contract.Contract, amount contract.Money) (int, error) {
	if c.MonthlyInterest <= 0 {
		return 0, contract.Invalid("kind", "contract carries no interest")
	}
	if amount%c.MonthlyInterest != 0 {
		return 0, contract.Invalid("amount", "interest must be a whole multiple of %d, got %d", c.MonthlyInterest, amount)
	}
	months := int(amount / c.MonthlyInterest)
	if paid := c.InterestPeriodsPaid(); paid+months > l.maxExtensions {
		return 0, contract.Invalid("amount", "extension limit of %d months reached (%d paid, %d requested)", l.maxExtensions, paid, months)
	}
	return months, nil
}

// =============================================================================
// VERIFY
// =============================================================================

// VerifyResult is the outcome of a successful decision.
type VerifyResult struct {
	Payment   contract.Payment
	Aggregate *contract.Aggregate
}

// Verify approves or rejects a pending payment.
func (l *Ledger) Verify(ctx context.Context, paymentID contract.PaymentID, decision contract.Decision, reason string, actor contract.ActorID) (*VerifyResult, error) {
	if decision != contract.DecisionApprove && decision != contract.DecisionReject {
		return nil, contract.Invalid("decision", "must be %q or %q", contract.DecisionApprove, contract.DecisionReject)
	}

	p, err := l.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	logger := l.log.WithFields(logrus.Fields{
		"contract_id": p.ContractID,
		"payment_id":  paymentID,
		"decision":    decision,
		"actor":       actor,
	})

	var result *VerifyResult
	err = retryOnConflict(ctx, l.retry, func(attempt int, err error) {
		l.metrics.Conflict()
		logger.WithField("attempt", attempt).Debug("revision conflict, retrying")
	}, func() error {
		var decided contract.Payment
		agg, err := l.store.WithLock(ctx, p.ContractID, func(agg *contract.Aggregate) error {
			var err error
			decided, err = l.decide(agg, paymentID, decision, reason, actor)
			return err
		})
		if err != nil {
			return err
		}
		result = &VerifyResult{Payment: decided, Aggregate: agg}
		return nil
	})

	l.metrics.PaymentDecided(string(decision), outcome(err))
	if err != nil {
		logger.WithError(err).Warn("payment verification failed")
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"amount": result.Payment.Amount,
		"status": result.Aggregate.Contract.Status,
		"paid":   result.Aggregate.Contract.PaidAmount,
	}).Info("payment decided")
	return result, nil
}

// decide mutates the locked aggregate. It must only depend on agg so that a
// retry after a conflict re-evaluates everything against fresh state.
func (l *Ledger) decide(agg *contract.Aggregate, id contract.PaymentID, decision contract.Decision, reason string, actor contract.ActorID) (contract.Payment, error) {
	pay, ok := agg.Payment(id)
	if !ok {
		return contract.Payment{}, contract.ErrPaymentNotFound
	}
	if pay.Status != contract.PaymentPendingVerification {
		return contract.Payment{}, &contract.AlreadyProcessedError{PaymentID: id, Status: pay.Status}
	}

	now := l.clock.Now()
	today := contract.DateOf(now)
	c := &agg.Contract

	if decision == contract.DecisionReject {
		pay.Status = contract.PaymentRejected
		pay.RejectReason = reason
		pay.DecidedBy = actor
		pay.DecidedAt = &now
		return *pay, nil
	}

	if c.Status.IsTerminal() {
		return contract.Payment{}, &contract.TerminalStateError{ContractID: c.ID, Status: c.Status}
	}
	if c.Status == contract.StatusPendingApproval {
		return contract.Payment{}, contract.Invalid("status", "contract %s is awaiting approval", c.ID)
	}

	switch pay.Kind {
	case contract.PaymentPeriod:
		if pay.Amount > c.Remaining() {
			return contract.Payment{}, contract.Invalid("amount", "%d exceeds remaining balance %d", pay.Amount, c.Remaining())
		}
		c.PaidAmount += pay.Amount

	case contract.PaymentInterest:
		if _, err := l.interestMonths(c, pay.Amount); err != nil {
			return contract.Payment{}, err
		}
		c.InterestPaid += pay.Amount
		c.PaidAmount += pay.Amount

	case contract.PaymentRedemption:
		terms := schedule.TermsOf(c)
		quote := terms.RedemptionAmount(today)
		// Interest verified or accrued since submission moves the quote.
		// The slip stays pending for staff to reject.
		if pay.Amount != quote {
			return contract.Payment{}, contract.Invalid("amount", "redemption now requires %d, payment is %d", quote, pay.Amount)
		}
		c.InterestPaid += terms.AccruedInterest(today)
		c.PaidAmount += pay.Amount

	default:
		return contract.Payment{}, contract.Invalid("kind", "unknown payment kind %q", pay.Kind)
	}

	pay.Status = contract.PaymentVerified
	pay.DecidedBy = actor
	pay.DecidedAt = &now
	decided := *pay

	before := c.Status
	after := l.engine.Apply(agg, today, now)
	if err := c.CheckBalances(); err != nil {
		return contract.Payment{}, err
	}
	if after != before {
		l.metrics.StatusChanged(string(after))
	}
	return decided, nil
}

// =============================================================================
// TRANSITIONS AND REFRESH
// =============================================================================

// Transition applies a staff action (activate, cancel, default, forfeit).
func (l *Ledger) Transition(ctx context.Context, id contract.ContractID, action status.Action, actor contract.ActorID, reason string) (*contract.Aggregate, error) {
	var agg *contract.Aggregate
	err := retryOnConflict(ctx, l.retry, func(int, error) { l.metrics.Conflict() }, func() error {
		var err error
		agg, err = l.store.WithLock(ctx, id, func(agg *contract.Aggregate) error {
			now := l.clock.Now()
			if err := l.engine.Transition(agg, action, contract.DateOf(now), now); err != nil {
				return err
			}
			if action == status.ActionCancel {
				for i := range agg.Payments {
					if agg.Payments[i].Status == contract.PaymentPendingVerification {
						agg.Payments[i].Status = contract.PaymentCancelled
						agg.Payments[i].DecidedBy = actor
						agg.Payments[i].DecidedAt = &now
						agg.Payments[i].RejectReason = "contract cancelled"
					}
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.metrics.StatusChanged(string(agg.Contract.Status))
	l.log.WithFields(logrus.Fields{
		"contract_id": id,
		"action":      action,
		"actor":       actor,
		"reason":      reason,
		"status":      agg.Contract.Status,
	}).Info("contract transitioned")
	return agg, nil
}

// RefreshStatus recomputes and persists the derived status of one contract.
// It writes only when something changed, so repeated calls do not bump the
// revision.
func (l *Ledger) RefreshStatus(ctx context.Context, id contract.ContractID) (*contract.Aggregate, bool, error) {
	var agg *contract.Aggregate
	err := retryOnConflict(ctx, l.retry, func(int, error) { l.metrics.Conflict() }, func() error {
		var err error
		agg, err = l.store.WithLock(ctx, id, func(agg *contract.Aggregate) error {
			before := snapshotOf(agg)
			now := l.clock.Now()
			l.engine.Apply(agg, contract.DateOf(now), now)
			if snapshotOf(agg) == before {
				return errUnchanged
			}
			return nil
		})
		return err
	})
	switch {
	case errors.Is(err, errUnchanged):
		agg, err = l.store.Get(ctx, id)
		return agg, false, err
	case err != nil:
		return nil, false, err
	}
	l.metrics.StatusChanged(string(agg.Contract.Status))
	l.log.WithFields(logrus.Fields{
		"contract_id": id,
		"status":      agg.Contract.Status,
	}).Info("contract status refreshed")
	return agg, true, nil
}

// RefreshOpen refreshes every contract that can still change on its own
// (active, overdue, defaulted). Per-contract failures are logged and counted.
func (l *Ledger) RefreshOpen(ctx context.Context) (updated int, failed int, err error) {
	list, err := l.store.List(ctx, contract.Filter{Statuses: []contract.Status{
		contract.StatusActive, contract.StatusOverdue, contract.StatusDefaulted,
	}})
	if err != nil {
		return 0, 0, fmt.Errorf("list open contracts: %w", err)
	}
	for _, c := range list {
		if ctx.Err() != nil {
			return updated, failed, ctx.Err()
		}
		_, changed, err := l.RefreshStatus(ctx, c.ID)
		if err != nil {
			failed++
			l.log.WithError(err).WithField("contract_id", c.ID).Warn("status refresh failed")
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, failed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type statusSnapshot struct {
	status      contract.Status
	paidPeriods int
	nextDue     string
	periods     string
}

func snapshotOf(agg *contract.Aggregate) statusSnapshot {
	s := statusSnapshot{status: agg.Contract.Status, paidPeriods: agg.Contract.PaidPeriods}
	if agg.Contract.NextDueDate != nil {
		s.nextDue = agg.Contract.NextDueDate.String()
	}
	var b strings.Builder
	for _, p := range agg.Periods {
		fmt.Fprintf(&b, "%d:%s:%d;", p.Number, p.Status, p.PaidAmount)
	}
	s.periods = b.String()
	return s
}

func checkOpen(c *contract.Contract) error {
	if c.Status.IsTerminal() {
		return &contract.TerminalStateError{ContractID: c.ID, Status: c.Status}
	}
	if c.Status == contract.StatusPendingApproval {
		return contract.Invalid("status", "contract %s is awaiting approval", c.ID)
	}
	return nil
}

func defaultKind(k contract.Kind) contract.PaymentKind {
	if k == contract.KindPawn {
		return contract.PaymentInterest
	}
	return contract.PaymentPeriod
}

func referenceCode(id uuid.UUID) string {
	hex := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
	return "PAY-" + hex[:10]
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, contract.ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, contract.ErrTerminalState):
		return "terminal"
	case errors.Is(err, contract.ErrConflict):
		return "conflict"
	case errors.Is(err, contract.ErrValidation):
		return "invalid"
	}
	return "error"
}
