package ledger

import (
	"context"
	"sort"

	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/schedule"
	"github.com/warp/contract-engine/status"
)

// =============================================================================
// QUOTE - What is owed on a contract at a given day
// =============================================================================

type Quote struct {
	ContractID contract.ContractID
	Kind       contract.Kind
	Status     contract.Status
	AsOf       contract.Date

	// Installment
	Remaining     contract.Money
	NextPeriod    int
	NextPeriodDue contract.Money
	PaidPeriods   int
	TotalPeriods  int

	// Pawn
	Principal        contract.Money
	MonthlyInterest  contract.Money
	UnpaidPeriods    int
	AccruedInterest  contract.Money
	RedemptionAmount contract.Money
	ExtensionsLeft   int
	InterestSchedule []schedule.InterestPeriod

	NextDueDate  *contract.Date
	FinalDueDate *contract.Date
	Eligibility  status.Eligibility
}

// Quote prices a contract as of asOf without changing it.
func (l *Ledger) Quote(ctx context.Context, id contract.ContractID, asOf contract.Date) (*Quote, error) {
	agg, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.quote(agg, asOf), nil
}

func (l *Ledger) quote(agg *contract.Aggregate, asOf contract.Date) *Quote {
	c := &agg.Contract
	derived := l.engine.Derive(agg, asOf)
	q := &Quote{
		ContractID:   c.ID,
		Kind:         c.Kind,
		Status:       derived.Status,
		AsOf:         asOf,
		PaidPeriods:  derived.PaidPeriods,
		TotalPeriods: c.TotalPeriods,
		Principal:    c.Principal,
		NextDueDate:  derived.NextDueDate,
		FinalDueDate: c.FinalDueDate,
		Eligibility:  l.engine.Eligibility(agg, asOf),
	}

	switch c.Kind {
	case contract.KindInstallment:
		q.Remaining = c.Remaining()
		for i, p := range agg.Periods {
			if derived.PeriodPaid[i] < p.AmountDue {
				q.NextPeriod = p.Number
				q.NextPeriodDue = p.AmountDue - derived.PeriodPaid[i]
				break
			}
		}

	case contract.KindPawn:
		terms := schedule.TermsOf(c)
		q.MonthlyInterest = c.MonthlyInterest
		if !derived.Status.IsTerminal() {
			q.UnpaidPeriods = terms.UnpaidPeriods(asOf)
			q.AccruedInterest = terms.AccruedInterest(asOf)
			q.RedemptionAmount = terms.RedemptionAmount(asOf)
			q.ExtensionsLeft = l.maxExtensions - terms.PaidPeriods()
			if q.ExtensionsLeft < 0 {
				q.ExtensionsLeft = 0
			}
			q.InterestSchedule = terms.InterestSchedule(asOf, 1)
		}
	}
	return q
}

// =============================================================================
// SLIP MATCHING - Suggest which open contract a bank slip pays
// =============================================================================

// DefaultSlipTolerance is the absolute difference (minor units) accepted
// when matching a slip amount to an expected payment.
const DefaultSlipTolerance contract.Money = 10000

type SlipMatch struct {
	ContractID contract.ContractID
	ContractNo string
	Kind       contract.PaymentKind
	Expected   contract.Money
	Difference contract.Money
}

// MatchSlip lists the customer's open contracts whose expected next payment
// is within tolerance of amount, closest first.
func (l *Ledger) MatchSlip(ctx context.Context, customer contract.CustomerID, amount, tolerance contract.Money) ([]SlipMatch, error) {
	if amount <= 0 {
		return nil, contract.Invalid("amount", "must be positive, got %d", amount)
	}
	if tolerance < 0 {
		tolerance = DefaultSlipTolerance
	}

	list, err := l.store.List(ctx, contract.Filter{
		CustomerID: customer,
		Statuses:   []contract.Status{contract.StatusActive, contract.StatusOverdue, contract.StatusDefaulted},
	})
	if err != nil {
		return nil, err
	}

	today := contract.Today(l.clock)
	var matches []SlipMatch
	consider := func(c *contract.Contract, kind contract.PaymentKind, expected contract.Money) {
		if expected <= 0 {
			return
		}
		diff := amount - expected
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolerance {
			matches = append(matches, SlipMatch{
				ContractID: c.ID, ContractNo: c.ContractNo, Kind: kind, Expected: expected, Difference: diff,
			})
		}
	}

	for _, c := range list {
		switch c.Kind {
		case contract.KindInstallment:
			agg, err := l.store.Get(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			q := l.quote(agg, today)
			consider(&c, contract.PaymentPeriod, q.NextPeriodDue)
			if q.Remaining != q.NextPeriodDue {
				consider(&c, contract.PaymentPeriod, q.Remaining)
			}
		case contract.KindPawn:
			terms := schedule.TermsOf(&c)
			consider(&c, contract.PaymentInterest, c.MonthlyInterest)
			consider(&c, contract.PaymentRedemption, terms.RedemptionAmount(today))
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Difference < matches[j].Difference
	})
	return matches, nil
}
