/*
sweeper.go - Idempotent reminder sweep

PURPOSE:
  Turns an at-least-once trigger (cron, a staff button) into at most one
  notification per contract per due date.

ALGORITHM (Run):
  1. Refresh the derived status of every open contract so the overdue flag
     is current before anything is selected
  2. List active/overdue contracts whose next due date falls inside
     [today - OverdueDays, today + UpcomingDays]
  3. For each contract, in parallel up to Concurrency:
       a. bucket = (contract id, next due date)
       b. marker present -> skipped
       c. quote the amount, render, Notify under NotifyTimeout
       d. Notify failed -> NotifierError, counted, NO marker
       e. Notify succeeded -> write the marker
  4. Report overdue contracts past the grace period (eligible for staff
     default/forfeit); the sweep never closes a contract itself

CRASH SAFETY:
  The marker is written after the send. A crash between the two produces
  a duplicate on the next run, never a silent miss. The marker table has a
  unique key on the bucket, so two overlapping sweeps cannot both record
  it; the NATS channel additionally uses the bucket as its message id.

SEE ALSO:
  - notifier.go: Channels
  - api/scheduler.go: Cron trigger
*/
package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/ledger"
	"github.com/warp/contract-engine/metrics"
	"golang.org/x/sync/errgroup"
)

// Ledger is the part of the payment ledger the sweeper reads through.
type Ledger interface {
	RefreshOpen(ctx context.Context) (updated int, failed int, err error)
	RefreshStatus(ctx context.Context, id contract.ContractID) (*contract.Aggregate, bool, error)
	Quote(ctx context.Context, id contract.ContractID, asOf contract.Date) (*ledger.Quote, error)
}

type Options struct {
	UpcomingDays  int
	OverdueDays   int
	Concurrency   int
	NotifyTimeout time.Duration
	Clock         contract.Clock
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		UpcomingDays:  3,
		OverdueDays:   7,
		Concurrency:   4,
		NotifyTimeout: 10 * time.Second,
	}
}

// Result values reported per contract.
const (
	ResultSent    = "sent"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

type Detail struct {
	ContractID contract.ContractID   `json:"contract_id"`
	ContractNo string                `json:"contract_no"`
	DueDate    *contract.Date        `json:"due_date,omitempty"`
	Type       contract.ReminderType `json:"type,omitempty"`
	Result     string                `json:"result"`
	Reason     string                `json:"reason,omitempty"`
	Error      string                `json:"error,omitempty"`
}

type Summary struct {
	Processed          int                   `json:"processed"`
	Sent               int                   `json:"sent"`
	Skipped            int                   `json:"skipped"`
	Errors             int                   `json:"errors"`
	Details            []Detail              `json:"details"`
	EligibleForClosure []contract.ContractID `json:"eligible_for_closure,omitempty"`
}

func (s *Summary) add(d Detail) {
	s.Processed++
	switch d.Result {
	case ResultSent:
		s.Sent++
	case ResultSkipped:
		s.Skipped++
	default:
		s.Errors++
	}
	s.Details = append(s.Details, d)
}

type Sweeper struct {
	store    contract.Store
	markers  contract.ReminderStore
	ledger   Ledger
	notifier Notifier
	opts     Options
	log      logrus.FieldLogger

	// mu serializes sweeps within one process.
	mu sync.Mutex
}

func NewSweeper(store contract.Store, markers contract.ReminderStore, l Ledger, n Notifier, opts Options) *Sweeper {
	def := DefaultOptions()
	if opts.UpcomingDays < 0 {
		opts.UpcomingDays = def.UpcomingDays
	}
	if opts.OverdueDays < 0 {
		opts.OverdueDays = def.OverdueDays
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = def.NotifyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = contract.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Sweeper{
		store:    store,
		markers:  markers,
		ledger:   l,
		notifier: n,
		opts:     opts,
		log:      opts.Logger.WithField("component", "reminder_sweeper"),
	}
}

// Run sweeps every open contract due inside the reminder window.
func (s *Sweeper) Run(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { s.opts.Metrics.SweepDuration(time.Since(start)) }()

	updated, failed, err := s.ledger.RefreshOpen(ctx)
	if err != nil {
		return nil, err
	}

	today := contract.Today(s.opts.Clock)
	from, to := today.AddDays(-s.opts.OverdueDays), today.AddDays(s.opts.UpcomingDays)
	list, err := s.store.List(ctx, contract.Filter{
		Statuses: []contract.Status{contract.StatusActive, contract.StatusOverdue},
		DueFrom:  &from,
		DueTo:    &to,
	})
	if err != nil {
		return nil, err
	}

	details := make([]Detail, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range list {
		c := list[i]
		g.Go(func() error {
			details[i] = s.process(gctx, &c, today)
			return nil
		})
	}
	g.Wait()

	summary := &Summary{Details: make([]Detail, 0, len(details))}
	for _, d := range details {
		summary.add(d)
	}
	sort.SliceStable(summary.Details, func(i, j int) bool {
		return summary.Details[i].ContractID < summary.Details[j].ContractID
	})

	summary.EligibleForClosure, err = s.eligible(ctx, today)
	if err != nil {
		s.log.WithError(err).Warn("eligibility scan failed")
	}

	s.log.WithFields(logrus.Fields{
		"refreshed":      updated,
		"refresh_failed": failed,
		"processed":      summary.Processed,
		"sent":           summary.Sent,
		"skipped":        summary.Skipped,
		"errors":         summary.Errors,
		"eligible":       len(summary.EligibleForClosure),
		"duration":       time.Since(start),
	}).Info("reminder sweep finished")
	return summary, nil
}

// RunContract re-sends for a single contract regardless of the window. The
// dedup marker still applies.
func (s *Sweeper) RunContract(ctx context.Context, id contract.ContractID) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, _, err := s.ledger.RefreshStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	today := contract.Today(s.opts.Clock)
	c := &agg.Contract

	summary := &Summary{}
	if c.Status != contract.StatusActive && c.Status != contract.StatusOverdue {
		summary.add(Detail{
			ContractID: c.ID,
			ContractNo: c.ContractNo,
			Result:     ResultSkipped,
			Reason:     "contract is " + string(c.Status),
		})
		s.opts.Metrics.Reminder(ResultSkipped)
		return summary, nil
	}
	summary.add(s.process(ctx, c, today))
	return summary, nil
}

func (s *Sweeper) process(ctx context.Context, c *contract.Contract, today contract.Date) Detail {
	d := Detail{ContractID: c.ID, ContractNo: c.ContractNo}
	logger := s.log.WithFields(logrus.Fields{"contract_id": c.ID, "contract_no": c.ContractNo})

	finish := func(result string, err error) Detail {
		d.Result = result
		if err != nil {
			d.Error = err.Error()
			logger.WithError(err).Warn("reminder failed")
		}
		s.opts.Metrics.Reminder(result)
		return d
	}

	if c.NextDueDate == nil {
		d.Reason = "no due date"
		return finish(ResultSkipped, nil)
	}
	due := *c.NextDueDate
	d.DueDate = &due

	sent, err := s.markers.HasMarker(ctx, c.ID, due)
	if err != nil {
		return finish(ResultError, err)
	}
	if sent {
		d.Reason = "already sent"
		return finish(ResultSkipped, nil)
	}

	q, err := s.ledger.Quote(ctx, c.ID, today)
	if err != nil {
		return finish(ResultError, err)
	}

	typ, days := classify(today, due)
	d.Type = typ
	r := Render(Reminder{
		ContractID: c.ID,
		ContractNo: c.ContractNo,
		CustomerID: c.CustomerID,
		Contact:    c.Contact,
		Kind:       c.Kind,
		Type:       typ,
		DueDate:    due,
		DaysUntil:  days,
		Amount:     amountDue(q),
	})

	nctx, cancel := context.WithTimeout(ctx, s.opts.NotifyTimeout)
	err = s.notifier.Notify(nctx, r)
	cancel()
	if err != nil {
		return finish(ResultError, &contract.NotifierError{ContractID: c.ID, Channel: s.notifier.Channel(), Err: err})
	}

	err = s.markers.PutMarker(ctx, contract.ReminderMarker{
		ContractID: c.ID,
		DueDate:    due,
		Type:       typ,
		Channel:    s.notifier.Channel(),
		SentAt:     s.opts.Clock.Now(),
	})
	switch {
	case errors.Is(err, contract.ErrDuplicateReminder):
		logger.Warn("reminder marker written concurrently, duplicate send possible")
	case err != nil:
		// The customer was notified; the next sweep may send again.
		d.Error = err.Error()
		logger.WithError(err).Error("failed to record reminder marker")
	}

	logger.WithFields(logrus.Fields{
		"type":     typ,
		"due_date": due,
		"amount":   r.Amount,
		"channel":  s.notifier.Channel(),
	}).Info("reminder sent")
	return finish(ResultSent, nil)
}

// amountDue is what the customer should pay by the due date.
func amountDue(q *ledger.Quote) contract.Money {
	if q.Kind == contract.KindPawn {
		if q.AccruedInterest > 0 {
			return q.AccruedInterest
		}
		return q.MonthlyInterest
	}
	return q.NextPeriodDue
}

// eligible lists overdue contracts past the grace period.
func (s *Sweeper) eligible(ctx context.Context, today contract.Date) ([]contract.ContractID, error) {
	list, err := s.store.List(ctx, contract.Filter{Statuses: []contract.Status{contract.StatusOverdue}})
	if err != nil {
		return nil, err
	}
	var ids []contract.ContractID
	for _, c := range list {
		q, err := s.ledger.Quote(ctx, c.ID, today)
		if err != nil {
			return ids, err
		}
		if q.Eligibility.CanDefault || q.Eligibility.CanForfeit {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}
