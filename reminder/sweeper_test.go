package reminder_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/contract/store"
	"github.com/warp/contract-engine/factory"
	"github.com/warp/contract-engine/ledger"
	"github.com/warp/contract-engine/reminder"
	"github.com/warp/contract-engine/status"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *stepClock) AddDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.AddDate(0, 0, n)
}

// recorder is a Notifier that remembers what it was asked to send.
type recorder struct {
	mu   sync.Mutex
	sent []reminder.Reminder
	err  error
}

func (r *recorder) Channel() string { return "test" }

func (r *recorder) Notify(_ context.Context, m reminder.Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	ctx      context.Context
	clock    *stepClock
	store    *store.Memory
	factory  *factory.ContractFactory
	ledger   *ledger.Ledger
	notifier *recorder
	sweeper  *reminder.Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	clock := &stepClock{at: time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	l := ledger.New(mem, ledger.Options{Engine: status.NewEngine(30), Clock: clock, Logger: log})
	rec := &recorder{}

	opts := reminder.DefaultOptions()
	opts.Clock = clock
	opts.Logger = log
	return &fixture{
		ctx:      context.Background(),
		clock:    clock,
		store:    mem,
		factory:  factory.New(mem, factory.Options{Clock: clock, Logger: log}),
		ledger:   l,
		notifier: rec,
		sweeper:  reminder.NewSweeper(mem, mem, l, rec, opts),
	}
}

func (f *fixture) installment(t *testing.T) *contract.Aggregate {
	t.Helper()
	agg, err := f.factory.CreateInstallment(f.ctx, factory.InstallmentInput{
		CustomerID: "cust-1", Contact: "cust@example.com", Price: 30000,
	})
	require.NoError(t, err)
	return agg
}

func (f *fixture) pawn(t *testing.T) *contract.Aggregate {
	t.Helper()
	agg, err := f.factory.CreatePawn(f.ctx, factory.PawnInput{
		CustomerID: "cust-2", Contact: "pawn@example.com", Principal: 100000, ItemDescription: "watch",
	})
	require.NoError(t, err)
	return agg
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestSweeper_TwoRunsSendOnce(t *testing.T) {
	// GIVEN: An installment whose first period is due today
	// WHEN: The sweep runs twice
	// THEN: One notification in total; the second run skips the bucket

	f := newFixture(t)
	agg := f.installment(t)

	first, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 1, first.Sent)
	assert.Equal(t, 0, first.Skipped)
	require.Len(t, first.Details, 1)
	assert.Equal(t, contract.ReminderDueToday, first.Details[0].Type)

	second, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Sent)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, "already sent", second.Details[0].Reason)

	assert.Equal(t, 1, f.notifier.count())
	markers, err := f.store.Markers(f.ctx, agg.Contract.ID)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, agg.Periods[0].DueDate, markers[0].DueDate)
	assert.Equal(t, "test", markers[0].Channel)
}

func TestSweeper_ConcurrentRunsSendOnce(t *testing.T) {
	f := newFixture(t)
	f.installment(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sweeper.Run(f.ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.notifier.count())
}

func TestSweeper_NotifierErrorWritesNoMarker(t *testing.T) {
	// GIVEN: A channel that is down
	// WHEN: The sweep runs, then runs again after the channel recovers
	// THEN: The first run counts an error and the second one sends

	f := newFixture(t)
	agg := f.installment(t)
	f.notifier.err = errors.New("smtp unavailable")

	failed, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Errors)
	assert.Equal(t, 0, failed.Sent)
	assert.Contains(t, failed.Details[0].Error, "smtp unavailable")

	has, err := f.store.HasMarker(f.ctx, agg.Contract.ID, agg.Periods[0].DueDate)
	require.NoError(t, err)
	assert.False(t, has)

	f.notifier.err = nil
	retried, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Sent)
	assert.Equal(t, 1, f.notifier.count())
}

// =============================================================================
// WINDOW AND BUCKETS
// =============================================================================

func TestSweeper_OnlyContractsInsideWindow(t *testing.T) {
	// GIVEN: An installment due today and a pawn due in a month
	// WHEN: The sweep runs
	// THEN: Only the installment is reminded

	f := newFixture(t)
	inst := f.installment(t)
	f.pawn(t)

	summary, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	assert.Equal(t, inst.Contract.ID, summary.Details[0].ContractID)
}

func TestSweeper_UpcomingPawnInterest(t *testing.T) {
	// GIVEN: A pawn (1000.00 at 2%) whose first interest date is 3 days away
	// WHEN: The sweep runs
	// THEN: An upcoming reminder for one month of interest goes out

	f := newFixture(t)
	p := f.pawn(t)
	f.clock.AddDays(28) // Jan 29, first due Feb 1

	summary, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)

	var found bool
	for _, d := range summary.Details {
		if d.ContractID == p.Contract.ID {
			found = true
			assert.Equal(t, reminder.ResultSent, d.Result)
			assert.Equal(t, contract.ReminderUpcoming, d.Type)
		}
	}
	require.True(t, found)

	var sent reminder.Reminder
	for _, r := range f.notifier.sent {
		if r.ContractID == p.Contract.ID {
			sent = r
		}
	}
	assert.Equal(t, contract.Money(2000), sent.Amount)
	assert.Equal(t, 3, sent.DaysUntil)
	assert.Equal(t, "pawn@example.com", sent.Contact)
	assert.Contains(t, sent.Subject, p.Contract.ContractNo)
}

func TestSweeper_NewDueDateIsNewBucket(t *testing.T) {
	// GIVEN: Period 1 was reminded and then paid
	// WHEN: Period 2 comes into the window
	// THEN: A second reminder is sent for the new due date

	f := newFixture(t)
	agg := f.installment(t)
	_, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)

	p, err := f.ledger.Submit(f.ctx, ledger.SubmitInput{ContractID: agg.Contract.ID, Amount: 10900})
	require.NoError(t, err)
	_, err = f.ledger.Verify(f.ctx, p.ID, contract.DecisionApprove, "", "staff-1")
	require.NoError(t, err)

	f.clock.AddDays(28) // Jan 29, period 2 due Jan 31
	summary, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, agg.Periods[1].DueDate, *summary.Details[0].DueDate)
}

func TestSweeper_OverdueMarksStatusFirst(t *testing.T) {
	f := newFixture(t)
	agg := f.installment(t)
	f.clock.AddDays(2)

	summary, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Sent)
	assert.Equal(t, contract.ReminderOverdue, summary.Details[0].Type)

	got, err := f.store.Get(f.ctx, agg.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusOverdue, got.Contract.Status)
}

func TestSweeper_ReportsEligibleForClosure(t *testing.T) {
	// GIVEN: Period 1 unpaid for 31 days
	// WHEN: The sweep runs
	// THEN: The contract is reported but stays overdue

	f := newFixture(t)
	agg := f.installment(t)
	f.clock.AddDays(31)

	summary, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []contract.ContractID{agg.Contract.ID}, summary.EligibleForClosure)

	got, err := f.store.Get(f.ctx, agg.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusOverdue, got.Contract.Status)
}

// =============================================================================
// MANUAL RE-SEND
// =============================================================================

func TestSweeper_RunContractIgnoresWindowButDedups(t *testing.T) {
	f := newFixture(t)
	p := f.pawn(t)

	first, err := f.sweeper.RunContract(f.ctx, p.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sent)
	assert.Equal(t, contract.ReminderUpcoming, first.Details[0].Type)

	second, err := f.sweeper.RunContract(f.ctx, p.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, f.notifier.count())
}

func TestSweeper_RunContractSkipsClosed(t *testing.T) {
	f := newFixture(t)
	agg := f.installment(t)
	_, err := f.ledger.Transition(f.ctx, agg.Contract.ID, status.ActionCancel, "staff-1", "customer request")
	require.NoError(t, err)

	summary, err := f.sweeper.RunContract(f.ctx, agg.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, "contract is cancelled", summary.Details[0].Reason)
	assert.Equal(t, 0, f.notifier.count())
}

func TestSweeper_RunContractUnknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.sweeper.RunContract(f.ctx, "missing")
	assert.ErrorIs(t, err, contract.ErrContractNotFound)
}
