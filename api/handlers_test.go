/*
handlers_test.go - HTTP tests for the contract API

Tests for:
- Contract creation (installment schedule, pawn quote)
- Submit/verify flow and the error status mapping
- Reminder sweep endpoint idempotence
- Metrics and health endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/contract/store"
	"github.com/warp/contract-engine/factory"
	"github.com/warp/contract-engine/ledger"
	"github.com/warp/contract-engine/metrics"
	"github.com/warp/contract-engine/reminder"
	"github.com/warp/contract-engine/status"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	clock := contract.FixedClock{At: time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	m := metrics.New()
	f := factory.New(mem, factory.Options{Clock: clock, Logger: log, Metrics: m})
	l := ledger.New(mem, ledger.Options{Engine: status.NewEngine(30), Clock: clock, Logger: log, Metrics: m})

	opts := reminder.DefaultOptions()
	opts.Clock = clock
	opts.Logger = log
	opts.Metrics = m
	s := reminder.NewSweeper(mem, mem, l, &reminder.LogNotifier{Logger: log}, opts)

	h := NewHandler(mem, f, l, s, clock, log)
	return &testServer{t: t, handler: NewRouter(h, RouterOptions{Metrics: m.Handler(), Logger: log})}
}

func (s *testServer) do(method, path string, body any, actor string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createInstallment(price int64) ContractDetailResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/contracts/installments", CreateInstallmentRequest{
		CustomerID: "cust-1", Contact: "cust@example.com", Price: price,
	}, "staff-1")
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ContractDetailResponse](s.t, rec)
}

func (s *testServer) submit(contractID string, req SubmitPaymentRequest) PaymentDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/contracts/"+contractID+"/payments", req, "cust-1")
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[PaymentDTO](s.t, rec)
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestCreateInstallment(t *testing.T) {
	// GIVEN: A price of 9999
	// WHEN: The plan is created
	// THEN: Periods are 3633/3333/3333 and the total is 10299

	s := newTestServer(t)
	detail := s.createInstallment(9999)

	assert.Equal(t, "active", detail.Contract.Status)
	assert.Equal(t, int64(300), detail.Contract.Fee)
	assert.Equal(t, int64(10299), detail.Contract.TotalAmount)
	assert.Equal(t, "staff-1", detail.Contract.CreatedBy)
	require.Len(t, detail.Periods, 3)
	assert.Equal(t, int64(3633), detail.Periods[0].AmountDue)
	assert.Equal(t, int64(3333), detail.Periods[1].AmountDue)
	assert.Equal(t, int64(3333), detail.Periods[2].AmountDue)
	assert.Equal(t, "2025-01-31", detail.Periods[1].DueDate.String())
	assert.Equal(t, int64(3633), detail.Quote.NextPeriodDue)
	assert.Empty(t, detail.Payments)
}

func TestCreateInstallment_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/contracts/installments", CreateInstallmentRequest{CustomerID: "cust-1", Price: 0}, "staff-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.Code)
	assert.Equal(t, "price", resp.Field)

	rec = s.do(http.MethodPost, "/api/contracts/installments", "not an object", "staff-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePawn(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/contracts/pawns", map[string]any{
		"customer_id":      "cust-2",
		"principal":        100000,
		"rate_percent":     "3",
		"item_description": "gold ring",
	}, "staff-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	detail := decodeBody[ContractDetailResponse](t, rec)
	assert.Equal(t, "pawn", detail.Contract.Kind)
	assert.Equal(t, int64(3000), detail.Contract.MonthlyInterest)
	assert.Equal(t, "3", detail.Contract.RatePercent)
	assert.Equal(t, int64(100000), detail.Quote.RedemptionAmount)
	assert.Equal(t, "2025-02-01", detail.Contract.NextDueDate.String())
	assert.Regexp(t, `^PWN-20250101-`, detail.Contract.ContractNo)
	assert.Empty(t, detail.Periods)
}

func TestGetContract_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/contracts/missing", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Code)
}

func TestListContracts_Filters(t *testing.T) {
	s := newTestServer(t)
	first := s.createInstallment(30000)
	s.createInstallment(60000)

	rec := s.do(http.MethodGet, "/api/contracts?status=active&kind=installment&customer_id=cust-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ContractDTO](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/contracts?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ContractDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/contracts?status=completed", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]ContractDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/contracts?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/api/contracts/"+first.Contract.ID, nil, "staff-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodGet, "/api/contracts/"+first.Contract.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetQuote_AsOf(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/contracts/pawns", CreatePawnRequest{
		CustomerID: "cust-2", Principal: 100000, ItemDescription: "watch",
	}, "staff-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[ContractDetailResponse](t, rec).Contract.ID

	// Two completed months by 2025-03-15 at the default 2%.
	rec = s.do(http.MethodGet, "/api/contracts/"+id+"/quote?as_of=2025-03-15", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[QuoteDTO](t, rec)
	assert.Equal(t, int64(4000), q.AccruedInterest)
	assert.Equal(t, int64(104000), q.RedemptionAmount)
	assert.Equal(t, 2, q.UnpaidPeriods)

	rec = s.do(http.MethodGet, "/api/contracts/"+id+"/quote?as_of=15-03-2025", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestSubmitAndVerify(t *testing.T) {
	// GIVEN: A 9999 plan
	// WHEN: Period 1 is submitted and approved
	// THEN: The response carries the new status and balances

	s := newTestServer(t)
	detail := s.createInstallment(9999)
	p := s.submit(detail.Contract.ID, SubmitPaymentRequest{Kind: "period", Amount: 3633, Evidence: "slip.jpg"})
	assert.Equal(t, "pending_verification", p.Status)
	assert.Equal(t, "cust-1", p.SubmittedBy)

	rec := s.do(http.MethodPost, "/api/payments/"+p.ID+"/verify", VerifyPaymentRequest{Decision: "approve"}, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[VerifyPaymentResponse](t, rec)
	assert.Equal(t, "active", resp.NewStatus)
	assert.Equal(t, int64(3633), resp.PaidAmount)
	assert.Equal(t, int64(6666), resp.RemainingAmount)
	assert.Equal(t, "verified", resp.Payment.Status)
	assert.Equal(t, "staff-1", resp.Payment.DecidedBy)

	// Second click
	rec = s.do(http.MethodPost, "/api/payments/"+p.ID+"/verify", VerifyPaymentRequest{Decision: "approve"}, "staff-2")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_processed", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodGet, "/api/payments/"+p.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "verified", decodeBody[PaymentDTO](t, rec).Status)
}

func TestVerify_RequiresActor(t *testing.T) {
	s := newTestServer(t)
	detail := s.createInstallment(9999)
	p := s.submit(detail.Contract.ID, SubmitPaymentRequest{Amount: 3633})

	rec := s.do(http.MethodPost, "/api/payments/"+p.ID+"/verify", VerifyPaymentRequest{Decision: "approve"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "actor", decodeBody[ErrorResponse](t, rec).Field)
}

func TestVerify_Reject(t *testing.T) {
	s := newTestServer(t)
	detail := s.createInstallment(9999)
	p := s.submit(detail.Contract.ID, SubmitPaymentRequest{Amount: 3633})

	rec := s.do(http.MethodPost, "/api/payments/"+p.ID+"/verify", VerifyPaymentRequest{Decision: "reject", Reason: "blurry slip"}, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[VerifyPaymentResponse](t, rec)
	assert.Equal(t, "rejected", resp.Payment.Status)
	assert.Equal(t, "blurry slip", resp.Payment.RejectReason)
	assert.Equal(t, int64(0), resp.PaidAmount)
}

func TestSubmit_TerminalContract(t *testing.T) {
	s := newTestServer(t)
	detail := s.createInstallment(9999)
	p := s.submit(detail.Contract.ID, SubmitPaymentRequest{Amount: 10299})
	rec := s.do(http.MethodPost, "/api/payments/"+p.ID+"/verify", VerifyPaymentRequest{Decision: "approve"}, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody[VerifyPaymentResponse](t, rec).NewStatus)

	rec = s.do(http.MethodPost, "/api/contracts/"+detail.Contract.ID+"/payments", SubmitPaymentRequest{Amount: 1}, "cust-1")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "terminal_state", decodeBody[ErrorResponse](t, rec).Code)
}

func TestTransition(t *testing.T) {
	s := newTestServer(t)
	detail := s.createInstallment(30000)

	rec := s.do(http.MethodPost, "/api/contracts/"+detail.Contract.ID+"/transitions", TransitionRequest{Action: "explode"}, "staff-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/contracts/"+detail.Contract.ID+"/transitions", TransitionRequest{Action: "default"}, "staff-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "not past the grace period")

	rec = s.do(http.MethodPost, "/api/contracts/"+detail.Contract.ID+"/transitions", TransitionRequest{Action: "cancel", Reason: "returned item"}, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeBody[ContractDetailResponse](t, rec).Contract.Status)

	rec = s.do(http.MethodPost, "/api/contracts/"+detail.Contract.ID+"/transitions", TransitionRequest{Action: "cancel"}, "staff-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMatchSlip(t *testing.T) {
	s := newTestServer(t)
	detail := s.createInstallment(30000)

	rec := s.do(http.MethodGet, "/api/customers/cust-1/slip-matches?amount=10900&tolerance=0", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	matches := decodeBody[[]SlipMatchDTO](t, rec)
	require.Len(t, matches, 1)
	assert.Equal(t, detail.Contract.ID, matches[0].ContractID)
	assert.Equal(t, int64(0), matches[0].Difference)

	rec = s.do(http.MethodGet, "/api/customers/cust-1/slip-matches?amount=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REMINDERS
// =============================================================================

func TestReminderSweep_Idempotent(t *testing.T) {
	s := newTestServer(t)
	detail := s.createInstallment(30000)

	rec := s.do(http.MethodPost, "/api/reminders/sweep", nil, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[reminder.Summary](t, rec)
	assert.Equal(t, 1, first.Sent)

	rec = s.do(http.MethodPost, "/api/reminders/sweep?contract_id="+detail.Contract.ID, nil, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[reminder.Summary](t, rec)
	assert.Equal(t, 0, second.Sent)
	assert.Equal(t, 1, second.Skipped)

	rec = s.do(http.MethodPost, "/api/reminders/sweep?contract_id=missing", nil, "staff-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type countingSweeper struct {
	runs atomic.Int32
}

func (c *countingSweeper) Run(context.Context) (*reminder.Summary, error) {
	c.runs.Add(1)
	return &reminder.Summary{}, nil
}

func TestReminderScheduler(t *testing.T) {
	sw := &countingSweeper{}

	_, err := NewReminderScheduler(sw, "whenever", nil)
	assert.Error(t, err)

	rs, err := NewReminderScheduler(sw, "@every 1h", nil)
	require.NoError(t, err)
	rs.runOnce()
	assert.Equal(t, int32(1), sw.runs.Load())

	rs.Start()
	rs.Start()
	rs.Stop()
	rs.Stop()
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestMetricsAndHealth(t *testing.T) {
	s := newTestServer(t)
	s.createInstallment(30000)

	rec := s.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `contracts_created_total{kind="installment"} 1`)
}
