/*
handlers.go - HTTP API handlers for the contract lifecycle engine

PURPOSE:
  Exposes contract creation, payment submission, staff verification and the
  reminder sweep via REST API. Handles HTTP request/response and JSON
  serialization; every rule lives in the factory, ledger and sweeper.

ENDPOINTS:
  Contracts:
    POST   /api/contracts/installments          Create installment plan
    POST   /api/contracts/pawns                 Create pawn loan
    GET    /api/contracts                       List (status, kind, customer_id, due_from, due_to, limit)
    GET    /api/contracts/{id}                  Detail with periods, payments, quote
    DELETE /api/contracts/{id}                  Delete with everything it owns
    GET    /api/contracts/{id}/quote            Amounts owed (as_of=YYYY-MM-DD)
    POST   /api/contracts/{id}/transitions      Staff action (activate, cancel, default, forfeit)

  Payments:
    POST   /api/contracts/{id}/payments         Submit payment (pending_verification)
    GET    /api/payments/{id}                   Payment detail
    POST   /api/payments/{id}/verify            Approve or reject

  Customers:
    GET    /api/customers/{id}/slip-matches     Which contract a slip amount pays

  Reminders:
    POST   /api/reminders/sweep                 Run the sweep (contract_id= for one)

IDENTITY:
  The caller's identity arrives in the X-Actor-ID header, set by the
  gateway in front of this service. Staff actions require it.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Contract or payment not found
  - 409: Already processed, duplicate, or lost the optimistic lock
  - 422: Contract is in a terminal state
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/factory"
	"github.com/warp/contract-engine/ledger"
	"github.com/warp/contract-engine/reminder"
	"github.com/warp/contract-engine/status"
)

// ActorHeader carries the authenticated caller id.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   contract.Store
	Factory *factory.ContractFactory
	Ledger  *ledger.Ledger
	Sweeper *reminder.Sweeper

	Clock         contract.Clock
	SlipTolerance contract.Money

	log logrus.FieldLogger
}

func NewHandler(store contract.Store, f *factory.ContractFactory, l *ledger.Ledger, s *reminder.Sweeper, clock contract.Clock, logger logrus.FieldLogger) *Handler {
	if clock == nil {
		clock = contract.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Store:         store,
		Factory:       f,
		Ledger:        l,
		Sweeper:       s,
		Clock:         clock,
		SlipTolerance: ledger.DefaultSlipTolerance,
		log:           logger.WithField("component", "api"),
	}
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

func (h *Handler) CreateInstallment(w http.ResponseWriter, r *http.Request) {
	var req CreateInstallmentRequest
	if !decode(w, r, &req) {
		return
	}

	agg, err := h.Factory.CreateInstallment(r.Context(), factory.InstallmentInput{
		CustomerID:      contract.CustomerID(req.CustomerID),
		Contact:         req.Contact,
		Price:           contract.Money(req.Price),
		Note:            req.Note,
		StartDate:       req.StartDate,
		CreatedBy:       actor(r),
		RequireApproval: req.RequireApproval,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeDetail(w, r.Context(), http.StatusCreated, agg)
}

func (h *Handler) CreatePawn(w http.ResponseWriter, r *http.Request) {
	var req CreatePawnRequest
	if !decode(w, r, &req) {
		return
	}

	agg, err := h.Factory.CreatePawn(r.Context(), factory.PawnInput{
		CustomerID:      contract.CustomerID(req.CustomerID),
		Contact:         req.Contact,
		Principal:       contract.Money(req.Principal),
		AppraisedValue:  contract.Money(req.AppraisedValue),
		LoanPercent:     req.LoanPercent,
		RatePercent:     req.RatePercent,
		DueDate:         req.DueDate,
		StartDate:       req.StartDate,
		ItemDescription: req.ItemDescription,
		CreatedBy:       actor(r),
		RequireApproval: req.RequireApproval,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeDetail(w, r.Context(), http.StatusCreated, agg)
}

func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	list, err := h.Store.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]ContractDTO, len(list))
	for i := range list {
		dtos[i] = toContractDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	agg, err := h.Store.Get(r.Context(), contractID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeDetail(w, r.Context(), http.StatusOK, agg)
}

func (h *Handler) DeleteContract(w http.ResponseWriter, r *http.Request) {
	id := contractID(r)
	if err := h.Store.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.log.WithFields(logrus.Fields{"contract_id": id, "actor": actor(r)}).Info("contract deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	asOf := contract.Today(h.Clock)
	if s := r.URL.Query().Get("as_of"); s != "" {
		d, err := contract.ParseDate(s)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		asOf = d
	}

	q, err := h.Ledger.Quote(r.Context(), contractID(r), asOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

func (h *Handler) TransitionContract(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	who, ok := requireActor(w, r)
	if !ok {
		return
	}
	action, err := status.ParseAction(req.Action)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	agg, err := h.Ledger.Transition(r.Context(), contractID(r), action, who, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeDetail(w, r.Context(), http.StatusOK, agg)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req SubmitPaymentRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.Ledger.Submit(r.Context(), ledger.SubmitInput{
		ContractID:   contractID(r),
		Kind:         contract.PaymentKind(req.Kind),
		Amount:       contract.Money(req.Amount),
		PeriodNumber: req.PeriodNumber,
		Evidence:     req.Evidence,
		SubmittedBy:  actor(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPayment(r.Context(), contract.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	who, ok := requireActor(w, r)
	if !ok {
		return
	}

	res, err := h.Ledger.Verify(r.Context(), contract.PaymentID(chi.URLParam(r, "id")), contract.Decision(req.Decision), req.Reason, who)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	c := toContractDTO(&res.Aggregate.Contract)
	writeJSON(w, http.StatusOK, VerifyPaymentResponse{
		Payment:         toPaymentDTO(&res.Payment),
		ContractID:      c.ID,
		NewStatus:       c.Status,
		PaidAmount:      c.PaidAmount,
		RemainingAmount: c.RemainingAmount,
	})
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) MatchSlip(w http.ResponseWriter, r *http.Request) {
	amount, err := queryMoney(r, "amount")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	tolerance := h.SlipTolerance
	if r.URL.Query().Has("tolerance") {
		if tolerance, err = queryMoney(r, "tolerance"); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	matches, err := h.Ledger.MatchSlip(r.Context(), contract.CustomerID(chi.URLParam(r, "id")), amount, tolerance)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]SlipMatchDTO, len(matches))
	for i, m := range matches {
		dtos[i] = SlipMatchDTO{
			ContractID: string(m.ContractID),
			ContractNo: m.ContractNo,
			Kind:       string(m.Kind),
			Expected:   int64(m.Expected),
			Difference: int64(m.Difference),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REMINDER HANDLERS
// =============================================================================

func (h *Handler) RunReminderSweep(w http.ResponseWriter, r *http.Request) {
	var (
		summary *reminder.Summary
		err     error
	)
	if id := r.URL.Query().Get("contract_id"); id != "" {
		summary, err = h.Sweeper.RunContract(r.Context(), contract.ContractID(id))
	} else {
		summary, err = h.Sweeper.Run(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeDetail(w http.ResponseWriter, ctx context.Context, code int, agg *contract.Aggregate) {
	q, err := h.Ledger.Quote(ctx, agg.Contract.ID, contract.Today(h.Clock))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to quote contract", err)
		return
	}
	writeJSON(w, code, ContractDetailResponse{
		Contract: toContractDTO(&agg.Contract),
		Periods:  toPeriodDTOs(agg.Periods),
		Payments: toPaymentDTOs(agg.Payments),
		Quote:    toQuoteDTO(q),
	})
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *contract.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Message, Code: "validation", Field: ve.Field})
	case contract.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, contract.ErrAlreadyProcessed):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_processed"})
	case errors.Is(err, contract.ErrDuplicateReference):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate"})
	case contract.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Contract was modified concurrently, please retry", Code: "conflict", Details: err.Error()})
	case errors.Is(err, contract.ErrTerminalState):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "terminal_state"})
	default:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func actor(r *http.Request) contract.ActorID {
	return contract.ActorID(strings.TrimSpace(r.Header.Get(ActorHeader)))
}

func requireActor(w http.ResponseWriter, r *http.Request) (contract.ActorID, bool) {
	a := actor(r)
	if a == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ActorHeader + " header is required", Code: "validation", Field: "actor"})
		return "", false
	}
	return a, true
}

func contractID(r *http.Request) contract.ContractID {
	return contract.ContractID(chi.URLParam(r, "id"))
}

func queryMoney(r *http.Request, name string) (contract.Money, error) {
	s := r.URL.Query().Get(name)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, contract.Invalid(name, "must be an integer amount in minor units, got %q", s)
	}
	return contract.Money(n), nil
}

func parseFilter(r *http.Request) (contract.Filter, error) {
	q := r.URL.Query()
	var f contract.Filter
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st, err := contract.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if s := q.Get("kind"); s != "" {
		k := contract.Kind(s)
		if !k.Valid() {
			return f, contract.Invalid("kind", "unknown kind %q", s)
		}
		f.Kind = k
	}
	f.CustomerID = contract.CustomerID(q.Get("customer_id"))
	for name, dst := range map[string]**contract.Date{"due_from": &f.DueFrom, "due_to": &f.DueTo} {
		if s := q.Get(name); s != "" {
			d, err := contract.ParseDate(s)
			if err != nil {
				return f, err
			}
			*dst = &d
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, contract.Invalid("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}
