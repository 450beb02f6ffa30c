/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND DATES:
  Money is always an integer count of minor units (never a float).
  A formatted "display" string is added next to the headline amounts.
  Dates are YYYY-MM-DD calendar dates.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/ledger"
	"github.com/warp/contract-engine/schedule"
	"github.com/warp/contract-engine/status"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateInstallmentRequest struct {
	CustomerID      string         `json:"customer_id"`
	Contact         string         `json:"contact"`
	Price           int64          `json:"price"`
	Note            string         `json:"note"`
	StartDate       *contract.Date `json:"start_date,omitempty"`
	RequireApproval *bool          `json:"require_approval,omitempty"`
}

type CreatePawnRequest struct {
	CustomerID      string           `json:"customer_id"`
	Contact         string           `json:"contact"`
	Principal       int64            `json:"principal"`
	AppraisedValue  int64            `json:"appraised_value"`
	LoanPercent     *decimal.Decimal `json:"loan_percent,omitempty"`
	RatePercent     *decimal.Decimal `json:"rate_percent,omitempty"`
	DueDate         *contract.Date   `json:"due_date,omitempty"`
	StartDate       *contract.Date   `json:"start_date,omitempty"`
	ItemDescription string           `json:"item_description"`
	RequireApproval *bool            `json:"require_approval,omitempty"`
}

type SubmitPaymentRequest struct {
	Kind         string `json:"kind"` // period | interest | redemption
	Amount       int64  `json:"amount"`
	PeriodNumber *int   `json:"period_number,omitempty"`
	Evidence     string `json:"evidence"`
}

type VerifyPaymentRequest struct {
	Decision string `json:"decision"` // approve | reject
	Reason   string `json:"reason"`
}

type TransitionRequest struct {
	Action string `json:"action"` // activate | cancel | default | forfeit
	Reason string `json:"reason"`
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractDTO struct {
	ID              string         `json:"id"`
	ContractNo      string         `json:"contract_no"`
	CustomerID      string         `json:"customer_id"`
	Contact         string         `json:"contact,omitempty"`
	Kind            string         `json:"kind"`
	Status          string         `json:"status"`
	Principal       int64          `json:"principal"`
	Fee             int64          `json:"fee"`
	TotalAmount     int64          `json:"total_amount"`
	RatePercent     string         `json:"rate_percent,omitempty"`
	AppraisedValue  int64          `json:"appraised_value,omitempty"`
	LoanPercent     string         `json:"loan_percent,omitempty"`
	MonthlyInterest int64          `json:"monthly_interest,omitempty"`
	TotalPeriods    int            `json:"total_periods"`
	PaidPeriods     int            `json:"paid_periods"`
	PaidAmount      int64          `json:"paid_amount"`
	InterestPaid    int64          `json:"interest_paid,omitempty"`
	RemainingAmount int64          `json:"remaining_amount"`
	Display         string         `json:"display"`
	StartDate       contract.Date  `json:"start_date"`
	NextDueDate     *contract.Date `json:"next_due_date,omitempty"`
	FinalDueDate    *contract.Date `json:"final_due_date,omitempty"`
	Note            string         `json:"note,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Revision        int64          `json:"revision"`
}

type PeriodDTO struct {
	Number     int           `json:"number"`
	DueDate    contract.Date `json:"due_date"`
	AmountDue  int64         `json:"amount_due"`
	PaidAmount int64         `json:"paid_amount"`
	Status     string        `json:"status"`
	PaidAt     *time.Time    `json:"paid_at,omitempty"`
}

type PaymentDTO struct {
	ID            string     `json:"id"`
	ContractID    string     `json:"contract_id"`
	Kind          string     `json:"kind"`
	Amount        int64      `json:"amount"`
	PeriodNumber  *int       `json:"period_number,omitempty"`
	Evidence      string     `json:"evidence,omitempty"`
	ReferenceCode string     `json:"reference_code"`
	Status        string     `json:"status"`
	RejectReason  string     `json:"reject_reason,omitempty"`
	SubmittedBy   string     `json:"submitted_by,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

type InterestPeriodDTO struct {
	Number  int           `json:"number"`
	DueDate contract.Date `json:"due_date"`
	Amount  int64         `json:"amount"`
	Status  string        `json:"status"`
}

type EligibilityDTO struct {
	DaysOverdue int  `json:"days_overdue"`
	GraceDays   int  `json:"grace_days"`
	CanDefault  bool `json:"can_default"`
	CanForfeit  bool `json:"can_forfeit"`
}

type QuoteDTO struct {
	AsOf   contract.Date `json:"as_of"`
	Status string        `json:"status"`

	Remaining     int64 `json:"remaining,omitempty"`
	NextPeriod    int   `json:"next_period,omitempty"`
	NextPeriodDue int64 `json:"next_period_due,omitempty"`

	MonthlyInterest  int64               `json:"monthly_interest,omitempty"`
	UnpaidPeriods    int                 `json:"unpaid_periods,omitempty"`
	AccruedInterest  int64               `json:"accrued_interest,omitempty"`
	RedemptionAmount int64               `json:"redemption_amount,omitempty"`
	ExtensionsLeft   int                 `json:"extensions_left,omitempty"`
	InterestSchedule []InterestPeriodDTO `json:"interest_schedule,omitempty"`

	NextDueDate *contract.Date `json:"next_due_date,omitempty"`
	Eligibility EligibilityDTO `json:"eligibility"`
}

// ContractDetailResponse is the full view of one contract.
type ContractDetailResponse struct {
	Contract ContractDTO  `json:"contract"`
	Periods  []PeriodDTO  `json:"periods,omitempty"`
	Payments []PaymentDTO `json:"payments"`
	Quote    QuoteDTO     `json:"quote"`
}

type VerifyPaymentResponse struct {
	Payment         PaymentDTO `json:"payment"`
	ContractID      string     `json:"contract_id"`
	NewStatus       string     `json:"new_status"`
	PaidAmount      int64      `json:"paid_amount"`
	RemainingAmount int64      `json:"remaining_amount"`
}

type SlipMatchDTO struct {
	ContractID string `json:"contract_id"`
	ContractNo string `json:"contract_no"`
	Kind       string `json:"kind"`
	Expected   int64  `json:"expected"`
	Difference int64  `json:"difference"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toContractDTO(c *contract.Contract) ContractDTO {
	dto := ContractDTO{
		ID:              string(c.ID),
		ContractNo:      c.ContractNo,
		CustomerID:      string(c.CustomerID),
		Contact:         c.Contact,
		Kind:            string(c.Kind),
		Status:          string(c.Status),
		Principal:       int64(c.Principal),
		Fee:             int64(c.Fee),
		MonthlyInterest: int64(c.MonthlyInterest),
		TotalPeriods:    c.TotalPeriods,
		PaidPeriods:     c.PaidPeriods,
		PaidAmount:      int64(c.PaidAmount),
		InterestPaid:    int64(c.InterestPaid),
		StartDate:       c.StartDate,
		NextDueDate:     c.NextDueDate,
		FinalDueDate:    c.FinalDueDate,
		Note:            c.Note,
		CreatedBy:       string(c.CreatedBy),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		Revision:        c.Revision,
	}
	switch c.Kind {
	case contract.KindInstallment:
		dto.TotalAmount = int64(c.TotalAmount())
		dto.RemainingAmount = int64(c.Remaining())
		dto.Display = c.Remaining().String() + " remaining"
	case contract.KindPawn:
		dto.RatePercent = c.RatePercent.String()
		dto.AppraisedValue = int64(c.AppraisedValue)
		if c.AppraisedValue > 0 {
			dto.LoanPercent = c.LoanPercent.String()
		}
		dto.TotalAmount = int64(c.TotalAmount())
		dto.RemainingAmount = int64(c.Remaining())
		dto.Display = c.Principal.String() + " principal"
	}
	return dto
}

func toPeriodDTOs(periods []contract.Period) []PeriodDTO {
	if len(periods) == 0 {
		return nil
	}
	out := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		out[i] = PeriodDTO{
			Number:     p.Number,
			DueDate:    p.DueDate,
			AmountDue:  int64(p.AmountDue),
			PaidAmount: int64(p.PaidAmount),
			Status:     string(p.Status),
			PaidAt:     p.PaidAt,
		}
	}
	return out
}

func toPaymentDTO(p *contract.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		ContractID:    string(p.ContractID),
		Kind:          string(p.Kind),
		Amount:        int64(p.Amount),
		PeriodNumber:  p.PeriodNumber,
		Evidence:      p.Evidence,
		ReferenceCode: p.ReferenceCode,
		Status:        string(p.Status),
		RejectReason:  p.RejectReason,
		SubmittedBy:   string(p.SubmittedBy),
		SubmittedAt:   p.SubmittedAt,
		DecidedBy:     string(p.DecidedBy),
		DecidedAt:     p.DecidedAt,
	}
}

func toPaymentDTOs(payments []contract.Payment) []PaymentDTO {
	out := make([]PaymentDTO, len(payments))
	for i := range payments {
		out[i] = toPaymentDTO(&payments[i])
	}
	return out
}

func toQuoteDTO(q *ledger.Quote) QuoteDTO {
	return QuoteDTO{
		AsOf:             q.AsOf,
		Status:           string(q.Status),
		Remaining:        int64(q.Remaining),
		NextPeriod:       q.NextPeriod,
		NextPeriodDue:    int64(q.NextPeriodDue),
		MonthlyInterest:  int64(q.MonthlyInterest),
		UnpaidPeriods:    q.UnpaidPeriods,
		AccruedInterest:  int64(q.AccruedInterest),
		RedemptionAmount: int64(q.RedemptionAmount),
		ExtensionsLeft:   q.ExtensionsLeft,
		InterestSchedule: toInterestDTOs(q.InterestSchedule),
		NextDueDate:      q.NextDueDate,
		Eligibility:      toEligibilityDTO(q.Eligibility),
	}
}

func toInterestDTOs(periods []schedule.InterestPeriod) []InterestPeriodDTO {
	if len(periods) == 0 {
		return nil
	}
	out := make([]InterestPeriodDTO, len(periods))
	for i, p := range periods {
		out[i] = InterestPeriodDTO{
			Number:  p.Number,
			DueDate: p.DueDate,
			Amount:  int64(p.Amount),
			Status:  string(p.Status),
		}
	}
	return out
}

func toEligibilityDTO(e status.Eligibility) EligibilityDTO {
	return EligibilityDTO{
		DaysOverdue: e.DaysOverdue,
		GraceDays:   e.GraceDays,
		CanDefault:  e.CanDefault,
		CanForfeit:  e.CanForfeit,
	}
}
