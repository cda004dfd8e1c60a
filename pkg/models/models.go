package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentFrequency is how often an installment falls due.
type PaymentFrequency string

const (
	FrequencyMonthly    PaymentFrequency = "monthly"
	FrequencyQuarterly  PaymentFrequency = "quarterly"
	FrequencySemiAnnual PaymentFrequency = "semi-annual"
	FrequencyAnnual     PaymentFrequency = "annual"
)

// LoanParams are the contractual terms of a loan. Rates are annual percentages (5.5 means 5.5%).
type LoanParams struct {
	Principal               decimal.Decimal  `json:"principal"`
	FixedRate               decimal.Decimal  `json:"fixed_rate"`
	FloatingRate            decimal.Decimal  `json:"floating_rate"`
	FixedPeriodMonths       int              `json:"fixed_period_months"`
	TotalTermMonths         int              `json:"total_term_months"`
	StartDate               time.Time        `json:"start_date"`
	PaymentFrequency        PaymentFrequency `json:"payment_frequency"`
	PrepaymentFeePercentage decimal.Decimal  `json:"prepayment_fee_percentage"` // Fee as a percentage of prepaid principal
}

type Loan struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	LoanParams
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduledPayment is one planned installment of the flat principal plan.
type ScheduledPayment struct {
	ID                       uuid.UUID       `json:"id"`
	LoanID                   uuid.UUID       `json:"loan_id"`
	PaymentNumber            int             `json:"payment_number"` // 1-based
	ScheduledDate            time.Time       `json:"scheduled_date"`
	ScheduledPrincipalAmount decimal.Decimal `json:"scheduled_principal_amount"`
}

// ScheduledPaymentUpdate adjusts a single installment. Nil fields are left untouched.
type ScheduledPaymentUpdate struct {
	ID                       uuid.UUID        `json:"id"`
	ScheduledDate            *time.Time       `json:"scheduled_date,omitempty"`
	ScheduledPrincipalAmount *decimal.Decimal `json:"scheduled_principal_amount,omitempty"`
}

type PaymentType string

const (
	PaymentTypeManual             PaymentType = "MANUAL"
	PaymentTypeInterestCollection PaymentType = "INTEREST_COLLECTION" // Sweeps whatever interest is payable on the day
)

// Payment is a real cash movement recorded against a loan.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	PaymentDate   time.Time       `json:"payment_date"`
	PaymentAmount decimal.Decimal `json:"payment_amount"`
	Type          PaymentType     `json:"type"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EnrichedPayment is a Payment together with how it was allocated. It is
// derived on demand and never stored.
type EnrichedPayment struct {
	Payment
	PrincipalPaid    decimal.Decimal `json:"principal_paid"`
	InterestPaid     decimal.Decimal `json:"interest_paid"`
	PrepaymentFee    decimal.Decimal `json:"prepayment_fee"`
	PrepaymentAmount decimal.Decimal `json:"prepayment_amount"` // Prepaid principal, part of PrincipalPaid
	Unapplied        decimal.Decimal `json:"unapplied"`         // Cash beyond the outstanding balance
	BalanceAfter     decimal.Decimal `json:"balance_after"`
}

type LoanSummary struct {
	TotalInterestPaid      decimal.Decimal `json:"total_interest_paid"`
	TotalPrincipalPaid     decimal.Decimal `json:"total_principal_paid"`
	TotalAmountPaid        decimal.Decimal `json:"total_amount_paid"`
	TotalPrepaymentFees    decimal.Decimal `json:"total_prepayment_fees"`
	RemainingBalance       decimal.Decimal `json:"remaining_balance"`
	FixedPeriodInterest    decimal.Decimal `json:"fixed_period_interest"`
	FloatingPeriodInterest decimal.Decimal `json:"floating_period_interest"`
	NumberOfPayments       int             `json:"number_of_payments"`
	ActualPaymentsMade     int             `json:"actual_payments_made"`
	UnpaidAccruedInterest  decimal.Decimal `json:"unpaid_accrued_interest"`
	PayableInterest        decimal.Decimal `json:"payable_interest"`
	PayablePrincipal       decimal.Decimal `json:"payable_principal"`
	AsOf                   time.Time       `json:"as_of"`
}

type PaymentStatus string

const (
	StatusPending     PaymentStatus = "pending"
	StatusOutstanding PaymentStatus = "outstanding"
	StatusPartialPaid PaymentStatus = "partial-paid"
	StatusPaid        PaymentStatus = "paid"
)

// ScheduledPaymentView is a scheduled installment with its derived status.
type ScheduledPaymentView struct {
	ScheduledPayment
	DueInterest decimal.Decimal `json:"due_interest"` // Interest that came due on this date; zero until reached
	Status      PaymentStatus   `json:"status"`
}

type RateType string

const (
	RateTypeFixed    RateType = "fixed"
	RateTypeFloating RateType = "floating"
)

// AmortizationEntry is one row of the EMI-based amortization table.
type AmortizationEntry struct {
	PaymentNumber   int             `json:"payment_number"`
	PaymentDate     time.Time       `json:"payment_date"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
	InterestAmount  decimal.Decimal `json:"interest_amount"`
	PrincipalAmount decimal.Decimal `json:"principal_amount"`
	TotalPayment    decimal.Decimal `json:"total_payment"`
	ClosingBalance  decimal.Decimal `json:"closing_balance"`
	InterestRate    decimal.Decimal `json:"interest_rate"`
	RateType        RateType        `json:"rate_type"`
}
