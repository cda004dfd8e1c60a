package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/floatloan/pkg/amortization"
	"github.com/mcclellann/floatloan/pkg/cache"
	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/mcclellann/floatloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// ValidationError reports input the ledger refuses to store or compute with.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Ledger handles the business logic for loans, their plan and their payments.
// Every figure it reports is recomputed from the stored loan, schedule and
// payments; only summaries are cached.
type Ledger struct {
	storage store.Storage
	cache   cache.SummaryCache
	logger  *zap.Logger
	now     func() time.Time
}

// NewLedger creates a new Ledger. A nil cache keeps summaries in process memory
// and a nil logger discards log output.
func NewLedger(s store.Storage, c cache.SummaryCache, logger *zap.Logger) *Ledger {
	if c == nil {
		c = cache.NewMemorySummaryCache(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		storage: s,
		cache:   c,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *Ledger) today() time.Time {
	return amortization.Day(l.now())
}

func validateParams(p models.LoanParams) error {
	if !p.Principal.IsPositive() {
		return invalid("principal", "must be greater than zero")
	}
	if p.FixedRate.IsNegative() {
		return invalid("fixed_rate", "must not be negative")
	}
	if p.FloatingRate.IsNegative() {
		return invalid("floating_rate", "must not be negative")
	}
	if p.TotalTermMonths <= 0 {
		return invalid("total_term_months", "must be greater than zero")
	}
	if p.FixedPeriodMonths < 0 || p.FixedPeriodMonths > p.TotalTermMonths {
		return invalid("fixed_period_months", "must be between 0 and total_term_months")
	}
	if p.StartDate.IsZero() {
		return invalid("start_date", "is required")
	}
	switch p.PaymentFrequency {
	case models.FrequencyMonthly, models.FrequencyQuarterly, models.FrequencySemiAnnual, models.FrequencyAnnual:
	default:
		return invalid("payment_frequency", "unknown frequency %q", p.PaymentFrequency)
	}
	if p.PrepaymentFeePercentage.IsNegative() {
		return invalid("prepayment_fee_percentage", "must not be negative")
	}
	return nil
}

// CreateLoan validates the terms, generates the flat principal plan and stores both.
func (l *Ledger) CreateLoan(ctx context.Context, name string, p models.LoanParams) (*models.Loan, []models.ScheduledPayment, error) {
	p.StartDate = amortization.Day(p.StartDate)
	if err := validateParams(p); err != nil {
		return nil, nil, err
	}

	now := l.now().UTC()
	loan := &models.Loan{
		ID:         uuid.New(),
		Name:       name,
		LoanParams: p,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	schedule := amortization.GenerateSchedule(p)
	for i := range schedule {
		schedule[i].ID = uuid.New()
		schedule[i].LoanID = loan.ID
	}

	if err := l.storage.CreateLoan(loan, schedule); err != nil {
		return nil, nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.logger.Info("loan created",
		zap.String("op", "ledger.CreateLoan"),
		zap.String("loan_id", loan.ID.String()),
		zap.String("principal", p.Principal.String()),
		zap.Int("installments", len(schedule)),
	)
	return loan, schedule, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans()
}

// DeleteLoan deletes a loan with its plan and payments.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	if err := l.storage.DeleteLoan(id); err != nil {
		return err
	}
	l.invalidate(ctx, id, "ledger.DeleteLoan")
	l.logger.Info("loan deleted", zap.String("op", "ledger.DeleteLoan"), zap.String("loan_id", id.String()))
	return nil
}

// PaymentInput is a payment as submitted by a caller.
type PaymentInput struct {
	Date   time.Time
	Amount decimal.Decimal
	Type   models.PaymentType
	Notes  string
}

// RecordPayment stores a payment. MANUAL payments need a positive amount;
// INTEREST_COLLECTION payments take whatever interest is payable on their date
// and their amount is ignored.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, in PaymentInput) (*models.Payment, error) {
	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}

	if in.Type == "" {
		in.Type = models.PaymentTypeManual
	}
	switch in.Type {
	case models.PaymentTypeManual:
		if !in.Amount.IsPositive() {
			return nil, invalid("payment_amount", "must be greater than zero")
		}
	case models.PaymentTypeInterestCollection:
		if in.Amount.IsNegative() {
			return nil, invalid("payment_amount", "must not be negative")
		}
	default:
		return nil, invalid("type", "unknown payment type %q", in.Type)
	}
	if in.Date.IsZero() {
		return nil, invalid("payment_date", "is required")
	}
	date := amortization.Day(in.Date)
	if !date.After(loan.StartDate) {
		return nil, invalid("payment_date", "must be after the loan start date %s", loan.StartDate.Format(dateLayout))
	}

	payment := &models.Payment{
		ID:            uuid.New(),
		LoanID:        loanID,
		PaymentDate:   date,
		PaymentAmount: in.Amount,
		Type:          in.Type,
		Notes:         in.Notes,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.storage.CreatePayment(payment); err != nil {
		return nil, fmt.Errorf("failed to store payment: %w", err)
	}
	l.invalidate(ctx, loanID, "ledger.RecordPayment")

	l.logger.Info("payment recorded",
		zap.String("op", "ledger.RecordPayment"),
		zap.String("loan_id", loanID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("type", string(payment.Type)),
		zap.String("amount", payment.PaymentAmount.String()),
	)
	return payment, nil
}

// DeletePayment removes a recorded payment. Later allocations shift accordingly.
func (l *Ledger) DeletePayment(ctx context.Context, loanID, paymentID uuid.UUID) error {
	if err := l.storage.DeletePayment(loanID, paymentID); err != nil {
		return err
	}
	l.invalidate(ctx, loanID, "ledger.DeletePayment")
	return nil
}

// ListPayments returns the stored payments without allocation.
func (l *Ledger) ListPayments(ctx context.Context, loanID uuid.UUID) ([]models.Payment, error) {
	if _, err := l.storage.GetLoan(loanID); err != nil {
		return nil, err
	}
	return l.storage.ListPayments(loanID)
}

// snapshot loads everything the simulator needs for one loan.
type snapshot struct {
	loan     *models.Loan
	schedule []models.ScheduledPayment
	payments []models.Payment
}

func (l *Ledger) load(loanID uuid.UUID) (*snapshot, error) {
	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	schedule, err := l.storage.ListScheduledPayments(loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	payments, err := l.storage.ListPayments(loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}
	return &snapshot{loan: loan, schedule: schedule, payments: payments}, nil
}

func (s *snapshot) simulate(asOf time.Time) amortization.LedgerResult {
	return amortization.SimulateLedger(s.loan.LoanParams, s.schedule, s.payments, asOf)
}

func (l *Ledger) asOfOrToday(asOf time.Time) time.Time {
	if asOf.IsZero() {
		return l.today()
	}
	return amortization.Day(asOf)
}

// EnrichedPayments allocates every payment dated up to asOf (today when zero).
func (l *Ledger) EnrichedPayments(ctx context.Context, loanID uuid.UUID, asOf time.Time) ([]models.EnrichedPayment, error) {
	snap, err := l.load(loanID)
	if err != nil {
		return nil, err
	}
	res := snap.simulate(l.asOfOrToday(asOf))
	if res.Payments == nil {
		return []models.EnrichedPayment{}, nil
	}
	return res.Payments, nil
}

// Schedule returns the plan with each installment's status as of asOf (today when zero).
func (l *Ledger) Schedule(ctx context.Context, loanID uuid.UUID, asOf time.Time) ([]models.ScheduledPaymentView, error) {
	snap, err := l.load(loanID)
	if err != nil {
		return nil, err
	}
	return amortization.ScheduleStatuses(snap.schedule, snap.simulate(l.asOfOrToday(asOf))), nil
}

// UpdateSchedule applies a batch of installment adjustments atomically. The
// merged plan must keep positive principal amounts and installment dates
// strictly increasing with payment number, all after the loan start date.
func (l *Ledger) UpdateSchedule(ctx context.Context, loanID uuid.UUID, updates []models.ScheduledPaymentUpdate) ([]models.ScheduledPayment, error) {
	if len(updates) == 0 {
		return nil, invalid("updates", "at least one update is required")
	}
	for i := range updates {
		u := &updates[i]
		if u.ID == uuid.Nil {
			return nil, invalid("id", "update %d has no id", i)
		}
		if u.ScheduledDate == nil && u.ScheduledPrincipalAmount == nil {
			return nil, invalid("updates", "update %s changes nothing", u.ID)
		}
		if u.ScheduledPrincipalAmount != nil && !u.ScheduledPrincipalAmount.IsPositive() {
			return nil, invalid("scheduled_principal_amount", "must be greater than zero")
		}
		if u.ScheduledDate != nil {
			d := amortization.Day(*u.ScheduledDate)
			u.ScheduledDate = &d
		}
	}

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	current, err := l.storage.ListScheduledPayments(loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	if err := validatePlan(loan.StartDate, current, updates); err != nil {
		return nil, err
	}

	schedule, err := l.storage.UpdateScheduledPayments(loanID, updates)
	if err != nil {
		return nil, err
	}
	l.invalidate(ctx, loanID, "ledger.UpdateSchedule")

	l.logger.Info("schedule updated",
		zap.String("op", "ledger.UpdateSchedule"),
		zap.String("loan_id", loanID.String()),
		zap.Int("updates", len(updates)),
	)
	return schedule, nil
}

// validatePlan applies updates to a copy of the plan and checks the result.
func validatePlan(start time.Time, schedule []models.ScheduledPayment, updates []models.ScheduledPaymentUpdate) error {
	merged := make([]models.ScheduledPayment, len(schedule))
	copy(merged, schedule)
	byID := make(map[uuid.UUID]int, len(merged))
	for i, s := range merged {
		byID[s.ID] = i
	}
	for _, u := range updates {
		i, ok := byID[u.ID]
		if !ok {
			return fmt.Errorf("scheduled payment %s: %w", u.ID, store.ErrNotFound)
		}
		if u.ScheduledDate != nil {
			merged[i].ScheduledDate = *u.ScheduledDate
		}
		if u.ScheduledPrincipalAmount != nil {
			merged[i].ScheduledPrincipalAmount = *u.ScheduledPrincipalAmount
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].PaymentNumber < merged[j].PaymentNumber
	})
	prev := amortization.Day(start)
	for i, s := range merged {
		date := amortization.Day(s.ScheduledDate)
		if !date.After(prev) {
			if i == 0 {
				return invalid("scheduled_date", "installment %d on %s must fall after the loan start date %s",
					s.PaymentNumber, date.Format(dateLayout), prev.Format(dateLayout))
			}
			return invalid("scheduled_date", "installment %d on %s must fall after installment %d on %s",
				s.PaymentNumber, date.Format(dateLayout), merged[i-1].PaymentNumber, prev.Format(dateLayout))
		}
		prev = date
	}
	return nil
}

// DeleteScheduledPayment drops one installment from the plan.
func (l *Ledger) DeleteScheduledPayment(ctx context.Context, loanID, id uuid.UUID) error {
	if err := l.storage.DeleteScheduledPayment(loanID, id); err != nil {
		return err
	}
	l.invalidate(ctx, loanID, "ledger.DeleteScheduledPayment")
	return nil
}

// Amortization returns the EMI table for the loan's terms. It is informational
// and independent of the stored plan and payments.
func (l *Ledger) Amortization(ctx context.Context, loanID uuid.UUID) ([]models.AmortizationEntry, error) {
	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	return amortization.GenerateAmortization(loan.LoanParams), nil
}

// Summary aggregates the ledger as of asOf (today when zero). Results are
// cached per loan and date until the loan's plan or payments change.
//
// The cache field carries the loan's cache generation read before loading, so
// a summary computed while a mutation invalidates the loan is written under a
// field that later reads no longer look up.
func (l *Ledger) Summary(ctx context.Context, loanID uuid.UUID, asOf time.Time) (*models.LoanSummary, error) {
	asOf = l.asOfOrToday(asOf)

	gen, err := l.cache.Generation(ctx, loanID)
	cacheable := err == nil
	if err != nil {
		l.logger.Warn("summary cache unavailable",
			zap.String("op", "ledger.Summary"),
			zap.String("loan_id", loanID.String()),
			zap.Error(err),
		)
	}
	field := summaryField(asOf, gen)

	if cacheable {
		if summary, ok := l.cachedSummary(ctx, loanID, field); ok {
			return summary, nil
		}
	}

	snap, err := l.load(loanID)
	if err != nil {
		return nil, err
	}
	summary := amortization.Summarize(snap.loan.LoanParams, snap.schedule, snap.payments, asOf)

	if !cacheable {
		return &summary, nil
	}
	if encoded, err := json.Marshal(summary); err == nil {
		if err := l.cache.Set(ctx, loanID, field, encoded); err != nil {
			l.logger.Warn("failed to cache summary",
				zap.String("op", "ledger.Summary"),
				zap.String("loan_id", loanID.String()),
				zap.Error(err),
			)
		}
	}
	return &summary, nil
}

func summaryField(asOf time.Time, gen int64) string {
	return fmt.Sprintf("%s@%d", asOf.Format(dateLayout), gen)
}

func (l *Ledger) cachedSummary(ctx context.Context, loanID uuid.UUID, field string) (*models.LoanSummary, bool) {
	cached, ok, err := l.cache.Get(ctx, loanID, field)
	if err != nil {
		l.logger.Warn("failed to read cached summary",
			zap.String("op", "ledger.Summary"),
			zap.String("loan_id", loanID.String()),
			zap.Error(err),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var summary models.LoanSummary
	if err := json.Unmarshal(cached, &summary); err != nil {
		l.logger.Warn("discarding unreadable cached summary",
			zap.String("op", "ledger.Summary"),
			zap.String("loan_id", loanID.String()),
		)
		return nil, false
	}
	return &summary, true
}

// AccruedInterest is all interest accrued from the loan start up to upTo,
// whether or not it has fallen due or been paid.
func (l *Ledger) AccruedInterest(ctx context.Context, loanID uuid.UUID, upTo time.Time) (decimal.Decimal, error) {
	if upTo.IsZero() {
		return decimal.Zero, invalid("upToDate", "is required")
	}
	snap, err := l.load(loanID)
	if err != nil {
		return decimal.Zero, err
	}
	upTo = amortization.Day(upTo)
	res := snap.simulate(upTo)
	return amortization.TotalAccruedInterest(snap.loan.LoanParams, res.Payments, upTo), nil
}

func (l *Ledger) invalidate(ctx context.Context, loanID uuid.UUID, op string) {
	if err := l.cache.Invalidate(ctx, loanID); err != nil {
		l.logger.Warn("failed to invalidate cached summaries",
			zap.String("op", op),
			zap.String("loan_id", loanID.String()),
			zap.Error(err),
		)
	}
}
