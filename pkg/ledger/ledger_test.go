package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/mcclellann/floatloan/pkg/cache"
	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/mcclellann/floatloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	loans     map[uuid.UUID]*models.Loan
	schedules map[uuid.UUID][]models.ScheduledPayment
	payments  []models.Payment

	// afterListPayments runs once ListPayments has taken its copy, standing in
	// for a write that lands while a reader is still computing.
	afterListPayments func()
}

func NewMockStore() *MockStore {
	return &MockStore{
		loans:     make(map[uuid.UUID]*models.Loan),
		schedules: make(map[uuid.UUID][]models.ScheduledPayment),
	}
}

func (m *MockStore) CreateLoan(loan *models.Loan, schedule []models.ScheduledPayment) error {
	m.loans[loan.ID] = loan
	m.schedules[loan.ID] = append([]models.ScheduledPayment(nil), schedule...)
	return nil
}

func (m *MockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, store.ErrNotFound)
	}
	return loan, nil
}

func (m *MockStore) GetAllLoans() ([]*models.Loan, error) {
	loans := []*models.Loan{}
	for _, l := range m.loans {
		loans = append(loans, l)
	}
	return loans, nil
}

func (m *MockStore) DeleteLoan(id uuid.UUID) error {
	if _, ok := m.loans[id]; !ok {
		return fmt.Errorf("loan %s: %w", id, store.ErrNotFound)
	}
	delete(m.loans, id)
	delete(m.schedules, id)
	return nil
}

func (m *MockStore) ListScheduledPayments(loanID uuid.UUID) ([]models.ScheduledPayment, error) {
	return append([]models.ScheduledPayment{}, m.schedules[loanID]...), nil
}

func (m *MockStore) UpdateScheduledPayments(loanID uuid.UUID, updates []models.ScheduledPaymentUpdate) ([]models.ScheduledPayment, error) {
	plan := append([]models.ScheduledPayment(nil), m.schedules[loanID]...)
	for _, u := range updates {
		found := false
		for i := range plan {
			if plan[i].ID != u.ID {
				continue
			}
			found = true
			if u.ScheduledDate != nil {
				plan[i].ScheduledDate = *u.ScheduledDate
			}
			if u.ScheduledPrincipalAmount != nil {
				plan[i].ScheduledPrincipalAmount = *u.ScheduledPrincipalAmount
			}
		}
		if !found {
			return nil, fmt.Errorf("scheduled payment %s: %w", u.ID, store.ErrNotFound)
		}
	}
	m.schedules[loanID] = plan
	return plan, nil
}

func (m *MockStore) DeleteScheduledPayment(loanID, id uuid.UUID) error {
	plan := m.schedules[loanID]
	for i := range plan {
		if plan[i].ID == id {
			m.schedules[loanID] = append(plan[:i:i], plan[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("scheduled payment %s: %w", id, store.ErrNotFound)
}

func (m *MockStore) CreatePayment(p *models.Payment) error {
	m.payments = append(m.payments, *p)
	return nil
}

func (m *MockStore) ListPayments(loanID uuid.UUID) ([]models.Payment, error) {
	out := []models.Payment{}
	for _, p := range m.payments {
		if p.LoanID == loanID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaymentDate.Before(out[j].PaymentDate) })
	if hook := m.afterListPayments; hook != nil {
		m.afterListPayments = nil
		hook()
	}
	return out, nil
}

func (m *MockStore) DeletePayment(loanID, id uuid.UUID) error {
	for i, p := range m.payments {
		if p.ID == id && p.LoanID == loanID {
			m.payments = append(m.payments[:i:i], m.payments[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("payment %s: %w", id, store.ErrNotFound)
}

func (m *MockStore) Close() error {
	return nil
}

var _ store.Storage = (*MockStore)(nil)

func date(y int, mo time.Month, d int) time.Time {
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// tenADay accrues exactly 10 a day in the fixed regime and 20 a day after it.
func tenADay() models.LoanParams {
	return models.LoanParams{
		Principal:               decimal.NewFromInt(36500),
		FixedRate:               decimal.NewFromInt(10),
		FloatingRate:            decimal.NewFromInt(20),
		FixedPeriodMonths:       12,
		TotalTermMonths:         24,
		StartDate:               date(2024, 1, 1),
		PaymentFrequency:        models.FrequencyAnnual,
		PrepaymentFeePercentage: decimal.NewFromInt(2),
	}
}

func newTestLedger(t *testing.T, today time.Time) (*Ledger, *MockStore) {
	t.Helper()
	ms := NewMockStore()
	l := NewLedger(ms, cache.NewMemorySummaryCache(0), zap.NewNop())
	l.now = func() time.Time { return today.Add(15 * time.Hour) }
	return l, ms
}

func TestCreateLoan(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, date(2024, 6, 1))

	p := tenADay()
	p.StartDate = time.Date(2024, 1, 1, 18, 30, 0, 0, time.UTC)
	loan, schedule, err := l.CreateLoan(ctx, "House", p)
	require.NoError(t, err)

	assert.Equal(t, "House", loan.Name)
	assert.Equal(t, date(2024, 1, 1), loan.StartDate)
	require.Len(t, schedule, 2)
	for i, s := range schedule {
		assert.Equal(t, i+1, s.PaymentNumber)
		assert.Equal(t, loan.ID, s.LoanID)
		assert.NotEqual(t, uuid.Nil, s.ID)
	}
	assert.Equal(t, date(2025, 1, 1), schedule[0].ScheduledDate)
	assert.Len(t, ms.schedules[loan.ID], 2)
}

func TestCreateLoan_Validation(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, date(2024, 6, 1))

	tests := []struct {
		name  string
		field string
		edit  func(p *models.LoanParams)
	}{
		{"zero principal", "principal", func(p *models.LoanParams) { p.Principal = decimal.Zero }},
		{"negative fixed rate", "fixed_rate", func(p *models.LoanParams) { p.FixedRate = decimal.NewFromInt(-1) }},
		{"negative floating rate", "floating_rate", func(p *models.LoanParams) { p.FloatingRate = decimal.NewFromInt(-1) }},
		{"no term", "total_term_months", func(p *models.LoanParams) { p.TotalTermMonths = 0 }},
		{"fixed period beyond term", "fixed_period_months", func(p *models.LoanParams) { p.FixedPeriodMonths = 25 }},
		{"missing start", "start_date", func(p *models.LoanParams) { p.StartDate = time.Time{} }},
		{"unknown frequency", "payment_frequency", func(p *models.LoanParams) { p.PaymentFrequency = "weekly" }},
		{"negative fee", "prepayment_fee_percentage", func(p *models.LoanParams) { p.PrepaymentFeePercentage = decimal.NewFromInt(-2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tenADay()
			tt.edit(&p)
			_, _, err := l.CreateLoan(ctx, "bad", p)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, ms.loans)
}

func TestRecordPayment(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, date(2024, 6, 1))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	payment, err := l.RecordPayment(ctx, loan.ID, PaymentInput{
		Date:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Amount: decimal.NewFromInt(500),
		Notes:  "extra",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeManual, payment.Type)
	assert.Equal(t, date(2024, 3, 1), payment.PaymentDate)
	require.Len(t, ms.payments, 1)

	t.Run("rejects bad input", func(t *testing.T) {
		inputs := []PaymentInput{
			{Date: date(2024, 3, 1), Amount: decimal.Zero},
			{Date: date(2024, 3, 1), Amount: decimal.NewFromInt(5), Type: "REFUND"},
			{Amount: decimal.NewFromInt(5)},
			{Date: date(2024, 1, 1), Amount: decimal.NewFromInt(5)},
			{Date: date(2024, 3, 1), Amount: decimal.NewFromInt(-5), Type: models.PaymentTypeInterestCollection},
		}
		for _, in := range inputs {
			_, err := l.RecordPayment(ctx, loan.ID, in)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "input %+v gave %v", in, err)
		}
		assert.Len(t, ms.payments, 1)
	})

	t.Run("interest collection needs no amount", func(t *testing.T) {
		_, err := l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2025, 1, 1), Type: models.PaymentTypeInterestCollection})
		assert.NoError(t, err)
	})

	t.Run("listed without allocation", func(t *testing.T) {
		payments, err := l.ListPayments(ctx, loan.ID)
		require.NoError(t, err)
		require.Len(t, payments, 2)
		assert.Equal(t, payment.ID, payments[0].ID)
		assert.Equal(t, "extra", payments[0].Notes)
	})

	t.Run("unknown loan", func(t *testing.T) {
		_, err := l.ListPayments(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = l.RecordPayment(ctx, uuid.New(), PaymentInput{Date: date(2024, 3, 1), Amount: decimal.NewFromInt(5)})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestEnrichedPayments(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, date(2025, 6, 1))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	_, err = l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2025, 1, 1), Amount: decimal.NewFromInt(3670 + 18250)})
	require.NoError(t, err)
	_, err = l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2025, 7, 1), Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	enriched, err := l.EnrichedPayments(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, enriched, 1, "payments after today are not allocated")
	assert.InDelta(t, 3670, enriched[0].InterestPaid.InexactFloat64(), 1e-6)
	assert.InDelta(t, 18250, enriched[0].PrincipalPaid.InexactFloat64(), 1e-6)
	assert.True(t, enriched[0].PrepaymentFee.IsZero())
	assert.InDelta(t, 18250, enriched[0].BalanceAfter.InexactFloat64(), 1e-6)

	enriched, err = l.EnrichedPayments(ctx, loan.ID, date(2024, 12, 31))
	require.NoError(t, err)
	assert.Empty(t, enriched)

	_, err = l.EnrichedPayments(ctx, uuid.New(), time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, date(2025, 1, 5))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	views, err := l.Schedule(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, models.StatusOutstanding, views[0].Status)
	assert.InDelta(t, 3670, views[0].DueInterest.InexactFloat64(), 1e-6)
	assert.Equal(t, models.StatusPending, views[1].Status)

	_, err = l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2025, 1, 2), Amount: decimal.NewFromInt(3670 + 18250)})
	require.NoError(t, err)
	views, err = l.Schedule(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, views[0].Status)
}

func TestSummary_CachedUntilChange(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, date(2024, 6, 1))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	first, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.NumberOfPayments)
	assert.True(t, first.TotalAmountPaid.IsZero())
	assert.Equal(t, date(2024, 6, 1), first.AsOf)

	// written behind the ledger's back, so the cached summary survives
	ms.payments = append(ms.payments, models.Payment{ID: uuid.New(), LoanID: loan.ID, PaymentDate: date(2024, 5, 1), PaymentAmount: decimal.NewFromInt(1020), Type: models.PaymentTypeManual})
	cached, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, cached.ActualPaymentsMade)

	_, err = l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2024, 5, 2), Amount: decimal.NewFromInt(510)})
	require.NoError(t, err)
	fresh, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.ActualPaymentsMade)
	assert.InDelta(t, 1500, fresh.TotalPrincipalPaid.InexactFloat64(), 1e-6)
	assert.InDelta(t, 30, fresh.TotalPrepaymentFees.InexactFloat64(), 1e-6)
	assert.InDelta(t, 35000, fresh.RemainingBalance.InexactFloat64(), 1e-6)

	other, err := l.Summary(ctx, loan.ID, date(2024, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 1), other.AsOf)
	assert.True(t, other.TotalPrincipalPaid.IsZero())
}

func TestSummary_InvalidatedWhileComputing(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, date(2024, 6, 1))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	ms.afterListPayments = func() {
		_, err := l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2024, 5, 1), Amount: decimal.NewFromInt(1020)})
		require.NoError(t, err)
	}
	stale, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, stale.ActualPaymentsMade)

	fresh, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.ActualPaymentsMade)
	assert.InDelta(t, 1000, fresh.TotalPrincipalPaid.InexactFloat64(), 1e-6)
}

func TestSummary_RedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := cache.NewRedisSummaryCache(mr.Addr(), time.Hour)
	t.Cleanup(func() { rc.Close() })

	ms := NewMockStore()
	l := NewLedger(ms, rc, zap.NewNop())
	l.now = func() time.Time { return date(2024, 6, 1) }
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	ms.afterListPayments = func() {
		_, err := l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2024, 5, 1), Amount: decimal.NewFromInt(1020)})
		require.NoError(t, err)
	}
	stale, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, stale.ActualPaymentsMade)

	fresh, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.ActualPaymentsMade)

	// served from the hash on the next read
	ms.payments = nil
	cached, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, cached.ActualPaymentsMade)
}

// failingCache reports a backend error on every call.
type failingCache struct{ err error }

func (f failingCache) Generation(context.Context, uuid.UUID) (int64, error) { return 0, f.err }
func (f failingCache) Get(context.Context, uuid.UUID, string) ([]byte, bool, error) {
	return nil, false, f.err
}
func (f failingCache) Set(context.Context, uuid.UUID, string, []byte) error { return f.err }
func (f failingCache) Invalidate(context.Context, uuid.UUID) error { return f.err }

func TestSummary_CacheErrorsAreLogged(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	ms := NewMockStore()
	l := NewLedger(ms, failingCache{err: errors.New("connection refused")}, zap.New(core))
	l.now = func() time.Time { return date(2024, 6, 1) }

	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)
	_, err = l.RecordPayment(ctx, loan.ID, PaymentInput{Date: date(2024, 5, 1), Amount: decimal.NewFromInt(1020)})
	require.NoError(t, err)

	summary, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ActualPaymentsMade)

	assert.Equal(t, 1, logs.FilterMessage("failed to invalidate cached summaries").Len())
	unavailable := logs.FilterMessage("summary cache unavailable").All()
	require.Len(t, unavailable, 1)
	assert.Equal(t, "ledger.Summary", unavailable[0].ContextMap()["op"])
	assert.Equal(t, "connection refused", unavailable[0].ContextMap()["error"])
}

func TestSummary_CacheReadErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := cache.NewRedisSummaryCache(mr.Addr(), 0)
	t.Cleanup(func() { rc.Close() })

	core, logs := observer.New(zap.WarnLevel)
	l := NewLedger(NewMockStore(), rc, zap.New(core))
	l.now = func() time.Time { return date(2024, 6, 1) }
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	require.NoError(t, mr.Set("loan:"+loan.ID.String()+":summary", "not a hash"))
	summary, err := l.Summary(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.NumberOfPayments)
	assert.Equal(t, 1, logs.FilterMessage("failed to read cached summary").Len())
}

func TestUpdateSchedule(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, date(2024, 6, 1))
	loan, schedule, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	moved := time.Date(2025, 2, 1, 13, 0, 0, 0, time.UTC)
	plan, err := l.UpdateSchedule(ctx, loan.ID, []models.ScheduledPaymentUpdate{{ID: schedule[0].ID, ScheduledDate: &moved}})
	require.NoError(t, err)
	assert.Equal(t, date(2025, 2, 1), plan[0].ScheduledDate)

	negative := decimal.NewFromInt(-1)
	zero := decimal.Zero
	afterSecond := date(2026, 2, 1)
	beforeStart := date(2023, 12, 1)
	onStart := date(2024, 1, 1)
	sameAsSecond := date(2026, 1, 1)
	bad := [][]models.ScheduledPaymentUpdate{
		nil,
		{{ScheduledDate: &moved}},
		{{ID: schedule[0].ID}},
		{{ID: schedule[0].ID, ScheduledPrincipalAmount: &negative}},
		{{ID: schedule[0].ID, ScheduledPrincipalAmount: &zero}},
		{{ID: schedule[0].ID, ScheduledDate: &afterSecond}},
		{{ID: schedule[0].ID, ScheduledDate: &sameAsSecond}},
		{{ID: schedule[1].ID, ScheduledDate: &moved}},
		{{ID: schedule[0].ID, ScheduledDate: &beforeStart}},
		{{ID: schedule[0].ID, ScheduledDate: &onStart}},
	}
	for _, updates := range bad {
		_, err := l.UpdateSchedule(ctx, loan.ID, updates)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "updates %+v gave %v", updates, err)
	}

	// rejected batches leave the plan alone
	views, err := l.Schedule(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, date(2025, 2, 1), views[0].ScheduledDate)
	assert.True(t, views[0].ScheduledPrincipalAmount.Equal(decimal.NewFromInt(18250)))

	// both installments move together and stay in order
	third, fourth := date(2026, 3, 1), date(2026, 4, 1)
	plan, err = l.UpdateSchedule(ctx, loan.ID, []models.ScheduledPaymentUpdate{
		{ID: schedule[1].ID, ScheduledDate: &fourth},
		{ID: schedule[0].ID, ScheduledDate: &third},
	})
	require.NoError(t, err)
	assert.Equal(t, date(2026, 3, 1), plan[0].ScheduledDate)
	assert.Equal(t, date(2026, 4, 1), plan[1].ScheduledDate)

	amount := decimal.NewFromInt(1)
	_, err = l.UpdateSchedule(ctx, loan.ID, []models.ScheduledPaymentUpdate{{ID: uuid.New(), ScheduledPrincipalAmount: &amount}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, l.DeleteScheduledPayment(ctx, loan.ID, schedule[1].ID))
	views, err = l.Schedule(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestAccruedInterest(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, date(2024, 6, 1))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	got, err := l.AccruedInterest(ctx, loan.ID, date(2024, 2, 1))
	require.NoError(t, err)
	assert.InDelta(t, 310, got.InexactFloat64(), 1e-6)

	_, err = l.AccruedInterest(ctx, loan.ID, time.Time{})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestAmortization(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, date(2024, 6, 1))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	rows, err := l.Amortization(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.RateTypeFixed, rows[0].RateType)
	assert.Equal(t, models.RateTypeFloating, rows[1].RateType)
	assert.True(t, rows[1].ClosingBalance.IsZero())
}

func TestDeleteLoan(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, date(2024, 6, 1))
	loan, _, err := l.CreateLoan(ctx, "House", tenADay())
	require.NoError(t, err)

	require.NoError(t, l.DeleteLoan(ctx, loan.ID))
	_, err = l.GetLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, l.DeleteLoan(ctx, loan.ID), store.ErrNotFound)
}
