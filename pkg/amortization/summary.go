package amortization

import (
	"sort"
	"time"

	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/shopspring/decimal"
)

// StatusTolerance absorbs rounding drift when comparing paid against expected amounts.
var StatusTolerance = decimal.NewFromFloat(0.01)

// Summarize simulates the ledger through asOf and aggregates it.
func Summarize(p models.LoanParams, schedule []models.ScheduledPayment, payments []models.Payment, asOf time.Time) models.LoanSummary {
	return SummarizeLedger(p, schedule, payments, SimulateLedger(p, schedule, payments, asOf))
}

// SummarizeLedger aggregates an already simulated ledger.
func SummarizeLedger(p models.LoanParams, schedule []models.ScheduledPayment, payments []models.Payment, res LedgerResult) models.LoanSummary {
	switchDate := SwitchDate(p)
	s := models.LoanSummary{
		TotalInterestPaid:      decimal.Zero,
		TotalPrincipalPaid:     decimal.Zero,
		TotalPrepaymentFees:    decimal.Zero,
		FixedPeriodInterest:    decimal.Zero,
		FloatingPeriodInterest: decimal.Zero,
		NumberOfPayments:       len(schedule),
		ActualPaymentsMade:     len(payments),
		UnpaidAccruedInterest:  UnpaidAccruedInterest(p, res),
		PayableInterest:        res.PayableInterest,
		PayablePrincipal:       decimal.Max(res.PayablePrincipal, decimal.Zero),
		AsOf:                   res.AsOf,
	}

	for _, ep := range res.Payments {
		s.TotalInterestPaid = s.TotalInterestPaid.Add(ep.InterestPaid)
		s.TotalPrincipalPaid = s.TotalPrincipalPaid.Add(ep.PrincipalPaid)
		s.TotalPrepaymentFees = s.TotalPrepaymentFees.Add(ep.PrepaymentFee)
		if Day(ep.PaymentDate).Before(switchDate) {
			s.FixedPeriodInterest = s.FixedPeriodInterest.Add(ep.InterestPaid)
		} else {
			s.FloatingPeriodInterest = s.FloatingPeriodInterest.Add(ep.InterestPaid)
		}
	}

	s.TotalAmountPaid = s.TotalInterestPaid.Add(s.TotalPrincipalPaid)
	s.RemainingBalance = decimal.Max(decimal.Zero, p.Principal.Sub(s.TotalPrincipalPaid))
	return s
}

// UnpaidAccruedInterest is the interest accrued on the balance left at the
// last installment date over the days after it through the ledger's asOf.
// Prepayments made since that installment do not reduce it.
func UnpaidAccruedInterest(p models.LoanParams, res LedgerResult) decimal.Decimal {
	from := Day(res.LastDueDate).AddDate(0, 0, 1)
	return AccrueRegime(p, res.BalanceAtLastDue, from, res.AsOf.AddDate(0, 0, 1), nil)
}

// ClassifyStatus compares what was expected through item (its principal plus
// all earlier installments, and every interest amount that has fallen due by
// then) with what the ledger shows as paid.
//
//   - paid: both principal and interest are covered
//   - partial-paid: item is in the future and principal beyond the earlier
//     installments has already been prepaid
//   - pending: item is in the future with no such prepayment
//   - outstanding: item is due or past and not covered
func ClassifyStatus(item models.ScheduledPayment, schedule []models.ScheduledPayment, res LedgerResult) models.PaymentStatus {
	prior, interest := decimal.Zero, decimal.Zero
	for _, s := range schedule {
		if s.PaymentNumber < item.PaymentNumber {
			prior = prior.Add(s.ScheduledPrincipalAmount)
		}
		if s.PaymentNumber <= item.PaymentNumber {
			interest = interest.Add(res.DueInterest[s.PaymentNumber])
		}
	}
	return classify(item, prior, interest, res)
}

// ScheduleStatuses classifies every installment in payment-number order.
func ScheduleStatuses(schedule []models.ScheduledPayment, res LedgerResult) []models.ScheduledPaymentView {
	ordered := make([]models.ScheduledPayment, len(schedule))
	copy(ordered, schedule)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PaymentNumber < ordered[j].PaymentNumber
	})

	views := make([]models.ScheduledPaymentView, 0, len(ordered))
	prior, interest := decimal.Zero, decimal.Zero
	for _, s := range ordered {
		due, ok := res.DueInterest[s.PaymentNumber]
		if !ok {
			due = decimal.Zero
		}
		interest = interest.Add(due)
		views = append(views, models.ScheduledPaymentView{
			ScheduledPayment: s,
			DueInterest:      due,
			Status:           classify(s, prior, interest, res),
		})
		prior = prior.Add(s.ScheduledPrincipalAmount)
	}
	return views
}

func classify(item models.ScheduledPayment, priorPrincipal, expectedInterest decimal.Decimal, res LedgerResult) models.PaymentStatus {
	expectedPrincipal := priorPrincipal.Add(item.ScheduledPrincipalAmount)
	principalPaid := res.TotalPrincipalPaid.Add(StatusTolerance)
	interestPaid := res.TotalInterestPaid.Add(StatusTolerance)

	if principalPaid.GreaterThanOrEqual(expectedPrincipal) && interestPaid.GreaterThanOrEqual(expectedInterest) {
		return models.StatusPaid
	}
	if Day(item.ScheduledDate).After(res.AsOf) {
		if res.TotalPrincipalPaid.GreaterThan(priorPrincipal.Add(StatusTolerance)) {
			return models.StatusPartialPaid
		}
		return models.StatusPending
	}
	return models.StatusOutstanding
}
