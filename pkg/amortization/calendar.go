// Package amortization is the computational core of the loan tracker: schedule
// generation, daily interest accrual, payment allocation and the day-by-day
// ledger simulation that reconciles a plan against actual payments.
//
// Every function here is pure. Nothing performs I/O, logs, or keeps state
// between calls, so independent loans can be computed concurrently.
package amortization

import (
	"time"

	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	// yearPct divides balance*annualPct into one day of interest on a 365 day year.
	yearPct = decimal.NewFromInt(36500)
)

// Day truncates t to its calendar date at UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddMonths adds n calendar months. Day-of-month overflow rolls into the
// following month (Jan 31 + 1 month = Mar 2 or 3).
func AddMonths(date time.Time, n int) time.Time {
	return Day(date).AddDate(0, n, 0)
}

// DaysBetween returns the whole days from `from` to `to`; negative when to is earlier.
func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}

// dayKey identifies a calendar date; time.Time is unsafe as a map key.
func dayKey(t time.Time) int64 {
	return Day(t).Unix() / 86400
}

// DayInterest is one day of simple interest on balance at annualPct. The
// multiplication happens before the single division so round amounts such as
// 36500 at 10% come out exact.
func DayInterest(balance, annualPct decimal.Decimal) decimal.Decimal {
	return balance.Mul(annualPct).Div(yearPct)
}

// PeriodicRate converts an annual percentage into a per-installment fraction.
func PeriodicRate(annualPct decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if periodsPerYear <= 0 {
		periodsPerYear = 12
	}
	return annualPct.Div(hundred).Div(decimal.NewFromInt(int64(periodsPerYear)))
}

// PeriodsPerYear maps a frequency to installments per year. Unknown
// frequencies are treated as monthly so plans stored with unexpected values
// still produce a schedule.
func PeriodsPerYear(f models.PaymentFrequency) int {
	switch f {
	case models.FrequencyMonthly:
		return 12
	case models.FrequencyQuarterly:
		return 4
	case models.FrequencySemiAnnual:
		return 2
	case models.FrequencyAnnual:
		return 1
	default:
		return 12
	}
}

// MonthsBetweenPayments is the calendar month step between two installments.
func MonthsBetweenPayments(f models.PaymentFrequency) int {
	return 12 / PeriodsPerYear(f)
}

// SwitchDate is the first day charged at the floating rate.
func SwitchDate(p models.LoanParams) time.Time {
	return AddMonths(p.StartDate, p.FixedPeriodMonths)
}

// RateOn returns the annual percentage applicable on date.
func RateOn(p models.LoanParams, date time.Time) decimal.Decimal {
	if Day(date).Before(SwitchDate(p)) {
		return p.FixedRate
	}
	return p.FloatingRate
}

// RateTypeOn reports which regime date falls in.
func RateTypeOn(p models.LoanParams, date time.Time) models.RateType {
	if Day(date).Before(SwitchDate(p)) {
		return models.RateTypeFixed
	}
	return models.RateTypeFloating
}
