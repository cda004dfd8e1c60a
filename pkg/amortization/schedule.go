package amortization

import (
	"math"

	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/shopspring/decimal"
)

// InstallmentCount is ceil(totalTermMonths / 12 * periodsPerYear). A term that
// is not a whole number of payment intervals gets a shorter final period.
func InstallmentCount(p models.LoanParams) int {
	if p.TotalTermMonths <= 0 {
		return 0
	}
	ppy := PeriodsPerYear(p.PaymentFrequency)
	return (p.TotalTermMonths*ppy + 11) / 12
}

// EMI computes the equated installment P*r*(1+r)^n / ((1+r)^n - 1) for
// a periodic rate r expressed as a fraction.
func EMI(principal, periodicRate decimal.Decimal, n int) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	if periodicRate.IsZero() {
		return principal.Div(decimal.NewFromInt(int64(n)))
	}
	// float64 for the power only; money stays in decimal.
	r := periodicRate.InexactFloat64()
	factor := decimal.NewFromFloat(math.Pow(1+r, float64(n)))
	return principal.Mul(periodicRate).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1)))
}

// GenerateSchedule builds the flat scheduled-principal plan: the principal is
// split evenly across the installments, the last one absorbing the division
// remainder so the plan sums to the principal exactly. Installment i falls
// i*MonthsBetweenPayments months after the start date. IDs are left zero.
func GenerateSchedule(p models.LoanParams) []models.ScheduledPayment {
	n := InstallmentCount(p)
	if n == 0 || p.Principal.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	step := MonthsBetweenPayments(p.PaymentFrequency)
	amount := p.Principal.Div(decimal.NewFromInt(int64(n)))
	allocated := decimal.Zero

	schedule := make([]models.ScheduledPayment, 0, n)
	for i := 1; i <= n; i++ {
		principal := amount
		if i == n {
			principal = p.Principal.Sub(allocated)
		}
		allocated = allocated.Add(principal)
		schedule = append(schedule, models.ScheduledPayment{
			PaymentNumber:            i,
			ScheduledDate:            AddMonths(p.StartDate, i*step),
			ScheduledPrincipalAmount: principal,
		})
	}
	return schedule
}

// GenerateAmortization builds the EMI table. The EMI is computed at the fixed
// rate over the whole term and recomputed at the regime switch from the
// balance and the installments left at that point. Amounts are rounded to
// cents; the final installment settles whatever balance remains.
func GenerateAmortization(p models.LoanParams) []models.AmortizationEntry {
	n := InstallmentCount(p)
	if n == 0 || p.Principal.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	ppy := PeriodsPerYear(p.PaymentFrequency)
	step := MonthsBetweenPayments(p.PaymentFrequency)
	fixedPayments := p.FixedPeriodMonths / step

	fixedRate := PeriodicRate(p.FixedRate, ppy)
	floatingRate := PeriodicRate(p.FloatingRate, ppy)

	balance := p.Principal
	var emi decimal.Decimal

	entries := make([]models.AmortizationEntry, 0, n)
	for i := 0; i < n; i++ {
		rateType := models.RateTypeFloating
		annual, periodic := p.FloatingRate, floatingRate
		if i < fixedPayments {
			rateType = models.RateTypeFixed
			annual, periodic = p.FixedRate, fixedRate
		}

		if i == 0 || i == fixedPayments {
			emi = EMI(balance, periodic, n-i).Round(2)
		}

		interest := balance.Mul(periodic).Round(2)
		principal := emi.Sub(interest)
		if principal.GreaterThan(balance) || i == n-1 {
			principal = balance
		}
		if principal.LessThan(decimal.Zero) {
			principal = decimal.Zero
		}
		closing := balance.Sub(principal)

		entries = append(entries, models.AmortizationEntry{
			PaymentNumber:   i + 1,
			PaymentDate:     AddMonths(p.StartDate, (i+1)*step),
			OpeningBalance:  balance,
			InterestAmount:  interest,
			PrincipalAmount: principal,
			TotalPayment:    principal.Add(interest),
			ClosingBalance:  closing,
			InterestRate:    annual,
			RateType:        rateType,
		})
		balance = closing
	}
	return entries
}
