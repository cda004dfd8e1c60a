package amortization

import (
	"time"

	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/shopspring/decimal"
)

// LedgerResult is the state of a loan at the end of a simulated day.
type LedgerResult struct {
	AsOf     time.Time
	Payments []models.EnrichedPayment

	// PayablePrincipal goes negative once principal has been prepaid beyond
	// what is due; the credit is consumed by later installments.
	PayablePrincipal  decimal.Decimal
	PayableInterest   decimal.Decimal
	AccruedThisPeriod decimal.Decimal
	Outstanding       decimal.Decimal

	TotalPrincipalPaid decimal.Decimal
	TotalInterestPaid  decimal.Decimal

	// LastDueDate is the most recent installment date reached, or the start
	// date when none has been.
	LastDueDate time.Time
	// BalanceAtLastDue is the outstanding principal at the end of LastDueDate,
	// after that day's payments.
	BalanceAtLastDue decimal.Decimal
	// DueInterest maps payment numbers of reached installments to the
	// interest that fell due on their date.
	DueInterest map[int]decimal.Decimal
}

// SimulateLedger walks the loan one day at a time from the day after the
// start date through asOf. On each day it
//
//  1. accrues a day of interest on the outstanding balance at the day's rate,
//  2. turns accrued interest and the installment principal into payables when
//     the day is an installment date,
//  3. allocates every payment dated that day, in the order given.
//
// INTEREST_COLLECTION payments ignore their nominal amount and sweep exactly
// the payable interest. Payments dated on or before the start date or after
// asOf are not part of the result.
func SimulateLedger(p models.LoanParams, schedule []models.ScheduledPayment, payments []models.Payment, asOf time.Time) LedgerResult {
	start := Day(p.StartDate)
	end := Day(asOf)

	dueOn := make(map[int64][]models.ScheduledPayment, len(schedule))
	for _, s := range schedule {
		k := dayKey(s.ScheduledDate)
		dueOn[k] = append(dueOn[k], s)
	}
	paidOn := make(map[int64][]models.Payment, len(payments))
	for _, pay := range payments {
		k := dayKey(pay.PaymentDate)
		paidOn[k] = append(paidOn[k], pay)
	}

	switchDate := SwitchDate(p)
	fee := p.PrepaymentFeePercentage

	res := LedgerResult{
		AsOf:               end,
		Payments:           []models.EnrichedPayment{},
		PayablePrincipal:   decimal.Zero,
		PayableInterest:    decimal.Zero,
		AccruedThisPeriod:  decimal.Zero,
		Outstanding:        p.Principal,
		TotalPrincipalPaid: decimal.Zero,
		TotalInterestPaid:  decimal.Zero,
		LastDueDate:        start,
		BalanceAtLastDue:   p.Principal,
		DueInterest:        make(map[int]decimal.Decimal),
	}

	for day := start.AddDate(0, 0, 1); !day.After(end); day = day.AddDate(0, 0, 1) {
		rate := p.FloatingRate
		if day.Before(switchDate) {
			rate = p.FixedRate
		}
		res.AccruedThisPeriod = res.AccruedThisPeriod.Add(DayInterest(res.Outstanding, rate))

		k := dayKey(day)
		due, isDue := dueOn[k]
		if isDue {
			res.PayableInterest = res.PayableInterest.Add(res.AccruedThisPeriod)
			for i, s := range due {
				interest := decimal.Zero
				if i == 0 {
					interest = res.AccruedThisPeriod
				}
				res.DueInterest[s.PaymentNumber] = interest
				res.PayablePrincipal = res.PayablePrincipal.Add(s.ScheduledPrincipalAmount)
			}
			res.AccruedThisPeriod = decimal.Zero
			res.LastDueDate = day
		}

		for _, pay := range paidOn[k] {
			res.apply(pay, fee)
		}
		if isDue {
			res.BalanceAtLastDue = res.Outstanding
		}
	}
	return res
}

func (res *LedgerResult) apply(pay models.Payment, feePct decimal.Decimal) {
	var a Allocation
	if pay.Type == models.PaymentTypeInterestCollection {
		a = zeroAllocation()
		a.InterestPaid = decimal.Max(res.PayableInterest, decimal.Zero)
		pay.PaymentAmount = a.InterestPaid
	} else {
		a = Allocate(pay.PaymentAmount, res.PayablePrincipal, res.PayableInterest, feePct).
			CapPrincipal(res.Outstanding, feePct)
	}

	res.PayablePrincipal = res.PayablePrincipal.Sub(a.PrincipalPaid)
	res.PayableInterest = res.PayableInterest.Sub(a.InterestPaid)
	res.Outstanding = res.Outstanding.Sub(a.PrincipalPaid)
	res.TotalPrincipalPaid = res.TotalPrincipalPaid.Add(a.PrincipalPaid)
	res.TotalInterestPaid = res.TotalInterestPaid.Add(a.InterestPaid)

	res.Payments = append(res.Payments, models.EnrichedPayment{
		Payment:          pay,
		PrincipalPaid:    a.PrincipalPaid,
		InterestPaid:     a.InterestPaid,
		PrepaymentFee:    a.PrepaymentFee,
		PrepaymentAmount: a.PrepaymentAmount,
		Unapplied:        a.Unapplied,
		BalanceAfter:     res.Outstanding,
	})
}
