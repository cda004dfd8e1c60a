package amortization

import (
	"time"

	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/shopspring/decimal"
)

// StepDown reduces the interest-bearing balance from Date onwards.
type StepDown struct {
	Date   time.Time
	Amount decimal.Decimal
}

func groupStepDowns(stepDowns []StepDown) map[int64]decimal.Decimal {
	byDay := make(map[int64]decimal.Decimal, len(stepDowns))
	for _, s := range stepDowns {
		k := dayKey(s.Date)
		byDay[k] = byDay[k].Add(s.Amount)
	}
	return byDay
}

// Accrue sums simple daily interest on balance over the half-open interval
// [from, to). Step-downs dated on a day are applied before that day's
// interest; step-downs outside the interval are ignored. The cost is linear
// in the number of days.
func Accrue(balance, annualRate decimal.Decimal, from, to time.Time, stepDowns []StepDown) decimal.Decimal {
	interest, _ := accrue(balance, annualRate, from, to, groupStepDowns(stepDowns))
	return interest
}

func accrue(balance, annualRate decimal.Decimal, from, to time.Time, byDay map[int64]decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	total := decimal.Zero
	end := Day(to)
	for day := Day(from); day.Before(end); day = day.AddDate(0, 0, 1) {
		if amt, ok := byDay[dayKey(day)]; ok {
			balance = balance.Sub(amt)
		}
		total = total.Add(DayInterest(balance, annualRate))
	}
	return total, balance
}

// AccrueRegime is Accrue with the loan's fixed rate before the switch date
// and its floating rate from the switch date on.
func AccrueRegime(p models.LoanParams, balance decimal.Decimal, from, to time.Time, stepDowns []StepDown) decimal.Decimal {
	from, to = Day(from), Day(to)
	if !from.Before(to) {
		return decimal.Zero
	}
	byDay := groupStepDowns(stepDowns)
	switchDate := SwitchDate(p)

	total := decimal.Zero
	if from.Before(switchDate) {
		fixedEnd := to
		if switchDate.Before(fixedEnd) {
			fixedEnd = switchDate
		}
		var interest decimal.Decimal
		interest, balance = accrue(balance, p.FixedRate, from, fixedEnd, byDay)
		total = total.Add(interest)
		from = fixedEnd
	}
	if from.Before(to) {
		interest, _ := accrue(balance, p.FloatingRate, from, to, byDay)
		total = total.Add(interest)
	}
	return total
}

// TotalAccruedInterest is all interest accrued from the loan start up to (not
// including) upTo, with the balance stepping down on each payment's date by
// the principal it repaid. It ignores whether the interest was due or paid.
func TotalAccruedInterest(p models.LoanParams, payments []models.EnrichedPayment, upTo time.Time) decimal.Decimal {
	stepDowns := make([]StepDown, 0, len(payments))
	for _, ep := range payments {
		if ep.PrincipalPaid.IsZero() {
			continue
		}
		stepDowns = append(stepDowns, StepDown{Date: ep.PaymentDate, Amount: ep.PrincipalPaid})
	}
	return AccrueRegime(p, p.Principal, p.StartDate, upTo, stepDowns)
}
