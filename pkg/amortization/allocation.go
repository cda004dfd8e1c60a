package amortization

import (
	"github.com/shopspring/decimal"
)

// Allocation is how one payment splits across interest, principal and fee.
// InterestPaid + PrincipalPaid + PrepaymentFee + Unapplied equals the amount paid.
type Allocation struct {
	InterestPaid         decimal.Decimal
	PayablePrincipalPaid decimal.Decimal // Principal that was already due
	PrepaymentAmount     decimal.Decimal // Principal paid ahead of schedule
	PrincipalPaid        decimal.Decimal // PayablePrincipalPaid + PrepaymentAmount
	PrepaymentFee        decimal.Decimal
	Unapplied            decimal.Decimal
}

// Allocate splits amount in order: payable interest, payable principal, then
// prepayment. The prepayment fee is feePct percent of the prepaid principal
// and comes out of the same cash, so
//
//	prepayment = remaining / (1 + feePct/100)
//	fee        = remaining - prepayment
//
// Out-of-range inputs are clamped; a non-positive amount allocates nothing.
func Allocate(amount, payablePrincipal, payableInterest, feePct decimal.Decimal) Allocation {
	if amount.LessThanOrEqual(decimal.Zero) {
		return zeroAllocation()
	}

	a := zeroAllocation()
	a.InterestPaid = clamp(decimal.Min(amount, payableInterest), decimal.Zero, amount)
	remaining := amount.Sub(a.InterestPaid)

	a.PayablePrincipalPaid = clamp(decimal.Min(remaining, payablePrincipal), decimal.Zero, remaining)
	remaining = remaining.Sub(a.PayablePrincipalPaid)

	if remaining.GreaterThan(decimal.Zero) {
		a.PrepaymentAmount = remaining.Div(feeFactor(feePct))
		a.PrepaymentFee = remaining.Sub(a.PrepaymentAmount)
	}
	a.PrincipalPaid = a.PayablePrincipalPaid.Add(a.PrepaymentAmount)
	return a
}

// CapPrincipal limits the principal repaid to outstanding. Payable principal
// is honoured first, the prepayment and its fee shrink next, and the cash no
// longer needed is reported as Unapplied.
func (a Allocation) CapPrincipal(outstanding, feePct decimal.Decimal) Allocation {
	outstanding = decimal.Max(outstanding, decimal.Zero)
	if a.PrincipalPaid.LessThanOrEqual(outstanding) {
		return a
	}

	beforeFee := a.PrepaymentAmount.Add(a.PrepaymentFee).Add(a.Unapplied)
	if a.PayablePrincipalPaid.GreaterThan(outstanding) {
		beforeFee = beforeFee.Add(a.PayablePrincipalPaid.Sub(outstanding))
		a.PayablePrincipalPaid = outstanding
	}

	a.PrepaymentAmount = outstanding.Sub(a.PayablePrincipalPaid)
	a.PrepaymentFee = a.PrepaymentAmount.Mul(feeFactor(feePct).Sub(decimal.NewFromInt(1)))
	a.Unapplied = beforeFee.Sub(a.PrepaymentAmount).Sub(a.PrepaymentFee)
	a.PrincipalPaid = a.PayablePrincipalPaid.Add(a.PrepaymentAmount)
	return a
}

func feeFactor(feePct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(decimal.Max(feePct, decimal.Zero).Div(hundred))
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(v, lo), hi)
}

func zeroAllocation() Allocation {
	return Allocation{
		InterestPaid:         decimal.Zero,
		PayablePrincipalPaid: decimal.Zero,
		PrepaymentAmount:     decimal.Zero,
		PrincipalPaid:        decimal.Zero,
		PrepaymentFee:        decimal.Zero,
		Unapplied:            decimal.Zero,
	}
}
