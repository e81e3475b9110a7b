package shared

import "math"

// DefaultBalanceEpsilon is the tolerance under which a balance is treated as
// settled. Overridable through configuration.
const DefaultBalanceEpsilon = 0.005

// SnapZero collapses balances within eps of zero to exactly zero so that
// paid/non-zero predicates do not trip over float residue.
func SnapZero(v, eps float64) float64 {
	if eps <= 0 {
		eps = DefaultBalanceEpsilon
	}
	if math.Abs(v) < eps {
		return 0
	}
	return v
}

// Round2 rounds a monetary amount to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
