// Package risk holds the house maker's loss-cap arithmetic.
//
// The maker never risks more than a configured maximum loss. Its total
// at-risk amount is the sum, over all markets, of the larger pending face
// it holds on either side (the smaller side is covered no matter how the
// market resolves). From that single number the package derives:
//
//   - Tier:     which rung of the exposure ladder the maker stands on.
//     Each rung is threshold_percent of max loss wide. Quote
//     reconciliation runs only when the rung changes, so small
//     fills do not thrash the book.
//   - Pullback: a linear ratio in [0, 1] that scales every quote target
//     down as exposure approaches the cap, reaching zero exactly
//     at max loss.
//   - Target:   the face the maker wants resting at one price level,
//     curve weight times global size times market multiplier
//     times pullback, floored to whole sats.
//
// All functions are pure. Persisted exposure state lives in the store;
// the maker loop feeds it through here on every reconciliation pass.
package risk

import "math"

// Tier returns the exposure ladder rung for the given at-risk total.
// Rung width is thresholdPct percent of maxLoss. A non-positive cap or
// threshold pins the ladder at rung zero.
func Tier(atRiskSats, maxLossSats int64, thresholdPct int) int {
	if maxLossSats <= 0 || thresholdPct <= 0 {
		return 0
	}
	return int(100 * atRiskSats / (maxLossSats * int64(thresholdPct)))
}

// Pullback returns the linear quote damping ratio 1 - atRisk/maxLoss,
// clamped to [0, 1]. At or beyond the cap the maker quotes nothing.
func Pullback(atRiskSats, maxLossSats int64) float64 {
	if maxLossSats <= 0 {
		return 0
	}
	r := 1 - float64(atRiskSats)/float64(maxLossSats)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Target returns the face the maker should have resting at one curve
// price: weight scaled by the global size factor, the per-market
// multiplier, and the pullback ratio, floored to whole sats.
func Target(weightSats int64, globalMult, marketMult, pullback float64) int64 {
	if weightSats <= 0 {
		return 0
	}
	t := int64(math.Floor(float64(weightSats) * globalMult * marketMult * pullback))
	if t < 0 {
		return 0
	}
	return t
}
