package fsrs

import "math"

// FSRS v4.5 fixes the forgetting-curve shape; only the 17 weights are
// trainable.
const (
	decay  = -0.5
	factor = 19.0 / 81.0 // 0.9^(1/decay) - 1
)

// algo holds the weight table behind the difference equations.
type algo struct {
	w [17]float64
}

// retrievability computes R(t, S) = (1 + FACTOR * t / S) ^ DECAY.
// t = 0 yields exactly 1.0.
func (a *algo) retrievability(elapsedDays, stability float64) float64 {
	if elapsedDays <= 0 {
		return 1.0
	}
	return math.Pow(1+factor*elapsedDays/stability, decay)
}

// initStability returns the initial stability S₀(G) = clamp_s(w[G-1]).
func (a *algo) initStability(g Grade) float64 {
	return clampS(a.w[g-1])
}

// initDifficulty returns the initial difficulty D₀(G) = w[4] - w[5]*(G - 3).
// When clamp is true, the result is clamped to [1, 10].
func (a *algo) initDifficulty(g Grade, clamp bool) float64 {
	d := a.w[4] - a.w[5]*float64(g-3)
	if clamp {
		return clampD(d)
	}
	return d
}

// nextInterval solves R(t, S) = desiredRetention for t, in days.
// I(r, S) = (S / FACTOR) * (r^(1/DECAY) - 1), rounded and clamped to
// [1, maxIvl].
func (a *algo) nextInterval(stability, desiredRetention float64, maxIvl int) int {
	ivl := stability / factor * (math.Pow(desiredRetention, 1.0/decay) - 1)
	rounded := int(math.Round(ivl))
	if rounded < 1 {
		rounded = 1
	}
	if rounded > maxIvl {
		rounded = maxIvl
	}
	return rounded
}

// nextDifficulty computes the updated difficulty after a review.
// ΔD = -w[6] * (G - 3)
// D' = D + ΔD * (10 - D) / 9      (linear damping)
// D'' = w[7]*D₀(Easy) + (1-w[7])*D'  (mean reversion)
func (a *algo) nextDifficulty(difficulty float64, g Grade) float64 {
	deltaD := -a.w[6] * (float64(g) - 3)
	dPrime := difficulty + deltaD*(10-difficulty)/9
	d0Easy := a.initDifficulty(Easy, false) // mean reversion target, unclamped
	return clampD(a.w[7]*d0Easy + (1-a.w[7])*dPrime)
}

// nextStability dispatches to the recall or forget path.
func (a *algo) nextStability(d, s, r float64, g Grade) float64 {
	if g == Again {
		return a.nextForgetStability(d, s, r)
	}
	return a.nextRecallStability(d, s, r, g)
}

// nextRecallStability computes stability after a successful recall.
// S'_r = S * (1 + e^w[8] * (11-D) * S^(-w[9]) * (e^((1-R)*w[10]) - 1)
//             * hardPenalty * easyBonus)
// The growth factor shrinks as S grows and grows as pre-review R drops,
// which is what makes a barely-remembered hard item gain the most.
func (a *algo) nextRecallStability(d, s, r float64, g Grade) float64 {
	hardPenalty := 1.0
	if g == Hard {
		hardPenalty = a.w[15]
	}
	easyBonus := 1.0
	if g == Easy {
		easyBonus = a.w[16]
	}
	return clampS(s * (1 + math.Exp(a.w[8])*
		(11-d)*
		math.Pow(s, -a.w[9])*
		(math.Exp((1-r)*a.w[10])-1)*
		hardPenalty*easyBonus))
}

// nextForgetStability computes stability after a lapse.
// S'_f = w[11] * D^(-w[12]) * ((S+1)^w[13] - 1) * e^((1-R)*w[14])
// A fraction of prior stability survives; the result never exceeds S.
func (a *algo) nextForgetStability(d, s, r float64) float64 {
	sf := a.w[11] *
		math.Pow(d, -a.w[12]) *
		(math.Pow(s+1, a.w[13]) - 1) *
		math.Exp((1-r)*a.w[14])
	return clampS(math.Min(sf, s))
}

// clampS clamps stability to a minimum of 0.01.
func clampS(s float64) float64 {
	return math.Max(s, 0.01)
}

// clampD clamps difficulty to [1, 10].
func clampD(d float64) float64 {
	return math.Min(math.Max(d, 1), 10)
}
