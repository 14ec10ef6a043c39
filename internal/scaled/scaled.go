// Package scaled implements the fixed-point representation used for every
// on-chain value in the subnet registry: a value in [0, D] where
// D = 1_000_000, per §9 of the specification.
package scaled

import (
	"fmt"
	"math"
)

// Divisor is the fixed-point scale factor applied to every on-chain trust
// and performance value.
const Divisor = 1_000_000

// Fixed is a value scaled by Divisor, e.g. a trust score of 0.5524 is
// represented as Fixed(552400).
type Fixed uint64

// Max is the largest legal Fixed value (representing 1.0).
const Max Fixed = Divisor

// FromFloat converts a float64 in [0,1] to its scaled form, rounding
// half-to-even as required by §9, and clamping to [0, Divisor].
func FromFloat(f float64) Fixed {
	if f <= 0 {
		return 0
	}
	if f >= 1 {
		return Max
	}
	return Fixed(roundHalfToEven(f * Divisor))
}

// Float converts a scaled value back to a float64 in [0,1].
func (s Fixed) Float() float64 {
	return float64(s) / Divisor
}

// Clamp restricts s to [0, Divisor].
func (s Fixed) Clamp() Fixed {
	if s > Max {
		return Max
	}
	return s
}

// String renders the scaled value alongside its float equivalent, e.g.
// "552372 (0.552372)".
func (s Fixed) String() string {
	return fmt.Sprintf("%d (%f)", uint64(s), s.Float())
}

// roundHalfToEven implements banker's rounding for the float64 -> integer
// scaling step, as §9 requires when the computation is carried out in
// floating point prior to commit.
func roundHalfToEven(x float64) float64 {
	floor := math.Floor(x)
	diff := x - floor
	switch {
	case diff < 0.5:
		return floor
	case diff > 0.5:
		return floor + 1
	default:
		// Exactly .5: round to the nearest even integer.
		if math.Mod(floor, 2) == 0 {
			return floor
		}
		return floor + 1
	}
}
