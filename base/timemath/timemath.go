package timemath

import (
	"math"
)

func SaturatingAdd(x, y int64) int64 {
	s := x + y
	if x > 0 && y > 0 && s < 0 {
		return math.MaxInt64
	}
	if x < 0 && y < 0 && s >= 0 {
		return math.MinInt64
	}
	return s
}

// DriftNsec returns the clock drift accrued over the given duration at the
// given maximum drift rate, saturating at the int64 limits.
func DriftNsec(elapsedNsec int64, driftPPB uint32) int64 {
	d := float64(elapsedNsec) * 1e-9 * float64(driftPPB)
	if d >= math.MaxInt64 {
		return math.MaxInt64
	}
	if d <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(d)
}
