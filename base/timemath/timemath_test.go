package timemath_test

import (
	"math"
	"testing"

	"example.com/clock-bound/base/timemath"
)

func TestSaturatingAdd(t *testing.T) {
	if x := timemath.SaturatingAdd(1, 2); x != 3 {
		t.Errorf("1 + 2 must be 3, got %d", x)
	}
	if x := timemath.SaturatingAdd(math.MaxInt64, 1); x != math.MaxInt64 {
		t.Errorf("addition must saturate at MaxInt64, got %d", x)
	}
	if x := timemath.SaturatingAdd(math.MaxInt64, math.MaxInt64); x != math.MaxInt64 {
		t.Errorf("addition must saturate at MaxInt64, got %d", x)
	}
	if x := timemath.SaturatingAdd(math.MinInt64, -1); x != math.MinInt64 {
		t.Errorf("addition must saturate at MinInt64, got %d", x)
	}
	if x := timemath.SaturatingAdd(math.MinInt64, math.MaxInt64); x != -1 {
		t.Errorf("MinInt64 + MaxInt64 must be -1, got %d", x)
	}
}

func TestDriftNsec(t *testing.T) {
	// 2 s at 1 PPM is 2 us.
	if x := timemath.DriftNsec(2e9, 1000); x != 2000 {
		t.Errorf("2 s at 1 PPM must be 2000 ns, got %d", x)
	}
	if x := timemath.DriftNsec(0, 1000); x != 0 {
		t.Errorf("zero duration must not drift, got %d", x)
	}
	if x := timemath.DriftNsec(math.MaxInt64, math.MaxUint32); x != math.MaxInt64 {
		t.Errorf("drift must saturate at MaxInt64, got %d", x)
	}
}
