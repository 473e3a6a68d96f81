package price

import (
	"math"
	"testing"
)

func TestRejectOutliersSmallSets(t *testing.T) {
	for _, samples := range [][]float64{nil, {5}, {5, 5000}} {
		got := RejectOutliers(samples)
		if len(got) != len(samples) {
			t.Fatalf("n<=2 must pass through, got %v from %v", got, samples)
		}
	}
}

func TestRejectOutliersBoundaryAccepted(t *testing.T) {
	// With one extreme sample the deviation is huge, so even 5000 sits
	// inside 2σ and everything is retained.
	samples := []float64{100, 101, 99, 100, 5000}
	got := RejectOutliers(samples)
	if len(got) != 5 {
		t.Fatalf("expected all 5 retained, got %d: %v", len(got), got)
	}
}

func TestRejectOutliersDropsFar(t *testing.T) {
	samples := []float64{100, 101, 99, 100, 102, 98, 100, 101, 99, 100_000}
	got := RejectOutliers(samples)
	if len(got) != 9 {
		t.Fatalf("expected the extreme sample dropped, got %v", got)
	}
	for _, s := range got {
		if s == 100_000 {
			t.Fatalf("outlier survived: %v", got)
		}
	}
}

func TestRejectOutliersNeverEmpty(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 1000, 2000}
	got := RejectOutliers(samples)
	if len(got) == 0 {
		t.Fatalf("output must never be empty")
	}
	// Output is a subset of the input.
	for _, s := range got {
		found := false
		for _, in := range samples {
			if s == in {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("output value %v not in input", s)
		}
	}
}

func TestRejectOutliersRetainedWithinBound(t *testing.T) {
	samples := []float64{10, 11, 9, 10, 500, 12, 10}
	mean, std := meanStd(samples)
	got := RejectOutliers(samples)
	if len(got) == len(samples) {
		return
	}
	for _, s := range got {
		if math.Abs(s-mean) > 2*std {
			t.Fatalf("retained sample %v outside 2σ of original set", s)
		}
	}
}
