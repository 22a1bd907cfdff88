package game

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCurrentMultiplier_StartsAtOne(t *testing.T) {
	got := currentMultiplier(decimal.NewFromFloat(5.0), 0)
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("currentMultiplier at elapsed=0 = %s, want 1", got)
	}
}

func TestCurrentMultiplier_ReachesCrashPointAtTargetTime(t *testing.T) {
	crashPoint := decimal.NewFromFloat(10.0)
	cp, _ := crashPoint.Float64()
	targetTime := 2.0 * math.Log(cp)

	got := currentMultiplier(crashPoint, targetTime)
	diff, _ := got.Sub(decimal.NewFromFloat(cp)).Float64()
	if diff < -0.1 || diff > 0.1 {
		t.Errorf("currentMultiplier at target time = %s, want close to %v", got, cp)
	}
}

func TestCurrentMultiplier_MonotonicInElapsed(t *testing.T) {
	crashPoint := decimal.NewFromFloat(20.0)
	prev := currentMultiplier(crashPoint, 0.01)
	for _, elapsed := range []float64{0.1, 0.5, 1.0, 2.0} {
		next := currentMultiplier(crashPoint, elapsed)
		if next.LessThan(prev) {
			t.Errorf("multiplier decreased between elapsed steps: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestCurrentMultiplier_DegenerateCrashPoint(t *testing.T) {
	got := currentMultiplier(decimal.NewFromFloat(1.0), 5.0)
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("currentMultiplier with crashPoint=1 = %s, want 1", got)
	}
}

func TestCurrentMultiplier_TargetTimeStaysBoundedAcrossCrashPoints(t *testing.T) {
	// The calibration ties growth to ln(crashPoint) precisely so that a
	// round destined to crash very high does not take proportionally
	// longer to reach its crash point than a low one.
	for _, cp := range []float64{2, 10, 50, 119} {
		crashPoint := decimal.NewFromFloat(cp)
		raw, _ := crashPoint.Float64()
		targetTime := 2.0 * math.Log(raw)
		if targetTime > 20 {
			t.Errorf("crashPoint=%v target time %.2fs exceeds expected bound", cp, targetTime)
		}
	}
}
