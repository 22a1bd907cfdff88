package game

import (
	"math"

	"github.com/shopspring/decimal"
)

// currentMultiplier computes the live-phase multiplier at elapsedSeconds
// into a round whose pre-committed crash point is crashPoint. Growth is
// calibrated from the crash point itself so the live phase's duration
// stays on the order of a few seconds regardless of how high the round
// is destined to run, rather than following a crash-point-independent
// curve.
func currentMultiplier(crashPoint decimal.Decimal, elapsedSeconds float64) decimal.Decimal {
	cp, _ := crashPoint.Float64()
	if cp <= 1 {
		return decimal.NewFromInt(1)
	}

	targetTime := math.Log(cp) * 2
	if targetTime <= 0 {
		return crashPoint
	}

	growth := (cp - 1) / targetTime
	mult := 1 + elapsedSeconds*growth

	rounded := math.Floor(mult*100) / 100
	return decimal.NewFromFloat(rounded)
}
