package ingest

import "time"

// Adaptive flush threshold bounds. The threshold starts high and only
// shrinks: when a flush blows its budget the trigger count backs off,
// the way a generational collector backs off under pressure. No upward
// drift is needed.
const (
	InitialThreshold = 200
	ThresholdFloor   = 50
	ThresholdCeiling = 500

	// FlushBudget is the transaction duration a background flush may
	// spend before the threshold is reduced.
	FlushBudget = time.Second

	// thresholdBackoff is the multiplier applied when a flush exceeds
	// its budget: a 30% reduction.
	thresholdBackoff = 0.7
)

// NextThreshold returns the threshold to use after a flush that took
// lastFlush. Pure so the self-tuning is unit-testable without timing
// dependencies.
func NextThreshold(current int, lastFlush time.Duration) int {
	if current > ThresholdCeiling {
		current = ThresholdCeiling
	}
	if current < ThresholdFloor {
		current = ThresholdFloor
	}
	if lastFlush <= FlushBudget {
		return current
	}
	next := int(float64(current) * thresholdBackoff)
	if next < ThresholdFloor {
		next = ThresholdFloor
	}
	return next
}
