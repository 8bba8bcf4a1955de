package blocksync

import "math"

// RateSample summarizes the cost of processing some number of events
// (transaction inputs) over a wall-clock window, excluding time spent inside
// the chain store.
type RateSample struct {
	// Events is the number of inputs processed in the window.
	Events uint64

	// DatabaseNanos is the portion of the window spent in the chain store.
	DatabaseNanos uint64

	// WindowNanos is the wall-clock span of the window.
	WindowNanos uint64
}

// Idle reports whether the sample recorded no work at all.
func (r RateSample) Idle() bool {
	return r.Events == 0
}

// Normal is the event rate net of store cost, in events per nanosecond.
func (r RateSample) Normal() float64 {
	var discount uint64
	if r.WindowNanos > r.DatabaseNanos {
		discount = r.WindowNanos - r.DatabaseNanos
	}

	return divide(float64(r.Events), float64(discount))
}

// Ratio is the fraction of the window spent inside the chain store.
func (r RateSample) Ratio() float64 {
	return divide(float64(r.DatabaseNanos), float64(r.WindowNanos))
}

// divide returns numerator/denominator, or 0 for a 0 denominator.
func divide(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}

	return numerator / denominator
}

// RateStatistics is a snapshot of the non-idle slots in a table.
type RateStatistics struct {
	ActiveRows        int
	Mean              float64
	StandardDeviation float64
}

// summarize computes mean and standard deviation over a set of normalized
// rates.
func summarize(rates []float64) RateStatistics {
	active := len(rates)

	var total float64
	for _, rate := range rates {
		total += rate
	}

	mean := divide(total, float64(active))

	var squares float64
	for _, rate := range rates {
		difference := mean - rate
		squares += difference * difference
	}

	return RateStatistics{
		ActiveRows:        active,
		Mean:              mean,
		StandardDeviation: math.Sqrt(divide(squares, float64(active))),
	}
}
