package blocksync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateSampleNormal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sample   RateSample
		expected float64
	}{
		{
			name:     "zero window",
			sample:   RateSample{Events: 10},
			expected: 0,
		},
		{
			name:     "zero events",
			sample:   RateSample{WindowNanos: 100},
			expected: 0,
		},
		{
			name:     "discounts database time",
			sample:   RateSample{Events: 50, DatabaseNanos: 50, WindowNanos: 150},
			expected: 0.5,
		},
		{
			name:     "database exceeds window",
			sample:   RateSample{Events: 5, DatabaseNanos: 200, WindowNanos: 100},
			expected: 0,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.InDelta(t, tt.expected, tt.sample.Normal(), 1e-9)
		})
	}
}

func TestRateSampleRatio(t *testing.T) {
	t.Parallel()

	assert.Zero(t, RateSample{DatabaseNanos: 5}.Ratio())
	assert.InDelta(t, 0.25, RateSample{DatabaseNanos: 25, WindowNanos: 100}.Ratio(), 1e-9)
}

func TestRateSampleIdle(t *testing.T) {
	t.Parallel()

	assert.True(t, RateSample{}.Idle())
	assert.True(t, RateSample{WindowNanos: 100}.Idle())
	assert.False(t, RateSample{Events: 1}.Idle())
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	stats := summarize(nil)
	assert.Zero(t, stats.ActiveRows)
	assert.Zero(t, stats.Mean)
	assert.Zero(t, stats.StandardDeviation)

	stats = summarize([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 8, stats.ActiveRows)
	assert.InDelta(t, 5.0, stats.Mean, 1e-9)
	assert.InDelta(t, 2.0, stats.StandardDeviation, 1e-9)
}
