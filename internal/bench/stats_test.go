package bench

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	mean, min, variance, valid := summarize([]float64{2, 4, 6})
	assert.Equal(t, 3, valid)
	assert.InDelta(t, 4.0, mean, 1e-12)
	assert.InDelta(t, 2.0, min, 1e-12)
	assert.InDelta(t, 8.0/3.0, variance, 1e-12)
}

func TestSummarizeSkipsFailedIterations(t *testing.T) {
	// A failed iteration is a NaN slot, never a zero: it must not drag the
	// mean or min down.
	mean, min, variance, valid := summarize([]float64{math.NaN(), 2, 4})
	assert.Equal(t, 2, valid)
	assert.InDelta(t, 3.0, mean, 1e-12)
	assert.InDelta(t, 2.0, min, 1e-12)
	assert.InDelta(t, 1.0, variance, 1e-12)
}

func TestSummarizeAllFailed(t *testing.T) {
	mean, min, variance, valid := summarize([]float64{math.NaN(), math.NaN()})
	assert.Equal(t, 0, valid)
	assert.True(t, math.IsNaN(mean))
	assert.True(t, math.IsNaN(min))
	assert.True(t, math.IsNaN(variance))
}

func TestSummarizeEmpty(t *testing.T) {
	_, _, _, valid := summarize(nil)
	assert.Equal(t, 0, valid)
}
