package vectorutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMean(t *testing.T) {
	assert.InDelta(t, 2.0, Mean([]float32{1, 2, 3}), 0.0001)
	assert.InDelta(t, 0.0, Mean([]float32{}), 0.0001)
	assert.InDelta(t, -1.5, Mean([]float32{-1, -2}), 0.0001)
}

func TestSoftMax(t *testing.T) {
	probs := SoftMax([]float32{1, 2, 3})

	var sum float32
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 0.0001)
	assert.True(t, probs[2] > probs[1] && probs[1] > probs[0])

	uniform := SoftMax([]float32{5, 5, 5, 5})
	for _, p := range uniform {
		assert.InDelta(t, 0.25, p, 0.0001)
	}
}

func TestSoftMaxLargeLogits(t *testing.T) {
	// naive exponentiation overflows here, the max shift must not
	probs := SoftMax([]float32{1000, 1001})
	for _, p := range probs {
		assert.False(t, math.IsNaN(float64(p)))
		assert.False(t, math.IsInf(float64(p), 0))
	}
	assert.True(t, probs[1] > probs[0])
	assert.InDelta(t, 1.0, probs[0]+probs[1], 0.0001)
}

func TestSumSlice(t *testing.T) {
	assert.InDelta(t, 6.0, SumSlice([]float64{1, 2, 3}), 0.0001)
	assert.InDelta(t, 0.0, SumSlice(nil), 0.0001)
}

func TestArgMax(t *testing.T) {
	idx, val, err := ArgMax([]float32{0.1, 0.7, 0.2})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.7, val, 0.0001)

	// first index wins on ties
	idx, _, err = ArgMax([]float32{0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	_, _, err = ArgMax(nil)
	assert.Error(t, err)
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 0.0001)
	assert.InDelta(t, 1.0, Sigmoid(30), 0.0001)
	assert.InDelta(t, 0.0, Sigmoid(-30), 0.0001)
}

func TestNorm(t *testing.T) {
	assert.InDelta(t, 5.0, Norm([]float32{3, 4}, 2), 0.0001)
	assert.InDelta(t, 0.0, Norm([]float32{0, 0}, 2), 0.0001)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v, 2)
	assert.InDelta(t, 0.6, v[0], 0.0001)
	assert.InDelta(t, 0.8, v[1], 0.0001)
	assert.InDelta(t, 1.0, Norm(v, 2), 0.0001)

	// zero vectors must not produce NaN
	zero := []float32{0, 0, 0}
	Normalize(zero, 2)
	for _, e := range zero {
		assert.False(t, math.IsNaN(float64(e)))
	}
}
