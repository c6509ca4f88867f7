package vecmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
		epsilon  float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 0.0, 0.001},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 1.0, 0.001},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, 2.0, 0.001},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 2, 3}, 1.0, 0.001},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineDistance(tc.a, tc.b)
			assert.InDelta(t, tc.expected, got, tc.epsilon)
		})
	}
}

func TestEuclideanDistance(t *testing.T) {
	got := EuclideanDistance([]float32{0, 0}, []float32{3, 4})
	assert.InDelta(t, 5.0, got, 0.0001)
}

func TestDotDistanceIsNegated(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	got := DotDistance(a, b)
	assert.InDelta(t, -32.0, got, 0.0001)
}

func TestDistanceDimensionMismatch(t *testing.T) {
	_, err := Distance(Cosine, []float32{1, 2}, []float32{1, 2, 3})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNormalize(t *testing.T) {
	n := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, n[0], 0.0001)
	assert.InDelta(t, 0.8, n[1], 0.0001)

	zero := Normalize([]float32{0, 0, 0})
	for _, v := range zero {
		assert.Equal(t, float32(0), v)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]float32{1, 2, 3}))
	assert.False(t, Valid([]float32{1, float32(math.NaN()), 3}))
	assert.False(t, Valid([]float32{1, float32(math.Inf(1)), 3}))
}

func TestParseMetricRoundTrip(t *testing.T) {
	for _, m := range []Metric{Cosine, Euclidean, Dot} {
		parsed, ok := ParseMetric(m.String())
		require.True(t, ok)
		assert.Equal(t, m, parsed)
	}
	_, ok := ParseMetric("bogus")
	assert.False(t, ok)
}
