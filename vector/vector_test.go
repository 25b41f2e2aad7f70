package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{name: "identical", a: []float64{1, 2, 3}, b: []float64{1, 2, 3}, want: 1.0},
		{name: "orthogonal", a: []float64{1, 0}, b: []float64{0, 1}, want: 0.0},
		{name: "opposite", a: []float64{1, 0}, b: []float64{-1, 0}, want: -1.0},
		{name: "mismatched dims", a: []float64{1, 2}, b: []float64{1, 2, 3}, want: 0.0},
		{name: "empty", a: nil, b: nil, want: 0.0},
		{name: "zero vector", a: []float64{0, 0}, b: []float64{1, 2}, want: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestDotEqualsCosineForNormalized(t *testing.T) {
	a := Normalize([]float64{3, 4, 0})
	b := Normalize([]float64{1, 2, 2})

	assert.InDelta(t, Cosine(a, b), Dot(a, b), 1e-12)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float64{3, 4})
	assert.InDelta(t, 1.0, Norm(v), 1e-12)

	zero := Normalize([]float64{0, 0})
	assert.Equal(t, []float64{0, 0}, zero)
}

func TestMean(t *testing.T) {
	got := Mean([][]float64{{1, 2}, {3, 4}, {5, 6}})
	assert.Equal(t, []float64{3, 4}, got)

	// Vectors with mismatched dimensions are skipped.
	got = Mean([][]float64{{1, 2}, {9, 9, 9}, {3, 4}})
	assert.Equal(t, []float64{2, 3}, got)

	assert.Nil(t, Mean(nil))
	assert.Nil(t, Mean([][]float64{nil, {}}))
}

func TestSquaredDistance(t *testing.T) {
	assert.InDelta(t, 25.0, SquaredDistance([]float64{0, 0}, []float64{3, 4}), 1e-12)
	assert.True(t, math.IsInf(SquaredDistance([]float64{1}, []float64{1, 2}), 1))
}
