// Package vector provides the vector math operations used throughout the
// engine: cosine similarity, dot product, normalization, and centroid
// computation. All similarity comparisons in the engine go through this
// package so scores stay consistent between the in-memory store, the
// clustering code, and the expansion cost function.
package vector

import "math"

// Cosine calculates cosine similarity between two float64 vectors.
// Returns a value in [-1, 1] where 1 = identical, 0 = orthogonal.
// Mismatched or empty inputs return 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	normA, normB := Norm(a), Norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return Dot(a, b) / (normA * normB)
}

// Dot returns the dot product of two vectors. For L2-normalized inputs this
// equals cosine similarity. Mismatched or empty inputs return 0.
func Dot(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

// Norm returns the L2 norm of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Normalize returns an L2-normalized copy of v. A zero vector is returned
// unchanged (as a copy).
func Normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// Mean returns the element-wise mean of the given vectors. All vectors must
// share one dimension; vectors of a different length are skipped. Returns nil
// when no usable vector is present.
func Mean(vecs [][]float64) []float64 {
	var out []float64
	var n int
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		if out == nil {
			out = make([]float64, len(v))
		}
		if len(v) != len(out) {
			continue
		}
		for i, x := range v {
			out[i] += x
		}
		n++
	}
	if out == nil || n == 0 {
		return nil
	}
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}

// SquaredDistance returns the squared Euclidean distance between a and b.
// Used by k-means where the monotone transform is enough for argmin.
func SquaredDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
