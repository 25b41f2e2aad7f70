package domain

import (
	"math"
	"math/rand"

	"github.com/lexgraph/lexgraph/vector"
)

// kmeansResult is one clustering of a vector set.
type kmeansResult struct {
	labels    []int
	centroids [][]float64
	inertia   float64
}

// kmeans clusters vecs into k groups with Lloyd's algorithm, restarting
// `runs` times from different seeded initializations and keeping the run
// with the lowest inertia. The seed is fixed by the caller so clustering is
// reproducible across processes.
func kmeans(vecs [][]float64, k int, seed int64, runs int) kmeansResult {
	if runs < 1 {
		runs = 1
	}
	best := kmeansResult{inertia: math.Inf(1)}
	for run := 0; run < runs; run++ {
		rng := rand.New(rand.NewSource(seed + int64(run)))
		result := kmeansOnce(vecs, k, rng)
		if result.inertia < best.inertia {
			best = result
		}
	}
	return best
}

func kmeansOnce(vecs [][]float64, k int, rng *rand.Rand) kmeansResult {
	n := len(vecs)
	if k > n {
		k = n
	}

	centroids := initPlusPlus(vecs, k, rng)
	labels := make([]int, n)

	const maxIterations = 50
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range vecs {
			c := nearestCentroid(v, centroids)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}

		// Recompute centroids as member means; an emptied cluster keeps its
		// previous centroid.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, len(vecs[0]))
		}
		for i, v := range vecs {
			c := labels[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += x
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for j := range sums[c] {
				sums[c][j] /= float64(counts[c])
			}
			centroids[c] = sums[c]
		}

		if !changed && iter > 0 {
			break
		}
	}

	var inertia float64
	for i, v := range vecs {
		inertia += vector.SquaredDistance(v, centroids[labels[i]])
	}
	return kmeansResult{labels: labels, centroids: centroids, inertia: inertia}
}

// initPlusPlus seeds centroids with k-means++: the first uniformly, each
// following one proportional to squared distance from the nearest chosen
// centroid.
func initPlusPlus(vecs [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := append([]float64(nil), vecs[rng.Intn(len(vecs))]...)
	centroids = append(centroids, first)

	dist := make([]float64, len(vecs))
	for len(centroids) < k {
		var total float64
		for i, v := range vecs {
			d := math.Inf(1)
			for _, c := range centroids {
				if sq := vector.SquaredDistance(v, c); sq < d {
					d = sq
				}
			}
			dist[i] = d
			total += d
		}
		if total == 0 {
			// All remaining points coincide with chosen centroids.
			centroids = append(centroids, append([]float64(nil), vecs[rng.Intn(len(vecs))]...))
			continue
		}
		target := rng.Float64() * total
		var cum float64
		chosen := len(vecs) - 1
		for i, d := range dist {
			cum += d
			if cum >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), vecs[chosen]...))
	}
	return centroids
}

func nearestCentroid(v []float64, centroids [][]float64) int {
	best := 0
	bestDist := math.Inf(1)
	for c, centroid := range centroids {
		if d := vector.SquaredDistance(v, centroid); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

// silhouette computes the mean silhouette coefficient of a clustering using
// cosine distance. O(n^2); callers cap the sample size.
func silhouette(vecs [][]float64, labels []int, k int) float64 {
	n := len(vecs)
	if n < 2 || k < 2 {
		return 0
	}

	counts := make([]int, k)
	for _, l := range labels {
		counts[l]++
	}

	var total float64
	var scored int
	for i := 0; i < n; i++ {
		own := labels[i]
		if counts[own] < 2 {
			continue
		}

		// Mean distance to every cluster.
		sums := make([]float64, k)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			sums[labels[j]] += 1 - vector.Cosine(vecs[i], vecs[j])
		}

		a := sums[own] / float64(counts[own]-1)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == own || counts[c] == 0 {
				continue
			}
			if mean := sums[c] / float64(counts[c]); mean < b {
				b = mean
			}
		}
		if math.IsInf(b, 1) {
			continue
		}
		if denom := math.Max(a, b); denom > 0 {
			total += (b - a) / denom
		}
		scored++
	}
	if scored == 0 {
		return 0
	}
	return total / float64(scored)
}
