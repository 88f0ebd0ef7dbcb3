package embedding

import "math"

// CosineSimilarity calculates the cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Centroid computes the weighted mean of the given vectors. Weights and
// vectors are matched by index; nil vectors and non-positive weights are
// skipped. Returns nil if nothing contributes.
func Centroid(vectors [][]float32, weights []float64) []float32 {
	var dim int
	for _, v := range vectors {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	sums := make([]float64, dim)
	var totalWeight float64
	for i, v := range vectors {
		if len(v) != dim {
			continue
		}
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		if w <= 0 {
			continue
		}
		for j := range v {
			sums[j] += float64(v[j]) * w
		}
		totalWeight += w
	}
	if totalWeight == 0 {
		return nil
	}

	out := make([]float32, dim)
	for j := range sums {
		out[j] = float32(sums[j] / totalWeight)
	}
	return out
}
