// Package cache provides the semantic response cache: query embeddings
// compared by cosine similarity against live Redis entries.
package cache

import "math"

// CosineSimilarity computes (a·b)/(‖a‖·‖b‖). Mismatched lengths and
// zero-norm inputs return 0.
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

// IsSimilar reports whether two vectors meet the similarity threshold.
func IsSimilar(a, b []float32, threshold float64) bool {
	return CosineSimilarity(a, b) >= threshold
}
