package cache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identity", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero norm", []float32{0, 0}, []float32{1, 2}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCosineSimilarityScaleInvariant(t *testing.T) {
	a := []float32{0.3, -1.2, 4.5}
	scaled := []float32{0.6, -2.4, 9.0}
	assert.InDelta(t, 1, CosineSimilarity(a, scaled), 1e-6)
}

func TestIsSimilar(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0.1, 0}

	sim := CosineSimilarity(a, b)
	assert.True(t, IsSimilar(a, b, sim-1e-9))
	assert.False(t, IsSimilar(a, b, math.Nextafter(sim, 1)))
}
