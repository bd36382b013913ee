// Package similarity provides the vector math used to compare voice embeddings
package similarity

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// ErrNoVectors is returned when an average is requested over nothing.
var ErrNoVectors = errors.New("similarity: no vectors")

// Cosine calculates cosine similarity between two vectors
// Formula: cos(θ) = (A·B) / (||A|| * ||B||)
//
// Vectors of different length, and zero vectors, score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		slog.Warn("cosine similarity: vector length mismatch", "a", len(a), "b", len(b))
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	// Avoid division by zero
	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Mean returns the element-wise average of vectors, which must share one dimension.
func Mean(vectors [][]float64) ([]float64, error) {
	return RunningMean(nil, 0, vectors)
}

// RunningMean folds vectors into a centroid that already averages count samples.
// A nil centroid with count 0 starts a fresh average.
func RunningMean(centroid []float64, count int, vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		if count > 0 && len(centroid) > 0 {
			return append([]float64(nil), centroid...), nil
		}
		return nil, ErrNoVectors
	}
	if count < 0 {
		return nil, fmt.Errorf("similarity: negative sample count %d", count)
	}

	dim := len(vectors[0])
	if count > 0 {
		if len(centroid) != dim {
			return nil, fmt.Errorf("similarity: centroid has dimension %d, samples have %d", len(centroid), dim)
		}
	}
	if dim == 0 {
		return nil, errors.New("similarity: empty vector")
	}

	sum := make([]float64, dim)
	if count > 0 {
		for i, v := range centroid {
			sum[i] = v * float64(count)
		}
	}
	for n, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("similarity: vector %d has dimension %d, expected %d", n, len(vec), dim)
		}
		for i, v := range vec {
			sum[i] += v
		}
	}

	total := float64(count + len(vectors))
	for i := range sum {
		sum[i] /= total
	}
	return sum, nil
}
