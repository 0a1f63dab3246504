// Package testutil provides shared test doubles and infrastructure:
// a deterministic embedder, a scripted generator, and a PostgreSQL
// container harness with the project schema applied.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// MockEmbedder produces deterministic unit vectors: the same text always
// embeds to the same vector, so similarity relationships are stable across
// test runs. Specific vectors can be pinned with SetVector.
type MockEmbedder struct {
	dim int

	mu     sync.Mutex
	pinned map[string][]float32
	calls  int
}

// NewMockEmbedder creates an embedder emitting dim-dimensional vectors.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim, pinned: make(map[string][]float32)}
}

// Dimension returns the configured vector size.
func (e *MockEmbedder) Dimension() int { return e.dim }

// SetVector pins the vector returned for content.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned[content] = vec
}

// Calls returns how many EmbedBatch invocations were made.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// EmbedBatch embeds each text deterministically.
func (e *MockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		e.mu.Lock()
		pinned, ok := e.pinned[t]
		e.mu.Unlock()
		if ok {
			out[i] = pinned
			continue
		}
		out[i] = deterministicVector(t, e.dim)
	}
	return out, nil
}

// deterministicVector derives a normalized vector from content via SHA-256.
func deterministicVector(content string, dim int) []float32 {
	hash := sha256.Sum256([]byte(content))
	vec := make([]float32, dim)
	for i := range vec {
		idx := (i * 4) % len(hash)
		bits := binary.LittleEndian.Uint32([]byte{
			hash[idx%32], hash[(idx+1)%32], hash[(idx+2)%32], hash[(idx+3)%32],
		})
		vec[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
