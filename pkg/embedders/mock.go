package embedders

import (
	"context"
	"hash/fnv"
	"math"
)

// Mock is a deterministic embedder for tests and offline runs. Vectors are
// derived from token hashes so that texts sharing words land near each other
// while unrelated texts do not.
type Mock struct {
	dim int
}

// NewMock creates a mock embedder with the given vector width.
func NewMock(dim int) *Mock {
	if dim <= 0 {
		dim = 64
	}
	return &Mock{dim: dim}
}

func (m *Mock) Dimension() int    { return m.dim }
func (m *Mock) ModelName() string { return "mock" }

func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, m.dim)
	for _, tok := range tokens(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%m.dim] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func tokens(text string) []string {
	var out []string
	start := -1
	for i, r := range text {
		isWord := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, text[start:])
	}
	return out
}

var _ Embedder = (*Mock)(nil)
