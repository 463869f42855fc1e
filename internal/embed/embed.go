// Package embed produces the vectors behind all semantic matching: an
// OpenAI-compatible client for a local embeddings sidecar, a disk cache
// keyed by (model, text), and a deterministic stand-in for tests and
// offline smoke runs.
//
// All vectors handed out by this package are L2-normalized, so cosine
// similarity reduces to a dot product.
package embed

import (
	"context"
	"math"

	"github.com/claimlens/claimlens/internal/log"
)

// Embedder turns texts into L2-normalized vectors. Implementations must
// return one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
}

// Normalize scales v to unit length in place. Zero vectors are left
// unchanged.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// Dot returns the inner product. For normalized vectors this is the
// cosine similarity. Mismatched lengths score 0.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// EmbedSafe embeds texts but never fails: when the backend is down the
// result holds nil vectors, which score 0 against everything, so
// downstream matching degrades instead of aborting the bill. Callers
// that need a complete index must use Embedder.Embed directly.
func EmbedSafe(ctx context.Context, e Embedder, logger log.Logger, texts []string) [][]float32 {
	vectors, err := e.Embed(ctx, texts)
	if err != nil {
		logger.Warn("embedding backend unavailable, similarity degraded to zero",
			"model", e.ModelID(),
			"texts", len(texts),
			"error", err.Error())
		return make([][]float32, len(texts))
	}
	return vectors
}
