package embed

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/claimlens/claimlens/internal/normalize"
)

const detBuckets = 4096

// detBias is the weight of the shared component present in every
// vector. It gives any two texts a baseline similarity, mirroring the
// floor real sentence embedders exhibit for same-domain text.
var detBias = float32(math.Sqrt(1.5))

// Deterministic is an offline Embedder for tests and smoke runs. Each
// content token contributes a fixed hash bucket, so similarity between
// two texts rises with the tokens they share and is stable across runs.
// It needs no sidecar and never fails.
type Deterministic struct{}

// ModelID identifies the deterministic namespace in cache keys.
func (Deterministic) ModelID() string { return "deterministic" }

// Embed returns one normalized vector per text.
func (d Deterministic) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = d.vector(text)
	}
	return out, nil
}

func (Deterministic) vector(text string) []float32 {
	v := make([]float32, 1+detBuckets)
	v[0] = detBias
	for _, tok := range normalize.ContentTokens(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		v[1+h.Sum64()%detBuckets]++
	}
	Normalize(v)
	return v
}
