// Package match ranks catalog candidates against bill-side queries.
//
// Scoring blends three signals: cosine similarity of embeddings
// (semantic), Jaccard overlap of content-token sets, and containment of
// the candidate's tokens within the query. The package is pure: it
// neither persists nor logs, and every function is deterministic for a
// given index.
package match

import (
	"sort"

	"github.com/claimlens/claimlens/internal/embed"
)

// Weights blend the three signals into the hybrid score.
type Weights struct {
	Semantic    float64
	Token       float64
	Containment float64
}

// DefaultWeights returns the standard 0.6/0.3/0.1 blend.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.6, Token: 0.3, Containment: 0.1}
}

// Hybrid combines the three component scores under w.
func (w Weights) Hybrid(semantic, tokenOverlap, containment float64) float64 {
	return w.Semantic*semantic + w.Token*tokenOverlap + w.Containment*containment
}

// Entry is one indexed candidate: a catalog node with its normalized
// form, content tokens, and L2-normalized embedding. Ref is an opaque
// handle the caller uses to map results back to its own tables.
type Entry struct {
	Name       string
	Normalized string
	Tokens     []string
	Vector     []float32
	Ref        int
}

// Query is one prepared lookup variant. Callers that extract a medical
// core pass two queries, the full normalized text and the core, and the
// better-scoring variant wins per candidate.
type Query struct {
	Tokens []string
	Vector []float32
}

// Result carries a scored candidate.
type Result struct {
	Entry        Entry
	Semantic     float64
	TokenOverlap float64
	Containment  float64
	Hybrid       float64
}

// Index is an immutable flat candidate set supporting top-K search.
type Index struct {
	entries []Entry
}

// NewIndex builds an index over entries. The slice is retained, not
// copied; callers must not mutate it afterwards.
func NewIndex(entries []Entry) *Index {
	return &Index{entries: entries}
}

// Len reports the candidate count.
func (ix *Index) Len() int { return len(ix.entries) }

// Entries exposes the underlying candidates, mainly for re-indexing.
func (ix *Index) Entries() []Entry { return ix.entries }

func (ix *Index) score(e Entry, q Query, w Weights) Result {
	semantic := embed.Dot(q.Vector, e.Vector)
	tokenOverlap := Jaccard(q.Tokens, e.Tokens)
	containment := Containment(q.Tokens, e.Tokens)
	return Result{
		Entry:        e,
		Semantic:     semantic,
		TokenOverlap: tokenOverlap,
		Containment:  containment,
		Hybrid:       w.Hybrid(semantic, tokenOverlap, containment),
	}
}

// Nearest returns the top-1 candidate by semantic similarity alone,
// with the full score breakdown for diagnostics. ok is false on an
// empty index.
func (ix *Index) Nearest(q Query) (Result, bool) {
	if len(ix.entries) == 0 {
		return Result{}, false
	}
	w := DefaultWeights()
	best := ix.score(ix.entries[0], q, w)
	for _, e := range ix.entries[1:] {
		r := ix.score(e, q, w)
		if r.Semantic > best.Semantic ||
			(r.Semantic == best.Semantic && r.Entry.Name < best.Entry.Name) {
			best = r
		}
	}
	return best, true
}

// TopK scores every candidate against its best query variant and
// returns up to k results sorted by hybrid score descending. Ties break
// on semantic, then name, keeping output stable across runs.
func (ix *Index) TopK(queries []Query, k int, w Weights) []Result {
	if len(ix.entries) == 0 || len(queries) == 0 || k <= 0 {
		return nil
	}
	results := make([]Result, 0, len(ix.entries))
	for _, e := range ix.entries {
		best := ix.score(e, queries[0], w)
		for _, q := range queries[1:] {
			if r := ix.score(e, q, w); r.Hybrid > best.Hybrid {
				best = r
			}
		}
		results = append(results, best)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Hybrid != results[j].Hybrid {
			return results[i].Hybrid > results[j].Hybrid
		}
		if results[i].Semantic != results[j].Semantic {
			return results[i].Semantic > results[j].Semantic
		}
		return results[i].Entry.Name < results[j].Entry.Name
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Jaccard is |a ∩ b| / |a ∪ b| over token sets. Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := intersection(a, b)
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Containment is the fraction of candidate tokens present in the query,
// |query ∩ candidate| / |candidate|. A candidate with no content tokens
// scores 0.
func Containment(query, candidate []string) float64 {
	if len(candidate) == 0 {
		return 0
	}
	return float64(intersection(query, candidate)) / float64(len(candidate))
}

func intersection(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, tok := range b {
		set[tok] = true
	}
	count := 0
	for _, tok := range a {
		if set[tok] {
			count++
		}
	}
	return count
}
