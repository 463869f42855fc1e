package embed

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

// countingEmbedder wraps Deterministic and counts inner calls.
type countingEmbedder struct {
	calls int32
	seen  [][]string
	mu    sync.Mutex
}

func (c *countingEmbedder) ModelID() string { return "counting" }

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	c.seen = append(c.seen, append([]string(nil), texts...))
	c.mu.Unlock()
	return Deterministic{}.Embed(ctx, texts)
}

func TestCacheMissThenHit(t *testing.T) {
	cache := NewCache(t.TempDir())

	if _, ok := cache.Get("m", "consultation"); ok {
		t.Fatal("expected miss on empty cache")
	}

	vec := []float32{0.6, 0.8}
	if err := cache.Put("m", "consultation", vec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, ok := cache.Get("m", "consultation")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if !reflect.DeepEqual(got, vec) {
		t.Errorf("expected %v, got %v", vec, got)
	}
}

func TestCacheKeyNamespaces(t *testing.T) {
	if CacheKey("model-a", "text") == CacheKey("model-b", "text") {
		t.Error("different models produced the same key")
	}
	if CacheKey("model-a", "text") == CacheKey("model-a", "other") {
		t.Error("different texts produced the same key")
	}
	if CacheKey("m", "ab") == CacheKey("ma", "b") {
		t.Error("model/text boundary is ambiguous")
	}
}

func TestCacheCorruptEntryTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir)

	path := filepath.Join(dir, CacheKey("m", "broken")+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to plant corrupt entry: %v", err)
	}

	if _, ok := cache.Get("m", "broken"); ok {
		t.Error("corrupt entry served as a hit")
	}
}

func TestCachedEmbedderPopulatesOnce(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCached(inner, t.TempDir())
	ctx := context.Background()

	texts := []string{"consultation", "mri brain"}
	first, err := e.Embed(ctx, texts)
	if err != nil {
		t.Fatalf("first embed failed: %v", err)
	}
	second, err := e.Embed(ctx, texts)
	if err != nil {
		t.Fatalf("second embed failed: %v", err)
	}

	if got := atomic.LoadInt32(&inner.calls); got != 1 {
		t.Errorf("expected 1 inner call, got %d", got)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("cached result differs from first embedding")
	}
}

func TestCachedEmbedderPartialHit(t *testing.T) {
	inner := &countingEmbedder{}
	dir := t.TempDir()
	e := NewCached(inner, dir)
	ctx := context.Background()

	if _, err := e.Embed(ctx, []string{"consultation"}); err != nil {
		t.Fatalf("seed embed failed: %v", err)
	}

	vectors, err := e.Embed(ctx, []string{"mri brain", "consultation"})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}

	inner.mu.Lock()
	lastBatch := inner.seen[len(inner.seen)-1]
	inner.mu.Unlock()
	if !reflect.DeepEqual(lastBatch, []string{"mri brain"}) {
		t.Errorf("expected inner embedder to see only the miss, got %v", lastBatch)
	}

	// Cached entry must land in the right slot.
	want, _ := Deterministic{}.Embed(ctx, []string{"mri brain"})
	if !reflect.DeepEqual(vectors[0], want[0]) {
		t.Error("miss vector landed out of order")
	}
}

func TestCachedEmbedderConcurrentSameKey(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCached(inner, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][][]float32, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vecs, err := e.Embed(ctx, []string{"shared text"})
			if err != nil {
				t.Errorf("embed failed: %v", err)
				return
			}
			results[i] = vecs
		}(i)
	}
	wg.Wait()

	for i := 1; i < 8; i++ {
		if !reflect.DeepEqual(results[0], results[i]) {
			t.Fatalf("goroutine %d saw a different vector", i)
		}
	}
	if _, ok := e.cache.Get("counting", "shared text"); !ok {
		t.Error("expected cache populated after concurrent embeds")
	}
}
