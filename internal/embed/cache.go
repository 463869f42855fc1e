package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Cache is a file-backed store of embedding vectors keyed by
// (model, text). Entries never expire; the text key already encodes the
// model, so switching models starts a fresh namespace.
type Cache struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCache returns a cache rooted at dir. The directory is created on
// first write.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// CacheKey derives the stable content key for a (model, text) pair.
func CacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// keyLock returns the mutex guarding first population of key.
func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

// Get returns the cached vector for (model, text), if present.
func (c *Cache) Get(model, text string) ([]float32, bool) {
	data, err := os.ReadFile(c.path(CacheKey(model, text)))
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

// Put stores a vector for (model, text). The write goes through a temp
// file so concurrent readers never observe a partial entry.
func (c *Cache) Put(model, text string, vec []float32) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create embedding cache dir: %w", err)
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	dst := c.path(CacheKey(model, text))
	tmp, err := os.CreateTemp(c.dir, "vec-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish cache entry: %w", err)
	}
	return nil
}

// CachedEmbedder wraps an Embedder with the disk cache. Cache misses
// are embedded through the inner embedder and persisted; a per-key lock
// keeps concurrent callers from embedding the same text twice.
type CachedEmbedder struct {
	inner Embedder
	cache *Cache
}

// NewCached wraps inner with a cache rooted at dir.
func NewCached(inner Embedder, dir string) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: NewCache(dir)}
}

// ModelID reports the inner embedder's model identifier.
func (e *CachedEmbedder) ModelID() string { return e.inner.ModelID() }

// Embed resolves each text from the cache, embedding and storing only
// the misses. Results preserve input order.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := e.inner.ModelID()
	vectors := make([][]float32, len(texts))

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		lock := e.cache.keyLock(CacheKey(model, text))
		lock.Lock()
		vec, ok := e.cache.Get(model, text)
		lock.Unlock()
		if ok {
			vectors[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}

	embedded, err := e.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		vectors[i] = embedded[j]
		lock := e.cache.keyLock(CacheKey(model, texts[i]))
		lock.Lock()
		_, present := e.cache.Get(model, texts[i])
		var err error
		if !present {
			err = e.cache.Put(model, texts[i], embedded[j])
		}
		lock.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return vectors, nil
}
