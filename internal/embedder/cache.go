package embedder

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/acervo-ai/acervo-backend/internal/metrics"
)

// CacheBackend stores embedding vectors by key. Implementations must be
// safe for concurrent use.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// Cached wraps an Embedder with a cache keyed by
// (model_id, task_type, normalized_text).
type Cached struct {
	inner   Embedder
	backend CacheBackend
	metrics *metrics.Set
}

// NewCached wraps inner with the given backend. metrics may be nil.
func NewCached(inner Embedder, backend CacheBackend, m *metrics.Set) *Cached {
	return &Cached{inner: inner, backend: backend, metrics: m}
}

func (c *Cached) key(taskType, text string) string {
	return c.inner.ModelID() + ":" + taskType + ":" + normalizeKeyText(text)
}

// normalizeKeyText collapses whitespace so trivially different spellings of
// the same text share a cache entry.
func normalizeKeyText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func (c *Cached) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key("query", text)
	if vec, ok := c.backend.Get(ctx, key); ok {
		c.observe("hit")
		return vec, nil
	}
	c.observe("miss")

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.backend.Set(ctx, key, vec)
	return vec, nil
}

// EmbedBatch partitions the inputs into cache hits and misses, calls the
// provider once with the unique misses, repopulates the cache, and
// reconstructs the output preserving input order and duplicates.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	missing := make(map[string]int) // normalized key -> position in missTexts
	var missTexts []string
	missIdx := make([][]int, 0) // positions in out per missing text

	for i, text := range texts {
		key := c.key("document", text)
		if vec, ok := c.backend.Get(ctx, key); ok {
			c.observe("hit")
			out[i] = vec
			continue
		}
		c.observe("miss")
		if pos, ok := missing[key]; ok {
			missIdx[pos] = append(missIdx[pos], i)
			continue
		}
		missing[key] = len(missTexts)
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, []int{i})
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for pos, vec := range vecs {
		c.backend.Set(ctx, c.key("document", missTexts[pos]), vec)
		for _, i := range missIdx[pos] {
			out[i] = vec
		}
	}
	return out, nil
}

func (c *Cached) Dimension() int  { return c.inner.Dimension() }
func (c *Cached) ModelID() string { return c.inner.ModelID() }

func (c *Cached) observe(event string) {
	if c.metrics != nil {
		c.metrics.EmbeddingCacheEvents.WithLabelValues(event).Inc()
	}
}

var _ Embedder = (*Cached)(nil)

// MemoryCache is an in-process LRU cache with per-entry TTL.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

type memoryEntry struct {
	key       string
	vec       []float32
	expiresAt time.Time
}

// NewMemoryCache creates an LRU cache holding at most maxSize entries,
// each valid for ttl.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if m.now().After(entry.expiresAt) {
		m.order.Remove(el)
		delete(m.entries, key)
		return nil, false
	}
	m.order.MoveToFront(el)
	return entry.vec, true
}

func (m *MemoryCache) Set(_ context.Context, key string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.vec = vec
		entry.expiresAt = m.now().Add(m.ttl)
		m.order.MoveToFront(el)
		return
	}

	el := m.order.PushFront(&memoryEntry{key: key, vec: vec, expiresAt: m.now().Add(m.ttl)})
	m.entries[key] = el

	for m.order.Len() > m.maxSize {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
}

var _ CacheBackend = (*MemoryCache)(nil)
