package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
)

// Fake is a deterministic embedder for tests and CI. The vector for a text
// is derived from a hash of the text, so identical inputs always embed
// identically and distinct inputs are very unlikely to collide.
type Fake struct {
	dimension int

	queryCalls int64
	batchCalls int64

	mu        sync.Mutex
	batchSeen [][]string
}

// NewFake creates a fake embedder with the given dimension.
func NewFake(dimension int) *Fake {
	if dimension <= 0 {
		dimension = 768
	}
	return &Fake{dimension: dimension}
}

func (f *Fake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&f.queryCalls, 1)
	return f.vector(text), nil
}

func (f *Fake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&f.batchCalls, 1)
	f.mu.Lock()
	f.batchSeen = append(f.batchSeen, append([]string(nil), texts...))
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *Fake) Dimension() int  { return f.dimension }
func (f *Fake) ModelID() string { return "fake-embedder" }

// QueryCalls returns how many times EmbedQuery was invoked.
func (f *Fake) QueryCalls() int { return int(atomic.LoadInt64(&f.queryCalls)) }

// BatchCalls returns how many times EmbedBatch was invoked.
func (f *Fake) BatchCalls() int { return int(atomic.LoadInt64(&f.batchCalls)) }

// BatchInputs returns a copy of every text slice passed to EmbedBatch.
func (f *Fake) BatchInputs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.batchSeen))
	copy(out, f.batchSeen)
	return out
}

// vector expands a SHA-256 of the text into a unit-length vector.
func (f *Fake) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, f.dimension)
	var norm float64
	for i := range vec {
		var buf [40]byte
		copy(buf[:32], seed[:])
		binary.LittleEndian.PutUint64(buf[32:], uint64(i))
		h := sha256.Sum256(buf[:])
		v := float32(int32(binary.LittleEndian.Uint32(h[:4]))) / float32(math.MaxInt32)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

var _ Embedder = (*Fake)(nil)
