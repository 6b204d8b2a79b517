package retrieval

import (
	"sort"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// rrfK is the standard reciprocal rank fusion constant. Larger values
// flatten the contribution of top ranks.
const rrfK = 60

type fuseKey struct {
	chunkID    uuid.UUID
	documentID uuid.UUID
	chunkIndex int
}

func keyFor(chunk repository.ScoredChunk) fuseKey {
	if chunk.ID != uuid.Nil {
		return fuseKey{chunkID: chunk.ID}
	}
	return fuseKey{documentID: chunk.DocumentID, chunkIndex: chunk.ChunkIndex}
}

// fuseRRF merges ranked lists with reciprocal rank fusion: each appearance
// at 1-based rank r contributes 1/(rrfK+r). A chunk appearing in several
// lists accumulates. Ties break on the rank in the first list, so dense
// order wins when fused scores are equal.
func fuseRRF(lists ...[]repository.ScoredChunk) []repository.ScoredChunk {
	type entry struct {
		chunk     repository.ScoredChunk
		score     float32
		firstRank int // rank in lists[0], or a sentinel past any real rank
	}

	merged := make(map[fuseKey]*entry)
	var order []fuseKey

	for li, list := range lists {
		for rank, chunk := range list {
			key := keyFor(chunk)
			e, ok := merged[key]
			if !ok {
				e = &entry{chunk: chunk, firstRank: 1 << 30}
				merged[key] = e
				order = append(order, key)
			}
			e.score += 1.0 / float32(rrfK+rank+1)
			if li == 0 && rank < e.firstRank {
				e.firstRank = rank
			}
		}
	}

	out := make([]repository.ScoredChunk, 0, len(order))
	entries := make([]*entry, 0, len(order))
	for _, key := range order {
		entries = append(entries, merged[key])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].firstRank < entries[j].firstRank
	})
	for _, e := range entries {
		chunk := e.chunk
		chunk.Score = e.score
		out = append(out, chunk)
	}
	return out
}
