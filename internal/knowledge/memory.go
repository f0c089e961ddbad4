package knowledge

import (
	"context"
	"sort"
	"sync"

	"github.com/aegisstack/aegis-ir/internal/models"
)

// MemoryBackend keeps knowledge entries in process memory. It is the
// default backend and the fallback when no vector database is
// configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries []models.KnowledgeEntry
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Put appends an entry.
func (b *MemoryBackend) Put(_ context.Context, entry models.KnowledgeEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

// Search scores every stored entry against the query vector and returns
// the closest matches, best first.
func (b *MemoryBackend) Search(_ context.Context, vector []float32, limit int) ([]models.ScoredEntry, error) {
	if limit <= 0 {
		limit = defaultTopK
	}

	b.mu.RLock()
	scored := make([]models.ScoredEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		if len(entry.Embedding) == 0 {
			continue
		}
		scored = append(scored, models.ScoredEntry{
			Entry:      entry,
			Similarity: cosineSimilarity(vector, entry.Embedding),
		})
	}
	b.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Recent returns the newest entries first.
func (b *MemoryBackend) Recent(_ context.Context, limit int) ([]models.KnowledgeEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.KnowledgeEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.entries[i])
	}
	return out, nil
}

// Len reports how many entries are stored.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
