package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is an in-process cosine-similarity index with optional JSON
// file persistence. Query results are fully deterministic: score
// descending, then document id, then start offset, then chunk id.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks map[string]IndexedChunk
	path   string
}

type MemoryIndexOption func(*MemoryIndex)

// WithPersistencePath makes the index load its contents from path at
// construction and write them back after every mutation.
func WithPersistencePath(path string) MemoryIndexOption {
	return func(m *MemoryIndex) {
		m.path = strings.TrimSpace(path)
	}
}

func NewMemoryIndex(opts ...MemoryIndexOption) (*MemoryIndex, error) {
	m := &MemoryIndex{chunks: map[string]IndexedChunk{}}
	for _, opt := range opts {
		opt(m)
	}
	if m.path != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, chunks []IndexedChunk) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk id is required")
		}
		if len(chunk.Vector) == 0 {
			return fmt.Errorf("chunk %q has no vector", chunk.ID)
		}
		m.chunks[chunk.ID] = chunk
	}
	return m.persistLocked()
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float64, k int) ([]Scored, error) {
	_ = ctx
	if k <= 0 {
		return []Scored{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Scored, 0, len(m.chunks))
	for _, chunk := range m.chunks {
		out = append(out, Scored{Chunk: chunk, Score: cosineSimilarity(vector, chunk.Vector)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Chunk.DocumentID != out[j].Chunk.DocumentID {
			return out[i].Chunk.DocumentID < out[j].Chunk.DocumentID
		}
		if out[i].Chunk.Start != out[j].Chunk.Start {
			return out[i].Chunk.Start < out[j].Chunk.Start
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return m.persistLocked()
}

func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

func (m *MemoryIndex) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read vector index %q: %w", m.path, err)
	}
	var chunks []IndexedChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return fmt.Errorf("failed to decode vector index %q: %w", m.path, err)
	}
	for _, chunk := range chunks {
		m.chunks[chunk.ID] = chunk
	}
	return nil
}

func (m *MemoryIndex) persistLocked() error {
	if m.path == "" {
		return nil
	}
	chunks := make([]IndexedChunk, 0, len(m.chunks))
	for _, chunk := range m.chunks {
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })

	raw, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to encode vector index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create vector index directory: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write vector index: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace vector index: %w", err)
	}
	return nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
