package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable is the sentinel wrapped by UnavailableError when the
// embedding or vector backend cannot be reached.
var ErrUnavailable = errors.New("retrieval: backend unavailable")

// UnavailableError reports a failed embedding or index operation. Callers
// degrade to a no-context response instead of aborting the turn.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("retrieval %s failed: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// Chunk is one retrieved span of an indexed document. Chunks are immutable
// once indexed.
type Chunk struct {
	DocumentID string  `json:"documentId"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Bundle is a ranked, deduplicated set of chunks assembled for one query:
// score descending, ties broken by document id then start offset.
type Bundle struct {
	Query     string    `json:"query"`
	Chunks    []Chunk   `json:"chunks,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (b Bundle) Empty() bool { return len(b.Chunks) == 0 }

// Render formats the bundle as a context block for the model.
func (b Bundle) Render() string {
	if b.Empty() {
		return "No relevant documents were found in the knowledge base."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant passages:\n", len(b.Chunks))
	for i, chunk := range b.Chunks {
		fmt.Fprintf(&sb, "\n[%d] source=%s score=%.4f\n%s\n", i+1, chunk.DocumentID, chunk.Score, chunk.Text)
	}
	return sb.String()
}

// Embedder turns text into a vector. Implementations must be deterministic
// for identical input so retrieval stays reproducible.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// IndexedChunk is a chunk as stored in the vector index.
type IndexedChunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Text       string    `json:"text"`
	Vector     []float64 `json:"vector"`
}

type Scored struct {
	Chunk IndexedChunk
	Score float64
}

// Index is the vector store boundary. Index construction happens in an
// external ingestion pipeline; the core only queries and upserts.
type Index interface {
	Upsert(ctx context.Context, chunks []IndexedChunk) error
	Query(ctx context.Context, vector []float64, k int) ([]Scored, error)
	Delete(ctx context.Context, ids []string) error
	Count() int
}
