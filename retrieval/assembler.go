package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	defaultTopK = 3
	// Overfetch before threshold filtering and dedup so the final bundle
	// is not starved by dropped candidates.
	overfetchFactor = 4
)

// Assembler turns a query into a ranked, deduplicated context bundle.
// Given identical inputs and index contents it always produces the same
// bundle.
type Assembler struct {
	embedder Embedder
	index    Index
	topK     int
	minScore float64
}

type AssemblerOption func(*Assembler)

func WithTopK(k int) AssemblerOption {
	return func(a *Assembler) {
		if k > 0 {
			a.topK = k
		}
	}
}

// WithMinScore drops candidates below the similarity threshold. Zero
// keeps everything.
func WithMinScore(threshold float64) AssemblerOption {
	return func(a *Assembler) {
		if threshold > 0 {
			a.minScore = threshold
		}
	}
}

func NewAssembler(embedder Embedder, index Index, opts ...AssemblerOption) (*Assembler, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	a := &Assembler{
		embedder: embedder,
		index:    index,
		topK:     defaultTopK,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Assemble embeds the query, fetches nearest chunks, filters by the
// similarity threshold, drops overlapping spans of the same document
// keeping the highest score, and orders the survivors. An empty bundle is
// a normal outcome, not an error; backend failures surface as
// *UnavailableError.
func (a *Assembler) Assemble(ctx context.Context, query string) (Bundle, error) {
	bundle := Bundle{Query: query, CreatedAt: time.Now().UTC()}
	if query == "" {
		return bundle, nil
	}

	vector, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return Bundle{}, &UnavailableError{Op: "embed", Err: err}
	}

	candidates, err := a.index.Query(ctx, vector, a.topK*overfetchFactor)
	if err != nil {
		return Bundle{}, &UnavailableError{Op: "query", Err: err}
	}

	kept := make([]Chunk, 0, a.topK)
	for _, candidate := range candidates {
		if candidate.Score < a.minScore {
			continue
		}
		chunk := Chunk{
			DocumentID: candidate.Chunk.DocumentID,
			Start:      candidate.Chunk.Start,
			End:        candidate.Chunk.End,
			Text:       candidate.Chunk.Text,
			Score:      candidate.Score,
		}
		// Candidates arrive score-descending, so on overlap the chunk
		// already kept has the higher score.
		if overlapsAny(kept, chunk) {
			continue
		}
		kept = append(kept, chunk)
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		if kept[i].DocumentID != kept[j].DocumentID {
			return kept[i].DocumentID < kept[j].DocumentID
		}
		return kept[i].Start < kept[j].Start
	})
	if len(kept) > a.topK {
		kept = kept[:a.topK]
	}
	bundle.Chunks = kept
	return bundle, nil
}

func overlapsAny(kept []Chunk, chunk Chunk) bool {
	for _, other := range kept {
		if other.DocumentID != chunk.DocumentID {
			continue
		}
		if chunk.Start < other.End && other.Start < chunk.End {
			return true
		}
	}
	return false
}
