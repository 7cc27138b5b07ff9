package retrieval

import (
	"context"
	"fmt"
)

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 100
)

// SplitDocument cuts text into fixed-size chunks with overlap. Chunk ids
// are derived from the document id and start offset so re-ingesting the
// same document upserts in place.
func SplitDocument(documentID, text string, size, overlap int) []IndexedChunk {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = defaultChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}

	runes := []rune(text)
	out := make([]IndexedChunk, 0, len(runes)/size+1)
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, IndexedChunk{
			ID:         fmt.Sprintf("%s#%d", documentID, start),
			DocumentID: documentID,
			Start:      start,
			End:        end,
			Text:       string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return out
}

// Ingestor embeds document chunks and upserts them into the index. It is
// the ingestion-pipeline side of the vector store boundary.
type Ingestor struct {
	embedder Embedder
	index    Index
}

func NewIngestor(embedder Embedder, index Index) (*Ingestor, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	return &Ingestor{embedder: embedder, index: index}, nil
}

// IngestDocument splits, embeds, and upserts one document. It returns the
// number of chunks written.
func (i *Ingestor) IngestDocument(ctx context.Context, documentID, text string, size, overlap int) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("document id is required")
	}
	chunks := SplitDocument(documentID, text, size, overlap)
	for idx := range chunks {
		vector, err := i.embedder.Embed(ctx, chunks[idx].Text)
		if err != nil {
			return 0, &UnavailableError{Op: "embed", Err: err}
		}
		chunks[idx].Vector = vector
	}
	if err := i.index.Upsert(ctx, chunks); err != nil {
		return 0, &UnavailableError{Op: "upsert", Err: err}
	}
	return len(chunks), nil
}
