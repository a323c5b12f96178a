// Package knowledge adapts the knowledge base the RAG tools search over.
package knowledge

import (
	"context"
	"regexp"
)

// Chunk is one retrievable passage of the knowledge base.
type Chunk struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Content string `json:"chunk"`
}

// Searcher retrieves chunks. Implementations own their retry policy.
type Searcher interface {
	Search(ctx context.Context, query string, top int) ([]Chunk, error)
	// Lookup returns the chunks with the given ids. Unknown ids are skipped.
	Lookup(ctx context.Context, ids []string) ([]Chunk, error)
	Mode() string
	Close() error
}

var chunkIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_=\-]+$`)

// ValidChunkID reports whether id is safe to use in a lookup filter.
func ValidChunkID(id string) bool {
	return chunkIDPattern.MatchString(id)
}
