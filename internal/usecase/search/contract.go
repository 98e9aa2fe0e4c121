package search

import (
	"context"

	domsearch "github.com/stashdoc/stashdoc/internal/domain/search"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
)

// VectorIndex answers nearest-neighbor queries over upload embeddings.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, limit int, scoreThreshold float64) ([]domsearch.Hit, error)
}

// KeywordIndex answers free-text queries against the full-text projection.
type KeywordIndex interface {
	Search(ctx context.Context, query string, limit, offset int) ([]domsearch.Hit, int, error)
}

// MetadataStore serves the substring backstop and batch tag resolution.
type MetadataStore interface {
	SearchUploads(ctx context.Context, query string, limit, offset int) ([]domup.Upload, int, error)
	TagsForUploads(ctx context.Context, ids []string) (map[string][]string, error)
}

// Embedder vectorizes the query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
