package upload

import (
	"context"
	"time"

	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
	"github.com/stashdoc/stashdoc/internal/domain/txn"
)

// ObjectStore stores binary payloads by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MetadataStore persists upload rows and tag associations. An upload is
// durably created only once its row exists here; blobs or vector points
// without a row are orphans the rollback procedure must reap.
type MetadataStore interface {
	InsertUpload(ctx context.Context, u *domup.Upload) error
	DeleteUpload(ctx context.Context, id string) error
	GetUpload(ctx context.Context, id string) (domup.Upload, error)
	ListUploads(ctx context.Context, ownerID string, limit, offset int) ([]domup.Upload, int, error)

	// UpsertTag creates the tag by unique name if missing and returns its ID.
	// Concurrent uploads may race on the same name; the store-level upsert is
	// the idempotence point, there is no application-level locking.
	UpsertTag(ctx context.Context, name string) (string, error)
	LinkTag(ctx context.Context, uploadID, tagID string) error
	DeleteTagLinks(ctx context.Context, uploadID string) error
	TagsForUploads(ctx context.Context, ids []string) (map[string][]string, error)
}

// VectorIndex upserts and deletes embedding points keyed by upload ID.
type VectorIndex interface {
	Upsert(ctx context.Context, u *domup.Upload) error
	Delete(ctx context.Context, ids []string) error
}

// KeywordIndex maintains the full-text projection. It is secondary and
// reconstructible, so the coordinator treats its failures as non-fatal.
type KeywordIndex interface {
	Add(ctx context.Context, doc domup.IndexDocument) error
	Remove(ctx context.Context, id string) error
}

// Embedder vectorizes text into a fixed-dimension embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Monitor receives a snapshot of every finished coordinator invocation.
type Monitor interface {
	Observe(rec txn.Record)
}
