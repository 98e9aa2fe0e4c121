package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals bad input; no external store was touched.
	ErrValidation = errors.New("validation failed")
	// ErrDerivedContent signals a failure deriving text, summary, or embedding.
	ErrDerivedContent = errors.New("derived content generation failed")
	// ErrStorageWrite signals an object store write failure.
	ErrStorageWrite = errors.New("object storage write failed")
	// ErrMetadataWrite signals a metadata store write failure.
	ErrMetadataWrite = errors.New("metadata write failed")
	// ErrIndexWrite signals a vector index write failure.
	ErrIndexWrite = errors.New("vector index write failed")
	// ErrTagWrite signals a tag association write failure.
	ErrTagWrite = errors.New("tag write failed")
	// ErrRollbackInconsistent signals that a compensating delete failed after a
	// fatal forward error. Data may be orphaned in one of the stores.
	ErrRollbackInconsistent = errors.New("rollback left stores inconsistent")

	// ErrNotFound signals a missing upload.
	ErrNotFound = errors.New("upload not found")
	// ErrIndexNotFound signals a not-yet-provisioned search index.
	// Search treats it as an empty result set, never as a failure.
	ErrIndexNotFound = errors.New("search index not found")
	// ErrSearchFailed signals a dependency failure during search.
	ErrSearchFailed = errors.New("search failed")
)

// Category returns the wire-level error category for a classified error.
// Unclassified errors map to "internal".
func Category(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDerivedContent):
		return "derived_content"
	case errors.Is(err, ErrStorageWrite):
		return "storage_write"
	case errors.Is(err, ErrMetadataWrite):
		return "metadata_write"
	case errors.Is(err, ErrIndexWrite):
		return "index_write"
	case errors.Is(err, ErrTagWrite):
		return "tag_write"
	case errors.Is(err, ErrRollbackInconsistent):
		return "rollback_inconsistent"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSearchFailed):
		return "search"
	default:
		return "internal"
	}
}

// Validationf wraps a formatted message with ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}
