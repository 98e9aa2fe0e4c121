package upload

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stashdoc/stashdoc/internal/domain"
)

// Kind distinguishes the two upload variants.
type Kind string

const (
	KindFile Kind = "file"
	KindLink Kind = "link"
)

// Visibility controls who can see an upload.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

var ownerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

// MaxFileSize is the maximum accepted file payload in bytes.
const MaxFileSize = 100 << 20 // 100MB

// Upload is the canonical ingested entity. The ID is assigned by the
// coordinator before any store write so every store is keyed consistently.
type Upload struct {
	id            string
	title         string
	description   string
	kind          Kind
	storageKey    string
	externalURL   string
	size          int64
	mimeType      string
	ownerID       string
	visibility    Visibility
	extractedText string
	summary       string
	embedding     []float32
	tags          []string
	createdAt     time.Time
}

// FileInput carries the validated inputs of a file upload.
type FileInput struct {
	Title       string
	Description string
	FileBytes   []byte
	FileName    string
	MimeType    string
	OwnerID     string
	Visibility  Visibility
	Tags        []string
}

// LinkInput carries the validated inputs of a link upload.
type LinkInput struct {
	Title       string
	Description string
	URL         string
	OwnerID     string
	Visibility  Visibility
	Tags        []string
}

// NewFile validates file-upload input and creates an Upload with the given ID.
// Validation happens before any side effect; failures wrap domain.ErrValidation.
func NewFile(id string, in FileInput) (Upload, error) {
	if err := validateCommon(id, in.Title, in.Description, in.OwnerID, in.Visibility, in.Tags); err != nil {
		return Upload{}, err
	}
	if len(in.FileBytes) == 0 {
		return Upload{}, domain.Validationf("file bytes are required")
	}
	if len(in.FileBytes) > MaxFileSize {
		return Upload{}, domain.Validationf("file too large (max %d bytes)", MaxFileSize)
	}
	if strings.TrimSpace(in.FileName) == "" {
		return Upload{}, domain.Validationf("file name is required")
	}

	return Upload{
		id:          id,
		title:       in.Title,
		description: in.Description,
		kind:        KindFile,
		size:        int64(len(in.FileBytes)),
		mimeType:    in.MimeType,
		ownerID:     in.OwnerID,
		visibility:  in.Visibility,
		tags:        normalizeTags(in.Tags),
		createdAt:   time.Now().UTC(),
	}, nil
}

// NewLink validates link-upload input and creates an Upload with the given ID.
func NewLink(id string, in LinkInput) (Upload, error) {
	if err := validateCommon(id, in.Title, in.Description, in.OwnerID, in.Visibility, in.Tags); err != nil {
		return Upload{}, err
	}
	u := strings.TrimSpace(in.URL)
	if u == "" {
		return Upload{}, domain.Validationf("url is required")
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return Upload{}, domain.Validationf("url must be http(s), got %q", in.URL)
	}

	return Upload{
		id:          id,
		title:       in.Title,
		description: in.Description,
		kind:        KindLink,
		externalURL: u,
		ownerID:     in.OwnerID,
		visibility:  in.Visibility,
		tags:        normalizeTags(in.Tags),
		createdAt:   time.Now().UTC(),
	}, nil
}

// Reconstruct creates an Upload without validation (storage hydration).
func Reconstruct(
	id, title, description string, kind Kind,
	storageKey, externalURL string, size int64, mimeType string,
	ownerID string, visibility Visibility,
	extractedText, summary string, tags []string, createdAt time.Time,
) Upload {
	return Upload{
		id: id, title: title, description: description, kind: kind,
		storageKey: storageKey, externalURL: externalURL, size: size, mimeType: mimeType,
		ownerID: ownerID, visibility: visibility,
		extractedText: extractedText, summary: summary, tags: tags, createdAt: createdAt,
	}
}

func validateCommon(id, title, description, ownerID string, vis Visibility, tags []string) error {
	if id == "" {
		return domain.Validationf("upload ID is required")
	}
	if strings.TrimSpace(title) == "" {
		return domain.Validationf("title is required")
	}
	if strings.TrimSpace(description) == "" {
		return domain.Validationf("description is required")
	}
	if ownerID == "" {
		return domain.Validationf("owner ID is required")
	}
	if !ownerIDRegex.MatchString(ownerID) {
		return domain.Validationf("owner ID %q has invalid format", ownerID)
	}
	switch vis {
	case VisibilityPrivate, VisibilityTeam, VisibilityPublic:
	default:
		return domain.Validationf("visibility must be private, team, or public, got %q", string(vis))
	}
	for _, t := range tags {
		if strings.TrimSpace(t) == "" {
			return domain.Validationf("tags must be non-empty strings")
		}
	}
	return nil
}

// normalizeTags trims and dedupes tags, preserving first-seen order.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// ID returns the upload identifier.
func (u *Upload) ID() string { return u.id }

// Title returns the upload title.
func (u *Upload) Title() string { return u.title }

// Description returns the upload description.
func (u *Upload) Description() string { return u.description }

// Kind returns file or link.
func (u *Upload) Kind() Kind { return u.kind }

// StorageKey returns the object-store key (file uploads only).
func (u *Upload) StorageKey() string { return u.storageKey }

// ExternalURL returns the linked URL (link uploads only).
func (u *Upload) ExternalURL() string { return u.externalURL }

// Size returns the payload size in bytes (file uploads only).
func (u *Upload) Size() int64 { return u.size }

// MimeType returns the payload content type (file uploads only).
func (u *Upload) MimeType() string { return u.mimeType }

// OwnerID returns the creating principal.
func (u *Upload) OwnerID() string { return u.ownerID }

// Visibility returns the upload visibility.
func (u *Upload) Visibility() Visibility { return u.visibility }

// ExtractedText returns the derived text content.
func (u *Upload) ExtractedText() string { return u.extractedText }

// Summary returns the derived summary.
func (u *Upload) Summary() string { return u.summary }

// Embedding returns the derived embedding vector.
func (u *Upload) Embedding() []float32 { return u.embedding }

// Tags returns the upload tags.
func (u *Upload) Tags() []string { return u.tags }

// CreatedAt returns the assignment timestamp.
func (u *Upload) CreatedAt() time.Time { return u.createdAt }

// SetStorageKey records the object-store key after the blob write.
func (u *Upload) SetStorageKey(key string) { u.storageKey = key }

// SetDerived records the derived content produced before any store write.
func (u *Upload) SetDerived(extractedText, summary string, embedding []float32) {
	u.extractedText = extractedText
	u.summary = summary
	u.embedding = embedding
}

// EmbeddingText is the text the embedding is derived from.
func (u *Upload) EmbeddingText() string {
	if u.summary != "" {
		return fmt.Sprintf("%s\n%s", u.title, u.summary)
	}
	return fmt.Sprintf("%s\n%s", u.title, u.description)
}
