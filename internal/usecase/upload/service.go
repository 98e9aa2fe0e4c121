package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/domain"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
	"github.com/stashdoc/stashdoc/internal/domain/txn"
	"github.com/stashdoc/stashdoc/internal/metrics"
)

// Checkpoint names, in forward execution order.
const (
	stepValidate       = "validate"
	stepDerive         = "derive_content"
	stepStoreBlob      = "store_blob"
	stepInsertMetadata = "insert_metadata"
	stepUpsertVector   = "upsert_vector"
	stepLinkTags       = "link_tags"
	stepIndexKeywords  = "index_keywords"
)

// Config holds coordinator policy knobs.
type Config struct {
	// StrictTags makes any tag failure fatal (abort and roll back) instead of
	// the default log-and-continue.
	StrictTags bool
	// Timeout bounds one invocation. Zero disables the deadline.
	Timeout time.Duration
	// RollbackMaxRetries is how many times a failed compensating action is
	// retried after its first attempt.
	RollbackMaxRetries uint64
	// RollbackBaseDelay is the initial backoff delay, doubled per attempt.
	RollbackBaseDelay time.Duration
}

// Service coordinates the ordered multi-store write for one logical upload.
// On any fatal failure it reverts every store written during the invocation
// and returns a single classified error.
type Service struct {
	objects  ObjectStore
	meta     MetadataStore
	vectors  VectorIndex
	keywords KeywordIndex
	embed    Embedder
	monitor  Monitor
	cfg      Config
	logger   *zap.Logger
}

// New creates an upload coordinator.
func New(
	objects ObjectStore,
	meta MetadataStore,
	vectors VectorIndex,
	keywords KeywordIndex,
	embed Embedder,
	monitor Monitor,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.RollbackMaxRetries == 0 {
		cfg.RollbackMaxRetries = 3
	}
	if cfg.RollbackBaseDelay <= 0 {
		cfg.RollbackBaseDelay = 100 * time.Millisecond
	}
	return &Service{
		objects:  objects,
		meta:     meta,
		vectors:  vectors,
		keywords: keywords,
		embed:    embed,
		monitor:  monitor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Diagnostics reports the transaction identity and checkpoint timings of one
// invocation back to the caller.
type Diagnostics struct {
	TransactionID string
	Steps         []txn.StepRecord
}

// CreateFile performs the file-variant write sequence:
// blob -> metadata row -> vector point -> tags -> keyword index.
func (s *Service) CreateFile(ctx context.Context, in domup.FileInput) (domup.Upload, Diagnostics, error) {
	tx := txn.New(uuid.NewString())
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	id := uuid.NewString()
	var u domup.Upload

	if err := s.step(ctx, tx, stepValidate, func(context.Context) error {
		var err error
		u, err = domup.NewFile(id, in)
		return err
	}); err != nil {
		d, e := s.fail(ctx, tx, domup.KindFile, stepValidate, err)
		return domup.Upload{}, d, e
	}

	if err := s.step(ctx, tx, stepDerive, func(ctx context.Context) error {
		return s.deriveContent(ctx, &u, extractFileText(in.FileBytes, in.MimeType, in.Description))
	}); err != nil {
		d, e := s.fail(ctx, tx, domup.KindFile, stepDerive, err)
		return domup.Upload{}, d, e
	}

	key := objectKey(in.FileName)
	if err := s.step(ctx, tx, stepStoreBlob, func(ctx context.Context) error {
		return s.objects.Put(ctx, key, in.FileBytes, in.MimeType)
	}); err != nil {
		d, e := s.fail(ctx, tx, domup.KindFile, stepStoreBlob, err)
		return domup.Upload{}, d, e
	}
	u.SetStorageKey(key)
	tx.PushRollback("delete_object", func(ctx context.Context) error {
		return s.objects.Delete(ctx, key)
	})

	diag, err := s.writeShared(ctx, tx, &u)
	if err != nil {
		return domup.Upload{}, diag, err
	}
	return u, diag, nil
}

// CreateLink performs the link-variant write sequence. It skips the blob
// write and derives text from the description.
func (s *Service) CreateLink(ctx context.Context, in domup.LinkInput) (domup.Upload, Diagnostics, error) {
	tx := txn.New(uuid.NewString())
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	id := uuid.NewString()
	var u domup.Upload

	if err := s.step(ctx, tx, stepValidate, func(context.Context) error {
		var err error
		u, err = domup.NewLink(id, in)
		return err
	}); err != nil {
		d, e := s.fail(ctx, tx, domup.KindLink, stepValidate, err)
		return domup.Upload{}, d, e
	}

	if err := s.step(ctx, tx, stepDerive, func(ctx context.Context) error {
		return s.deriveContent(ctx, &u, truncate(in.Description, maxExtractedText))
	}); err != nil {
		d, e := s.fail(ctx, tx, domup.KindLink, stepDerive, err)
		return domup.Upload{}, d, e
	}

	diag, err := s.writeShared(ctx, tx, &u)
	if err != nil {
		return domup.Upload{}, diag, err
	}
	return u, diag, nil
}

// writeShared runs the store sequence common to both variants, starting at
// the metadata row.
func (s *Service) writeShared(ctx context.Context, tx *txn.Transaction, u *domup.Upload) (Diagnostics, error) {
	kind := u.Kind()
	id := u.ID()

	if err := s.step(ctx, tx, stepInsertMetadata, func(ctx context.Context) error {
		return s.meta.InsertUpload(ctx, u)
	}); err != nil {
		return s.fail(ctx, tx, kind, stepInsertMetadata, err)
	}
	tx.PushRollback("delete_metadata_row", func(ctx context.Context) error {
		return s.meta.DeleteUpload(ctx, id)
	})

	if err := s.step(ctx, tx, stepUpsertVector, func(ctx context.Context) error {
		return s.vectors.Upsert(ctx, u)
	}); err != nil {
		return s.fail(ctx, tx, kind, stepUpsertVector, err)
	}
	tx.PushRollback("delete_vector_point", func(ctx context.Context) error {
		return s.vectors.Delete(ctx, []string{id})
	})

	if err := s.step(ctx, tx, stepLinkTags, func(ctx context.Context) error {
		return s.linkTags(ctx, tx, u)
	}); err != nil {
		return s.fail(ctx, tx, kind, stepLinkTags, err)
	}

	// Keyword indexing is a reconstructible secondary projection; a failure
	// here never unwinds the stores above.
	if err := s.step(ctx, tx, stepIndexKeywords, func(ctx context.Context) error {
		return s.keywords.Add(ctx, u.IndexDoc())
	}); err != nil {
		s.logger.Warn("keyword indexing failed",
			zap.String("upload_id", id),
			zap.Error(err),
		)
	}

	tx.Finish(txn.StatusSuccess)
	s.observe(tx, false, nil)
	metrics.UploadsTotal.WithLabelValues(string(kind), "success", "none").Inc()
	return diagnose(tx), nil
}

// linkTags upserts each tag by name and links it to the upload. In lenient
// mode a failed tag is logged and skipped; in strict mode the first failure
// aborts. Either way, once at least one association exists a single rollback
// action covering all of them is pushed.
func (s *Service) linkTags(ctx context.Context, tx *txn.Transaction, u *domup.Upload) error {
	if len(u.Tags()) == 0 {
		return nil
	}

	id := u.ID()
	linked := 0
	var firstErr error
	for _, name := range u.Tags() {
		err := s.linkOneTag(ctx, id, name)
		if err == nil {
			linked++
			continue
		}
		if s.cfg.StrictTags {
			firstErr = fmt.Errorf("tag %q: %w", name, err)
			break
		}
		s.logger.Warn("tag write failed, continuing",
			zap.String("upload_id", id),
			zap.String("tag", name),
			zap.Error(err),
		)
	}

	if linked > 0 {
		tx.PushRollback("delete_tag_links", func(ctx context.Context) error {
			return s.meta.DeleteTagLinks(ctx, id)
		})
	}
	return firstErr
}

func (s *Service) linkOneTag(ctx context.Context, uploadID, name string) error {
	tagID, err := s.meta.UpsertTag(ctx, name)
	if err != nil {
		return fmt.Errorf("upsert tag: %w", err)
	}
	if err := s.meta.LinkTag(ctx, uploadID, tagID); err != nil {
		return fmt.Errorf("link tag: %w", err)
	}
	return nil
}

// deriveContent fills extracted text, summary, and the embedding. Runs
// before any store write, so failures are terminal without rollback.
func (s *Service) deriveContent(ctx context.Context, u *domup.Upload, text string) error {
	u.SetDerived(text, summarize(text), nil)
	vec, err := s.embed.Embed(ctx, u.EmbeddingText())
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	u.SetDerived(text, u.Summary(), vec)
	return nil
}

// Get returns one upload with resolved tags.
func (s *Service) Get(ctx context.Context, id string) (domup.Upload, error) {
	u, err := s.meta.GetUpload(ctx, id)
	if err != nil {
		return domup.Upload{}, fmt.Errorf("get upload: %w", err)
	}
	return u, nil
}

// List paging bounds. Out-of-range values are clamped, never passed to SQL.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// List returns a page of uploads for one owner plus the total count.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]domup.Upload, int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	ups, total, err := s.meta.ListUploads(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list uploads: %w", err)
	}
	return ups, total, nil
}

// DownloadURL issues an expiring download link for a file upload.
func (s *Service) DownloadURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	u, err := s.meta.GetUpload(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get upload: %w", err)
	}
	if u.Kind() != domup.KindFile {
		return "", domain.Validationf("upload %s is not a file", id)
	}
	url, err := s.objects.PresignedURL(ctx, u.StorageKey(), ttl)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return url, nil
}

// Delete removes an upload from all four stores. This is a direct
// best-effort delete using the same primitives as rollback, not the
// create-path compensation: secondary-store failures are logged and only a
// failed metadata delete fails the call.
func (s *Service) Delete(ctx context.Context, id string) error {
	u, err := s.meta.GetUpload(ctx, id)
	if err != nil {
		return fmt.Errorf("get upload: %w", err)
	}

	if err := s.keywords.Remove(ctx, id); err != nil {
		s.logger.Warn("keyword delete failed", zap.String("upload_id", id), zap.Error(err))
	}
	if err := s.vectors.Delete(ctx, []string{id}); err != nil {
		s.logger.Warn("vector delete failed", zap.String("upload_id", id), zap.Error(err))
	}
	if u.Kind() == domup.KindFile && u.StorageKey() != "" {
		if err := s.objects.Delete(ctx, u.StorageKey()); err != nil {
			s.logger.Warn("object delete failed",
				zap.String("upload_id", id),
				zap.String("key", u.StorageKey()),
				zap.Error(err),
			)
		}
	}
	if err := s.meta.DeleteTagLinks(ctx, id); err != nil {
		s.logger.Warn("tag link delete failed", zap.String("upload_id", id), zap.Error(err))
	}
	if err := s.meta.DeleteUpload(ctx, id); err != nil {
		return fmt.Errorf("delete metadata row: %w: %w", domain.ErrMetadataWrite, err)
	}
	return nil
}

// --- Internals ---

func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return ctx, func() {}
}

// step times one checkpoint and records it on the transaction.
func (s *Service) step(ctx context.Context, tx *txn.Transaction, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	tx.RecordStep(name, d, err)
	metrics.UploadStepDuration.WithLabelValues(name).Observe(d.Seconds())
	return err
}

// fail classifies the triggering error, runs rollback if any store was
// written, and returns the classified error. Rollback failures are joined as
// an additional inconsistency signal; they never replace the root cause.
func (s *Service) fail(ctx context.Context, tx *txn.Transaction, kind domup.Kind, step string, err error) (Diagnostics, error) {
	classified := classify(step, err)

	var rbErr error
	rolledBack := false
	if len(tx.RollbackStack()) > 0 {
		rolledBack = true
		// Rollback must proceed even when the invocation deadline was the
		// trigger, so detach from the (possibly expired) deadline.
		rbErr = s.runRollback(context.WithoutCancel(ctx), tx)
	}

	tx.Finish(txn.StatusError)
	s.observe(tx, rolledBack, rbErr)
	metrics.UploadsTotal.WithLabelValues(string(kind), "error", domain.Category(classified)).Inc()
	s.logger.Error("upload failed",
		zap.String("transaction_id", tx.ID()),
		zap.String("step", step),
		zap.Bool("rolled_back", rolledBack),
		zap.Error(classified),
	)

	if rbErr != nil {
		return diagnose(tx), errors.Join(classified, rbErr)
	}
	return diagnose(tx), classified
}

func (s *Service) observe(tx *txn.Transaction, rolledBack bool, rbErr error) {
	if s.monitor != nil {
		s.monitor.Observe(tx.Snapshot(rolledBack, rbErr))
	}
}

// classify maps the failed checkpoint to the error taxonomy. Errors already
// carrying a sentinel pass through untouched.
func classify(step string, err error) error {
	for _, sentinel := range []error{
		domain.ErrValidation, domain.ErrDerivedContent, domain.ErrStorageWrite,
		domain.ErrMetadataWrite, domain.ErrIndexWrite, domain.ErrTagWrite,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var sentinel error
	switch step {
	case stepValidate:
		sentinel = domain.ErrValidation
	case stepDerive:
		sentinel = domain.ErrDerivedContent
	case stepStoreBlob:
		sentinel = domain.ErrStorageWrite
	case stepInsertMetadata:
		sentinel = domain.ErrMetadataWrite
	case stepUpsertVector:
		sentinel = domain.ErrIndexWrite
	case stepLinkTags:
		sentinel = domain.ErrTagWrite
	default:
		return err
	}
	return fmt.Errorf("%s: %w: %w", step, sentinel, err)
}

func diagnose(tx *txn.Transaction) Diagnostics {
	return Diagnostics{TransactionID: tx.ID(), Steps: tx.Steps()}
}

// objectKey builds a unique object-store key from the original filename.
func objectKey(fileName string) string {
	return fmt.Sprintf("%d_%s", time.Now().UnixNano(), fileName)
}
