package search

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/domain"
	domsearch "github.com/stashdoc/stashdoc/internal/domain/search"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
	"github.com/stashdoc/stashdoc/internal/metrics"
)

// Config holds aggregator tuning knobs.
type Config struct {
	// ScoreFloor is the minimum similarity for vector hits, on the
	// cosine-derived [0,1] scale.
	ScoreFloor float64
	// DefaultLimit applies when the caller passes limit <= 0.
	DefaultLimit int
	// MaxLimit caps the caller's limit.
	MaxLimit int
}

// Service answers queries against the keyword index, the vector index, and
// the metadata backstop, returning one uniform ranked result shape.
type Service struct {
	vectors  VectorIndex
	keywords KeywordIndex
	meta     MetadataStore
	embed    Embedder
	cfg      Config
	logger   *zap.Logger
}

// New creates a search aggregator.
func New(
	vectors VectorIndex,
	keywords KeywordIndex,
	meta MetadataStore,
	embed Embedder,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = 0.5
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	return &Service{
		vectors:  vectors,
		keywords: keywords,
		meta:     meta,
		embed:    embed,
		cfg:      cfg,
		logger:   logger,
	}
}

// Search runs one query in the requested mode. An unsupported mode yields an
// empty result set, not an error.
func (s *Service) Search(ctx context.Context, query string, mode domsearch.Mode, limit, offset int) (domsearch.ResultSet, error) {
	limit = s.clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var (
		rs  domsearch.ResultSet
		err error
	)
	switch mode {
	case domsearch.ModeTraditional:
		rs, err = s.searchTraditional(ctx, query, limit, offset)
	case domsearch.ModeSemantic:
		rs, err = s.searchSemantic(ctx, query, limit, offset)
	default:
		s.logger.Debug("unsupported search mode", zap.String("mode", string(mode)))
		metrics.SearchRequestsTotal.WithLabelValues(string(mode), "unsupported").Inc()
		return domsearch.Empty(), nil
	}

	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues(string(mode), "error").Inc()
		return domsearch.ResultSet{}, err
	}
	metrics.SearchRequestsTotal.WithLabelValues(string(mode), "success").Inc()
	return rs, nil
}

// searchTraditional delegates to the keyword index. A not-yet-provisioned
// index is an empty result set; when no keyword index is wired the metadata
// substring match serves as the fallback source.
func (s *Service) searchTraditional(ctx context.Context, query string, limit, offset int) (domsearch.ResultSet, error) {
	if s.keywords == nil {
		return s.searchMetadataOnly(ctx, query, limit, offset)
	}

	hits, total, err := s.keywords.Search(ctx, query, limit, offset)
	if err != nil {
		if errors.Is(err, domain.ErrIndexNotFound) {
			return domsearch.Empty(), nil
		}
		return domsearch.ResultSet{}, fmt.Errorf("keyword search: %w: %w", domain.ErrSearchFailed, err)
	}

	hits, err = s.attachTags(ctx, hits)
	if err != nil {
		return domsearch.ResultSet{}, err
	}
	return domsearch.NewResultSet(hits, total, limit, offset), nil
}

// searchMetadataOnly is the substring fallback over title/description.
func (s *Service) searchMetadataOnly(ctx context.Context, query string, limit, offset int) (domsearch.ResultSet, error) {
	ups, total, err := s.meta.SearchUploads(ctx, query, limit, offset)
	if err != nil {
		return domsearch.ResultSet{}, fmt.Errorf("metadata search: %w: %w", domain.ErrSearchFailed, err)
	}
	hits := make([]domsearch.Hit, 0, len(ups))
	for i := range ups {
		hits = append(hits, hitFromUpload(&ups[i]))
	}
	hits, err = s.attachTags(ctx, hits)
	if err != nil {
		return domsearch.ResultSet{}, err
	}
	return domsearch.NewResultSet(hits, total, limit, offset), nil
}

// searchSemantic embeds the query, then runs the vector search and the
// metadata backstop concurrently, merges by ID, and returns the top window.
func (s *Service) searchSemantic(ctx context.Context, query string, limit, offset int) (domsearch.ResultSet, error) {
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return domsearch.ResultSet{}, fmt.Errorf("embed query: %w: %w", domain.ErrSearchFailed, err)
	}

	type vectorOut struct {
		hits []domsearch.Hit
		err  error
	}
	type backstopOut struct {
		ups []domup.Upload
		err error
	}

	vecCh := make(chan vectorOut, 1)
	backCh := make(chan backstopOut, 1)

	go func() {
		// Over-fetch so the merge still fills the page after dedupe.
		hits, err := s.vectors.Search(ctx, vec, limit*2, s.cfg.ScoreFloor)
		vecCh <- vectorOut{hits: hits, err: err}
	}()
	go func() {
		ups, _, err := s.meta.SearchUploads(ctx, query, limit, 0)
		backCh <- backstopOut{ups: ups, err: err}
	}()

	vout := <-vecCh
	bout := <-backCh

	if vout.err != nil && !errors.Is(vout.err, domain.ErrIndexNotFound) {
		return domsearch.ResultSet{}, fmt.Errorf("vector search: %w: %w", domain.ErrSearchFailed, vout.err)
	}
	if bout.err != nil {
		return domsearch.ResultSet{}, fmt.Errorf("metadata backstop: %w: %w", domain.ErrSearchFailed, bout.err)
	}

	backstop := make([]domsearch.Hit, 0, len(bout.ups))
	for i := range bout.ups {
		backstop = append(backstop, hitFromUpload(&bout.ups[i]))
	}

	merged := mergeHits(vout.hits, backstop)
	total := len(merged)
	window := pageWindow(merged, limit, offset)

	window, err = s.attachTags(ctx, window)
	if err != nil {
		return domsearch.ResultSet{}, err
	}
	return domsearch.NewResultSet(window, total, limit, offset), nil
}

// attachTags resolves tags for every hit in one batch metadata lookup.
func (s *Service) attachTags(ctx context.Context, hits []domsearch.Hit) ([]domsearch.Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID()
	}
	tags, err := s.meta.TagsForUploads(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve tags: %w: %w", domain.ErrSearchFailed, err)
	}
	for i, h := range hits {
		if t, ok := tags[h.ID()]; ok {
			hits[i] = h.WithTags(t)
		}
	}
	return hits, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		return s.cfg.MaxLimit
	}
	return limit
}

func pageWindow(hits []domsearch.Hit, limit, offset int) []domsearch.Hit {
	if offset >= len(hits) {
		return []domsearch.Hit{}
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	return hits[offset:end]
}

// hitFromUpload converts a metadata match into a hit. Substring matches have
// no ranked score and default to 1.
func hitFromUpload(u *domup.Upload) domsearch.Hit {
	return domsearch.NewHit(u.ID(), 1, domsearch.Payload{
		Title:       u.Title(),
		Description: u.Description(),
		Kind:        string(u.Kind()),
		OwnerID:     u.OwnerID(),
		Visibility:  string(u.Visibility()),
		Tags:        u.Tags(),
		CreatedAt:   u.CreatedAt(),
	})
}
