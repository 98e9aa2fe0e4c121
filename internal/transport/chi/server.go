package chi

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/domain"
	domsearch "github.com/stashdoc/stashdoc/internal/domain/search"
	"github.com/stashdoc/stashdoc/internal/domain/txn"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
	healthuc "github.com/stashdoc/stashdoc/internal/usecase/health"
	monitoruc "github.com/stashdoc/stashdoc/internal/usecase/monitor"
	searchuc "github.com/stashdoc/stashdoc/internal/usecase/search"
	uploaduc "github.com/stashdoc/stashdoc/internal/usecase/upload"
)

const defaultTransactionLimit = 50

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Config holds transport-level policy.
type Config struct {
	PresignedURLTTL time.Duration
	MaxUploadSize   int64
}

// Server exposes the upload coordinator and search aggregator over HTTP.
type Server struct {
	uploads       *uploaduc.Service
	search        *searchuc.Service
	monitor       *monitoruc.Monitor
	health        *healthuc.Service
	cfg           Config
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	uploads *uploaduc.Service,
	search *searchuc.Service,
	monitor *monitoruc.Monitor,
	health *healthuc.Service,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.PresignedURLTTL <= 0 {
		cfg.PresignedURLTTL = 24 * time.Hour
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = domup.MaxFileSize
	}
	s := &Server{
		uploads: uploads,
		search:  search,
		monitor: monitor,
		health:  health,
		cfg:     cfg,
		logger:  logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrValidation, http.StatusBadRequest),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound),
		sentinelHandler(domain.ErrDerivedContent, http.StatusBadGateway),
		sentinelHandler(domain.ErrStorageWrite, http.StatusBadGateway),
		sentinelHandler(domain.ErrMetadataWrite, http.StatusBadGateway),
		sentinelHandler(domain.ErrIndexWrite, http.StatusBadGateway),
		sentinelHandler(domain.ErrTagWrite, http.StatusBadGateway),
		sentinelHandler(domain.ErrSearchFailed, http.StatusBadGateway),
		sentinelHandler(domain.ErrRollbackInconsistent, http.StatusInternalServerError),
	}
	return s
}

// Routes mounts all API endpoints onto a router.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/uploads/file", s.CreateFileUpload)
		r.Post("/uploads/link", s.CreateLinkUpload)
		r.Get("/uploads", s.ListUploads)
		r.Get("/uploads/{id}", s.GetUpload)
		r.Get("/uploads/{id}/download", s.DownloadUpload)
		r.Delete("/uploads/{id}", s.DeleteUpload)
		r.Get("/search", s.Search)
		r.Get("/transactions", s.ListTransactions)
	})
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

type linkUploadRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	OwnerID     string   `json:"owner_id"`
	Visibility  string   `json:"visibility"`
	Tags        []string `json:"tags"`
}

type uploadResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Kind        string    `json:"kind"`
	StorageKey  string    `json:"storage_key,omitempty"`
	ExternalURL string    `json:"external_url,omitempty"`
	Size        int64     `json:"size,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Visibility  string    `json:"visibility"`
	Summary     string    `json:"summary,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type stepResponse struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type createUploadResponse struct {
	Upload        uploadResponse `json:"upload"`
	TransactionID string         `json:"transaction_id"`
	Steps         []stepResponse `json:"steps"`
}

// CreateFileUpload handles POST /api/v1/uploads/file (multipart form).
func (s *Server) CreateFileUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "failed to read file: "+err.Error())
		return
	}

	in := domup.FileInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		FileBytes:   data,
		FileName:    header.Filename,
		MimeType:    fileMimeType(header),
		OwnerID:     r.FormValue("owner_id"),
		Visibility:  domup.Visibility(r.FormValue("visibility")),
		Tags:        parseTags(r.FormValue("tags")),
	}

	u, diag, err := s.uploads.CreateFile(r.Context(), in)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, createResponse(&u, diag))
}

// CreateLinkUpload handles POST /api/v1/uploads/link.
func (s *Server) CreateLinkUpload(w http.ResponseWriter, r *http.Request) {
	var req linkUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	in := domup.LinkInput{
		Title:       req.Title,
		Description: req.Description,
		URL:         req.URL,
		OwnerID:     req.OwnerID,
		Visibility:  domup.Visibility(req.Visibility),
		Tags:        req.Tags,
	}

	u, diag, err := s.uploads.CreateLink(r.Context(), in)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, createResponse(&u, diag))
}

// GetUpload handles GET /api/v1/uploads/{id}.
func (s *Server) GetUpload(w http.ResponseWriter, r *http.Request) {
	u, err := s.uploads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, uploadToResponse(&u))
}

// ListUploads handles GET /api/v1/uploads.
func (s *Server) ListUploads(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	ownerID := r.URL.Query().Get("owner_id")

	uploads, total, err := s.uploads.List(r.Context(), ownerID, limit, offset)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]uploadResponse, len(uploads))
	for i := range uploads {
		items[i] = uploadToResponse(&uploads[i])
	}

	s.writeData(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// DownloadUpload handles GET /api/v1/uploads/{id}/download.
func (s *Server) DownloadUpload(w http.ResponseWriter, r *http.Request) {
	url, err := s.uploads.DownloadURL(r.Context(), chi.URLParam(r, "id"), s.cfg.PresignedURLTTL)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": time.Now().UTC().Add(s.cfg.PresignedURLTTL),
	})
}

// DeleteUpload handles DELETE /api/v1/uploads/{id}.
func (s *Server) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hitResponse struct {
	ID          string    `json:"id"`
	Score       float64   `json:"score"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Kind        string    `json:"kind"`
	OwnerID     string    `json:"owner_id"`
	Visibility  string    `json:"visibility"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type searchResponse struct {
	Hits        []hitResponse `json:"hits"`
	Total       int           `json:"total"`
	HasMore     bool          `json:"has_more"`
	CurrentPage int           `json:"current_page"`
	TotalPages  int           `json:"total_pages"`
}

// Search handles GET /api/v1/search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "validation", "query parameter q is required")
		return
	}

	mode := domsearch.Mode(q.Get("mode"))
	if mode == "" {
		mode = domsearch.ModeSemantic
	}

	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		s.writeError(w, http.StatusBadRequest, "validation", "offset must not be negative")
		return
	}

	rs, err := s.search.Search(r.Context(), query, mode, limit, offset)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	hits := make([]hitResponse, len(rs.Hits))
	for i, h := range rs.Hits {
		p := h.Payload()
		hits[i] = hitResponse{
			ID:          h.ID(),
			Score:       h.Score(),
			Title:       p.Title,
			Description: p.Description,
			Kind:        p.Kind,
			OwnerID:     p.OwnerID,
			Visibility:  p.Visibility,
			Tags:        p.Tags,
			CreatedAt:   p.CreatedAt,
		}
	}

	s.writeData(w, http.StatusOK, searchResponse{
		Hits:        hits,
		Total:       rs.Total,
		HasMore:     rs.HasMore,
		CurrentPage: rs.CurrentPage,
		TotalPages:  rs.TotalPages,
	})
}

type transactionResponse struct {
	ID            string         `json:"id"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMS    int64          `json:"duration_ms"`
	Status        string         `json:"status"`
	Steps         []stepResponse `json:"steps"`
	RollbackRun   bool           `json:"rollback_run"`
	RollbackError string         `json:"rollback_error,omitempty"`
}

// ListTransactions handles GET /api/v1/transactions.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultTransactionLimit)

	records := s.monitor.Recent(limit)
	items := make([]transactionResponse, len(records))
	for i, rec := range records {
		items[i] = transactionResponse{
			ID:            rec.ID,
			StartedAt:     rec.StartedAt,
			DurationMS:    rec.Duration.Milliseconds(),
			Status:        string(rec.Status),
			Steps:         stepsToResponse(rec.Steps),
			RollbackRun:   rec.RollbackRun,
			RollbackError: rec.RollbackError,
		}
	}

	s.writeData(w, http.StatusOK, map[string]any{"items": items})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": string(report.Status),
		"checks": checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	for _, h := range s.errorHandlers {
		if h(w, err) {
			s.logger.Warn("domain error", zap.Error(err))
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeJSON(w, status, map[string]any{
			"success": false,
			"error": map[string]string{
				"category": domain.Category(err),
				"message":  safeMessage(err, sentinel),
			},
		})
		return true
	}
}

// safeMessage exposes validation details but hides internals of dependency failures.
func safeMessage(err, sentinel error) string {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
		return err.Error()
	}
	return sentinel.Error()
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, category, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error": map[string]string{
			"category": category,
			"message":  message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func createResponse(u *domup.Upload, diag uploaduc.Diagnostics) createUploadResponse {
	return createUploadResponse{
		Upload:        uploadToResponse(u),
		TransactionID: diag.TransactionID,
		Steps:         stepsToResponse(diag.Steps),
	}
}

func uploadToResponse(u *domup.Upload) uploadResponse {
	return uploadResponse{
		ID:          u.ID(),
		Title:       u.Title(),
		Description: u.Description(),
		Kind:        string(u.Kind()),
		StorageKey:  u.StorageKey(),
		ExternalURL: u.ExternalURL(),
		Size:        u.Size(),
		MimeType:    u.MimeType(),
		OwnerID:     u.OwnerID(),
		Visibility:  string(u.Visibility()),
		Summary:     u.Summary(),
		Tags:        u.Tags(),
		CreatedAt:   u.CreatedAt(),
	}
}

func stepsToResponse(steps []txn.StepRecord) []stepResponse {
	out := make([]stepResponse, len(steps))
	for i, st := range steps {
		out[i] = stepResponse{
			Name:       st.Name,
			DurationMS: st.Duration.Milliseconds(),
			Error:      st.Err,
		}
	}
	return out
}

func fileMimeType(header *multipart.FileHeader) string {
	ct := header.Header.Get("Content-Type")
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// parseTags splits a comma-separated tags form value.
func parseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
