package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gochi "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/domain"
	domsearch "github.com/stashdoc/stashdoc/internal/domain/search"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
	"github.com/stashdoc/stashdoc/internal/domain/txn"
	healthuc "github.com/stashdoc/stashdoc/internal/usecase/health"
	monitoruc "github.com/stashdoc/stashdoc/internal/usecase/monitor"
	searchuc "github.com/stashdoc/stashdoc/internal/usecase/search"
	uploaduc "github.com/stashdoc/stashdoc/internal/usecase/upload"
)

// --- stubs wired beneath the real services ---

type stubObjects struct{}

func (stubObjects) Put(context.Context, string, []byte, string) error { return nil }
func (stubObjects) Delete(context.Context, string) error              { return nil }
func (stubObjects) PresignedURL(context.Context, string, time.Duration) (string, error) {
	return "https://signed.example/key", nil
}

type stubMeta struct {
	upload domup.Upload
	getErr error
}

func (s *stubMeta) InsertUpload(context.Context, *domup.Upload) error { return nil }
func (s *stubMeta) DeleteUpload(context.Context, string) error        { return nil }
func (s *stubMeta) GetUpload(context.Context, string) (domup.Upload, error) {
	return s.upload, s.getErr
}
func (s *stubMeta) ListUploads(context.Context, string, int, int) ([]domup.Upload, int, error) {
	return []domup.Upload{s.upload}, 1, nil
}
func (s *stubMeta) UpsertTag(context.Context, string) (string, error)  { return "tag-id", nil }
func (s *stubMeta) LinkTag(context.Context, string, string) error      { return nil }
func (s *stubMeta) DeleteTagLinks(context.Context, string) error       { return nil }
func (s *stubMeta) SearchUploads(context.Context, string, int, int) ([]domup.Upload, int, error) {
	return nil, 0, nil
}
func (s *stubMeta) TagsForUploads(context.Context, []string) (map[string][]string, error) {
	return nil, nil
}

type stubVectors struct{}

func (stubVectors) Upsert(context.Context, *domup.Upload) error { return nil }
func (stubVectors) Delete(context.Context, []string) error      { return nil }
func (stubVectors) Search(context.Context, []float32, int, float64) ([]domsearch.Hit, error) {
	return nil, nil
}

type stubKeywords struct {
	hits  []domsearch.Hit
	total int
}

func (s *stubKeywords) Add(context.Context, domup.IndexDocument) error { return nil }
func (s *stubKeywords) Remove(context.Context, string) error              { return nil }
func (s *stubKeywords) Search(context.Context, string, int, int) ([]domsearch.Hit, int, error) {
	return s.hits, s.total, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func testServer(t *testing.T, meta *stubMeta, healthErr error) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	monitor := monitoruc.New(8, logger)

	objects := stubObjects{}
	vectors := stubVectors{}
	keywords := &stubKeywords{
		hits:  []domsearch.Hit{domsearch.NewHit("k1", 0.7, domsearch.Payload{Title: "doc"})},
		total: 1,
	}

	uploadSvc := uploaduc.New(objects, meta, vectors, keywords, stubEmbedder{}, monitor,
		uploaduc.Config{RollbackBaseDelay: time.Millisecond}, logger)
	searchSvc := searchuc.New(vectors, keywords, meta, stubEmbedder{}, searchuc.Config{}, logger)
	healthSvc := healthuc.New(map[string]healthuc.Pinger{"metadata": stubPinger{err: healthErr}})

	srv := NewServer(uploadSvc, searchSvc, monitor, healthSvc, Config{}, logger)
	r := gochi.NewRouter()
	srv.Routes(r)
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Category string `json:"category"`
		Message  string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestSearchRequiresQuery(t *testing.T) {
	h := testServer(t, &stubMeta{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/search", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decode(t, rec)
	if env.Success || env.Error.Category != "validation" {
		t.Errorf("body = %+v", env)
	}
}

func TestSearchTraditional(t *testing.T) {
	h := testServer(t, &stubMeta{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=doc&mode=traditional", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	env := decode(t, rec)
	if !env.Success {
		t.Fatalf("body = %+v", env)
	}
	var data searchResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Total != 1 || len(data.Hits) != 1 || data.Hits[0].ID != "k1" {
		t.Errorf("data = %+v", data)
	}
}

func TestCreateLinkValidationError(t *testing.T) {
	h := testServer(t, &stubMeta{}, nil)

	body := `{"title":"","description":"d","url":"https://x.example","owner_id":"o","visibility":"private"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/link", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if env := decode(t, rec); env.Error.Category != "validation" {
		t.Errorf("category = %q", env.Error.Category)
	}
}

func TestCreateLinkSuccess(t *testing.T) {
	h := testServer(t, &stubMeta{}, nil)

	body := `{"title":"Doc","description":"A doc.","url":"https://x.example","owner_id":"o","visibility":"private","tags":["a"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/link", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	env := decode(t, rec)
	var data createUploadResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Upload.ID == "" || data.TransactionID == "" {
		t.Errorf("data = %+v", data)
	}
	if len(data.Steps) == 0 {
		t.Error("diagnostics steps missing")
	}
}

func TestGetUploadNotFound(t *testing.T) {
	h := testServer(t, &stubMeta{getErr: domain.ErrNotFound}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if env := decode(t, rec); env.Error.Category != "not_found" {
		t.Errorf("category = %q", env.Error.Category)
	}
}

func TestDownloadRejectsLinkUpload(t *testing.T) {
	link, err := domup.NewLink("id-1", domup.LinkInput{
		Title: "t", Description: "d", URL: "https://x.example",
		OwnerID: "o", Visibility: domup.VisibilityPrivate,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := testServer(t, &stubMeta{upload: link}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/id-1/download", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTransactionsEndpoint(t *testing.T) {
	logger := zap.NewNop()
	monitor := monitoruc.New(8, logger)
	monitor.Observe(txn.Record{ID: "tx-1", Status: txn.StatusSuccess})

	srv := NewServer(nil, nil, monitor, healthuc.New(nil), Config{}, logger)
	r := gochi.NewRouter()
	srv.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tx-1") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHealthDegraded(t *testing.T) {
	h := testServer(t, &stubMeta{}, errors.New("refused"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
