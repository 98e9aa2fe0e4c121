package upload

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/domain"
	"github.com/stashdoc/stashdoc/internal/domain/txn"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
)

// --- mocks ---

type fakeObjects struct {
	mu      sync.Mutex
	calls   []string
	putErr  error
	delErr  error
	delFunc func() error
}

func (f *fakeObjects) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeObjects) Put(_ context.Context, key string, _ []byte, _ string) error {
	f.record("put:" + key)
	return f.putErr
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.record("delete:" + key)
	if f.delFunc != nil {
		return f.delFunc()
	}
	return f.delErr
}

func (f *fakeObjects) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

type fakeMeta struct {
	mu         sync.Mutex
	calls      []string
	insertErr  error
	deleteErr  error
	upsertErr  error
	linkErr    error
	getUpload  domup.Upload
	getErr     error
	failTag    string // only this tag name fails
	listLimit  int
	listOffset int
}

func (f *fakeMeta) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMeta) InsertUpload(_ context.Context, u *domup.Upload) error {
	f.record("insert:" + u.ID())
	return f.insertErr
}

func (f *fakeMeta) DeleteUpload(_ context.Context, id string) error {
	f.record("delete:" + id)
	return f.deleteErr
}

func (f *fakeMeta) GetUpload(_ context.Context, id string) (domup.Upload, error) {
	f.record("get:" + id)
	return f.getUpload, f.getErr
}

func (f *fakeMeta) ListUploads(_ context.Context, _ string, limit, offset int) ([]domup.Upload, int, error) {
	f.mu.Lock()
	f.listLimit, f.listOffset = limit, offset
	f.mu.Unlock()
	return nil, 0, nil
}

func (f *fakeMeta) UpsertTag(_ context.Context, name string) (string, error) {
	f.record("upsert_tag:" + name)
	if f.upsertErr != nil && (f.failTag == "" || f.failTag == name) {
		return "", f.upsertErr
	}
	return "tag-" + name, nil
}

func (f *fakeMeta) LinkTag(_ context.Context, uploadID, tagID string) error {
	f.record("link_tag:" + tagID)
	return f.linkErr
}

func (f *fakeMeta) DeleteTagLinks(_ context.Context, uploadID string) error {
	f.record("delete_tag_links:" + uploadID)
	return nil
}

func (f *fakeMeta) TagsForUploads(context.Context, []string) (map[string][]string, error) {
	return nil, nil
}

type fakeVectors struct {
	mu        sync.Mutex
	calls     []string
	upsertErr error
	deleteErr error
}

func (f *fakeVectors) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeVectors) Upsert(_ context.Context, u *domup.Upload) error {
	f.record("upsert:" + u.ID())
	return f.upsertErr
}

func (f *fakeVectors) Delete(_ context.Context, ids []string) error {
	f.record("delete:" + strings.Join(ids, ","))
	return f.deleteErr
}

type fakeKeywords struct {
	addErr    error
	removeErr error
	added     []domup.IndexDocument
	removed   []string
}

func (f *fakeKeywords) Add(_ context.Context, doc domup.IndexDocument) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, doc)
	return nil
}

func (f *fakeKeywords) Remove(_ context.Context, id string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.vec != nil {
		return f.vec, nil
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeMonitor struct {
	records []txn.Record
}

func (f *fakeMonitor) Observe(rec txn.Record) {
	f.records = append(f.records, rec)
}

type fixture struct {
	objects  *fakeObjects
	meta     *fakeMeta
	vectors  *fakeVectors
	keywords *fakeKeywords
	embed    *fakeEmbedder
	monitor  *fakeMonitor
	svc      *Service
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		objects:  &fakeObjects{},
		meta:     &fakeMeta{},
		vectors:  &fakeVectors{},
		keywords: &fakeKeywords{},
		embed:    &fakeEmbedder{},
		monitor:  &fakeMonitor{},
	}
	if cfg.RollbackBaseDelay == 0 {
		cfg.RollbackBaseDelay = time.Millisecond
	}
	f.svc = New(f.objects, f.meta, f.vectors, f.keywords, f.embed, f.monitor, cfg, zap.NewNop())
	return f
}

func validFileInput() domup.FileInput {
	return domup.FileInput{
		Title:       "Quarterly report",
		Description: "Numbers for Q3. Revenue grew. Costs flat.",
		FileBytes:   []byte("revenue grew in the third quarter"),
		FileName:    "q3.txt",
		MimeType:    "text/plain",
		OwnerID:     "alice",
		Visibility:  domup.VisibilityTeam,
		Tags:        []string{"finance", "q3"},
	}
}

func validLinkInput() domup.LinkInput {
	return domup.LinkInput{
		Title:       "Design doc",
		Description: "External design document.",
		URL:         "https://docs.example.com/design",
		OwnerID:     "bob",
		Visibility:  domup.VisibilityPrivate,
		Tags:        []string{"design"},
	}
}

// --- tests ---

func TestCreateFileSuccess(t *testing.T) {
	f := newFixture(Config{})

	u, diag, err := f.svc.CreateFile(context.Background(), validFileInput())
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if u.ID() == "" {
		t.Error("upload has no ID")
	}
	if u.StorageKey() == "" {
		t.Error("upload has no storage key")
	}
	if !strings.HasSuffix(u.StorageKey(), "_q3.txt") {
		t.Errorf("storage key %q does not carry the original filename", u.StorageKey())
	}
	if u.Summary() == "" {
		t.Error("derived summary is empty")
	}
	if len(u.Embedding()) == 0 {
		t.Error("embedding not set")
	}

	if len(f.meta.calls) == 0 || !strings.HasPrefix(f.meta.calls[0], "insert:") {
		t.Errorf("metadata insert missing, calls = %v", f.meta.calls)
	}
	if len(f.vectors.calls) != 1 {
		t.Errorf("vector calls = %v, want one upsert", f.vectors.calls)
	}
	if len(f.keywords.added) != 1 {
		t.Fatalf("keyword docs added = %d, want 1", len(f.keywords.added))
	}
	if doc := f.keywords.added[0]; doc.ID != u.ID() || doc.Title != u.Title() {
		t.Errorf("index document %+v does not match upload", doc)
	}

	if diag.TransactionID == "" {
		t.Error("diagnostics missing transaction id")
	}
	wantSteps := []string{"validate", "derive_content", "store_blob", "insert_metadata", "upsert_vector", "link_tags", "index_keywords"}
	if len(diag.Steps) != len(wantSteps) {
		t.Fatalf("steps = %d, want %d", len(diag.Steps), len(wantSteps))
	}
	for i, st := range diag.Steps {
		if st.Name != wantSteps[i] {
			t.Errorf("step[%d] = %q, want %q", i, st.Name, wantSteps[i])
		}
	}

	if len(f.monitor.records) != 1 {
		t.Fatalf("monitor records = %d, want 1", len(f.monitor.records))
	}
	rec := f.monitor.records[0]
	if rec.Status != txn.StatusSuccess {
		t.Errorf("record status = %q, want success", rec.Status)
	}
	if rec.RollbackRun {
		t.Error("rollback ran on a successful invocation")
	}
}

func TestCreateLinkSuccess(t *testing.T) {
	f := newFixture(Config{})

	u, _, err := f.svc.CreateLink(context.Background(), validLinkInput())
	if err != nil {
		t.Fatalf("CreateLink() error = %v", err)
	}
	if u.Kind() != domup.KindLink {
		t.Errorf("kind = %q, want link", u.Kind())
	}
	if u.StorageKey() != "" {
		t.Errorf("link upload has storage key %q", u.StorageKey())
	}
	if len(f.objects.calls) != 0 {
		t.Errorf("object store touched for a link: %v", f.objects.calls)
	}
}

func TestCreateFileValidationError(t *testing.T) {
	f := newFixture(Config{})

	in := validFileInput()
	in.Title = ""
	_, _, err := f.svc.CreateFile(context.Background(), in)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}

	if len(f.objects.calls)+len(f.meta.calls)+len(f.vectors.calls) != 0 {
		t.Error("stores were touched despite validation failure")
	}
	if len(f.monitor.records) != 1 || f.monitor.records[0].RollbackRun {
		t.Error("validation failure must be observed without rollback")
	}
}

func TestCreateFileMetadataFailureRollsBackObject(t *testing.T) {
	f := newFixture(Config{})
	f.meta.insertErr = errors.New("connection refused")

	_, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if !errors.Is(err, domain.ErrMetadataWrite) {
		t.Fatalf("error = %v, want ErrMetadataWrite", err)
	}

	var deletes int
	for _, c := range f.objects.calls {
		if strings.HasPrefix(c, "delete:") {
			deletes++
		}
	}
	if deletes != 1 {
		t.Errorf("object deletes = %d, want 1 (compensation), calls = %v", deletes, f.objects.calls)
	}
	if len(f.vectors.calls) != 0 {
		t.Errorf("vector index touched after metadata failure: %v", f.vectors.calls)
	}

	rec := f.monitor.records[0]
	if rec.Status != txn.StatusError || !rec.RollbackRun {
		t.Errorf("record = %+v, want error status with rollback", rec)
	}
	if rec.RollbackError != "" {
		t.Errorf("rollback error = %q, want clean rollback", rec.RollbackError)
	}
}

func TestCreateFileVectorFailureRollsBackInReverseOrder(t *testing.T) {
	f := newFixture(Config{})
	f.vectors.upsertErr = errors.New("qdrant down")

	_, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if !errors.Is(err, domain.ErrIndexWrite) {
		t.Fatalf("error = %v, want ErrIndexWrite", err)
	}

	// Metadata row must be compensated before the blob (LIFO).
	metaDelete := -1
	for i, c := range f.meta.calls {
		if strings.HasPrefix(c, "delete:") {
			metaDelete = i
		}
	}
	if metaDelete == -1 {
		t.Fatalf("metadata row not compensated, calls = %v", f.meta.calls)
	}
	objDelete := false
	for _, c := range f.objects.calls {
		if strings.HasPrefix(c, "delete:") {
			objDelete = true
		}
	}
	if !objDelete {
		t.Fatalf("blob not compensated, calls = %v", f.objects.calls)
	}
}

func TestCreateLinkVectorFailureRollsBackMetadataOnly(t *testing.T) {
	f := newFixture(Config{})
	f.vectors.upsertErr = errors.New("qdrant down")

	_, _, err := f.svc.CreateLink(context.Background(), validLinkInput())
	if !errors.Is(err, domain.ErrIndexWrite) {
		t.Fatalf("error = %v, want ErrIndexWrite", err)
	}
	if len(f.objects.calls) != 0 {
		t.Errorf("object store touched for a link rollback: %v", f.objects.calls)
	}
	found := false
	for _, c := range f.meta.calls {
		if strings.HasPrefix(c, "delete:") {
			found = true
		}
	}
	if !found {
		t.Errorf("metadata row not compensated, calls = %v", f.meta.calls)
	}
}

func TestLenientTagFailureContinues(t *testing.T) {
	f := newFixture(Config{})
	f.meta.upsertErr = errors.New("tag table locked")
	f.meta.failTag = "finance"

	u, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if err != nil {
		t.Fatalf("lenient mode must tolerate tag failure, got %v", err)
	}
	if u.ID() == "" {
		t.Fatal("upload not created")
	}

	// The second tag still linked.
	linked := 0
	for _, c := range f.meta.calls {
		if strings.HasPrefix(c, "link_tag:") {
			linked++
		}
	}
	if linked != 1 {
		t.Errorf("linked tags = %d, want 1 (the non-failing one)", linked)
	}
}

func TestStrictTagFailureRollsBackEverything(t *testing.T) {
	f := newFixture(Config{StrictTags: true})
	f.meta.upsertErr = errors.New("tag table locked")

	_, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if !errors.Is(err, domain.ErrTagWrite) {
		t.Fatalf("error = %v, want ErrTagWrite", err)
	}

	wantDeleted := map[string]bool{"vector": false, "meta": false, "object": false}
	for _, c := range f.vectors.calls {
		if strings.HasPrefix(c, "delete:") {
			wantDeleted["vector"] = true
		}
	}
	for _, c := range f.meta.calls {
		if strings.HasPrefix(c, "delete:") {
			wantDeleted["meta"] = true
		}
	}
	for _, c := range f.objects.calls {
		if strings.HasPrefix(c, "delete:") {
			wantDeleted["object"] = true
		}
	}
	for store, ok := range wantDeleted {
		if !ok {
			t.Errorf("%s store not compensated", store)
		}
	}
	if len(f.keywords.added) != 0 {
		t.Error("keyword index written despite abort")
	}
}

func TestKeywordFailureIsNonFatal(t *testing.T) {
	f := newFixture(Config{})
	f.keywords.addErr = errors.New("redis down")

	u, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if err != nil {
		t.Fatalf("keyword failure must be non-fatal, got %v", err)
	}
	if u.ID() == "" {
		t.Fatal("upload not created")
	}
	if f.monitor.records[0].Status != txn.StatusSuccess {
		t.Errorf("status = %q, want success", f.monitor.records[0].Status)
	}
}

func TestEmbedFailureIsTerminalWithoutRollback(t *testing.T) {
	f := newFixture(Config{})
	f.embed.err = errors.New("provider 500")

	_, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if !errors.Is(err, domain.ErrDerivedContent) {
		t.Fatalf("error = %v, want ErrDerivedContent", err)
	}
	if len(f.objects.calls) != 0 {
		t.Errorf("object store touched before derive completed: %v", f.objects.calls)
	}
	if f.monitor.records[0].RollbackRun {
		t.Error("rollback ran with nothing written")
	}
}

func TestRollbackRetriesThenReportsInconsistency(t *testing.T) {
	f := newFixture(Config{RollbackMaxRetries: 2, RollbackBaseDelay: time.Millisecond})
	f.meta.insertErr = errors.New("connection refused")

	attempts := 0
	f.objects.delFunc = func() error {
		attempts++
		return errors.New("still down")
	}

	_, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if !errors.Is(err, domain.ErrMetadataWrite) {
		t.Fatalf("primary error lost: %v", err)
	}
	if !errors.Is(err, domain.ErrRollbackInconsistent) {
		t.Fatalf("error = %v, want joined ErrRollbackInconsistent", err)
	}
	if want := 3; attempts != want { // first try + 2 retries
		t.Errorf("compensation attempts = %d, want %d", attempts, want)
	}

	rec := f.monitor.records[0]
	if rec.RollbackError == "" {
		t.Error("record missing rollback error")
	}
}

func TestRollbackSurvivesExpiredDeadline(t *testing.T) {
	f := newFixture(Config{Timeout: 30 * time.Millisecond})
	f.meta.insertErr = context.DeadlineExceeded

	done := make(chan struct{})
	f.objects.delFunc = func() error {
		close(done)
		return nil
	}

	_, _, err := f.svc.CreateFile(context.Background(), validFileInput())
	if err == nil {
		t.Fatal("expected error")
	}
	select {
	case <-done:
	default:
		t.Error("compensating delete did not run")
	}
}

func TestIdenticalInputsProduceDistinctUploads(t *testing.T) {
	f := newFixture(Config{})

	u1, d1, err := f.svc.CreateFile(context.Background(), validFileInput())
	if err != nil {
		t.Fatalf("first CreateFile() error = %v", err)
	}
	u2, d2, err := f.svc.CreateFile(context.Background(), validFileInput())
	if err != nil {
		t.Fatalf("second CreateFile() error = %v", err)
	}

	if u1.ID() == u2.ID() {
		t.Errorf("identical inputs reused upload id %q", u1.ID())
	}
	if d1.TransactionID == d2.TransactionID {
		t.Errorf("identical inputs reused transaction id %q", d1.TransactionID)
	}

	inserts := 0
	for _, c := range f.meta.calls {
		if strings.HasPrefix(c, "insert:") {
			inserts++
		}
	}
	if inserts != 2 {
		t.Errorf("metadata inserts = %d, want 2 independent rows, calls = %v", inserts, f.meta.calls)
	}
}

func TestListClampsPaging(t *testing.T) {
	f := newFixture(Config{})

	if _, _, err := f.svc.List(context.Background(), "alice", -5, -1); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if f.meta.listLimit != 20 {
		t.Errorf("limit = %d, want default 20", f.meta.listLimit)
	}
	if f.meta.listOffset != 0 {
		t.Errorf("offset = %d, want 0", f.meta.listOffset)
	}

	if _, _, err := f.svc.List(context.Background(), "alice", 5000, 40); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if f.meta.listLimit != 100 {
		t.Errorf("limit = %d, want cap 100", f.meta.listLimit)
	}
	if f.meta.listOffset != 40 {
		t.Errorf("offset = %d, want 40 passed through", f.meta.listOffset)
	}
}

func TestDownloadURLRejectsLinks(t *testing.T) {
	f := newFixture(Config{})
	link, err := domup.NewLink("id-1", validLinkInput())
	if err != nil {
		t.Fatal(err)
	}
	f.meta.getUpload = link

	_, err = f.svc.DownloadURL(context.Background(), "id-1", time.Hour)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestDeleteIsBestEffortOnSecondaries(t *testing.T) {
	f := newFixture(Config{})
	file, err := domup.NewFile("id-2", validFileInput())
	if err != nil {
		t.Fatal(err)
	}
	file.SetStorageKey("123_q3.txt")
	f.meta.getUpload = file
	f.keywords.removeErr = errors.New("redis down")
	f.vectors.deleteErr = errors.New("qdrant down")

	if err := f.svc.Delete(context.Background(), "id-2"); err != nil {
		t.Fatalf("secondary failures must not fail delete, got %v", err)
	}

	f.meta.deleteErr = errors.New("pg down")
	err = f.svc.Delete(context.Background(), "id-2")
	if !errors.Is(err, domain.ErrMetadataWrite) {
		t.Fatalf("error = %v, want ErrMetadataWrite", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	f := newFixture(Config{})
	f.meta.getErr = domain.ErrNotFound

	err := f.svc.Delete(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
