package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stashdoc/stashdoc/internal/domain"
	domsearch "github.com/stashdoc/stashdoc/internal/domain/search"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
)

// Index is the vector-index gateway, a minimal REST client to Qdrant.
// It assumes cosine distance and a fixed dimension per collection.
type Index struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

// Config holds Qdrant connection settings.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// NewIndex creates the gateway.
func NewIndex(cfg Config) *Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Index{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection if missing. Qdrant returns 200 for
// an existing collection with the same schema.
func (x *Index) EnsureCollection(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     x.dimension,
			"distance": "Cosine",
		},
	}
	return x.send(ctx, http.MethodPut,
		fmt.Sprintf("%s/collections/%s", x.url, x.collection), body, nil)
}

// Upsert writes the upload's embedding point keyed by its ID. The vector
// dimension must match the collection exactly.
func (x *Index) Upsert(ctx context.Context, u *domup.Upload) error {
	vec := u.Embedding()
	if len(vec) != x.dimension {
		return fmt.Errorf("vector dimension mismatch: got %d, want %d", len(vec), x.dimension)
	}

	body := map[string]any{
		"points": []map[string]any{{
			"id":     u.ID(),
			"vector": vec,
			"payload": map[string]any{
				"title":       u.Title(),
				"description": u.Description(),
				"kind":        string(u.Kind()),
				"owner_id":    u.OwnerID(),
				"visibility":  string(u.Visibility()),
				"created_at":  u.CreatedAt().Format(time.RFC3339),
			},
		}},
	}
	return x.send(ctx, http.MethodPut,
		fmt.Sprintf("%s/collections/%s/points?wait=true", x.url, x.collection), body, nil)
}

// Delete removes points by upload ID.
func (x *Index) Delete(ctx context.Context, ids []string) error {
	body := map[string]any{"points": ids}
	return x.send(ctx, http.MethodPost,
		fmt.Sprintf("%s/collections/%s/points/delete?wait=true", x.url, x.collection), body, nil)
}

// Search returns the nearest neighbors above the score threshold.
func (x *Index) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float64) ([]domsearch.Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"with_payload":    true,
		"score_threshold": scoreThreshold,
	}
	var resp struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err := x.send(ctx, http.MethodPost,
		fmt.Sprintf("%s/collections/%s/points/search", x.url, x.collection), req, &resp)
	if err != nil {
		return nil, err
	}

	hits := make([]domsearch.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, domsearch.NewHit(r.ID, r.Score, payloadFrom(r.Payload)))
	}
	return hits, nil
}

// Ping reports Qdrant reachability.
func (x *Index) Ping(ctx context.Context) error {
	return x.send(ctx, http.MethodGet, fmt.Sprintf("%s/collections", x.url), nil, nil)
}

func payloadFrom(m map[string]any) domsearch.Payload {
	p := domsearch.Payload{}
	if v, ok := m["title"].(string); ok {
		p.Title = v
	}
	if v, ok := m["description"].(string); ok {
		p.Description = v
	}
	if v, ok := m["kind"].(string); ok {
		p.Kind = v
	}
	if v, ok := m["owner_id"].(string); ok {
		p.OwnerID = v
	}
	if v, ok := m["visibility"].(string); ok {
		p.Visibility = v
	}
	if v, ok := m["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.CreatedAt = t
		}
	}
	return p
}

// send issues one JSON request. A 404 on the collection path maps to
// domain.ErrIndexNotFound so search can degrade to empty results.
func (x *Index) send(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if x.apiKey != "" {
		req.Header.Set("api-key", x.apiKey)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("collection %s: %w", x.collection, domain.ErrIndexNotFound)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s: %s", method, url, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
