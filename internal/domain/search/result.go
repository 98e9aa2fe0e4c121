package search

import (
	"sort"
	"time"
)

// Mode selects the search strategy.
type Mode string

const (
	ModeSemantic    Mode = "semantic"
	ModeTraditional Mode = "traditional"
)

// Hit is one search result. Scores are always clamped to [0,1]; within one
// ResultSet IDs are unique and ordering is descending by score.
type Hit struct {
	id      string
	score   float64
	payload Payload
}

// Payload is the denormalized subset of upload fields carried by a hit.
type Payload struct {
	Title       string
	Description string
	Kind        string
	OwnerID     string
	Visibility  string
	Tags        []string
	CreatedAt   time.Time
}

// NewHit creates a Hit, clamping the score into [0,1].
func NewHit(id string, score float64, payload Payload) Hit {
	return Hit{id: id, score: ClampScore(score), payload: payload}
}

// ID returns the matching upload ID.
func (h Hit) ID() string { return h.id }

// Score returns the relevance score in [0,1].
func (h Hit) Score() float64 { return h.score }

// Payload returns the denormalized upload fields.
func (h Hit) Payload() Payload { return h.payload }

// WithTags returns a copy of the hit with resolved tags attached.
func (h Hit) WithTags(tags []string) Hit {
	h.payload.Tags = tags
	return h
}

// ClampScore forces a score into [0,1]. Index backends occasionally report
// scores slightly outside the cosine-derived range.
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// ResultSet is a ranked, paginated response.
type ResultSet struct {
	Hits        []Hit
	Total       int
	HasMore     bool
	CurrentPage int
	TotalPages  int
}

// NewResultSet sorts hits descending by score and computes pagination
// metadata for the given total/limit/offset window.
func NewResultSet(hits []Hit, total, limit, offset int) ResultSet {
	SortByScore(hits)
	rs := ResultSet{Hits: hits, Total: total}
	if limit <= 0 {
		rs.CurrentPage = 1
		rs.TotalPages = 1
		return rs
	}
	rs.HasMore = offset+len(hits) < total
	rs.CurrentPage = offset/limit + 1
	rs.TotalPages = (total + limit - 1) / limit
	if rs.TotalPages == 0 {
		rs.TotalPages = 1
		rs.CurrentPage = 1
	}
	return rs
}

// Empty returns an empty result set with sane pagination metadata.
func Empty() ResultSet {
	return ResultSet{Hits: []Hit{}, CurrentPage: 1, TotalPages: 1}
}

// SortByScore orders hits descending by score (stable, so equal scores keep
// their merge order).
func SortByScore(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
}
