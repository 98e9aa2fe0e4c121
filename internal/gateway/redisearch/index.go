package redisearch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/rueidis"

	"github.com/stashdoc/stashdoc/internal/domain"
	domsearch "github.com/stashdoc/stashdoc/internal/domain/search"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
)

const (
	indexName = "stashdoc-uploads"
	keyPrefix = "stashdoc:doc:"
	tagSep    = ","
)

// Index is the keyword-index gateway over RediSearch (Redis 8+).
// Documents live in hashes under keyPrefix and are queried via FT.SEARCH
// with BM25 scoring.
type Index struct {
	client rueidis.Client
}

// Config holds Redis connection settings.
type Config struct {
	Addrs    []string
	Username string
	Password string
}

// NewIndex creates the gateway.
func NewIndex(cfg Config) (*Index, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableCache: true,
		AlwaysRESP2:  true, // FT.SEARCH result parsing expects RESP2 array format
	})
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return &Index{client: client}, nil
}

// Close shuts down the client.
func (x *Index) Close() { x.client.Close() }

// Ping reports index reachability.
func (x *Index) Ping(ctx context.Context) error {
	if err := x.client.Do(ctx, x.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// EnsureIndex creates the FT index if missing.
func (x *Index) EnsureIndex(ctx context.Context) error {
	cmd := x.client.B().Arbitrary("FT.CREATE").Args(
		indexName,
		"ON", "HASH",
		"PREFIX", "1", keyPrefix,
		"SCHEMA",
		"title", "TEXT",
		"description", "TEXT",
		"text", "TEXT",
		"owner_id", "TAG",
		"visibility", "TAG",
		"tags", "TAG", "SEPARATOR", tagSep,
	).Build()
	if err := x.client.Do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "index already exists") {
			return nil
		}
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Add writes one document hash; re-adding the same ID overwrites it.
func (x *Index) Add(ctx context.Context, doc domup.IndexDocument) error {
	cmd := x.client.B().Hset().Key(keyPrefix+doc.ID).FieldValue().
		FieldValue("id", doc.ID).
		FieldValue("title", doc.Title).
		FieldValue("description", doc.Description).
		FieldValue("text", doc.Text).
		FieldValue("owner_id", doc.OwnerID).
		FieldValue("visibility", doc.Visibility).
		FieldValue("tags", strings.Join(doc.Tags, tagSep)).
		Build()
	if err := x.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// Remove deletes one document from the index.
func (x *Index) Remove(ctx context.Context, id string) error {
	cmd := x.client.B().Del().Key(keyPrefix + id).Build()
	if err := x.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("remove document %s: %w", id, err)
	}
	return nil
}

// Search runs a BM25 query and returns the page plus the estimated total.
// A missing index maps to domain.ErrIndexNotFound.
func (x *Index) Search(ctx context.Context, query string, limit, offset int) ([]domsearch.Hit, int, error) {
	escaped := escapeQuery(query)
	queryStr := fmt.Sprintf("@title|description|text:(%s)", escaped)

	cmd := x.client.B().Arbitrary("FT.SEARCH").Args(
		indexName, queryStr,
		"WITHSCORES",
		"LIMIT", strconv.Itoa(offset), strconv.Itoa(limit),
		"DIALECT", "2",
	).Build()
	raw, err := x.client.Do(ctx, cmd).ToArray()
	if err != nil {
		if isRedisErr(err, "unknown index name") || isRedisErr(err, "no such index") {
			return nil, 0, fmt.Errorf("index %s: %w", indexName, domain.ErrIndexNotFound)
		}
		return nil, 0, fmt.Errorf("search: %w", err)
	}

	return parseSearchResult(raw)
}

// parseSearchResult decodes the RESP2 WITHSCORES layout:
// [total, key1, score1, fields1, key2, score2, fields2, ...].
func parseSearchResult(raw []rueidis.RedisMessage) ([]domsearch.Hit, int, error) {
	if len(raw) == 0 {
		return nil, 0, nil
	}

	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, 0, fmt.Errorf("parse total: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	hits := make([]domsearch.Hit, 0, total)
	for i := 1; i+2 < len(raw); i += 3 {
		scoreStr, err := raw[i+1].ToString()
		if err != nil {
			continue
		}
		score, err := strconv.ParseFloat(scoreStr, 64)
		if err != nil {
			continue
		}

		fieldMsgs, err := raw[i+2].ToArray()
		if err != nil {
			continue
		}
		fields := parseFieldPairs(fieldMsgs)

		// BM25 scores are unbounded above; normalize into (0,1].
		hits = append(hits, domsearch.NewHit(fields["id"], score/(score+1), domsearch.Payload{
			Title:       fields["title"],
			Description: fields["description"],
			OwnerID:     fields["owner_id"],
			Visibility:  fields["visibility"],
			Tags:        splitTags(fields["tags"]),
		}))
	}

	return hits, int(total), nil
}

func parseFieldPairs(fields []rueidis.RedisMessage) map[string]string {
	m := make(map[string]string, len(fields)/2)
	for j := 0; j+1 < len(fields); j += 2 {
		name, err := fields[j].ToString()
		if err != nil {
			continue
		}
		value, err := fields[j+1].ToString()
		if err != nil {
			continue
		}
		m[name] = value
	}
	return m
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, tagSep)
}

// isRedisErr checks if err is a Redis server error containing substr
// (case-insensitive).
func isRedisErr(err error, substr string) bool {
	re, ok := rueidis.IsRedisErr(err)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(re.Error()), strings.ToLower(substr))
}

var queryEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	`@`, `\@`,
	`{`, `\{`,
	`}`, `\}`,
	`(`, `\(`,
	`)`, `\)`,
	`|`, `\|`,
	`-`, `\-`,
	`~`, `\~`,
	`*`, `\*`,
	`[`, `\[`,
	`]`, `\]`,
	`!`, `\!`,
	`%`, `\%`,
	`^`, `\^`,
	`$`, `\$`,
	`<`, `\<`,
	`>`, `\>`,
	`=`, `\=`,
	`;`, `\;`,
	`+`, `\+`,
)

func escapeQuery(s string) string {
	return queryEscaper.Replace(s)
}
