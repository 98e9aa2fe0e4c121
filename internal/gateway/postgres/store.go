package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stashdoc/stashdoc/internal/domain"
	domup "github.com/stashdoc/stashdoc/internal/domain/upload"
)

// Store is the metadata gateway over PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(cfg Config) (*Store, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the uploads, tags, and upload_tags tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS uploads (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL,
			description    TEXT NOT NULL,
			kind           TEXT NOT NULL,
			storage_key    TEXT NOT NULL DEFAULT '',
			external_url   TEXT NOT NULL DEFAULT '',
			size           BIGINT NOT NULL DEFAULT 0,
			mime_type      TEXT NOT NULL DEFAULT '',
			owner_id       TEXT NOT NULL,
			visibility     TEXT NOT NULL,
			extracted_text TEXT NOT NULL DEFAULT '',
			summary        TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS upload_tags (
			upload_id TEXT NOT NULL,
			tag_id    TEXT NOT NULL,
			PRIMARY KEY (upload_id, tag_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_owner ON uploads (owner_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// InsertUpload writes one upload row.
func (s *Store) InsertUpload(ctx context.Context, u *domup.Upload) error {
	const q = `
		INSERT INTO uploads (
			id, title, description, kind, storage_key, external_url,
			size, mime_type, owner_id, visibility, extracted_text, summary, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.db.ExecContext(ctx, q,
		u.ID(), u.Title(), u.Description(), string(u.Kind()),
		u.StorageKey(), u.ExternalURL(), u.Size(), u.MimeType(),
		u.OwnerID(), string(u.Visibility()), u.ExtractedText(), u.Summary(), u.CreatedAt(),
	)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// DeleteUpload removes one upload row. Deleting a missing row is not an error.
func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}

const uploadColumns = `id, title, description, kind, storage_key, external_url,
	size, mime_type, owner_id, visibility, extracted_text, summary, created_at`

// GetUpload fetches one upload row with its tags.
func (s *Store) GetUpload(ctx context.Context, id string) (domup.Upload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)

	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domup.Upload{}, fmt.Errorf("upload %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domup.Upload{}, err
	}

	tags, err := s.TagsForUploads(ctx, []string{id})
	if err != nil {
		return domup.Upload{}, err
	}
	return withTags(u, tags[id]), nil
}

// ListUploads returns a page of uploads (newest first) and the total count.
// An empty ownerID lists across owners.
func (s *Store) ListUploads(ctx context.Context, ownerID string, limit, offset int) ([]domup.Upload, int, error) {
	where := ""
	args := []any{}
	if ownerID != "" {
		where = `WHERE owner_id = $1`
		args = append(args, ownerID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uploads `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count uploads: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM uploads %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		uploadColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	ups, err := collectUploads(rows)
	if err != nil {
		return nil, 0, err
	}
	return ups, total, nil
}

// SearchUploads runs a case-insensitive substring match over title and
// description, returning the page and the total match count.
func (s *Store) SearchUploads(ctx context.Context, query string, limit, offset int) ([]domup.Upload, int, error) {
	pattern := "%" + escapeLike(query) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uploads WHERE title ILIKE $1 OR description ILIKE $1`,
		pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count matches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE title ILIKE $1 OR description ILIKE $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search uploads: %w", err)
	}
	defer rows.Close()

	ups, err := collectUploads(rows)
	if err != nil {
		return nil, 0, err
	}
	return ups, total, nil
}

// UpsertTag creates the tag by unique name if missing and returns its ID.
// The no-op update makes RETURNING work on conflict, which is also the
// idempotence point for concurrent uploads racing on the same name.
func (s *Store) UpsertTag(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO tags (id, name) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		uuid.NewString(), name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert tag %q: %w", name, err)
	}
	return id, nil
}

// LinkTag associates a tag with an upload; re-linking is a no-op.
func (s *Store) LinkTag(ctx context.Context, uploadID, tagID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_tags (upload_id, tag_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		uploadID, tagID)
	if err != nil {
		return fmt.Errorf("link tag: %w", err)
	}
	return nil
}

// DeleteTagLinks removes every tag association of one upload as a unit.
func (s *Store) DeleteTagLinks(ctx context.Context, uploadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_tags WHERE upload_id = $1`, uploadID)
	if err != nil {
		return fmt.Errorf("delete tag links: %w", err)
	}
	return nil
}

// TagsForUploads resolves tags for a batch of uploads in a single query.
func (s *Store) TagsForUploads(ctx context.Context, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return map[string][]string{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ut.upload_id, t.name
		 FROM upload_tags ut JOIN tags t ON t.id = ut.tag_id
		 WHERE ut.upload_id = ANY($1)
		 ORDER BY t.name`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("tags for uploads: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var uploadID, name string
		if err := rows.Scan(&uploadID, &name); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}
		out[uploadID] = append(out[uploadID], name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag rows: %w", err)
	}
	return out, nil
}

// --- Row scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(r rowScanner) (domup.Upload, error) {
	var (
		id, title, description, kind         string
		storageKey, externalURL, mimeType    string
		ownerID, visibility, extracted, summ string
		size                                 int64
		createdAt                            time.Time
	)
	err := r.Scan(&id, &title, &description, &kind, &storageKey, &externalURL,
		&size, &mimeType, &ownerID, &visibility, &extracted, &summ, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domup.Upload{}, err
		}
		return domup.Upload{}, fmt.Errorf("scan upload: %w", err)
	}
	return domup.Reconstruct(
		id, title, description, domup.Kind(kind),
		storageKey, externalURL, size, mimeType,
		ownerID, domup.Visibility(visibility),
		extracted, summ, nil, createdAt,
	), nil
}

func collectUploads(rows *sql.Rows) ([]domup.Upload, error) {
	var ups []domup.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		ups = append(ups, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}
	return ups, nil
}

func withTags(u domup.Upload, tags []string) domup.Upload {
	if len(tags) == 0 {
		return u
	}
	return domup.Reconstruct(
		u.ID(), u.Title(), u.Description(), u.Kind(),
		u.StorageKey(), u.ExternalURL(), u.Size(), u.MimeType(),
		u.OwnerID(), u.Visibility(),
		u.ExtractedText(), u.Summary(), tags, u.CreatedAt(),
	)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
