// Package storage persists normalized records into an embedded SQLite
// database, the durable record store behind the status and orgs views.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"bibharvest/internal/domain"
	"bibharvest/internal/ports"
)

// Open opens the SQLite database at path, creating parent directories as
// needed, with foreign keys on.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// Store is the SQLite-backed record repository. Record-to-organization
// links live in a join table so per-organization counts and the
// unclassified bucket stay queryable.
type Store struct {
	db *sql.DB
	sq sq.StatementBuilderType
}

var _ ports.RecordStore = (*Store)(nil)

// NewStore wires a sql.DB implementation.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db: db,
		sq: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Migrate creates the schema if absent.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
	id               TEXT PRIMARY KEY,
	slug             TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	attributions     TEXT NOT NULL DEFAULT '[]',
	collections      TEXT NOT NULL DEFAULT '[]',
	download_url     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP,
	updated_at       TIMESTAMP,
	method           TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	attachment_path  TEXT NOT NULL DEFAULT '',
	attachment_bytes INTEGER NOT NULL DEFAULT 0,
	processed_at     TIMESTAMP
);
CREATE TABLE IF NOT EXISTS record_organizations (
	record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	org_id    TEXT NOT NULL,
	PRIMARY KEY (record_id, org_id)
);
CREATE INDEX IF NOT EXISTS idx_record_organizations_org ON record_organizations(org_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate record store: %w", err)
	}
	return nil
}

// Save upserts the normalized record and rewrites its organization links.
// Re-harvesting an identifier overwrites the prior row; no history kept.
func (s *Store) Save(ctx context.Context, record domain.NormalizedRecord) error {
	attributions, err := json.Marshal(record.Attributions)
	if err != nil {
		return fmt.Errorf("marshal attributions: %w", err)
	}
	collections, err := json.Marshal(record.Collections)
	if err != nil {
		return fmt.Errorf("marshal collections: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sq.Insert("records").
		Columns("id", "slug", "title", "description", "attributions", "collections",
			"download_url", "created_at", "updated_at", "method", "confidence",
			"attachment_path", "attachment_bytes", "processed_at").
		Values(record.ID, record.Slug, record.Title, record.Description,
			string(attributions), string(collections), record.DownloadURL,
			record.CreatedAt, record.UpdatedAt, record.Match.Method,
			record.Match.Confidence, record.AttachmentPath, record.AttachmentBytes,
			record.ProcessedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			slug = excluded.slug,
			title = excluded.title,
			description = excluded.description,
			attributions = excluded.attributions,
			collections = excluded.collections,
			download_url = excluded.download_url,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			method = excluded.method,
			confidence = excluded.confidence,
			processed_at = excluded.processed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record %s: %w", record.ID, err)
	}

	del, args, err := s.sq.Delete("record_organizations").
		Where(sq.Eq{"record_id": record.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build link delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("clear links for %s: %w", record.ID, err)
	}

	for _, orgID := range record.Match.Organizations {
		ins, args, err := s.sq.Insert("record_organizations").
			Columns("record_id", "org_id").
			Values(record.ID, orgID).
			ToSql()
		if err != nil {
			return fmt.Errorf("build link insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
			return fmt.Errorf("link %s to %s: %w", record.ID, orgID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", record.ID, err)
	}
	return nil
}

// SetAttachment records the verified local attachment for a record.
func (s *Store) SetAttachment(ctx context.Context, id, path string, size int64) error {
	query, args, err := s.sq.Update("records").
		Set("attachment_path", path).
		Set("attachment_bytes", size).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build attachment update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set attachment for %s: %w", id, err)
	}
	return nil
}

// PendingAttachments returns records that carry a download link but no
// verified local attachment yet.
func (s *Store) PendingAttachments(ctx context.Context) ([]domain.NormalizedRecord, error) {
	query, args, err := s.sq.Select("id", "download_url").
		From("records").
		Where(sq.And{
			sq.NotEq{"download_url": ""},
			sq.Eq{"attachment_path": ""},
		}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending attachments: %w", err)
	}
	defer rows.Close()

	var pending []domain.NormalizedRecord
	for rows.Next() {
		var rec domain.NormalizedRecord
		if err := rows.Scan(&rec.ID, &rec.DownloadURL); err != nil {
			return nil, fmt.Errorf("scan pending attachment: %w", err)
		}
		pending = append(pending, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending attachments: %w", err)
	}
	return pending, nil
}

// CountsByOrganization returns the number of stored records per member.
func (s *Store) CountsByOrganization(ctx context.Context) (map[string]int, error) {
	query, args, err := s.sq.Select("org_id", "COUNT(*)").
		From("record_organizations").
		GroupBy("org_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build counts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var org string
		var n int
		if err := rows.Scan(&org, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[org] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// CountUnclassified returns how many records resolved to no organization.
// These are retained for manual review, not dropped.
func (s *Store) CountUnclassified(ctx context.Context) (int, error) {
	query, args, err := s.sq.Select("COUNT(*)").
		From("records r").
		LeftJoin("record_organizations ro ON ro.record_id = r.id").
		Where("ro.org_id IS NULL").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build unclassified query: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unclassified: %w", err)
	}
	return n, nil
}
