// Package storage persists successfully crawled pages into a relational
// database for downstream consumers.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/ayauxd/website-crawler/internal/config"
)

// PageRecord is the row written per successfully crawled page.
type PageRecord struct {
	JobID       string
	URL         string
	FinalURL    string
	Depth       int
	StatusCode  int
	Title       string
	ContentHash string
	Text        string
	FetchedAt   time.Time
}

// Sink persists crawled pages. The engine treats a nil Sink as "no
// persistence".
type Sink interface {
	SavePage(ctx context.Context, rec PageRecord) error
	Close() error
}

// SQLWriter is a Sink backed by database/sql; postgres via lib/pq is the
// supported driver.
type SQLWriter struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLWriter opens and pings the configured database. With AutoMigrate set
// it creates the pages table up front.
func NewSQLWriter(cfg config.SQLConfig) (*SQLWriter, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	writer := &SQLWriter{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return writer, nil
}

// SavePage upserts one crawled page, keyed by job and URL. A missing table
// is created on first use when auto-migration is enabled.
func (s *SQLWriter) SavePage(ctx context.Context, rec PageRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.upsert(ctx, rec); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsert(ctx, rec); retryErr != nil {
				return fmt.Errorf("insert page: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *SQLWriter) upsert(ctx context.Context, rec PageRecord) error {
	query := `
        INSERT INTO pages (job_id, url, final_url, depth, status_code, title, content_hash, page_text, fetched_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (job_id, url) DO UPDATE SET
            final_url = EXCLUDED.final_url,
            depth = EXCLUDED.depth,
            status_code = EXCLUDED.status_code,
            title = EXCLUDED.title,
            content_hash = EXCLUDED.content_hash,
            page_text = EXCLUDED.page_text,
            fetched_at = EXCLUDED.fetched_at
    `
	_, err := s.db.ExecContext(ctx, query,
		rec.JobID,
		rec.URL,
		rec.FinalURL,
		rec.Depth,
		rec.StatusCode,
		rec.Title,
		rec.ContentHash,
		rec.Text,
		rec.FetchedAt,
	)
	return err
}

func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	schemaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pages (
		    job_id TEXT NOT NULL,
		    url TEXT NOT NULL,
		    final_url TEXT,
		    depth INT,
		    status_code INT,
		    title TEXT,
		    content_hash TEXT,
		    page_text TEXT,
		    fetched_at TIMESTAMPTZ,
		    PRIMARY KEY (job_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_fetched_at ON pages (fetched_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
