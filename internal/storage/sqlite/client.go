package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/models"
	dbmodels "github.com/emergency-agent/backend/internal/storage/models"
	"github.com/emergency-agent/backend/pkg/logger"
)

// Client is the local audit log: link misses, discarded extractions, failed
// case writes, recommendation runs and indexed documents.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Concurrent pipeline workers share one writer.
	db.SetMaxOpenConns(1)

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mapping_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		entity_name TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mapping_errors_type ON mapping_errors(entity_type);
	CREATE INDEX IF NOT EXISTS idx_mapping_errors_name ON mapping_errors(entity_name);

	CREATE TABLE IF NOT EXISTS extraction_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		raw_response TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_extraction_failures_source ON extraction_failures(source_id);

	CREATE TABLE IF NOT EXISTS write_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id TEXT NOT NULL,
		source_id TEXT,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_write_failures_case ON write_failures(case_id);

	CREATE TABLE IF NOT EXISTS recommendation_runs (
		run_id TEXT PRIMARY KEY,
		disaster_type TEXT NOT NULL,
		magnitude REAL NOT NULL,
		affected_area TEXT,
		snippets INTEGER NOT NULL,
		cases_written INTEGER NOT NULL,
		failed_writes INTEGER NOT NULL,
		mapping_errors INTEGER NOT NULL,
		extraction_failures INTEGER NOT NULL,
		recommendations INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON recommendation_runs(started_at);

	CREATE TABLE IF NOT EXISTS case_documents (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		title TEXT,
		domain TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		indexed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_case_documents_domain ON case_documents(domain);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// RecordMappingError persists one link miss.
func (c *Client) RecordMappingError(ctx context.Context, m models.MappingError) error {
	query := `INSERT INTO mapping_errors (source_id, entity_name, entity_type, reason, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query, m.SourceID, m.EntityName, string(m.EntityType), m.Reason, c.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert mapping error: %w", err)
	}
	return nil
}

func (c *Client) RecordExtractionFailure(ctx context.Context, f models.ExtractionFailure) error {
	query := `INSERT INTO extraction_failures (source_id, reason, raw_response, created_at) VALUES (?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query, f.SourceID, f.Reason, f.RawResponse, c.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert extraction failure: %w", err)
	}
	return nil
}

func (c *Client) RecordWriteFailure(ctx context.Context, f models.WriteFailure) error {
	query := `INSERT INTO write_failures (case_id, source_id, reason, created_at) VALUES (?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query, f.CaseID, f.SourceID, f.Reason, c.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert write failure: %w", err)
	}
	return nil
}

// RecordRun stores the summary of one recommendation request.
func (c *Client) RecordRun(ctx context.Context, r models.RunRecord) error {
	query := `
		INSERT INTO recommendation_runs (run_id, disaster_type, magnitude, affected_area, snippets,
			cases_written, failed_writes, mapping_errors, extraction_failures, recommendations,
			status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		r.RunID,
		r.DisasterType,
		r.Magnitude,
		r.AffectedArea,
		r.Snippets,
		r.CasesWritten,
		r.FailedWrites,
		r.MappingErrors,
		r.ExtractionFailures,
		r.Recommendations,
		r.Status,
		r.Error,
		r.StartedAt.Unix(),
		r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}

	logger.Info("Recommendation run recorded",
		zap.String("run_id", r.RunID),
		zap.String("status", r.Status),
		zap.Int("recommendations", r.Recommendations),
	)
	return nil
}

// ListMappingErrors returns the newest misses first. An empty entityType
// returns all types.
func (c *Client) ListMappingErrors(ctx context.Context, entityType string, limit int) ([]dbmodels.MappingErrorRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source_id, entity_name, entity_type, reason, created_at
		FROM mapping_errors
		WHERE (? = '' OR entity_type = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, entityType, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapping errors: %w", err)
	}
	defer rows.Close()

	out := []dbmodels.MappingErrorRow{}
	for rows.Next() {
		var r dbmodels.MappingErrorRow
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.SourceID, &r.EntityName, &r.EntityType, &r.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping error: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummarizeMappingErrors groups misses by name, most frequent first.
func (c *Client) SummarizeMappingErrors(ctx context.Context, limit int) ([]dbmodels.MappingErrorSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT entity_name, entity_type, COUNT(*) AS occurrences, MAX(created_at) AS last_seen
		FROM mapping_errors
		GROUP BY entity_name, entity_type
		ORDER BY occurrences DESC, entity_name ASC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize mapping errors: %w", err)
	}
	defer rows.Close()

	out := []dbmodels.MappingErrorSummary{}
	for rows.Next() {
		var s dbmodels.MappingErrorSummary
		var lastSeen int64
		if err := rows.Scan(&s.EntityName, &s.EntityType, &s.Occurrences, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan mapping error summary: %w", err)
		}
		s.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) ListExtractionFailures(ctx context.Context, limit int) ([]dbmodels.ExtractionFailureRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, source_id, reason, COALESCE(raw_response, ''), created_at FROM extraction_failures ORDER BY id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list extraction failures: %w", err)
	}
	defer rows.Close()

	out := []dbmodels.ExtractionFailureRow{}
	for rows.Next() {
		var r dbmodels.ExtractionFailureRow
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Reason, &r.RawResponse, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan extraction failure: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Client) ListWriteFailures(ctx context.Context, limit int) ([]dbmodels.WriteFailureRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, case_id, COALESCE(source_id, ''), reason, created_at FROM write_failures ORDER BY id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list write failures: %w", err)
	}
	defer rows.Close()

	out := []dbmodels.WriteFailureRow{}
	for rows.Next() {
		var r dbmodels.WriteFailureRow
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.CaseID, &r.SourceID, &r.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan write failure: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]dbmodels.RunRow, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT run_id, disaster_type, magnitude, COALESCE(affected_area, ''), snippets, cases_written,
			failed_writes, mapping_errors, extraction_failures, recommendations, status,
			COALESCE(error, ''), started_at, duration_ms
		FROM recommendation_runs
		ORDER BY started_at DESC, run_id ASC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := []dbmodels.RunRow{}
	for rows.Next() {
		var r dbmodels.RunRow
		var startedAt int64
		err := rows.Scan(&r.RunID, &r.DisasterType, &r.Magnitude, &r.AffectedArea, &r.Snippets,
			&r.CasesWritten, &r.FailedWrites, &r.MappingErrors, &r.ExtractionFailures,
			&r.Recommendations, &r.Status, &r.Error, &startedAt, &r.DurationMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(startedAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertCaseDocument records an indexed report; re-indexing refreshes it.
func (c *Client) UpsertCaseDocument(ctx context.Context, doc dbmodels.CaseDocument) error {
	query := `
		INSERT INTO case_documents (id, source_id, title, domain, chunk_count, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			domain = excluded.domain,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at
	`

	indexedAt := doc.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = c.now()
	}

	_, err := c.db.ExecContext(ctx, query, doc.ID, doc.SourceID, doc.Title, doc.Domain, doc.ChunkCount, indexedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert case document: %w", err)
	}

	logger.Debug("Case document recorded", zap.String("doc_id", doc.ID), zap.Int("chunks", doc.ChunkCount))
	return nil
}

func (c *Client) GetCaseDocument(ctx context.Context, id string) (*dbmodels.CaseDocument, error) {
	query := `SELECT id, source_id, COALESCE(title, ''), domain, chunk_count, indexed_at FROM case_documents WHERE id = ?`

	var doc dbmodels.CaseDocument
	var indexedAt int64
	err := c.db.QueryRowContext(ctx, query, id).Scan(&doc.ID, &doc.SourceID, &doc.Title, &doc.Domain, &doc.ChunkCount, &indexedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get case document: %w", err)
	}
	doc.IndexedAt = time.Unix(indexedAt, 0)
	return &doc, nil
}
