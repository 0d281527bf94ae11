/**
 * PostgreSQL Client for the Document Annotator Worker
 *
 * Persists job status and annotated regions for the annotation tool.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
)

// ErrJobNotFound is returned when no job row exists for an ID
var ErrJobNotFound = errors.New("job not found")

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Filename         string
	MimeType         string
	Segmenter        string
	Pages            int
	RegionsKept      int
	RegionsDropped   int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// RegionRecord is one annotated region row
type RegionRecord struct {
	ID            string
	JobID         string
	Page          int
	Ordinal       int
	Region        annotator.AnnotatedRegion
	QdrantPointID string
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS annotator;

	CREATE TABLE IF NOT EXISTS annotator.jobs (
		id                 UUID PRIMARY KEY,
		filename           TEXT NOT NULL DEFAULT 'unknown',
		mime_type          TEXT,
		status             TEXT NOT NULL,
		segmenter          TEXT,
		pages              INTEGER,
		regions_kept       INTEGER,
		regions_dropped    INTEGER,
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS annotator.regions (
		id              UUID PRIMARY KEY,
		job_id          UUID NOT NULL REFERENCES annotator.jobs(id) ON DELETE CASCADE,
		page            INTEGER NOT NULL,
		ordinal         INTEGER NOT NULL,
		x1              DOUBLE PRECISION NOT NULL,
		y1              DOUBLE PRECISION NOT NULL,
		x2              DOUBLE PRECISION NOT NULL,
		y2              DOUBLE PRECISION NOT NULL,
		confidence      NUMERIC(5,4) NOT NULL,
		text            TEXT NOT NULL,
		features        DOUBLE PRECISION[] NOT NULL,
		qdrant_point_id UUID,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (job_id, page, ordinal)
	);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// sanitizeText strips NUL bytes, which PostgreSQL TEXT rejects. OCR output
// occasionally contains them.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the annotator schema and tables if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts a job row. Zero-valued counters keep the stored
// value so progress updates do not erase earlier results.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)
	errorMessage := sanitizeText(update.ErrorMessage)

	query := `
		INSERT INTO annotator.jobs (
			id, filename, mime_type, status, segmenter,
			pages, regions_kept, regions_dropped, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'unknown'), NULLIF($3, ''), $4, NULLIF($5, ''),
			NULLIF($6, 0), NULLIF($7, 0), NULLIF($8, 0), NULLIF($9, 0),
			NULLIF($10, ''), NULLIF($11, ''), COALESCE($12::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			filename = CASE WHEN EXCLUDED.filename = 'unknown' THEN annotator.jobs.filename ELSE EXCLUDED.filename END,
			mime_type = COALESCE(EXCLUDED.mime_type, annotator.jobs.mime_type),
			segmenter = COALESCE(EXCLUDED.segmenter, annotator.jobs.segmenter),
			pages = COALESCE(EXCLUDED.pages, annotator.jobs.pages),
			regions_kept = COALESCE(EXCLUDED.regions_kept, annotator.jobs.regions_kept),
			regions_dropped = COALESCE(EXCLUDED.regions_dropped, annotator.jobs.regions_dropped),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, annotator.jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = annotator.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Filename,         // $2
		update.MimeType,         // $3
		update.Status,           // $4
		update.Segmenter,        // $5
		update.Pages,            // $6
		update.RegionsKept,      // $7
		update.RegionsDropped,   // $8
		update.ProcessingTimeMs, // $9
		update.ErrorCode,        // $10
		errorMessage,            // $11
		metadataJSON,            // $12
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// ReplaceRegions stores a job's annotated regions, replacing any rows from
// an earlier attempt, in one transaction.
func (p *PostgresClient) ReplaceRegions(ctx context.Context, jobID string, records []RegionRecord) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotator.regions WHERE job_id = $1::uuid`, jobID); err != nil {
		return fmt.Errorf("failed to clear previous regions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO annotator.regions (
			id, job_id, page, ordinal, x1, y1, x2, y2,
			confidence, text, features, qdrant_point_id
		) VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, '')::uuid)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare region insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		r := rec.Region
		if _, err := stmt.ExecContext(
			ctx,
			rec.ID,
			jobID,
			rec.Page,
			rec.Ordinal,
			r.X1, r.Y1, r.X2, r.Y2,
			sanitizeConfidence(r.Confidence),
			sanitizeText(r.Text),
			pq.Float64Array(r.Features.Values()),
			rec.QdrantPointID,
		); err != nil {
			return fmt.Errorf("failed to insert region (page=%d, ordinal=%d): %w", rec.Page, rec.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit regions: %w", err)
	}
	return nil
}

// LoadAnnotations reads a job's regions back in page and reading order
func (p *PostgresClient) LoadAnnotations(ctx context.Context, jobID string) (annotator.AnnotatedBorders, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT page, x1, y1, x2, y2, confidence, text, features
		FROM annotator.regions
		WHERE job_id = $1::uuid
		ORDER BY page, ordinal
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	defer rows.Close()

	borders := make(annotator.AnnotatedBorders)
	for rows.Next() {
		var (
			page     int
			region   annotator.AnnotatedRegion
			features pq.Float64Array
		)
		if err := rows.Scan(&page, &region.X1, &region.Y1, &region.X2, &region.Y2,
			&region.Confidence, &region.Text, &features); err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		vec, ok := annotator.FeatureVectorFromValues(features)
		if !ok {
			return nil, fmt.Errorf("region on page %d has %d features", page, len(features))
		}
		region.Features = vec
		borders[page] = append(borders[page], region)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read regions: %w", err)
	}

	return borders, nil
}

// GetJobStatus returns a job's status and error code
func (p *PostgresClient) GetJobStatus(ctx context.Context, jobID string) (status string, errorCode string, err error) {
	var code sql.NullString
	err = p.db.QueryRowContext(ctx,
		`SELECT status, error_code FROM annotator.jobs WHERE id = $1::uuid`, jobID,
	).Scan(&status, &code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to get job: %w", err)
	}
	return status, code.String, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
