/**
 * Storage Manager for the Document Annotator Worker
 *
 * Coordinates storage across PostgreSQL (regions, job status) and Qdrant
 * (region feature vectors). A failed PostgreSQL write rolls back the
 * vectors written for the same job.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
}

// StoreResult reports what was persisted for a job
type StoreResult struct {
	JobID          string
	RegionsStored  int
	QdrantPointIDs []string
}

// SimilarRegion is a stored region close to a query vector
type SimilarRegion struct {
	PointID string  `json:"pointId"`
	JobID   string  `json:"jobId"`
	Page    int     `json:"page"`
	Ordinal int     `json:"ordinal"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
}

// NewStorageManager creates a new storage manager and makes sure the
// PostgreSQL schema exists.
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	if err := postgres.EnsureSchema(context.Background()); err != nil {
		postgres.Close()
		return nil, err
	}

	qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection)
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}

	return &StorageManager{
		postgres: postgres,
		qdrant:   qdrant,
	}, nil
}

// regionNamespace seeds the name-based UUIDs of region points
var regionNamespace = uuid.MustParse("5b0c3f8e-2d6a-4c1e-9a57-3e8f1d2c4b60")

// regionPointID is stable per job, page and ordinal, so re-running a job
// overwrites its points instead of adding new ones.
func regionPointID(jobID string, page, ordinal int) string {
	return uuid.NewSHA1(regionNamespace, []byte(fmt.Sprintf("%s/%d/%d", jobID, page, ordinal))).String()
}

// StoreAnnotations persists a job's annotated regions. Vectors go to Qdrant
// first, replacing any left over from an earlier run; if the PostgreSQL
// write fails they are deleted again.
func (sm *StorageManager) StoreAnnotations(ctx context.Context, jobID string, borders annotator.AnnotatedBorders) (*StoreResult, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	records, points := buildRecords(jobID, borders)

	if err := sm.qdrant.UpsertVectors(ctx, points); err != nil {
		return nil, fmt.Errorf("failed to store region vectors: %w", err)
	}

	pointIDs := make([]string, len(points))
	for i, p := range points {
		pointIDs[i] = p.ID
	}

	if err := sm.qdrant.DeleteStaleJobVectors(ctx, jobID, pointIDs); err != nil {
		return nil, err
	}

	if err := sm.postgres.ReplaceRegions(ctx, jobID, records); err != nil {
		// Rollback: the regions are not queryable without their rows
		if delErr := sm.qdrant.DeleteVectors(context.Background(), pointIDs); delErr != nil {
			return nil, fmt.Errorf("failed to store regions: %w (rollback failed: %v)", err, delErr)
		}
		return nil, fmt.Errorf("failed to store regions: %w", err)
	}

	return &StoreResult{
		JobID:          jobID,
		RegionsStored:  len(records),
		QdrantPointIDs: pointIDs,
	}, nil
}

// buildRecords flattens borders into rows and vector points in page then
// reading order. Row i and point i describe the same region.
func buildRecords(jobID string, borders annotator.AnnotatedBorders) ([]RegionRecord, []*VectorPoint) {
	n := borders.RegionCount()
	records := make([]RegionRecord, 0, n)
	points := make([]*VectorPoint, 0, n)

	for _, page := range borders.Pages() {
		for ordinal, region := range borders[page] {
			pointID := regionPointID(jobID, page, ordinal)
			records = append(records, RegionRecord{
				ID:            uuid.New().String(),
				JobID:         jobID,
				Page:          page,
				Ordinal:       ordinal,
				Region:        region,
				QdrantPointID: pointID,
			})
			points = append(points, &VectorPoint{
				ID:     pointID,
				Vector: RegionVector(region.Features),
				Metadata: map[string]interface{}{
					"job_id":     jobID,
					"page":       page,
					"ordinal":    ordinal,
					"text":       region.Text,
					"confidence": region.Confidence,
				},
			})
		}
	}

	return records, points
}

// FindSimilarRegions returns stored regions whose layout features are
// closest to features.
func (sm *StorageManager) FindSimilarRegions(ctx context.Context, features annotator.FeatureVector, limit int) ([]*SimilarRegion, error) {
	points, err := sm.qdrant.SearchVectors(ctx, RegionVector(features), limit)
	if err != nil {
		return nil, err
	}

	results := make([]*SimilarRegion, 0, len(points))
	for _, p := range points {
		results = append(results, similarFromPoint(p))
	}
	return results, nil
}

func similarFromPoint(p *VectorPoint) *SimilarRegion {
	r := &SimilarRegion{PointID: p.ID, Score: p.Score}
	if v, ok := p.Metadata["job_id"].(string); ok {
		r.JobID = v
	}
	if v, ok := p.Metadata["page"].(int64); ok {
		r.Page = int(v)
	}
	if v, ok := p.Metadata["ordinal"].(int64); ok {
		r.Ordinal = int(v)
	}
	if v, ok := p.Metadata["text"].(string); ok {
		r.Text = v
	}
	return r
}

// LoadAnnotations reads a job's stored regions back
func (sm *StorageManager) LoadAnnotations(ctx context.Context, jobID string) (annotator.AnnotatedBorders, error) {
	return sm.postgres.LoadAnnotations(ctx, jobID)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobStatus returns a job's status and error code
func (sm *StorageManager) GetJobStatus(ctx context.Context, jobID string) (string, string, error) {
	return sm.postgres.GetJobStatus(ctx, jobID)
}

// Ping checks PostgreSQL connectivity
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
	}

	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
		"qdrant": qdrantStats,
	}, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	jsonNullEscape    = regexp.MustCompile(`\\u0000`)
	jsonControlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips \u0000 escapes, which JSONB rejects, and
// replaces other control-character escapes with a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := jsonNullEscape.ReplaceAll(jsonBytes, []byte{})
	return jsonControlEscape.ReplaceAll(result, []byte(" "))
}
