/**
 * Qdrant Vector Database Client for the Document Annotator Worker
 *
 * Stores each kept region's feature vector so that layout-similar regions
 * (headings, captions, running headers) can be found across documents.
 * Uses Qdrant's native gRPC API.
 */

package storage

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
)

// VectorDims is the dimensionality of the stored region vectors
const VectorDims = annotator.FeatureCount

// Saturation points for the two unbounded features. A count equal to the
// constant maps to 0.5.
const (
	wordCountScale = 10.0
	textSizeScale  = 60.0
)

// QdrantClient handles vector database operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// VectorPoint represents a vector with metadata
type VectorPoint struct {
	ID       string
	Vector   []float32
	Metadata map[string]interface{}
	Score    float32
}

// RegionVector maps a feature vector into the unit hypercube. The ratio
// features are already in [0,1]; word count and text size are squashed with
// x/(x+k) so a long paragraph does not dominate the distance.
func RegionVector(f annotator.FeatureVector) []float32 {
	return []float32{
		float32(squash(float64(f.WordCount), wordCountScale)),
		float32(squash(float64(f.TextSize), textSizeScale)),
		float32(f.CapitalizedRatio),
		float32(f.UppercaseRatio),
		float32(f.RelativeVerticalPosition),
		float32(f.NonGarbageRatio),
	}
}

func squash(x, k float64) float64 {
	if x <= 0 || math.IsNaN(x) {
		return 0
	}
	return x / (x + k)
}

// NewQdrantClient creates a new Qdrant client
func NewQdrantClient(address string, collectionName string) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	// Connect to Qdrant using gRPC
	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := qc.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	// Euclidean distance: vectors live in the unit hypercube and a zero
	// vector (empty text) must still be comparable.
	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     VectorDims,
					Distance: qdrant.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// UpsertVectors stores or updates a batch of points and waits for the write
// to be applied. Points without an ID get a fresh UUID.
func (q *QdrantClient) UpsertVectors(ctx context.Context, points []*VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		if len(point.Vector) != VectorDims {
			return fmt.Errorf("invalid vector dimensions: expected %d, got %d", VectorDims, len(point.Vector))
		}
		if point.ID == "" {
			point.ID = uuid.New().String()
		}
		structs = append(structs, &qdrant.PointStruct{
			Id: pointID(point.ID),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: point.Vector},
				},
			},
			Payload: toPayload(point.Metadata),
		})
	}

	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d vectors: %w", len(points), err)
	}

	return nil
}

// SearchVectors returns the points nearest to queryVector
func (q *QdrantClient) SearchVectors(ctx context.Context, queryVector []float32, limit int) ([]*VectorPoint, error) {
	if len(queryVector) != VectorDims {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", VectorDims, len(queryVector))
	}

	if limit <= 0 {
		limit = 10
	}

	results, err := q.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         queryVector,
		Limit:          uint64(limit),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	points := make([]*VectorPoint, 0, len(results.Result))
	for _, result := range results.Result {
		point := &VectorPoint{
			Metadata: fromPayload(result.Payload),
			Score:    result.Score,
		}
		if result.Id != nil {
			point.ID = result.Id.GetUuid()
		}
		points = append(points, point)
	}

	return points, nil
}

// DeleteVectors removes points by ID
func (q *QdrantClient) DeleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d vectors: %w", len(ids), err)
	}

	return nil
}

// DeleteStaleJobVectors removes a job's points whose IDs are not in keep.
// Called after a re-run has upserted its points.
func (q *QdrantClient) DeleteStaleJobVectors(ctx context.Context, jobID string, keep []string) error {
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: staleJobFilter(jobID, keep),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete stale vectors for job %s: %w", jobID, err)
	}
	return nil
}

// staleJobFilter matches points with payload job_id == jobID, excluding keep.
func staleJobFilter(jobID string, keep []string) *qdrant.Filter {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "job_id",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: jobID},
					},
				},
			},
		}},
	}
	if len(keep) > 0 {
		ids := make([]*qdrant.PointId, 0, len(keep))
		for _, id := range keep {
			ids = append(ids, pointID(id))
		}
		filter.MustNot = []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_HasId{
				HasId: &qdrant.HasIdCondition{HasId: ids},
			},
		}}
	}
	return filter
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"indexed_vectors": info.Result.GetIndexedVectorsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func pointID(id string) *qdrant.PointId {
	return &qdrant.PointId{
		PointIdOptions: &qdrant.PointId_Uuid{Uuid: id},
	}
}

// toPayload converts metadata to Qdrant values. Unknown types are stored as
// their fmt representation.
func toPayload(metadata map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		default:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	metadata := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			metadata[k] = val.BoolValue
		}
	}
	return metadata
}
