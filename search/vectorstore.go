// Package search finds blogs semantically similar to a query or to
// another blog. When Qdrant is configured it is the search authority;
// otherwise the service falls back to brute-force cosine similarity
// over the summaries stored in CouchDB.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// VectorStore owns all Qdrant operations for the summary index.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewVectorStore connects to Qdrant at the given gRPC address.
func NewVectorStore(addr, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("search: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error { return v.conn.Close() }

// EnsureCollection creates the summary collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("search: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: create collection %s: %w", v.collection, err)
	}
	return nil
}

// pointID derives a stable point ID from the blog URL so re-indexing a
// blog overwrites its previous point.
func pointID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// UpsertSummary indexes one blog summary.
func (v *VectorStore) UpsertSummary(ctx context.Context, url, publisherID, title, summary string, embedding []float64) error {
	vector := make([]float32, len(embedding))
	for i, f := range embedding {
		vector[i] = float32(f)
	}

	payload := map[string]*pb.Value{
		"url":          {Kind: &pb.Value_StringValue{StringValue: url}},
		"publisher_id": {Kind: &pb.Value_StringValue{StringValue: publisherID}},
		"title":        {Kind: &pb.Value_StringValue{StringValue: title}},
		"summary":      {Kind: &pb.Value_StringValue{StringValue: summary}},
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(url)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("search: upsert summary point: %w", err)
	}
	return nil
}

// DeleteByURL removes the point for a blog URL.
func (v *VectorStore) DeleteByURL(ctx context.Context, url string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("url", url)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: delete point for %s: %w", url, err)
	}
	return nil
}

// Search runs a k-NN query scoped to one publisher.
func (v *VectorStore) Search(ctx context.Context, publisherID string, embedding []float64, topK int) ([]Match, error) {
	vector := make([]float32, len(embedding))
	for i, f := range embedding {
		vector[i] = float32(f)
	}

	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         &pb.Filter{Must: []*pb.Condition{fieldMatch("publisher_id", publisherID)}},
	})
	if err != nil {
		return nil, fmt.Errorf("search: knn query: %w", err)
	}

	results := make([]Match, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		m := Match{Score: float64(r.GetScore())}
		for k, val := range r.GetPayload() {
			switch k {
			case "url":
				m.URL = val.GetStringValue()
			case "title":
				m.Title = val.GetStringValue()
			case "summary":
				m.Summary = val.GetStringValue()
			}
		}
		results = append(results, m)
	}
	return results, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
