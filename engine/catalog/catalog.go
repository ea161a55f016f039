// Package catalog indexes persisted search results in Qdrant so products
// from earlier sessions can be found by similarity.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/fn"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointNamespace scopes product point IDs.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shopsearch/product"))

// Results is the primary result store the catalog writes through.
type Results interface {
	SaveResults(ctx context.Context, searchID string, products []domain.Product) (string, error)
	LoadResults(ctx context.Context, searchID string) ([]domain.Product, error)
}

// Embedder turns product text into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Options configures a Catalog.
type Options struct {
	Collection string
	// Dims is the embedding size used when the collection is created.
	Dims   int
	Logger *slog.Logger
}

// DefaultOptions matches nomic-embed-text.
func DefaultOptions() Options {
	return Options{Collection: "products", Dims: 768}
}

// Catalog is a ResultStore that writes through to a primary store and
// indexes every saved product in Qdrant. Indexing failures are logged and
// never fail the save.
type Catalog struct {
	primary     Results
	embed       Embedder
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	opts        Options
	logger      *slog.Logger
}

// Hit is one similarity match.
type Hit struct {
	SearchID string         `json:"searchId"`
	Score    float32        `json:"score"`
	Product  domain.Product `json:"product"`
}

// New connects to Qdrant at the gRPC address addr.
func New(addr string, primary Results, embed Embedder, opts Options) (*Catalog, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("catalog: dial qdrant %s: %w", addr, err)
	}
	c := newCatalog(primary, embed, pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), opts)
	c.conn = conn
	return c, nil
}

func newCatalog(primary Results, embed Embedder, points pointsAPI, collections collectionsAPI, opts Options) *Catalog {
	def := DefaultOptions()
	if opts.Collection == "" {
		opts.Collection = def.Collection
	}
	if opts.Dims <= 0 {
		opts.Dims = def.Dims
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{primary: primary, embed: embed, points: points, collections: collections, opts: opts, logger: logger}
}

// Close closes the gRPC connection.
func (c *Catalog) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (c *Catalog) EnsureCollection(ctx context.Context) error {
	list, err := c.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("catalog: list collections: %w", err)
	}
	for _, col := range list.GetCollections() {
		if col.GetName() == c.opts.Collection {
			return nil
		}
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.opts.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(c.opts.Dims), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: create collection %s: %w", c.opts.Collection, err)
	}
	return nil
}

// DeleteCollection drops the collection.
func (c *Catalog) DeleteCollection(ctx context.Context) error {
	if _, err := c.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: c.opts.Collection}); err != nil {
		return fmt.Errorf("catalog: delete collection %s: %w", c.opts.Collection, err)
	}
	return nil
}

// SaveResults stores products in the primary store, then indexes them.
func (c *Catalog) SaveResults(ctx context.Context, searchID string, products []domain.Product) (string, error) {
	ref, err := c.primary.SaveResults(ctx, searchID, products)
	if err != nil {
		return "", err
	}
	if err := c.Index(ctx, searchID, products); err != nil {
		c.logger.Warn("catalog: index failed", "search_id", searchID, "products", len(products), "err", err)
	}
	return ref, nil
}

// LoadResults reads from the primary store.
func (c *Catalog) LoadResults(ctx context.Context, searchID string) ([]domain.Product, error) {
	return c.primary.LoadResults(ctx, searchID)
}

// Index replaces the points of searchID with products.
func (c *Catalog) Index(ctx context.Context, searchID string, products []domain.Product) error {
	if err := c.DeleteSearch(ctx, searchID); err != nil {
		return err
	}
	if len(products) == 0 {
		return nil
	}
	vecs, err := c.embed.EmbedBatch(ctx, fn.Map(products, productText))
	if err != nil {
		return fmt.Errorf("catalog: embed: %w", err)
	}
	if len(vecs) != len(products) {
		return fmt.Errorf("catalog: embed: got %d vectors for %d products", len(vecs), len(products))
	}

	points := make([]*pb.PointStruct, len(products))
	for i, p := range products {
		payload, err := productPayload(searchID, p)
		if err != nil {
			return err
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(searchID, i)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vecs[i]}}},
			Payload: payload,
		}
	}
	wait := true
	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: c.opts.Collection, Wait: &wait, Points: points}); err != nil {
		return fmt.Errorf("catalog: upsert %d points: %w", len(points), err)
	}
	c.logger.Info("catalog: indexed", "search_id", searchID, "products", len(points))
	return nil
}

// DeleteSearch removes every point of searchID.
func (c *Catalog) DeleteSearch(ctx context.Context, searchID string) error {
	wait := true
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.opts.Collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("search_id", searchID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: delete search %s: %w", searchID, err)
	}
	return nil
}

// Similar returns the products closest to text. filters match payload
// keywords exactly (search_id, data_source).
func (c *Catalog) Similar(ctx context.Context, text string, topK int, filters map[string]string) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	vecs, err := c.embed.EmbedBatch(ctx, []string{text})
	if err != nil || len(vecs) != 1 {
		return nil, fmt.Errorf("catalog: embed query: %w", err)
	}
	req := &pb.SearchPoints{
		CollectionName: c.opts.Collection,
		Vector:         vecs[0],
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, v := range filters {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}
	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		payload := r.GetPayload()
		h := Hit{SearchID: payload["search_id"].GetStringValue(), Score: r.GetScore()}
		if err := json.Unmarshal([]byte(payload["product"].GetStringValue()), &h.Product); err != nil {
			c.logger.Warn("catalog: skipping undecodable point", "id", r.GetId().GetUuid(), "err", err)
			continue
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// PointID is the deterministic point ID of the i-th product of a search.
func PointID(searchID string, i int) string {
	return uuid.NewSHA1(pointNamespace, []byte(searchID+"/"+strconv.Itoa(i))).String()
}

func productText(p domain.Product) string {
	parts := []string{p.Title}
	if p.Brand != "" {
		parts = append(parts, p.Brand)
	}
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	return strings.Join(parts, ". ")
}

func productPayload(searchID string, p domain.Product) (map[string]*pb.Value, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode product: %w", err)
	}
	payload := map[string]any{
		"search_id":   searchID,
		"title":       p.Title,
		"link":        p.Link,
		"data_source": p.DataSource,
		"position":    p.Position,
		"product":     string(raw),
	}
	if p.ExtractedPrice != nil {
		payload["price"] = *p.ExtractedPrice
	}
	out := make(map[string]*pb.Value, len(payload))
	for k, val := range payload {
		switch tv := val.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
