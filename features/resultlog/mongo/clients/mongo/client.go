// Package mongo implements the low-level MongoDB client used by the result
// log store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/modelresult/runtime/model"
	"goa.design/modelresult/runtime/resultlog"
)

type (
	// Client exposes Mongo-backed operations for the result log.
	Client interface {
		health.Pinger

		Put(ctx context.Context, r *resultlog.Record) error
		Get(ctx context.Context, id string) (*resultlog.Record, error)
		List(ctx context.Context, model string, cursor string, limit int) (resultlog.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// recordDocument is the stored form of a record. The Mongo _id orders
	// records for pagination; record_id is the caller visible identifier.
	recordDocument struct {
		ID         bson.ObjectID `bson:"_id,omitempty"`
		RecordID   string        `bson:"record_id"`
		Kind       string        `bson:"kind"`
		Provider   string        `bson:"provider"`
		Model      string        `bson:"model"`
		ResponseID string        `bson:"response_id,omitempty"`
		Index      int           `bson:"index"`
		HasOutput  bool          `bson:"has_output"`
		Output     []byte        `bson:"output,omitempty"`
		Metadata   []byte        `bson:"metadata"`
		Usage      usageDocument `bson:"usage"`
		CreatedAt  time.Time     `bson:"created_at"`
	}

	usageDocument struct {
		Input      int `bson:"input"`
		Output     int `bson:"output"`
		Total      int `bson:"total"`
		CacheRead  int `bson:"cache_read,omitempty"`
		CacheWrite int `bson:"cache_write,omitempty"`
	}
)

const (
	defaultCollection = "model_results"
	defaultTimeout    = 5 * time.Second
	clientName        = "resultlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Put(ctx context.Context, r *resultlog.Record) error {
	if r == nil {
		return errors.New("record is required")
	}
	if r.Kind == "" {
		return errors.New("kind is required")
	}
	if r.ID == "" {
		r.ID = resultlog.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := toDocument(r)
	_, err := c.coll.ReplaceOne(ctx, bson.M{"record_id": r.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) Get(ctx context.Context, id string) (*resultlog.Record, error) {
	if id == "" {
		return nil, errors.New("record id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc recordDocument
	if err := c.coll.FindOne(ctx, bson.M{"record_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, resultlog.ErrNotFound
		}
		return nil, err
	}
	return fromDocument(doc), nil
}

func (c *client) List(ctx context.Context, modelID string, cursor string, limit int) (page resultlog.Page, err error) {
	if limit <= 0 {
		return resultlog.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{}
	if modelID != "" {
		filter["model"] = modelID
	}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return resultlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return resultlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var (
		records []*resultlog.Record
		oids    []bson.ObjectID
	)
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return resultlog.Page{}, err
		}
		records = append(records, fromDocument(doc))
		oids = append(oids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return resultlog.Page{}, err
	}

	var next string
	if len(records) > limit {
		next = oids[limit-1].Hex()
		records = records[:limit]
	}
	return resultlog.Page{Records: records, NextCursor: next}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func toDocument(r *resultlog.Record) recordDocument {
	return recordDocument{
		RecordID:   r.ID,
		Kind:       string(r.Kind),
		Provider:   r.Provider,
		Model:      r.Model,
		ResponseID: r.ResponseID,
		Index:      r.Index,
		HasOutput:  r.HasOutput,
		Output:     append([]byte(nil), r.Output...),
		Metadata:   append([]byte(nil), r.Metadata...),
		Usage: usageDocument{
			Input:      r.Usage.InputTokens,
			Output:     r.Usage.OutputTokens,
			Total:      r.Usage.TotalTokens,
			CacheRead:  r.Usage.CacheReadTokens,
			CacheWrite: r.Usage.CacheWriteTokens,
		},
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func fromDocument(doc recordDocument) *resultlog.Record {
	r := &resultlog.Record{
		ID:         doc.RecordID,
		Kind:       resultlog.Kind(doc.Kind),
		Provider:   doc.Provider,
		Model:      doc.Model,
		ResponseID: doc.ResponseID,
		Index:      doc.Index,
		HasOutput:  doc.HasOutput,
		Metadata:   append([]byte(nil), doc.Metadata...),
		Usage: model.TokenUsage{
			InputTokens:      doc.Usage.Input,
			OutputTokens:     doc.Usage.Output,
			TotalTokens:      doc.Usage.Total,
			CacheReadTokens:  doc.Usage.CacheRead,
			CacheWriteTokens: doc.Usage.CacheWrite,
		},
		CreatedAt: doc.CreatedAt,
	}
	if len(doc.Output) > 0 {
		r.Output = append([]byte(nil), doc.Output...)
	}
	return r
}

func ensureIndexes(ctx context.Context, coll collection) error {
	byID := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "record_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, byID); err != nil {
		return err
	}
	byModel := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "model", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, byModel)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
