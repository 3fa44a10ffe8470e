package mongo

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/modelresult/runtime/model"
	"goa.design/modelresult/runtime/resultlog"
)

func TestClientPutAssignsID(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	c := &client{coll: coll}

	r := &resultlog.Record{
		Kind:     resultlog.KindChat,
		Provider: "anthropic",
		Model:    "claude",
		Output:   []byte(`{"Text":"hi"}`),
		Metadata: []byte(`{"Type":"empty"}`),
		Usage:    model.TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3},
	}
	require.NoError(t, c.Put(context.Background(), r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())

	require.Len(t, coll.replaced, 1)
	assert.Equal(t, bson.M{"record_id": r.ID}, coll.replaced[0].filter)
	doc := coll.replaced[0].doc
	assert.Equal(t, r.ID, doc.RecordID)
	assert.Equal(t, "chat", doc.Kind)
	assert.Equal(t, usageDocument{Input: 1, Output: 2, Total: 3}, doc.Usage)
}

func TestClientPutValidation(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{}}
	require.Error(t, c.Put(context.Background(), nil))
	require.Error(t, c.Put(context.Background(), &resultlog.Record{}))
}

func TestClientGet(t *testing.T) {
	t.Parallel()

	created := time.Unix(10, 0).UTC()
	coll := &fakeCollection{findDocs: []recordDocument{{
		ID:        oidOf(1),
		RecordID:  "rec-1",
		Kind:      "embedding",
		Model:     "titan",
		HasOutput: true,
		Output:    []byte(`[1,2]`),
		Metadata:  []byte(`{"Type":"embedding"}`),
		Usage:     usageDocument{Input: 4, Total: 4},
		CreatedAt: created,
	}}}
	c := &client{coll: coll}

	r, err := c.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, &resultlog.Record{
		ID:        "rec-1",
		Kind:      resultlog.KindEmbedding,
		Model:     "titan",
		HasOutput: true,
		Output:    []byte(`[1,2]`),
		Metadata:  []byte(`{"Type":"embedding"}`),
		Usage:     model.TokenUsage{InputTokens: 4, TotalTokens: 4},
		CreatedAt: created,
	}, r)

	_, err = c.Get(context.Background(), "missing")
	require.ErrorIs(t, err, resultlog.ErrNotFound)
}

func TestClientListNextCursor(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name     string
		count    int
		limit    int
		wantNext string
	}
	cases := []testCase{
		{name: "fewer_than_limit", count: 2, limit: 3, wantNext: ""},
		{name: "exactly_limit_no_more", count: 3, limit: 3, wantNext: ""},
		{name: "more_than_limit_has_next", count: 4, limit: 3, wantNext: "000000000000000000000003"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			coll := &fakeCollection{findDocs: fakeRecordDocuments("m1", tc.count)}
			coll.findDocs = append(coll.findDocs, recordDocument{ID: oidOf(200), RecordID: "other", Model: "m2"})
			c := &client{coll: coll}

			page, err := c.List(context.Background(), "m1", "", tc.limit)
			require.NoError(t, err)
			assert.Len(t, page.Records, min(tc.count, tc.limit))
			assert.Equal(t, tc.wantNext, page.NextCursor)

			if tc.wantNext == "" {
				return
			}

			next, err := c.List(context.Background(), "m1", page.NextCursor, tc.limit)
			require.NoError(t, err)
			assert.Len(t, next.Records, tc.count-tc.limit)
			assert.Empty(t, next.NextCursor)
		})
	}
}

func TestClientListValidation(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{}}
	_, err := c.List(context.Background(), "m1", "", 0)
	require.Error(t, err)
	_, err = c.List(context.Background(), "m1", "not-hex", 10)
	require.Error(t, err)
}

func fakeRecordDocuments(modelID string, n int) []recordDocument {
	docs := make([]recordDocument, 0, n)
	for i := 1; i <= n; i++ {
		docs = append(docs, recordDocument{
			ID:        oidOf(i),
			RecordID:  bson.NewObjectID().Hex(),
			Kind:      "chat",
			Model:     modelID,
			Metadata:  []byte(`{"Type":"empty"}`),
			CreatedAt: time.Unix(int64(i), 0).UTC(),
		})
	}
	return docs
}

func oidOf(i int) bson.ObjectID {
	return bson.ObjectID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(i)}
}

type replaceCall struct {
	filter any
	doc    recordDocument
}

type fakeCollection struct {
	replaced []replaceCall
	findDocs []recordDocument
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, _ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	doc, _ := replacement.(recordDocument)
	c.replaced = append(c.replaced, replaceCall{filter: filter, doc: doc})
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	f, _ := filter.(bson.M)
	id, _ := f["record_id"].(string)
	for _, doc := range c.findDocs {
		if doc.RecordID == id {
			return fakeSingleResult{doc: doc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return &fakeCursor{}, nil
	}

	modelID, _ := f["model"].(string)
	var after bson.ObjectID
	if id, ok := f["_id"].(bson.M); ok {
		if gt, ok := id["$gt"].(bson.ObjectID); ok {
			after = gt
		}
	}

	filtered := make([]recordDocument, 0, len(c.findDocs))
	for _, doc := range c.findDocs {
		if modelID != "" && doc.Model != modelID {
			continue
		}
		if !after.IsZero() && bytes.Compare(doc.ID[:], after[:]) <= 0 {
			continue
		}
		filtered = append(filtered, doc)
	}

	var fo options.FindOptions
	for _, o := range opts {
		for _, set := range o.List() {
			_ = set(&fo)
		}
	}
	if fo.Limit != nil && *fo.Limit > 0 && int64(len(filtered)) > *fo.Limit {
		filtered = filtered[:*fo.Limit]
	}

	return &fakeCursor{docs: filtered}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}

type fakeSingleResult struct {
	doc recordDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := val.(*recordDocument); ok {
		*p = r.doc
	}
	return nil
}

type fakeCursor struct {
	docs []recordDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil || c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.err != nil {
		return c.err
	}
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	if p, ok := val.(*recordDocument); ok {
		*p = c.docs[c.pos-1]
	}
	return nil
}

func (c *fakeCursor) Err() error                  { return c.err }
func (c *fakeCursor) Close(context.Context) error { return nil }
