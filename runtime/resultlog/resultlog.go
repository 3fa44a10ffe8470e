// Package resultlog persists model results so they can be inspected and
// replayed after the call that produced them returned.
//
// Each record holds a single result: its output and its metadata encoded as
// JSON, plus the response level provider, model and usage it came from.
package resultlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/modelresult/runtime/model"
)

type (
	// Kind identifies the type of output a record holds.
	Kind string

	// Record is a single persisted model result.
	Record struct {
		// ID is the record identifier. Stores assign a UUID when empty.
		ID string
		// Kind is the type of output held by the record.
		Kind Kind
		// Provider names the adapter that produced the result.
		Provider string
		// Model is the model identifier reported by the provider.
		Model string
		// ResponseID is the provider response identifier.
		ResponseID string
		// Index is the position of the result in its response.
		Index int
		// HasOutput is false when the result carried no output.
		HasOutput bool
		// Output is the JSON encoded result output.
		Output json.RawMessage `json:",omitempty"`
		// Metadata is the result metadata encoded with model.MarshalMetadata.
		Metadata json.RawMessage
		// Usage is the token usage of the whole response.
		Usage model.TokenUsage
		// CreatedAt is the time the record was built.
		CreatedAt time.Time
	}

	// Page is a forward page of records.
	Page struct {
		// Records are ordered oldest-first.
		Records []*Record
		// NextCursor is the cursor to use to fetch the next page. It is empty
		// when there are no further records.
		NextCursor string
	}

	// Store persists records.
	//
	// Cursor values are store-owned and opaque to callers.
	Store interface {
		// Put stores the record. Stores assign the ID when it is empty and
		// write it back to r.
		Put(ctx context.Context, r *Record) error
		// Get returns the record with the given ID or ErrNotFound.
		Get(ctx context.Context, id string) (*Record, error)
		// List returns the next forward page of records for the given model.
		// An empty model lists records of all models. Limit must be greater
		// than zero.
		List(ctx context.Context, model string, cursor string, limit int) (Page, error)
	}
)

// Record kinds.
const (
	KindChat      Kind = "chat"
	KindEmbedding Kind = "embedding"
)

// ErrNotFound is returned by Store.Get when no record matches.
var ErrNotFound = errors.New("resultlog: record not found")

// NewID returns a new record identifier.
func NewID() string {
	return uuid.NewString()
}

// FromChat returns one record per result of resp.
func FromChat(resp *model.ChatResponse) ([]*Record, error) {
	if resp == nil {
		return nil, errors.New("chat response is required")
	}
	out := make([]*Record, 0, len(resp.Results))
	for i, res := range resp.Results {
		r, err := newRecord(KindChat, resp.Metadata, i, res.HasOutput(), res.Output(), res.Metadata())
		if err != nil {
			return nil, fmt.Errorf("chat result %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// FromEmbedding returns one record per result of resp.
func FromEmbedding(resp *model.EmbeddingResponse) ([]*Record, error) {
	if resp == nil {
		return nil, errors.New("embedding response is required")
	}
	out := make([]*Record, 0, len(resp.Results))
	for i, res := range resp.Results {
		r, err := newRecord(KindEmbedding, resp.Metadata, i, res.HasOutput(), res.Output(), res.Metadata())
		if err != nil {
			return nil, fmt.Errorf("embedding result %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// DecodeChat restores the chat result held by r.
func DecodeChat(r *Record) (*model.Generation[model.AssistantMessage], error) {
	return decode[model.AssistantMessage](r, KindChat)
}

// DecodeEmbedding restores the embedding result held by r.
func DecodeEmbedding(r *Record) (*model.Generation[[]float32], error) {
	return decode[[]float32](r, KindEmbedding)
}

func newRecord(kind Kind, rm model.ResponseMetadata, index int, present bool, output any, md model.ResultMetadata) (*Record, error) {
	r := &Record{
		Kind:       kind,
		Provider:   rm.Provider,
		Model:      rm.Model,
		ResponseID: rm.ID,
		Index:      index,
		HasOutput:  present,
		Usage:      rm.Usage,
		CreatedAt:  rm.Created,
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if present {
		raw, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		r.Output = raw
	}
	raw, err := model.MarshalMetadata(md)
	if err != nil {
		return nil, err
	}
	r.Metadata = raw
	return r, nil
}

func decode[T any](r *Record, kind Kind) (*model.Generation[T], error) {
	if r == nil {
		return nil, errors.New("record is required")
	}
	if r.Kind != kind {
		return nil, fmt.Errorf("record %s holds %s output, not %s", r.ID, r.Kind, kind)
	}
	md, err := model.UnmarshalMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	if !r.HasOutput {
		return model.EmptyGeneration[T](md), nil
	}
	var out T
	if err := json.Unmarshal(r.Output, &out); err != nil {
		return nil, fmt.Errorf("record %s: decode output: %w", r.ID, err)
	}
	return model.NewGeneration(out, md), nil
}
