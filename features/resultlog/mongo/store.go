package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/modelresult/features/resultlog/mongo/clients/mongo"
	"goa.design/modelresult/runtime/resultlog"
)

// Store implements resultlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed result log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Put implements resultlog.Store.
func (s *Store) Put(ctx context.Context, r *resultlog.Record) error {
	return s.client.Put(ctx, r)
}

// Get implements resultlog.Store.
func (s *Store) Get(ctx context.Context, id string) (*resultlog.Record, error) {
	return s.client.Get(ctx, id)
}

// List implements resultlog.Store.
func (s *Store) List(ctx context.Context, model string, cursor string, limit int) (resultlog.Page, error) {
	return s.client.List(ctx, model, cursor, limit)
}
