// Package redis provides a read-through Redis cache in front of another
// resultlog.Store.
//
// Records are written to the backing store first and then cached with a TTL.
// Get serves cached records and fills the cache on misses. List always reads
// the backing store so pagination stays consistent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/modelresult/runtime/resultlog"
	"goa.design/modelresult/runtime/telemetry"
)

type (
	// Options configures the cache.
	Options struct {
		// Redis is the client used for caching. Required.
		Redis redis.Cmdable
		// Backend is the durable store. Required.
		Backend resultlog.Store
		// TTL is the cache entry lifetime. Defaults to one hour.
		TTL time.Duration
		// Prefix is prepended to cache keys. Defaults to "modelresult:record:".
		Prefix string
		// Logger reports cache failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Store implements resultlog.Store with a Redis cache.
	Store struct {
		rdb     cache
		backend resultlog.Store
		ttl     time.Duration
		prefix  string
		logger  telemetry.Logger
	}

	// cache is the subset of redis.Cmdable used by Store.
	cache interface {
		Get(ctx context.Context, key string) *redis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
		Del(ctx context.Context, keys ...string) *redis.IntCmd
	}
)

const (
	defaultTTL    = time.Hour
	defaultPrefix = "modelresult:record:"
)

// New returns a cached store.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return newStore(opts.Redis, opts)
}

func newStore(rdb cache, opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend store is required")
	}
	s := &Store{
		rdb:     rdb,
		backend: opts.Backend,
		ttl:     opts.TTL,
		prefix:  opts.Prefix,
		logger:  opts.Logger,
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s, nil
}

// Put writes r to the backing store then refreshes the cache entry. Cache
// failures are logged and do not fail the call.
func (s *Store) Put(ctx context.Context, r *resultlog.Record) error {
	if err := s.backend.Put(ctx, r); err != nil {
		return err
	}
	s.cache(ctx, r)
	return nil
}

// Get returns the cached record or reads it from the backing store.
func (s *Store) Get(ctx context.Context, id string) (*resultlog.Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	switch {
	case err == nil:
		var r resultlog.Record
		if derr := json.Unmarshal(raw, &r); derr == nil {
			return &r, nil
		}
		s.logger.Warn(ctx, "dropping undecodable cached record", "record_id", id)
		_ = s.rdb.Del(ctx, s.key(id)).Err()
	case !errors.Is(err, redis.Nil):
		s.logger.Warn(ctx, "result cache read failed", "record_id", id, "err", err)
	}

	r, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, r)
	return r, nil
}

// List reads the backing store.
func (s *Store) List(ctx context.Context, model string, cursor string, limit int) (resultlog.Page, error) {
	return s.backend.List(ctx, model, cursor, limit)
}

func (s *Store) cache(ctx context.Context, r *resultlog.Record) {
	raw, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn(ctx, "result cache encode failed", "record_id", r.ID, "err", err)
		return
	}
	if err := s.rdb.Set(ctx, s.key(r.ID), raw, s.ttl).Err(); err != nil {
		s.logger.Warn(ctx, "result cache write failed", "record_id", r.ID, "err", err)
	}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}
