// Package redisstore keeps the shared, TTL-bounded state of the relay in
// Redis: the stream registry, the chunk ledger, and the job event feed.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relay:"

type Store struct {
	rdb       *redis.Client
	streamTTL time.Duration
	feedTTL   time.Duration
}

type Options struct {
	Addr     string
	Password string
	DB       int

	StreamTTL time.Duration
	FeedTTL   time.Duration
}

func New(opts Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts.StreamTTL, opts.FeedTTL)
}

func NewWithClient(rdb *redis.Client, streamTTL, feedTTL time.Duration) *Store {
	if streamTTL <= 0 {
		streamTTL = 10 * time.Minute
	}
	if feedTTL <= 0 {
		feedTTL = time.Hour
	}
	return &Store{rdb: rdb, streamTTL: streamTTL, feedTTL: feedTTL}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Registry and Ledger expose the two stream views of the store.
func (s *Store) Registry() *Registry { return &Registry{s: s} }

func (s *Store) Ledger() *Ledger { return &Ledger{s: s} }

func (s *Store) Feed() *Feed { return &Feed{s: s} }
