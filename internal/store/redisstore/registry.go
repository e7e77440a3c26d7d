package redisstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/ai-relay/internal/stream"
)

// Registry implements stream.Registry. One string key per (owner, session)
// holding the JSON record.
type Registry struct {
	s *Store
}

var _ stream.Registry = (*Registry)(nil)

func registryKey(ownerKey, sessionID string) string {
	return keyPrefix + "registry:" + ownerKey + ":" + sessionID
}

func (r *Registry) Get(ctx context.Context, ownerKey, sessionID string) (stream.Record, error) {
	b, err := r.s.rdb.Get(ctx, registryKey(ownerKey, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return stream.Record{}, stream.ErrNoRecord
	}
	if err != nil {
		return stream.Record{}, err
	}

	var rec stream.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return stream.Record{}, err
	}
	return rec, nil
}

func (r *Registry) Put(ctx context.Context, rec stream.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.s.rdb.Set(ctx, registryKey(rec.OwnerKey, rec.SessionID), b, r.s.streamTTL).Err()
}

func (r *Registry) Delete(ctx context.Context, ownerKey, sessionID string) error {
	return r.s.rdb.Del(ctx, registryKey(ownerKey, sessionID)).Err()
}
