package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/ai-relay/internal/stream"
)

// Ledger implements stream.Ledger with a meta hash holding the state and a
// list holding the chunks. RPUSH gives the ordering guarantee: the list index
// is the chunk index.
type Ledger struct {
	s *Store
}

var _ stream.Ledger = (*Ledger)(nil)

func metaKey(streamID string) string   { return keyPrefix + "ledger:" + streamID + ":meta" }
func chunksKey(streamID string) string { return keyPrefix + "ledger:" + streamID + ":chunks" }

// completeScript only flips the state of a ledger that still exists, so a
// cleared stream is never resurrected by a late completion.
var completeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return 1
`)

// appendScript pushes only while the meta hash exists and returns the new
// list length, or 0 for a cleared stream.
var appendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local n = redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return n
`)

func (l *Ledger) Open(ctx context.Context, streamID string) error {
	mk := metaKey(streamID)
	_, err := l.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, chunksKey(streamID))
		p.HSet(ctx, mk, "state", string(stream.StateActive), "created_at", time.Now().UTC().Format(time.RFC3339Nano))
		p.PExpire(ctx, mk, l.s.streamTTL)
		return nil
	})
	return err
}

func (l *Ledger) Append(ctx context.Context, streamID, data string) (int64, error) {
	n, err := appendScript.Run(ctx, l.s.rdb,
		[]string{metaKey(streamID), chunksKey(streamID)},
		data, l.s.streamTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, stream.ErrNoRecord
	}
	return n - 1, nil
}

func (l *Ledger) Complete(ctx context.Context, streamID string) error {
	n, err := completeScript.Run(ctx, l.s.rdb,
		[]string{metaKey(streamID), chunksKey(streamID)},
		string(stream.StateCompleted), l.s.streamTTL.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrNoRecord
	}
	return nil
}

func (l *Ledger) Status(ctx context.Context, streamID string) (stream.State, error) {
	v, err := l.s.rdb.HGet(ctx, metaKey(streamID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return stream.StateAbsent, nil
	}
	if err != nil {
		return "", err
	}
	switch stream.State(v) {
	case stream.StateCompleted:
		return stream.StateCompleted, nil
	case stream.StateActive:
		return stream.StateActive, nil
	default:
		return stream.StateAbsent, nil
	}
}

func (l *Ledger) Range(ctx context.Context, streamID string, from int64) ([]stream.Chunk, error) {
	if from < 0 {
		from = 0
	}
	vals, err := l.s.rdb.LRange(ctx, chunksKey(streamID), from, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]stream.Chunk, 0, len(vals))
	for i, v := range vals {
		out = append(out, stream.Chunk{Index: from + int64(i), Data: v})
	}
	return out, nil
}

func (l *Ledger) Delete(ctx context.Context, streamID string) error {
	return l.s.rdb.Del(ctx, metaKey(streamID), chunksKey(streamID)).Err()
}
