package redisstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/ai-relay/pkg/feed"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

// Feed is the push channel for job events: a pub/sub channel per job plus a
// "last event" key so a subscriber that connects late still sees the current
// stage or the terminal outcome.
type Feed struct {
	s *Store
}

func feedChannel(jobID string) string { return keyPrefix + "job:" + jobID + ":feed" }
func feedLastKey(jobID string) string { return keyPrefix + "job:" + jobID + ":last" }

func (f *Feed) Publish(ctx context.Context, e feed.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, feedLastKey(e.JobID), b, f.s.feedTTL)
		p.Publish(ctx, feedChannel(e.JobID), b)
		return nil
	})
	return err
}

// Last returns the most recent event published for jobID, if any.
func (f *Feed) Last(ctx context.Context, jobID string) (feed.Event, bool, error) {
	b, err := f.s.rdb.Get(ctx, feedLastKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return feed.Event{}, false, nil
	}
	if err != nil {
		return feed.Event{}, false, err
	}
	e, err := feed.Decode(b)
	if err != nil {
		return feed.Event{}, false, err
	}
	return e, true, nil
}

// Subscription delivers decoded events until Close is called or the
// subscription context ends.
type Subscription struct {
	ps     *redis.PubSub
	events chan feed.Event
}

func (s *Subscription) Events() <-chan feed.Event { return s.events }

func (s *Subscription) Close() error { return s.ps.Close() }

// Subscribe returns once the subscription is confirmed by the server, so
// events published after it returns are never missed.
func (f *Feed) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	ps := f.s.rdb.Subscribe(ctx, feedChannel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &Subscription{ps: ps, events: make(chan feed.Event, 16)}
	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			e, err := feed.Decode([]byte(msg.Payload))
			if err != nil {
				logger.WithError(err).Warnf("feed: dropping malformed event job=%s", jobID)
				continue
			}
			select {
			case sub.events <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}
