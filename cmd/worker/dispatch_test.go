package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/suPer8Hu/ai-relay/internal/jobs"
)

type recordingAck struct {
	acks, nacks int
	requeued    bool
}

func (a *recordingAck) Ack(uint64, bool) error { a.acks++; return nil }

func (a *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = a.requeued || requeue
	return nil
}

func (a *recordingAck) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }

type fakeRunner struct {
	err       error
	handled   []string
	abandoned []string
}

func (r *fakeRunner) Handle(_ context.Context, id string) error {
	r.handled = append(r.handled, id)
	return r.err
}

func (r *fakeRunner) Abandon(_ context.Context, id string, _ error) {
	r.abandoned = append(r.abandoned, id)
}

type retryCall struct {
	id      string
	attempt int
	delay   time.Duration
}

type fakeRetries struct {
	err   error
	calls []retryCall
}

func (p *fakeRetries) PublishRetry(_ context.Context, id string, attempt int, delay time.Duration) error {
	p.calls = append(p.calls, retryCall{id, attempt, delay})
	return p.err
}

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

func TestDispatcher_Routing(t *testing.T) {
	transient := fmt.Errorf("%w: worker stopping", jobs.ErrTransient)

	cases := []struct {
		name        string
		body        string
		runErr      error
		retryErr    error
		wantAcks    int
		wantNacks   int
		wantRetry   []retryCall
		wantAbandon bool
	}{
		{name: "success acks", body: `{"job_id":"j1"}`, wantAcks: 1},
		{
			name: "transient with attempts left is retried", body: `{"job_id":"j1"}`, runErr: transient,
			wantAcks: 1, wantRetry: []retryCall{{"j1", 1, 5 * time.Second}},
		},
		{
			name: "transient on last attempt is dead-lettered", body: `{"job_id":"j1","attempt":2}`, runErr: transient,
			wantNacks: 1, wantAbandon: true,
		},
		{
			name: "hard failure is dead-lettered", body: `{"job_id":"j1"}`, runErr: errors.New("boom"),
			wantNacks: 1, wantAbandon: true,
		},
		{
			name: "failed retry publish is dead-lettered", body: `{"job_id":"j1","attempt":1}`, runErr: transient,
			retryErr: errors.New("channel closed"), wantNacks: 1, wantAbandon: true,
			wantRetry: []retryCall{{"j1", 2, 10 * time.Second}},
		},
		{name: "undecodable body is dropped", body: `not json`, wantNacks: 1},
		{name: "missing job id is dropped", body: `{"attempt":1}`, wantNacks: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{err: tc.runErr}
			retries := &fakeRetries{err: tc.retryErr}
			ack := &recordingAck{}

			newDispatcher(runner, retries).handle(context.Background(), 0, delivery(ack, tc.body))

			assert.Equal(t, tc.wantAcks, ack.acks)
			assert.Equal(t, tc.wantNacks, ack.nacks)
			assert.False(t, ack.requeued, "nothing goes back to the main queue directly")
			assert.Equal(t, tc.wantRetry, retries.calls)
			if tc.wantAbandon {
				assert.Equal(t, []string{"j1"}, runner.abandoned)
			} else {
				assert.Empty(t, runner.abandoned)
			}
		})
	}
}

func TestDispatcher_AbandonsOnCancelledWorkerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &abandonCtxRunner{}
	ack := &recordingAck{}
	d := newDispatcher(runner, &fakeRetries{})
	d.handle(ctx, 0, delivery(ack, `{"job_id":"j9","attempt":2}`))

	assert.Equal(t, 1, ack.nacks)
	assert.NoError(t, runner.abandonCtxErr, "abandon must not inherit the stopped worker context")
}

type abandonCtxRunner struct {
	abandonCtxErr error
}

func (r *abandonCtxRunner) Handle(ctx context.Context, _ string) error {
	return fmt.Errorf("%w: %v", jobs.ErrTransient, ctx.Err())
}

func (r *abandonCtxRunner) Abandon(ctx context.Context, _ string, _ error) {
	r.abandonCtxErr = ctx.Err()
}
