package main

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ai-relay/internal/jobs"
	"github.com/suPer8Hu/ai-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

type jobRunner interface {
	Handle(ctx context.Context, jobID string) error
	Abandon(ctx context.Context, jobID string, cause error)
}

type retryPublisher interface {
	PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

// dispatcher routes one delivery: ack on success, park a transient failure
// on the retry queue while attempts remain, dead-letter everything else.
type dispatcher struct {
	jobs        jobRunner
	retries     retryPublisher
	maxAttempts int
	delay       func(attempt int) time.Duration
}

func newDispatcher(runner jobRunner, retries retryPublisher) *dispatcher {
	return &dispatcher{jobs: runner, retries: retries, maxAttempts: maxAttempts, delay: retryDelay}
}

func (d *dispatcher) handle(ctx context.Context, workerID int, dl amqp.Delivery) {
	m, err := rabbitmq.DecodeJobMessage(dl.Body)
	if err != nil {
		logger.WithFields(logrus.Fields{"worker": workerID}).WithError(err).Warn("bad message")
		_ = dl.Nack(false, false)
		return
	}
	log := logger.WithFields(logrus.Fields{"worker": workerID, "job_id": m.JobID, "attempt": m.Attempt})

	start := time.Now()
	err = d.jobs.Handle(ctx, m.JobID)
	switch {
	case err == nil:
		if err := dl.Ack(false); err != nil {
			log.WithError(err).Error("ack failed")
		}
	case errors.Is(err, jobs.ErrTransient) && m.Attempt+1 < d.maxAttempts:
		// retry queue dead-letters it back to the main queue after the delay
		next := m.Attempt + 1
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		perr := d.retries.PublishRetry(pctx, m.JobID, next, d.delay(next))
		cancel()
		if perr != nil {
			log.WithError(perr).Error("retry publish failed")
			d.deadLetter(log, dl, m.JobID, perr)
			return
		}
		log.WithError(err).Warn("job deferred for retry")
		_ = dl.Ack(false)
	default:
		log.WithError(err).WithField("cost", time.Since(start).String()).Error("job failed")
		d.deadLetter(log, dl, m.JobID, err)
	}
}

// deadLetter finishes the job record before the message goes to the DLQ.
// The worker context may already be done during shutdown.
func (d *dispatcher) deadLetter(log *logrus.Entry, dl amqp.Delivery, jobID string, cause error) {
	actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	d.jobs.Abandon(actx, jobID, cause)
	cancel()
	if err := dl.Nack(false, false); err != nil {
		log.WithError(err).Error("nack failed")
	}
}
