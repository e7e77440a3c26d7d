// Package jobs is the server side of Job-Queue mode: job records, dispatch
// through the queue, the worker that runs the engine, and the event feed it
// publishes to.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/metrics"
	"github.com/suPer8Hu/ai-relay/pkg/feed"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

var ErrEnqueue = errors.New("jobs: enqueue failed")

// Enqueuer hands a job id to the worker fleet.
type Enqueuer interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Publisher writes job events to the feed.
type Publisher interface {
	Publish(ctx context.Context, e feed.Event) error
}

type Service struct {
	repo  *Repo
	queue Enqueuer
	feed  Publisher
	newID func() (string, error)
}

func NewService(repo *Repo, queue Enqueuer, pub Publisher) *Service {
	return &Service{repo: repo, queue: queue, feed: pub, newID: common.NewULID}
}

type CreateRequest struct {
	OwnerKey        string
	SessionID       string
	Messages        []ai.Message
	EnableWebSearch bool
	IdempotencyKey  string
}

// Create stores the job and enqueues it. A repeated idempotency key for the
// same owner returns the original job with created=false and enqueues
// nothing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Job, bool, error) {
	id, err := s.newID()
	if err != nil {
		return nil, false, err
	}
	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, false, err
	}

	job := &Job{
		ID:              id,
		OwnerKey:        req.OwnerKey,
		SessionID:       req.SessionID,
		Query:           lastUserContent(req.Messages),
		Messages:        string(msgs),
		EnableWebSearch: req.EnableWebSearch,
		Status:          StatusCreated,
		Stage:           "queued",
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}

	job, created, err := s.repo.CreateOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	log := logger.WithFields(logrus.Fields{"job_id": job.ID, "session_id": job.SessionID})
	if err := s.feed.Publish(ctx, feed.ProgressEvent(job.ID, "queued", 0, "")); err != nil {
		log.WithError(err).Warn("jobs: initial feed publish failed")
	}

	if err := s.queue.PublishJob(ctx, job.ID); err != nil {
		msg := "enqueue failed"
		if _, ferr := s.repo.Finish(ctx, job.ID, StatusErrored, nil, &msg); ferr != nil {
			log.WithError(ferr).Error("jobs: mark enqueue failure")
		}
		_ = s.feed.Publish(ctx, feed.ErrorEvent(job.ID, feed.CodeJobFailed, "job could not be queued"))
		return nil, false, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	metrics.StreamsCreated.WithLabelValues("job-queue").Inc()
	return job, true, nil
}

func (s *Service) Get(ctx context.Context, ownerKey, jobID string) (*Job, error) {
	return s.repo.GetForOwner(ctx, ownerKey, jobID)
}

// Cancel marks an active job cancelled and tells feed subscribers. Cancelling
// a finished job returns it unchanged.
func (s *Service) Cancel(ctx context.Context, ownerKey, jobID string) (*Job, error) {
	if _, err := s.repo.GetForOwner(ctx, ownerKey, jobID); err != nil {
		return nil, err
	}

	ok, err := s.repo.Finish(ctx, jobID, StatusCancelled, nil, nil)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.JobsFinished.WithLabelValues(string(StatusCancelled)).Inc()
		if err := s.feed.Publish(ctx, feed.ErrorEvent(jobID, feed.CodeCancelled, "job cancelled")); err != nil {
			logger.WithFields(logrus.Fields{"job_id": jobID}).WithError(err).Warn("jobs: cancel publish failed")
		}
	}
	return s.repo.Get(ctx, jobID)
}

func lastUserContent(msgs []ai.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == ai.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
