package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/metrics"
	"github.com/suPer8Hu/ai-relay/pkg/feed"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

// ErrTransient marks failures worth redelivering, e.g. the database being
// briefly unreachable before the job started.
var ErrTransient = errors.New("jobs: transient failure")

const (
	stageStarting   = "starting"
	stageGenerating = "generating"
	stageFinalizing = "finalizing"

	// progressEvery is how many fragments pass between progress events and
	// cancellation checks.
	progressEvery = 8
)

var errCancelled = errors.New("jobs: cancelled")

type Worker struct {
	repo     *Repo
	registry *ai.Registry
	feed     Publisher
	provider string
	model    string
	timeout  time.Duration
}

func NewWorker(repo *Repo, registry *ai.Registry, pub Publisher, provider, model string, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Worker{repo: repo, registry: registry, feed: pub, provider: provider, model: model, timeout: timeout}
}

// Handle runs one job to a terminal status. Jobs that are already finished,
// typically cancelled before a worker picked them up, are skipped.
func (w *Worker) Handle(ctx context.Context, jobID string) error {
	jobStart := time.Now()
	log := logger.WithFields(logrus.Fields{"job_id": jobID})

	if _, err := w.repo.MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("%w: mark running: %v", ErrTransient, err)
	}
	j, err := w.repo.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: load job: %v", ErrTransient, err)
	}
	if j.Status != StatusRunning {
		log.WithField("status", j.Status).Info("jobs: skipping job")
		return nil
	}
	log = log.WithField("session_id", j.SessionID)

	w.progress(ctx, log, jobID, stageStarting, 5, "")

	jctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	reply, runErr := w.run(jctx, log, j)
	switch {
	case errors.Is(runErr, errCancelled):
		log.Info("jobs: cancelled while running")
		return nil
	case errors.Is(jctx.Err(), context.DeadlineExceeded):
		msg := "job timed out"
		w.finish(ctx, log, jobID, StatusTimedOut, nil, &msg,
			feed.ErrorEvent(jobID, feed.CodeJobTimeout, "the job did not finish in time"))
		return fmt.Errorf("jobs: %w", jctx.Err())
	case ctx.Err() != nil:
		// shutdown: leave the job running so a redelivery picks it up
		return fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case runErr != nil:
		msg := runErr.Error()
		w.finish(ctx, log, jobID, StatusErrored, nil, &msg,
			feed.ErrorEvent(jobID, feed.CodeJobFailed, "AI engine request failed"))
		return runErr
	}

	w.progress(ctx, log, jobID, stageFinalizing, 95, "")
	w.finish(ctx, log, jobID, StatusCompleted, &reply, nil,
		feed.ResultEvent(jobID, feed.Result{Content: reply, SessionID: j.SessionID}))

	if cost := time.Since(jobStart); cost > 2*time.Second {
		log.WithField("cost", cost.String()).Info("jobs: job_timing")
	}
	return nil
}

// Abandon gives up on a job that will not be delivered again, so the record
// and the feed still end with a terminal status. Finished jobs are left
// alone.
func (w *Worker) Abandon(ctx context.Context, jobID string, cause error) {
	log := logger.WithFields(logrus.Fields{"job_id": jobID})
	msg := "job abandoned"
	if cause != nil {
		msg = "job abandoned: " + cause.Error()
	}
	w.finish(ctx, log, jobID, StatusErrored, nil, &msg,
		feed.ErrorEvent(jobID, feed.CodeJobFailed, "the job could not be processed"))
}

func (w *Worker) run(ctx context.Context, log *logrus.Entry, j *Job) (string, error) {
	msgs, err := j.DecodeMessages()
	if err != nil {
		return "", fmt.Errorf("decode messages: %w", err)
	}
	req := ai.Request{SessionID: j.SessionID, Messages: msgs, EnableWebSearch: j.EnableWebSearch}

	p, err := w.registry.Get(ctx, w.provider, w.model)
	if err != nil {
		return "", err
	}

	w.progress(ctx, log, j.ID, stageGenerating, 20, "")

	sp, ok := p.(ai.StreamProvider)
	if !ok {
		reply, err := p.Chat(ctx, req)
		if err != nil {
			return "", err
		}
		if w.cancelled(ctx, j.ID) {
			return "", errCancelled
		}
		return reply, nil
	}

	// consume the fragment stream so long answers report progress and can
	// be cancelled between steps
	chunks, errs := sp.StreamChat(ctx, req)
	var b strings.Builder
	n := 0
	percent := 20
	for c := range chunks {
		b.WriteString(c)
		n++
		if n%progressEvery != 0 {
			continue
		}
		if w.cancelled(ctx, j.ID) {
			// the deferred cancel in Handle stops the provider
			return "", errCancelled
		}
		if percent < 90 {
			percent = min(90, percent+5)
			w.progress(ctx, log, j.ID, stageGenerating, percent, "")
		}
	}
	if err := <-errs; err != nil {
		return "", err
	}
	if w.cancelled(ctx, j.ID) {
		return "", errCancelled
	}
	return b.String(), nil
}

func (w *Worker) cancelled(ctx context.Context, jobID string) bool {
	st, err := w.repo.StatusOf(ctx, jobID)
	return err == nil && st == StatusCancelled
}

func (w *Worker) progress(ctx context.Context, log *logrus.Entry, jobID, stage string, percent int, msg string) {
	if err := w.repo.UpdateProgress(ctx, jobID, stage, percent, msg); err != nil {
		log.WithError(err).Warn("jobs: progress update failed")
	}
	if err := w.feed.Publish(ctx, feed.ProgressEvent(jobID, stage, percent, msg)); err != nil {
		log.WithError(err).Warn("jobs: progress publish failed")
	}
}

// finish writes the terminal status and publishes ev only if this call made
// the transition.
func (w *Worker) finish(ctx context.Context, log *logrus.Entry, jobID string, status Status, result, errMsg *string, ev feed.Event) {
	ok, err := w.repo.Finish(ctx, jobID, status, result, errMsg)
	if err != nil {
		log.WithError(err).Error("jobs: finish failed")
		return
	}
	if !ok {
		return
	}
	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	if err := w.feed.Publish(ctx, ev); err != nil {
		log.WithError(err).Warn("jobs: terminal publish failed")
	}
}
