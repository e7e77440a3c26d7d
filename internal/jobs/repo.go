package jobs

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("jobs: job not found")

var activeStatuses = []Status{StatusCreated, StatusRunning}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(&Job{})
}

func (r *Repo) Create(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// GetForOwner hides jobs of other owners behind ErrJobNotFound.
func (r *Repo) GetForOwner(ctx context.Context, ownerKey, id string) (*Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.OwnerKey != ownerKey {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (r *Repo) getByIdempotencyKey(ctx context.Context, ownerKey, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("owner_key = ? AND idempotency_key = ?", ownerKey, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateOrGetExisting tries to create a job, but if (owner_key, idempotency_key)
// already exists, it returns the existing job instead.
func (r *Repo) CreateOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.Create(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.Create(ctx, job)
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.getByIdempotencyKey(ctx, job.OwnerKey, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// MarkRunning moves a created job to running. It reports false when the job
// was not in created.
func (r *Repo) MarkRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusCreated).
		Updates(map[string]any{"status": StatusRunning})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) UpdateProgress(ctx context.Context, id, stage string, percent int, msg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]any{"stage": stage, "percent": percent, "message": msg}).Error
}

// Finish moves an active job to a terminal status. Terminal jobs are never
// rewritten; false means the job had already finished.
func (r *Repo) Finish(ctx context.Context, id string, status Status, result, errMsg *string) (bool, error) {
	updates := map[string]any{
		"status": status,
		"result": result,
		"error":  errMsg,
	}
	if status == StatusCompleted {
		updates["percent"] = 100
	}
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) StatusOf(ctx context.Context, id string) (Status, error) {
	var j Job
	if err := r.db.WithContext(ctx).Select("status").First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrJobNotFound
		}
		return "", err
	}
	return j.Status, nil
}
