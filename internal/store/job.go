package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	return s.db.WithContext(ctx).Create(j).Error
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ccerrors.New(ccerrors.JobNotFound, "job not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) UpdateJobFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.Job{}).Where("id = ?", id).Updates(fields).Error
}

// ListDueJobs returns pending jobs whose next_run_at has passed, oldest
// first, for the worker to pick up.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	q := s.db.WithContext(ctx).
		Where("status = ? AND next_run_at <= ?", model.JobPending, now).
		Order("next_run_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

type JobFilter struct {
	PlanID  string
	Status  model.JobStatus
	JobType string
}

func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	q := s.db.WithContext(ctx).Model(&model.Job{})
	if f.PlanID != "" {
		q = q.Where("plan_id = ?", f.PlanID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.JobType != "" {
		q = q.Where("job_type = ?", f.JobType)
	}
	var jobs []*model.Job
	err := q.Order("created_at desc").Find(&jobs).Error
	return jobs, err
}
