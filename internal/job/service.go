// Package job tracks named units of work: one execution attempt of a
// plan or a standalone operation, with retry and cooperative
// cancellation semantics.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/plan"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJobFields(ctx context.Context, id string, fields map[string]interface{}) error
}

// DeviceResult is one device's outcome within a job batch.
type DeviceResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Executor is the pluggable batch body ExecuteJob drives. An error
// return fails the whole job; per-device failures are reported inside
// the result map instead.
type Executor interface {
	Execute(ctx context.Context, jobID string, deviceIDs []string) (map[string]DeviceResult, error)
}

// Notifier receives job-terminal events; nil-safe. Delivery failures are
// the notifier's problem, never the job's.
type Notifier interface {
	JobCompleted(ctx context.Context, jobID string, planID *string, summary string)
	JobFailed(ctx context.Context, jobID string, planID *string, errMsg string)
}

// Service owns job rows and drives their batch execution.
type Service struct {
	store    Store
	audit    *audit.Sink
	notifier Notifier
	log      *log.PrefixLogger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewService(store Store, sink *audit.Sink, notifier Notifier, logger *log.PrefixLogger) *Service {
	if logger == nil {
		logger = log.NewPrefixLogger("job")
	}
	return &Service{
		store:    store,
		audit:    sink,
		notifier: notifier,
		log:      logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateJob allocates a pending job row.
func (s *Service) CreateJob(ctx context.Context, jobType string, deviceIDs []string, planID *string, maxAttempts int) (*model.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	deviceIDsJSON, err := json.Marshal(deviceIDs)
	if err != nil {
		return nil, err
	}
	j := &model.Job{
		ID:            "job-" + s.now().UTC().Format("20060102150405") + "-" + uuid.New().String()[:8],
		PlanID:        planID,
		JobType:       jobType,
		Status:        model.JobPending,
		DeviceIDsJSON: deviceIDsJSON,
		MaxAttempts:   maxAttempts,
		NextRunAt:     s.now().UTC(),
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	jobRef := j.ID
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionJobCreated, JobID: &jobRef, PlanID: planID,
		Result:   audit.Success,
		Metadata: map[string]interface{}{"job_type": jobType, "device_count": len(deviceIDs)},
	})
	return j, nil
}

// ExecuteJob runs the job's device list through the executor in batches.
// A batch error fails the job and is re-raised; per-device failures are
// aggregated and yield completed_with_errors. Cancellation is checked
// before each batch; in-flight batches complete first.
func (s *Service) ExecuteJob(ctx context.Context, jobID string, exec Executor, batchSize, batchPauseSeconds int) (map[string]DeviceResult, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != model.JobPending && j.Status != model.JobFailed {
		return nil, ccerrors.New(ccerrors.JobStateConflict,
			fmt.Sprintf("job %s is %s, only pending or failed jobs can execute", jobID, j.Status))
	}

	var deviceIDs []string
	if err := json.Unmarshal(j.DeviceIDsJSON, &deviceIDs); err != nil {
		return nil, ccerrors.Wrap(ccerrors.Validation, "decoding job device ids", err)
	}
	if batchSize < 1 {
		return nil, ccerrors.New(ccerrors.Validation, "batch size must be >= 1")
	}

	if err := s.store.UpdateJobFields(ctx, jobID, map[string]interface{}{
		"status":   model.JobRunning,
		"attempts": j.Attempts + 1,
	}); err != nil {
		return nil, err
	}

	batches := plan.Batches(deviceIDs, batchSize)
	results := map[string]DeviceResult{}
	completed := 0

	for i, batch := range batches {
		fresh, err := s.store.GetJob(ctx, jobID)
		if err == nil && fresh.CancellationRequested {
			s.finish(ctx, jobID, j.PlanID, model.JobCancelled, results, len(deviceIDs),
				fmt.Sprintf("cancelled after %d/%d devices", completed, len(deviceIDs)))
			return results, nil
		}

		if err := s.store.UpdateJobFields(ctx, jobID, map[string]interface{}{
			"current_device_id": batch[0],
		}); err != nil {
			s.log.WithError(err).Warnf("updating current device for job %s", jobID)
		}

		batchResults, err := exec.Execute(ctx, jobID, batch)
		if err != nil {
			s.finish(ctx, jobID, j.PlanID, model.JobFailed, results, len(deviceIDs), err.Error())
			return results, err
		}
		for id, r := range batchResults {
			results[id] = r
		}
		completed += len(batch)

		progress := completed * 100 / len(deviceIDs)
		if err := s.store.UpdateJobFields(ctx, jobID, map[string]interface{}{
			"progress_percent": progress,
		}); err != nil {
			s.log.WithError(err).Warnf("updating progress for job %s", jobID)
		}

		if i < len(batches)-1 {
			if err := s.sleep(ctx, time.Duration(batchPauseSeconds)*time.Second); err != nil {
				s.finish(ctx, jobID, j.PlanID, model.JobCancelled, results, len(deviceIDs), err.Error())
				return results, err
			}
		}
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	status := model.JobSuccess
	if succeeded < len(deviceIDs) {
		status = model.JobCompletedWithErrors
	}
	s.finish(ctx, jobID, j.PlanID, status, results, len(deviceIDs), "")
	return results, nil
}

// Finish records a terminal status and result summary for a job managed
// outside ExecuteJob (the rollout executor drives its own batch loop).
func (s *Service) Finish(ctx context.Context, jobID string, planID *string, status model.JobStatus, results map[string]DeviceResult, total int, errMsg string) {
	s.finish(ctx, jobID, planID, status, results, total, errMsg)
}

func (s *Service) finish(ctx context.Context, jobID string, planID *string, status model.JobStatus, results map[string]DeviceResult, total int, errMsg string) {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	summary := map[string]interface{}{
		"total":     total,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"message":   fmt.Sprintf("%d/%d devices successfully", succeeded, total),
		"devices":   results,
	}
	summaryJSON, _ := json.Marshal(summary)

	fields := map[string]interface{}{
		"status":              status,
		"result_summary_json": summaryJSON,
		"progress_percent":    progressFor(status, len(results), total),
		"current_device_id":   "",
	}
	if errMsg != "" {
		fields["error_message"] = errMsg
	}
	if err := s.store.UpdateJobFields(ctx, jobID, fields); err != nil {
		s.log.WithError(err).Errorf("persisting terminal status for job %s", jobID)
	}

	jobRef := jobID
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionJobStatusUpdate, JobID: &jobRef, PlanID: planID,
		Result:   audit.Success,
		Metadata: map[string]interface{}{"new_status": string(status), "summary": summary["message"]},
		Error:    errMsg,
	})

	if s.notifier == nil {
		return
	}
	switch status {
	case model.JobSuccess, model.JobCompletedWithErrors:
		s.notifier.JobCompleted(ctx, jobID, planID, summary["message"].(string))
	case model.JobFailed:
		s.notifier.JobFailed(ctx, jobID, planID, errMsg)
	}
}

func progressFor(status model.JobStatus, done, total int) int {
	if status == model.JobSuccess || status == model.JobCompletedWithErrors {
		return 100
	}
	if total == 0 {
		return 0
	}
	return done * 100 / total
}

// RequestCancellation flips the cooperative cancellation flag; the
// executor honors it at the next batch boundary.
func (s *Service) RequestCancellation(ctx context.Context, jobID string) error {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	return s.store.UpdateJobFields(ctx, jobID, map[string]interface{}{"cancellation_requested": true})
}

// CancellationRequested reads the flag back, for executors that own
// their batch loop.
func (s *Service) CancellationRequested(ctx context.Context, jobID string) (bool, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return j.CancellationRequested, nil
}

// MarkRunning transitions a pending job to running, counting the attempt.
func (s *Service) MarkRunning(ctx context.Context, jobID string) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != model.JobPending && j.Status != model.JobFailed {
		return ccerrors.New(ccerrors.JobStateConflict,
			fmt.Sprintf("job %s is %s, cannot start", jobID, j.Status))
	}
	return s.store.UpdateJobFields(ctx, jobID, map[string]interface{}{
		"status":   model.JobRunning,
		"attempts": j.Attempts + 1,
	})
}

// ScheduleRetry re-queues a failed job after a delay, bounded by
// max_attempts.
func (s *Service) ScheduleRetry(ctx context.Context, jobID string, delaySeconds int) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != model.JobFailed {
		return ccerrors.New(ccerrors.JobStateConflict,
			fmt.Sprintf("job %s is %s, only failed jobs can be retried", jobID, j.Status))
	}
	if j.Attempts >= j.MaxAttempts {
		return ccerrors.New(ccerrors.RetriesExhausted,
			fmt.Sprintf("job %s has used %d/%d attempts", jobID, j.Attempts, j.MaxAttempts))
	}
	return s.store.UpdateJobFields(ctx, jobID, map[string]interface{}{
		"status":      model.JobPending,
		"next_run_at": s.now().UTC().Add(time.Duration(delaySeconds) * time.Second),
	})
}
