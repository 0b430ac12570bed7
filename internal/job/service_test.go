package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/store/storetest"
)

type recordingExecutor struct {
	batches [][]string
	results map[string]DeviceResult
	err     error
	// onBatch runs before returning, letting tests flip flags mid-run.
	onBatch func(batch []string)
}

func (r *recordingExecutor) Execute(_ context.Context, _ string, deviceIDs []string) (map[string]DeviceResult, error) {
	r.batches = append(r.batches, deviceIDs)
	if r.onBatch != nil {
		r.onBatch(deviceIDs)
	}
	if r.err != nil {
		return nil, r.err
	}
	out := map[string]DeviceResult{}
	for _, id := range deviceIDs {
		res, ok := r.results[id]
		if !ok {
			res = DeviceResult{Success: true}
		}
		out[id] = res
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *storetest.Fake) {
	t.Helper()
	fake := storetest.New()
	svc := NewService(fake, audit.NewSink(fake, nil), nil, nil)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc, fake
}

func devices(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a'+i)) + "-device"
	}
	return out
}

func TestExecuteJobBatches(t *testing.T) {
	svc, fake := newTestService(t)
	j, err := svc.CreateJob(context.Background(), "batch_health_check", devices(5), nil, 3)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)

	exec := &recordingExecutor{}
	results, err := svc.ExecuteJob(context.Background(), j.ID, exec, 2, 0)
	require.NoError(t, err)

	require.Len(t, exec.batches, 3)
	assert.Len(t, exec.batches[0], 2)
	assert.Len(t, exec.batches[2], 1)
	assert.Len(t, results, 5)

	stored := fake.Jobs[j.ID]
	assert.Equal(t, model.JobSuccess, stored.Status)
	assert.Equal(t, 100, stored.ProgressPercent)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, string(stored.ResultSummaryJSON), "5/5 devices successfully")
}

func TestExecuteJobPerDeviceFailures(t *testing.T) {
	svc, fake := newTestService(t)
	ids := devices(4)
	j, err := svc.CreateJob(context.Background(), "snapshot_capture", ids, nil, 3)
	require.NoError(t, err)

	exec := &recordingExecutor{results: map[string]DeviceResult{
		ids[1]: {Success: false, Message: "export failed"},
	}}
	_, err = svc.ExecuteJob(context.Background(), j.ID, exec, 2, 0)
	require.NoError(t, err)

	stored := fake.Jobs[j.ID]
	assert.Equal(t, model.JobCompletedWithErrors, stored.Status)
	assert.Contains(t, string(stored.ResultSummaryJSON), "3/4 devices successfully")
}

func TestExecuteJobBatchErrorFailsJobAndReRaises(t *testing.T) {
	svc, fake := newTestService(t)
	j, err := svc.CreateJob(context.Background(), "batch_health_check", devices(4), nil, 3)
	require.NoError(t, err)

	boom := errors.New("database gone")
	exec := &recordingExecutor{err: boom}
	_, err = svc.ExecuteJob(context.Background(), j.ID, exec, 2, 0)
	require.ErrorIs(t, err, boom)

	stored := fake.Jobs[j.ID]
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Equal(t, "database gone", stored.ErrorMessage)
}

func TestExecuteJobCancellationBetweenBatches(t *testing.T) {
	svc, fake := newTestService(t)
	ids := devices(6)
	j, err := svc.CreateJob(context.Background(), "batch_health_check", ids, nil, 3)
	require.NoError(t, err)

	exec := &recordingExecutor{}
	exec.onBatch = func([]string) {
		if len(exec.batches) == 1 {
			require.NoError(t, svc.RequestCancellation(context.Background(), j.ID))
		}
	}
	results, err := svc.ExecuteJob(context.Background(), j.ID, exec, 2, 0)
	require.NoError(t, err)

	// Batch 1 completed; batches 2-3 never ran.
	require.Len(t, exec.batches, 1)
	assert.Len(t, results, 2)
	assert.Equal(t, model.JobCancelled, fake.Jobs[j.ID].Status)
}

func TestExecuteJobRejectsRunningJob(t *testing.T) {
	svc, fake := newTestService(t)
	j, err := svc.CreateJob(context.Background(), "snapshot_capture", devices(2), nil, 3)
	require.NoError(t, err)
	fake.Jobs[j.ID].Status = model.JobRunning

	_, err = svc.ExecuteJob(context.Background(), j.ID, &recordingExecutor{}, 2, 0)
	require.Error(t, err)
	assert.Equal(t, ccerrors.JobStateConflict, ccerrors.KindOf(err))
}

func TestScheduleRetry(t *testing.T) {
	svc, fake := newTestService(t)
	j, err := svc.CreateJob(context.Background(), "snapshot_capture", devices(2), nil, 2)
	require.NoError(t, err)

	// Only failed jobs can be retried.
	err = svc.ScheduleRetry(context.Background(), j.ID, 60)
	require.Error(t, err)
	assert.Equal(t, ccerrors.JobStateConflict, ccerrors.KindOf(err))

	fake.Jobs[j.ID].Status = model.JobFailed
	fake.Jobs[j.ID].Attempts = 1
	require.NoError(t, svc.ScheduleRetry(context.Background(), j.ID, 60))
	assert.Equal(t, model.JobPending, fake.Jobs[j.ID].Status)
	assert.True(t, fake.Jobs[j.ID].NextRunAt.After(time.Now().Add(30*time.Second)))

	// Attempts exhausted.
	fake.Jobs[j.ID].Status = model.JobFailed
	fake.Jobs[j.ID].Attempts = 2
	err = svc.ScheduleRetry(context.Background(), j.ID, 60)
	require.Error(t, err)
	assert.Equal(t, ccerrors.RetriesExhausted, ccerrors.KindOf(err))
}
