package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/health"
	"github.com/routeros-fleet/controlplane/internal/job"
	"github.com/routeros-fleet/controlplane/internal/plan"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/store/storetest"
)

type fakeChangeService struct {
	mu         sync.Mutex
	applyErr   map[string]error
	applied    []string
	rolledBack []string
	captured   []string
}

func newFakeChangeService() *fakeChangeService {
	return &fakeChangeService{applyErr: map[string]error{}}
}

func (f *fakeChangeService) CapturePreviousState(_ context.Context, deviceID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, deviceID)
	return json.RawMessage(`{"state":"old-` + deviceID + `"}`), nil
}

func (f *fakeChangeService) Apply(_ context.Context, deviceID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.applyErr[deviceID]; ok {
		return err
	}
	f.applied = append(f.applied, deviceID)
	return nil
}

func (f *fakeChangeService) Rollback(_ context.Context, deviceID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = append(f.rolledBack, deviceID)
	return nil
}

func (f *fakeChangeService) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fakeHealthGate returns healthy for every device unless overridden, and
// invokes afterGate once per batch gate.
type fakeHealthGate struct {
	mu        sync.Mutex
	statuses  map[string]model.DeviceStatus
	gateCalls int
	afterGate func(call int)
}

func newFakeHealthGate() *fakeHealthGate {
	return &fakeHealthGate{statuses: map[string]model.DeviceStatus{}}
}

func (f *fakeHealthGate) RunBatchHealthChecks(_ context.Context, deviceIDs []string, _, _ float64) (map[string]health.CheckResult, error) {
	f.mu.Lock()
	f.gateCalls++
	call := f.gateCalls
	after := f.afterGate
	results := map[string]health.CheckResult{}
	for _, id := range deviceIDs {
		status := model.DeviceHealthy
		if s, ok := f.statuses[id]; ok {
			status = s
		}
		results[id] = health.CheckResult{DeviceID: id, Status: status}
	}
	f.mu.Unlock()
	if after != nil {
		after(call)
	}
	return results, nil
}

type harness struct {
	fake     *storetest.Fake
	plans    *plan.Service
	jobs     *job.Service
	gate     *fakeHealthGate
	executor *Executor
	changes  *fakeChangeService
}

func newHarness(t *testing.T, deviceCount int) (*harness, []string) {
	t.Helper()
	fake := storetest.New()
	ids := make([]string, 0, deviceCount)
	for i := 1; i <= deviceCount; i++ {
		id := fmt.Sprintf("dev-lab-%02d", i)
		fake.AddDevice(&model.Device{
			ID: id, Name: id,
			Environment: model.EnvironmentLab, Status: model.DeviceHealthy,
			AllowProfessionalWorkflows: true,
		})
		ids = append(ids, id)
	}

	sink := audit.NewSink(fake, nil)
	plans := plan.NewService(fake, sink, plan.NewTokenSigner([]byte("test-key")), nil)
	plans.RollbackBackoff.Duration = time.Millisecond
	plans.RollbackBackoff.Jitter = 0
	jobs := job.NewService(fake, sink, nil, nil)
	gate := newFakeHealthGate()
	executor := NewExecutor(plans, jobs, gate, concurrency.NewSemaphore(5), nil)
	executor.sleep = func(context.Context, time.Duration) error { return nil }

	return &harness{
		fake: fake, plans: plans, jobs: jobs, gate: gate,
		executor: executor, changes: newFakeChangeService(),
	}, ids
}

func (h *harness) approvedPlan(t *testing.T, ids []string, batchSize int, rollback bool) (string, string) {
	t.Helper()
	res, err := h.plans.CreateMultiDevicePlan(context.Background(), plan.MultiDeviceCreateRequest{
		CreateRequest: plan.CreateRequest{
			ToolName:  "firewall_update",
			CreatedBy: "alice",
			DeviceIDs: ids,
			Summary:   "staged firewall rollout",
			Changes:   json.RawMessage(`{"rule":"drop"}`),
			RiskLevel: "medium",
		},
		BatchSize:         batchSize,
		RollbackOnFailure: rollback,
	})
	require.NoError(t, err)
	_, err = h.plans.ApprovePlan(context.Background(), res.PlanID, res.ApprovalToken, "bob")
	require.NoError(t, err)
	return res.PlanID, res.ApprovalToken
}

func (h *harness) deviceStates(t *testing.T, planID string) map[string]plan.DeviceApplyState {
	t.Helper()
	p, err := h.plans.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	states, err := plan.DeviceStatuses(p)
	require.NoError(t, err)
	return states
}

func TestApplyMultiDevicePlanHappyPath(t *testing.T) {
	h, ids := newHarness(t, 5)
	planID, token := h.approvedPlan(t, ids, 2, true)

	res, err := h.executor.ApplyMultiDevicePlan(context.Background(), planID, token, "bob", h.changes)
	require.NoError(t, err)

	assert.Equal(t, model.PlanCompleted, res.Status)
	assert.Equal(t, 3, res.BatchesTotal)
	assert.Equal(t, 3, res.BatchesCompleted)
	assert.Equal(t, Summary{Applied: 5}, res.Summary)
	assert.Equal(t, 3, h.gate.gateCalls)

	states := h.deviceStates(t, planID)
	for _, id := range ids {
		assert.Equal(t, plan.DeviceApplied, states[id])
	}

	// The full audit trail: created, approved, then executing and
	// completed status updates — every one a legal state-machine edge.
	require.Len(t, h.fake.EventsByAction(audit.ActionPlanCreated), 1)
	require.Len(t, h.fake.EventsByAction(audit.ActionPlanApproved), 1)
	updates := h.fake.EventsByAction(audit.ActionPlanStatusUpdate)
	require.Len(t, updates, 2)
	for _, e := range updates {
		var md map[string]interface{}
		require.NoError(t, json.Unmarshal(e.MetadataJSON, &md))
		from, _ := plan.NormalizeStatus(md["old_status"].(string))
		to, _ := plan.NormalizeStatus(md["new_status"].(string))
		assert.True(t, plan.CanTransition(from, to), "audited transition %s -> %s must be legal", from, to)
	}

	// The linked job ended successfully with a 5/5 summary.
	require.Len(t, h.fake.Jobs, 1)
	for _, j := range h.fake.Jobs {
		assert.Equal(t, model.JobSuccess, j.Status)
		assert.Contains(t, string(j.ResultSummaryJSON), "5/5 devices successfully")
	}
}

func TestApplyMultiDevicePlanHealthGateRollback(t *testing.T) {
	h, ids := newHarness(t, 6)
	planID, token := h.approvedPlan(t, ids, 2, true)
	// dev-lab-03 degrades in batch 2's gate.
	h.gate.statuses[ids[2]] = model.DeviceDegraded

	res, err := h.executor.ApplyMultiDevicePlan(context.Background(), planID, token, "bob", h.changes)
	require.NoError(t, err)

	assert.Equal(t, model.PlanRolledBack, res.Status)
	assert.Equal(t, 2, res.BatchesCompleted)
	assert.Contains(t, res.HaltReason, ids[2])
	require.NotNil(t, res.Rollback)
	assert.Equal(t, 4, res.Rollback.Attempted)
	assert.Equal(t, 4, res.Rollback.Succeeded)

	states := h.deviceStates(t, planID)
	for _, id := range ids[:4] {
		assert.Equal(t, plan.DeviceRolledBack, states[id], "device %s", id)
	}
	for _, id := range ids[4:] {
		assert.Equal(t, plan.DevicePendingApply, states[id], "device %s", id)
	}
	// Batch 3 never started.
	assert.Equal(t, 4, h.changes.appliedCount())
	assert.Equal(t, 2, h.gate.gateCalls)

	require.Len(t, h.fake.EventsByAction(audit.ActionPlanRollbackInitiated), 1)
	require.Len(t, h.fake.EventsByAction(audit.ActionPlanRollbackCompleted), 1)
}

func TestApplyMultiDevicePlanCancellation(t *testing.T) {
	h, ids := newHarness(t, 6)
	planID, token := h.approvedPlan(t, ids, 2, true)

	// Request cancellation right after batch 1's health gate.
	h.gate.afterGate = func(call int) {
		if call == 1 {
			h.fake.Jobs[onlyJobID(t, h.fake)].CancellationRequested = true
		}
	}

	res, err := h.executor.ApplyMultiDevicePlan(context.Background(), planID, token, "bob", h.changes)
	require.NoError(t, err)

	assert.Equal(t, model.PlanCancelled, res.Status)
	assert.Contains(t, res.HaltReason, "2/6")

	states := h.deviceStates(t, planID)
	for _, id := range ids[:2] {
		assert.Equal(t, plan.DeviceApplied, states[id])
	}
	for _, id := range ids[2:] {
		assert.Equal(t, plan.DevicePendingApply, states[id])
	}

	j := h.fake.Jobs[onlyJobID(t, h.fake)]
	assert.Equal(t, model.JobCancelled, j.Status)
	assert.Contains(t, j.ErrorMessage, "2/6")
}

func TestApplyMultiDevicePlanPartialFailureNoRollback(t *testing.T) {
	h, ids := newHarness(t, 4)
	planID, token := h.approvedPlan(t, ids, 2, false)
	h.changes.applyErr[ids[1]] = errors.New("interface busy")

	res, err := h.executor.ApplyMultiDevicePlan(context.Background(), planID, token, "bob", h.changes)
	require.NoError(t, err)

	assert.Equal(t, model.PlanCompletedWithErrors, res.Status)
	assert.Equal(t, 2, res.BatchesCompleted)
	assert.Equal(t, Summary{Applied: 3, Failed: 1}, res.Summary)

	states := h.deviceStates(t, planID)
	assert.Equal(t, plan.DeviceApplyFailed, states[ids[1]])
	for _, id := range []string{ids[0], ids[2], ids[3]} {
		assert.Equal(t, plan.DeviceApplied, states[id])
	}

	j := h.fake.Jobs[onlyJobID(t, h.fake)]
	assert.Equal(t, model.JobCompletedWithErrors, j.Status)
	assert.Contains(t, string(j.ResultSummaryJSON), "3/4 devices successfully")
}

func TestApplyMultiDevicePlanExpiredToken(t *testing.T) {
	h, ids := newHarness(t, 2)
	res, err := h.plans.CreateMultiDevicePlan(context.Background(), plan.MultiDeviceCreateRequest{
		CreateRequest: plan.CreateRequest{
			ToolName: "firewall_update", CreatedBy: "alice",
			DeviceIDs: ids, Changes: json.RawMessage(`{}`),
		},
		BatchSize: 2,
	})
	require.NoError(t, err)

	h.executor.now = func() time.Time { return res.ApprovalExpiresAt.Add(time.Minute) }
	_, err = h.executor.ApplyMultiDevicePlan(context.Background(), res.PlanID, res.ApprovalToken, "bob", h.changes)
	require.Error(t, err)
	assert.Equal(t, ccerrors.ApprovalExpired, ccerrors.KindOf(err))

	// The plan is untouched and no device was contacted.
	p, err := h.plans.GetPlan(context.Background(), res.PlanID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPending, p.Status)
	assert.Zero(t, h.changes.appliedCount())
	assert.Empty(t, h.changes.captured)
}

func TestApplyMultiDevicePlanRejectsWrongToken(t *testing.T) {
	h, ids := newHarness(t, 2)
	planID, _ := h.approvedPlan(t, ids, 2, false)

	_, err := h.executor.ApplyMultiDevicePlan(context.Background(), planID, "approve-forged", "bob", h.changes)
	require.Error(t, err)
	assert.Equal(t, ccerrors.ApprovalTokenInvalid, ccerrors.KindOf(err))
	assert.Zero(t, h.changes.appliedCount())
}

func TestApplyMultiDevicePlanNotReentrant(t *testing.T) {
	h, ids := newHarness(t, 2)
	planID, token := h.approvedPlan(t, ids, 2, false)

	_, err := h.executor.ApplyMultiDevicePlan(context.Background(), planID, token, "bob", h.changes)
	require.NoError(t, err)
	before := h.changes.appliedCount()

	_, err = h.executor.ApplyMultiDevicePlan(context.Background(), planID, token, "bob", h.changes)
	require.Error(t, err)
	assert.Equal(t, ccerrors.PlanStateConflict, ccerrors.KindOf(err))
	assert.Equal(t, before, h.changes.appliedCount())
}

func TestApplyCapturesPreviousStateBeforeApply(t *testing.T) {
	h, ids := newHarness(t, 2)
	planID, token := h.approvedPlan(t, ids, 2, true)

	_, err := h.executor.ApplyMultiDevicePlan(context.Background(), planID, token, "bob", h.changes)
	require.NoError(t, err)

	p, err := h.plans.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	payload, err := plan.PayloadOf(p)
	require.NoError(t, err)
	for _, id := range ids {
		require.Contains(t, payload.PreviousState, id)
		assert.JSONEq(t, `{"state":"old-`+id+`"}`, string(payload.PreviousState[id]))
	}
}

func onlyJobID(t *testing.T, fake *storetest.Fake) string {
	t.Helper()
	require.Len(t, fake.Jobs, 1)
	for id := range fake.Jobs {
		return id
	}
	return ""
}
