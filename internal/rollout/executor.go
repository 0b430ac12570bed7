// Package rollout walks an approved plan's device batches: capture
// previous state, apply, gate on post-batch health, and roll back from
// the captured state when the gate trips.
package rollout

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/health"
	"github.com/routeros-fleet/controlplane/internal/job"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/plan"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// Post-batch gate thresholds, stricter than the health service's default
// 90/90 classification.
const (
	defaultGateCPUThreshold    = 80.0
	defaultGateMemoryThreshold = 85.0
	defaultRollbackMaxRetries  = 3
)

// ChangeService re-exports the per-topic contract; the executor treats
// its payloads as opaque.
type ChangeService = plan.ChangeService

// BatchHealthChecker is the gate the executor invokes after each batch.
type BatchHealthChecker interface {
	RunBatchHealthChecks(ctx context.Context, deviceIDs []string, cpuThreshold, memThreshold float64) (map[string]health.CheckResult, error)
}

// Summary counts terminal per-device outcomes.
type Summary struct {
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
	Pending    int `json:"pending"`
}

// Result is what ApplyMultiDevicePlan returns.
type Result struct {
	PlanID           string
	JobID            string
	Status           model.PlanStatus
	BatchesTotal     int
	BatchesCompleted int
	Summary          Summary
	HaltReason       string
	Rollback         *plan.RollbackSummary
}

// Executor orchestrates a staged multi-device rollout.
type Executor struct {
	plans  *plan.Service
	jobs   *job.Service
	health BatchHealthChecker
	sem    concurrency.Semaphore
	log    *log.PrefixLogger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	CPUThreshold       float64
	MemoryThreshold    float64
	RollbackMaxRetries int
}

func NewExecutor(plans *plan.Service, jobs *job.Service, healthChecker BatchHealthChecker, sem concurrency.Semaphore, logger *log.PrefixLogger) *Executor {
	if logger == nil {
		logger = log.NewPrefixLogger("rollout")
	}
	if sem == nil {
		sem = concurrency.NewSemaphore(5)
	}
	return &Executor{
		plans:              plans,
		jobs:               jobs,
		health:             healthChecker,
		sem:                sem,
		log:                logger,
		now:                time.Now,
		sleep:              sleepCtx,
		CPUThreshold:       defaultGateCPUThreshold,
		MemoryThreshold:    defaultGateMemoryThreshold,
		RollbackMaxRetries: defaultRollbackMaxRetries,
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

type deviceOutcome struct {
	deviceID string
	state    plan.DeviceApplyState
	message  string
}

// ApplyMultiDevicePlan executes an approved plan batch by batch. The
// approval token is validated before anything else so an expired or
// forged token never mutates the plan or touches a device.
func (e *Executor) ApplyMultiDevicePlan(ctx context.Context, planID, token, appliedBy string, changes ChangeService) (*Result, error) {
	p, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(p.ApprovalToken)) != 1 {
		return nil, ccerrors.New(ccerrors.ApprovalTokenInvalid, "approval token does not match the plan")
	}
	if e.now().After(p.ApprovalExpiresAt) {
		return nil, ccerrors.New(ccerrors.ApprovalExpired, "approval token has expired")
	}
	if p.Status != model.PlanApproved {
		return nil, ccerrors.New(ccerrors.PlanStateConflict,
			fmt.Sprintf("plan %s is %s, only approved plans can be applied", planID, p.Status))
	}

	actor := audit.Actor{Sub: appliedBy}

	// The executing transition doubles as the re-entrancy guard: a
	// concurrent apply loses the state-machine edge and gets a conflict.
	p, err = e.plans.TransitionStatus(ctx, planID, model.PlanExecuting, actor, nil)
	if err != nil {
		return nil, err
	}

	deviceIDs, err := plan.DeviceIDs(p)
	if err != nil {
		return nil, err
	}
	batches := plan.Batches(deviceIDs, p.BatchSize)
	if err := e.plans.InitDeviceStates(ctx, p, deviceIDs); err != nil {
		return nil, err
	}

	payload, err := plan.PayloadOf(p)
	if err != nil {
		return nil, err
	}

	j, err := e.jobs.CreateJob(ctx, "multi_device_apply", deviceIDs, &planID, 1)
	if err != nil {
		return nil, err
	}
	if err := e.jobs.MarkRunning(ctx, j.ID); err != nil {
		return nil, err
	}

	res := &Result{PlanID: planID, JobID: j.ID, BatchesTotal: len(batches)}
	jobResults := map[string]job.DeviceResult{}

	for bi, batch := range batches {
		cancelled, cerr := e.jobs.CancellationRequested(ctx, j.ID)
		if cerr != nil {
			e.log.WithError(cerr).Warnf("reading cancellation flag for job %s", j.ID)
		}
		if cancelled {
			applied := countApplied(jobResults)
			p, err = e.plans.TransitionStatus(ctx, planID, model.PlanCancelled, actor,
				map[string]interface{}{"reason": "cancellation requested"})
			if err != nil {
				return nil, err
			}
			e.jobs.Finish(ctx, j.ID, &planID, model.JobCancelled, jobResults, len(deviceIDs),
				fmt.Sprintf("cancelled after %d/%d devices", applied, len(deviceIDs)))
			res.Status = model.PlanCancelled
			res.HaltReason = fmt.Sprintf("cancellation requested after %d/%d devices", applied, len(deviceIDs))
			res.Summary = e.summarize(ctx, p)
			return res, nil
		}

		outcomes := e.applyBatch(ctx, p, batch, payload, changes)
		for _, o := range outcomes {
			jobResults[o.deviceID] = job.DeviceResult{
				Success: o.state == plan.DeviceApplied,
				Message: o.message,
			}
		}

		unhealthy, gerr := e.gate(ctx, batch)
		if gerr != nil || len(unhealthy) > 0 {
			haltReason := gateHaltReason(unhealthy, gerr)
			res.BatchesCompleted = bi + 1
			res.HaltReason = haltReason

			if p.RollbackOnFailure {
				rb, rerr := e.plans.RollbackPlan(ctx, planID, haltReason, appliedBy, e.RollbackMaxRetries, changes)
				if rerr != nil {
					return nil, rerr
				}
				res.Rollback = rb
				fresh, _ := e.plans.GetPlan(ctx, planID)
				if fresh != nil && fresh.Status == model.PlanExecuting {
					// Nothing rolled back; the rollout still failed.
					fresh, err = e.plans.TransitionStatus(ctx, planID, model.PlanFailed, actor,
						map[string]interface{}{"reason": haltReason})
					if err != nil {
						return nil, err
					}
				}
				p = fresh
				e.jobs.Finish(ctx, j.ID, &planID, model.JobRolledBack, jobResults, len(deviceIDs), haltReason)
			} else {
				p, err = e.plans.TransitionStatus(ctx, planID, model.PlanFailed, actor,
					map[string]interface{}{"reason": haltReason})
				if err != nil {
					return nil, err
				}
				e.jobs.Finish(ctx, j.ID, &planID, model.JobFailed, jobResults, len(deviceIDs), haltReason)
			}
			res.Status = p.Status
			res.Summary = e.summarize(ctx, p)
			return res, nil
		}

		res.BatchesCompleted = bi + 1
		if bi < len(batches)-1 {
			if err := e.sleep(ctx, time.Duration(p.PauseSecondsBetweenBatches)*time.Second); err != nil {
				return nil, err
			}
		}
	}

	summary := e.summarize(ctx, p)
	final := model.PlanCompleted
	jobStatus := model.JobSuccess
	if summary.Failed > 0 {
		final = model.PlanCompletedWithErrors
		jobStatus = model.JobCompletedWithErrors
	}
	p, err = e.plans.TransitionStatus(ctx, planID, final, actor, nil)
	if err != nil {
		return nil, err
	}
	e.jobs.Finish(ctx, j.ID, &planID, jobStatus, jobResults, len(deviceIDs), "")

	res.Status = final
	res.Summary = summary
	return res, nil
}

// applyBatch fans the batch's devices out through the bounded semaphore.
// Each device's sequence (applying → capture previous state → apply →
// applied/failed) is strictly ordered; only devices run concurrently.
func (e *Executor) applyBatch(ctx context.Context, p *model.Plan, batch []string, payload *plan.ChangesPayload, changes ChangeService) []deviceOutcome {
	outcomes := make([]deviceOutcome, len(batch))
	var wg sync.WaitGroup
	// SetDeviceState and SetPreviousState read-modify-write shared plan
	// columns; serialise them across the batch's goroutines.
	var planMu sync.Mutex

	setState := func(deviceID string, state plan.DeviceApplyState) {
		planMu.Lock()
		defer planMu.Unlock()
		if err := e.plans.SetDeviceState(ctx, p, deviceID, state); err != nil {
			e.log.WithError(err).Errorf("persisting device state %s for %s", state, deviceID)
		}
	}

	for i, deviceID := range batch {
		if err := e.sem.Acquire(ctx); err != nil {
			outcomes[i] = deviceOutcome{deviceID: deviceID, state: plan.DevicePendingApply, message: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			defer e.sem.Release()

			setState(deviceID, plan.DeviceApplying)

			prev, err := changes.CapturePreviousState(ctx, deviceID)
			if err != nil {
				setState(deviceID, plan.DeviceApplyFailed)
				outcomes[i] = deviceOutcome{deviceID: deviceID, state: plan.DeviceApplyFailed,
					message: "capturing previous state: " + err.Error()}
				return
			}
			planMu.Lock()
			serr := e.plans.SetPreviousState(ctx, p, deviceID, prev)
			planMu.Unlock()
			if serr != nil {
				e.log.WithError(serr).Errorf("persisting previous state for %s", deviceID)
			}

			if err := changes.Apply(ctx, deviceID, payload.Changes); err != nil {
				setState(deviceID, plan.DeviceApplyFailed)
				outcomes[i] = deviceOutcome{deviceID: deviceID, state: plan.DeviceApplyFailed, message: err.Error()}
				return
			}
			setState(deviceID, plan.DeviceApplied)
			outcomes[i] = deviceOutcome{deviceID: deviceID, state: plan.DeviceApplied}
		}(i, deviceID)
	}
	wg.Wait()
	return outcomes
}

// gate runs the post-batch health check with the executor's stricter
// thresholds and returns the non-healthy devices.
func (e *Executor) gate(ctx context.Context, batch []string) (map[string]health.CheckResult, error) {
	results, err := e.health.RunBatchHealthChecks(ctx, batch, e.CPUThreshold, e.MemoryThreshold)
	if err != nil {
		return nil, err
	}
	unhealthy := map[string]health.CheckResult{}
	for id, r := range results {
		if r.Status != model.DeviceHealthy {
			unhealthy[id] = r
		}
	}
	return unhealthy, nil
}

func gateHaltReason(unhealthy map[string]health.CheckResult, err error) string {
	if err != nil {
		return "post-batch health gate failed: " + err.Error()
	}
	ids := make([]string, 0, len(unhealthy))
	for id := range unhealthy {
		ids = append(ids, fmt.Sprintf("%s (%s)", id, unhealthy[id].Status))
	}
	sort.Strings(ids)
	return "post-batch health gate failed: " + strings.Join(ids, ", ")
}

func countApplied(results map[string]job.DeviceResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

// summarize re-reads the plan's per-device states and counts terminal
// outcomes.
func (e *Executor) summarize(ctx context.Context, p *model.Plan) Summary {
	fresh, err := e.plans.GetPlan(ctx, p.ID)
	if err != nil {
		fresh = p
	}
	states, err := plan.DeviceStatuses(fresh)
	if err != nil {
		return Summary{}
	}
	var s Summary
	for _, state := range states {
		switch state {
		case plan.DeviceApplied:
			s.Applied++
		case plan.DeviceApplyFailed:
			s.Failed++
		case plan.DeviceRolledBack, plan.DeviceRollbackFailed:
			s.RolledBack++
		case plan.DevicePendingApply:
			s.Pending++
		}
	}
	return s
}
