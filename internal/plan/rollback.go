package plan

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// ChangeService is the per-topic contract the rollout executor and
// rollback drive. Implementations live outside the core; the payloads
// are opaque here.
type ChangeService interface {
	CapturePreviousState(ctx context.Context, deviceID string) (json.RawMessage, error)
	Apply(ctx context.Context, deviceID string, changes json.RawMessage) error
	Rollback(ctx context.Context, deviceID string, previousState json.RawMessage) error
}

// RollbackSummary reports how a plan rollback went, device by device.
type RollbackSummary struct {
	Attempted int
	Succeeded int
	Failed    int
	Reason    string
	Errors    map[string]string
}

// RollbackPlan reverts every applied device of an executing plan to its
// captured previous state. Per-device failures are recorded and never
// abort the rollback of the remaining devices. If at least one device
// rolled back, the plan transitions executing → rolled_back.
func (s *Service) RollbackPlan(ctx context.Context, planID, reason, triggeredBy string, maxRetries int, changes ChangeService) (*RollbackSummary, error) {
	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PlanExecuting {
		return nil, ccerrors.New(ccerrors.PlanStateConflict,
			fmt.Sprintf("plan %s is %s, only executing plans can roll back", planID, p.Status))
	}
	if !p.RollbackOnFailure {
		return nil, ccerrors.New(ccerrors.RollbackNotEnabled,
			fmt.Sprintf("plan %s was created with rollback disabled", planID))
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	actor := audit.Actor{Sub: triggeredBy}
	planRef := planID
	s.audit.Record(ctx, audit.Event{
		Actor: actor, Action: audit.ActionPlanRollbackInitiated, ToolName: p.ToolName,
		PlanID: &planRef, Result: audit.Success,
		Metadata: map[string]interface{}{"reason": reason},
	})

	payload, err := decodePayload(p.ChangesJSON)
	if err != nil {
		return nil, err
	}
	states, err := DeviceStatuses(p)
	if err != nil {
		return nil, err
	}
	deviceIDs, err := DeviceIDs(p)
	if err != nil {
		return nil, err
	}

	summary := &RollbackSummary{Reason: reason, Errors: map[string]string{}}
	for _, deviceID := range deviceIDs {
		if states[deviceID] != DeviceApplied {
			continue
		}
		summary.Attempted++

		if err := s.SetDeviceState(ctx, p, deviceID, DeviceRollingBack); err != nil {
			s.log.WithError(err).Errorf("persisting rolling_back for device %s", deviceID)
		}

		prev, ok := payload.PreviousState[deviceID]
		if !ok {
			summary.Failed++
			summary.Errors[deviceID] = string(ccerrors.NoPreviousState)
			if err := s.SetDeviceState(ctx, p, deviceID, DeviceRollbackFailed); err != nil {
				s.log.WithError(err).Errorf("persisting rollback_failed for device %s", deviceID)
			}
			continue
		}

		if err := s.rollbackDevice(ctx, deviceID, prev, maxRetries, changes); err != nil {
			summary.Failed++
			summary.Errors[deviceID] = err.Error()
			if serr := s.SetDeviceState(ctx, p, deviceID, DeviceRollbackFailed); serr != nil {
				s.log.WithError(serr).Errorf("persisting rollback_failed for device %s", deviceID)
			}
			continue
		}
		summary.Succeeded++
		if err := s.SetDeviceState(ctx, p, deviceID, DeviceRolledBack); err != nil {
			s.log.WithError(err).Errorf("persisting rolled_back for device %s", deviceID)
		}
	}

	if summary.Succeeded > 0 {
		if _, err := s.TransitionStatus(ctx, planID, model.PlanRolledBack, actor,
			map[string]interface{}{"reason": reason}); err != nil {
			return summary, err
		}
	}

	s.audit.Record(ctx, audit.Event{
		Actor: actor, Action: audit.ActionPlanRollbackCompleted, ToolName: p.ToolName,
		PlanID: &planRef, Result: audit.Success,
		Metadata: map[string]interface{}{
			"attempted": summary.Attempted,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
		},
	})
	return summary, nil
}

// rollbackDevice retries the topic service's inverse up to maxRetries
// times with exponential backoff.
func (s *Service) rollbackDevice(ctx context.Context, deviceID string, prev json.RawMessage, maxRetries int, changes ChangeService) error {
	backoff := s.RollbackBackoff
	backoff.Steps = maxRetries

	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if err := changes.Rollback(ctx, deviceID, prev); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
