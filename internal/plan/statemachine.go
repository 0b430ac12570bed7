package plan

import (
	"fmt"
	"time"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// ApprovalValidity is how long an approval token lives after plan
// creation.
const ApprovalValidity = 15 * time.Minute

// validTransitions enumerates every legal plan status edge. Anything not
// listed is a conflict, including every transition out of a terminal
// state.
var validTransitions = map[model.PlanStatus][]model.PlanStatus{
	model.PlanPending:  {model.PlanApproved, model.PlanCancelled},
	model.PlanApproved: {model.PlanExecuting, model.PlanCancelled},
	model.PlanExecuting: {
		model.PlanCompleted, model.PlanCompletedWithErrors, model.PlanFailed,
		model.PlanRolledBack, model.PlanCancelled,
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to model.PlanStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a plan in this status is frozen.
func IsTerminal(s model.PlanStatus) bool {
	switch s {
	case model.PlanCompleted, model.PlanCompletedWithErrors, model.PlanFailed,
		model.PlanCancelled, model.PlanRolledBack:
		return true
	}
	return false
}

// NormalizeStatus validates a caller-supplied status label, accepting the
// legacy "applied" as a write-time alias for completed. Reads never
// produce the alias.
func NormalizeStatus(s string) (model.PlanStatus, error) {
	if s == "applied" {
		return model.PlanCompleted, nil
	}
	status := model.PlanStatus(s)
	switch status {
	case model.PlanPending, model.PlanApproved, model.PlanExecuting,
		model.PlanCompleted, model.PlanCompletedWithErrors, model.PlanFailed,
		model.PlanCancelled, model.PlanRolledBack:
		return status, nil
	}
	return "", ccerrors.New(ccerrors.Validation, fmt.Sprintf("unknown plan status %q", s))
}

// DeviceApplyState is a device's position within one plan's rollout.
type DeviceApplyState string

const (
	DevicePendingApply   DeviceApplyState = "pending"
	DeviceApplying       DeviceApplyState = "applying"
	DeviceApplied        DeviceApplyState = "applied"
	DeviceApplyFailed    DeviceApplyState = "failed"
	DeviceRollingBack    DeviceApplyState = "rolling_back"
	DeviceRolledBack     DeviceApplyState = "rolled_back"
	DeviceRollbackFailed DeviceApplyState = "rollback_failed"
)

// Batches chunks deviceIDs into ordered slices of size batchSize; the
// last batch may be short. Batch count is always ceil(n/batchSize).
func Batches(deviceIDs []string, batchSize int) [][]string {
	if batchSize <= 0 {
		batchSize = len(deviceIDs)
	}
	var out [][]string
	for start := 0; start < len(deviceIDs); start += batchSize {
		end := start + batchSize
		if end > len(deviceIDs) {
			end = len(deviceIDs)
		}
		out = append(out, deviceIDs[start:end])
	}
	return out
}
