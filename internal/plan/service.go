// Package plan owns the plan lifecycle: creation with pre-checks, the
// HMAC approval-token protocol, the status state machine, and rollback
// orchestration over captured previous state.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// Multi-device plan bounds.
const (
	minMultiDeviceCount = 2
	maxMultiDeviceCount = 50
)

type Store interface {
	GetDevices(ctx context.Context, ids []string) ([]*model.Device, error)
	CreatePlan(ctx context.Context, p *model.Plan) error
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
	UpdatePlanFields(ctx context.Context, id string, fields map[string]interface{}) error
	TransitionPlanStatus(ctx context.Context, id string, from, to model.PlanStatus) (bool, error)
}

// Service owns plan rows and their lifecycle.
type Service struct {
	store  Store
	audit  *audit.Sink
	signer *TokenSigner
	log    *log.PrefixLogger
	now    func() time.Time

	// RollbackBackoff paces retries of a single device's rollback.
	RollbackBackoff wait.Backoff
}

func NewService(store Store, sink *audit.Sink, signer *TokenSigner, logger *log.PrefixLogger) *Service {
	if logger == nil {
		logger = log.NewPrefixLogger("plan")
	}
	return &Service{
		store:  store,
		audit:  sink,
		signer: signer,
		log:    logger,
		now:    time.Now,
		RollbackBackoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
		},
	}
}

// CreateRequest describes a single-device (or small ad-hoc) plan.
type CreateRequest struct {
	ToolName  string
	CreatedBy string
	DeviceIDs []string
	Summary   string
	Changes   json.RawMessage
	RiskLevel string
}

// MultiDeviceCreateRequest adds the staged-rollout parameters.
type MultiDeviceCreateRequest struct {
	CreateRequest
	BatchSize                  int
	PauseSecondsBetweenBatches int
	RollbackOnFailure          bool
}

// PreCheckResult is the recorded outcome of plan pre-checks.
type PreCheckResult struct {
	Status   string   `json:"status"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// CreateResult is what a successful creation returns to the caller.
type CreateResult struct {
	PlanID            string
	Status            model.PlanStatus
	ApprovalToken     string
	ApprovalExpiresAt time.Time
	PreCheck          PreCheckResult
	Batches           [][]string
}

// CreatePlan creates a single-device-API plan (any device count ≥ 1, no
// batching parameters; the whole list is one batch).
func (s *Service) CreatePlan(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return s.create(ctx, req, len(req.DeviceIDs), 0, false, false)
}

// CreateMultiDevicePlan creates a staged-rollout plan across 2–50
// devices sharing one environment.
func (s *Service) CreateMultiDevicePlan(ctx context.Context, req MultiDeviceCreateRequest) (*CreateResult, error) {
	n := len(req.DeviceIDs)
	if n < minMultiDeviceCount {
		return nil, ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("multi-device plans require at least %d devices, got %d", minMultiDeviceCount, n))
	}
	if n > maxMultiDeviceCount {
		return nil, ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("multi-device plans allow at most %d devices, got %d", maxMultiDeviceCount, n))
	}
	if req.BatchSize < 1 || req.BatchSize > n {
		return nil, ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("batch_size must be within [1, %d], got %d", n, req.BatchSize))
	}
	if req.PauseSecondsBetweenBatches < 0 {
		return nil, ccerrors.New(ccerrors.Validation, "pause_seconds_between_batches must be >= 0")
	}
	return s.create(ctx, req.CreateRequest, req.BatchSize, req.PauseSecondsBetweenBatches, req.RollbackOnFailure, true)
}

func (s *Service) create(ctx context.Context, req CreateRequest, batchSize, pauseSeconds int, rollbackOnFailure, multiDevice bool) (*CreateResult, error) {
	actor := audit.Actor{Sub: req.CreatedBy}
	auditFailure := func(err error) {
		s.audit.Record(ctx, audit.Event{
			Actor:    actor,
			Action:   audit.ActionPlanCreated,
			ToolName: req.ToolName,
			Result:   audit.Failure,
			Metadata: map[string]interface{}{"device_count": len(req.DeviceIDs)},
			Error:    err.Error(),
		})
	}

	if len(req.DeviceIDs) == 0 {
		err := ccerrors.New(ccerrors.Validation, "plan requires at least one target device")
		auditFailure(err)
		return nil, err
	}

	devices, err := s.store.GetDevices(ctx, req.DeviceIDs)
	if err != nil {
		auditFailure(err)
		return nil, err
	}
	byID := make(map[string]*model.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}
	for _, id := range req.DeviceIDs {
		if _, ok := byID[id]; !ok {
			err := ccerrors.New(ccerrors.DeviceNotFound, "device not found: "+id)
			auditFailure(err)
			return nil, err
		}
	}

	if multiDevice {
		env := byID[req.DeviceIDs[0]].Environment
		for _, id := range req.DeviceIDs[1:] {
			if byID[id].Environment != env {
				err := ccerrors.New(ccerrors.Validation, "all devices in a multi-device plan must share one environment")
				auditFailure(err)
				return nil, err
			}
		}
	}

	preCheck := s.runPreChecks(req.DeviceIDs, byID, req.RiskLevel)
	if len(preCheck.Errors) > 0 {
		err := ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("plan pre-checks failed: %v", preCheck.Errors))
		auditFailure(err)
		return nil, err
	}

	createdAt := s.now().UTC()
	planID := "plan-" + createdAt.Format("20060102150405") + "-" + randSuffix(6)
	expiresAt := createdAt.Add(ApprovalValidity)
	token := s.signer.Mint(planID, req.CreatedBy, expiresAt)

	payload, err := decodePayloadFromChanges(req.Changes)
	if err != nil {
		auditFailure(err)
		return nil, err
	}
	payload.Metadata["approval_token"] = token
	payload.Metadata["approval_expires_at"] = expiresAt.Format(time.RFC3339)

	deviceIDsJSON, _ := json.Marshal(req.DeviceIDs)
	warningsJSON, _ := json.Marshal(preCheck.Warnings)
	errorsJSON, _ := json.Marshal(preCheck.Errors)

	row := &model.Plan{
		ID:                         planID,
		CreatedBy:                  req.CreatedBy,
		ToolName:                   req.ToolName,
		Status:                     model.PlanPending,
		DeviceIDsJSON:              deviceIDsJSON,
		Summary:                    req.Summary,
		ChangesJSON:                payload.encode(),
		PreCheckStatus:             preCheck.Status,
		PreCheckWarnings:           warningsJSON,
		PreCheckErrors:             errorsJSON,
		ApprovalToken:              token,
		ApprovalExpiresAt:          expiresAt,
		BatchSize:                  batchSize,
		PauseSecondsBetweenBatches: pauseSeconds,
		RollbackOnFailure:          rollbackOnFailure,
		RiskLevel:                  req.RiskLevel,
	}
	if err := s.store.CreatePlan(ctx, row); err != nil {
		auditFailure(err)
		return nil, err
	}

	planRef := planID
	s.audit.Record(ctx, audit.Event{
		Actor:    actor,
		Action:   audit.ActionPlanCreated,
		ToolName: req.ToolName,
		PlanID:   &planRef,
		Result:   audit.Success,
		Metadata: map[string]interface{}{
			"device_count": len(req.DeviceIDs),
			"risk_level":   req.RiskLevel,
			"batch_size":   batchSize,
		},
	})

	result := &CreateResult{
		PlanID:            planID,
		Status:            model.PlanPending,
		ApprovalToken:     token,
		ApprovalExpiresAt: expiresAt,
		PreCheck:          preCheck,
	}
	if multiDevice {
		result.Batches = Batches(req.DeviceIDs, batchSize)
	}
	return result, nil
}

func decodePayloadFromChanges(changes json.RawMessage) (*ChangesPayload, error) {
	payload := &ChangesPayload{Changes: changes, Metadata: map[string]interface{}{}}
	if len(changes) > 0 && !json.Valid(changes) {
		return nil, ccerrors.New(ccerrors.Validation, "changes payload is not valid JSON")
	}
	return payload, nil
}

// runPreChecks evaluates every target device against the pre-check
// table: unreachable, decommissioned and workflow-disabled devices are
// errors; degraded devices and high-risk prod changes are warnings.
func (s *Service) runPreChecks(ids []string, byID map[string]*model.Device, riskLevel string) PreCheckResult {
	res := PreCheckResult{Status: "passed", Warnings: []string{}, Errors: []string{}}
	for _, id := range ids {
		d := byID[id]
		switch d.Status {
		case model.DeviceUnreachable:
			res.Errors = append(res.Errors, fmt.Sprintf("device %s is unreachable", id))
		case model.DeviceDecommissioned:
			res.Errors = append(res.Errors, fmt.Sprintf("device %s is decommissioned", id))
		case model.DeviceDegraded:
			res.Warnings = append(res.Warnings, fmt.Sprintf("device %s is degraded", id))
		}
		if !d.AllowProfessionalWorkflows {
			res.Errors = append(res.Errors, fmt.Sprintf("device %s does not allow professional workflows", id))
		}
		if riskLevel == "high" && d.Environment == model.EnvironmentProd {
			res.Warnings = append(res.Warnings, fmt.Sprintf("high-risk change targets prod device %s", id))
		}
	}
	if len(res.Errors) > 0 {
		res.Status = "failed"
	} else if len(res.Warnings) > 0 {
		res.Status = "passed_with_warnings"
	}
	return res
}

// ApprovePlan validates the token and moves pending → approved. Approving
// a plan in any other state is a conflict, making approval one-shot.
func (s *Service) ApprovePlan(ctx context.Context, planID, token, approver string) (*model.Plan, error) {
	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	actor := audit.Actor{Sub: approver}
	planRef := planID
	auditFailure := func(err *ccerrors.Error) (*model.Plan, error) {
		s.audit.Record(ctx, audit.Event{
			Actor: actor, Action: audit.ActionPlanApproved, ToolName: p.ToolName,
			PlanID: &planRef, Result: audit.Failure, Error: err.Message,
		})
		return nil, err
	}

	if p.Status != model.PlanPending {
		return auditFailure(ccerrors.New(ccerrors.PlanStateConflict,
			fmt.Sprintf("plan %s is %s, only pending plans can be approved", planID, p.Status)))
	}
	if !s.signer.Matches(token, p.ApprovalToken) {
		return auditFailure(ccerrors.New(ccerrors.ApprovalTokenInvalid, "approval token does not match the plan"))
	}
	if s.now().After(p.ApprovalExpiresAt) {
		return auditFailure(ccerrors.New(ccerrors.ApprovalExpired, "approval token has expired"))
	}

	approvedAt := s.now().UTC()
	ok, err := s.store.TransitionPlanStatus(ctx, planID, model.PlanPending, model.PlanApproved)
	if err != nil {
		return nil, err
	}
	if !ok {
		return auditFailure(ccerrors.New(ccerrors.PlanStateConflict,
			fmt.Sprintf("plan %s was approved or cancelled concurrently", planID)))
	}
	if err := s.store.UpdatePlanFields(ctx, planID, map[string]interface{}{
		"approved_by": approver,
		"approved_at": approvedAt,
	}); err != nil {
		return nil, err
	}
	p.Status = model.PlanApproved
	p.ApprovedBy = approver
	p.ApprovedAt = &approvedAt

	s.audit.Record(ctx, audit.Event{
		Actor: actor, Action: audit.ActionPlanApproved, ToolName: p.ToolName,
		PlanID: &planRef, Result: audit.Success,
		Metadata: map[string]interface{}{"approved_by": approver},
	})
	return p, nil
}

// CancelPlan cancels a plan from any non-terminal state.
func (s *Service) CancelPlan(ctx context.Context, planID, cancelledBy, reason string) (*model.Plan, error) {
	return s.TransitionStatus(ctx, planID, model.PlanCancelled,
		audit.Actor{Sub: cancelledBy}, map[string]interface{}{"reason": reason})
}

// TransitionStatus moves a plan along a legal state-machine edge and
// audits the transition after the new status has been persisted.
func (s *Service) TransitionStatus(ctx context.Context, planID string, to model.PlanStatus, actor audit.Actor, metadata map[string]interface{}) (*model.Plan, error) {
	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(p.Status, to) {
		return nil, ccerrors.New(ccerrors.PlanStateConflict,
			fmt.Sprintf("plan %s cannot transition %s -> %s", planID, p.Status, to))
	}
	old := p.Status
	ok, err := s.store.TransitionPlanStatus(ctx, planID, old, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the compare-and-swap to a concurrent transition.
		return nil, ccerrors.New(ccerrors.PlanStateConflict,
			fmt.Sprintf("plan %s left %s concurrently", planID, old))
	}
	p.Status = to

	md := map[string]interface{}{"old_status": string(old), "new_status": string(to)}
	for k, v := range metadata {
		md[k] = v
	}
	planRef := planID
	s.audit.Record(ctx, audit.Event{
		Actor: actor, Action: audit.ActionPlanStatusUpdate, ToolName: p.ToolName,
		PlanID: &planRef, Result: audit.Success, Metadata: md,
	})
	return p, nil
}

// GetPlan loads a plan row.
func (s *Service) GetPlan(ctx context.Context, planID string) (*model.Plan, error) {
	return s.store.GetPlan(ctx, planID)
}

// InitDeviceStates sets every target device's apply state to pending and
// persists the map.
func (s *Service) InitDeviceStates(ctx context.Context, p *model.Plan, deviceIDs []string) error {
	states := make(map[string]DeviceApplyState, len(deviceIDs))
	for _, id := range deviceIDs {
		states[id] = DevicePendingApply
	}
	return s.persistDeviceStates(ctx, p, states)
}

// SetDeviceState updates one device's apply state inside the plan's map
// and persists the column immediately.
func (s *Service) SetDeviceState(ctx context.Context, p *model.Plan, deviceID string, state DeviceApplyState) error {
	states, err := DeviceStatuses(p)
	if err != nil {
		return err
	}
	states[deviceID] = state
	return s.persistDeviceStates(ctx, p, states)
}

func (s *Service) persistDeviceStates(ctx context.Context, p *model.Plan, states map[string]DeviceApplyState) error {
	raw, err := json.Marshal(states)
	if err != nil {
		return err
	}
	// Explicit column update: GORM does not track in-place []byte
	// mutation, so the write is always pushed through Updates.
	if err := s.store.UpdatePlanFields(ctx, p.ID, map[string]interface{}{"device_statuses_json": raw}); err != nil {
		return err
	}
	p.DeviceStatusesJSON = raw
	return nil
}

// SetPreviousState records a device's captured pre-change state inside
// the changes payload and persists the column.
func (s *Service) SetPreviousState(ctx context.Context, p *model.Plan, deviceID string, prev json.RawMessage) error {
	payload, err := decodePayload(p.ChangesJSON)
	if err != nil {
		return err
	}
	if payload.PreviousState == nil {
		payload.PreviousState = map[string]json.RawMessage{}
	}
	payload.PreviousState[deviceID] = prev
	raw := payload.encode()
	if err := s.store.UpdatePlanFields(ctx, p.ID, map[string]interface{}{"changes_json": raw}); err != nil {
		return err
	}
	p.ChangesJSON = raw
	return nil
}
