package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/routeros-fleet/controlplane/internal/approval"
	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/auth"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/health"
	"github.com/routeros-fleet/controlplane/internal/job"
	"github.com/routeros-fleet/controlplane/internal/mcptool"
	"github.com/routeros-fleet/controlplane/internal/plan"
	"github.com/routeros-fleet/controlplane/internal/rollout"
	"github.com/routeros-fleet/controlplane/internal/snapshot"
	"github.com/routeros-fleet/controlplane/internal/store"
	"github.com/routeros-fleet/controlplane/internal/transport"
)

type coreServices struct {
	store    *store.Store
	gate     *auth.Gate
	plans    *plan.Service
	jobs     *job.Service
	rollout  *rollout.Executor
	health   *health.Service
	snapshot *snapshot.Service
	approval *approval.Service
	broker   *transport.Broker
	audit    *audit.Sink

	mu             sync.RWMutex
	changeServices map[string]plan.ChangeService
}

// RegisterChangeService binds a per-topic change service to a tool name
// so apply/rollback operations can drive it. Topic services live outside
// this repository.
func (s *coreServices) RegisterChangeService(toolName string, cs plan.ChangeService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changeServices == nil {
		s.changeServices = map[string]plan.ChangeService{}
	}
	s.changeServices[toolName] = cs
}

func (s *coreServices) changeService(toolName string) (plan.ChangeService, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.changeServices[toolName]
	return cs, ok
}

// authorizeDevices runs the gate against every target device,
// short-circuiting on the first denial.
func (s *coreServices) authorizeDevices(ctx context.Context, user auth.User, tool auth.ToolDescriptor, deviceIDs []string) error {
	for _, id := range deviceIDs {
		device, err := s.store.GetDevice(ctx, id)
		if err != nil {
			return err
		}
		if err := s.gate.Authorize(ctx, user, tool, device, nil); err != nil {
			return err
		}
	}
	return nil
}

func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return ccerrors.New(ccerrors.Validation, "missing tool arguments")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return ccerrors.Wrap(ccerrors.Validation, "invalid tool arguments", err)
	}
	return nil
}

func registerCoreTools(reg *mcptool.Registry, svc *coreServices) {
	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "device_health_check", Tier: auth.TierFundamental},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				DeviceID string `json:"device_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "device_health_check", Tier: auth.TierFundamental}
			if err := svc.authorizeDevices(ctx, user, tool, []string{in.DeviceID}); err != nil {
				return mcptool.Fail(err)
			}
			res, err := svc.health.RunHealthCheck(ctx, in.DeviceID)
			if err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK(
				fmt.Sprintf("device %s is %s (cpu %.1f%%, memory %.1f%%)", in.DeviceID, res.Status, res.CPUUsagePercent, res.MemoryUsagePercent),
				map[string]interface{}{
					"device_id": in.DeviceID,
					"status":    string(res.Status),
					"issues":    res.Issues,
					"warnings":  res.Warnings,
				})
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "device_check_connectivity", Tier: auth.TierFundamental},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				DeviceID string `json:"device_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "device_check_connectivity", Tier: auth.TierFundamental}
			if err := svc.authorizeDevices(ctx, user, tool, []string{in.DeviceID}); err != nil {
				return mcptool.Fail(err)
			}
			reachable, meta, err := svc.broker.CheckConnectivity(ctx, in.DeviceID)
			out := map[string]interface{}{
				"device_id":            in.DeviceID,
				"reachable":            reachable,
				"transport":            meta.Transport,
				"fallback_used":        meta.FallbackUsed,
				"attempted_transports": meta.AttemptedTransports,
			}
			if err != nil {
				return &mcptool.Result{
					IsError: true,
					Content: []mcptool.ContentBlock{{Type: "text", Text: "device is unreachable on all transports"}},
					Meta:    out,
				}
			}
			return mcptool.OK(fmt.Sprintf("device %s reachable via %s", in.DeviceID, meta.Transport), out)
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "snapshot_capture", Tier: auth.TierAdvanced},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				DeviceID string `json:"device_id"`
				Kind     string `json:"kind"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "snapshot_capture", Tier: auth.TierAdvanced}
			if err := svc.authorizeDevices(ctx, user, tool, []string{in.DeviceID}); err != nil {
				return mcptool.Fail(err)
			}
			id, err := svc.snapshot.Capture(ctx, in.DeviceID, in.Kind)
			if err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK("captured snapshot "+id, map[string]interface{}{
				"snapshot_id": id, "device_id": in.DeviceID,
			})
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "plan_create_multi_device", Tier: auth.TierProfessional, Topic: "professional_workflows"},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				ToolName          string          `json:"tool_name"`
				DeviceIDs         []string        `json:"device_ids"`
				Summary           string          `json:"summary"`
				Changes           json.RawMessage `json:"changes"`
				RiskLevel         string          `json:"risk_level"`
				Topic             string          `json:"topic"`
				BatchSize         int             `json:"batch_size"`
				PauseSeconds      int             `json:"pause_seconds_between_batches"`
				RollbackOnFailure bool            `json:"rollback_on_failure"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "plan_create_multi_device", Tier: auth.TierProfessional, Topic: in.Topic}
			if err := svc.authorizeDevices(ctx, user, tool, in.DeviceIDs); err != nil {
				return mcptool.Fail(err)
			}
			res, err := svc.plans.CreateMultiDevicePlan(ctx, plan.MultiDeviceCreateRequest{
				CreateRequest: plan.CreateRequest{
					ToolName:  in.ToolName,
					CreatedBy: user.Sub,
					DeviceIDs: in.DeviceIDs,
					Summary:   in.Summary,
					Changes:   in.Changes,
					RiskLevel: in.RiskLevel,
				},
				BatchSize:                  in.BatchSize,
				PauseSecondsBetweenBatches: in.PauseSeconds,
				RollbackOnFailure:          in.RollbackOnFailure,
			})
			if err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK(
				fmt.Sprintf("created plan %s across %d devices in %d batches; approval expires %s",
					res.PlanID, len(in.DeviceIDs), len(res.Batches), res.ApprovalExpiresAt.Format("15:04:05")),
				map[string]interface{}{
					"plan_id":             res.PlanID,
					"approval_token":      res.ApprovalToken,
					"approval_expires_at": res.ApprovalExpiresAt,
					"batches":             res.Batches,
					"pre_check":           res.PreCheck,
				})
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "plan_approve", Tier: auth.TierProfessional, ApprovalAction: true},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				PlanID string `json:"plan_id"`
				Token  string `json:"token"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "plan_approve", Tier: auth.TierProfessional, ApprovalAction: true}
			if err := svc.gate.Authorize(ctx, user, tool, nil, nil); err != nil {
				return mcptool.Fail(err)
			}
			p, err := svc.plans.ApprovePlan(ctx, in.PlanID, in.Token, user.Sub)
			if err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK("plan "+p.ID+" approved", map[string]interface{}{
				"plan_id": p.ID, "status": string(p.Status),
			})
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "plan_apply", Tier: auth.TierProfessional, Topic: "professional_workflows"},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				PlanID string `json:"plan_id"`
				Token  string `json:"token"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			p, err := svc.plans.GetPlan(ctx, in.PlanID)
			if err != nil {
				return mcptool.Fail(err)
			}
			deviceIDs, err := plan.DeviceIDs(p)
			if err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "plan_apply", Tier: auth.TierProfessional, Topic: "professional_workflows"}
			for _, id := range deviceIDs {
				device, derr := svc.store.GetDevice(ctx, id)
				if derr != nil {
					return mcptool.Fail(derr)
				}
				if aerr := svc.gate.Authorize(ctx, user, tool, device, &auth.ApprovalContext{
					PlanID:      p.ID,
					Token:       in.Token,
					StoredToken: p.ApprovalToken,
					ExpiresAt:   p.ApprovalExpiresAt,
				}); aerr != nil {
					return mcptool.Fail(aerr)
				}
			}
			cs, ok := svc.changeService(p.ToolName)
			if !ok {
				return mcptool.Failf(ccerrors.Validation, "no change service registered for tool "+p.ToolName)
			}
			res, err := svc.rollout.ApplyMultiDevicePlan(ctx, in.PlanID, in.Token, user.Sub, cs)
			if err != nil {
				return mcptool.Fail(err)
			}
			meta := map[string]interface{}{
				"plan_id":           res.PlanID,
				"job_id":            res.JobID,
				"status":            string(res.Status),
				"batches_total":     res.BatchesTotal,
				"batches_completed": res.BatchesCompleted,
				"summary":           res.Summary,
			}
			if res.HaltReason != "" {
				meta["halt_reason"] = res.HaltReason
			}
			return mcptool.OK(fmt.Sprintf("plan %s finished with status %s (%d applied, %d failed, %d rolled back)",
				res.PlanID, res.Status, res.Summary.Applied, res.Summary.Failed, res.Summary.RolledBack), meta)
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "approval_request_create", Tier: auth.TierProfessional},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				PlanID string `json:"plan_id"`
				Notes  string `json:"notes"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "approval_request_create", Tier: auth.TierProfessional}
			if err := svc.gate.Authorize(ctx, user, tool, nil, nil); err != nil {
				return mcptool.Fail(err)
			}
			r, err := svc.approval.CreateRequest(ctx, in.PlanID, user.Sub, in.Notes)
			if err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK("approval request "+r.ID+" created", map[string]interface{}{
				"request_id": r.ID, "plan_id": r.PlanID,
			})
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "approval_request_decide", Tier: auth.TierFundamental, ApprovalAction: true},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				RequestID string `json:"request_id"`
				Approve   bool   `json:"approve"`
				Notes     string `json:"notes"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "approval_request_decide", Tier: auth.TierFundamental, ApprovalAction: true}
			if err := svc.gate.Authorize(ctx, user, tool, nil, nil); err != nil {
				return mcptool.Fail(err)
			}
			var err error
			if in.Approve {
				_, err = svc.approval.ApproveRequest(ctx, in.RequestID, user.Sub, in.Notes)
			} else {
				_, err = svc.approval.RejectRequest(ctx, in.RequestID, user.Sub, in.Notes)
			}
			if err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK("approval request "+in.RequestID+" decided", map[string]interface{}{
				"request_id": in.RequestID, "approved": in.Approve,
			})
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "job_cancel", Tier: auth.TierAdvanced},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in struct {
				JobID string `json:"job_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return mcptool.Fail(err)
			}
			tool := auth.ToolDescriptor{Name: "job_cancel", Tier: auth.TierAdvanced}
			if err := svc.gate.Authorize(ctx, user, tool, nil, nil); err != nil {
				return mcptool.Fail(err)
			}
			if err := svc.jobs.RequestCancellation(ctx, in.JobID); err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK("cancellation requested for job "+in.JobID, map[string]interface{}{"job_id": in.JobID})
		},
	})

	reg.Register(mcptool.Tool{
		Descriptor: auth.ToolDescriptor{Name: "audit_query", Tier: auth.TierFundamental},
		Handle: func(ctx context.Context, user auth.User, args json.RawMessage) *mcptool.Result {
			var in audit.Filter
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return mcptool.Fail(ccerrors.Wrap(ccerrors.Validation, "invalid tool arguments", err))
				}
			}
			tool := auth.ToolDescriptor{Name: "audit_query", Tier: auth.TierFundamental}
			if err := svc.gate.Authorize(ctx, user, tool, nil, nil); err != nil {
				return mcptool.Fail(err)
			}
			if in.Limit <= 0 || in.Limit > 500 {
				in.Limit = 100
			}
			events, err := svc.audit.List(ctx, in)
			if err != nil {
				return mcptool.Fail(err)
			}
			return mcptool.OK(fmt.Sprintf("%d audit events", len(events)), map[string]interface{}{
				"count": len(events), "events": events,
			})
		},
	})
}
