// Package approval implements the out-of-band human approval workflow
// for professional-tier plans. It is distinct from (and additive to) the
// in-plan approval-token protocol.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

type Store interface {
	CreateApprovalRequest(ctx context.Context, r *model.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*model.ApprovalRequest, error)
	GetPendingApprovalRequestForPlan(ctx context.Context, planID string) (*model.ApprovalRequest, error)
	UpdateApprovalRequestFields(ctx context.Context, id string, fields map[string]interface{}) error
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
}

// Notifier receives approval-workflow events; nil-safe.
type Notifier interface {
	ApprovalRequested(ctx context.Context, planID, requestedBy, notes string)
	ApprovalDecided(ctx context.Context, planID, approver, decision, notes string)
}

// Service owns the approval-request lifecycle.
type Service struct {
	store    Store
	audit    *audit.Sink
	notifier Notifier
	log      *log.PrefixLogger
	now      func() time.Time
}

func NewService(store Store, sink *audit.Sink, notifier Notifier, logger *log.PrefixLogger) *Service {
	if logger == nil {
		logger = log.NewPrefixLogger("approval")
	}
	return &Service{store: store, audit: sink, notifier: notifier, log: logger, now: time.Now}
}

// CreateRequest opens an approval request for a plan. At most one
// pending request may exist per plan.
func (s *Service) CreateRequest(ctx context.Context, planID, requestedBy, notes string) (*model.ApprovalRequest, error) {
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	existing, err := s.store.GetPendingApprovalRequestForPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("plan %s already has a pending approval request", planID))
	}

	r := &model.ApprovalRequest{
		ID:          "apprq-" + s.now().UTC().Format("20060102150405") + "-" + uuid.New().String()[:8],
		PlanID:      planID,
		Status:      model.ApprovalRequestPending,
		RequestedBy: requestedBy,
		Notes:       notes,
		RequestedAt: s.now().UTC(),
	}
	if err := s.store.CreateApprovalRequest(ctx, r); err != nil {
		return nil, err
	}

	planRef := planID
	s.audit.Record(ctx, audit.Event{
		Actor: audit.Actor{Sub: requestedBy}, Action: audit.ActionApprovalRequestCreated,
		PlanID: &planRef, Result: audit.Success,
		Metadata: map[string]interface{}{"request_id": r.ID},
	})
	if s.notifier != nil {
		s.notifier.ApprovalRequested(ctx, planID, requestedBy, notes)
	}
	return r, nil
}

// ApproveRequest records an approve decision. Self-approval is rejected.
func (s *Service) ApproveRequest(ctx context.Context, id, approver, notes string) (*model.ApprovalRequest, error) {
	return s.decide(ctx, id, approver, notes, model.ApprovalRequestApproved)
}

// RejectRequest records a reject decision, with the same guards.
func (s *Service) RejectRequest(ctx context.Context, id, approver, notes string) (*model.ApprovalRequest, error) {
	return s.decide(ctx, id, approver, notes, model.ApprovalRequestRejected)
}

func (s *Service) decide(ctx context.Context, id, approver, notes string, decision model.ApprovalRequestStatus) (*model.ApprovalRequest, error) {
	r, err := s.store.GetApprovalRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != model.ApprovalRequestPending {
		return nil, ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("approval request %s is already %s", id, r.Status))
	}
	if r.RequestedBy == approver {
		return nil, ccerrors.New(ccerrors.SelfApproval,
			"a user cannot decide an approval request they raised")
	}

	decidedAt := s.now().UTC()
	if err := s.store.UpdateApprovalRequestFields(ctx, id, map[string]interface{}{
		"status":      decision,
		"approved_by": approver,
		"decided_at":  decidedAt,
		"notes":       appendNotes(r.Notes, notes),
	}); err != nil {
		return nil, err
	}
	r.Status = decision
	r.ApprovedBy = approver
	r.DecidedAt = &decidedAt

	planRef := r.PlanID
	s.audit.Record(ctx, audit.Event{
		Actor: audit.Actor{Sub: approver}, Action: audit.ActionApprovalRequestDecided,
		PlanID: &planRef, Result: audit.Success,
		Metadata: map[string]interface{}{"request_id": id, "decision": string(decision)},
	})
	if s.notifier != nil {
		s.notifier.ApprovalDecided(ctx, r.PlanID, approver, string(decision), notes)
	}
	return r, nil
}

func appendNotes(existing, extra string) string {
	if extra == "" {
		return existing
	}
	if existing == "" {
		return extra
	}
	return existing + "\n" + extra
}
