package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateApprovalRequest(ctx context.Context, r *model.ApprovalRequest) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) GetApprovalRequest(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	var r model.ApprovalRequest
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ccerrors.New(ccerrors.Validation, "approval request not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetPendingApprovalRequestForPlan(ctx context.Context, planID string) (*model.ApprovalRequest, error) {
	var r model.ApprovalRequest
	err := s.db.WithContext(ctx).
		Where("plan_id = ? AND status = ?", planID, model.ApprovalRequestPending).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateApprovalRequestFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.ApprovalRequest{}).Where("id = ?", id).Updates(fields).Error
}

type ApprovalRequestFilter struct {
	Status model.ApprovalRequestStatus
	PlanID string
	Limit  int
	Offset int
}

func (s *Store) ListApprovalRequests(ctx context.Context, f ApprovalRequestFilter) ([]*model.ApprovalRequest, error) {
	q := s.db.WithContext(ctx).Model(&model.ApprovalRequest{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.PlanID != "" {
		q = q.Where("plan_id = ?", f.PlanID)
	}
	q = q.Order("requested_at desc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var reqs []*model.ApprovalRequest
	err := q.Find(&reqs).Error
	return reqs, err
}
