package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreatePlan(ctx context.Context, p *model.Plan) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	var p model.Plan
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ccerrors.New(ccerrors.PlanNotFound, "plan not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlanForUpdate loads a plan inside row-level locking so a
// check-then-transition sequence (e.g. approve, apply) cannot race with a
// concurrent transition on the same plan.
func (s *Store) GetPlanForUpdate(tx *gorm.DB, id string) (*model.Plan, error) {
	var p model.Plan
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ccerrors.New(ccerrors.PlanNotFound, "plan not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// WithTx runs fn inside a single database transaction, for callers that
// need to load-then-transition a plan atomically.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// TransitionPlanStatus compare-and-swaps a plan's status, returning
// false when the plan was no longer in from. This is the re-entrancy
// guard for apply: two concurrent approved -> executing transitions
// cannot both win.
func (s *Store) TransitionPlanStatus(ctx context.Context, id string, from, to model.PlanStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Plan{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

func (s *Store) UpdatePlanFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.Plan{}).Where("id = ?", id).Updates(fields).Error
}

func (s *Store) UpdatePlanFieldsTx(tx *gorm.DB, id string, fields map[string]interface{}) error {
	return tx.Model(&model.Plan{}).Where("id = ?", id).Updates(fields).Error
}

type PlanFilter struct {
	CreatedBy string
	Status    model.PlanStatus
}

func (s *Store) ListPlans(ctx context.Context, f PlanFilter) ([]*model.Plan, error) {
	q := s.db.WithContext(ctx).Model(&model.Plan{})
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var plans []*model.Plan
	err := q.Order("created_at desc").Find(&plans).Error
	return plans, err
}
