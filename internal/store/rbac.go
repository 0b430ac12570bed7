package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateRole(ctx context.Context, r *model.Role) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) GetRole(ctx context.Context, name string) (*model.Role, error) {
	var r model.Role
	err := s.db.WithContext(ctx).Preload("Permissions").First(&r, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ccerrors.New(ccerrors.Validation, "role not found: "+name)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GrantPermission(ctx context.Context, roleName string, p *model.Permission) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		return tx.Model(&model.Role{Name: roleName}).Association("Permissions").Append(p)
	})
}
