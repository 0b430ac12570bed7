package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// GetActiveCredential returns the single active credential for a device of
// the given kind. The (device, kind)-active-at-most-once invariant is
// enforced at write time by ActivateCredential.
func (s *Store) GetActiveCredential(ctx context.Context, deviceID string, kind model.CredentialKind) (*model.Credential, error) {
	var c model.Credential
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND kind = ? AND active = ?", deviceID, kind, true).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ccerrors.New(ccerrors.Validation, "no active credential for device")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ActivateCredential deactivates any existing active credential of the
// same (device, kind) before activating the new one, inside a single
// transaction.
func (s *Store) ActivateCredential(ctx context.Context, c *model.Credential) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Credential{}).
			Where("device_id = ? AND kind = ? AND active = ?", c.DeviceID, c.Kind, true).
			Update("active", false).Error; err != nil {
			return err
		}
		c.Active = true
		return tx.Create(c).Error
	})
}
