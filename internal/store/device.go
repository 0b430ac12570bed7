package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ccerrors.New(ccerrors.DeviceNotFound, "device not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetDevices(ctx context.Context, ids []string) ([]*model.Device, error) {
	var devices []*model.Device
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *Store) ListDevicesByEnvironment(ctx context.Context, env model.Environment) ([]*model.Device, error) {
	var devices []*model.Device
	err := s.db.WithContext(ctx).
		Where("environment = ? AND status <> ?", env, model.DeviceDecommissioned).
		Find(&devices).Error
	return devices, err
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, id string, status model.DeviceStatus) error {
	return s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Update("status", status).Error
}

func (s *Store) UpdateDevicePolling(ctx context.Context, id string, intervalSeconds, consecutiveHealthy int, lastBackoffAt interface{}) error {
	return s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Updates(map[string]interface{}{
		"poll_interval_seconds": intervalSeconds,
		"consecutive_healthy":   consecutiveHealthy,
		"last_backoff_at":       lastBackoffAt,
	}).Error
}

func (s *Store) TouchDeviceLastSeen(ctx context.Context, id string, t time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Update("last_seen_at", t).Error
}

// UpdateDeviceFacts records metadata learned on first contact (RouterOS
// version, hardware model).
func (s *Store) UpdateDeviceFacts(ctx context.Context, id, routerOSVersion, hardwareModel string) error {
	return s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Updates(map[string]interface{}{
		"router_os_version": routerOSVersion,
		"model":             hardwareModel,
	}).Error
}

func (s *Store) SetDeviceTags(ctx context.Context, id string, tags map[string]string) error {
	raw, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Update("tags_json", raw).Error
}
