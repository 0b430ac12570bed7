package store

import (
	"context"

	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

func (s *Store) GetLatestSnapshot(ctx context.Context, deviceID, kind string) (*model.Snapshot, error) {
	var snap model.Snapshot
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND kind = ?", deviceID, kind).
		Order("timestamp desc").
		First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// PruneSnapshots deletes every row for (device, kind) beyond the keepN
// most recent, returning the number deleted.
func (s *Store) PruneSnapshots(ctx context.Context, deviceID, kind string, keepN int) (int64, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.Snapshot{}).
		Where("device_id = ? AND kind = ?", deviceID, kind).
		Order("timestamp desc").
		Offset(keepN).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Snapshot{})
	return res.RowsAffected, res.Error
}
