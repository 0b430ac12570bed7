package store

import (
	"context"

	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateNotificationLog(ctx context.Context, n *model.NotificationLog) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *Store) ListNotificationLogs(ctx context.Context, limit int) ([]*model.NotificationLog, error) {
	q := s.db.WithContext(ctx).Model(&model.NotificationLog{}).Order("sent_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var logs []*model.NotificationLog
	err := q.Find(&logs).Error
	return logs, err
}
