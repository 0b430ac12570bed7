package store

import (
	"context"
	"time"

	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func (s *Store) CreateAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// AuditFilter narrows ListAuditEvents. Zero values are ignored.
type AuditFilter struct {
	ActorSub string
	DeviceID string
	ToolName string
	Action   string
	From     *time.Time
	To       *time.Time
	Search   string // full-text over the metadata JSON
	Limit    int
	Offset   int
}

// ListAuditEvents applies every non-zero filter field, newest first. Search
// matches a substring anywhere in the metadata JSON blob via a jsonb-cast
// ILIKE predicate.
func (s *Store) ListAuditEvents(ctx context.Context, f AuditFilter) ([]*model.AuditEvent, error) {
	q := s.db.WithContext(ctx).Model(&model.AuditEvent{})
	if f.ActorSub != "" {
		q = q.Where("actor_sub = ?", f.ActorSub)
	}
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.ToolName != "" {
		q = q.Where("tool_name = ?", f.ToolName)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.From != nil {
		q = q.Where("timestamp >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("timestamp <= ?", *f.To)
	}
	if f.Search != "" {
		q = q.Where("metadata_json::text ILIKE ?", "%"+f.Search+"%")
	}
	q = q.Order("timestamp desc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var events []*model.AuditEvent
	err := q.Find(&events).Error
	return events, err
}
