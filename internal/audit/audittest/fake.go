// Package audittest provides an in-memory audit.Sink backing store for
// unit tests that need to assert on emitted events without a live
// Postgres instance.
package audittest

import (
	"context"
	"sync"

	"github.com/routeros-fleet/controlplane/internal/store"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// FakeStore is a minimal in-memory stand-in satisfying the subset of
// *store.Store the audit sink depends on.
type FakeStore struct {
	mu     sync.Mutex
	Events []*model.AuditEvent
}

func New() *FakeStore { return &FakeStore{} }

func (f *FakeStore) CreateAuditEvent(_ context.Context, e *model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = append(f.Events, e)
	return nil
}

func (f *FakeStore) ListAuditEvents(_ context.Context, filter store.AuditFilter) ([]*model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEvent
	for _, e := range f.Events {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.DeviceID != "" && e.DeviceID != filter.DeviceID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
