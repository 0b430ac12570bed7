// Package storetest is an in-memory stand-in for the subset of
// *store.Store the services depend on, so unit tests run without a live
// Postgres instance. Field updates mirror the column names the real
// store writes.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

type Fake struct {
	mu sync.Mutex

	Devices          map[string]*model.Device
	Credentials      []*model.Credential
	Plans            map[string]*model.Plan
	Jobs             map[string]*model.Job
	Snapshots        []*model.Snapshot
	Approvals        map[string]*model.ApprovalRequest
	AuditEvents      []*model.AuditEvent
	NotificationLogs []*model.NotificationLog
}

func New() *Fake {
	return &Fake{
		Devices:   map[string]*model.Device{},
		Plans:     map[string]*model.Plan{},
		Jobs:      map[string]*model.Job{},
		Approvals: map[string]*model.ApprovalRequest{},
	}
}

// ---- devices ----

func (f *Fake) AddDevice(d *model.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Devices[d.ID] = d
}

func (f *Fake) GetDevice(_ context.Context, id string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Devices[id]
	if !ok {
		return nil, ccerrors.New(ccerrors.DeviceNotFound, "device not found: "+id)
	}
	cp := *d
	return &cp, nil
}

func (f *Fake) GetDevices(_ context.Context, ids []string) ([]*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Device
	for _, id := range ids {
		if d, ok := f.Devices[id]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ListDevicesByEnvironment(_ context.Context, env model.Environment) ([]*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Device
	for _, d := range f.Devices {
		if d.Environment == env && d.Status != model.DeviceDecommissioned {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) UpdateDeviceStatus(_ context.Context, id string, status model.DeviceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.Devices[id]; ok {
		d.Status = status
	}
	return nil
}

func (f *Fake) UpdateDevicePolling(_ context.Context, id string, intervalSeconds, consecutiveHealthy int, lastBackoffAt interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Devices[id]
	if !ok {
		return nil
	}
	d.PollIntervalSeconds = intervalSeconds
	d.ConsecutiveHealthy = consecutiveHealthy
	switch v := lastBackoffAt.(type) {
	case nil:
		d.LastBackoffAt = nil
	case time.Time:
		t := v
		d.LastBackoffAt = &t
	case *time.Time:
		d.LastBackoffAt = v
	}
	return nil
}

func (f *Fake) TouchDeviceLastSeen(_ context.Context, id string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.Devices[id]; ok {
		d.LastSeenAt = &t
	}
	return nil
}

// ---- credentials ----

func (f *Fake) GetActiveCredential(_ context.Context, deviceID string, kind model.CredentialKind) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Credentials {
		if c.DeviceID == deviceID && c.Kind == kind && c.Active {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ccerrors.New(ccerrors.Validation, "no active credential for device")
}

// ---- plans ----

func (f *Fake) CreatePlan(_ context.Context, p *model.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.Plans[p.ID] = &cp
	return nil
}

func (f *Fake) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Plans[id]
	if !ok {
		return nil, ccerrors.New(ccerrors.PlanNotFound, "plan not found: "+id)
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) TransitionPlanStatus(_ context.Context, id string, from, to model.PlanStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Plans[id]
	if !ok {
		return false, ccerrors.New(ccerrors.PlanNotFound, "plan not found: "+id)
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (f *Fake) UpdatePlanFields(_ context.Context, id string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Plans[id]
	if !ok {
		return ccerrors.New(ccerrors.PlanNotFound, "plan not found: "+id)
	}
	for k, v := range fields {
		switch k {
		case "status":
			p.Status = v.(model.PlanStatus)
		case "approved_by":
			p.ApprovedBy = v.(string)
		case "approved_at":
			t := v.(time.Time)
			p.ApprovedAt = &t
		case "device_statuses_json":
			p.DeviceStatusesJSON = v.([]byte)
		case "changes_json":
			p.ChangesJSON = v.([]byte)
		}
	}
	return nil
}

// ---- jobs ----

func (f *Fake) CreateJob(_ context.Context, j *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.Jobs[j.ID] = &cp
	return nil
}

func (f *Fake) GetJob(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return nil, ccerrors.New(ccerrors.JobNotFound, "job not found: "+id)
	}
	cp := *j
	return &cp, nil
}

func (f *Fake) UpdateJobFields(_ context.Context, id string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return ccerrors.New(ccerrors.JobNotFound, "job not found: "+id)
	}
	for k, v := range fields {
		switch k {
		case "status":
			j.Status = v.(model.JobStatus)
		case "attempts":
			j.Attempts = v.(int)
		case "progress_percent":
			j.ProgressPercent = v.(int)
		case "current_device_id":
			j.CurrentDeviceID = v.(string)
		case "cancellation_requested":
			j.CancellationRequested = v.(bool)
		case "result_summary_json":
			j.ResultSummaryJSON = v.([]byte)
		case "error_message":
			j.ErrorMessage = v.(string)
		case "next_run_at":
			j.NextRunAt = v.(time.Time)
		}
	}
	return nil
}

// ---- snapshots ----

func (f *Fake) CreateSnapshot(_ context.Context, snap *model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *snap
	f.Snapshots = append(f.Snapshots, &cp)
	return nil
}

func (f *Fake) GetLatestSnapshot(_ context.Context, deviceID, kind string) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *model.Snapshot
	for _, s := range f.Snapshots {
		if s.DeviceID != deviceID || s.Kind != kind {
			continue
		}
		if newest == nil || s.Timestamp.After(newest.Timestamp) {
			newest = s
		}
	}
	if newest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *newest
	return &cp, nil
}

func (f *Fake) PruneSnapshots(_ context.Context, deviceID, kind string, keepN int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []*model.Snapshot
	for _, s := range f.Snapshots {
		if s.DeviceID == deviceID && s.Kind == kind {
			matching = append(matching, s)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].Timestamp.After(matching[j].Timestamp) })
	if len(matching) <= keepN {
		return 0, nil
	}
	doomed := map[string]bool{}
	for _, s := range matching[keepN:] {
		doomed[s.ID] = true
	}
	var kept []*model.Snapshot
	for _, s := range f.Snapshots {
		if !doomed[s.ID] {
			kept = append(kept, s)
		}
	}
	pruned := int64(len(f.Snapshots) - len(kept))
	f.Snapshots = kept
	return pruned, nil
}

// ---- approval requests ----

func (f *Fake) CreateApprovalRequest(_ context.Context, r *model.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.Approvals[r.ID] = &cp
	return nil
}

func (f *Fake) GetApprovalRequest(_ context.Context, id string) (*model.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Approvals[id]
	if !ok {
		return nil, ccerrors.New(ccerrors.Validation, "approval request not found: "+id)
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) GetPendingApprovalRequestForPlan(_ context.Context, planID string) (*model.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Approvals {
		if r.PlanID == planID && r.Status == model.ApprovalRequestPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Fake) UpdateApprovalRequestFields(_ context.Context, id string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Approvals[id]
	if !ok {
		return ccerrors.New(ccerrors.Validation, "approval request not found: "+id)
	}
	for k, v := range fields {
		switch k {
		case "status":
			r.Status = v.(model.ApprovalRequestStatus)
		case "approved_by":
			r.ApprovedBy = v.(string)
		case "notes":
			r.Notes = v.(string)
		case "decided_at":
			t := v.(time.Time)
			r.DecidedAt = &t
		}
	}
	return nil
}

// ---- audit ----

func (f *Fake) CreateAuditEvent(_ context.Context, e *model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.AuditEvents = append(f.AuditEvents, &cp)
	return nil
}

func (f *Fake) ListAuditEvents(_ context.Context, filter store.AuditFilter) ([]*model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEvent
	for _, e := range f.AuditEvents {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.DeviceID != "" && e.DeviceID != filter.DeviceID {
			continue
		}
		if filter.ActorSub != "" && e.ActorSub != filter.ActorSub {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// EventsByAction filters recorded audit events, for test assertions.
func (f *Fake) EventsByAction(action string) []*model.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEvent
	for _, e := range f.AuditEvents {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// ---- notification ledger ----

func (f *Fake) CreateNotificationLog(_ context.Context, n *model.NotificationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *n
	f.NotificationLogs = append(f.NotificationLogs, &cp)
	return nil
}
