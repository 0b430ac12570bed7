// Package audit is the append-only writer and filtered reader for every
// authorization decision and state-changing operation the control plane
// performs. Nothing in this package ever mutates or deletes a row.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// eventStore is the slice of *store.Store the sink actually needs,
// narrowed to an interface so tests can substitute an in-memory fake
// instead of standing up a real Postgres instance.
type eventStore interface {
	CreateAuditEvent(ctx context.Context, e *model.AuditEvent) error
	ListAuditEvents(ctx context.Context, f store.AuditFilter) ([]*model.AuditEvent, error)
}

type Result string

const (
	Success Result = "SUCCESS"
	Failure Result = "FAILURE"
)

// Common action names. The set is open-ended (free-form string enum per
// per the data model) but these are the actions the core itself emits.
const (
	ActionPlanCreated            = "PLAN_CREATED"
	ActionPlanApproved           = "PLAN_APPROVED"
	ActionPlanStatusUpdate       = "PLAN_STATUS_UPDATE"
	ActionPlanRollbackInitiated  = "PLAN_ROLLBACK_INITIATED"
	ActionPlanRollbackCompleted  = "PLAN_ROLLBACK_COMPLETED"
	ActionAuthzDenied            = "AUTHZ_DENIED"
	ActionWrite                  = "WRITE"
	ActionReadSensitive          = "READ_SENSITIVE"
	ActionApprovalRequestCreated = "APPROVAL_REQUEST_CREATED"
	ActionApprovalRequestDecided = "APPROVAL_REQUEST_DECIDED"
	ActionJobCreated             = "JOB_CREATED"
	ActionJobStatusUpdate        = "JOB_STATUS_UPDATE"
	ActionSnapshotCaptured       = "SNAPSHOT_CAPTURED"
)

// Actor identifies who performed the audited operation.
type Actor struct {
	Sub   string
	Email string
	Role  string
}

// Event is the inbound record a caller submits; Sink stamps ID and
// Timestamp before persisting.
type Event struct {
	Actor       Actor
	DeviceID    string
	Environment string
	Action      string
	ToolName    string
	ToolTier    string
	PlanID      *string
	JobID       *string
	Result      Result
	Metadata    map[string]interface{}
	Error       string
}

// Sink is the append-only audit writer.
type Sink struct {
	store eventStore
	log   *log.PrefixLogger
}

func NewSink(st eventStore, logger *log.PrefixLogger) *Sink {
	if logger == nil {
		logger = log.NewPrefixLogger("audit")
	}
	return &Sink{store: st, log: logger}
}

// Record commits an audit event. Per §5's ordering guarantee, callers
// invoke this only after the operation's own state change has already
// been persisted, never before. Record itself never returns an error to
// avoid audit-logging failures masking the real outcome of an operation;
// a write failure is logged instead.
func (s *Sink) Record(ctx context.Context, e Event) {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}
	row := &model.AuditEvent{
		ID:           "audit-" + uuid.New().String()[:12],
		Timestamp:    time.Now().UTC(),
		ActorSub:     e.Actor.Sub,
		ActorEmail:   e.Actor.Email,
		ActorRole:    e.Actor.Role,
		DeviceID:     e.DeviceID,
		Environment:  e.Environment,
		Action:       e.Action,
		ToolName:     e.ToolName,
		ToolTier:     e.ToolTier,
		PlanID:       e.PlanID,
		JobID:        e.JobID,
		Result:       string(e.Result),
		MetadataJSON: metadataJSON,
		ErrorMessage: e.Error,
	}
	if err := s.store.CreateAuditEvent(ctx, row); err != nil {
		s.log.WithError(err).Errorf("failed to persist audit event action=%s", e.Action)
	}
}

// Filter mirrors store.AuditFilter but stays in the audit package's
// vocabulary so callers outside internal/store don't need to import it.
type Filter struct {
	ActorSub string
	DeviceID string
	ToolName string
	Action   string
	From     *time.Time
	To       *time.Time
	Search   string
	Limit    int
	Offset   int
}

func (s *Sink) List(ctx context.Context, f Filter) ([]*model.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, store.AuditFilter{
		ActorSub: f.ActorSub,
		DeviceID: f.DeviceID,
		ToolName: f.ToolName,
		Action:   f.Action,
		From:     f.From,
		To:       f.To,
		Search:   f.Search,
		Limit:    f.Limit,
		Offset:   f.Offset,
	})
}
