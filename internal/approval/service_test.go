package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/notification"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/store/storetest"
)

func newTestService(t *testing.T) (*Service, *storetest.Fake, *notification.MockBackend) {
	t.Helper()
	fake := storetest.New()
	fake.Plans["plan-1"] = &model.Plan{ID: "plan-1", Status: model.PlanPending, ToolName: "firewall_update"}

	backend := notification.NewMockBackend()
	notifier := notification.NewNotifier(backend, fake, []string{"ops@example.com"}, "https://cp.example.com", nil)
	svc := NewService(fake, audit.NewSink(fake, nil), notifier, nil)
	return svc, fake, backend
}

func TestCreateRequest(t *testing.T) {
	svc, fake, backend := newTestService(t)

	r, err := svc.CreateRequest(context.Background(), "plan-1", "alice", "please review")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRequestPending, r.Status)
	assert.Equal(t, "alice", r.RequestedBy)

	// One pending request per plan at a time.
	_, err = svc.CreateRequest(context.Background(), "plan-1", "alice", "again")
	require.Error(t, err)
	assert.Equal(t, ccerrors.Validation, ccerrors.KindOf(err))

	// Unknown plan is rejected outright.
	_, err = svc.CreateRequest(context.Background(), "plan-missing", "alice", "")
	require.Error(t, err)
	assert.Equal(t, ccerrors.PlanNotFound, ccerrors.KindOf(err))

	require.Len(t, fake.EventsByAction(audit.ActionApprovalRequestCreated), 1)
	messages := backend.Messages()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Subject, "plan-1")
	assert.Contains(t, messages[0].BodyText, "https://cp.example.com/plans/plan-1")
}

func TestApproveRequest(t *testing.T) {
	svc, fake, backend := newTestService(t)
	r, err := svc.CreateRequest(context.Background(), "plan-1", "alice", "")
	require.NoError(t, err)

	decided, err := svc.ApproveRequest(context.Background(), r.ID, "bob", "looks good")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRequestApproved, decided.Status)
	assert.Equal(t, "bob", decided.ApprovedBy)
	require.NotNil(t, decided.DecidedAt)
	assert.WithinDuration(t, time.Now(), *decided.DecidedAt, 5*time.Second)

	// A decided request cannot be decided again.
	_, err = svc.RejectRequest(context.Background(), r.ID, "carol", "too late")
	require.Error(t, err)
	assert.Equal(t, ccerrors.Validation, ccerrors.KindOf(err))

	require.Len(t, fake.EventsByAction(audit.ActionApprovalRequestDecided), 1)
	// One mail for the request, one for the decision.
	assert.Len(t, backend.Messages(), 2)
}

func TestSelfApprovalRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	r, err := svc.CreateRequest(context.Background(), "plan-1", "alice", "")
	require.NoError(t, err)

	_, err = svc.ApproveRequest(context.Background(), r.ID, "alice", "approving my own work")
	require.Error(t, err)
	assert.Equal(t, ccerrors.SelfApproval, ccerrors.KindOf(err))

	// The request is still pending for a real approver.
	stored, err := svc.store.GetApprovalRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRequestPending, stored.Status)
}

func TestRejectRequest(t *testing.T) {
	svc, _, _ := newTestService(t)
	r, err := svc.CreateRequest(context.Background(), "plan-1", "alice", "")
	require.NoError(t, err)

	decided, err := svc.RejectRequest(context.Background(), r.ID, "bob", "wrong window")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRequestRejected, decided.Status)
}
