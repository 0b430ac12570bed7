package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/audit/audittest"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/config"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func newTestGate(t *testing.T, env config.Environment, allowProdWrites bool) *Gate {
	t.Helper()
	return NewGate(nil, env, allowProdWrites, audit.NewSink(audittest.New(), nil))
}

func labDevice() *model.Device {
	return &model.Device{
		ID:                  "dev-lab-01",
		Environment:         model.EnvironmentLab,
		Status:              model.DeviceHealthy,
		AllowFirewallWrites: true,
	}
}

func TestAuthorizeAllowsOpsAdvancedOnMatchingEnv(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "ops"},
		ToolDescriptor{Name: "firewall_add_rule", Tier: TierAdvanced, Topic: "firewall"}, labDevice(), nil)
	require.NoError(t, err)
}

func TestAuthorizeDeniesReadonlyOnAdvancedTool(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "readonly"},
		ToolDescriptor{Name: "firewall_add_rule", Tier: TierAdvanced, Topic: "firewall"}, labDevice(), nil)
	require.Error(t, err)
	assert.Equal(t, ccerrors.AuthZDenied, ccerrors.KindOf(err))
}

func TestAuthorizeDeniesOutOfScopeDevice(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "ops", DeviceScope: []string{"dev-lab-02"}},
		ToolDescriptor{Name: "firewall_add_rule", Tier: TierAdvanced, Topic: "firewall"}, labDevice(), nil)
	require.Error(t, err)
	assert.Equal(t, ccerrors.AuthZDenied, ccerrors.KindOf(err))
}

func TestAuthorizeDeniesEnvironmentMismatch(t *testing.T) {
	g := newTestGate(t, config.EnvironmentStaging, false)
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "ops"},
		ToolDescriptor{Name: "firewall_add_rule", Tier: TierAdvanced, Topic: "firewall"}, labDevice(), nil)
	require.Error(t, err)
	assert.Equal(t, ccerrors.EnvironmentMismatch, ccerrors.KindOf(err))
}

func TestAuthorizeDeniesMissingCapabilityFlag(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	d := labDevice()
	d.AllowFirewallWrites = false
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "ops"},
		ToolDescriptor{Name: "firewall_add_rule", Tier: TierAdvanced, Topic: "firewall"}, d, nil)
	require.Error(t, err)
	assert.Equal(t, ccerrors.CapabilityDenied, ccerrors.KindOf(err))
}

func TestAuthorizeDeniesProdWritesWithoutGuardrailOverride(t *testing.T) {
	g := newTestGate(t, config.EnvironmentProd, false)
	d := labDevice()
	d.Environment = model.EnvironmentProd
	d.AllowProfessionalWorkflows = true
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "admin"},
		ToolDescriptor{Name: "multi_device_rollout", Tier: TierProfessional, Topic: "professional_workflows"}, d, nil)
	require.Error(t, err)
	assert.Equal(t, ccerrors.EnvironmentMismatch, ccerrors.KindOf(err))
	assert.Contains(t, err.Error(), "lab")
}

func TestAuthorizeApprovalActionRoles(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	tool := ToolDescriptor{Name: "plan_approve", Tier: TierProfessional, ApprovalAction: true}

	require.NoError(t, g.Authorize(context.Background(), User{Sub: "u1", Role: "approver"}, tool, nil, nil))
	require.NoError(t, g.Authorize(context.Background(), User{Sub: "u2", Role: "admin"}, tool, nil, nil))

	for _, role := range []string{"readonly", "ops"} {
		err := g.Authorize(context.Background(), User{Sub: "u3", Role: role}, tool, nil, nil)
		require.Error(t, err, role)
		assert.Equal(t, ccerrors.AuthZDenied, ccerrors.KindOf(err))
	}
}

func TestAuthorizeApproverCannotInvokeProfessionalTools(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "approver"},
		ToolDescriptor{Name: "multi_device_rollout", Tier: TierProfessional, Topic: "professional_workflows"}, labDevice(), nil)
	require.Error(t, err)
	assert.Equal(t, ccerrors.AuthZDenied, ccerrors.KindOf(err))
}

func TestAuthorizeApprovalTokenMismatch(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "admin"},
		ToolDescriptor{Name: "apply_plan", Tier: TierProfessional}, labDevice(),
		&ApprovalContext{Token: "approve-abc", StoredToken: "approve-xyz", ExpiresAt: time.Now().Add(time.Minute)})
	require.Error(t, err)
	assert.Equal(t, ccerrors.ApprovalTokenInvalid, ccerrors.KindOf(err))
}

func TestAuthorizeApprovalTokenExpired(t *testing.T) {
	g := newTestGate(t, config.EnvironmentLab, false)
	err := g.Authorize(context.Background(), User{Sub: "u1", Role: "admin"},
		ToolDescriptor{Name: "apply_plan", Tier: TierProfessional}, labDevice(),
		&ApprovalContext{Token: "approve-abc", StoredToken: "approve-abc", ExpiresAt: time.Now().Add(-time.Minute)})
	require.Error(t, err)
	assert.Equal(t, ccerrors.ApprovalExpired, ccerrors.KindOf(err))
}
