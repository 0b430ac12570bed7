// Package auth implements the authorization gate: the single
// synchronous check every tool invocation passes through before its body
// runs.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/config"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// Tier is a tool's risk/capability tier.
type Tier string

const (
	TierFundamental  Tier = "fundamental"
	TierAdvanced     Tier = "advanced"
	TierProfessional Tier = "professional"
)

// ToolDescriptor describes the tool being invoked for authorization
// purposes; the topic-specific tool bodies themselves are out of scope.
type ToolDescriptor struct {
	Name             string
	Tier             Tier
	Topic            string // "" when the tool isn't gated by a per-topic flag
	CrossEnvironment bool
	// ApprovalAction marks approval-workflow tools (approving plans,
	// deciding approval requests). These are gated by the approval role
	// set instead of the tool tier, so the approver role reaches them
	// without reaching professional-tier tools.
	ApprovalAction bool
}

// ApprovalContext carries the approval token supplied with an apply
// operation plus the plan's persisted token/expiry to check it against;
// checked only when non-nil. The caller resolves StoredToken/ExpiresAt
// from the plan row before calling Authorize — the gate itself never
// touches the store.
type ApprovalContext struct {
	PlanID      string
	Token       string
	StoredToken string
	ExpiresAt   time.Time
}

// RoleTable maps a role name to the tiers it can reach. "approver"
// reaches only fundamental reads by tier; its approval powers come from
// the gate's separate approval-role set (see ApprovalRoles).
type RoleTable map[string]map[Tier]bool

// DefaultRoleTable maps the four built-in roles to their reachable tiers.
func DefaultRoleTable() RoleTable {
	return RoleTable{
		"readonly": {TierFundamental: true},
		"ops":      {TierFundamental: true, TierAdvanced: true},
		"admin":    {TierFundamental: true, TierAdvanced: true, TierProfessional: true},
		"approver": {TierFundamental: true},
	}
}

// DefaultApprovalRoles names the roles allowed to perform
// approval-workflow actions.
func DefaultApprovalRoles() map[string]bool {
	return map[string]bool{"approver": true, "admin": true}
}

// topicFlags maps a tool topic to the Device capability flag that must be
// true for a write against that topic.
var topicFlags = map[string]func(*model.Device) bool{
	"advanced":               func(d *model.Device) bool { return d.AllowAdvanced },
	"professional_workflows": func(d *model.Device) bool { return d.AllowProfessionalWorkflows },
	"firewall":               func(d *model.Device) bool { return d.AllowFirewallWrites },
	"routing":                func(d *model.Device) bool { return d.AllowRoutingWrites },
	"wireless":               func(d *model.Device) bool { return d.AllowWirelessWrites },
	"dhcp":                   func(d *model.Device) bool { return d.AllowDHCPWrites },
	"bridge":                 func(d *model.Device) bool { return d.AllowBridgeWrites },
	"bandwidth_test":         func(d *model.Device) bool { return d.AllowBandwidthTest },
}

// Gate is the stateless (apart from the audit sink) authorization check
// that precedes every tool invocation.
type Gate struct {
	Roles           RoleTable
	ApprovalRoles   map[string]bool
	Environment     config.Environment
	AllowProdWrites bool
	Audit           *audit.Sink
}

func NewGate(roles RoleTable, env config.Environment, allowProdWrites bool, sink *audit.Sink) *Gate {
	if roles == nil {
		roles = DefaultRoleTable()
	}
	return &Gate{
		Roles:           roles,
		ApprovalRoles:   DefaultApprovalRoles(),
		Environment:     env,
		AllowProdWrites: allowProdWrites,
		Audit:           sink,
	}
}

func (g *Gate) deny(ctx context.Context, user User, tool ToolDescriptor, device *model.Device, reason string, err *ccerrors.Error) *ccerrors.Error {
	var deviceID, env string
	if device != nil {
		deviceID = device.ID
		env = string(device.Environment)
	}
	g.Audit.Record(ctx, audit.Event{
		Actor:       audit.Actor{Sub: user.Sub, Email: user.Email, Role: user.Role},
		DeviceID:    deviceID,
		Environment: env,
		Action:      audit.ActionAuthzDenied,
		ToolName:    tool.Name,
		ToolTier:    string(tool.Tier),
		Result:      audit.Failure,
		Metadata:    map[string]interface{}{"reason_code": reason},
		Error:       err.Message,
	})
	return err
}

// Authorize runs the six gate checks in order, short-circuiting on
// the first failure.
func (g *Gate) Authorize(ctx context.Context, user User, tool ToolDescriptor, device *model.Device, approval *ApprovalContext) error {
	// 1. Role capability. Approval-workflow actions are gated by the
	// approval role set; everything else by the tool's tier.
	if tool.ApprovalAction {
		if !g.ApprovalRoles[user.Role] {
			return g.deny(ctx, user, tool, device, "ROLE_CAPABILITY",
				ccerrors.New(ccerrors.AuthZDenied, fmt.Sprintf("role %q cannot perform approval actions", user.Role)))
		}
	} else {
		tiers, ok := g.Roles[user.Role]
		if !ok || !tiers[tool.Tier] {
			return g.deny(ctx, user, tool, device, "ROLE_CAPABILITY",
				ccerrors.New(ccerrors.AuthZDenied, fmt.Sprintf("role %q cannot invoke %s-tier tools", user.Role, tool.Tier)))
		}
	}

	// 2. Device scope.
	if device != nil && !user.InScope(device.ID) {
		return g.deny(ctx, user, tool, device, "DEVICE_SCOPE",
			ccerrors.New(ccerrors.AuthZDenied, "device is outside the user's device scope"))
	}

	// 3. Environment match.
	if device != nil && !tool.CrossEnvironment && device.Environment != model.Environment(g.Environment) {
		return g.deny(ctx, user, tool, device, "ENVIRONMENT_MISMATCH",
			ccerrors.New(ccerrors.EnvironmentMismatch,
				fmt.Sprintf("device environment %q does not match service environment %q", device.Environment, g.Environment)))
	}

	// 4. Per-topic capability flag.
	if device != nil && tool.Topic != "" {
		if check, ok := topicFlags[tool.Topic]; ok && !check(device) {
			return g.deny(ctx, user, tool, device, "CAPABILITY_DENIED",
				ccerrors.New(ccerrors.CapabilityDenied, fmt.Sprintf("device does not have the %q write capability enabled", tool.Topic)))
		}
	}

	// 5. Production guardrail.
	if device != nil && tool.Tier == TierProfessional && device.Environment == model.EnvironmentProd && !g.AllowProdWrites {
		return g.deny(ctx, user, tool, device, "PROD_GUARDRAIL",
			ccerrors.New(ccerrors.EnvironmentMismatch, "professional-tier writes to prod are disabled; allowed environments are lab and staging"))
	}

	// 6. Approval-token binding (apply operations only).
	if approval != nil {
		if approval.Token == "" || subtle.ConstantTimeCompare([]byte(approval.Token), []byte(approval.StoredToken)) != 1 {
			return g.deny(ctx, user, tool, device, "APPROVAL_TOKEN_INVALID",
				ccerrors.New(ccerrors.ApprovalTokenInvalid, "approval token does not match the plan"))
		}
		if now().After(approval.ExpiresAt) {
			return g.deny(ctx, user, tool, device, "APPROVAL_EXPIRED",
				ccerrors.New(ccerrors.ApprovalExpired, "approval token has expired"))
		}
	}

	return nil
}

// now is a seam for tests.
var now = time.Now
