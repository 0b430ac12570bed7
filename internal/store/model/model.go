// Package model holds the GORM row definitions for every persisted entity
// in the control plane. Entity IDs are opaque strings that are never
// parsed; the exceptions are Role, keyed by its unique name, and
// Permission, whose ID is an auto-increment integer.
package model

import (
	"time"
)

type Environment string

const (
	EnvironmentLab     Environment = "lab"
	EnvironmentStaging Environment = "staging"
	EnvironmentProd    Environment = "prod"
)

type DeviceStatus string

const (
	DeviceHealthy        DeviceStatus = "healthy"
	DeviceDegraded       DeviceStatus = "degraded"
	DeviceUnreachable    DeviceStatus = "unreachable"
	DevicePending        DeviceStatus = "pending"
	DeviceDecommissioned DeviceStatus = "decommissioned"
)

// Device is a single fleet member.
type Device struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex"`
	Address     string
	Port        int
	Environment Environment
	Status      DeviceStatus
	Critical    bool

	AllowAdvanced              bool
	AllowProfessionalWorkflows bool
	AllowFirewallWrites        bool
	AllowRoutingWrites         bool
	AllowWirelessWrites        bool
	AllowDHCPWrites            bool
	AllowBridgeWrites          bool
	AllowBandwidthTest         bool

	RouterOSVersion string
	Model           string

	PollIntervalSeconds int
	ConsecutiveHealthy  int
	LastBackoffAt       *time.Time
	LastSeenAt          *time.Time

	TagsJSON []byte `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Credentials []Credential `gorm:"constraint:OnDelete:CASCADE"`
}

type CredentialKind string

const (
	CredentialREST     CredentialKind = "rest"
	CredentialShell    CredentialKind = "shell"
	CredentialShellKey CredentialKind = "shell_key"
)

// Credential is an owned, decryptable secret bound to one device.
type Credential struct {
	ID                string `gorm:"primaryKey"`
	DeviceID          string `gorm:"index"`
	Kind              CredentialKind
	Username          string
	EncryptedSecret   []byte
	SSHKeyFingerprint string
	Active            bool
	RotatedAt         time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type PlanStatus string

const (
	PlanPending             PlanStatus = "pending"
	PlanApproved            PlanStatus = "approved"
	PlanExecuting           PlanStatus = "executing"
	PlanCompleted           PlanStatus = "completed"
	PlanFailed              PlanStatus = "failed"
	PlanCancelled           PlanStatus = "cancelled"
	PlanRolledBack          PlanStatus = "rolled_back"
	PlanCompletedWithErrors PlanStatus = "completed_with_errors"
)

// Plan is the unit of change proposed against one or more devices.
type Plan struct {
	ID        string `gorm:"primaryKey"`
	CreatedBy string
	ToolName  string
	Status    PlanStatus

	DeviceIDsJSON []byte `gorm:"type:jsonb"`
	Summary       string
	ChangesJSON   []byte `gorm:"type:jsonb"` // carries previous_state subtree

	PreCheckStatus   string
	PreCheckWarnings []byte `gorm:"type:jsonb"`
	PreCheckErrors   []byte `gorm:"type:jsonb"`

	ApprovalToken     string
	ApprovalExpiresAt time.Time
	ApprovedBy        string
	ApprovedAt        *time.Time

	BatchSize                  int
	PauseSecondsBetweenBatches int
	RollbackOnFailure          bool

	DeviceStatusesJSON []byte `gorm:"type:jsonb"`

	RiskLevel string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ApprovalRequestStatus string

const (
	ApprovalRequestPending  ApprovalRequestStatus = "pending"
	ApprovalRequestApproved ApprovalRequestStatus = "approved"
	ApprovalRequestRejected ApprovalRequestStatus = "rejected"
)

// ApprovalRequest is the out-of-band human chain-of-custody object for
// professional-tier plans, distinct from the in-plan approval token.
type ApprovalRequest struct {
	ID          string `gorm:"primaryKey"`
	PlanID      string `gorm:"index"`
	Status      ApprovalRequestStatus
	RequestedBy string
	ApprovedBy  string
	Notes       string
	RequestedAt time.Time
	DecidedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobRunning             JobStatus = "running"
	JobSuccess             JobStatus = "success"
	JobFailed              JobStatus = "failed"
	JobRolledBack          JobStatus = "rolled_back"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobCancelled           JobStatus = "cancelled"
)

// Job is one execution attempt of a plan (or a standalone operation).
type Job struct {
	ID      string  `gorm:"primaryKey"`
	PlanID  *string `gorm:"index"`
	JobType string
	Status  JobStatus

	DeviceIDsJSON []byte `gorm:"type:jsonb"`

	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time

	ProgressPercent       int
	CurrentDeviceID       string
	CancellationRequested bool

	ResultSummaryJSON []byte `gorm:"type:jsonb"`
	ErrorMessage      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is a compressed, checksummed capture of a device's config text.
type Snapshot struct {
	ID        string `gorm:"primaryKey"`
	DeviceID  string `gorm:"index"`
	Kind      string
	Timestamp time.Time

	CompressedData []byte

	UncompressedSize int
	CompressedSize   int
	Compression      string
	CompressionLevel int
	Checksum         string
	ChecksumAlgo     string
	Source           string
	Redacted         bool

	CreatedAt time.Time
}

// AuditEvent is an append-only record of every authorization decision and
// state-changing operation.
type AuditEvent struct {
	ID        string    `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`

	ActorSub   string
	ActorEmail string
	ActorRole  string

	DeviceID    string
	Environment string

	Action   string `gorm:"index"`
	ToolName string
	ToolTier string

	PlanID *string
	JobID  *string

	Result       string
	MetadataJSON []byte `gorm:"type:jsonb"`
	ErrorMessage string
}

// NotificationLog records every outbound notification attempt, whether or
// not it actually reached a recipient, so delivery history survives
// process restarts.
type NotificationLog struct {
	ID       string `gorm:"primaryKey"`
	Backend  string
	Template string
	To       string
	Success  bool
	Error    string
	SentAt   time.Time
}

type Role struct {
	Name        string `gorm:"primaryKey"`
	Description string
	Permissions []Permission `gorm:"many2many:role_permissions;"`
}

type Permission struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	ResourceType string
	ResourceID   string // "*" for unscoped
	Action       string
}

// AllModels returns every model for use with gorm AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Device{}, &Credential{}, &Plan{}, &ApprovalRequest{}, &Job{},
		&Snapshot{}, &AuditEvent{}, &NotificationLog{}, &Role{}, &Permission{},
	}
}
