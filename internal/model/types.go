package model

import "time"

type SandboxStatus string

const (
	SandboxStatusCreating    SandboxStatus = "creating"
	SandboxStatusRunning     SandboxStatus = "running"
	SandboxStatusSnapshotted SandboxStatus = "snapshotted"
	SandboxStatusDestroyed   SandboxStatus = "destroyed"
	SandboxStatusUnknown     SandboxStatus = "unknown"
)

type SandboxKind string

const (
	SandboxKindBase      SandboxKind = "base"
	SandboxKindEphemeral SandboxKind = "ephemeral"
	SandboxKindRestored  SandboxKind = "restored"
)

// SandboxRecord is the in-process bookkeeping entry for one live container.
// Records are rebuilt from container labels on restart and are not persisted.
type SandboxRecord struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Kind        SandboxKind   `json:"kind"`
	Image       string        `json:"image"`
	CPULimit    float64       `json:"cpu_limit"`
	MemoryLimit int64         `json:"memory_limit"`
	NetworkName string        `json:"network_name"`
	Status      SandboxStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ExecutionResult captures the outcome of one exec call. Immutable.
type ExecutionResult struct {
	Success     bool          `json:"success"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration_ns"`
	Timestamp   time.Time     `json:"timestamp"`
	ContainerID string        `json:"container_id"`
	TimedOut    bool          `json:"timed_out"`
}

type ThreatKind string

const (
	ThreatNone       ThreatKind = "none"
	ThreatSuspicious ThreatKind = "suspicious"
	ThreatBreakout   ThreatKind = "breakout"
)

type AuditAction string

const (
	ActionMonitored AuditAction = "monitored"
	ActionFlagged   AuditAction = "flagged"
	ActionBlocked   AuditAction = "blocked"
)

// SecurityEvent is one row of the append-only audit trail of record.
type SecurityEvent struct {
	ID          int64       `json:"id,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	UserID      string      `json:"user_id"`
	ContainerID string      `json:"container_id,omitempty"`
	Command     string      `json:"command"`
	ThreatKind  ThreatKind  `json:"threat_kind"`
	Action      AuditAction `json:"action"`
	Detail      string      `json:"detail,omitempty"`
}

// NetworkRecord describes one virtual network owned by the isolation manager.
type NetworkRecord struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Subnet     string   `json:"subnet"`
	Internal   bool     `json:"internal"`
	Containers []string `json:"attached_container_ids"`
}

// TargetSpec describes one training target container to provision.
type TargetSpec struct {
	Name  string            `json:"name"`
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
	IP    string            `json:"ip,omitempty"`
}

// ResourceMetrics is a point-in-time usage sample for one container.
type ResourceMetrics struct {
	ContainerID   string    `json:"container_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsage   int64     `json:"memory_usage_bytes"`
	MemoryLimit   int64     `json:"memory_limit_bytes"`
	MemoryPercent float64   `json:"memory_percent"`
	PIDs          int64     `json:"pids"`
	SampledAt     time.Time `json:"sampled_at"`
}

// SecurityReport aggregates the audit trail for operators.
type SecurityReport struct {
	TotalEvents   int64            `json:"total_events"`
	ThreatsByKind map[string]int64 `json:"threats_by_kind"`
	BlockedUsers  []string         `json:"blocked_users"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

type ExecuteRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Command     string `json:"command" binding:"required"`
	ContainerID string `json:"container_id"`
	Timeout     int    `json:"timeout"`
}

type CreateSandboxRequest struct {
	SessionID   string  `json:"session_id" binding:"required"`
	CPULimit    float64 `json:"cpu_limit"`
	MemoryLimit int64   `json:"memory_limit"`
	Isolated    bool    `json:"isolated"`
}

type SnapshotRequest struct {
	Name string `json:"name"`
}

type RestoreRequest struct {
	ImageID   string `json:"image_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

type ProvisionTargetsRequest struct {
	NetworkName string       `json:"network_name"`
	Targets     []TargetSpec `json:"targets" binding:"required"`
}

type SandboxListResponse struct {
	Items []SandboxRecord `json:"items"`
}

type NetworkListResponse struct {
	Items []NetworkRecord `json:"items"`
}

type AuditLogResponse struct {
	Items []SecurityEvent `json:"items"`
}
