// Package remediation executes atomic remediation actions against external
// systems. Each action maps to exactly one external-system call; mutating
// actions return rollback data sufficient to reverse them.
package remediation

import "time"

// ActionType is the closed set of supported remediation actions.
type ActionType string

const (
	ActionRotateCredentials   ActionType = "rotate-credentials"
	ActionQuarantineIdentity  ActionType = "quarantine-identity"
	ActionBlockIP             ActionType = "block-ip"
	ActionRevokeToken         ActionType = "revoke-token"
	ActionDisableUser         ActionType = "disable-user"
	ActionIsolateInstance     ActionType = "isolate-instance"
	ActionSnapshotVolume      ActionType = "snapshot-volume"
	ActionModifySecurityGroup ActionType = "modify-security-group"
	ActionUpdateIAMPolicy     ActionType = "update-iam-policy"
	ActionNotify              ActionType = "notify"
	ActionCreateTicket        ActionType = "create-ticket"
	ActionTriggerWebhook      ActionType = "trigger-webhook"
)

// ActionTypes lists every supported action type.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionRotateCredentials,
		ActionQuarantineIdentity,
		ActionBlockIP,
		ActionRevokeToken,
		ActionDisableUser,
		ActionIsolateInstance,
		ActionSnapshotVolume,
		ActionModifySecurityGroup,
		ActionUpdateIAMPolicy,
		ActionNotify,
		ActionCreateTicket,
		ActionTriggerWebhook,
	}
}

// BlastRadius ranks how much damage an action could cause if wrong.
type BlastRadius string

const (
	BlastLow      BlastRadius = "low"
	BlastMedium   BlastRadius = "medium"
	BlastHigh     BlastRadius = "high"
	BlastCritical BlastRadius = "critical"
)

// DefaultBlastRadius returns the rank assumed when an action does not set one.
func DefaultBlastRadius(t ActionType) BlastRadius {
	switch t {
	case ActionNotify, ActionCreateTicket, ActionTriggerWebhook, ActionSnapshotVolume:
		return BlastLow
	case ActionQuarantineIdentity, ActionBlockIP, ActionRevokeToken:
		return BlastMedium
	case ActionRotateCredentials, ActionDisableUser, ActionModifySecurityGroup, ActionUpdateIAMPolicy:
		return BlastHigh
	case ActionIsolateInstance:
		return BlastCritical
	default:
		return BlastHigh
	}
}

// Action is one remediation action request.
type Action struct {
	ID               string                 `json:"id" yaml:"id"`
	Type             ActionType             `json:"type" yaml:"type" validate:"required"`
	Target           string                 `json:"target" yaml:"target" validate:"required"`
	Parameters       map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	CloudProvider    string                 `json:"cloud_provider,omitempty" yaml:"cloud_provider,omitempty"`
	RequiresApproval bool                   `json:"requires_approval" yaml:"requires_approval"`
	BlastRadius      BlastRadius            `json:"blast_radius,omitempty" yaml:"blast_radius,omitempty" validate:"omitempty,oneof=low medium high critical"`
}

// EffectiveBlastRadius returns the explicit rank, or the per-type default.
func (a *Action) EffectiveBlastRadius() BlastRadius {
	if a.BlastRadius != "" {
		return a.BlastRadius
	}
	return DefaultBlastRadius(a.Type)
}

// ExecutionStatus is the outcome status of one execution attempt.
type ExecutionStatus string

const (
	StatusCompleted        ExecutionStatus = "completed"
	StatusFailed           ExecutionStatus = "failed"
	StatusDryRun           ExecutionStatus = "dry-run"
	StatusRequiresApproval ExecutionStatus = "requires-approval"
)

// Error codes carried on failed results.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeExternalFailure = "EXTERNAL_FAILURE"
	CodeUnsupportedType = "UNSUPPORTED_ACTION_TYPE"
)

// ExecutionResult is the structured outcome of one action. Failures are
// captured here, never propagated past the executor boundary.
type ExecutionResult struct {
	ActionID         string                 `json:"action_id"`
	ActionType       ActionType             `json:"action_type"`
	Success          bool                   `json:"success"`
	Status           ExecutionStatus        `json:"status"`
	Message          string                 `json:"message"`
	Details          map[string]interface{} `json:"details,omitempty"`
	RollbackPossible bool                   `json:"rollback_possible"`
	RollbackData     map[string]interface{} `json:"rollback_data,omitempty"`
	Elapsed          time.Duration          `json:"elapsed"`
	ErrorCode        string                 `json:"error_code,omitempty"`
}

// Context carries per-execution settings into the executor.
type Context struct {
	OrgID       string
	TriggeredBy string
	ExecutionID string
	WorkflowID  string

	// DryRun simulates every action without external side effects.
	DryRun bool

	// Approved marks that a human approval gate has already been satisfied
	// for this run; the executor's blast-radius gate is bypassed.
	Approved bool
}

// Rollback data keys written by the executor and read by the rollback
// registry's compensation catalogue.
const (
	RollbackKeyNewCredentialID = "new_credential_id"
	RollbackKeyOldCredentialID = "old_credential_id"
	RollbackKeyRuleID          = "rule_id"
	RollbackKeyPreviousStatus  = "previous_status"
	RollbackKeyIdentifier      = "identifier"
	RollbackKeyProvider        = "provider"
)
