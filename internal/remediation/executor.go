package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"remedyd/internal/evidence"

	"github.com/google/uuid"
)

// Executor performs remediation actions through the configured providers.
// Results are always structured; errors from external systems are captured
// on the result, never returned.
type Executor struct {
	providers Providers
	records   RecordStore
	ledger    *evidence.Ledger
	logger    *slog.Logger
}

// NewExecutor creates an executor. The ledger may be nil; evidence appends
// are best-effort either way.
func NewExecutor(providers Providers, records RecordStore, ledger *evidence.Ledger, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if records == nil {
		records = NewMemoryRecordStore()
	}
	return &Executor{
		providers: providers,
		records:   records,
		ledger:    ledger,
		logger:    logger.With("component", "executor"),
	}
}

// Execute runs one action and returns its structured result.
func (ex *Executor) Execute(ctx context.Context, action *Action, execCtx Context) *ExecutionResult {
	started := time.Now()

	if err := ValidateAction(action); err != nil {
		code := CodeValidation
		if errors.Is(err, ErrUnsupportedActionType) {
			code = CodeUnsupportedType
		}
		return ex.finish(ctx, action, execCtx, &ExecutionResult{
			Success:   false,
			Status:    StatusFailed,
			Message:   err.Error(),
			ErrorCode: code,
		}, started)
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}

	// Approval gate: high blast radius or an explicit flag requires a human
	// decision before anything touches an external system. Dry runs and runs
	// whose approval gate is already satisfied pass through.
	if !execCtx.DryRun && !execCtx.Approved {
		radius := action.EffectiveBlastRadius()
		if action.RequiresApproval || radius == BlastHigh || radius == BlastCritical {
			return ex.finish(ctx, action, execCtx, &ExecutionResult{
				Success: false,
				Status:  StatusRequiresApproval,
				Message: fmt.Sprintf("action %s on %s requires approval (blast radius %s)", action.Type, action.Target, radius),
				Details: map[string]interface{}{
					"blast_radius":      string(radius),
					"requires_approval": action.RequiresApproval,
				},
			}, started)
		}
	}

	if execCtx.DryRun {
		return ex.finish(ctx, action, execCtx, &ExecutionResult{
			Success: true,
			Status:  StatusDryRun,
			Message: fmt.Sprintf("dry run: would execute %s on %s", action.Type, action.Target),
			Details: map[string]interface{}{
				"target":     action.Target,
				"parameters": action.Parameters,
			},
		}, started)
	}

	result := ex.dispatch(ctx, action)
	return ex.finish(ctx, action, execCtx, result, started)
}

// ExecuteMany runs actions sequentially. A failed action with blast radius
// critical halts the remaining batch; lower-radius failures do not.
func (ex *Executor) ExecuteMany(ctx context.Context, actions []*Action, execCtx Context) []*ExecutionResult {
	results := make([]*ExecutionResult, 0, len(actions))
	for _, action := range actions {
		res := ex.Execute(ctx, action, execCtx)
		results = append(results, res)

		if !res.Success && res.Status == StatusFailed && action.EffectiveBlastRadius() == BlastCritical {
			ex.logger.Warn("critical action failed, halting batch",
				"action_type", action.Type,
				"target", action.Target,
				"completed", len(results),
				"remaining", len(actions)-len(results))
			break
		}
	}
	return results
}

// dispatch maps the action type to its external-system call.
func (ex *Executor) dispatch(ctx context.Context, action *Action) *ExecutionResult {
	switch action.Type {
	case ActionRotateCredentials:
		return ex.rotateCredentials(ctx, action)
	case ActionQuarantineIdentity, ActionBlockIP:
		return ex.applyNetworkBlock(ctx, action)
	case ActionRevokeToken:
		return ex.revokeToken(ctx, action)
	case ActionDisableUser:
		return ex.disableUser(ctx, action)
	case ActionIsolateInstance, ActionSnapshotVolume, ActionModifySecurityGroup, ActionUpdateIAMPolicy:
		return ex.applyCloudIsolation(ctx, action)
	case ActionNotify:
		return ex.notify(ctx, action)
	case ActionCreateTicket:
		return ex.createTicket(ctx, action)
	case ActionTriggerWebhook:
		return ex.triggerWebhook(ctx, action)
	default:
		return &ExecutionResult{
			Success:   false,
			Status:    StatusFailed,
			Message:   fmt.Sprintf("no executor for action type %q", action.Type),
			ErrorCode: CodeUnsupportedType,
		}
	}
}

func (ex *Executor) rotateCredentials(ctx context.Context, action *Action) *ExecutionResult {
	if ex.providers.Credentials == nil {
		return providerMissing(action)
	}

	rotation, err := ex.providers.Credentials.Rotate(ctx, action.Target, action.Parameters)
	if err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success: true,
		Status:  StatusCompleted,
		Message: fmt.Sprintf("rotated credentials for %s", action.Target),
		Details: map[string]interface{}{
			"new_credential_id": rotation.NewCredentialID,
		},
		RollbackPossible: true,
		RollbackData: map[string]interface{}{
			RollbackKeyNewCredentialID: rotation.NewCredentialID,
			RollbackKeyOldCredentialID: rotation.OldCredentialID,
		},
	}
}

func (ex *Executor) applyNetworkBlock(ctx context.Context, action *Action) *ExecutionResult {
	if ex.providers.Network == nil {
		return providerMissing(action)
	}

	reason := stringParam(action.Parameters, "reason", "automated remediation")
	ruleID, err := ex.providers.Network.Apply(ctx, action.Target, reason)
	if err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success: true,
		Status:  StatusCompleted,
		Message: fmt.Sprintf("applied block rule for %s", action.Target),
		Details: map[string]interface{}{
			"rule_id": ruleID,
		},
		RollbackPossible: true,
		RollbackData: map[string]interface{}{
			RollbackKeyRuleID: ruleID,
		},
	}
}

func (ex *Executor) revokeToken(ctx context.Context, action *Action) *ExecutionResult {
	if ex.providers.Identity == nil {
		return providerMissing(action)
	}

	previous, err := ex.providers.Identity.RevokeToken(ctx, action.Target)
	if err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success: true,
		Status:  StatusCompleted,
		Message: fmt.Sprintf("revoked token %s", action.Target),
		Details: map[string]interface{}{
			"previous_status": previous,
		},
		RollbackPossible: true,
		RollbackData: map[string]interface{}{
			RollbackKeyPreviousStatus: previous,
		},
	}
}

func (ex *Executor) disableUser(ctx context.Context, action *Action) *ExecutionResult {
	if ex.providers.Identity == nil {
		return providerMissing(action)
	}

	previous, err := ex.providers.Identity.SetUserStatus(ctx, action.Target, "disabled")
	if err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success: true,
		Status:  StatusCompleted,
		Message: fmt.Sprintf("disabled user %s", action.Target),
		Details: map[string]interface{}{
			"previous_status": previous,
		},
		RollbackPossible: true,
		RollbackData: map[string]interface{}{
			RollbackKeyPreviousStatus: previous,
		},
	}
}

func (ex *Executor) applyCloudIsolation(ctx context.Context, action *Action) *ExecutionResult {
	api, ok := ex.providers.Cloud[action.Type]
	if !ok || api == nil {
		return providerMissing(action)
	}

	reason := stringParam(action.Parameters, "reason", "automated remediation")
	identifier, err := api.Apply(ctx, action.Target, reason)
	if err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success: true,
		Status:  StatusCompleted,
		Message: fmt.Sprintf("applied %s to %s", action.Type, action.Target),
		Details: map[string]interface{}{
			"identifier": identifier,
			"provider":   action.CloudProvider,
		},
		RollbackPossible: true,
		RollbackData: map[string]interface{}{
			RollbackKeyIdentifier: identifier,
			RollbackKeyProvider:   action.CloudProvider,
		},
	}
}

func (ex *Executor) notify(ctx context.Context, action *Action) *ExecutionResult {
	if ex.providers.Notifier == nil {
		return providerMissing(action)
	}

	message := stringParam(action.Parameters, "message", "remediation notification")
	if err := ex.providers.Notifier.Notify(ctx, action.Target, message, action.Parameters); err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success:          true,
		Status:           StatusCompleted,
		Message:          fmt.Sprintf("notified %s", action.Target),
		RollbackPossible: false,
	}
}

func (ex *Executor) createTicket(ctx context.Context, action *Action) *ExecutionResult {
	if ex.providers.Ticketing == nil {
		return providerMissing(action)
	}

	ticketID, err := ex.providers.Ticketing.CreateTicket(ctx, action.Target, action.Parameters)
	if err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success: true,
		Status:  StatusCompleted,
		Message: fmt.Sprintf("created ticket %s", ticketID),
		Details: map[string]interface{}{
			"ticket_id": ticketID,
		},
		RollbackPossible: false,
	}
}

func (ex *Executor) triggerWebhook(ctx context.Context, action *Action) *ExecutionResult {
	if ex.providers.Webhooks == nil {
		return providerMissing(action)
	}

	if err := ex.providers.Webhooks.Trigger(ctx, action.Target, action.Parameters); err != nil {
		return externalFailure(action, err)
	}

	return &ExecutionResult{
		Success:          true,
		Status:           StatusCompleted,
		Message:          fmt.Sprintf("triggered webhook %s", action.Target),
		RollbackPossible: false,
	}
}

// finish stamps common result fields, persists the execution record, and
// appends evidence of real executions.
func (ex *Executor) finish(ctx context.Context, action *Action, execCtx Context, result *ExecutionResult, started time.Time) *ExecutionResult {
	result.ActionID = action.ID
	result.ActionType = action.Type
	result.Elapsed = time.Since(started)

	rec := &ExecutionRecord{
		ID:          uuid.NewString(),
		OrgID:       execCtx.OrgID,
		ActionID:    action.ID,
		ActionType:  action.Type,
		Target:      action.Target,
		Status:      result.Status,
		Success:     result.Success,
		Message:     result.Message,
		ErrorCode:   result.ErrorCode,
		DryRun:      execCtx.DryRun,
		ExecutionID: execCtx.ExecutionID,
		WorkflowID:  execCtx.WorkflowID,
		Elapsed:     result.Elapsed,
		ExecutedAt:  time.Now().UTC(),
	}
	if err := ex.records.Save(ctx, rec); err != nil {
		ex.logger.Warn("failed to save execution record",
			"action_id", action.ID, "error", err)
	}

	// Dry runs and refused attempts touch nothing external; only real
	// executions (success or failure) enter the evidence chain here.
	if ex.ledger != nil && result.Status != StatusDryRun && result.Status != StatusRequiresApproval {
		ex.ledger.Record(ctx, &evidence.Entry{
			OrgID:        execCtx.OrgID,
			Actor:        execCtx.TriggeredBy,
			Action:       "remediation." + string(action.Type),
			ResourceType: "remediation_target",
			ResourceID:   action.Target,
			Payload: map[string]interface{}{
				"action_id":    action.ID,
				"status":       string(result.Status),
				"success":      result.Success,
				"message":      result.Message,
				"execution_id": execCtx.ExecutionID,
				"workflow_id":  execCtx.WorkflowID,
			},
		})
	}

	ex.logger.Info("action executed",
		"action_type", action.Type,
		"target", action.Target,
		"status", result.Status,
		"success", result.Success,
		"elapsed", result.Elapsed)

	return result
}

func providerMissing(action *Action) *ExecutionResult {
	return &ExecutionResult{
		Success:   false,
		Status:    StatusFailed,
		Message:   fmt.Sprintf("no provider configured for action type %s", action.Type),
		ErrorCode: CodeUnsupportedType,
	}
}

func externalFailure(action *Action, err error) *ExecutionResult {
	return &ExecutionResult{
		Success:   false,
		Status:    StatusFailed,
		Message:   fmt.Sprintf("%s on %s failed: %v", action.Type, action.Target, err),
		ErrorCode: CodeExternalFailure,
	}
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
