package workflow

import (
	"context"

	"remedyd/internal/evidence"
	"remedyd/internal/rollback"
)

// Service is the surface the surrounding application wires HTTP controllers
// to. It composes the engine with the ledger and rollback machinery.
type Service struct {
	engine      *Engine
	ledger      *evidence.Ledger
	registry    *rollback.Registry
	coordinator *rollback.Coordinator
}

// NewService creates the facade.
func NewService(engine *Engine, ledger *evidence.Ledger, registry *rollback.Registry, coordinator *rollback.Coordinator) *Service {
	return &Service{
		engine:      engine,
		ledger:      ledger,
		registry:    registry,
		coordinator: coordinator,
	}
}

// Engine exposes the underlying engine for definition registration.
func (s *Service) Engine() *Engine {
	return s.engine
}

// ExecuteWorkflow starts a run of a registered definition.
func (s *Service) ExecuteWorkflow(ctx context.Context, workflowID string, opts ExecuteOptions) (*Execution, error) {
	return s.engine.Execute(ctx, workflowID, opts)
}

// ProcessApproval records one approver's decision.
func (s *Service) ProcessApproval(ctx context.Context, approvalID, approverID, approverEmail string, approved bool, comment string) (*Decision, error) {
	return s.engine.ProcessApproval(ctx, approvalID, approverID, approverEmail, approved, comment)
}

// CancelExecution stops a run without rolling back completed steps.
func (s *Service) CancelExecution(ctx context.Context, executionID, userID, reason string) (bool, error) {
	return s.engine.Cancel(ctx, executionID, userID, reason)
}

// GetExecutionStatus returns a run scoped to an organization.
func (s *Service) GetExecutionStatus(ctx context.Context, executionID, orgID string) (*Execution, error) {
	return s.engine.GetExecution(ctx, executionID, orgID)
}

// VerifyChain walks an organization's evidence chain.
func (s *Service) VerifyChain(ctx context.Context, orgID string) (*evidence.ChainVerificationResult, error) {
	return s.ledger.VerifyChain(ctx, orgID)
}

// ExecuteRollback runs one registered compensation.
func (s *Service) ExecuteRollback(ctx context.Context, rollbackID string) (*rollback.Result, error) {
	return s.registry.Execute(ctx, rollbackID)
}

// RollbackTransaction reverses a whole transaction in reverse registration
// order.
func (s *Service) RollbackTransaction(ctx context.Context, transactionID string) (*rollback.TxResult, error) {
	return s.coordinator.Rollback(ctx, transactionID)
}
