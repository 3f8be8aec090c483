package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"remedyd/internal/evidence"
	"remedyd/internal/notify"
	"remedyd/internal/remediation"
	"remedyd/internal/rollback"
)

type testHarness struct {
	engine   *Engine
	sim      *remediation.Simulator
	ledger   *evidence.Ledger
	recorder *notify.Recorder
	registry *rollback.Registry
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.Default()

	sim := remediation.NewSimulator()
	providers := remediation.SimulatedProviders(sim)

	ledger, err := evidence.NewLedger(evidence.NewMemoryStore(), evidence.DefaultLedgerConfig(), logger)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	executor := remediation.NewExecutor(providers, remediation.NewMemoryRecordStore(), ledger, logger)
	registry := rollback.NewRegistry(rollback.NewCatalogue(providers), ledger, logger)
	coordinator := rollback.NewCoordinator(registry, ledger, logger)

	recorder := notify.NewRecorder("test")
	dispatcher := notify.NewDispatcher(logger, recorder)
	directory := notify.NewStaticDirectory(map[string][]notify.Approver{
		"admin":         {{ID: "u-admin", Email: "admin@example.com", DisplayName: "Admin"}},
		"security-lead": {{ID: "u-lead", Email: "lead@example.com", DisplayName: "Lead"}},
	})

	cfg := DefaultEngineConfig()
	cfg.RetryBackoffUnit = time.Millisecond
	engine := NewEngine(cfg, Deps{
		Executions:  NewMemoryExecutionStore(),
		Approvals:   NewMemoryApprovalStore(),
		Executor:    executor,
		Coordinator: coordinator,
		Directory:   directory,
		Notifier:    dispatcher,
		Ledger:      ledger,
		Publisher:   NewChannelPublisher(64),
		Logger:      logger,
	})

	return &testHarness{
		engine:   engine,
		sim:      sim,
		ledger:   ledger,
		recorder: recorder,
		registry: registry,
	}
}

func responseDefinition() *Definition {
	return &Definition{
		ID:                "credential-response",
		Name:              "Credential compromise response",
		Version:           1,
		RollbackOnFailure: true,
		Steps: []Step{
			{
				ID:   "quarantine",
				Name: "Quarantine source",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionQuarantineIdentity),
					Target:     "203.0.113.5",
				},
				OnFailure: FailRollback,
			},
			{
				ID:   "signoff",
				Name: "Admin sign-off",
				Type: StepTypeApproval,
				Approval: &ApprovalConfig{
					ApproverRole: "admin",
					Required:     1,
					Timeout:      time.Hour,
				},
			},
			{
				ID:   "rotate",
				Name: "Rotate credential",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionRotateCredentials),
					Target:     "svc-deploy",
				},
			},
		},
	}
}

func (h *testHarness) mustRegister(t *testing.T, def *Definition) {
	t.Helper()
	if err := h.engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
}

func (h *testHarness) approvalID(t *testing.T, exec *Execution, stepID string) string {
	t.Helper()
	for _, sr := range exec.StepResults {
		if sr.StepID == stepID {
			if id, ok := sr.Output["approval_id"].(string); ok {
				return id
			}
		}
	}
	t.Fatalf("no approval id on step %s", stepID)
	return ""
}

func (h *testHarness) evidenceCount(t *testing.T, orgID, action string) int {
	t.Helper()
	rows, err := h.ledger.Query(context.Background(), evidence.QueryOptions{OrgID: orgID, Action: action})
	if err != nil {
		t.Fatalf("ledger query: %v", err)
	}
	return len(rows)
}

func TestEndToEndApprovalFlow(t *testing.T) {
	h := newTestHarness(t)
	h.mustRegister(t, responseDefinition())
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, "credential-response", ExecuteOptions{
		OrgID:       "org-1",
		TriggeredBy: "analyst@example.com",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if exec.Status != ExecutionAwaitingApproval {
		t.Fatalf("status = %s, want awaiting-approval", exec.Status)
	}
	if h.sim.Calls("isolation.apply") != 1 {
		t.Fatalf("quarantine calls = %d, want 1", h.sim.Calls("isolation.apply"))
	}
	if h.sim.Calls("credentials.rotate") != 0 {
		t.Fatal("rotation must not run before approval")
	}
	if got := h.evidenceCount(t, "org-1", "remediation.quarantine-identity"); got != 1 {
		t.Fatalf("quarantine evidence rows = %d, want 1", got)
	}

	// The approver role was notified.
	msgs := h.recorder.Messages()
	if len(msgs) == 0 {
		t.Fatal("no approval notification sent")
	}
	found := false
	for _, m := range msgs {
		for _, r := range m.Recipients {
			if r == "admin@example.com" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("admin was not a notification recipient")
	}

	approvalID := h.approvalID(t, exec, "signoff")
	decision, err := h.engine.ProcessApproval(ctx, approvalID, "u-admin", "admin@example.com", true, "looks right")
	if err != nil {
		t.Fatalf("ProcessApproval: %v", err)
	}
	if !decision.WorkflowResumed {
		t.Fatal("workflow should have resumed")
	}

	final, err := h.engine.GetExecution(ctx, exec.ID, "org-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if final.Status != ExecutionCompleted {
		t.Fatalf("final status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if len(final.StepResults) != 3 {
		t.Fatalf("step results = %d, want 3", len(final.StepResults))
	}
	for _, sr := range final.StepResults {
		if sr.Status != StepCompleted {
			t.Fatalf("step %s status = %s, want completed", sr.StepID, sr.Status)
		}
	}
	if h.sim.Calls("credentials.rotate") != 1 {
		t.Fatalf("rotation calls = %d, want 1", h.sim.Calls("credentials.rotate"))
	}
	if got := h.evidenceCount(t, "org-1", "remediation.rotate-credentials"); got != 1 {
		t.Fatalf("rotation evidence rows = %d, want 1", got)
	}

	verification, err := h.ledger.VerifyChain(ctx, "org-1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !verification.IsValid {
		t.Fatalf("chain invalid: %s", verification.BreakDetails)
	}
}

func TestApprovalQuorum(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	def.Steps[1].Approval.Required = 2
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	approvalID := h.approvalID(t, exec, "signoff")

	decision, err := h.engine.ProcessApproval(ctx, approvalID, "u-a", "a@example.com", true, "")
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if decision.WorkflowResumed {
		t.Fatal("quorum of 2 must not resume after 1 approval")
	}
	state, _ := h.engine.GetExecution(ctx, exec.ID, "org-1")
	if state.Status != ExecutionAwaitingApproval {
		t.Fatalf("status after 1 approval = %s, want awaiting-approval", state.Status)
	}

	// The same approver again does not advance the quorum.
	decision, err = h.engine.ProcessApproval(ctx, approvalID, "u-a", "a@example.com", true, "")
	if err != nil {
		t.Fatalf("duplicate approval: %v", err)
	}
	if decision.WorkflowResumed {
		t.Fatal("duplicate approver must not satisfy quorum")
	}

	decision, err = h.engine.ProcessApproval(ctx, approvalID, "u-b", "b@example.com", true, "")
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if !decision.WorkflowResumed {
		t.Fatal("distinct second approver should satisfy quorum")
	}
	state, _ = h.engine.GetExecution(ctx, exec.ID, "org-1")
	if state.Status != ExecutionCompleted {
		t.Fatalf("final status = %s, want completed", state.Status)
	}

	// First transition wins: the approval id is resolved.
	if _, err := h.engine.ProcessApproval(ctx, approvalID, "u-c", "c@example.com", true, ""); !errors.Is(err, ErrApprovalResolved) {
		t.Fatalf("decision on resolved approval err = %v, want ErrApprovalResolved", err)
	}
}

func TestRejectFailsRun(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	def.RollbackOnFailure = false
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	approvalID := h.approvalID(t, exec, "signoff")

	decision, err := h.engine.ProcessApproval(ctx, approvalID, "u-admin", "admin@example.com", false, "wrong target")
	if err != nil {
		t.Fatalf("ProcessApproval: %v", err)
	}
	if decision.WorkflowResumed {
		t.Fatal("rejected run must not resume")
	}

	state, _ := h.engine.GetExecution(ctx, exec.ID, "org-1")
	if state.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if !strings.Contains(state.Error, "rejected") {
		t.Fatalf("error %q should record the rejection", state.Error)
	}
	if h.sim.Calls("credentials.rotate") != 0 {
		t.Fatal("rotation must not run after rejection")
	}
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	// Dry runs do not suspend on executor gates; drop the approval step so
	// the run exercises both actions end to end.
	def.Steps = []Step{def.Steps[0], def.Steps[2]}
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{
		OrgID:       "org-1",
		TriggeredBy: "analyst",
		DryRun:      true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if h.sim.TotalCalls() != 0 {
		t.Fatalf("provider calls = %d, want 0 in dry run", h.sim.TotalCalls())
	}
	if exec.TransactionID != "" {
		t.Fatal("dry run must not open a transaction")
	}
	if got := h.evidenceCount(t, "org-1", "remediation.quarantine-identity"); got != 0 {
		t.Fatalf("dry run wrote %d remediation evidence rows", got)
	}
}

func TestFailureTriggersRollback(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	h.mustRegister(t, def)
	ctx := context.Background()

	h.sim.FailNext("isolation.apply", errors.New("quarantine api 502"))

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionRolledBack {
		t.Fatalf("status = %s, want rolled-back", exec.Status)
	}
	if h.sim.Calls("credentials.rotate") != 0 {
		t.Fatal("rotation must never run in the failure scenario")
	}
	if got := h.evidenceCount(t, "org-1", "workflow.rolled_back"); got != 1 {
		t.Fatalf("rolled_back evidence rows = %d, want 1", got)
	}
	// The failed step completed no work, so no approval was ever requested.
	if got := h.evidenceCount(t, "org-1", "workflow.approval_requested"); got != 0 {
		t.Fatalf("approval_requested evidence rows = %d, want 0", got)
	}
}

func TestRollbackReversesCompletedSteps(t *testing.T) {
	h := newTestHarness(t)
	def := &Definition{
		ID:      "block-then-fail",
		Name:    "Block then fail",
		Version: 1,
		Steps: []Step{
			{
				ID:   "block",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionBlockIP),
					Target:     "198.51.100.7",
				},
			},
			{
				ID:   "revoke",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionRevokeToken),
					Target:     "tok-1",
				},
				OnFailure: FailRollback,
			},
		},
	}
	h.mustRegister(t, def)
	ctx := context.Background()

	h.sim.FailNext("identity.revoke_token", errors.New("idp unavailable"))

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionRolledBack {
		t.Fatalf("status = %s, want rolled-back", exec.Status)
	}
	// The completed block step was compensated.
	if h.sim.Calls("isolation.remove") != 1 {
		t.Fatalf("isolation.remove calls = %d, want 1", h.sim.Calls("isolation.remove"))
	}
	for _, sr := range exec.StepResults {
		if sr.StepID == "block" && sr.Status != StepRolledBack {
			t.Fatalf("block step status = %s, want rolled-back", sr.Status)
		}
	}
}

func TestPartialRollbackReportsFailedCompensation(t *testing.T) {
	h := newTestHarness(t)
	def := &Definition{
		ID:      "block-then-fail",
		Name:    "Block then fail",
		Version: 1,
		Steps: []Step{
			{
				ID:   "block",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionBlockIP),
					Target:     "198.51.100.7",
				},
			},
			{
				ID:   "revoke",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionRevokeToken),
					Target:     "tok-1",
				},
				OnFailure: FailRollback,
			},
		},
	}
	h.mustRegister(t, def)
	ctx := context.Background()

	h.sim.FailNext("identity.revoke_token", errors.New("idp unavailable"))
	h.sim.FailNext("isolation.remove", errors.New("firewall api down"))

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The block compensation failed, so the run stays failed rather than
	// claiming a clean rollback.
	if exec.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	for _, sr := range exec.StepResults {
		if sr.StepID != "block" {
			continue
		}
		if sr.Status == StepRolledBack {
			t.Fatal("block step marked rolled-back although its compensation failed")
		}
		if !strings.Contains(sr.Error, "rollback failed") {
			t.Fatalf("block step error = %q, want the compensation failure recorded", sr.Error)
		}
	}
	// The compensation attempt itself is still on the ledger.
	if got := h.evidenceCount(t, "org-1", "rollback."+string(remediation.ActionBlockIP)); got != 1 {
		t.Fatalf("rollback evidence rows = %d, want 1", got)
	}
}

func TestContinuePolicySkipsFailure(t *testing.T) {
	h := newTestHarness(t)
	def := &Definition{
		ID:      "continue-policy",
		Name:    "Continue past failure",
		Version: 1,
		Steps: []Step{
			{
				ID:        "block",
				Type:      StepTypeAction,
				OnFailure: FailContinue,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionBlockIP),
					Target:     "198.51.100.7",
				},
			},
			{
				ID:   "ticket",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionCreateTicket),
					Target:     "soc-queue",
				},
			},
		},
	}
	h.mustRegister(t, def)
	ctx := context.Background()

	h.sim.FailNext("isolation.apply", errors.New("firewall down"))

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if exec.StepResults[0].Status != StepFailed {
		t.Fatalf("block step status = %s, want failed", exec.StepResults[0].Status)
	}
	if h.sim.Calls("ticketing.create") != 1 {
		t.Fatalf("ticket calls = %d, want 1", h.sim.Calls("ticketing.create"))
	}
}

func TestRetryWithBackoff(t *testing.T) {
	h := newTestHarness(t)
	def := &Definition{
		ID:      "retry-block",
		Name:    "Retry block",
		Version: 1,
		Steps: []Step{
			{
				ID:         "block",
				Type:       StepTypeAction,
				RetryCount: 2,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionBlockIP),
					Target:     "198.51.100.7",
				},
			},
		},
	}
	h.mustRegister(t, def)
	ctx := context.Background()

	h.sim.FailNext("isolation.apply", errors.New("transient"))

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed after retry", exec.Status)
	}
	if exec.StepResults[0].Retries != 1 {
		t.Fatalf("retries = %d, want 1", exec.StepResults[0].Retries)
	}
	if h.sim.Calls("isolation.apply") != 2 {
		t.Fatalf("isolation.apply calls = %d, want 2", h.sim.Calls("isolation.apply"))
	}
}

func TestConditionBranching(t *testing.T) {
	h := newTestHarness(t)
	def := &Definition{
		ID:      "severity-branch",
		Name:    "Severity branch",
		Version: 1,
		Steps: []Step{
			{
				ID:   "check",
				Type: StepTypeCondition,
				Condition: &ConditionConfig{
					Expression: "severity == 'critical'",
					TrueStep:   "isolate",
					FalseStep:  "ticket",
				},
			},
			{
				ID:   "ticket",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionCreateTicket),
					Target:     "soc-queue",
				},
			},
			{
				ID:   "isolate",
				Type: StepTypeAction,
				Action: &ActionConfig{
					ActionType: string(remediation.ActionBlockIP),
					Target:     "198.51.100.7",
				},
			},
		},
	}
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{
		OrgID:       "org-1",
		TriggeredBy: "analyst",
		Context:     map[string]interface{}{"severity": "critical"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if h.sim.Calls("ticketing.create") != 0 {
		t.Fatal("false branch must be skipped when the condition holds")
	}
	if h.sim.Calls("isolation.apply") != 1 {
		t.Fatalf("isolation.apply calls = %d, want 1", h.sim.Calls("isolation.apply"))
	}
}

func TestParallelFanOut(t *testing.T) {
	h := newTestHarness(t)
	def := &Definition{
		ID:      "parallel-containment",
		Name:    "Parallel containment",
		Version: 1,
		Steps: []Step{
			{
				ID:   "contain",
				Type: StepTypeParallel,
				Parallel: &ParallelConfig{
					Steps: []Step{
						{
							ID:   "block",
							Type: StepTypeAction,
							Action: &ActionConfig{
								ActionType: string(remediation.ActionBlockIP),
								Target:     "198.51.100.7",
							},
						},
						{
							ID:   "ticket",
							Type: StepTypeAction,
							Action: &ActionConfig{
								ActionType: string(remediation.ActionCreateTicket),
								Target:     "soc-queue",
							},
						},
					},
				},
			},
		},
	}
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if h.sim.Calls("isolation.apply") != 1 || h.sim.Calls("ticketing.create") != 1 {
		t.Fatalf("branch calls = %d/%d, want 1/1",
			h.sim.Calls("isolation.apply"), h.sim.Calls("ticketing.create"))
	}
}

func TestCancellationPurgesApprovals(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	approvalID := h.approvalID(t, exec, "signoff")

	ok, err := h.engine.Cancel(ctx, exec.ID, "u-admin", "false positive")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("cancel of a suspended run should succeed")
	}

	state, _ := h.engine.GetExecution(ctx, exec.ID, "org-1")
	if state.Status != ExecutionCancelled {
		t.Fatalf("status = %s, want cancelled", state.Status)
	}
	// Completed steps stay as they are; cancellation never rolls back.
	if h.sim.Calls("isolation.remove") != 0 {
		t.Fatal("cancellation must not trigger compensation")
	}
	if _, err := h.engine.ProcessApproval(ctx, approvalID, "u-admin", "admin@example.com", true, ""); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("decision on purged approval err = %v, want ErrApprovalNotFound", err)
	}

	// Cancelling a terminal run reports false.
	ok, err = h.engine.Cancel(ctx, exec.ID, "u-admin", "again")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ok {
		t.Fatal("cancel of a terminal run should report false")
	}
}

func TestQueuedCancelConsumedOnPartialQuorum(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	def.Steps[1].Approval.Required = 2
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	approvalID := h.approvalID(t, exec, "signoff")

	// Hold the run lock the way a concurrent decision would, so the cancel
	// has to queue instead of finalizing directly.
	lock := h.engine.runLock(exec.ID)
	lock.Lock()
	ok, err := h.engine.Cancel(ctx, exec.ID, "u-admin", "false positive")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("cancel should queue while the run is busy")
	}
	lock.Unlock()

	// One approval of two: the run does not resume, but the queued cancel
	// must still land instead of leaving the run suspended.
	decision, err := h.engine.ProcessApproval(ctx, approvalID, "u-admin", "admin@example.com", true, "")
	if err != nil {
		t.Fatalf("ProcessApproval: %v", err)
	}
	if decision.WorkflowResumed {
		t.Fatal("one of two approvals must not resume the run")
	}

	state, _ := h.engine.GetExecution(ctx, exec.ID, "org-1")
	if state.Status != ExecutionCancelled {
		t.Fatalf("status = %s, want cancelled", state.Status)
	}
	if got := h.evidenceCount(t, "org-1", "workflow.cancelled"); got != 1 {
		t.Fatalf("cancelled evidence rows = %d, want 1", got)
	}
	h.engine.cancelMu.Lock()
	pending := len(h.engine.cancelRequested)
	h.engine.cancelMu.Unlock()
	if pending != 0 {
		t.Fatalf("cancel requests left queued = %d, want 0", pending)
	}
}

func TestTerminalRunReleasesCancelBookkeeping(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	def.Steps = []Step{def.Steps[0], def.Steps[2]}
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if _, ok := h.engine.runLocks.Load(exec.ID); ok {
		t.Fatal("run lock entry not released after the run finished")
	}
	h.engine.cancelMu.Lock()
	_, flagged := h.engine.cancelRequested[exec.ID]
	h.engine.cancelMu.Unlock()
	if flagged {
		t.Fatal("cancel flag entry not released after the run finished")
	}
}

func TestApprovalExpirySweep(t *testing.T) {
	h := newTestHarness(t)
	def := responseDefinition()
	def.RollbackOnFailure = false
	def.Steps[1].Approval.Timeout = time.Millisecond
	h.mustRegister(t, def)
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, def.ID, ExecuteOptions{OrgID: "org-1", TriggeredBy: "analyst"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	before := len(h.recorder.Messages())

	if expired := h.engine.SweepApprovals(ctx); expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	state, _ := h.engine.GetExecution(ctx, exec.ID, "org-1")
	if state.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if state.Error != "approval timeout expired" {
		t.Fatalf("error = %q, want approval timeout expired", state.Error)
	}

	// Escalation notified both the approver role and the escalation target.
	msgs := h.recorder.Messages()[before:]
	if len(msgs) < 2 {
		t.Fatalf("escalation messages = %d, want at least 2", len(msgs))
	}
	leadNotified := false
	for _, m := range msgs {
		for _, r := range m.Recipients {
			if r == "lead@example.com" {
				leadNotified = true
			}
		}
	}
	if !leadNotified {
		t.Fatal("escalation target was not notified")
	}

	// The sweep resolved the approval; a late decision is refused.
	approvalID := h.approvalID(t, exec, "signoff")
	if _, err := h.engine.ProcessApproval(ctx, approvalID, "u-admin", "admin@example.com", true, ""); err == nil {
		t.Fatal("decision on expired approval should fail")
	}
}
