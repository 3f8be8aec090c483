package remediation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func newTestExecutor(t *testing.T) (*Executor, *Simulator, *MemoryRecordStore) {
	t.Helper()
	sim := NewSimulator()
	records := NewMemoryRecordStore()
	ex := NewExecutor(SimulatedProviders(sim), records, nil, slog.Default())
	return ex, sim, records
}

func TestExecuteBlockIP(t *testing.T) {
	ex, sim, _ := newTestExecutor(t)

	res := ex.Execute(context.Background(), &Action{
		Type:   ActionBlockIP,
		Target: "203.0.113.5",
	}, Context{OrgID: "org-1", TriggeredBy: "analyst"})

	if !res.Success || res.Status != StatusCompleted {
		t.Fatalf("result = %+v", res)
	}
	if !res.RollbackPossible {
		t.Fatal("block-ip should be reversible")
	}
	ruleID, ok := res.RollbackData[RollbackKeyRuleID].(string)
	if !ok || ruleID == "" {
		t.Fatalf("rollback data missing rule id: %+v", res.RollbackData)
	}
	if !sim.HasRule(ruleID) {
		t.Fatal("rule id not applied on the provider")
	}
}

func TestExecuteRotateCapturesBothCredentialIDs(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	res := ex.Execute(context.Background(), &Action{
		Type:   ActionRotateCredentials,
		Target: "svc-deploy",
	}, Context{OrgID: "org-1", Approved: true})

	if !res.Success {
		t.Fatalf("rotate failed: %s", res.Message)
	}
	if res.RollbackData[RollbackKeyNewCredentialID] == "" || res.RollbackData[RollbackKeyOldCredentialID] == "" {
		t.Fatalf("rollback data incomplete: %+v", res.RollbackData)
	}
}

func TestValidationRejectsBeforeSideEffects(t *testing.T) {
	ex, sim, _ := newTestExecutor(t)

	res := ex.Execute(context.Background(), &Action{
		Type: ActionBlockIP,
		// Target missing.
	}, Context{OrgID: "org-1"})

	if res.Success || res.ErrorCode != CodeValidation {
		t.Fatalf("result = %+v, want validation failure", res)
	}
	if sim.TotalCalls() != 0 {
		t.Fatal("validation failure must not reach a provider")
	}

	res = ex.Execute(context.Background(), &Action{
		Type:   "erase-backups",
		Target: "x",
	}, Context{OrgID: "org-1"})
	if res.ErrorCode != CodeUnsupportedType {
		t.Fatalf("unknown type error code = %s, want %s", res.ErrorCode, CodeUnsupportedType)
	}
	if sim.TotalCalls() != 0 {
		t.Fatal("unknown type must not reach a provider")
	}
}

func TestApprovalGate(t *testing.T) {
	ex, sim, _ := newTestExecutor(t)
	ctx := context.Background()

	// High blast radius by default.
	res := ex.Execute(ctx, &Action{
		Type:   ActionRotateCredentials,
		Target: "svc-deploy",
	}, Context{OrgID: "org-1"})
	if res.Status != StatusRequiresApproval {
		t.Fatalf("status = %s, want requires-approval", res.Status)
	}
	if sim.TotalCalls() != 0 {
		t.Fatal("refused action must have no side effect")
	}

	// Explicit flag on a low-radius action.
	res = ex.Execute(ctx, &Action{
		Type:             ActionCreateTicket,
		Target:           "soc-queue",
		RequiresApproval: true,
	}, Context{OrgID: "org-1"})
	if res.Status != StatusRequiresApproval {
		t.Fatalf("status = %s, want requires-approval", res.Status)
	}

	// A satisfied gate passes.
	res = ex.Execute(ctx, &Action{
		Type:   ActionRotateCredentials,
		Target: "svc-deploy",
	}, Context{OrgID: "org-1", Approved: true})
	if !res.Success {
		t.Fatalf("approved action failed: %s", res.Message)
	}
	if sim.Calls("credentials.rotate") != 1 {
		t.Fatalf("rotate calls = %d, want 1", sim.Calls("credentials.rotate"))
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	ex, sim, records := newTestExecutor(t)

	res := ex.Execute(context.Background(), &Action{
		Type:   ActionIsolateInstance,
		Target: "i-0abc",
	}, Context{OrgID: "org-1", DryRun: true})

	if !res.Success || res.Status != StatusDryRun {
		t.Fatalf("result = %+v", res)
	}
	if sim.TotalCalls() != 0 {
		t.Fatalf("provider calls = %d, want 0", sim.TotalCalls())
	}

	// The attempt is still recorded for operators.
	recs, err := records.Query(context.Background(), RecordQuery{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || !recs[0].DryRun {
		t.Fatalf("records = %+v", recs)
	}
}

func TestExternalFailureIsCaptured(t *testing.T) {
	ex, sim, _ := newTestExecutor(t)
	sim.FailNext("isolation.apply", errors.New("acl service 503"))

	res := ex.Execute(context.Background(), &Action{
		Type:   ActionQuarantineIdentity,
		Target: "203.0.113.5",
	}, Context{OrgID: "org-1"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorCode != CodeExternalFailure {
		t.Fatalf("error code = %s, want %s", res.ErrorCode, CodeExternalFailure)
	}
	if res.RollbackPossible {
		t.Fatal("failed action has nothing to roll back")
	}
}

func TestExecuteManyHaltsOnCriticalFailure(t *testing.T) {
	ex, sim, _ := newTestExecutor(t)
	sim.FailNext("isolation.apply", errors.New("hypervisor unreachable"))

	actions := []*Action{
		{Type: ActionCreateTicket, Target: "soc-queue"},
		{Type: ActionIsolateInstance, Target: "i-0abc"}, // critical, will fail
		{Type: ActionBlockIP, Target: "203.0.113.5"},
	}
	results := ex.ExecuteMany(context.Background(), actions, Context{OrgID: "org-1", Approved: true})

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (batch halted)", len(results))
	}
	if !results[0].Success || results[1].Success {
		t.Fatalf("unexpected outcomes: %+v", results)
	}
	if sim.Calls("isolation.apply") != 1 {
		t.Fatalf("the halted action ran anyway: %d applies", sim.Calls("isolation.apply"))
	}
}

func TestExecuteManyContinuesPastNonCriticalFailure(t *testing.T) {
	ex, sim, _ := newTestExecutor(t)
	sim.FailNext("isolation.apply", errors.New("firewall timeout"))

	actions := []*Action{
		{Type: ActionBlockIP, Target: "203.0.113.5"}, // medium, fails
		{Type: ActionCreateTicket, Target: "soc-queue"},
	}
	results := ex.ExecuteMany(context.Background(), actions, Context{OrgID: "org-1"})

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Success {
		t.Fatal("first action should have failed")
	}
	if !results[1].Success {
		t.Fatal("batch should continue past a non-critical failure")
	}
}

func TestDefaultBlastRadius(t *testing.T) {
	tests := []struct {
		action ActionType
		want   BlastRadius
	}{
		{ActionNotify, BlastLow},
		{ActionCreateTicket, BlastLow},
		{ActionBlockIP, BlastMedium},
		{ActionQuarantineIdentity, BlastMedium},
		{ActionRotateCredentials, BlastHigh},
		{ActionDisableUser, BlastHigh},
		{ActionIsolateInstance, BlastCritical},
	}
	for _, tt := range tests {
		if got := DefaultBlastRadius(tt.action); got != tt.want {
			t.Errorf("DefaultBlastRadius(%s) = %s, want %s", tt.action, got, tt.want)
		}
	}

	// An explicit rank wins over the default.
	a := &Action{Type: ActionNotify, Target: "x", BlastRadius: BlastCritical}
	if a.EffectiveBlastRadius() != BlastCritical {
		t.Fatal("explicit blast radius not honored")
	}
}
