package rollback

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"remedyd/internal/evidence"
	"remedyd/internal/remediation"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *Registry, *remediation.Simulator) {
	t.Helper()
	reg, sim := newTestRegistry(t)
	return NewCoordinator(reg, nil, slog.Default()), reg, sim
}

func TestTransactionRollbackReverseOrder(t *testing.T) {
	coord, _, sim := newTestCoordinator(t)
	tx := coord.Begin("org-1")

	// A, B, C registered in order; rollback must run C, B, A.
	a, err := coord.AddAction(tx.ID, "act-a", remediation.ActionBlockIP, "10.0.0.1",
		map[string]interface{}{remediation.RollbackKeyRuleID: "rule-a"}, time.Hour)
	if err != nil {
		t.Fatalf("AddAction a: %v", err)
	}
	b, err := coord.AddAction(tx.ID, "act-b", remediation.ActionDisableUser, "user-b",
		map[string]interface{}{remediation.RollbackKeyPreviousStatus: "active"}, time.Hour)
	if err != nil {
		t.Fatalf("AddAction b: %v", err)
	}
	c, err := coord.AddAction(tx.ID, "act-c", remediation.ActionRevokeToken, "tok-c",
		map[string]interface{}{remediation.RollbackKeyPreviousStatus: "valid"}, time.Hour)
	if err != nil {
		t.Fatalf("AddAction c: %v", err)
	}

	res, err := coord.Rollback(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.Status != TxRolledBack {
		t.Fatalf("status = %s, want rolled-back", res.Status)
	}
	if len(res.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(res.Results))
	}
	want := []string{c.ID, b.ID, a.ID}
	for i, r := range res.Results {
		if r.RollbackID != want[i] {
			t.Fatalf("result %d rollback id = %s, want %s", i, r.RollbackID, want[i])
		}
		if !r.Success {
			t.Fatalf("result %d failed: %s", i, r.Error)
		}
	}
	if sim.TotalCalls() != 3 {
		t.Fatalf("provider calls = %d, want 3", sim.TotalCalls())
	}
}

func TestTransactionRollbackContinuesPastFailure(t *testing.T) {
	coord, _, sim := newTestCoordinator(t)
	tx := coord.Begin("org-1")

	if _, err := coord.AddAction(tx.ID, "act-a", remediation.ActionBlockIP, "10.0.0.1",
		map[string]interface{}{remediation.RollbackKeyRuleID: "rule-a"}, time.Hour); err != nil {
		t.Fatalf("AddAction a: %v", err)
	}
	if _, err := coord.AddAction(tx.ID, "act-b", remediation.ActionBlockIP, "10.0.0.2",
		map[string]interface{}{remediation.RollbackKeyRuleID: "rule-b"}, time.Hour); err != nil {
		t.Fatalf("AddAction b: %v", err)
	}

	// Fails the rollback of b (last registered, first compensated).
	sim.FailNext("isolation.remove", errors.New("firewall unreachable"))

	res, err := coord.Rollback(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.Status != TxPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if res.Failed != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed)
	}
	if res.Results[0].Success {
		t.Fatal("first compensation should have failed")
	}
	if !res.Results[1].Success {
		t.Fatal("failure must not stop the remaining compensations")
	}
	if sim.Calls("isolation.remove") != 2 {
		t.Fatalf("isolation.remove calls = %d, want 2", sim.Calls("isolation.remove"))
	}
}

func TestTransactionCommitIsTerminal(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	tx := coord.Begin("org-1")

	entry, err := coord.AddAction(tx.ID, "act-a", remediation.ActionBlockIP, "10.0.0.1",
		map[string]interface{}{remediation.RollbackKeyRuleID: "rule-a"}, time.Hour)
	if err != nil {
		t.Fatalf("AddAction: %v", err)
	}
	if err := coord.Commit(tx.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := coord.Rollback(context.Background(), tx.ID); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("rollback after commit err = %v, want ErrTxClosed", err)
	}
	if err := coord.AddEntry(tx.ID, "act-b", "rb-b"); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("add after commit err = %v, want ErrTxClosed", err)
	}

	// Individual entries stay available until their TTLs expire.
	if _, err := reg.Execute(context.Background(), entry.ID); err != nil {
		t.Fatalf("entry no longer executable after commit: %v", err)
	}

	got, err := coord.Get(tx.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != TxCommitted || got.ClosedAt == nil {
		t.Fatalf("tx = %+v, want committed with ClosedAt set", got)
	}
}

func TestTransactionUnknownID(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	if _, err := coord.Rollback(context.Background(), "nope"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("err = %v, want ErrTxNotFound", err)
	}
	if err := coord.Commit("nope"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("err = %v, want ErrTxNotFound", err)
	}
}

func TestRollbackEvidenceCarriesTransactionOrg(t *testing.T) {
	ledger, err := evidence.NewLedger(evidence.NewMemoryStore(), evidence.DefaultLedgerConfig(), slog.Default())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	sim := remediation.NewSimulator()
	cat := NewCatalogue(remediation.SimulatedProviders(sim))
	reg := NewRegistry(cat, ledger, slog.Default())
	coord := NewCoordinator(reg, ledger, slog.Default())

	tx := coord.Begin("org-1")
	if _, err := coord.AddAction(tx.ID, "act-a", remediation.ActionBlockIP, "10.0.0.1",
		map[string]interface{}{remediation.RollbackKeyRuleID: "rule-a"}, time.Hour); err != nil {
		t.Fatalf("AddAction: %v", err)
	}

	if _, err := coord.Rollback(context.Background(), tx.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rows, err := ledger.Query(context.Background(), evidence.QueryOptions{
		OrgID:  "org-1",
		Action: "rollback." + string(remediation.ActionBlockIP),
	})
	if err != nil {
		t.Fatalf("ledger query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rollback evidence rows = %d, want 1", len(rows))
	}
}

func TestAddActionUnknownTransaction(t *testing.T) {
	coord, _, sim := newTestCoordinator(t)
	if _, err := coord.AddAction("nope", "act-a", remediation.ActionBlockIP, "10.0.0.1",
		map[string]interface{}{remediation.RollbackKeyRuleID: "rule-a"}, time.Hour); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("err = %v, want ErrTxNotFound", err)
	}
	if sim.TotalCalls() != 0 {
		t.Fatal("no provider call should happen for an unknown transaction")
	}
}
