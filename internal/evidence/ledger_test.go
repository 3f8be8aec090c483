package evidence

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	cfg := DefaultLedgerConfig()
	cfg.KeyPath = filepath.Join(t.TempDir(), "evidence.key")
	ledger, err := NewLedger(store, cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return ledger, store
}

func appendN(t *testing.T, ledger *Ledger, orgID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := ledger.Append(context.Background(), &Entry{
			OrgID:        orgID,
			Actor:        "analyst@example.com",
			Action:       "remediation.block-ip",
			ResourceType: "remediation_target",
			ResourceID:   "198.51.100.7",
			Payload:      map[string]interface{}{"index": i, "nested": map[string]interface{}{"b": 2, "a": 1}},
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

func TestAppendAssignsChainLinks(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	seq, err := ledger.Append(ctx, &Entry{
		OrgID:  "org-1",
		Action: "workflow.started",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("first sequence = %d, want 1", seq)
	}

	rows, err := store.ListByOrg(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListByOrg: %v", err)
	}
	first := rows[0]
	if first.PrevHash != GenesisHash() {
		t.Fatalf("first prev hash = %s, want genesis", first.PrevHash)
	}
	if first.RowHash == "" || first.Signature == "" {
		t.Fatal("row hash and signature must be assigned")
	}
	if first.RetainUntil.Before(first.Timestamp.Add(DefaultRetention - time.Hour)) {
		t.Fatal("retention not applied")
	}

	seq, err = ledger.Append(ctx, &Entry{OrgID: "org-1", Action: "workflow.completed"})
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if seq != 2 {
		t.Fatalf("second sequence = %d, want 2", seq)
	}
	rows, _ = store.ListByOrg(ctx, "org-1")
	if rows[1].PrevHash != rows[0].RowHash {
		t.Fatal("second row does not link to the first")
	}
}

func TestAppendValidatesInput(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Append(ctx, &Entry{Action: "x"}); !errors.Is(err, ErrEmptyOrgID) {
		t.Fatalf("missing org err = %v, want ErrEmptyOrgID", err)
	}
	if _, err := ledger.Append(ctx, &Entry{OrgID: "org-1"}); !errors.Is(err, ErrEmptyAction) {
		t.Fatalf("missing action err = %v, want ErrEmptyAction", err)
	}
}

func TestVerifyChainValid(t *testing.T) {
	ledger, _ := newTestLedger(t)
	appendN(t, ledger, "org-1", 25)

	res, err := ledger.VerifyChain(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.IsValid {
		t.Fatalf("chain invalid: %s", res.BreakDetails)
	}
	if res.TotalRecords != 25 || res.VerifiedRecords != 25 {
		t.Fatalf("total/verified = %d/%d, want 25/25", res.TotalRecords, res.VerifiedRecords)
	}
	if res.FirstBreakAt != nil {
		t.Fatalf("FirstBreakAt = %d on a valid chain", *res.FirstBreakAt)
	}
}

func TestVerifyChainEmptyIsValid(t *testing.T) {
	ledger, _ := newTestLedger(t)
	res, err := ledger.VerifyChain(context.Background(), "org-none")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.IsValid || res.TotalRecords != 0 {
		t.Fatalf("empty chain result = %+v", res)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	ledger, store := newTestLedger(t)
	appendN(t, ledger, "org-1", 10)

	// Mutate row 4's payload behind the ledger's back.
	if !store.Tamper("org-1", 4, map[string]interface{}{"index": 999}) {
		t.Fatal("tamper helper found no row")
	}

	res, err := ledger.VerifyChain(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.IsValid {
		t.Fatal("tampered chain reported valid")
	}
	if res.FirstBreakAt == nil || *res.FirstBreakAt != 4 {
		t.Fatalf("FirstBreakAt = %v, want 4", res.FirstBreakAt)
	}
	if res.VerifiedRecords != 3 {
		t.Fatalf("verified = %d, want 3 rows before the break", res.VerifiedRecords)
	}
	if res.BreakDetails == "" {
		t.Fatal("break details missing")
	}
}

func TestRowHashIsDeterministic(t *testing.T) {
	base := Entry{
		Sequence:     7,
		OrgID:        "org-1",
		Action:       "rollback.block-ip",
		ResourceType: "rollback_entry",
		ResourceID:   "rb-1",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PrevHash:     GenesisHash(),
	}

	a := base
	a.Payload = map[string]interface{}{"alpha": 1, "beta": "two", "gamma": map[string]interface{}{"x": true, "y": nil}}
	b := base
	// Same payload, different insertion order.
	b.Payload = map[string]interface{}{"gamma": map[string]interface{}{"y": nil, "x": true}, "beta": "two", "alpha": 1}

	ha, err := a.ComputeRowHash()
	if err != nil {
		t.Fatalf("ComputeRowHash: %v", err)
	}
	hb, err := b.ComputeRowHash()
	if err != nil {
		t.Fatalf("ComputeRowHash: %v", err)
	}
	if ha != hb {
		t.Fatalf("hashes differ for equivalent payloads: %s vs %s", ha, hb)
	}

	c := base
	c.Payload = map[string]interface{}{"alpha": 2}
	hc, _ := c.ComputeRowHash()
	if hc == ha {
		t.Fatal("different payloads must not collide")
	}
}

func TestSignatureVerification(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	e := &Entry{
		Sequence:  1,
		OrgID:     "org-1",
		Action:    "workflow.started",
		Timestamp: time.Now().UTC(),
		PrevHash:  GenesisHash(),
	}
	if err := e.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !e.VerifySignature(key) {
		t.Fatal("signature should verify with the signing key")
	}
	other := []byte("ffffffffffffffffffffffffffffffff")
	if e.VerifySignature(other) {
		t.Fatal("signature must not verify with a different key")
	}
}

func TestConcurrentAppendsStayOrdered(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ledger.Record(ctx, &Entry{
					OrgID:  "org-1",
					Action: "workflow.step_completed",
				})
			}
		}()
	}
	wg.Wait()

	rows, err := store.ListByOrg(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListByOrg: %v", err)
	}
	if len(rows) != 80 {
		t.Fatalf("rows = %d, want 80", len(rows))
	}
	for i, row := range rows {
		if row.Sequence != uint64(i+1) {
			t.Fatalf("row %d has sequence %d", i, row.Sequence)
		}
	}

	res, err := ledger.VerifyChain(ctx, "org-1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.IsValid {
		t.Fatalf("chain invalid after concurrent appends: %s", res.BreakDetails)
	}
}

func TestQueryFilters(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	appendN(t, ledger, "org-1", 5)
	for i := 0; i < 3; i++ {
		if _, err := ledger.Append(ctx, &Entry{
			OrgID:        "org-1",
			Action:       "workflow.completed",
			ResourceType: "workflow_execution",
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	appendN(t, ledger, "org-2", 4)

	rows, err := ledger.Query(ctx, QueryOptions{OrgID: "org-1", Action: "workflow.completed"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("filtered rows = %d, want 3", len(rows))
	}

	rows, err = ledger.Query(ctx, QueryOptions{OrgID: "org-1", Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("limited rows = %d, want 2", len(rows))
	}

	rows, err = ledger.Query(ctx, QueryOptions{OrgID: "org-2"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("org-2 rows = %d, want 4", len(rows))
	}
}
