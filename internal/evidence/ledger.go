package evidence

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Query result caps.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// DefaultRetention is how long rows are retained before archival eligibility.
const DefaultRetention = 365 * 24 * time.Hour

var (
	ErrEmptyOrgID  = errors.New("evidence: org id is required")
	ErrEmptyAction = errors.New("evidence: action is required")
)

// ChainVerificationResult reports the outcome of a chain walk.
type ChainVerificationResult struct {
	OrgID           string  `json:"org_id"`
	IsValid         bool    `json:"is_valid"`
	TotalRecords    int     `json:"total_records"`
	VerifiedRecords int     `json:"verified_records"`
	FirstBreakAt    *uint64 `json:"first_break_at,omitempty"`
	BreakDetails    string  `json:"break_details,omitempty"`
}

// LedgerConfig configures the evidence ledger.
type LedgerConfig struct {
	// Retention applied to new rows when the caller does not set one.
	Retention time.Duration

	// KeyPath is where the HMAC signing key lives. Empty disables signing.
	KeyPath string

	Logger *slog.Logger
}

// DefaultLedgerConfig returns sensible defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Retention: DefaultRetention,
	}
}

// Ledger is the append-only evidence ledger. Appends for one organization
// serialize on a per-org mutex so sequence numbers and chain links are
// assigned deterministically regardless of concurrent writers.
type Ledger struct {
	store  Store
	key    []byte
	logger *slog.Logger
	config LedgerConfig

	mu    sync.Mutex
	heads map[string]*chainHead // orgID -> cached chain head
}

type chainHead struct {
	sequence uint64
	rowHash  string
}

// NewLedger creates a ledger over the given store.
func NewLedger(store Store, cfg LedgerConfig, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	var key []byte
	if cfg.KeyPath != "" {
		k, err := loadOrGenerateKey(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("evidence: initialize signing key: %w", err)
		}
		key = k
	}

	return &Ledger{
		store:  store,
		key:    key,
		logger: logger.With("component", "evidence"),
		config: cfg,
		heads:  make(map[string]*chainHead),
	}, nil
}

// loadOrGenerateKey loads the HMAC key, generating one on first use.
func loadOrGenerateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0400); err != nil {
		return nil, err
	}
	return key, nil
}

// Append computes the chain link for the entry and persists it atomically.
// The entry's Sequence, PrevHash, RowHash, Signature, Timestamp, and
// RetainUntil are assigned here. Returns the assigned sequence id.
func (l *Ledger) Append(ctx context.Context, e *Entry) (uint64, error) {
	if e.OrgID == "" {
		return 0, ErrEmptyOrgID
	}
	if e.Action == "" {
		return 0, ErrEmptyAction
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.headLocked(ctx, e.OrgID)
	if err != nil {
		return 0, fmt.Errorf("evidence: load chain head: %w", err)
	}

	e.Sequence = head.sequence + 1
	e.PrevHash = head.rowHash
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.RetainUntil.IsZero() {
		e.RetainUntil = e.Timestamp.Add(l.config.Retention)
	}

	if err := e.Sign(l.key); err != nil {
		return 0, fmt.Errorf("evidence: hash entry: %w", err)
	}

	if err := l.store.Insert(ctx, e); err != nil {
		return 0, fmt.Errorf("evidence: persist entry: %w", err)
	}

	head.sequence = e.Sequence
	head.rowHash = e.RowHash

	return e.Sequence, nil
}

// Record appends best-effort: failures are logged, never returned. Callers
// whose business action must not be interrupted by evidence logging use this.
func (l *Ledger) Record(ctx context.Context, e *Entry) {
	if _, err := l.Append(ctx, e); err != nil {
		l.logger.Warn("evidence append failed",
			"org_id", e.OrgID,
			"action", e.Action,
			"error", err)
	}
}

func (l *Ledger) headLocked(ctx context.Context, orgID string) (*chainHead, error) {
	if h, ok := l.heads[orgID]; ok {
		return h, nil
	}

	latest, err := l.store.Head(ctx, orgID)
	if err != nil {
		return nil, err
	}

	h := &chainHead{rowHash: GenesisHash()}
	if latest != nil {
		h.sequence = latest.Sequence
		h.rowHash = latest.RowHash
	}
	l.heads[orgID] = h
	return h, nil
}

// VerifyChain walks all rows for an organization in sequence order,
// recomputing every hash and chain link. An empty ledger is trivially valid.
// Tampering is reported as data, never as an error.
func (l *Ledger) VerifyChain(ctx context.Context, orgID string) (*ChainVerificationResult, error) {
	rows, err := l.store.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("evidence: read chain: %w", err)
	}

	result := &ChainVerificationResult{
		OrgID:        orgID,
		IsValid:      true,
		TotalRecords: len(rows),
	}

	prevHash := GenesisHash()
	for i, e := range rows {
		if e.PrevHash != prevHash {
			result.IsValid = false
			seq := e.Sequence
			result.FirstBreakAt = &seq
			result.BreakDetails = fmt.Sprintf("prev_hash mismatch at sequence %d", e.Sequence)
			return result, nil
		}

		recomputed, err := e.ComputeRowHash()
		if err != nil {
			return nil, fmt.Errorf("evidence: recompute hash at sequence %d: %w", e.Sequence, err)
		}
		if recomputed != e.RowHash {
			result.IsValid = false
			seq := e.Sequence
			result.FirstBreakAt = &seq
			result.BreakDetails = fmt.Sprintf("row_hash mismatch at sequence %d", e.Sequence)
			return result, nil
		}

		if len(l.key) > 0 && e.Signature != "" && !e.VerifySignature(l.key) {
			result.IsValid = false
			seq := e.Sequence
			result.FirstBreakAt = &seq
			result.BreakDetails = fmt.Sprintf("signature mismatch at sequence %d", e.Sequence)
			return result, nil
		}

		prevHash = e.RowHash
		result.VerifiedRecords = i + 1
	}

	return result, nil
}

// Query performs read-only filtered retrieval with a bounded result size.
func (l *Ledger) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	opts.Limit = clampLimit(opts.Limit)
	return l.store.Query(ctx, opts)
}
