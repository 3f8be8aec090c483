// Package rollback stores compensation data for executed remediation
// actions and reverses them on demand. Entries expire; an expired entry can
// never be executed.
package rollback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"remedyd/internal/evidence"
	"remedyd/internal/remediation"

	"github.com/google/uuid"
)

// DefaultTTL is how long a registered compensation stays executable.
const DefaultTTL = 24 * time.Hour

// Rollback error taxonomy.
var (
	ErrNotFound        = errors.New("ROLLBACK_NOT_FOUND")
	ErrAlreadyExecuted = errors.New("ALREADY_EXECUTED")
	ErrExpired         = errors.New("ROLLBACK_EXPIRED")
	ErrMissingData     = errors.New("MISSING_ROLLBACK_DATA")
	ErrUnsupportedType = errors.New("UNSUPPORTED_ACTION_TYPE")
)

// EntryStatus is the lifecycle state of a rollback entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusExpired   EntryStatus = "expired"
)

// Entry is one registered compensation.
type Entry struct {
	ID         string                 `json:"id"`
	OrgID      string                 `json:"org_id"`
	ActionID   string                 `json:"action_id"`
	ActionType remediation.ActionType `json:"action_type"`
	Target     string                 `json:"target"`
	Data       map[string]interface{} `json:"data"`
	Status     EntryStatus            `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	ExecutedAt *time.Time             `json:"executed_at,omitempty"`
	Error      string                 `json:"error,omitempty"`

	// executing guards against a concurrent duplicate dispatch while the
	// compensating call is in flight.
	executing bool
}

// Result is the outcome of one compensation attempt.
type Result struct {
	RollbackID string    `json:"rollback_id"`
	ActionID   string    `json:"action_id"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Partial    bool      `json:"partial,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Registry owns rollback entries: registration, execution, expiry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	catalogue *Catalogue
	ledger    *evidence.Ledger
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry using the given compensation catalogue.
// The ledger may be nil.
func NewRegistry(catalogue *Catalogue, ledger *evidence.Ledger, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		catalogue: catalogue,
		ledger:    ledger,
		logger:    logger.With("component", "rollback"),
		stopCh:    make(chan struct{}),
	}
}

// Register stores compensation data for an executed action. A non-positive
// ttl means "expired immediately"; the zero value is not defaulted so tests
// can exercise expiry, callers wanting the default pass DefaultTTL.
func (r *Registry) Register(orgID, actionID string, actionType remediation.ActionType, target string, data map[string]interface{}, ttl time.Duration) *Entry {
	now := time.Now().UTC()
	entry := &Entry{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		ActionID:   actionID,
		ActionType: actionType,
		Target:     target,
		Data:       data,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	r.mu.Lock()
	r.entries[entry.ID] = entry
	r.mu.Unlock()

	r.logger.Info("rollback registered",
		"rollback_id", entry.ID,
		"action_type", actionType,
		"target", target,
		"expires_at", entry.ExpiresAt)

	return entry
}

// Get returns a copy of an entry.
func (r *Registry) Get(rollbackID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[rollbackID]
	if !ok {
		return nil, false
	}
	clone := *e
	return &clone, true
}

// Execute performs the compensating action for a registered entry.
// First transition wins: a completed entry returns ErrAlreadyExecuted, an
// expired one ErrExpired (lazily marked on access).
func (r *Registry) Execute(ctx context.Context, rollbackID string) (*Result, error) {
	r.mu.Lock()
	entry, ok := r.entries[rollbackID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}

	switch entry.Status {
	case StatusCompleted:
		r.mu.Unlock()
		return nil, ErrAlreadyExecuted
	case StatusExpired:
		r.mu.Unlock()
		return nil, ErrExpired
	}

	if time.Now().After(entry.ExpiresAt) {
		entry.Status = StatusExpired
		r.mu.Unlock()
		return nil, ErrExpired
	}

	if entry.executing {
		r.mu.Unlock()
		return nil, ErrAlreadyExecuted
	}
	entry.executing = true
	snapshot := *entry
	r.mu.Unlock()

	result, err := r.catalogue.Reverse(ctx, &snapshot)
	now := time.Now().UTC()

	r.mu.Lock()
	entry.executing = false
	entry.ExecutedAt = &now
	if err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
	} else {
		entry.Status = StatusCompleted
	}
	r.mu.Unlock()

	if result == nil {
		result = &Result{RollbackID: rollbackID, ActionID: snapshot.ActionID}
	}
	result.ExecutedAt = now
	if err != nil {
		result.Error = err.Error()
	}

	if r.ledger != nil {
		r.ledger.Record(ctx, &evidence.Entry{
			OrgID:        snapshot.OrgID,
			Action:       "rollback." + string(snapshot.ActionType),
			ResourceType: "rollback_entry",
			ResourceID:   rollbackID,
			Payload: map[string]interface{}{
				"action_id": snapshot.ActionID,
				"target":    snapshot.Target,
				"success":   result.Success,
				"partial":   result.Partial,
				"message":   result.Message,
			},
		})
	}

	if err != nil {
		r.logger.Error("rollback failed",
			"rollback_id", rollbackID,
			"action_type", snapshot.ActionType,
			"error", err)
		return result, nil
	}

	r.logger.Info("rollback executed",
		"rollback_id", rollbackID,
		"action_type", snapshot.ActionType,
		"partial", result.Partial)
	return result, nil
}

// StartSweep launches the periodic expiry sweep so operators see accurate
// entry state without attempting execution.
func (r *Registry) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.SweepExpired()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// SweepExpired transitions expired-but-still-pending entries to expired.
// Returns how many entries were transitioned.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	swept := 0
	for _, e := range r.entries {
		if e.Status == StatusPending && now.After(e.ExpiresAt) {
			e.Status = StatusExpired
			swept++
		}
	}

	if swept > 0 {
		r.logger.Info("expired rollback entries swept", "count", swept)
	}
	return swept
}
