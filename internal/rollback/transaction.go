package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"remedyd/internal/evidence"
	"remedyd/internal/remediation"
)

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxActive     TxStatus = "active"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled-back"
	TxPartial    TxStatus = "partial"
)

// ErrTxNotFound is returned for unknown transaction IDs.
var ErrTxNotFound = errors.New("TRANSACTION_NOT_FOUND")

// ErrTxClosed is returned when adding to or rolling back a transaction that
// already reached a terminal state.
var ErrTxClosed = errors.New("TRANSACTION_CLOSED")

// txAction ties a forward action to its registered rollback entry.
type txAction struct {
	ActionID   string
	RollbackID string
}

// Transaction groups rollback entries so a multi-action remediation can be
// undone as a unit, in reverse registration order.
type Transaction struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	Status    TxStatus   `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	actions []txAction
}

// TxResult reports the outcome of rolling back one transaction.
type TxResult struct {
	TransactionID string    `json:"transaction_id"`
	Status        TxStatus  `json:"status"`
	Results       []*Result `json:"results"`
	Failed        int       `json:"failed"`
}

// Coordinator manages transactions over a rollback registry.
type Coordinator struct {
	mu       sync.Mutex
	txs      map[string]*Transaction
	registry *Registry
	ledger   *evidence.Ledger
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator. The ledger may be nil.
func NewCoordinator(registry *Registry, ledger *evidence.Ledger, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		txs:      make(map[string]*Transaction),
		registry: registry,
		ledger:   ledger,
		logger:   logger.With("component", "rollback_coordinator"),
	}
}

// Begin opens a transaction for an organization.
func (c *Coordinator) Begin(orgID string) *Transaction {
	tx := &Transaction{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Status:    TxActive,
		CreatedAt: time.Now().UTC(),
	}
	c.mu.Lock()
	c.txs[tx.ID] = tx
	c.mu.Unlock()
	return tx
}

// AddAction registers rollback data for a completed forward action in the
// underlying registry and attaches it to the transaction. The entry inherits
// the transaction's org id so its execution evidence lands on that org's
// chain.
func (c *Coordinator) AddAction(txID, actionID string, actionType remediation.ActionType, target string, data map[string]interface{}, ttl time.Duration) (*Entry, error) {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrTxNotFound
	}
	orgID := tx.OrgID
	c.mu.Unlock()

	entry := c.registry.Register(orgID, actionID, actionType, target, data, ttl)
	if err := c.AddEntry(txID, actionID, entry.ID); err != nil {
		return nil, err
	}
	return entry, nil
}

// AddEntry attaches an already registered rollback entry to a transaction.
// Entries roll back in reverse of the order added.
func (c *Coordinator) AddEntry(txID, actionID, rollbackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status != TxActive {
		return fmt.Errorf("%w: %s", ErrTxClosed, tx.Status)
	}
	tx.actions = append(tx.actions, txAction{ActionID: actionID, RollbackID: rollbackID})
	return nil
}

// Commit marks a transaction successful. Its rollback entries stay registered
// until their TTLs expire so individual actions remain reversible.
func (c *Coordinator) Commit(txID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status != TxActive {
		return fmt.Errorf("%w: %s", ErrTxClosed, tx.Status)
	}
	now := time.Now().UTC()
	tx.Status = TxCommitted
	tx.ClosedAt = &now
	return nil
}

// Rollback undoes every entry in the transaction in reverse registration
// order. A failed entry does not stop the remaining ones; if any entry fails
// the transaction ends partial, otherwise rolled-back.
func (c *Coordinator) Rollback(ctx context.Context, txID string) (*TxResult, error) {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrTxNotFound
	}
	if tx.Status != TxActive {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTxClosed, tx.Status)
	}
	actions := make([]txAction, len(tx.actions))
	copy(actions, tx.actions)
	c.mu.Unlock()

	result := &TxResult{TransactionID: txID}
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		res, err := c.registry.Execute(ctx, a.RollbackID)
		if err != nil {
			// Already executed or expired entries count as failures for
			// the transaction outcome but do not halt the remainder.
			res = &Result{RollbackID: a.RollbackID, ActionID: a.ActionID, Error: err.Error()}
		}
		if !res.Success {
			result.Failed++
			c.logger.Warn("transaction rollback step failed",
				"transaction_id", txID,
				"rollback_id", a.RollbackID,
				"error", res.Error)
		}
		result.Results = append(result.Results, res)
	}

	now := time.Now().UTC()
	status := TxRolledBack
	if result.Failed > 0 {
		status = TxPartial
	}

	c.mu.Lock()
	tx.Status = status
	tx.ClosedAt = &now
	c.mu.Unlock()
	result.Status = status

	if c.ledger != nil {
		c.ledger.Record(ctx, &evidence.Entry{
			OrgID:        tx.OrgID,
			Action:       "rollback.transaction",
			ResourceType: "transaction",
			ResourceID:   txID,
			Payload: map[string]interface{}{
				"status":  string(status),
				"actions": len(actions),
				"failed":  result.Failed,
			},
		})
	}

	c.logger.Info("transaction rollback finished",
		"transaction_id", txID,
		"status", status,
		"actions", len(actions),
		"failed", result.Failed)
	return result, nil
}

// Get returns a transaction by ID.
func (c *Coordinator) Get(txID string) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *tx
	cp.actions = nil
	return &cp, nil
}
