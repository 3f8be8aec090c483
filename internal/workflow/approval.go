package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ApprovalStatus is the state of a pending approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

var (
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrApprovalResolved enforces first transition wins: a decision on an
	// already approved, rejected, or expired approval is refused.
	ErrApprovalResolved = errors.New("approval already resolved")
)

// PendingApproval is the durable record behind a suspended approval step.
type PendingApproval struct {
	ID           string           `json:"id"`
	ExecutionID  string           `json:"execution_id"`
	WorkflowID   string           `json:"workflow_id"`
	OrgID        string           `json:"org_id"`
	StepID       string           `json:"step_id"`
	StepIndex    int              `json:"step_index"`
	ApproverRole string           `json:"approver_role"`
	Required     int              `json:"required"`
	Message      string           `json:"message,omitempty"`
	EscalateTo   string           `json:"escalate_to,omitempty"`
	Status       ApprovalStatus   `json:"status"`
	Approvals    []ApprovalRecord `json:"approvals,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`

	// Version implements optimistic concurrency in the approval store, so
	// a decision call and the expiry sweep racing on the same id resolve to
	// exactly one winner.
	Version int `json:"version"`
}

// ApprovalStore persists pending approvals. Update semantics match
// ExecutionStore: conditional on Version, incremented on success.
type ApprovalStore interface {
	Insert(ctx context.Context, pa *PendingApproval) error
	Update(ctx context.Context, pa *PendingApproval) error
	Get(ctx context.Context, approvalID string) (*PendingApproval, error)
	ListPending(ctx context.Context) ([]*PendingApproval, error)
	DeleteByExecution(ctx context.Context, executionID string) int
}

// MemoryApprovalStore holds pending approvals in memory.
type MemoryApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]*PendingApproval
}

// NewMemoryApprovalStore creates an empty in-memory store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{approvals: make(map[string]*PendingApproval)}
}

func (s *MemoryApprovalStore) Insert(ctx context.Context, pa *PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[pa.ID]; ok {
		return errors.New("approval id already exists")
	}
	pa.Version = 1
	s.approvals[pa.ID] = cloneApproval(pa)
	return nil
}

func (s *MemoryApprovalStore) Update(ctx context.Context, pa *PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.approvals[pa.ID]
	if !ok {
		return ErrApprovalNotFound
	}
	if stored.Version != pa.Version {
		return ErrVersionConflict
	}
	pa.Version++
	s.approvals[pa.ID] = cloneApproval(pa)
	return nil
}

func (s *MemoryApprovalStore) Get(ctx context.Context, approvalID string) (*PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.approvals[approvalID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return cloneApproval(stored), nil
}

func (s *MemoryApprovalStore) ListPending(ctx context.Context) ([]*PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PendingApproval
	for _, pa := range s.approvals {
		if pa.Status == ApprovalPending {
			out = append(out, cloneApproval(pa))
		}
	}
	return out, nil
}

func (s *MemoryApprovalStore) DeleteByExecution(ctx context.Context, executionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, pa := range s.approvals {
		if pa.ExecutionID == executionID && pa.Status == ApprovalPending {
			delete(s.approvals, id)
			purged++
		}
	}
	return purged
}

func cloneApproval(pa *PendingApproval) *PendingApproval {
	clone := *pa
	clone.Approvals = append([]ApprovalRecord(nil), pa.Approvals...)
	return &clone
}

// HasApprover reports whether the given approver already recorded a decision.
func (pa *PendingApproval) HasApprover(approverID string) bool {
	for _, rec := range pa.Approvals {
		if rec.ApproverID == approverID {
			return true
		}
	}
	return false
}

// ApprovedCount counts distinct approve decisions.
func (pa *PendingApproval) ApprovedCount() int {
	n := 0
	for _, rec := range pa.Approvals {
		if rec.Approved {
			n++
		}
	}
	return n
}
