package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ExecutionStatus is the state of one workflow run.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting-approval"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionCancelled        ExecutionStatus = "cancelled"
	ExecutionRolledBack       ExecutionStatus = "rolled-back"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRolledBack:
		return true
	}
	return false
}

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepAwaitingApproval StepStatus = "awaiting-approval"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
	StepRolledBack       StepStatus = "rolled-back"
)

// ApprovalRecord is one approver's decision on an approval step.
type ApprovalRecord struct {
	ApproverID    string    `json:"approver_id"`
	ApproverEmail string    `json:"approver_email"`
	Approved      bool      `json:"approved"`
	Comment       string    `json:"comment,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	StepID       string                 `json:"step_id"`
	StepName     string                 `json:"step_name"`
	Status       StepStatus             `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	RollbackData map[string]interface{} `json:"rollback_data,omitempty"`
	Approvals    []ApprovalRecord       `json:"approvals,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Retries      int                    `json:"retries"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Execution is one run of a workflow definition.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	OrgID          string                 `json:"org_id"`
	Status         ExecutionStatus        `json:"status"`
	CurrentStep    int                    `json:"current_step"`
	StepResults    []StepResult           `json:"step_results"`
	Context        map[string]interface{} `json:"context,omitempty"`
	TriggeredBy    string                 `json:"triggered_by"`
	TargetIdentity string                 `json:"target_identity,omitempty"`
	ThreatRef      string                 `json:"threat_ref,omitempty"`
	DryRun         bool                   `json:"dry_run"`
	Approved       bool                   `json:"approved"`
	TransactionID  string                 `json:"transaction_id,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`

	// Version implements optimistic concurrency in the execution store.
	Version int `json:"version"`
}

// Store errors shared by the execution and approval stores.
var (
	ErrExecutionNotFound = errors.New("workflow execution not found")
	ErrVersionConflict   = errors.New("stale version: record was modified concurrently")
)

// ExecutionStore persists workflow runs. Update is conditional on the stored
// Version matching the caller's copy; on success the version is incremented.
type ExecutionStore interface {
	Insert(ctx context.Context, exec *Execution) error
	Update(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, executionID string) (*Execution, error)
	ListActive(ctx context.Context) ([]*Execution, error)
}

// MemoryExecutionStore holds runs in memory. Test and single-process use;
// the Redis-backed store serves multi-instance deployments.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
}

// NewMemoryExecutionStore creates an empty in-memory store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]*Execution)}
}

func (s *MemoryExecutionStore) Insert(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; ok {
		return errors.New("execution id already exists")
	}
	exec.Version = 1
	clone := cloneExecution(exec)
	s.execs[exec.ID] = clone
	return nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.execs[exec.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	if stored.Version != exec.Version {
		return ErrVersionConflict
	}
	exec.Version++
	s.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.execs[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(stored), nil
}

func (s *MemoryExecutionStore) ListActive(ctx context.Context) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, e := range s.execs {
		if !e.Status.Terminal() {
			out = append(out, cloneExecution(e))
		}
	}
	return out, nil
}

func cloneExecution(e *Execution) *Execution {
	clone := *e
	clone.StepResults = make([]StepResult, len(e.StepResults))
	copy(clone.StepResults, e.StepResults)
	for i := range clone.StepResults {
		clone.StepResults[i].Approvals = append([]ApprovalRecord(nil), e.StepResults[i].Approvals...)
	}
	if e.Context != nil {
		clone.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			clone.Context[k] = v
		}
	}
	return &clone
}
