package remediation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExecutionRecord is the durable operational record of one execution attempt,
// kept independently of evidence-chain logging so operators can query
// executions without walking the ledger.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	ActionID    string          `json:"action_id"`
	ActionType  ActionType      `json:"action_type"`
	Target      string          `json:"target"`
	Status      ExecutionStatus `json:"status"`
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	ErrorCode   string          `json:"error_code,omitempty"`
	DryRun      bool            `json:"dry_run"`
	ExecutionID string          `json:"execution_id,omitempty"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Elapsed     time.Duration   `json:"elapsed"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// RecordQuery filters execution record retrieval.
type RecordQuery struct {
	OrgID      string
	ActionType ActionType
	Target     string
	Status     ExecutionStatus
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// RecordStore persists execution records.
type RecordStore interface {
	Save(ctx context.Context, rec *ExecutionRecord) error
	Query(ctx context.Context, q RecordQuery) ([]*ExecutionRecord, error)
}

// MemoryRecordStore is an in-memory RecordStore.
type MemoryRecordStore struct {
	mu   sync.RWMutex
	recs []*ExecutionRecord
}

// NewMemoryRecordStore creates an empty record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

func (s *MemoryRecordStore) Save(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.recs = append(s.recs, &clone)
	return nil
}

func (s *MemoryRecordStore) Query(ctx context.Context, q RecordQuery) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for _, r := range s.recs {
		if q.OrgID != "" && r.OrgID != q.OrgID {
			continue
		}
		if q.ActionType != "" && r.ActionType != q.ActionType {
			continue
		}
		if q.Target != "" && r.Target != q.Target {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if !q.StartTime.IsZero() && r.ExecutedAt.Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && r.ExecutedAt.After(q.EndTime) {
			continue
		}
		clone := *r
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
