package evidence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// QueryOptions filters read-only ledger retrieval.
type QueryOptions struct {
	OrgID        string
	Action       string
	ResourceType string
	ResourceID   string
	Actor        string
	StartTime    time.Time
	EndTime      time.Time

	// Limit caps the result size. Zero means DefaultQueryLimit; values above
	// MaxQueryLimit are clamped.
	Limit int
}

// Store persists ledger rows. Implementations must never mutate or delete a
// persisted row except through PurgeExpired.
type Store interface {
	// Insert persists a fully hashed entry.
	Insert(ctx context.Context, e *Entry) error

	// Head returns the latest entry for an organization, or nil if the
	// organization has no rows.
	Head(ctx context.Context, orgID string) (*Entry, error)

	// ListByOrg returns all rows for an organization in sequence order.
	ListByOrg(ctx context.Context, orgID string) ([]*Entry, error)

	// Query returns rows matching the options, newest first, capped at
	// opts.Limit.
	Query(ctx context.Context, opts QueryOptions) ([]*Entry, error)

	// ListExpired returns rows whose retention expiry is before cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*Entry, error)

	// PurgeExpired removes rows whose retention expiry is before cutoff.
	// Callers archive first; this is the only sanctioned deletion path.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string][]*Entry // orgID -> rows in sequence order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]*Entry)}
}

func (s *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *e
	s.rows[e.OrgID] = append(s.rows[e.OrgID], &clone)
	return nil
}

func (s *MemoryStore) Head(ctx context.Context, orgID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.rows[orgID]
	if len(rows) == 0 {
		return nil, nil
	}
	clone := *rows[len(rows)-1]
	return &clone, nil
}

func (s *MemoryStore) ListByOrg(ctx context.Context, orgID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.rows[orgID]
	out := make([]*Entry, len(rows))
	for i, r := range rows {
		clone := *r
		out[i] = &clone
	}
	return out, nil
}

func (s *MemoryStore) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLimit(opts.Limit)

	var candidates []*Entry
	if opts.OrgID != "" {
		candidates = s.rows[opts.OrgID]
	} else {
		for _, rows := range s.rows {
			candidates = append(candidates, rows...)
		}
	}

	var out []*Entry
	for _, e := range candidates {
		if matchesQuery(e, opts) {
			clone := *e
			out = append(out, &clone)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, rows := range s.rows {
		for _, e := range rows {
			if !e.RetainUntil.IsZero() && e.RetainUntil.Before(cutoff) {
				clone := *e
				out = append(out, &clone)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for org, rows := range s.rows {
		kept := rows[:0]
		for _, e := range rows {
			if !e.RetainUntil.IsZero() && e.RetainUntil.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, e)
		}
		s.rows[org] = kept
	}
	return purged, nil
}

// Tamper overwrites the payload of a stored row in place. It exists only so
// tests can simulate out-of-band modification; production code has no
// mutation path.
func (s *MemoryStore) Tamper(orgID string, sequence uint64, payload map[string]interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.rows[orgID] {
		if e.Sequence == sequence {
			e.Payload = payload
			return true
		}
	}
	return false
}

func matchesQuery(e *Entry, opts QueryOptions) bool {
	if opts.OrgID != "" && e.OrgID != opts.OrgID {
		return false
	}
	if opts.Action != "" && e.Action != opts.Action {
		return false
	}
	if opts.ResourceType != "" && e.ResourceType != opts.ResourceType {
		return false
	}
	if opts.ResourceID != "" && e.ResourceID != opts.ResourceID {
		return false
	}
	if opts.Actor != "" && e.Actor != opts.Actor {
		return false
	}
	if !opts.StartTime.IsZero() && e.Timestamp.Before(opts.StartTime) {
		return false
	}
	if !opts.EndTime.IsZero() && e.Timestamp.After(opts.EndTime) {
		return false
	}
	return true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
