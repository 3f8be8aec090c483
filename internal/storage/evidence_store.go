package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"remedyd/internal/evidence"
)

const evidenceTable = "evidence_log"

const createEvidenceTableSQL = `
CREATE TABLE IF NOT EXISTS evidence_log (
    org_id        String,
    sequence      UInt64,
    actor         String,
    action        String,
    resource_type String,
    resource_id   String,
    payload       String,
    timestamp     DateTime64(9, 'UTC'),
    prev_hash     String,
    row_hash      String,
    signature     String,
    retain_until  DateTime64(9, 'UTC')
) ENGINE = MergeTree()
ORDER BY (org_id, sequence)
`

// EvidenceStore is the ClickHouse-backed evidence row store. Rows are
// append-only; the only deletion path is PurgeExpired, which issues a
// retention mutation.
type EvidenceStore struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewEvidenceStore creates an EvidenceStore and ensures its table exists.
func NewEvidenceStore(ctx context.Context, client *ClickHouseClient, logger *slog.Logger) (*EvidenceStore, error) {
	if err := client.Exec(ctx, createEvidenceTableSQL); err != nil {
		return nil, WrapQueryError("CreateTable", evidenceTable, err)
	}
	return &EvidenceStore{
		client: client,
		logger: logger.With("component", "evidence_store"),
	}, nil
}

// Insert persists a fully hashed entry.
func (s *EvidenceStore) Insert(ctx context.Context, e *evidence.Entry) error {
	payload := "{}"
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("%w: payload: %v", ErrInvalidData, err)
		}
		payload = string(b)
	}

	query := `INSERT INTO evidence_log
		(org_id, sequence, actor, action, resource_type, resource_id,
		 payload, timestamp, prev_hash, row_hash, signature, retain_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := s.client.Exec(ctx, query,
		e.OrgID, e.Sequence, e.Actor, e.Action, e.ResourceType, e.ResourceID,
		payload, e.Timestamp, e.PrevHash, e.RowHash, e.Signature, e.RetainUntil,
	)
	if err != nil {
		return WrapInsertError("Insert", evidenceTable, err)
	}
	return nil
}

// Head returns the latest entry for an organization, or nil if the
// organization has no rows.
func (s *EvidenceStore) Head(ctx context.Context, orgID string) (*evidence.Entry, error) {
	query := selectEvidenceSQL + ` WHERE org_id = ? ORDER BY sequence DESC LIMIT 1`
	entries, err := s.queryEntries(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// ListByOrg returns all rows for an organization in sequence order.
func (s *EvidenceStore) ListByOrg(ctx context.Context, orgID string) ([]*evidence.Entry, error) {
	query := selectEvidenceSQL + ` WHERE org_id = ? ORDER BY sequence ASC`
	return s.queryEntries(ctx, query, orgID)
}

// Query returns rows matching the options, newest first.
func (s *EvidenceStore) Query(ctx context.Context, opts evidence.QueryOptions) ([]*evidence.Entry, error) {
	query := selectEvidenceSQL + ` WHERE org_id = ?`
	args := []any{opts.OrgID}

	if opts.Action != "" {
		query += ` AND action = ?`
		args = append(args, opts.Action)
	}
	if opts.ResourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, opts.ResourceType)
	}
	if opts.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, opts.ResourceID)
	}
	if opts.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, opts.Actor)
	}
	if !opts.StartTime.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, opts.StartTime)
	}
	if !opts.EndTime.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, opts.EndTime)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = evidence.DefaultQueryLimit
	}
	if limit > evidence.MaxQueryLimit {
		limit = evidence.MaxQueryLimit
	}
	query += ` ORDER BY sequence DESC LIMIT ?`
	args = append(args, limit)

	return s.queryEntries(ctx, query, args...)
}

// ListExpired returns rows whose retention expiry is before cutoff.
func (s *EvidenceStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*evidence.Entry, error) {
	query := selectEvidenceSQL + ` WHERE retain_until < ? ORDER BY org_id, sequence`
	return s.queryEntries(ctx, query, cutoff)
}

// PurgeExpired removes rows whose retention expiry is before cutoff. The
// delete runs as a synchronous mutation so the returned count reflects the
// rows actually removed.
func (s *EvidenceStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var count uint64
	countQuery := `SELECT count() FROM evidence_log WHERE retain_until < ?`
	rows, err := s.client.Query(ctx, countQuery, cutoff)
	if err != nil {
		return 0, WrapQueryError("PurgeExpired", evidenceTable, err)
	}
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			rows.Close()
			return 0, WrapQueryError("PurgeExpired", evidenceTable, err)
		}
	}
	rows.Close()

	if count == 0 {
		return 0, nil
	}

	mutation := `ALTER TABLE evidence_log DELETE WHERE retain_until < ? SETTINGS mutations_sync = 1`
	if err := s.client.Exec(ctx, mutation, cutoff); err != nil {
		return 0, WrapQueryError("PurgeExpired", evidenceTable, err)
	}

	s.logger.Info("purged expired evidence rows", "count", count, "cutoff", cutoff)
	return int(count), nil
}

const selectEvidenceSQL = `SELECT org_id, sequence, actor, action, resource_type,
	resource_id, payload, timestamp, prev_hash, row_hash, signature, retain_until
	FROM evidence_log`

func (s *EvidenceStore) queryEntries(ctx context.Context, query string, args ...any) ([]*evidence.Entry, error) {
	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Query", evidenceTable, err)
	}
	defer rows.Close()

	var entries []*evidence.Entry
	for rows.Next() {
		var (
			e       evidence.Entry
			payload string
		)
		if err := rows.Scan(
			&e.OrgID, &e.Sequence, &e.Actor, &e.Action, &e.ResourceType,
			&e.ResourceID, &payload, &e.Timestamp, &e.PrevHash, &e.RowHash,
			&e.Signature, &e.RetainUntil,
		); err != nil {
			return nil, WrapQueryError("Scan", evidenceTable, err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("%w: payload for sequence %d: %v", ErrInvalidData, e.Sequence, err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Query", evidenceTable, err)
	}
	return entries, nil
}
