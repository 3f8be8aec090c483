package storage

import (
	"context"
	"log/slog"
	"time"

	"remedyd/internal/remediation"
)

const recordsTable = "remediation_executions"

const createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS remediation_executions (
    id           String,
    org_id       String,
    action_id    String,
    action_type  LowCardinality(String),
    target       String,
    status       LowCardinality(String),
    success      UInt8,
    message      String,
    error_code   LowCardinality(String),
    dry_run      UInt8,
    execution_id String,
    workflow_id  String,
    elapsed_ns   Int64,
    executed_at  DateTime64(9, 'UTC')
) ENGINE = MergeTree()
ORDER BY (org_id, executed_at, id)
`

// RecordStore is the ClickHouse-backed remediation execution record store.
type RecordStore struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewRecordStore creates a RecordStore and ensures its table exists.
func NewRecordStore(ctx context.Context, client *ClickHouseClient, logger *slog.Logger) (*RecordStore, error) {
	if err := client.Exec(ctx, createRecordsTableSQL); err != nil {
		return nil, WrapQueryError("CreateTable", recordsTable, err)
	}
	return &RecordStore{
		client: client,
		logger: logger.With("component", "record_store"),
	}, nil
}

// Save persists one execution record.
func (s *RecordStore) Save(ctx context.Context, rec *remediation.ExecutionRecord) error {
	query := `INSERT INTO remediation_executions
		(id, org_id, action_id, action_type, target, status, success, message,
		 error_code, dry_run, execution_id, workflow_id, elapsed_ns, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := s.client.Exec(ctx, query,
		rec.ID, rec.OrgID, rec.ActionID, string(rec.ActionType), rec.Target,
		string(rec.Status), boolToUInt8(rec.Success), rec.Message, rec.ErrorCode,
		boolToUInt8(rec.DryRun), rec.ExecutionID, rec.WorkflowID,
		rec.Elapsed.Nanoseconds(), rec.ExecutedAt,
	)
	if err != nil {
		return WrapInsertError("Save", recordsTable, err)
	}
	return nil
}

// Query returns records matching the filter, newest first.
func (s *RecordStore) Query(ctx context.Context, q remediation.RecordQuery) ([]*remediation.ExecutionRecord, error) {
	query := `SELECT id, org_id, action_id, action_type, target, status, success,
		message, error_code, dry_run, execution_id, workflow_id, elapsed_ns, executed_at
		FROM remediation_executions WHERE org_id = ?`
	args := []any{q.OrgID}

	if q.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, string(q.ActionType))
	}
	if q.Target != "" {
		query += ` AND target = ?`
		args = append(args, q.Target)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if !q.StartTime.IsZero() {
		query += ` AND executed_at >= ?`
		args = append(args, q.StartTime)
	}
	if !q.EndTime.IsZero() {
		query += ` AND executed_at <= ?`
		args = append(args, q.EndTime)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY executed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Query", recordsTable, err)
	}
	defer rows.Close()

	var recs []*remediation.ExecutionRecord
	for rows.Next() {
		var (
			rec             remediation.ExecutionRecord
			actionType      string
			status          string
			success, dryRun uint8
			elapsedNS       int64
			executedAt      time.Time
		)
		if err := rows.Scan(
			&rec.ID, &rec.OrgID, &rec.ActionID, &actionType, &rec.Target,
			&status, &success, &rec.Message, &rec.ErrorCode, &dryRun,
			&rec.ExecutionID, &rec.WorkflowID, &elapsedNS, &executedAt,
		); err != nil {
			return nil, WrapQueryError("Scan", recordsTable, err)
		}
		rec.ActionType = remediation.ActionType(actionType)
		rec.Status = remediation.ExecutionStatus(status)
		rec.Success = success != 0
		rec.DryRun = dryRun != 0
		rec.Elapsed = time.Duration(elapsedNS)
		rec.ExecutedAt = executedAt
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Query", recordsTable, err)
	}
	return recs, nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
