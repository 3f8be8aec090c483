package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"remedyd/internal/workflow"
)

// Redis key layout. Run and approval records are JSON values keyed by id;
// membership sets index the active and pending subsets so sweeps avoid
// scanning the keyspace.
const (
	execKeyPrefix     = "remedyd:exec:"
	execActiveSet     = "remedyd:exec:active"
	approvalKeyPrefix = "remedyd:approval:"
	approvalPending   = "remedyd:approval:pending"
	approvalByExec    = "remedyd:approval:by_exec:"
)

// RedisConfig holds the configuration for the Redis connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, WrapConnectionError("Ping", err)
	}
	return client, nil
}

// RedisExecutionStore is the Redis-backed workflow execution store. Updates
// use WATCH transactions keyed on the stored version so concurrent writers
// resolve through first-write-wins.
type RedisExecutionStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisExecutionStore creates a RedisExecutionStore.
func NewRedisExecutionStore(client *redis.Client, logger *slog.Logger) *RedisExecutionStore {
	return &RedisExecutionStore{
		client: client,
		logger: logger.With("component", "execution_store"),
	}
}

// Insert stores a new run and adds it to the active set.
func (s *RedisExecutionStore) Insert(ctx context.Context, exec *workflow.Execution) error {
	exec.Version = 1
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("%w: execution: %v", ErrInvalidData, err)
	}

	key := execKeyPrefix + exec.ID
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return WrapInsertError("Insert", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: execution %s already exists", ErrInvalidData, exec.ID)
	}
	if !exec.Status.Terminal() {
		if err := s.client.SAdd(ctx, execActiveSet, exec.ID).Err(); err != nil {
			return WrapInsertError("Insert", execActiveSet, err)
		}
	}
	return nil
}

// Update replaces a run when its stored version matches the caller's copy; on
// success the caller's version is incremented. A lost WATCH race or a stored
// version mismatch both surface as workflow.ErrVersionConflict.
func (s *RedisExecutionStore) Update(ctx context.Context, exec *workflow.Execution) error {
	key := execKeyPrefix + exec.ID

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return workflow.ErrExecutionNotFound
			}
			return err
		}
		var stored workflow.Execution
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("%w: execution %s: %v", ErrInvalidData, exec.ID, err)
		}
		if stored.Version != exec.Version {
			return workflow.ErrVersionConflict
		}

		next := *exec
		next.Version = exec.Version + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("%w: execution: %v", ErrInvalidData, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.Status.Terminal() {
				pipe.SRem(ctx, execActiveSet, exec.ID)
			} else {
				pipe.SAdd(ctx, execActiveSet, exec.ID)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return workflow.ErrVersionConflict
	}
	if err != nil {
		return err
	}
	exec.Version++
	return nil
}

// Get returns one run by id.
func (s *RedisExecutionStore) Get(ctx context.Context, executionID string) (*workflow.Execution, error) {
	raw, err := s.client.Get(ctx, execKeyPrefix+executionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, workflow.ErrExecutionNotFound
		}
		return nil, WrapQueryError("Get", execKeyPrefix+executionID, err)
	}
	var exec workflow.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("%w: execution %s: %v", ErrInvalidData, executionID, err)
	}
	return &exec, nil
}

// ListActive returns all non-terminal runs.
func (s *RedisExecutionStore) ListActive(ctx context.Context) ([]*workflow.Execution, error) {
	ids, err := s.client.SMembers(ctx, execActiveSet).Result()
	if err != nil {
		return nil, WrapQueryError("ListActive", execActiveSet, err)
	}

	var execs []*workflow.Execution
	for _, id := range ids {
		exec, err := s.Get(ctx, id)
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			// Stale set member; drop it.
			s.client.SRem(ctx, execActiveSet, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !exec.Status.Terminal() {
			execs = append(execs, exec)
		}
	}
	return execs, nil
}

// RedisApprovalStore is the Redis-backed pending approval store.
type RedisApprovalStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisApprovalStore creates a RedisApprovalStore.
func NewRedisApprovalStore(client *redis.Client, logger *slog.Logger) *RedisApprovalStore {
	return &RedisApprovalStore{
		client: client,
		logger: logger.With("component", "approval_store"),
	}
}

// Insert stores a new pending approval and indexes it by execution.
func (s *RedisApprovalStore) Insert(ctx context.Context, pa *workflow.PendingApproval) error {
	pa.Version = 1
	data, err := json.Marshal(pa)
	if err != nil {
		return fmt.Errorf("%w: approval: %v", ErrInvalidData, err)
	}

	key := approvalKeyPrefix + pa.ID
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return WrapInsertError("Insert", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: approval %s already exists", ErrInvalidData, pa.ID)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, approvalPending, pa.ID)
	pipe.SAdd(ctx, approvalByExec+pa.ExecutionID, pa.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return WrapInsertError("Insert", approvalPending, err)
	}
	return nil
}

// Update replaces an approval when its stored version matches the caller's
// copy. Resolved approvals leave the pending set but keep their record so
// late decisions can be answered.
func (s *RedisApprovalStore) Update(ctx context.Context, pa *workflow.PendingApproval) error {
	key := approvalKeyPrefix + pa.ID

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return workflow.ErrApprovalNotFound
			}
			return err
		}
		var stored workflow.PendingApproval
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("%w: approval %s: %v", ErrInvalidData, pa.ID, err)
		}
		if stored.Version != pa.Version {
			return workflow.ErrVersionConflict
		}

		next := *pa
		next.Version = pa.Version + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("%w: approval: %v", ErrInvalidData, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.Status != workflow.ApprovalPending {
				pipe.SRem(ctx, approvalPending, pa.ID)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return workflow.ErrVersionConflict
	}
	if err != nil {
		return err
	}
	pa.Version++
	return nil
}

// Get returns one approval by id.
func (s *RedisApprovalStore) Get(ctx context.Context, approvalID string) (*workflow.PendingApproval, error) {
	raw, err := s.client.Get(ctx, approvalKeyPrefix+approvalID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, workflow.ErrApprovalNotFound
		}
		return nil, WrapQueryError("Get", approvalKeyPrefix+approvalID, err)
	}
	var pa workflow.PendingApproval
	if err := json.Unmarshal(raw, &pa); err != nil {
		return nil, fmt.Errorf("%w: approval %s: %v", ErrInvalidData, approvalID, err)
	}
	return &pa, nil
}

// ListPending returns all approvals still awaiting a decision.
func (s *RedisApprovalStore) ListPending(ctx context.Context) ([]*workflow.PendingApproval, error) {
	ids, err := s.client.SMembers(ctx, approvalPending).Result()
	if err != nil {
		return nil, WrapQueryError("ListPending", approvalPending, err)
	}

	var pending []*workflow.PendingApproval
	for _, id := range ids {
		pa, err := s.Get(ctx, id)
		if errors.Is(err, workflow.ErrApprovalNotFound) {
			s.client.SRem(ctx, approvalPending, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if pa.Status == workflow.ApprovalPending {
			pending = append(pending, pa)
		}
	}
	return pending, nil
}

// DeleteByExecution removes all still-pending approvals for a run and
// returns how many were removed. Resolved approvals are left in place.
func (s *RedisApprovalStore) DeleteByExecution(ctx context.Context, executionID string) int {
	indexKey := approvalByExec + executionID

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		s.logger.Warn("failed to list approvals for execution",
			"execution_id", executionID, "error", err)
		return 0
	}

	removed := 0
	for _, id := range ids {
		pa, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if pa.Status != workflow.ApprovalPending {
			continue
		}
		pipe := s.client.Pipeline()
		pipe.Del(ctx, approvalKeyPrefix+id)
		pipe.SRem(ctx, approvalPending, id)
		pipe.SRem(ctx, indexKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("failed to delete pending approval",
				"approval_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}
