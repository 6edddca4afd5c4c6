// Package store keeps the job service's maintenance operations in Redis: a hash of operation records and
// a sorted set of operations waiting for a runner.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nadmax/opsconsole/internal/logging"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	operationsKey = "operations"
	queueKey      = "operation_queue"
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	client  *redis.Client
	history repository.OperationRepository
	log     zerolog.Logger
}

// New connects to Redis. history may be nil, in which case nothing is written to Postgres.
func New(ctx context.Context, opts Options, history repository.OperationRepository) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:  client,
		history: history,
		log:     logging.Component("store"),
	}, nil
}

func (s *Store) History() repository.OperationRepository {
	return s.history
}

// Create stores a new operation and queues it for the runner in submission order.
func (s *Store) Create(ctx context.Context, op *operation.Operation, requestedBy string) error {
	data, err := op.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, operationsKey, op.ID, data)
		pipe.ZAdd(ctx, queueKey, redis.Z{
			Score:  float64(op.StartTime.UnixMilli()),
			Member: op.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store operation: %w", err)
	}

	if s.history != nil {
		if err := s.history.SaveOperation(ctx, op, requestedBy); err != nil {
			s.log.Warn().Err(err).Str("id", op.ID).Msg("failed to save operation history")
		}
	}

	return nil
}

// Dequeue pops the oldest queued operation. It returns nil without error when the queue is empty.
func (s *Store) Dequeue(ctx context.Context) (*operation.Operation, error) {
	popped, err := s.client.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop queue: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %v", popped[0].Member)
	}

	return s.Get(ctx, id)
}

// Update overwrites the stored record and mirrors progress into history.
func (s *Store) Update(ctx context.Context, op *operation.Operation) error {
	if err := s.put(ctx, op); err != nil {
		return err
	}

	if s.history != nil {
		if err := s.history.UpdateProgress(ctx, op.ID, op.Status, op.Progress, op.CurrentStep); err != nil {
			s.log.Warn().Err(err).Str("id", op.ID).Msg("failed to update operation history")
		}
		if err := s.history.LogStep(ctx, op.ID, op.CurrentStep, op.Progress, lastLog(op)); err != nil {
			s.log.Warn().Err(err).Str("id", op.ID).Msg("failed to log operation step")
		}
	}

	return nil
}

func (s *Store) Complete(ctx context.Context, op *operation.Operation, duration time.Duration) error {
	if err := s.put(ctx, op); err != nil {
		return err
	}

	if s.history != nil {
		if err := s.history.CompleteOperation(ctx, op.ID, int(duration.Milliseconds())); err != nil {
			s.log.Warn().Err(err).Str("id", op.ID).Msg("failed to record completion")
		}
	}

	return nil
}

func (s *Store) Fail(ctx context.Context, op *operation.Operation, reason string, duration time.Duration) error {
	if err := s.put(ctx, op); err != nil {
		return err
	}

	if s.history != nil {
		if err := s.history.FailOperation(ctx, op.ID, reason, int(duration.Milliseconds())); err != nil {
			s.log.Warn().Err(err).Str("id", op.ID).Msg("failed to record failure")
		}
	}

	return nil
}

func (s *Store) put(ctx context.Context, op *operation.Operation) error {
	data, err := op.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}
	if err := s.client.HSet(ctx, operationsKey, op.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*operation.Operation, error) {
	data, err := s.client.HGet(ctx, operationsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return operation.FromJSON(data)
}

// List returns every stored operation, newest first. Records that fail to decode are skipped.
func (s *Store) List(ctx context.Context) ([]operation.Operation, error) {
	all, err := s.client.HGetAll(ctx, operationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	ops := make([]operation.Operation, 0, len(all))
	for id, data := range all {
		op, err := operation.FromJSON(data)
		if err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("skipping undecodable operation")
			continue
		}
		ops = append(ops, *op)
	}

	slices.SortFunc(ops, func(a, b operation.Operation) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	return ops, nil
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, queueKey).Result()
}

// Prune deletes finished operations that started before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	ops, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, op := range ops {
		if op.Status.IsTerminal() && op.StartTime.Before(cutoff) {
			ids = append(ids, op.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.client.HDel(ctx, operationsKey, ids...).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune operations: %w", err)
	}

	return len(ids), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func lastLog(op *operation.Operation) string {
	if len(op.Logs) == 0 {
		return ""
	}
	return op.Logs[len(op.Logs)-1]
}
