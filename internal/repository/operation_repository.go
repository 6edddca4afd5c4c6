package repository

import (
	"context"

	"github.com/nadmax/opsconsole/internal/operation"
)

type OperationRepository interface {
	SaveOperation(ctx context.Context, op *operation.Operation, requestedBy string) error
	GetOperation(ctx context.Context, id string) (*RecentOperation, error)
	UpdateProgress(ctx context.Context, id string, status operation.Status, progress int, step string) error
	CompleteOperation(ctx context.Context, id string, durationMs int) error
	FailOperation(ctx context.Context, id string, reason string, durationMs int) error
	LogStep(ctx context.Context, id string, step string, progress int, message string) error
	OperationStats(ctx context.Context, hours int) ([]OperationStats, error)
	RecentOperations(ctx context.Context, limit int) ([]RecentOperation, error)
	StepLog(ctx context.Context, id string) ([]StepLogEntry, error)
	Close() error
}

var _ OperationRepository = (*PostgresOperationRepository)(nil)
