package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/opsconsole/internal/operation"
)

// MockOperationRepository records every call and keeps a minimal in-memory history for assertions.
type MockOperationRepository struct {
	mu                  sync.Mutex
	SaveOperationCalls  []SaveOperationCall
	UpdateProgressCalls []UpdateProgressCall
	CompleteCalls       []CompleteCall
	FailCalls           []FailCall
	LogStepCalls        []LogStepCall
	Operations          map[string]*RecentOperation
	Stats               []OperationStats
	SaveOperationError  error
	UpdateProgressError error
	CompleteError       error
	FailError           error
	LogStepError        error
	StatsError          error
	RecentError         error
}

type (
	SaveOperationCall struct {
		Operation   operation.Operation
		RequestedBy string
	}

	UpdateProgressCall struct {
		ID       string
		Status   operation.Status
		Progress int
		Step     string
	}

	CompleteCall struct {
		ID         string
		DurationMs int
	}

	FailCall struct {
		ID         string
		Reason     string
		DurationMs int
	}

	LogStepCall struct {
		ID       string
		Step     string
		Progress int
		Message  string
	}
)

var _ OperationRepository = (*MockOperationRepository)(nil)

func NewMockOperationRepository() *MockOperationRepository {
	return &MockOperationRepository{
		Operations: make(map[string]*RecentOperation),
		Stats:      make([]OperationStats, 0),
	}
}

func (m *MockOperationRepository) SaveOperation(ctx context.Context, op *operation.Operation, requestedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveOperationCalls = append(m.SaveOperationCalls, SaveOperationCall{Operation: op.Clone(), RequestedBy: requestedBy})

	if m.SaveOperationError != nil {
		return m.SaveOperationError
	}

	m.Operations[op.ID] = &RecentOperation{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		Status:      string(op.Status),
		Progress:    op.Progress,
		CreatedAt:   op.StartTime,
	}
	return nil
}

func (m *MockOperationRepository) GetOperation(ctx context.Context, id string) (*RecentOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.Operations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}

	opCopy := *op
	return &opCopy, nil
}

func (m *MockOperationRepository) UpdateProgress(ctx context.Context, id string, status operation.Status, progress int, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateProgressCalls = append(m.UpdateProgressCalls, UpdateProgressCall{ID: id, Status: status, Progress: progress, Step: step})

	if m.UpdateProgressError != nil {
		return m.UpdateProgressError
	}

	if op, ok := m.Operations[id]; ok {
		op.Status = string(status)
		op.Progress = progress
	}
	return nil
}

func (m *MockOperationRepository) CompleteOperation(ctx context.Context, id string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteCalls = append(m.CompleteCalls, CompleteCall{ID: id, DurationMs: durationMs})

	if m.CompleteError != nil {
		return m.CompleteError
	}

	if op, ok := m.Operations[id]; ok {
		now := time.Now()
		op.Status = string(operation.StatusCompleted)
		op.Progress = 100
		op.CompletedAt = &now
		op.DurationMs = &durationMs
	}
	return nil
}

func (m *MockOperationRepository) FailOperation(ctx context.Context, id string, reason string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailCalls = append(m.FailCalls, FailCall{ID: id, Reason: reason, DurationMs: durationMs})

	if m.FailError != nil {
		return m.FailError
	}

	if op, ok := m.Operations[id]; ok {
		now := time.Now()
		op.Status = string(operation.StatusFailed)
		op.FailureReason = reason
		op.CompletedAt = &now
		op.DurationMs = &durationMs
	}
	return nil
}

func (m *MockOperationRepository) LogStep(ctx context.Context, id string, step string, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogStepCalls = append(m.LogStepCalls, LogStepCall{ID: id, Step: step, Progress: progress, Message: message})

	return m.LogStepError
}

func (m *MockOperationRepository) OperationStats(ctx context.Context, hours int) ([]OperationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return nil, m.StatsError
	}

	return append([]OperationStats(nil), m.Stats...), nil
}

func (m *MockOperationRepository) RecentOperations(ctx context.Context, limit int) ([]RecentOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecentError != nil {
		return nil, m.RecentError
	}

	ops := make([]RecentOperation, 0, len(m.Operations))
	for _, op := range m.Operations {
		ops = append(ops, *op)
		if limit > 0 && len(ops) >= limit {
			break
		}
	}
	return ops, nil
}

func (m *MockOperationRepository) StepLog(ctx context.Context, id string) ([]StepLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []StepLogEntry
	for _, c := range m.LogStepCalls {
		if c.ID == id {
			entries = append(entries, StepLogEntry{Step: c.Step, Progress: c.Progress, Message: c.Message})
		}
	}
	return entries, nil
}

func (m *MockOperationRepository) Close() error {
	return nil
}

func (m *MockOperationRepository) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveOperationCalls)
}

func (m *MockOperationRepository) GetCompleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

func (m *MockOperationRepository) GetFailCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.FailCalls)
}

func (m *MockOperationRepository) GetLogStepCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.LogStepCalls)
}

func (m *MockOperationRepository) WasOperationSaved(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Operations[id]
	return ok
}

func (m *MockOperationRepository) GetOperationStatus(id string) (operation.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.Operations[id]
	if !ok {
		return "", false
	}
	return operation.Status(op.Status), true
}

func (m *MockOperationRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveOperationCalls = nil
	m.UpdateProgressCalls = nil
	m.CompleteCalls = nil
	m.FailCalls = nil
	m.LogStepCalls = nil
	m.Operations = make(map[string]*RecentOperation)
}
