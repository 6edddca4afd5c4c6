// Package launcher submits maintenance operations to the job service on behalf of an operator and
// registers the accepted operation in the console registry.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/metrics"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/registry"
	"github.com/rs/zerolog"
)

const initialStep = "Starting"

type Starter interface {
	StartOperation(ctx context.Context, kind operation.Kind, config map[string]any) (string, error)
}

type Launcher struct {
	starter  Starter
	registry *registry.Registry
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[operation.Kind]bool
}

func New(starter Starter, reg *registry.Registry, log zerolog.Logger) *Launcher {
	return &Launcher{
		starter:  starter,
		registry: reg,
		log:      log,
		now:      time.Now,
		pending:  make(map[operation.Kind]bool),
	}
}

// Start authorizes the caller, submits the operation and optimistically registers it as running at 0%.
// Nothing is sent to the job service when the caller is not an administrator, the kind is unknown, or a
// start of the same kind is still awaiting its response.
func (l *Launcher) Start(ctx context.Context, principal auth.Principal, kind operation.Kind, config map[string]any) (string, error) {
	if !principal.IsAdmin() {
		metrics.RecordOperationRejected(string(kind), "unauthorized")
		l.log.Warn().Str("user", principal.Username).Str("kind", string(kind)).Msg("start rejected: not an administrator")
		return "", operation.ErrUnauthorized
	}
	if !kind.Valid() {
		metrics.RecordOperationRejected(string(kind), "unknown_kind")
		return "", fmt.Errorf("%w: %q", operation.ErrUnknownKind, kind)
	}
	if !l.acquire(kind) {
		metrics.RecordOperationRejected(string(kind), "pending")
		return "", operation.ErrStartPending
	}
	defer l.release(kind)

	startedAt := l.now()
	id, err := l.starter.StartOperation(ctx, kind, config)
	if err != nil {
		metrics.RecordOperationRejected(string(kind), rejectionReason(err))
		l.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to start operation")
		return "", err
	}

	op := operation.Operation{
		ID:          id,
		Kind:        kind,
		Status:      operation.StatusRunning,
		Progress:    0,
		CurrentStep: initialStep,
		StartTime:   startedAt,
		Logs:        []string{fmt.Sprintf("[%s] %s started by %s", startedAt.Format(time.TimeOnly), kind.Label(), principal.Username)},
		Config:      config,
	}
	if err := l.registry.InsertProvisional(op); err != nil {
		// The poller already listed this id before the start call returned.
		l.log.Debug().Err(err).Str("id", id).Msg("operation already tracked")
	}

	metrics.RecordOperationStarted(string(kind))
	l.log.Info().Str("id", id).Str("kind", string(kind)).Str("user", principal.Username).Msg("operation started")

	return id, nil
}

// Pending reports whether a start of kind is awaiting the job service's answer.
func (l *Launcher) Pending(kind operation.Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending[kind]
}

func (l *Launcher) acquire(kind operation.Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending[kind] {
		return false
	}
	l.pending[kind] = true
	return true
}

func (l *Launcher) release(kind operation.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, kind)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, operation.ErrUnauthorized):
		return "unauthorized"
	case operation.IsRejected(err):
		return "rejected"
	case operation.IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}
