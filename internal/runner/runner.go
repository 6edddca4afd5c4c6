// Package runner executes queued maintenance operations for the job service.
//
// A Runner pops operations from the store in submission order and drives each one through its
// kind's handler, writing progress, the current step and log lines back to the store after every
// step so the console can observe them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/opsconsole/internal/metrics"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/store"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	logTimeLayout       = "15:04:05"
)

// Handler performs one operation, reporting each step through r.
type Handler func(ctx context.Context, op *operation.Operation, r Reporter) error

type Reporter interface {
	Step(ctx context.Context, progress int, step, message string) error
}

// FailureNotifier is told about every operation that ends in failure.
type FailureNotifier interface {
	OperationFailed(ctx context.Context, op *operation.Operation, reason string) error
}

type Options struct {
	PollInterval time.Duration
}

type Runner struct {
	id           string
	store        *store.Store
	handlers     map[operation.Kind]Handler
	notifier     FailureNotifier
	pollInterval time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// New builds a runner with no handlers registered. notifier may be nil.
func New(id string, st *store.Store, opts Options, notifier FailureNotifier, log zerolog.Logger) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Runner{
		id:           id,
		store:        st,
		handlers:     make(map[operation.Kind]Handler),
		notifier:     notifier,
		pollInterval: opts.PollInterval,
		log:          log.With().Str("runner", id).Logger(),
		now:          time.Now,
	}
}

func (r *Runner) RegisterHandler(kind operation.Kind, h Handler) {
	r.handlers[kind] = h
}

func (r *Runner) String() string {
	return "runner-" + r.id
}

// Serve polls the queue until ctx is cancelled. An operation already started when ctx ends is
// recorded as failed rather than left running.
func (r *Runner) Serve(ctx context.Context) error {
	r.log.Info().Dur("poll_interval", r.pollInterval).Msg("runner started")

	for {
		if err := ctx.Err(); err != nil {
			r.log.Info().Msg("runner stopped")
			return err
		}

		op, err := r.store.Dequeue(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("failed to dequeue operation")
		}
		if err != nil || op == nil {
			select {
			case <-ctx.Done():
			case <-time.After(r.pollInterval):
			}
			continue
		}

		r.process(ctx, op)
	}
}

func (r *Runner) process(ctx context.Context, op *operation.Operation) {
	log := r.log.With().Str("id", op.ID).Str("kind", string(op.Kind)).Logger()
	log.Info().Msg("processing operation")

	started := r.now()
	op.Status = operation.StatusRunning
	op.CurrentStep = "Starting"
	op.AppendLog(r.logLine("Started " + op.Kind.Label()))
	if err := r.store.Update(ctx, op); err != nil {
		log.Error().Err(err).Msg("failed to mark operation running")
	}

	handler, exists := r.handlers[op.Kind]
	var err error
	if !exists {
		err = fmt.Errorf("no handler for operation kind: %s", op.Kind)
	} else {
		err = r.run(ctx, handler, op)
	}

	// Terminal writes must land even when shutdown cancelled the handler.
	finishCtx := context.WithoutCancel(ctx)
	duration := r.now().Sub(started)

	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			reason = "Interrupted by job service shutdown"
		}
		r.fail(finishCtx, log, op, reason, duration)
		return
	}

	now := r.now()
	op.Status = operation.StatusCompleted
	op.Progress = 100
	op.CurrentStep = "Completed"
	op.EstimatedCompletion = &now
	op.AppendLog(r.logLine(op.Kind.Label() + " completed"))
	if err := r.store.Complete(finishCtx, op, duration); err != nil {
		log.Error().Err(err).Msg("failed to record completion")
	}
	metrics.RecordJobFinished(string(op.Kind), string(operation.StatusCompleted), duration)
	log.Info().Dur("duration", duration).Msg("operation completed")
}

func (r *Runner) run(ctx context.Context, h Handler, op *operation.Operation) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()

	return h(ctx, op, &stepReporter{runner: r, op: op, started: r.now()})
}

func (r *Runner) fail(ctx context.Context, log zerolog.Logger, op *operation.Operation, reason string, duration time.Duration) {
	op.Status = operation.StatusFailed
	op.CurrentStep = "Failed"
	op.EstimatedCompletion = nil
	op.AppendLog(r.logLine("Error: " + reason))
	if err := r.store.Fail(ctx, op, reason, duration); err != nil {
		log.Error().Err(err).Msg("failed to record failure")
	}
	metrics.RecordJobFinished(string(op.Kind), string(operation.StatusFailed), duration)
	log.Warn().Str("reason", reason).Msg("operation failed")

	if r.notifier != nil {
		if err := r.notifier.OperationFailed(ctx, op, reason); err != nil {
			log.Warn().Err(err).Msg("failed to send failure notification")
		}
	}
}

func (r *Runner) logLine(msg string) string {
	return fmt.Sprintf("[%s] %s", r.now().Format(logTimeLayout), msg)
}

type stepReporter struct {
	runner  *Runner
	op      *operation.Operation
	started time.Time
}

// Step records progress and re-estimates completion by extrapolating elapsed time linearly.
func (s *stepReporter) Step(ctx context.Context, progress int, step, message string) error {
	progress = min(max(progress, 0), 100)

	s.op.Progress = progress
	s.op.CurrentStep = step
	if message != "" {
		s.op.AppendLog(s.runner.logLine(message))
	}

	if progress > 0 {
		elapsed := s.runner.now().Sub(s.started)
		eta := s.started.Add(elapsed * 100 / time.Duration(progress))
		s.op.EstimatedCompletion = &eta
	}

	if err := s.runner.store.Update(ctx, s.op); err != nil {
		return fmt.Errorf("failed to report step %q: %w", step, err)
	}
	return nil
}
