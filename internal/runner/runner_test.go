package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/repository"
	"github.com/nadmax/opsconsole/internal/store"
	"github.com/nadmax/opsconsole/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	ids     []string
	reasons []string
	err     error
}

func (n *recordingNotifier) OperationFailed(ctx context.Context, op *operation.Operation, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, op.ID)
	n.reasons = append(n.reasons, reason)
	return n.err
}

func (n *recordingNotifier) calls() ([]string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...), append([]string(nil), n.reasons...)
}

type fixedSampler struct {
	snap telemetry.Snapshot
	err  error
}

func (s fixedSampler) Collect(ctx context.Context) (telemetry.Snapshot, error) {
	return s.snap, s.err
}

type testEnv struct {
	runner   *Runner
	store    *store.Store
	repo     *repository.MockOperationRepository
	notifier *recordingNotifier
}

func setupTestRunner(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	repo := repository.NewMockOperationRepository()
	st, err := store.New(context.Background(), store.Options{Addr: mr.Addr()}, repo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	notifier := &recordingNotifier{}
	r := New("test", st, Options{PollInterval: 5 * time.Millisecond}, notifier, zerolog.Nop())

	return &testEnv{runner: r, store: st, repo: repo, notifier: notifier}
}

func (e *testEnv) submit(t *testing.T, kind operation.Kind, config map[string]any) *operation.Operation {
	t.Helper()
	op := operation.New(kind, config)
	require.NoError(t, e.store.Create(context.Background(), op, "alice"))
	return op
}

func (e *testEnv) get(t *testing.T, id string) *operation.Operation {
	t.Helper()
	op, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return op
}

func TestNew(t *testing.T) {
	r := New("w1", nil, Options{}, nil, zerolog.Nop())

	assert.Equal(t, DefaultPollInterval, r.pollInterval)
	assert.Equal(t, "runner-w1", r.String())
	assert.NotNil(t, r.handlers)
}

func TestRegisterHandler(t *testing.T) {
	env := setupTestRunner(t)

	env.runner.RegisterHandler(operation.KindBackup, func(ctx context.Context, op *operation.Operation, r Reporter) error {
		return nil
	})

	assert.Contains(t, env.runner.handlers, operation.KindBackup)
}

func TestProcess_Success(t *testing.T) {
	env := setupTestRunner(t)
	env.runner.RegisterHandler(operation.KindBackup, func(ctx context.Context, op *operation.Operation, r Reporter) error {
		return r.Step(ctx, 50, "Compressing archive", "halfway")
	})
	op := env.submit(t, operation.KindBackup, nil)

	env.runner.process(context.Background(), op)

	got := env.get(t, op.ID)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "Completed", got.CurrentStep)
	require.NotNil(t, got.EstimatedCompletion)
	require.Len(t, got.Logs, 3)
	assert.Contains(t, got.Logs[0], "Started Database Backup")
	assert.Contains(t, got.Logs[1], "halfway")
	assert.Contains(t, got.Logs[2], "Database Backup completed")

	assert.Equal(t, 1, env.repo.GetCompleteCallCount())
	assert.Equal(t, 0, env.repo.GetFailCallCount())
	status, ok := env.repo.GetOperationStatus(op.ID)
	require.True(t, ok)
	assert.Equal(t, operation.StatusCompleted, status)

	ids, _ := env.notifier.calls()
	assert.Empty(t, ids)
}

func TestProcess_ReportsSteps(t *testing.T) {
	env := setupTestRunner(t)
	env.runner.RegisterHandler(operation.KindCacheClear, func(ctx context.Context, op *operation.Operation, r Reporter) error {
		require.NoError(t, r.Step(ctx, 40, "Flushing application cache", ""))
		require.NoError(t, r.Step(ctx, 150, "Overshoot", "clamped"))
		return nil
	})
	op := env.submit(t, operation.KindCacheClear, nil)

	env.runner.process(context.Background(), op)

	calls := env.repo.UpdateProgressCalls
	require.Len(t, calls, 3)
	assert.Equal(t, repository.UpdateProgressCall{ID: op.ID, Status: operation.StatusRunning, Progress: 0, Step: "Starting"}, calls[0])
	assert.Equal(t, 40, calls[1].Progress)
	assert.Equal(t, "Flushing application cache", calls[1].Step)
	assert.Equal(t, 100, calls[2].Progress)
	assert.Equal(t, 3, env.repo.GetLogStepCallCount())
}

func TestProcess_Failure(t *testing.T) {
	env := setupTestRunner(t)
	env.runner.RegisterHandler(operation.KindSecurityScan, func(ctx context.Context, op *operation.Operation, r Reporter) error {
		return errors.New("scanner unavailable")
	})
	op := env.submit(t, operation.KindSecurityScan, nil)

	env.runner.process(context.Background(), op)

	got := env.get(t, op.ID)
	assert.Equal(t, operation.StatusFailed, got.Status)
	assert.Equal(t, "Failed", got.CurrentStep)
	assert.Nil(t, got.EstimatedCompletion)
	assert.Contains(t, got.Logs[len(got.Logs)-1], "Error: scanner unavailable")

	require.Equal(t, 1, env.repo.GetFailCallCount())
	assert.Equal(t, "scanner unavailable", env.repo.FailCalls[0].Reason)

	ids, reasons := env.notifier.calls()
	assert.Equal(t, []string{op.ID}, ids)
	assert.Equal(t, []string{"scanner unavailable"}, reasons)
}

func TestProcess_NotifierErrorIgnored(t *testing.T) {
	env := setupTestRunner(t)
	env.notifier.err = errors.New("smtp down")
	op := env.submit(t, operation.KindBackup, nil)

	env.runner.process(context.Background(), op)

	assert.Equal(t, operation.StatusFailed, env.get(t, op.ID).Status)
}

func TestProcess_NoHandler(t *testing.T) {
	env := setupTestRunner(t)
	op := env.submit(t, operation.KindBackup, nil)

	env.runner.process(context.Background(), op)

	got := env.get(t, op.ID)
	assert.Equal(t, operation.StatusFailed, got.Status)
	_, reasons := env.notifier.calls()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "no handler for operation kind: backup")
}

func TestProcess_HandlerPanic(t *testing.T) {
	env := setupTestRunner(t)
	env.runner.RegisterHandler(operation.KindBackup, func(ctx context.Context, op *operation.Operation, r Reporter) error {
		panic("boom")
	})
	op := env.submit(t, operation.KindBackup, nil)

	assert.NotPanics(t, func() { env.runner.process(context.Background(), op) })

	got := env.get(t, op.ID)
	assert.Equal(t, operation.StatusFailed, got.Status)
	assert.Contains(t, got.Logs[len(got.Logs)-1], "handler panicked: boom")
}

func TestServe_ProcessesQueueInOrder(t *testing.T) {
	env := setupTestRunner(t)

	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, op *operation.Operation, r Reporter) error {
		mu.Lock()
		order = append(order, op.ID)
		mu.Unlock()
		return nil
	}
	env.runner.RegisterHandler(operation.KindBackup, record)
	env.runner.RegisterHandler(operation.KindCacheClear, record)

	first := operation.New(operation.KindBackup, nil)
	first.StartTime = time.Now().Add(-time.Minute)
	second := operation.New(operation.KindCacheClear, nil)
	require.NoError(t, env.store.Create(context.Background(), second, "alice"))
	require.NoError(t, env.store.Create(context.Background(), first, "alice"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.runner.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return env.get(t, second.ID).Status == operation.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first.ID, second.ID}, order)
}

func TestServe_ShutdownFailsRunningOperation(t *testing.T) {
	env := setupTestRunner(t)
	started := make(chan struct{})
	env.runner.RegisterHandler(operation.KindBackup, func(ctx context.Context, op *operation.Operation, r Reporter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	op := env.submit(t, operation.KindBackup, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.runner.Serve(ctx) }()

	<-started
	cancel()
	<-done

	got := env.get(t, op.ID)
	assert.Equal(t, operation.StatusFailed, got.Status)
	_, reasons := env.notifier.calls()
	assert.Equal(t, []string{"Interrupted by job service shutdown"}, reasons)
}

func TestServe_DefaultHandlersEndToEnd(t *testing.T) {
	env := setupTestRunner(t)
	RegisterDefaults(env.runner, fixedSampler{snap: telemetry.Snapshot{CPU: 12, UptimeMs: 3_600_000}}, 0)

	backup := env.submit(t, operation.KindBackup, map[string]any{"target": "s3://nightly"})
	check := env.submit(t, operation.KindHealthCheck, nil)
	failing := env.submit(t, operation.KindCacheClear, map[string]any{"simulate_failure": true})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = env.runner.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return env.get(t, backup.ID).Status.IsTerminal() &&
			env.get(t, check.ID).Status.IsTerminal() &&
			env.get(t, failing.ID).Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	gotBackup := env.get(t, backup.ID)
	assert.Equal(t, operation.StatusCompleted, gotBackup.Status)
	assert.Contains(t, gotBackup.Logs[3], "Archive uploaded to s3://nightly")

	gotCheck := env.get(t, check.ID)
	assert.Equal(t, operation.StatusCompleted, gotCheck.Status)
	assert.Contains(t, gotCheck.Logs[len(gotCheck.Logs)-2], "Host up 1h 0m")

	gotFailing := env.get(t, failing.ID)
	assert.Equal(t, operation.StatusFailed, gotFailing.Status)
	assert.Equal(t, 40, gotFailing.Progress)
	assert.Contains(t, gotFailing.Logs[len(gotFailing.Logs)-1], `simulated failure at step "Flushing CDN edge cache"`)
}
