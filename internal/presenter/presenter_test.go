package presenter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/launcher"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/poller"
	"github.com/nadmax/opsconsole/internal/registry"
	"github.com/nadmax/opsconsole/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobService struct {
	mu         sync.Mutex
	snapshot   telemetry.Snapshot
	ops        []operation.Operation
	metricsErr error
	startID    string
	startErr   error
	starts     int
}

func (f *fakeJobService) GetMetrics(ctx context.Context) (telemetry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.metricsErr
}

func (f *fakeJobService) ListOperations(ctx context.Context) ([]operation.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ops, nil
}

func (f *fakeJobService) StartOperation(ctx context.Context, kind operation.Kind, config map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startID, f.startErr
}

var (
	admin  = auth.Principal{Username: "root", Role: auth.RoleAdmin}
	viewer = auth.Principal{Username: "guest", Role: auth.RoleViewer}
)

func setupTestPresenter(t *testing.T, svc *fakeJobService) (*Presenter, *registry.Registry, *telemetry.Holder) {
	t.Helper()

	reg := registry.New(0)
	holder := telemetry.NewHolder()
	notes := NewNotifications(20)
	p := poller.New(poller.Config{Enabled: true, MinInterval: time.Millisecond, FetchTimeout: time.Second},
		svc, reg, holder, PollerHooks(notes), zerolog.Nop())
	l := launcher.New(svc, reg, zerolog.Nop())

	return New(Config{LogTail: 2, StaleAfter: time.Minute}, reg, holder, p, l, notes, zerolog.Nop()), reg, holder
}

func findGauge(t *testing.T, d Dashboard, name string) Gauge {
	t.Helper()
	for _, g := range d.Gauges {
		if g.Name == name {
			return g
		}
	}
	t.Fatalf("gauge %s not found", name)
	return Gauge{}
}

func TestDashboard_Gauges(t *testing.T) {
	svc := &fakeJobService{snapshot: telemetry.Snapshot{
		CPU: 85, Memory: 60, Disk: 120, Network: 10, Temperature: 52,
		UptimeMs: (26*60 + 5) * 60_000, ActiveConnections: 14, RequestsPerMinute: 230,
	}}
	pr, _, _ := setupTestPresenter(t, svc)
	require.True(t, pr.Refresh(context.Background()))

	d := pr.Dashboard(time.Now())

	require.Len(t, d.Gauges, 8)
	assert.Equal(t, SeverityCritical, findGauge(t, d, "cpu").Severity)
	assert.Equal(t, SeverityWarning, findGauge(t, d, "memory").Severity)
	assert.Equal(t, "100.0%", findGauge(t, d, "disk").Display, "display clamped")
	assert.Equal(t, 120.0, findGauge(t, d, "disk").Value)
	assert.Equal(t, SeverityWarning, findGauge(t, d, "temperature").Severity, "temperature uses its own threshold")
	assert.Equal(t, "1d 2h 5m", findGauge(t, d, "uptime").Display)
	assert.Equal(t, "230", findGauge(t, d, "requests_per_minute").Display)
	assert.False(t, d.MetricsStale)
	assert.NotNil(t, d.LastUpdated)
	assert.Equal(t, poller.Idle, d.Poller.State)
	assert.True(t, d.Poller.AutoRefresh)
}

func TestDashboard_StaleBeforeFirstFetch(t *testing.T) {
	pr, _, _ := setupTestPresenter(t, &fakeJobService{})

	d := pr.Dashboard(time.Now())

	assert.True(t, d.MetricsStale)
	assert.Nil(t, d.LastUpdated)
	assert.Len(t, d.Gauges, 8)
}

func TestDashboard_MetricsFailureKeepsDataAndFlagsStale(t *testing.T) {
	svc := &fakeJobService{snapshot: telemetry.Snapshot{CPU: 40}}
	pr, _, _ := setupTestPresenter(t, svc)
	require.True(t, pr.Refresh(context.Background()))

	svc.mu.Lock()
	svc.metricsErr = &operation.TransportError{Op: "get metrics", Err: errors.New("refused")}
	svc.snapshot = telemetry.Snapshot{CPU: 99}
	svc.mu.Unlock()
	require.True(t, pr.Refresh(context.Background()))

	d := pr.Dashboard(time.Now())

	assert.Equal(t, 40.0, findGauge(t, d, "cpu").Value)
	assert.True(t, d.MetricsStale)
	assert.Contains(t, d.MetricsError, "refused")
	recent := pr.Notifications().Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, LevelWarning, recent[0].Level)
	assert.Contains(t, recent[0].Message, "metrics")
}

func TestDashboard_Operations(t *testing.T) {
	pr, reg, _ := setupTestPresenter(t, &fakeJobService{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Insert(operation.Operation{
		ID: "op-1", Kind: operation.KindBackup, Status: operation.StatusRunning, Progress: 130,
		StartTime: now.Add(-125 * time.Second), Logs: []string{"a", "b", "c"},
	}))
	require.NoError(t, reg.Insert(operation.Operation{
		ID: "op-2", Kind: operation.KindCacheClear, Status: operation.StatusCompleted, Progress: 100,
		StartTime: now.Add(-time.Hour),
	}))

	d := pr.Dashboard(now)

	require.Len(t, d.Operations, 2)
	running := d.Operations[0]
	assert.Equal(t, "op-1", running.ID)
	assert.Equal(t, "Database Backup", running.Label)
	assert.Equal(t, 100, running.Progress)
	assert.Equal(t, "2m 5s", running.Elapsed)
	assert.Equal(t, []string{"b", "c"}, running.Logs)
	assert.False(t, running.Dismissable)

	done := d.Operations[1]
	assert.Empty(t, done.Elapsed)
	assert.True(t, done.Dismissable)
	assert.NotNil(t, done.Logs)
}

func TestStartOperation_NonAdminAccessDenied(t *testing.T) {
	svc := &fakeJobService{startID: "op-1"}
	pr, reg, _ := setupTestPresenter(t, svc)

	_, err := pr.StartOperation(context.Background(), viewer, operation.KindBackup, nil)

	assert.ErrorIs(t, err, operation.ErrUnauthorized)
	assert.Equal(t, 0, svc.starts, "no network call")
	assert.Equal(t, 0, reg.Len())
	recent := pr.Notifications().Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "Access Denied", recent[0].Message)
	assert.Equal(t, LevelDanger, recent[0].Level)
}

func TestStartOperation_ShowsRunningImmediately(t *testing.T) {
	svc := &fakeJobService{startID: "bk-1"}
	pr, _, _ := setupTestPresenter(t, svc)

	op, err := pr.StartOperation(context.Background(), admin, operation.KindBackup, map[string]any{"target": "s3"})

	require.NoError(t, err)
	assert.Equal(t, "bk-1", op.ID)
	assert.Equal(t, operation.StatusRunning, op.Status)
	assert.Equal(t, 0, op.Progress)

	d := pr.Dashboard(time.Now())
	require.Len(t, d.Operations, 1)
	assert.True(t, d.Operations[0].Provisional)
	assert.Equal(t, "Database Backup started", pr.Notifications().Recent(1)[0].Message)
}

func TestStartOperation_FailureNotifications(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"rejected", &operation.RejectedError{StatusCode: 422, Message: "retention must be positive"}, "retention must be positive"},
		{"transport", &operation.TransportError{Op: "start operation", Err: context.DeadlineExceeded}, "Failed to start Database Backup: job service unreachable"},
		{"upstream unauthorized", operation.ErrUnauthorized, "Access Denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr, reg, _ := setupTestPresenter(t, &fakeJobService{startErr: tt.err})

			_, err := pr.StartOperation(context.Background(), admin, operation.KindBackup, nil)

			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 0, reg.Len())
			assert.Equal(t, tt.message, pr.Notifications().Recent(1)[0].Message)
		})
	}
}

func TestToggleAutoRefresh(t *testing.T) {
	svc := &fakeJobService{snapshot: telemetry.Snapshot{CPU: 10}}
	pr, _, _ := setupTestPresenter(t, svc)
	require.True(t, pr.Refresh(context.Background()))

	assert.False(t, pr.ToggleAutoRefresh())
	d := pr.Dashboard(time.Now())
	assert.Equal(t, poller.Suspended, d.Poller.State)
	assert.Equal(t, 10.0, findGauge(t, d, "cpu").Value, "data kept while suspended")
	assert.Equal(t, "Auto-refresh disabled", pr.Notifications().Recent(1)[0].Message)

	assert.True(t, pr.ToggleAutoRefresh())
	assert.Equal(t, "Auto-refresh enabled", pr.Notifications().Recent(1)[0].Message)
}

func TestDismiss(t *testing.T) {
	svc := &fakeJobService{ops: []operation.Operation{{ID: "op-1", Status: operation.StatusCompleted, Progress: 100}}}
	pr, reg, _ := setupTestPresenter(t, svc)
	require.True(t, pr.Refresh(context.Background()))

	require.NoError(t, pr.Dismiss("op-1"))
	assert.ErrorIs(t, pr.Dismiss("op-1"), operation.ErrNotFound)

	require.True(t, pr.Refresh(context.Background()))
	assert.Equal(t, 0, reg.Len(), "dismissed operation stays hidden")
}

func TestPollerHooks_Abandoned(t *testing.T) {
	notes := NewNotifications(5)
	PollerHooks(notes).Abandoned([]string{"ghost"})

	recent := notes.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, LevelDanger, recent[0].Level)
	assert.Contains(t, recent[0].Message, "ghost")
}
