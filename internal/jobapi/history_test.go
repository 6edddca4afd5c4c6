package jobapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStats_Empty(t *testing.T) {
	env := setupTestAPI(t, false)

	w := env.do(t, http.MethodGet, "/api/maintenance/stats", env.token(t, auth.RoleAdmin), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.TotalOperations)
	assert.Equal(t, int64(0), stats.QueueDepth)
	assert.NotZero(t, stats.LastUpdated)
}

func TestGetStats_WithOperations(t *testing.T) {
	env := setupTestAPI(t, false)
	ctx := context.Background()

	queued := operation.New(operation.KindBackup, nil)
	require.NoError(t, env.store.Create(ctx, queued, "alice"))

	running := operation.New(operation.KindBackup, nil)
	require.NoError(t, env.store.Create(ctx, running, "alice"))
	_, err := env.store.Dequeue(ctx)
	require.NoError(t, err)
	running.CurrentStep = "Snapshotting database"
	require.NoError(t, env.store.Update(ctx, running))

	failed := operation.New(operation.KindCacheClear, nil)
	require.NoError(t, env.store.Create(ctx, failed, "alice"))
	_, err = env.store.Dequeue(ctx)
	require.NoError(t, err)
	failed.Status = operation.StatusFailed
	require.NoError(t, env.store.Fail(ctx, failed, "boom", 0))

	w := env.do(t, http.MethodGet, "/api/maintenance/stats", env.token(t, auth.RoleAdmin), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalOperations)
	assert.Equal(t, 1, stats.QueuedOperations)
	assert.Equal(t, 1, stats.RunningOperations)
	assert.Equal(t, 1, stats.FailedOperations)
	assert.Equal(t, 2, stats.OperationsByKind["backup"])
	assert.Equal(t, int64(1), stats.QueueDepth)
}

func TestGetHistory_NotConfigured(t *testing.T) {
	env := setupTestAPI(t, false)
	tok := env.token(t, auth.RoleAdmin)

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/maintenance/history", tok, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/maintenance/operations/x/steps", tok, nil).Code)
}

func TestGetHistory(t *testing.T) {
	env := setupTestAPI(t, true)
	env.repo.Stats = []repository.OperationStats{{Kind: "backup", Status: "completed", Count: 3, AvgDurationMs: 4100}}
	op := operation.New(operation.KindBackup, nil)
	require.NoError(t, env.store.Create(context.Background(), op, "alice"))

	w := env.do(t, http.MethodGet, "/api/maintenance/history?limit=10&hours=48", env.token(t, auth.RoleAdmin), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 48, resp.Hours)
	require.Len(t, resp.Recent, 1)
	assert.Equal(t, op.ID, resp.Recent[0].OperationID)
	require.Len(t, resp.Stats, 1)
	assert.Equal(t, 3, resp.Stats[0].Count)
}

func TestGetHistory_BadQuery(t *testing.T) {
	env := setupTestAPI(t, true)
	tok := env.token(t, auth.RoleAdmin)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/maintenance/history?limit=0", tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/maintenance/history?hours=abc", tok, nil).Code)
}

func TestGetHistory_RepositoryError(t *testing.T) {
	env := setupTestAPI(t, true)
	env.repo.RecentError = errors.New("connection reset")

	w := env.do(t, http.MethodGet, "/api/maintenance/history", env.token(t, auth.RoleAdmin), nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetStepLog(t *testing.T) {
	env := setupTestAPI(t, true)
	ctx := context.Background()
	op := operation.New(operation.KindBackup, nil)
	require.NoError(t, env.store.Create(ctx, op, "alice"))
	op.Status = operation.StatusRunning
	op.Progress = 20
	op.CurrentStep = "Snapshotting database"
	op.AppendLog("snapshot taken")
	require.NoError(t, env.store.Update(ctx, op))

	w := env.do(t, http.MethodGet, "/api/maintenance/operations/"+op.ID+"/steps", env.token(t, auth.RoleAdmin), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var entries []repository.StepLogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Snapshotting database", entries[0].Step)
	assert.Equal(t, "snapshot taken", entries[0].Message)
}
