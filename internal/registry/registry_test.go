package registry

import (
	"testing"
	"time"

	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunning(id string, kind operation.Kind) operation.Operation {
	return operation.Operation{
		ID:          id,
		Kind:        kind,
		Status:      operation.StatusRunning,
		Progress:    0,
		CurrentStep: "Starting",
		StartTime:   time.Now(),
		Logs:        []string{"started"},
	}
}

func TestNew_DefaultAbandonAfter(t *testing.T) {
	assert.Equal(t, DefaultAbandonAfter, New(0).abandonAfter)
	assert.Equal(t, 3, New(3).abandonAfter)
}

func TestInsert(t *testing.T) {
	r := New(0)

	require.NoError(t, r.Insert(newRunning("op-1", operation.KindBackup)))

	op, ok := r.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, operation.StatusRunning, op.Status)
	assert.False(t, r.Provisional("op-1"))
	assert.Equal(t, 1, r.Len())
}

func TestInsert_Rejects(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Insert(newRunning("op-1", operation.KindBackup)))

	assert.Error(t, r.Insert(newRunning("op-1", operation.KindBackup)))
	assert.Error(t, r.Insert(operation.Operation{}))
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Insert(newRunning("op-1", operation.KindBackup)))

	op, _ := r.Get("op-1")
	op.Logs[0] = "mutated"
	op.Progress = 99

	again, _ := r.Get("op-1")
	assert.Equal(t, "started", again.Logs[0])
	assert.Equal(t, 0, again.Progress)
}

func TestUpdate(t *testing.T) {
	r := New(0)
	original := newRunning("op-1", operation.KindBackup)
	require.NoError(t, r.Insert(original))

	err := r.Update("op-1", func(op *operation.Operation) {
		op.Progress = 40
		op.Kind = operation.KindCacheClear
		op.ID = "hijacked"
	})
	require.NoError(t, err)

	op, ok := r.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, 40, op.Progress)
	assert.Equal(t, operation.KindBackup, op.Kind, "kind is immutable")
	assert.Equal(t, original.StartTime, op.StartTime)

	assert.ErrorIs(t, r.Update("missing", func(*operation.Operation) {}), operation.ErrNotFound)
}

func TestMerge_UpdatesKnownAndInsertsNew(t *testing.T) {
	r := New(0)
	local := newRunning("op-1", operation.KindBackup)
	require.NoError(t, r.InsertProvisional(local))

	eta := time.Now().Add(time.Minute)
	res := r.Merge([]operation.Operation{
		{
			ID: "op-1", Kind: operation.KindCacheClear, Status: operation.StatusRunning, Progress: 30,
			CurrentStep: "Dumping tables", Logs: []string{"started", "dumping"},
			StartTime: time.Unix(0, 0), EstimatedCompletion: &eta,
		},
		{ID: "op-2", Kind: operation.KindHealthCheck, Status: operation.StatusRunning, Progress: 10},
	})

	assert.Equal(t, []string{"op-1"}, res.Updated)
	assert.Equal(t, []string{"op-2"}, res.Inserted)
	assert.Empty(t, res.Abandoned)

	op, _ := r.Get("op-1")
	assert.Equal(t, 30, op.Progress)
	assert.Equal(t, "Dumping tables", op.CurrentStep)
	assert.Equal(t, []string{"started", "dumping"}, op.Logs)
	assert.Equal(t, operation.KindBackup, op.Kind, "kind is immutable")
	assert.Equal(t, local.StartTime, op.StartTime, "start time stays local")
	require.NotNil(t, op.EstimatedCompletion)
	assert.False(t, r.Provisional("op-1"))

	inserted, ok := r.Get("op-2")
	require.True(t, ok)
	assert.False(t, inserted.StartTime.IsZero())
	assert.NotNil(t, inserted.Logs)
}

func TestMerge_Idempotent(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Insert(newRunning("op-1", operation.KindBackup)))

	response := []operation.Operation{
		{ID: "op-1", Status: operation.StatusRunning, Progress: 50, CurrentStep: "copy", Logs: []string{"a", "b"}},
		{ID: "op-2", Kind: operation.KindCacheClear, Status: operation.StatusCompleted, Progress: 100, StartTime: time.Now()},
	}

	r.Merge(response)
	once := r.Snapshot()
	r.Merge(response)
	twice := r.Snapshot()

	assert.Equal(t, once, twice)
}

func TestMerge_DoesNotRemoveMissingIDs(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Insert(newRunning("op-1", operation.KindBackup)))

	r.Merge(nil)
	r.Merge([]operation.Operation{})

	op, ok := r.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, operation.StatusRunning, op.Status)
}

func TestMerge_AcceptsRegressingProgress(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Insert(newRunning("op-1", operation.KindBackup)))

	r.Merge([]operation.Operation{{ID: "op-1", Status: operation.StatusRunning, Progress: 70}})
	r.Merge([]operation.Operation{{ID: "op-1", Status: operation.StatusRunning, Progress: 60}})

	op, _ := r.Get("op-1")
	assert.Equal(t, 60, op.Progress)
}

func TestMerge_SkipsEmptyIDs(t *testing.T) {
	r := New(0)

	res := r.Merge([]operation.Operation{{Status: operation.StatusRunning}})

	assert.Empty(t, res.Inserted)
	assert.Equal(t, 0, r.Len())
}

func TestMerge_AbandonsUnconfirmedProvisional(t *testing.T) {
	r := New(3)
	require.NoError(t, r.InsertProvisional(newRunning("op-1", operation.KindBackup)))

	for range 2 {
		res := r.Merge(nil)
		assert.Empty(t, res.Abandoned)
	}

	res := r.Merge(nil)
	assert.Equal(t, []string{"op-1"}, res.Abandoned)

	op, _ := r.Get("op-1")
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Equal(t, abandonedStep, op.CurrentStep)
	assert.Contains(t, op.Logs[len(op.Logs)-1], "3 refresh cycles")
	assert.False(t, r.Provisional("op-1"))

	res = r.Merge(nil)
	assert.Empty(t, res.Abandoned, "abandoned only once")
}

func TestMerge_ConfirmedOperationIsNeverAbandoned(t *testing.T) {
	r := New(2)
	require.NoError(t, r.InsertProvisional(newRunning("op-1", operation.KindBackup)))
	r.Merge([]operation.Operation{{ID: "op-1", Status: operation.StatusRunning, Progress: 5}})

	for range 5 {
		r.Merge(nil)
	}

	op, _ := r.Get("op-1")
	assert.Equal(t, operation.StatusRunning, op.Status)
}

func TestMerge_SightingResetsMissedCount(t *testing.T) {
	r := New(2)
	require.NoError(t, r.InsertProvisional(newRunning("op-1", operation.KindBackup)))

	r.Merge(nil)
	r.Merge([]operation.Operation{{ID: "op-1", Status: operation.StatusRunning}})
	r.Merge(nil)

	op, _ := r.Get("op-1")
	assert.Equal(t, operation.StatusRunning, op.Status)
}

func TestSnapshot_NewestFirst(t *testing.T) {
	r := New(0)
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		op := newRunning(id, operation.KindHealthCheck)
		op.StartTime = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, r.Insert(op))
	}

	ops := r.Snapshot()

	require.Len(t, ops, 3)
	assert.Equal(t, "new", ops[0].ID)
	assert.Equal(t, "mid", ops[1].ID)
	assert.Equal(t, "old", ops[2].ID)
}

func TestDismiss(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Insert(newRunning("op-1", operation.KindBackup)))

	assert.ErrorIs(t, r.Dismiss("op-1"), operation.ErrNotTerminal)
	assert.ErrorIs(t, r.Dismiss("missing"), operation.ErrNotFound)

	r.Merge([]operation.Operation{{ID: "op-1", Status: operation.StatusCompleted, Progress: 100}})
	require.NoError(t, r.Dismiss("op-1"))

	_, ok := r.Get("op-1")
	assert.False(t, ok)

	res := r.Merge([]operation.Operation{{ID: "op-1", Status: operation.StatusCompleted, Progress: 100}})
	assert.Empty(t, res.Inserted, "dismissed operations are not resurrected")
	assert.Equal(t, 0, r.Len())
}
