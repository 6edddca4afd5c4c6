package operation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	config := map[string]any{"compress": true}

	op := New(KindBackup, config)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, KindBackup, op.Kind)
	assert.Equal(t, StatusRunning, op.Status)
	assert.Equal(t, StepQueued, op.CurrentStep)
	assert.True(t, op.Queued())
	assert.Equal(t, 0, op.Progress)
	assert.Equal(t, config, op.Config)
	assert.NotNil(t, op.Logs)
	assert.False(t, op.StartTime.IsZero())
	assert.Nil(t, op.EstimatedCompletion)
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("defragment")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = ParseKind("")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "Database Backup", KindBackup.Label())
	assert.Equal(t, "Security Scan", KindSecurityScan.Label())
	assert.Equal(t, "other", Kind("other").Label())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
}

func TestClone_IsDeep(t *testing.T) {
	eta := time.Now().Add(time.Minute)
	op := &Operation{
		ID:                  "op-1",
		Kind:                KindBackup,
		Logs:                []string{"a"},
		Config:              map[string]any{"k": "v"},
		EstimatedCompletion: &eta,
	}

	c := op.Clone()
	c.Logs[0] = "changed"
	c.Config["k"] = "changed"
	*c.EstimatedCompletion = eta.Add(time.Hour)

	assert.Equal(t, "a", op.Logs[0])
	assert.Equal(t, "v", op.Config["k"])
	assert.Equal(t, eta, *op.EstimatedCompletion)
}

func TestClone_NilLogsBecomeEmpty(t *testing.T) {
	op := &Operation{ID: "op-1"}

	c := op.Clone()

	assert.NotNil(t, c.Logs)
	assert.Empty(t, c.Logs)
}

func TestTailLogs(t *testing.T) {
	op := &Operation{}
	for i := range 10 {
		op.AppendLog(fmt.Sprintf("line %d", i))
	}

	tail := op.TailLogs(3)

	assert.Equal(t, []string{"line 7", "line 8", "line 9"}, tail)
	assert.Len(t, op.Logs, 10)
	assert.Len(t, op.TailLogs(0), 10)
	assert.Len(t, op.TailLogs(50), 10)
}

func TestJSONRoundTrip(t *testing.T) {
	original := New(KindSecurityScan, map[string]any{"depth": "deep"})
	original.AppendLog("Security scan queued")

	jsonStr, err := original.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, jsonStr, "security-scan")

	restored, err := FromJSON(jsonStr)
	require.NoError(t, err)
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Kind, restored.Kind)
	assert.Equal(t, original.Logs, restored.Logs)
	assert.WithinDuration(t, original.StartTime, restored.StartTime, time.Millisecond)
}

func TestFromJSON_InvalidJSON(t *testing.T) {
	_, err := FromJSON("invalid json")

	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection refused")
	var err error = &TransportError{Op: "list operations", Err: cause}

	assert.True(t, IsTransport(err))
	assert.False(t, IsRejected(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "list operations")

	err = fmt.Errorf("start: %w", &RejectedError{StatusCode: 400, Message: "invalid depth"})
	assert.True(t, IsRejected(err))
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "invalid depth")
}
