// Package operation defines the maintenance operation domain model shared by the console and the job service.
// It contains operation kinds, lifecycle statuses, the error taxonomy, and serialization helpers.
package operation

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type (
	Kind      string
	Status    string
	Operation struct {
		ID                  string         `json:"id"`
		Kind                Kind           `json:"kind"`
		Status              Status         `json:"status"`
		Progress            int            `json:"progress"`
		CurrentStep         string         `json:"current_step"`
		StartTime           time.Time      `json:"start_time"`
		EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
		Logs                []string       `json:"logs"`
		Config              map[string]any `json:"config,omitempty"`
	}
)

const (
	KindHealthCheck  Kind = "health-check"
	KindBackup       Kind = "backup"
	KindSecurityScan Kind = "security-scan"
	KindCacheClear   Kind = "cache-clear"
)

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepQueued is the current step of an operation no runner has picked up yet.
const StepQueued = "Queued"

var kinds = []Kind{KindHealthCheck, KindBackup, KindSecurityScan, KindCacheClear}

// Kinds returns every recognized operation kind in display order.
func Kinds() []Kind {
	return slices.Clone(kinds)
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}

	return k, nil
}

func (k Kind) Valid() bool {
	return slices.Contains(kinds, k)
}

func (k Kind) String() string {
	return string(k)
}

// Label is the operator-facing name of the kind.
func (k Kind) Label() string {
	switch k {
	case KindHealthCheck:
		return "Health Check"
	case KindBackup:
		return "Database Backup"
	case KindSecurityScan:
		return "Security Scan"
	case KindCacheClear:
		return "Cache Clear"
	default:
		return string(k)
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// New builds a queued operation with a fresh id, as the job service does on submission.
// A queued operation is already running from the operator's point of view.
func New(kind Kind, config map[string]any) *Operation {
	return &Operation{
		ID:          uuid.New().String(),
		Kind:        kind,
		Status:      StatusRunning,
		CurrentStep: StepQueued,
		StartTime:   time.Now(),
		Logs:        []string{},
		Config:      config,
	}
}

// Queued reports whether the operation is still waiting for a runner.
func (o *Operation) Queued() bool {
	return o.Status == StatusRunning && o.CurrentStep == StepQueued
}

// Clone returns a deep copy so readers never share the registry's slices or maps.
func (o *Operation) Clone() Operation {
	c := *o
	c.Logs = slices.Clone(o.Logs)
	if c.Logs == nil {
		c.Logs = []string{}
	}
	if o.Config != nil {
		c.Config = maps.Clone(o.Config)
	}
	if o.EstimatedCompletion != nil {
		t := *o.EstimatedCompletion
		c.EstimatedCompletion = &t
	}

	return c
}

// AppendLog adds a line to the end of the log; existing lines are never rewritten.
func (o *Operation) AppendLog(line string) {
	o.Logs = append(o.Logs, line)
}

// TailLogs returns at most the last n log lines without touching the underlying log.
func (o *Operation) TailLogs(n int) []string {
	if n <= 0 || len(o.Logs) <= n {
		return slices.Clone(o.Logs)
	}

	return slices.Clone(o.Logs[len(o.Logs)-n:])
}

func (o *Operation) ToJSON() (string, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func FromJSON(data string) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return nil, err
	}

	return &op, nil
}
