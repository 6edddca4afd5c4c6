// Package presenter turns the console's registry, metrics holder and poller into the dashboard view model
// and carries out operator actions, reporting their outcome as notifications.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/launcher"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/poller"
	"github.com/nadmax/opsconsole/internal/registry"
	"github.com/nadmax/opsconsole/internal/telemetry"
	"github.com/rs/zerolog"
)

const (
	DefaultLogTail    = 10
	DefaultStaleAfter = 30 * time.Second
)

type Config struct {
	LogTail    int
	StaleAfter time.Duration
}

type (
	Gauge struct {
		Name     string   `json:"name"`
		Label    string   `json:"label"`
		Value    float64  `json:"value"`
		Display  string   `json:"display"`
		Severity Severity `json:"severity"`
	}

	OperationView struct {
		ID                  string           `json:"id"`
		Kind                operation.Kind   `json:"kind"`
		Label               string           `json:"label"`
		Status              operation.Status `json:"status"`
		Progress            int              `json:"progress"`
		CurrentStep         string           `json:"current_step"`
		StartTime           time.Time        `json:"start_time"`
		Elapsed             string           `json:"elapsed,omitempty"`
		EstimatedCompletion *time.Time       `json:"estimated_completion,omitempty"`
		Logs                []string         `json:"logs"`
		Provisional         bool             `json:"provisional"`
		Dismissable         bool             `json:"dismissable"`
	}

	PollerView struct {
		State       poller.State `json:"state"`
		AutoRefresh bool         `json:"auto_refresh"`
		IntervalMs  int64        `json:"interval_ms"`
		Stats       poller.Stats `json:"stats"`
	}

	Dashboard struct {
		Gauges        []Gauge          `json:"gauges"`
		Operations    []OperationView  `json:"operations"`
		Poller        PollerView       `json:"poller"`
		MetricsStale  bool             `json:"metrics_stale"`
		MetricsError  string           `json:"metrics_error,omitempty"`
		LastUpdated   *time.Time       `json:"last_updated,omitempty"`
		PendingStarts []operation.Kind `json:"pending_starts"`
		GeneratedAt   time.Time        `json:"generated_at"`
	}
)

type Presenter struct {
	registry      *registry.Registry
	holder        *telemetry.Holder
	poller        *poller.Poller
	launcher      *launcher.Launcher
	notifications *Notifications
	log           zerolog.Logger
	logTail       int
	staleAfter    time.Duration
}

func New(cfg Config, reg *registry.Registry, holder *telemetry.Holder, p *poller.Poller, l *launcher.Launcher, notes *Notifications, log zerolog.Logger) *Presenter {
	if cfg.LogTail <= 0 {
		cfg.LogTail = DefaultLogTail
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if notes == nil {
		notes = NewNotifications(DefaultNotificationCapacity)
	}

	return &Presenter{
		registry:      reg,
		holder:        holder,
		poller:        p,
		launcher:      l,
		notifications: notes,
		log:           log,
		logTail:       cfg.LogTail,
		staleAfter:    cfg.StaleAfter,
	}
}

func (p *Presenter) Notifications() *Notifications {
	return p.notifications
}

func (p *Presenter) Dashboard(now time.Time) Dashboard {
	snap, fetchedAt, ok := p.holder.Latest()

	d := Dashboard{
		Gauges:        gauges(snap),
		Operations:    p.operations(now),
		MetricsStale:  p.holder.Stale(now, p.staleAfter),
		PendingStarts: []operation.Kind{},
		GeneratedAt:   now,
		Poller: PollerView{
			State:       p.poller.State(),
			AutoRefresh: p.poller.Enabled(),
			IntervalMs:  p.poller.Interval().Milliseconds(),
			Stats:       p.poller.Stats(),
		},
	}
	if ok {
		d.LastUpdated = &fetchedAt
	}
	if err, _ := p.holder.LastFailure(); err != nil {
		d.MetricsError = err.Error()
	}
	for _, kind := range operation.Kinds() {
		if p.launcher.Pending(kind) {
			d.PendingStarts = append(d.PendingStarts, kind)
		}
	}

	return d
}

func (p *Presenter) operations(now time.Time) []OperationView {
	ops := p.registry.Snapshot()
	views := make([]OperationView, 0, len(ops))

	for i := range ops {
		op := &ops[i]
		v := OperationView{
			ID:                  op.ID,
			Kind:                op.Kind,
			Label:               op.Kind.Label(),
			Status:              op.Status,
			Progress:            max(0, min(op.Progress, 100)),
			CurrentStep:         op.CurrentStep,
			StartTime:           op.StartTime,
			EstimatedCompletion: op.EstimatedCompletion,
			Logs:                op.TailLogs(p.logTail),
			Provisional:         p.registry.Provisional(op.ID),
			Dismissable:         op.Status.IsTerminal(),
		}
		if !op.Status.IsTerminal() && !op.StartTime.IsZero() {
			v.Elapsed = FormatDuration(now.Sub(op.StartTime).Milliseconds())
		}
		views = append(views, v)
	}

	return views
}

func gauges(s telemetry.Snapshot) []Gauge {
	percent := func(name, label string, v float64) Gauge {
		return Gauge{
			Name:     name,
			Label:    label,
			Value:    v,
			Display:  fmt.Sprintf("%.1f%%", ClampPercent(v)),
			Severity: Classify(v, DefaultThreshold),
		}
	}

	return []Gauge{
		percent("cpu", "CPU", s.CPU),
		percent("memory", "Memory", s.Memory),
		percent("disk", "Disk", s.Disk),
		percent("network", "Network", s.Network),
		{
			Name:     "temperature",
			Label:    "Temperature",
			Value:    s.Temperature,
			Display:  fmt.Sprintf("%.1f°C", s.Temperature),
			Severity: Classify(s.Temperature, TemperatureThreshold),
		},
		{
			Name:     "uptime",
			Label:    "Uptime",
			Value:    float64(s.UptimeMs),
			Display:  FormatUptime(s.UptimeMs),
			Severity: SeverityNormal,
		},
		{
			Name:     "active_connections",
			Label:    "Active Connections",
			Value:    float64(s.ActiveConnections),
			Display:  fmt.Sprintf("%d", s.ActiveConnections),
			Severity: SeverityNormal,
		},
		{
			Name:     "requests_per_minute",
			Label:    "Requests/min",
			Value:    float64(s.RequestsPerMinute),
			Display:  fmt.Sprintf("%d", s.RequestsPerMinute),
			Severity: SeverityNormal,
		},
	}
}

// ToggleAutoRefresh flips the poller and returns the new setting. Collected data is left untouched.
func (p *Presenter) ToggleAutoRefresh() bool {
	enabled := p.poller.Toggle()
	if enabled {
		p.notifications.Push(LevelInfo, "Auto-refresh enabled")
	} else {
		p.notifications.Push(LevelInfo, "Auto-refresh disabled")
	}
	return enabled
}

// StartOperation launches kind and returns the operation as the registry now shows it. Every outcome is
// also reported as a notification.
func (p *Presenter) StartOperation(ctx context.Context, principal auth.Principal, kind operation.Kind, config map[string]any) (operation.Operation, error) {
	id, err := p.launcher.Start(ctx, principal, kind, config)
	if err != nil {
		p.notifications.Push(startFailure(kind, err))
		return operation.Operation{}, err
	}

	p.notifications.Push(LevelSuccess, fmt.Sprintf("%s started", kind.Label()))

	op, ok := p.registry.Get(id)
	if !ok {
		return operation.Operation{}, fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	return op, nil
}

func startFailure(kind operation.Kind, err error) (Level, string) {
	var rejected *operation.RejectedError

	switch {
	case errors.Is(err, operation.ErrUnauthorized):
		return LevelDanger, "Access Denied"
	case errors.Is(err, operation.ErrUnknownKind):
		return LevelWarning, fmt.Sprintf("Unknown operation kind %q", string(kind))
	case errors.Is(err, operation.ErrStartPending):
		return LevelWarning, fmt.Sprintf("%s is already starting", kind.Label())
	case errors.As(err, &rejected):
		return LevelDanger, rejected.Message
	case operation.IsTransport(err):
		return LevelDanger, fmt.Sprintf("Failed to start %s: job service unreachable", kind.Label())
	default:
		return LevelDanger, fmt.Sprintf("Failed to start %s", kind.Label())
	}
}

// Refresh runs a cycle now. It returns false when a cycle was already in flight.
func (p *Presenter) Refresh(ctx context.Context) bool {
	if !p.poller.RefreshNow(ctx) {
		p.notifications.Push(LevelInfo, "Refresh already in progress")
		return false
	}
	return true
}

func (p *Presenter) Dismiss(id string) error {
	if err := p.registry.Dismiss(id); err != nil {
		return err
	}
	p.log.Debug().Str("id", id).Msg("operation dismissed")
	return nil
}

// PollerHooks reports background refresh problems through notes.
func PollerHooks(notes *Notifications) poller.Hooks {
	return poller.Hooks{
		FetchFailed: func(source string, _ error) {
			notes.Push(LevelWarning, fmt.Sprintf("Failed to refresh %s, showing last known data", source))
		},
		Abandoned: func(ids []string) {
			for _, id := range ids {
				notes.Push(LevelDanger, fmt.Sprintf("Operation %s was never confirmed by the job service", id))
			}
		},
	}
}
