package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/presenter"
	"github.com/nadmax/opsconsole/internal/telemetry"
)

// Phase is one simulated step of an operation.
type Phase struct {
	Step     string
	Progress int
	Message  string
}

// Sampler reads host telemetry for health checks.
type Sampler interface {
	Collect(ctx context.Context) (telemetry.Snapshot, error)
}

var (
	backupPlan = []Phase{
		{Step: "Snapshotting database", Progress: 20, Message: "Database snapshot taken"},
		{Step: "Compressing archive", Progress: 45, Message: "Archive compressed"},
		{Step: "Uploading to storage", Progress: 75, Message: "Archive uploaded"},
		{Step: "Verifying checksum", Progress: 95, Message: "Checksum verified"},
	}

	securityScanPlan = []Phase{
		{Step: "Collecting package inventory", Progress: 15, Message: "Package inventory collected"},
		{Step: "Scanning dependencies", Progress: 40, Message: "Dependency scan finished"},
		{Step: "Checking configuration", Progress: 70, Message: "Configuration audit finished"},
		{Step: "Compiling report", Progress: 90, Message: "Report compiled"},
	}

	cacheClearPlan = []Phase{
		{Step: "Flushing application cache", Progress: 40, Message: "Application cache flushed"},
		{Step: "Flushing CDN edge cache", Progress: 80, Message: "CDN purge acknowledged"},
	}

	depths = []string{"quick", "full"}
	scopes = []string{"all", "application", "cdn"}
)

// ValidateConfig checks the per-kind options an operator may pass when starting an operation.
func ValidateConfig(kind operation.Kind, config map[string]any) error {
	if v, ok := config["simulate_failure"]; ok {
		if _, isBool := v.(bool); !isBool {
			return errors.New("simulate_failure must be a boolean")
		}
	}

	switch kind {
	case operation.KindBackup:
		if v, ok := config["retention_days"]; ok {
			n, isNum := v.(float64)
			if !isNum || n <= 0 || n != float64(int(n)) {
				return errors.New("retention_days must be a positive integer")
			}
		}
		if v, ok := config["target"]; ok {
			if s, isStr := v.(string); !isStr || strings.TrimSpace(s) == "" {
				return errors.New("target must be a non-empty string")
			}
		}
	case operation.KindSecurityScan:
		if err := oneOf(config, "depth", depths); err != nil {
			return err
		}
	case operation.KindCacheClear:
		if err := oneOf(config, "scope", scopes); err != nil {
			return err
		}
	case operation.KindHealthCheck:
		if v, ok := config["strict"]; ok {
			if _, isBool := v.(bool); !isBool {
				return errors.New("strict must be a boolean")
			}
		}
	default:
		return fmt.Errorf("%w: %q", operation.ErrUnknownKind, kind)
	}

	return nil
}

func oneOf(config map[string]any, key string, allowed []string) error {
	v, ok := config[key]
	if !ok {
		return nil
	}
	if s, isStr := v.(string); isStr && slices.Contains(allowed, s) {
		return nil
	}
	return fmt.Errorf("%s must be one of: %s", key, strings.Join(allowed, ", "))
}

// PlanFor returns the phases an operation walks through, narrowed by its config.
func PlanFor(op *operation.Operation) []Phase {
	switch op.Kind {
	case operation.KindBackup:
		plan := slices.Clone(backupPlan)
		if target, ok := op.Config["target"].(string); ok {
			plan[2].Message = "Archive uploaded to " + target
		}
		return plan
	case operation.KindSecurityScan:
		if op.Config["depth"] == "quick" {
			return []Phase{securityScanPlan[0], securityScanPlan[1], securityScanPlan[3]}
		}
		return slices.Clone(securityScanPlan)
	case operation.KindCacheClear:
		switch op.Config["scope"] {
		case "application":
			return slices.Clone(cacheClearPlan[:1])
		case "cdn":
			return []Phase{{Step: cacheClearPlan[1].Step, Progress: 60, Message: cacheClearPlan[1].Message}}
		}
		return slices.Clone(cacheClearPlan)
	default:
		return nil
	}
}

// PlanHandler walks an operation through PlanFor, waiting delay before each phase.
// A config of simulate_failure=true fails the final phase.
func PlanHandler(delay time.Duration) Handler {
	return func(ctx context.Context, op *operation.Operation, r Reporter) error {
		plan := PlanFor(op)
		failAtEnd, _ := op.Config["simulate_failure"].(bool)

		for i, phase := range plan {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			if failAtEnd && i == len(plan)-1 {
				return fmt.Errorf("simulated failure at step %q", phase.Step)
			}
			if err := r.Step(ctx, phase.Progress, phase.Step, phase.Message); err != nil {
				return err
			}
		}
		return nil
	}
}

// HealthCheckHandler samples real host telemetry and flags every gauge in the critical band.
// With config strict=true any critical gauge fails the check.
func HealthCheckHandler(sampler Sampler, delay time.Duration) Handler {
	return func(ctx context.Context, op *operation.Operation, r Reporter) error {
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		snap, err := sampler.Collect(ctx)
		if err != nil {
			return fmt.Errorf("failed to sample host metrics: %w", err)
		}
		if err := r.Step(ctx, 30, "Sampling host metrics", fmt.Sprintf(
			"CPU %.1f%%, memory %.1f%%, disk %.1f%%, network %.1f%%",
			snap.CPU, snap.Memory, snap.Disk, snap.Network,
		)); err != nil {
			return err
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
		critical := criticalGauges(snap)
		summary := "All gauges within thresholds"
		if len(critical) > 0 {
			summary = "Critical: " + strings.Join(critical, ", ")
		}
		if err := r.Step(ctx, 70, "Evaluating thresholds", summary); err != nil {
			return err
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
		if strict, _ := op.Config["strict"].(bool); strict && len(critical) > 0 {
			return fmt.Errorf("host unhealthy: %s", strings.Join(critical, ", "))
		}
		if failAtEnd, _ := op.Config["simulate_failure"].(bool); failAtEnd {
			return errors.New(`simulated failure at step "Recording uptime"`)
		}
		return r.Step(ctx, 90, "Recording uptime", "Host up "+presenter.FormatUptime(snap.UptimeMs))
	}
}

func criticalGauges(s telemetry.Snapshot) []string {
	gauges := []struct {
		name      string
		value     float64
		threshold float64
	}{
		{"cpu", s.CPU, presenter.DefaultThreshold},
		{"memory", s.Memory, presenter.DefaultThreshold},
		{"disk", s.Disk, presenter.DefaultThreshold},
		{"network", s.Network, presenter.DefaultThreshold},
		{"temperature", s.Temperature, presenter.TemperatureThreshold},
	}

	var out []string
	for _, g := range gauges {
		if presenter.Classify(g.value, g.threshold) == presenter.SeverityCritical {
			out = append(out, fmt.Sprintf("%s %.1f", g.name, g.value))
		}
	}
	return out
}

// RegisterDefaults wires every operation kind to its handler.
func RegisterDefaults(r *Runner, sampler Sampler, delay time.Duration) {
	plan := PlanHandler(delay)
	r.RegisterHandler(operation.KindBackup, plan)
	r.RegisterHandler(operation.KindSecurityScan, plan)
	r.RegisterHandler(operation.KindCacheClear, plan)
	r.RegisterHandler(operation.KindHealthCheck, HealthCheckHandler(sampler, delay))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
