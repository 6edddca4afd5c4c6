// Package poller keeps the maintenance dashboard live by refreshing the metrics snapshot and the operations
// listing on a fixed interval.
//
// At most one refresh cycle is in flight at a time. Timer ticks and manual refreshes that arrive while a
// cycle is running are dropped, not queued. Disabling the poller stops scheduling new cycles but does not
// cancel a cycle already in flight; its results are still applied when they arrive.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/opsconsole/internal/metrics"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/registry"
	"github.com/nadmax/opsconsole/internal/telemetry"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultMinInterval  = time.Second
	DefaultFetchTimeout = 10 * time.Second
)

const (
	SourceMetrics    = "metrics"
	SourceOperations = "operations"
)

const (
	triggerTimer  = "timer"
	triggerResume = "resume"
	triggerManual = "manual"
)

type State int

const (
	Idle State = iota
	Fetching
	Suspended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Source interface {
	GetMetrics(ctx context.Context) (telemetry.Snapshot, error)
	ListOperations(ctx context.Context) ([]operation.Operation, error)
}

type Config struct {
	Enabled      bool
	Interval     time.Duration
	MinInterval  time.Duration
	FetchTimeout time.Duration
}

// Hooks are invoked from the goroutine that applied the result. They must not block.
type Hooks struct {
	FetchFailed func(source string, err error)
	Abandoned   func(ids []string)
}

type Stats struct {
	Cycles             uint64    `json:"cycles"`
	Skipped            uint64    `json:"skipped"`
	MetricsFailures    uint64    `json:"metrics_failures"`
	OperationsFailures uint64    `json:"operations_failures"`
	LastCycle          time.Time `json:"last_cycle"`
}

type Poller struct {
	source       Source
	registry     *registry.Registry
	holder       *telemetry.Holder
	hooks        Hooks
	log          zerolog.Logger
	minInterval  time.Duration
	fetchTimeout time.Duration

	inFlight atomic.Bool
	wake     chan struct{}
	cycles   sync.WaitGroup

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	resume   bool
	stats    Stats
}

func New(cfg Config, source Source, reg *registry.Registry, holder *telemetry.Holder, hooks Hooks, log zerolog.Logger) *Poller {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	return &Poller{
		source:       source,
		registry:     reg,
		holder:       holder,
		hooks:        hooks,
		log:          log,
		minInterval:  cfg.MinInterval,
		fetchTimeout: cfg.FetchTimeout,
		wake:         make(chan struct{}, 1),
		enabled:      cfg.Enabled,
		interval:     max(cfg.Interval, cfg.MinInterval),
	}
}

func (p *Poller) String() string {
	return "live-poller"
}

// Serve runs the scheduling loop until ctx is done. It waits for any cycle it started before returning.
func (p *Poller) Serve(ctx context.Context) error {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
		armed  time.Duration
	)
	disarm := func() {
		if ticker != nil {
			ticker.Stop()
		}
		ticker, tick, armed = nil, nil, 0
	}
	defer func() {
		disarm()
		p.cycles.Wait()
	}()

	p.mu.Lock()
	p.resume = p.enabled
	p.mu.Unlock()
	p.signal()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick:
			p.trigger(ctx, triggerTimer)

		case <-p.wake:
			enabled, interval, resume := p.consume()
			switch {
			case !enabled:
				disarm()
			case ticker == nil || interval != armed:
				disarm()
				ticker = time.NewTicker(interval)
				tick, armed = ticker.C, interval
			}
			if enabled && resume {
				p.trigger(ctx, triggerResume)
			}
		}
	}
}

// RefreshNow runs one cycle in the caller's goroutine. It returns false without fetching anything when
// another cycle is already in flight.
func (p *Poller) RefreshNow(ctx context.Context) bool {
	if !p.begin(triggerManual) {
		return false
	}
	defer p.inFlight.Store(false)

	p.cycle(ctx)
	return true
}

func (p *Poller) SetEnabled(enabled bool) {
	p.mu.Lock()
	changed := p.setEnabledLocked(enabled)
	p.mu.Unlock()

	if changed {
		p.enabledChanged(enabled)
	}
}

// Toggle flips auto-refresh and returns the new setting.
func (p *Poller) Toggle() bool {
	p.mu.Lock()
	enabled := !p.enabled
	p.setEnabledLocked(enabled)
	p.mu.Unlock()

	p.enabledChanged(enabled)
	return enabled
}

// setEnabledLocked must be called with p.mu held.
func (p *Poller) setEnabledLocked(enabled bool) bool {
	changed := p.enabled != enabled
	p.enabled = enabled
	if changed && enabled {
		p.resume = true
	}
	return changed
}

func (p *Poller) enabledChanged(enabled bool) {
	p.log.Info().Bool("enabled", enabled).Msg("auto-refresh changed")
	p.signal()
}

func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetInterval changes the refresh interval, raising it to the configured floor, and returns the value applied.
func (p *Poller) SetInterval(d time.Duration) time.Duration {
	d = max(d, p.minInterval)

	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()

	p.signal()
	return d
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) State() State {
	p.mu.Lock()
	enabled := p.enabled
	p.mu.Unlock()

	switch {
	case !enabled:
		return Suspended
	case p.inFlight.Load():
		return Fetching
	default:
		return Idle
	}
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) consume() (bool, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resume := p.resume
	p.resume = false
	return p.enabled, p.interval, resume
}

func (p *Poller) begin(trigger string) bool {
	if p.inFlight.CompareAndSwap(false, true) {
		return true
	}

	p.mu.Lock()
	p.stats.Skipped++
	p.mu.Unlock()
	metrics.RecordPollSkipped(trigger)
	p.log.Debug().Str("trigger", trigger).Msg("refresh skipped: cycle already in flight")

	return false
}

func (p *Poller) trigger(ctx context.Context, trigger string) {
	if !p.begin(trigger) {
		return
	}

	p.cycles.Add(1)
	go func() {
		defer p.cycles.Done()
		defer p.inFlight.Store(false)
		p.cycle(ctx)
	}()
}

func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.refreshMetrics(ctx)
	}()
	go func() {
		defer wg.Done()
		p.refreshOperations(ctx)
	}()
	wg.Wait()

	p.mu.Lock()
	p.stats.Cycles++
	p.stats.LastCycle = time.Now()
	p.mu.Unlock()

	metrics.RecordPollCycle(time.Since(start))
}

func (p *Poller) refreshMetrics(ctx context.Context) {
	var snap telemetry.Snapshot
	err := p.fetch(ctx, func(ctx context.Context) error {
		var err error
		snap, err = p.source.GetMetrics(ctx)
		return err
	})
	if err != nil {
		p.holder.RecordFailure(err)
		p.fetchFailed(SourceMetrics, err)
		return
	}

	p.holder.Store(snap)
}

func (p *Poller) refreshOperations(ctx context.Context) {
	var ops []operation.Operation
	err := p.fetch(ctx, func(ctx context.Context) error {
		var err error
		ops, err = p.source.ListOperations(ctx)
		return err
	})
	if err != nil {
		p.fetchFailed(SourceOperations, err)
		return
	}

	res := p.registry.Merge(ops)
	if len(res.Inserted) > 0 || len(res.Abandoned) > 0 {
		p.log.Debug().Strs("inserted", res.Inserted).Strs("abandoned", res.Abandoned).Int("updated", len(res.Updated)).Msg("operations merged")
	}
	if len(res.Abandoned) > 0 {
		metrics.RecordOperationsAbandoned(len(res.Abandoned))
		p.log.Warn().Strs("ids", res.Abandoned).Msg("operations never confirmed by job service marked failed")
		if p.hooks.Abandoned != nil {
			p.hooks.Abandoned(res.Abandoned)
		}
	}

	byStatus := make(map[string]int)
	for _, op := range p.registry.Snapshot() {
		byStatus[string(op.Status)]++
	}
	metrics.UpdateTrackedOperations(byStatus)
}

// fetch bounds one request by the fetch timeout and turns a panic in the source into an error so a
// misbehaving upstream cannot take the loop down. A result that arrives after the deadline is discarded.
func (p *Poller) fetch(ctx context.Context, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fetch: %v", r)
		}
	}()

	err = fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("fetch result arrived after deadline: %w", ctx.Err())
	}
	return err
}

func (p *Poller) fetchFailed(source string, err error) {
	p.mu.Lock()
	switch source {
	case SourceMetrics:
		p.stats.MetricsFailures++
	case SourceOperations:
		p.stats.OperationsFailures++
	}
	p.mu.Unlock()

	metrics.RecordFetchFailure(source)
	p.log.Warn().Err(err).Str("source", source).Msg("refresh fetch failed, keeping last known state")

	if p.hooks.FetchFailed != nil {
		p.hooks.FetchFailed(source, err)
	}
}
