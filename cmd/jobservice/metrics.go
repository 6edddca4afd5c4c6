package main

import (
	"context"
	"time"

	"github.com/nadmax/opsconsole/internal/logging"
	"github.com/nadmax/opsconsole/internal/metrics"
	"github.com/nadmax/opsconsole/internal/store"
	"github.com/rs/zerolog"
)

const janitorInterval = 10 * time.Second

type queueStore interface {
	QueueDepth(ctx context.Context) (int64, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// janitor publishes the queue depth gauge and drops finished operations older than the retention period.
type janitor struct {
	store     queueStore
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

var _ queueStore = (*store.Store)(nil)

func newJanitor(st queueStore, retention time.Duration) *janitor {
	return &janitor{store: st, retention: retention, log: logging.Component("janitor"), now: time.Now}
}

func (j *janitor) run(ctx context.Context) {
	depth, err := j.store.QueueDepth(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("failed to read queue depth")
	} else {
		metrics.UpdateJobQueueDepth(int(depth))
	}

	if j.retention <= 0 {
		return
	}
	removed, err := j.store.Prune(ctx, j.now().Add(-j.retention))
	if err != nil {
		j.log.Warn().Err(err).Msg("failed to prune operations")
		return
	}
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("pruned finished operations")
	}
}
