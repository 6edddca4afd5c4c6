package jobapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nadmax/opsconsole/internal/httputil"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultStatsHours   = 24
)

type (
	Stats struct {
		TotalOperations     int            `json:"total_operations"`
		QueuedOperations    int            `json:"queued_operations"`
		RunningOperations   int            `json:"running_operations"`
		CompletedOperations int            `json:"completed_operations"`
		FailedOperations    int            `json:"failed_operations"`
		OperationsByKind    map[string]int `json:"operations_by_kind"`
		QueueDepth          int64          `json:"queue_depth"`
		LastUpdated         time.Time      `json:"last_updated"`
	}

	HistoryResponse struct {
		Recent []repository.RecentOperation `json:"recent"`
		Stats  []repository.OperationStats  `json:"stats"`
		Hours  int                          `json:"hours"`
	}
)

// getStats summarises the live operations held in Redis.
func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	ops, err := a.store.List(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	depth, err := a.store.QueueDepth(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalOperations:  len(ops),
		OperationsByKind: make(map[string]int),
		QueueDepth:       depth,
		LastUpdated:      time.Now(),
	}

	for _, op := range ops {
		switch {
		case op.Queued():
			stats.QueuedOperations++
		case op.Status == operation.StatusRunning, op.Status == operation.StatusPaused:
			stats.RunningOperations++
		case op.Status == operation.StatusCompleted:
			stats.CompletedOperations++
		case op.Status == operation.StatusFailed:
			stats.FailedOperations++
		}

		stats.OperationsByKind[string(op.Kind)]++
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// getHistory reads the Postgres history: ?limit bounds the recent list, ?hours the stats window.
func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	history := a.store.History()
	if history == nil {
		httputil.WriteJSONError(w, "Operation history is not configured", http.StatusServiceUnavailable)
		return
	}

	limit, ok := queryInt(w, r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		return
	}
	hours, ok := queryInt(w, r, "hours", defaultStatsHours, 24*365)
	if !ok {
		return
	}

	recent, err := history.RecentOperations(r.Context(), limit)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to read recent operations")
		httputil.WriteJSONError(w, "Failed to read operation history", http.StatusInternalServerError)
		return
	}
	stats, err := history.OperationStats(r.Context(), hours)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to read operation stats")
		httputil.WriteJSONError(w, "Failed to read operation history", http.StatusInternalServerError)
		return
	}

	if recent == nil {
		recent = []repository.RecentOperation{}
	}
	if stats == nil {
		stats = []repository.OperationStats{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{Recent: recent, Stats: stats, Hours: hours})
}

func (a *API) getStepLog(w http.ResponseWriter, r *http.Request) {
	history := a.store.History()
	if history == nil {
		httputil.WriteJSONError(w, "Operation history is not configured", http.StatusServiceUnavailable)
		return
	}

	entries, err := history.StepLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.log.Error().Err(err).Msg("failed to read step log")
		httputil.WriteJSONError(w, "Failed to read step log", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []repository.StepLogEntry{}
	}

	httputil.WriteJSON(w, http.StatusOK, entries)
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		httputil.WriteJSONError(w, key+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, ceiling), true
}
