// Package jobapi serves the maintenance-job service's HTTP API that the console polls and submits to.
package jobapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/httputil"
	"github.com/nadmax/opsconsole/internal/jobclient"
	"github.com/nadmax/opsconsole/internal/metrics"
	"github.com/nadmax/opsconsole/internal/middleware"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/runner"
	"github.com/nadmax/opsconsole/internal/store"
	"github.com/nadmax/opsconsole/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

type Sampler interface {
	Collect(ctx context.Context) (telemetry.Snapshot, error)
}

type API struct {
	store    *store.Store
	sampler  Sampler
	requests *telemetry.RequestCounter
	auth     *auth.Service
	log      zerolog.Logger
	router   chi.Router
}

// NewAPI builds the router. Every /api/maintenance route requires an admin token.
func NewAPI(st *store.Store, sampler Sampler, requests *telemetry.RequestCounter, authSvc *auth.Service, log zerolog.Logger) *API {
	a := &API{
		store:    st,
		sampler:  sampler,
		requests: requests,
		auth:     authSvc,
		log:      log,
		router:   chi.NewRouter(),
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	r := a.router
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.RequestLogger(a.log))

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/maintenance", func(r chi.Router) {
		r.Use(middleware.CountRequests(a.requests))
		r.Use(a.auth.Middleware(httputil.WriteJSONError))
		r.Use(auth.RequireAdmin(httputil.WriteJSONError))

		r.Get("/metrics", a.getMetrics)
		r.Get("/operations", a.listOperations)
		r.Post("/operations", a.createOperation)
		r.Get("/operations/{id}", a.getOperation)
		r.Get("/operations/{id}/steps", a.getStepLog)
		r.Get("/stats", a.getStats)
		r.Get("/history", a.getHistory)
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) getMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := a.sampler.Collect(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("failed to collect host metrics")
		httputil.WriteJSONError(w, "Failed to collect metrics", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (a *API) listOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := a.store.List(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("failed to list operations")
		httputil.WriteJSONError(w, "Failed to list operations", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, jobclient.ListResponse{Operations: ops})
}

func (a *API) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, operation.ErrNotFound) {
		httputil.WriteJSONError(w, "Operation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.Error().Err(err).Msg("failed to get operation")
		httputil.WriteJSONError(w, "Failed to get operation", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, op)
}

func (a *API) createOperation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Debug().Err(err).Msg("failed to close request body")
		}
	}()

	var req jobclient.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	kind, err := operation.ParseKind(string(req.Kind))
	if err != nil {
		httputil.WriteJSONError(w, fmt.Sprintf("Unknown operation kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	if err := runner.ValidateConfig(kind, req.Config); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	principal := auth.PrincipalFromContext(r.Context())
	op := operation.New(kind, req.Config)
	op.AppendLog(fmt.Sprintf("[%s] Queued by %s", op.StartTime.Format("15:04:05"), principal.Username))

	if err := a.store.Create(r.Context(), op, principal.Username); err != nil {
		a.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to create operation")
		httputil.WriteJSONError(w, "Failed to create operation", http.StatusInternalServerError)
		return
	}
	metrics.RecordJobCreated(string(kind))

	a.log.Info().Str("id", op.ID).Str("kind", string(kind)).Str("requested_by", principal.Username).Msg("operation queued")
	httputil.WriteJSON(w, http.StatusAccepted, jobclient.StartResponse{ID: op.ID})
}
