// Package api exposes the maintenance console to the operator's browser as a JSON HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/httputil"
	"github.com/nadmax/opsconsole/internal/middleware"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/presenter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

type Options struct {
	RateLimit       int
	RateLimitWindow time.Duration
}

type API struct {
	presenter *presenter.Presenter
	auth      *auth.Service
	log       zerolog.Logger
	router    chi.Router
	now       func() time.Time
}

type (
	StartOperationRequest struct {
		Kind   string         `json:"kind" validate:"required"`
		Config map[string]any `json:"config"`
	}

	RefreshResponse struct {
		Refreshed bool                `json:"refreshed"`
		Dashboard presenter.Dashboard `json:"dashboard"`
	}

	AutoRefreshResponse struct {
		AutoRefresh bool `json:"auto_refresh"`
	}
)

var validate = validator.New()

func NewAPI(p *presenter.Presenter, authSvc *auth.Service, opts Options, log zerolog.Logger) *API {
	a := &API{
		presenter: p,
		auth:      authSvc,
		log:       log,
		router:    chi.NewRouter(),
		now:       time.Now,
	}

	a.setupRoutes(opts)
	return a
}

func (a *API) setupRoutes(opts Options) {
	r := a.router
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.RequestLogger(a.log))

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(opts.RateLimit, opts.RateLimitWindow))
		}
		r.Use(a.auth.Middleware(httputil.WriteJSONError))

		r.Get("/dashboard", a.getDashboard)
		r.Get("/notifications", a.getNotifications)
		r.Post("/operations", a.startOperation)
		r.Delete("/operations/{id}", a.dismissOperation)
		r.Post("/refresh", a.refresh)
		r.Post("/auto-refresh", a.toggleAutoRefresh)
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) getDashboard(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, a.presenter.Dashboard(a.now()))
}

// getNotifications accepts ?since=<id> for incremental polling and ?limit=<n>.
func (a *API) getNotifications(w http.ResponseWriter, r *http.Request) {
	notes := a.presenter.Notifications()

	if s := r.URL.Query().Get("since"); s != "" {
		since, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			httputil.WriteJSONError(w, "since must be a notification id", http.StatusBadRequest)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, nonNil(notes.Since(since)))
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			httputil.WriteJSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	httputil.WriteJSON(w, http.StatusOK, nonNil(notes.Recent(limit)))
}

func nonNil(n []presenter.Notification) []presenter.Notification {
	if n == nil {
		return []presenter.Notification{}
	}
	return n
}

func (a *API) startOperation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Debug().Err(err).Msg("failed to close request body")
		}
	}()

	var req StartOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.WriteJSONError(w, "Operation kind is required", http.StatusBadRequest)
		return
	}

	principal := auth.PrincipalFromContext(r.Context())
	op, err := a.presenter.StartOperation(r.Context(), principal, operation.Kind(req.Kind), req.Config)
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, op)
}

func (a *API) dismissOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.presenter.Dismiss(id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// refresh runs a cycle to completion even if the operator disconnects mid-request.
func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if !a.presenter.Refresh(ctx) {
		httputil.WriteJSONError(w, "Refresh already in progress", http.StatusConflict)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, RefreshResponse{Refreshed: true, Dashboard: a.presenter.Dashboard(a.now())})
}

func (a *API) toggleAutoRefresh(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, AutoRefreshResponse{AutoRefresh: a.presenter.ToggleAutoRefresh()})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	var rejected *operation.RejectedError

	switch {
	case errors.Is(err, operation.ErrUnauthorized):
		httputil.WriteJSONError(w, "Access Denied", http.StatusForbidden)
	case errors.Is(err, operation.ErrUnknownKind):
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, operation.ErrStartPending):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, operation.ErrNotTerminal):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, operation.ErrNotFound):
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &rejected):
		httputil.WriteJSONError(w, rejected.Message, http.StatusUnprocessableEntity)
	case operation.IsTransport(err):
		httputil.WriteJSONError(w, "Job service unavailable", http.StatusBadGateway)
	default:
		a.log.Error().Err(err).Msg("unhandled console error")
		httputil.WriteJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}
