// Package jobclient talks to the external maintenance-job service over HTTP JSON.
//
// Every call is bounded by the configured timeout and runs behind a circuit breaker. Failures are
// translated into the operation error taxonomy: ErrUnauthorized, *TransportError and *RejectedError.
package jobclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/nadmax/opsconsole/internal/telemetry"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	MetricsPath    = "/api/maintenance/metrics"
	OperationsPath = "/api/maintenance/operations"

	maxResponseBytes = 8 << 20
)

var errServerStatus = errors.New("job service returned a server error")

type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

type StartRequest struct {
	Kind   operation.Kind `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

type StartResponse struct {
	ID string `json:"id"`
}

type ListResponse struct {
	Operations []operation.Operation `json:"operations"`
}

type response struct {
	status int
	body   []byte
}

type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[response]
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("job service base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		baseURL: base,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    httpClient,
		log:     log,
	}

	c.breaker = gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "jobservice",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return c, nil
}

// BreakerState reports the circuit breaker state for diagnostics.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) GetMetrics(ctx context.Context) (telemetry.Snapshot, error) {
	const op = "get metrics"

	res, err := c.do(ctx, op, http.MethodGet, MetricsPath, nil)
	if err != nil {
		return telemetry.Snapshot{}, err
	}
	if err := readStatus(op, res); err != nil {
		return telemetry.Snapshot{}, err
	}

	var snap telemetry.Snapshot
	if err := json.Unmarshal(res.body, &snap); err != nil {
		return telemetry.Snapshot{}, &operation.TransportError{Op: op, Err: fmt.Errorf("failed to decode metrics: %w", err)}
	}

	return snap, nil
}

func (c *Client) ListOperations(ctx context.Context) ([]operation.Operation, error) {
	const op = "list operations"

	res, err := c.do(ctx, op, http.MethodGet, OperationsPath, nil)
	if err != nil {
		return nil, err
	}
	if err := readStatus(op, res); err != nil {
		return nil, err
	}

	var list ListResponse
	if err := json.Unmarshal(res.body, &list); err != nil {
		return nil, &operation.TransportError{Op: op, Err: fmt.Errorf("failed to decode operations: %w", err)}
	}

	return list.Operations, nil
}

func (c *Client) StartOperation(ctx context.Context, kind operation.Kind, config map[string]any) (string, error) {
	const op = "start operation"

	payload, err := json.Marshal(StartRequest{Kind: kind, Config: config})
	if err != nil {
		return "", &operation.RejectedError{Message: fmt.Sprintf("failed to encode config: %v", err)}
	}

	res, err := c.do(ctx, op, http.MethodPost, OperationsPath, payload)
	if err != nil {
		return "", err
	}

	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return "", operation.ErrUnauthorized
	case res.status < 200 || res.status >= 300:
		return "", &operation.RejectedError{StatusCode: res.status, Message: errorMessage(res)}
	}

	var started StartResponse
	if err := json.Unmarshal(res.body, &started); err != nil {
		return "", &operation.TransportError{Op: op, Err: fmt.Errorf("failed to decode start response: %w", err)}
	}
	if started.ID == "" {
		return "", &operation.RejectedError{StatusCode: res.status, Message: "job service returned no operation id"}
	}

	return started.ID, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token := c.token
	if tok, ok := auth.TokenFromContext(ctx); ok {
		token = tok
	}

	var res response
	_, err := c.breaker.Execute(func() (response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return response{}, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		httpRes, err := c.http.Do(req)
		if err != nil {
			return response{}, err
		}
		defer func() {
			if err := httpRes.Body.Close(); err != nil {
				c.log.Debug().Err(err).Msg("failed to close response body")
			}
		}()

		data, err := io.ReadAll(io.LimitReader(httpRes.Body, maxResponseBytes))
		if err != nil {
			return response{}, err
		}

		res = response{status: httpRes.StatusCode, body: data}
		if httpRes.StatusCode >= 500 {
			return res, errServerStatus
		}
		return res, nil
	})

	if err != nil && !errors.Is(err, errServerStatus) {
		return response{}, &operation.TransportError{Op: op, Err: err}
	}

	return res, nil
}

func readStatus(op string, res response) error {
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return operation.ErrUnauthorized
	case res.status < 200 || res.status >= 300:
		return &operation.TransportError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", res.status, errorMessage(res))}
	}

	return nil
}

func errorMessage(res response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(res.body, &body); err == nil && body.Error != "" {
		return body.Error
	}

	msg := strings.TrimSpace(string(res.body))
	if msg == "" {
		return http.StatusText(res.status)
	}

	return msg
}
