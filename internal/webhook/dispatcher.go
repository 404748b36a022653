// Package webhook notifies the external extraction workflow that a record is
// ready, retrying until the workflow answers with an execution id.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 3

	baseAttemptTimeout = 15 * time.Second
	attemptTimeoutStep = 10 * time.Second
	baseBackoff        = 1 * time.Second
	maxBackoff         = 5 * time.Second
	maxResponseBytes   = 1 << 20
)

// Config describes the workflow trigger endpoint.
type Config struct {
	URL         string `validate:"required,url"`
	Method      string `validate:"omitempty,oneof=GET POST"`
	BearerToken string
	MaxRetries  int `validate:"gte=0"`
}

// Result is a successful dispatch.
type Result struct {
	CorrelationID string
	Attempt       int
	StatusCode    int
}

// DispatchError reports a dispatch that never produced a correlation id.
type DispatchError struct {
	Attempts   int
	LastStatus int
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempts (last status %d): %v", e.Attempts, e.LastStatus, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher performs the outbound calls. It holds no per-record state;
// callers persist the outcome.
type Dispatcher struct {
	client   *http.Client
	sleep    Sleeper
	validate *validator.Validate
	logger   *slog.Logger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option { return func(d *Dispatcher) { d.sleep = s } }

// WithHTTPClient replaces the HTTP client. Per-attempt timeouts are applied
// through the request context, not the client.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New returns a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:   &http.Client{},
		sleep:    sleepContext,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AttemptTimeout is the deadline of the n-th attempt (1-based).
func AttemptTimeout(n int) time.Duration {
	return baseAttemptTimeout + time.Duration(n-1)*attemptTimeoutStep
}

// Backoff is the pause after the n-th failed attempt (1-based).
func Backoff(n int) time.Duration {
	d := baseBackoff << (n - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Dispatch sends desc to the configured endpoint until a response carries a
// correlation id or MaxRetries attempts are used up.
func (d *Dispatcher) Dispatch(ctx context.Context, desc models.WebhookDescriptor, cfg Config) (*Result, error) {
	const op = "webhook.Dispatch"
	if err := d.validate.Struct(cfg); err != nil {
		return nil, apperr.Validation(op, "config", "invalid webhook config: %v", err)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	logCtx := d.logger.With("recordId", desc.RecordID, "url", cfg.URL, "method", cfg.Method)
	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		correlationID, status, err := d.attempt(ctx, desc, cfg, attempt)
		lastStatus = status
		if err == nil {
			logCtx.Info("Webhook dispatched.", "attempt", attempt, "status", status, "correlationId", correlationID)
			return &Result{CorrelationID: correlationID, Attempt: attempt, StatusCode: status}, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		backoff := Backoff(attempt)
		logCtx.Warn("Webhook dispatch failed, will retry.", "attempt", attempt, "maxRetries", maxRetries, "status", status, "backoff", backoff.String(), "error", err)
		if err := d.sleep(ctx, backoff); err != nil {
			logCtx.Error("Context cancelled during backoff. Aborting retries.", "error", err)
			return nil, apperr.External(op, &DispatchError{Attempts: attempt, LastStatus: lastStatus, Err: err}, "dispatch aborted")
		}
	}

	logCtx.Error("Webhook dispatch failed after all retries.", "attempts", maxRetries, "lastStatus", lastStatus, "error", lastErr)
	return nil, apperr.External(op, &DispatchError{Attempts: maxRetries, LastStatus: lastStatus, Err: lastErr}, "webhook never returned a correlation id")
}

func (d *Dispatcher) attempt(ctx context.Context, desc models.WebhookDescriptor, cfg Config, n int) (string, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, AttemptTimeout(n))
	defer cancel()

	req, err := buildRequest(attemptCtx, desc, cfg)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", resp.StatusCode, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	id := ExtractCorrelationID(body)
	if id == "" {
		return "", resp.StatusCode, fmt.Errorf("response did not contain a correlation id")
	}
	return id, resp.StatusCode, nil
}

func buildRequest(ctx context.Context, desc models.WebhookDescriptor, cfg Config) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	switch cfg.Method {
	case http.MethodGet:
		u, perr := url.Parse(cfg.URL)
		if perr != nil {
			return nil, fmt.Errorf("invalid webhook url: %w", perr)
		}
		q := u.Query()
		q.Set("recordId", desc.RecordID)
		q.Set("projectId", desc.ProjectID)
		q.Set("namespace", desc.Namespace)
		q.Set("type", desc.Type)
		q.Set("fileUri", desc.FileURI)
		if desc.CallbackURL != "" {
			q.Set("callbackUrl", desc.CallbackURL)
		}
		for k, v := range desc.Case {
			q.Set("case."+k, v)
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	default:
		payload, merr := json.Marshal(desc)
		if merr != nil {
			return nil, fmt.Errorf("failed to marshal webhook payload: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	return req, nil
}

// correlationPaths are the locations the supported workflow engines use for
// their execution identifier.
var correlationPaths = []string{
	"executionId",
	"execution_id",
	"name",
	"id",
	"data.executionId",
	"data.id",
	"execution.name",
}

// ExtractCorrelationID returns the first non-empty execution id found in a
// JSON response body, or "".
func ExtractCorrelationID(body []byte) string {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return ""
	}
	for _, path := range correlationPaths {
		if v := lookup(doc, strings.Split(path, ".")); v != "" {
			return v
		}
	}
	return ""
}

func lookup(doc map[string]any, keys []string) string {
	var cur any = doc
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[k]
	}
	switch v := cur.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
