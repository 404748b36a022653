package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/models"
	"github.com/Lllllllleong/documentintake/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReconcileInterval = time.Minute
	defaultQueryTimeout      = 10 * time.Second
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("reconcile run already in progress")

type ReconcilerConfig struct {
	Interval     time.Duration
	QueryTimeout time.Duration
	Concurrency  int
	// MaxNotFound is the number of consecutive not-found answers after which
	// a record fails. Zero keeps polling forever.
	MaxNotFound int
}

// Summary counts what one reconcile run did.
type Summary struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	NotFound  int `json:"notFound"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

type reconcileResult int

const (
	resultRunning reconcileResult = iota
	resultCompleted
	resultFailed
	resultNotFound
	resultSkipped
	resultError
)

func (s *Summary) add(r reconcileResult) {
	s.Checked++
	switch r {
	case resultRunning:
		s.Running++
	case resultCompleted:
		s.Completed++
	case resultFailed:
		s.Failed++
	case resultNotFound:
		s.NotFound++
	case resultSkipped:
		s.Skipped++
	case resultError:
		s.Errors++
	}
}

// Reconciler polls the workflow engine for records whose callback never
// arrived. At most one run is active per Reconciler.
type Reconciler struct {
	store   Store
	status  StatusSource
	records *RecordsFunction
	config  ReconcilerConfig
	running atomic.Bool
}

func NewReconcilerFunction(st Store, status StatusSource, records *RecordsFunction, config ReconcilerConfig) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = defaultReconcileInterval
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaultQueryTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.MaxNotFound < 0 {
		config.MaxNotFound = 0
	}
	return &Reconciler{store: st, status: status, records: records, config: config}
}

// Run reconciles immediately and then on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	slog.Info("Execution reconciler started.", "interval", r.config.Interval.String(), "maxNotFound", r.config.MaxNotFound)
	for {
		summary, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrRunInProgress):
			slog.Warn("Previous reconcile run still active; skipping tick.")
		case err != nil:
			slog.Error("Reconcile run failed.", "error", err)
		case summary.Checked > 0:
			slog.Info("Reconcile run finished.", "summary", summary)
		}

		select {
		case <-ctx.Done():
			slog.Info("Execution reconciler stopped.", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce checks every processing record once. A call made while another
// run is active returns ErrRunInProgress without doing any work.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	var summary Summary
	recs, err := r.store.ListProcessing(ctx)
	if err != nil {
		return summary, apperr.Reconciliation("services.RunOnce", err, "failed to list processing records")
	}

	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.config.Concurrency)
	for _, rec := range recs {
		eg.Go(func() error {
			res := r.reconcile(gctx, rec)
			mu.Lock()
			summary.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return summary, nil
}

func (r *Reconciler) reconcile(ctx context.Context, rec *models.Record) reconcileResult {
	logCtx := slog.With("recordId", rec.ID, "correlationId", rec.CorrelationID)

	queryCtx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	st, err := r.status.ExecutionStatus(queryCtx, rec.CorrelationID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return resultRunning
		}
		rerr := apperr.Reconciliation("services.reconcile", err, "status query for record %s failed", rec.ID)
		logCtx.Error("Execution status query failed.", "error", rerr)
		return resultError
	}

	switch st.State {
	case models.ExecutionRunning:
		if rec.NotFoundCount > 0 {
			r.resetNotFound(ctx, logCtx, rec)
		}
		return resultRunning
	case models.ExecutionNotFound:
		return r.markNotFound(ctx, logCtx, rec)
	case models.ExecutionCompleted:
		fields, perr := parseExecutionResult(st.Result)
		o := outcome{state: models.ExecutionCompleted, fields: fields, step: models.StepReconcile}
		if perr != nil {
			logCtx.Error("Execution result is not a field map.", "error", perr)
			o = outcome{state: models.ExecutionFailed, errMsg: perr.Error(), step: models.StepReconcile}
		}
		return r.apply(ctx, logCtx, rec, o)
	case models.ExecutionFailed:
		return r.apply(ctx, logCtx, rec, outcome{
			state:      models.ExecutionFailed,
			errMsg:     st.Error,
			stackTrace: st.StackTrace,
			step:       models.StepReconcile,
		})
	default:
		logCtx.Warn("Unknown execution state.", "state", st.State)
		return resultRunning
	}
}

func (r *Reconciler) apply(ctx context.Context, logCtx *slog.Logger, rec *models.Record, o outcome) reconcileResult {
	updated, applied, err := r.records.applyOutcome(ctx, rec, o)
	if err != nil {
		logCtx.Error("Failed to apply execution outcome.", "error", err)
		return resultError
	}
	if !applied {
		return resultSkipped
	}
	if updated.Status == models.RecordFailed {
		return resultFailed
	}
	return resultCompleted
}

func (r *Reconciler) markNotFound(ctx context.Context, logCtx *slog.Logger, rec *models.Record) reconcileResult {
	correlationID := rec.CorrelationID
	failed := false
	_, err := r.store.UpdateRecord(ctx, rec.ID, func(cur *models.Record) error {
		if cur.Status != models.RecordProcessing || cur.CorrelationID != correlationID {
			return store.ErrNoChange
		}
		cur.NotFoundCount++
		if r.config.MaxNotFound > 0 && cur.NotFoundCount >= r.config.MaxNotFound && cur.Transition(models.RecordFailed) {
			entry := models.Failure(models.StepReconcile,
				fmt.Sprintf("execution not found after %d consecutive checks", cur.NotFoundCount), nil)
			entry.CorrelationID = correlationID
			cur.AppendLog(entry)
			failed = true
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNoChange):
		return resultSkipped
	case err != nil:
		logCtx.Error("Failed to record not-found answer.", "error", err)
		return resultError
	case failed:
		logCtx.Warn("Execution never found; record failed.", "maxNotFound", r.config.MaxNotFound)
		return resultFailed
	}
	return resultNotFound
}

func (r *Reconciler) resetNotFound(ctx context.Context, logCtx *slog.Logger, rec *models.Record) {
	correlationID := rec.CorrelationID
	_, err := r.store.UpdateRecord(ctx, rec.ID, func(cur *models.Record) error {
		if cur.Status != models.RecordProcessing || cur.CorrelationID != correlationID || cur.NotFoundCount == 0 {
			return store.ErrNoChange
		}
		cur.NotFoundCount = 0
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNoChange) {
		logCtx.Warn("Failed to reset not-found counter.", "error", err)
	}
}

// parseExecutionResult accepts either {"analyzeResult": {...}} or the field
// map itself.
func parseExecutionResult(raw string) (map[string]models.FieldValue, error) {
	if raw == "" {
		return map[string]models.FieldValue{}, nil
	}
	var envelope struct {
		AnalyzeResult map[string]models.FieldValue `json:"analyzeResult"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode execution result: %w", err)
	}
	if envelope.AnalyzeResult != nil {
		return envelope.AnalyzeResult, nil
	}
	var fields map[string]models.FieldValue
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("execution result is not a field map: %w", err)
	}
	return fields, nil
}
