package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/confidence"
	"github.com/Lllllllleong/documentintake/internal/models"
	"github.com/Lllllllleong/documentintake/internal/store"
	"github.com/Lllllllleong/documentintake/internal/webhook"
)

type RecordsConfig struct {
	Webhook     webhook.Config
	CallbackURL string
}

// RecordsFunction owns every write to a record after it was created:
// dispatch, extraction outcomes, cancel, verification and manual edits.
type RecordsFunction struct {
	store      Store
	dispatcher Dispatcher
	config     RecordsConfig
	now        func() time.Time
}

func NewRecordsFunction(st Store, dispatcher Dispatcher, config RecordsConfig) *RecordsFunction {
	return &RecordsFunction{
		store:      st,
		dispatcher: dispatcher,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (f *RecordsFunction) Get(ctx context.Context, id string) (*models.Record, error) {
	return f.store.GetRecord(ctx, id)
}

func (f *RecordsFunction) descriptor(rec *models.Record) models.WebhookDescriptor {
	return models.WebhookDescriptor{
		RecordID:    rec.ID,
		ProjectID:   rec.ProjectID,
		Namespace:   rec.Namespace,
		Type:        "document",
		FileURI:     rec.SourceFile,
		CallbackURL: f.config.CallbackURL,
		Case: map[string]string{
			"intakeId": rec.IntakeID,
			"title":    rec.Title,
			"pages":    fmt.Sprintf("%d-%d", rec.PageStart, rec.PageEnd),
		},
	}
}

// dispatch triggers extraction for a record that may move to processing and
// stores the outcome under step. A dispatch failure is recorded on the record
// and also returned.
func (f *RecordsFunction) dispatch(ctx context.Context, rec *models.Record, actor string, step models.Step) (*models.Record, error) {
	logCtx := slog.With("recordId", rec.ID, "projectId", rec.ProjectID)

	res, dispatchErr := f.dispatcher.Dispatch(ctx, f.descriptor(rec), f.config.Webhook)

	updated, err := f.store.UpdateRecord(ctx, rec.ID, func(r *models.Record) error {
		if !models.CanTransition(r.Status, models.RecordProcessing) {
			return store.ErrNoChange
		}
		if dispatchErr != nil {
			if r.Status != models.RecordFailed && !r.Transition(models.RecordFailed) {
				return store.ErrNoChange
			}
			entry := models.Failure(step, "extraction workflow could not be triggered", dispatchErr)
			entry.Actor = actor
			var de *webhook.DispatchError
			if errors.As(dispatchErr, &de) {
				entry.Attempt = de.Attempts
				entry.HTTPStatus = de.LastStatus
				r.DispatchAttempts += de.Attempts
			}
			r.AppendLog(entry)
			return nil
		}
		r.Transition(models.RecordProcessing)
		entry := models.Success(step, "extraction workflow triggered")
		entry.Actor = actor
		entry.Attempt = res.Attempt
		entry.HTTPStatus = res.StatusCode
		entry.CorrelationID = res.CorrelationID
		r.AppendLog(entry)
		r.DispatchAttempts += res.Attempt
		r.CorrelationID = res.CorrelationID
		r.NotFoundCount = 0
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		if res != nil {
			logCtx.Warn("Record changed while dispatching; execution left untracked.", "correlationId", res.CorrelationID)
		}
		return nil, apperr.Conflict("services.dispatch", "record %s changed while it was being dispatched", rec.ID)
	}
	if err != nil {
		logCtx.Error("Failed to store dispatch outcome.", "error", err)
		return nil, err
	}
	if dispatchErr != nil {
		logCtx.Error("Dispatch failed; record marked failed.", "error", dispatchErr)
		return updated, dispatchErr
	}
	logCtx.Info("Record dispatched.", "correlationId", res.CorrelationID)
	return updated, nil
}

// RetryDispatch dispatches a pending or failed record again.
func (f *RecordsFunction) RetryDispatch(ctx context.Context, id, actor string) (*models.Record, error) {
	rec, err := f.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(rec.Status, models.RecordProcessing) {
		return nil, apperr.Conflict("services.RetryDispatch", "record %s is %s; only pending or failed records can be retried", id, rec.Status)
	}
	slog.Info("Retrying dispatch.", "recordId", id, "actor", actor, "previousAttempts", rec.DispatchAttempts)
	return f.dispatch(ctx, rec, actor, models.StepRetry)
}

// outcome is a terminal extraction result, from a callback or the reconciler.
type outcome struct {
	state      models.ExecutionState
	fields     map[string]models.FieldValue
	errMsg     string
	stackTrace string
	step       models.Step
}

// applyOutcome writes a terminal extraction result to rec. It only applies
// while the stored record is still processing under the same correlation
// id and reports false otherwise.
func (f *RecordsFunction) applyOutcome(ctx context.Context, rec *models.Record, o outcome) (*models.Record, bool, error) {
	logCtx := slog.With("recordId", rec.ID, "correlationId", rec.CorrelationID, "step", o.step)
	catalog, err := f.store.FieldCatalog(ctx, rec.ProjectID)
	if err != nil {
		return nil, false, err
	}
	policy := confidence.PolicyFrom(catalog)
	correlationID := rec.CorrelationID

	var dropped []string
	updated, err := f.store.UpdateRecord(ctx, rec.ID, func(r *models.Record) error {
		if r.Status != models.RecordProcessing || r.CorrelationID != correlationID {
			return store.ErrNoChange
		}
		switch o.state {
		case models.ExecutionCompleted:
			if !r.Transition(models.RecordCompleted) {
				return store.ErrNoChange
			}
			var clean map[string]models.FieldValue
			clean, dropped = confidence.Sanitize(o.fields, catalog)
			r.AnalyzeResult = clean
			entry := models.Success(o.step, fmt.Sprintf("extraction result ingested with %d fields", len(clean)))
			if len(dropped) > 0 {
				slices.Sort(dropped)
				entry.Message += fmt.Sprintf("; dropped unknown keys: %s", strings.Join(dropped, ", "))
			}
			entry.CorrelationID = correlationID
			r.AppendLog(entry)
			confidence.Recompute(r, policy)
		case models.ExecutionFailed:
			if !r.Transition(models.RecordFailed) {
				return store.ErrNoChange
			}
			msg := o.errMsg
			if msg == "" {
				msg = "extraction failed without an error message"
			}
			entry := models.Failure(o.step, "extraction failed", errors.New(msg))
			entry.CorrelationID = correlationID
			entry.StackTrace = o.stackTrace
			r.AppendLog(entry)
		default:
			return store.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		logCtx.Info("Outcome ignored; record is no longer processing this execution.")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(dropped) > 0 {
		logCtx.Warn("Dropped extracted fields missing from the catalog.", "keys", dropped)
	}
	logCtx.Info("Extraction outcome applied.", "status", updated.Status, "confidence", updated.Confidence)
	return updated, true, nil
}

// ApplyCallback ingests an extraction callback, looked up by correlation id.
func (f *RecordsFunction) ApplyCallback(ctx context.Context, cb models.ExtractionCallback) (*models.CallbackResponse, error) {
	const op = "services.ApplyCallback"
	if cb.CorrelationID == "" {
		return nil, apperr.Validation(op, "correlationId", "correlation id is required")
	}
	o := outcome{fields: cb.AnalyzeResult, errMsg: cb.ErrorMessage, step: models.StepCallback}
	switch models.ExecutionState(cb.Status) {
	case models.ExecutionCompleted, models.ExecutionFailed:
		o.state = models.ExecutionState(cb.Status)
	default:
		return nil, apperr.Validation(op, "status", "status must be completed or failed, got %q", cb.Status)
	}

	rec, err := f.store.FindByCorrelationID(ctx, cb.CorrelationID)
	if apperr.IsNotFound(err) {
		// Cancelled records drop their correlation id, so late callbacks land here.
		slog.Warn("Callback for an untracked execution ignored.", "correlationId", cb.CorrelationID, "status", cb.Status)
		return &models.CallbackResponse{Applied: false}, nil
	}
	if err != nil {
		return nil, err
	}
	updated, applied, err := f.applyOutcome(ctx, rec, o)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &models.CallbackResponse{RecordID: rec.ID, Applied: false, Status: string(rec.Status)}, nil
	}
	return &models.CallbackResponse{RecordID: updated.ID, Applied: true, Status: string(updated.Status)}, nil
}

// Cancel stops tracking the extraction run of a processing record. The
// external execution keeps running; its late outcome is ignored.
func (f *RecordsFunction) Cancel(ctx context.Context, id, actor string) (*models.Record, error) {
	updated, err := f.store.UpdateRecord(ctx, id, func(r *models.Record) error {
		switch r.Status {
		case models.RecordFailed:
			if r.CorrelationID == "" {
				return store.ErrNoChange
			}
		case models.RecordProcessing:
			if !r.Transition(models.RecordFailed) {
				return store.ErrNoChange
			}
		default:
			return apperr.Conflict("services.Cancel", "record %s is %s; only processing records can be cancelled", r.ID, r.Status)
		}
		entry := models.Success(models.StepCancel, "extraction cancelled")
		entry.Actor = actor
		entry.CorrelationID = r.CorrelationID
		r.AppendLog(entry)
		r.CorrelationID = ""
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return f.store.GetRecord(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Record cancelled.", "recordId", id, "actor", actor)
	return updated, nil
}

// Verify marks a record verified when its fields pass the confidence gate.
// Verifying an already verified record succeeds without a write.
func (f *RecordsFunction) Verify(ctx context.Context, id, actor string) (*models.Record, error) {
	rec, err := f.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	catalog, err := f.store.FieldCatalog(ctx, rec.ProjectID)
	if err != nil {
		return nil, err
	}
	policy := confidence.PolicyFrom(catalog)

	updated, err := f.store.UpdateRecord(ctx, id, func(r *models.Record) error {
		changed, err := confidence.Verify(r, policy, actor, f.now())
		if err != nil {
			return err
		}
		if !changed {
			return store.ErrNoChange
		}
		entry := models.Success(models.StepVerify, "record verified")
		entry.Actor = actor
		r.AppendLog(entry)
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return f.store.GetRecord(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Record verified.", "recordId", id, "actor", actor)
	return updated, nil
}

// EditFields applies manual field corrections and recomputes confidence.
// Edited fields always satisfy the threshold; a verified record falls back
// to its recomputed classification.
func (f *RecordsFunction) EditFields(ctx context.Context, id, actor string, edits []models.FieldEdit) (*models.Record, error) {
	const op = "services.EditFields"
	if len(edits) == 0 {
		return nil, apperr.Validation(op, "edits", "at least one edit is required")
	}
	rec, err := f.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	catalog, err := f.store.FieldCatalog(ctx, rec.ProjectID)
	if err != nil {
		return nil, err
	}
	entries := make([]models.FieldCatalogEntry, 0, len(edits))
	for _, e := range edits {
		entry, ok := catalog.Lookup(e.Key)
		if !ok {
			return nil, apperr.Validation(op, "key", "field %q is not in the catalog of project %s", e.Key, rec.ProjectID)
		}
		entries = append(entries, entry)
	}
	policy := confidence.PolicyFrom(catalog)

	updated, err := f.store.UpdateRecord(ctx, id, func(r *models.Record) error {
		if r.Status != models.RecordCompleted && r.Status != models.RecordNeedsReview {
			return apperr.Conflict(op, "record %s is %s; fields can only be edited after extraction", r.ID, r.Status)
		}
		if r.AnalyzeResult == nil {
			r.AnalyzeResult = make(map[string]models.FieldValue, len(edits))
		}
		keys := make([]string, 0, len(edits))
		for i, e := range edits {
			fv := r.AnalyzeResult[e.Key]
			fv.RawValue = e.Value
			fv.NormalizedValue = confidence.Normalize(entries[i], e.Value)
			fv.ManuallyEdited = true
			r.AnalyzeResult[e.Key] = fv
			keys = append(keys, e.Key)
		}
		if r.Confidence == models.ConfidenceVerified {
			r.Confidence = ""
		}
		confidence.Recompute(r, policy)

		switch r.Confidence {
		case models.ConfidenceNeedsRevision:
			r.Transition(models.RecordNeedsReview)
		case models.ConfidenceTrusted:
			r.Transition(models.RecordCompleted)
		}
		entry := models.Success(models.StepFieldEdit, "edited fields: "+strings.Join(keys, ", "))
		entry.Actor = actor
		r.AppendLog(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Record fields edited.", "recordId", id, "actor", actor, "edits", len(edits), "confidence", updated.Confidence)
	return updated, nil
}
