package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/boundary"
	"github.com/Lllllllleong/documentintake/internal/gcp"
	"github.com/Lllllllleong/documentintake/internal/models"
	"github.com/Lllllllleong/documentintake/internal/pages"
	"github.com/Lllllllleong/documentintake/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type IntakeConfig struct {
	UploadBucket        string
	SplitBucket         string
	DispatchConcurrency int
	// FallbackSingleRange keeps the whole file as one record when boundary
	// detection fails instead of failing the intake.
	FallbackSingleRange bool
}

// IntakeFunction turns uploaded bundles into dispatched records.
type IntakeFunction struct {
	store    Store
	objects  ObjectStore
	detector BoundaryDetector
	records  *RecordsFunction
	config   IntakeConfig
}

func NewIntakeFunction(st Store, objects ObjectStore, detector BoundaryDetector, records *RecordsFunction, config IntakeConfig) *IntakeFunction {
	if config.DispatchConcurrency <= 0 {
		config.DispatchConcurrency = 4
	}
	return &IntakeFunction{store: st, objects: objects, detector: detector, records: records, config: config}
}

// Records exposes the record operations sharing this function's backends.
func (f *IntakeFunction) Records() *RecordsFunction { return f.records }

// CreateIntakeRequest is an upload received through the API.
type CreateIntakeRequest struct {
	ProjectID  string
	Filename   string
	Data       []byte
	SplitMode  models.SplitMode
	Boundaries []int
	Actor      string
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces an uploaded filename to a safe object name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeFilenameChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "upload.pdf"
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

// Create stores an uploaded file and its pending intake.
func (f *IntakeFunction) Create(ctx context.Context, req CreateIntakeRequest) (*models.IntakeRequest, error) {
	const op = "services.CreateIntake"
	if req.ProjectID == "" {
		return nil, apperr.Validation(op, "projectId", "project id is required")
	}
	if len(req.Data) == 0 {
		return nil, apperr.Validation(op, "file", "uploaded file is empty")
	}
	if req.SplitMode == "" {
		req.SplitMode = models.SplitModeAuto
	}
	switch req.SplitMode {
	case models.SplitModeAuto:
		if len(req.Boundaries) > 0 {
			return nil, apperr.Validation(op, "boundaries", "boundaries are only accepted in manual split mode")
		}
	case models.SplitModeManual:
		if len(req.Boundaries) == 0 {
			return nil, apperr.Validation(op, "boundaries", "manual split mode requires at least one boundary")
		}
	default:
		return nil, apperr.Validation(op, "splitMode", "split mode must be auto or manual, got %q", req.SplitMode)
	}

	pageCount, err := pages.PageCount(bytes.NewReader(req.Data))
	if err != nil {
		return nil, apperr.Validation(op, "file", "uploaded file is not a readable PDF: %v", err)
	}
	if err := pages.ValidateBoundaries(req.Boundaries, pageCount); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	filename := SanitizeFilename(req.Filename)
	object := path.Join(req.ProjectID, "intakes", id, filename)
	uri, err := f.objects.Put(ctx, f.config.UploadBucket, object, req.Data)
	if err != nil {
		return nil, apperr.Persistence(op, err, "failed to store upload")
	}

	in := &models.IntakeRequest{
		ID:               id,
		ProjectID:        req.ProjectID,
		SourceFile:       uri,
		OriginalFilename: filename,
		SplitMode:        req.SplitMode,
		ManualBoundaries: req.Boundaries,
		Status:           models.IntakePending,
		PageCount:        pageCount,
		UpdatedBy:        req.Actor,
	}
	if err := f.store.CreateIntake(ctx, in); err != nil {
		return nil, err
	}
	slog.Info("Intake created.", "intakeId", id, "projectId", req.ProjectID, "splitMode", req.SplitMode, "pageCount", pageCount)
	return in, nil
}

// InboxIntakeID derives a stable intake id from an uploaded object so a
// redelivered storage event maps onto the same intake.
func InboxIntakeID(bucket, object string, generation int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s#%d", gcp.URI(bucket, object), generation)).String()
}

// CreateFromObject registers an auto-split intake for a file dropped into
// <projectId>/inbox/ of the upload bucket. An intake that already exists for
// the same object is returned unchanged.
func (f *IntakeFunction) CreateFromObject(ctx context.Context, bucket, object string, generation int64, actor string) (*models.IntakeRequest, error) {
	const op = "services.CreateFromObject"
	projectID, rest, ok := strings.Cut(object, "/")
	if !ok || projectID == "" || !strings.HasPrefix(rest, "inbox/") || strings.HasSuffix(rest, "/") {
		return nil, apperr.Validation(op, "object", "object %q is not under <projectId>/inbox/", object)
	}

	in := &models.IntakeRequest{
		ID:               InboxIntakeID(bucket, object, generation),
		ProjectID:        projectID,
		SourceFile:       gcp.URI(bucket, object),
		OriginalFilename: SanitizeFilename(path.Base(object)),
		SplitMode:        models.SplitModeAuto,
		Status:           models.IntakePending,
		UpdatedBy:        actor,
	}
	err := f.store.CreateIntake(ctx, in)
	if apperr.IsConflict(err) {
		return f.store.GetIntake(ctx, in.ID)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Intake created from storage event.", "intakeId", in.ID, "projectId", projectID, "gcsObject", object)
	return in, nil
}

func (f *IntakeFunction) Get(ctx context.Context, id string) (*models.IntakeRequest, error) {
	return f.store.GetIntake(ctx, id)
}

// Start moves a pending intake to processing. It returns store.ErrNoChange
// when the intake is not pending.
func (f *IntakeFunction) Start(ctx context.Context, id, actor string) (*models.IntakeRequest, error) {
	return f.store.UpdateIntake(ctx, id, func(in *models.IntakeRequest) error {
		if in.Status != models.IntakePending {
			return store.ErrNoChange
		}
		in.Status = models.IntakeProcessing
		in.UpdatedBy = actor
		return nil
	})
}

// StartRetry moves a failed intake back to processing.
func (f *IntakeFunction) StartRetry(ctx context.Context, id, actor string) (*models.IntakeRequest, error) {
	return f.store.UpdateIntake(ctx, id, func(in *models.IntakeRequest) error {
		if in.Status != models.IntakeFailed {
			return apperr.Conflict("services.RetryIntake", "intake %s is %s; only failed intakes can be retried", in.ID, in.Status)
		}
		in.Status = models.IntakeProcessing
		in.ErrorDetails = ""
		in.UpdatedBy = actor
		return nil
	})
}

// Process runs a pending intake to completion. Intakes that are no longer
// pending are left alone.
func (f *IntakeFunction) Process(ctx context.Context, id, actor string) error {
	in, err := f.Start(ctx, id, actor)
	if errors.Is(err, store.ErrNoChange) {
		slog.Info("Intake is not pending; skipping.", "intakeId", id)
		return nil
	}
	if err != nil {
		return err
	}
	return f.Resume(ctx, in, actor)
}

// Retry re-runs a failed intake. Records created by the failed run are
// reused, so work resumes where it stopped.
func (f *IntakeFunction) Retry(ctx context.Context, id, actor string) error {
	in, err := f.StartRetry(ctx, id, actor)
	if err != nil {
		return err
	}
	return f.Resume(ctx, in, actor)
}

// Resume executes a processing intake: boundaries, ranges, split, records
// and dispatch.
func (f *IntakeFunction) Resume(ctx context.Context, in *models.IntakeRequest, actor string) error {
	logCtx := slog.With("intakeId", in.ID, "projectId", in.ProjectID, "splitMode", in.SplitMode)
	logCtx.Info("Processing intake.")

	tempDir, err := os.MkdirTemp("", "intake-*")
	if err != nil {
		return f.handleError(ctx, logCtx, in.ID, nil, "failed to create temp dir", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := f.objects.Download(ctx, in.SourceFile, sourcePath); err != nil {
		return f.handleError(ctx, logCtx, in.ID, nil, "failed to download source document", err)
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return f.handleError(ctx, logCtx, in.ID, nil, "failed to open source document", err)
	}
	defer src.Close()

	pageCount, err := pages.PageCount(src)
	if err != nil {
		return f.handleError(ctx, logCtx, in.ID, nil, "failed to read page count", err)
	}
	logCtx = logCtx.With("pageCount", pageCount)

	firstPages, detection, err := f.resolveBoundaries(ctx, logCtx, in)
	if err != nil {
		return f.handleError(ctx, logCtx, in.ID, nil, "boundary detection failed", err)
	}
	ranges, err := pages.ComputeRanges(firstPages, pageCount)
	if err != nil {
		return f.handleError(ctx, logCtx, in.ID, nil, "invalid document boundaries", err)
	}
	logCtx.Info("Ranges computed.", "ranges", len(ranges))

	if len(in.ResolvedBoundaries) == 0 {
		if err := f.saveBoundaries(ctx, in.ID, ranges); err != nil {
			return f.handleError(ctx, logCtx, in.ID, nil, "failed to record document boundaries", err)
		}
	}

	recordIDs, dispatchFailures, err := f.materialize(ctx, logCtx, in, src, ranges, pageCount, detection, actor)
	if err != nil {
		return f.handleError(ctx, logCtx, in.ID, recordIDs, "failed to materialize records", err)
	}

	if _, err := f.store.UpdateIntake(ctx, in.ID, func(cur *models.IntakeRequest) error {
		if cur.Status != models.IntakeProcessing {
			return store.ErrNoChange
		}
		cur.Status = models.IntakeCompleted
		cur.PageCount = pageCount
		cur.RecordIDs = recordIDs
		cur.UpdatedBy = actor
		return nil
	}); err != nil && !errors.Is(err, store.ErrNoChange) {
		logCtx.Error("Failed to mark intake completed.", "error", err)
		return err
	}
	logCtx.Info("Intake completed.", "records", len(recordIDs), "dispatchFailures", dispatchFailures)
	return nil
}

// resolveBoundaries returns the first page of every sub-document and the
// log entry describing how they were found. Page 1 always starts a
// sub-document so no leading pages are dropped.
func (f *IntakeFunction) resolveBoundaries(ctx context.Context, logCtx *slog.Logger, in *models.IntakeRequest) ([]int, models.LogEntry, error) {
	if len(in.ResolvedBoundaries) > 0 {
		logCtx.Info("Reusing boundaries of the earlier run.", "firstPages", in.ResolvedBoundaries)
		return in.ResolvedBoundaries,
			models.Success(models.StepBoundaryDetection, fmt.Sprintf("boundaries %v from the earlier run", in.ResolvedBoundaries)), nil
	}
	if in.SplitMode == models.SplitModeManual {
		return withFirstPage(in.ManualBoundaries),
			models.Success(models.StepBoundaryDetection, fmt.Sprintf("manual boundaries %v", in.ManualBoundaries)), nil
	}

	firstPages, err := f.detector.DetectBoundaries(ctx, boundary.Source{URI: in.SourceFile})
	if err != nil {
		if f.config.FallbackSingleRange && !apperr.IsValidation(err) {
			logCtx.Warn("Boundary detection failed; keeping the document whole.", "error", err)
			return nil, models.Failure(models.StepBoundaryDetection, "boundary detection failed; document kept whole", err), nil
		}
		return nil, models.LogEntry{}, err
	}
	logCtx.Info("Boundaries detected.", "firstPages", firstPages)
	return withFirstPage(firstPages),
		models.Success(models.StepBoundaryDetection, fmt.Sprintf("detected boundaries %v", firstPages)), nil
}

// saveBoundaries records the first page of every range on a processing
// intake.
func (f *IntakeFunction) saveBoundaries(ctx context.Context, id string, ranges []pages.Range) error {
	firstPages := make([]int, len(ranges))
	for i, r := range ranges {
		firstPages[i] = r.Start
	}
	_, err := f.store.UpdateIntake(ctx, id, func(cur *models.IntakeRequest) error {
		if cur.Status != models.IntakeProcessing {
			return apperr.Conflict("services.saveBoundaries", "intake %s is %s", cur.ID, cur.Status)
		}
		if len(cur.ResolvedBoundaries) > 0 {
			return store.ErrNoChange
		}
		cur.ResolvedBoundaries = firstPages
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return nil
	}
	return err
}

func withFirstPage(firstPages []int) []int {
	if len(firstPages) == 0 || firstPages[0] == 1 {
		return firstPages
	}
	return append([]int{1}, firstPages...)
}

// RecordID is the deterministic id of the ordinal-th record of an intake.
func RecordID(intakeID string, ordinal int) string {
	return fmt.Sprintf("%s-%03d", intakeID, ordinal)
}

// SplitObjectName is where the ordinal-th part of an intake is stored.
func SplitObjectName(projectID, intakeID string, ordinal int) string {
	return fmt.Sprintf("%s/%s/%d.pdf", projectID, intakeID, ordinal)
}

// materialize persists one object and record per range in order, dispatching
// each new record while the next one is being built. Dispatch failures stay
// on their record and never abort the intake.
func (f *IntakeFunction) materialize(ctx context.Context, logCtx *slog.Logger, in *models.IntakeRequest, src *os.File, ranges []pages.Range, pageCount int, detection models.LogEntry, actor string) ([]string, int, error) {
	var (
		recordIDs []string
		failures  int
		mu        sync.Mutex
	)
	var eg errgroup.Group
	eg.SetLimit(f.config.DispatchConcurrency)

	upload := models.Success(models.StepUpload, "received "+in.OriginalFilename)
	upload.Actor = in.UpdatedBy
	if !in.CreatedAt.IsZero() {
		upload.Timestamp = in.CreatedAt
	}

	dispatch := func(rec *models.Record) {
		eg.Go(func() error {
			if _, err := f.records.dispatch(ctx, rec, actor, models.StepDispatch); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
			return nil
		})
	}

	persist := func(ordinal int, r pages.Range, data []byte) error {
		uri := in.SourceFile
		splitMsg := "document kept whole"
		if data != nil {
			var err error
			uri, err = f.objects.Put(ctx, f.config.SplitBucket, SplitObjectName(in.ProjectID, in.ID, ordinal), data)
			if err != nil {
				return fmt.Errorf("part %d: %w", ordinal, err)
			}
			splitMsg = fmt.Sprintf("pages %s of %d", r.Selection(), pageCount)
		}
		title := strings.TrimSuffix(in.OriginalFilename, filepath.Ext(in.OriginalFilename))
		if len(ranges) > 1 {
			title = fmt.Sprintf("%s (%d of %d)", title, ordinal, len(ranges))
		}
		logs := []models.LogEntry{upload, detection, models.Success(models.StepSplit, splitMsg), models.Success(models.StepPersist, "stored "+uri)}
		rec, err := f.createRecord(ctx, in, ordinal, r, uri, title, logs)
		if err != nil {
			return fmt.Errorf("part %d: %w", ordinal, err)
		}
		recordIDs = append(recordIDs, rec.ID)
		if rec.Status == models.RecordPending {
			dispatch(rec)
		} else {
			logCtx.Info("Record already dispatched; skipping.", "recordId", rec.ID, "status", rec.Status)
		}
		return nil
	}

	var runErr error
	if len(ranges) == 1 && ranges[0].Whole(pageCount) {
		runErr = persist(1, ranges[0], nil)
	} else {
		ordinal := 0
		for part, err := range pages.Split(src, ranges) {
			if err != nil {
				runErr = err
				break
			}
			ordinal++
			if err := persist(ordinal, part.Range, part.Data); err != nil {
				runErr = err
				break
			}
		}
	}

	_ = eg.Wait()
	return recordIDs, failures, runErr
}

// createRecord stores a pending record for one range, or returns the record
// an earlier run already created under the same id. An existing record that
// covers other pages is a conflict.
func (f *IntakeFunction) createRecord(ctx context.Context, in *models.IntakeRequest, ordinal int, r pages.Range, uri, title string, logs []models.LogEntry) (*models.Record, error) {
	rec := &models.Record{
		ID:            RecordID(in.ID, ordinal),
		ProjectID:     in.ProjectID,
		IntakeID:      in.ID,
		Ordinal:       ordinal,
		Title:         title,
		Namespace:     path.Join(in.ProjectID, in.ID),
		SourceFile:    uri,
		PageStart:     r.Start,
		PageEnd:       r.End,
		Status:        models.RecordPending,
		Confidence:    models.ConfidenceEmpty,
		AnalyzeResult: map[string]models.FieldValue{},
	}
	for _, e := range logs {
		rec.AppendLog(e)
	}

	created, err := f.store.CreateRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if created {
		return rec, nil
	}
	existing, err := f.store.GetRecord(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if existing.PageStart != r.Start || existing.PageEnd != r.End {
		return nil, apperr.Conflict("services.createRecord", "record %s covers pages %d-%d, not %s",
			existing.ID, existing.PageStart, existing.PageEnd, r.Selection())
	}
	return existing, nil
}

// handleError records the failure on the intake and returns it.
func (f *IntakeFunction) handleError(ctx context.Context, logCtx *slog.Logger, id string, recordIDs []string, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if _, err := f.store.UpdateIntake(ctx, id, func(in *models.IntakeRequest) error {
		if in.Terminal() {
			return store.ErrNoChange
		}
		in.Status = models.IntakeFailed
		in.ErrorDetails = fullError
		if len(recordIDs) > 0 {
			in.RecordIDs = recordIDs
		}
		return nil
	}); err != nil && !errors.Is(err, store.ErrNoChange) {
		logCtx.Error("CRITICAL: Failed to update intake status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}
