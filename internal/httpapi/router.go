// Package httpapi exposes intakes, records and the extraction callback over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/models"
	"github.com/Lllllllleong/documentintake/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	maxUploadBytes   = 256 << 20
	multipartMemory  = 32 << 20
	backgroundBudget = 30 * time.Minute
)

type IntakeService interface {
	Create(ctx context.Context, req services.CreateIntakeRequest) (*models.IntakeRequest, error)
	Get(ctx context.Context, id string) (*models.IntakeRequest, error)
	Process(ctx context.Context, id, actor string) error
	StartRetry(ctx context.Context, id, actor string) (*models.IntakeRequest, error)
	Resume(ctx context.Context, in *models.IntakeRequest, actor string) error
}

type RecordService interface {
	Get(ctx context.Context, id string) (*models.Record, error)
	ApplyCallback(ctx context.Context, cb models.ExtractionCallback) (*models.CallbackResponse, error)
	Cancel(ctx context.Context, id, actor string) (*models.Record, error)
	RetryDispatch(ctx context.Context, id, actor string) (*models.Record, error)
	Verify(ctx context.Context, id, actor string) (*models.Record, error)
	EditFields(ctx context.Context, id, actor string, edits []models.FieldEdit) (*models.Record, error)
}

// Background runs work that outlives the request.
type Background func(ctx context.Context, task func(ctx context.Context))

// Detached runs task on its own goroutine with a context that survives the
// request but keeps its values.
func Detached(ctx context.Context, task func(ctx context.Context)) {
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundBudget)
		defer cancel()
		task(bg)
	}()
}

type handler struct {
	intakes    IntakeService
	records    RecordService
	background Background
}

type Option func(*handler)

// WithBackground replaces the runner used for post-response processing.
func WithBackground(b Background) Option { return func(h *handler) { h.background = b } }

// NewRouter builds the API. Either service may be nil, in which case its
// routes are not mounted.
func NewRouter(intakes IntakeService, records RecordService, opts ...Option) http.Handler {
	h := &handler{intakes: intakes, records: records, background: Detached}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	if intakes != nil {
		r.Route("/intakes", func(r chi.Router) {
			r.Post("/", h.createIntake)
			r.Get("/{id}", h.getIntake)
			r.Post("/{id}/retry", h.retryIntake)
		})
	}
	if records != nil {
		r.Route("/records/{id}", func(r chi.Router) {
			r.Get("/", h.getRecord)
			r.Post("/verify", h.recordAction(records.Verify))
			r.Post("/cancel", h.recordAction(records.Cancel))
			r.Post("/retry", h.recordAction(records.RetryDispatch))
			r.Patch("/fields", h.editFields)
		})
		r.Post("/callbacks/extraction", h.extractionCallback)
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("HTTP request served.",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed.", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, apperr.ToWire(err))
}

type uploadForm struct {
	ProjectID  string `json:"projectId" validate:"required"`
	SplitMode  string `json:"splitMode" validate:"omitempty,oneof=auto manual"`
	Boundaries string `json:"boundaries" validate:"omitempty,comma_ints"`
	Actor      string `json:"actor"`
}

func (h *handler) createIntake(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.createIntake"
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, apperr.Validation(op, "body", "invalid multipart upload: %v", err))
		return
	}
	form := uploadForm{
		ProjectID:  r.FormValue("projectId"),
		SplitMode:  r.FormValue("splitMode"),
		Boundaries: r.FormValue("boundaries"),
		Actor:      r.FormValue("actor"),
	}
	if err := validateStruct(op, form); err != nil {
		writeError(w, r, err)
		return
	}
	boundaries, _ := parseCommaInts(form.Boundaries)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Validation(op, "file", "file part is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, apperr.Validation(op, "file", "failed to read upload: %v", err))
		return
	}

	in, err := h.intakes.Create(r.Context(), services.CreateIntakeRequest{
		ProjectID:  form.ProjectID,
		Filename:   header.Filename,
		Data:       data,
		SplitMode:  models.SplitMode(form.SplitMode),
		Boundaries: boundaries,
		Actor:      form.Actor,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	id, actor := in.ID, form.Actor
	h.background(r.Context(), func(ctx context.Context) {
		if err := h.intakes.Process(ctx, id, actor); err != nil {
			slog.Error("Background intake processing failed.", "intakeId", id, "error", err)
		}
	})
	writeJSON(w, http.StatusAccepted, models.IntakeResponse{IntakeID: in.ID, Status: in.Status})
}

func (h *handler) getIntake(w http.ResponseWriter, r *http.Request) {
	in, err := h.intakes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *handler) retryIntake(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[models.ActionRequest](r, "httpapi.retryIntake")
	if err != nil {
		writeError(w, r, err)
		return
	}
	in, err := h.intakes.StartRetry(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.background(r.Context(), func(ctx context.Context) {
		if err := h.intakes.Resume(ctx, in, req.Actor); err != nil {
			slog.Error("Background intake retry failed.", "intakeId", in.ID, "error", err)
		}
	})
	writeJSON(w, http.StatusAccepted, models.IntakeResponse{IntakeID: in.ID, Status: in.Status})
}

func (h *handler) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type recordOp func(ctx context.Context, id, actor string) (*models.Record, error)

func (h *handler) recordAction(do recordOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeJSON[models.ActionRequest](r, "httpapi.recordAction")
		if err != nil {
			writeError(w, r, err)
			return
		}
		rec, err := do(r.Context(), chi.URLParam(r, "id"), req.Actor)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *handler) editFields(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[models.FieldEditRequest](r, "httpapi.editFields")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.records.EditFields(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Edits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) extractionCallback(w http.ResponseWriter, r *http.Request) {
	cb, err := decodeJSON[models.ExtractionCallback](r, "httpapi.extractionCallback")
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.records.ApplyCallback(r.Context(), cb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
