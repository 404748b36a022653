package services

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/boundary"
	"github.com/Lllllllleong/documentintake/internal/gcp"
	"github.com/Lllllllleong/documentintake/internal/models"
	"github.com/Lllllllleong/documentintake/internal/store"
	"github.com/Lllllllleong/documentintake/internal/webhook"
)

// memStore is an in-memory Store. Reads and writes copy records so callers
// never share state with the store, like a real document database.
type memStore struct {
	mu           sync.Mutex
	intakes      map[string]*models.IntakeRequest
	records      map[string]*models.Record
	catalogs     map[string]models.FieldCatalog
	recordWrites int
	failCreate   func(rec *models.Record) error
}

func newMemStore() *memStore {
	return &memStore{
		intakes:  map[string]*models.IntakeRequest{},
		records:  map[string]*models.Record{},
		catalogs: map[string]models.FieldCatalog{},
	}
}

func cloneIntake(in *models.IntakeRequest) *models.IntakeRequest {
	out := *in
	out.ManualBoundaries = slices.Clone(in.ManualBoundaries)
	out.ResolvedBoundaries = slices.Clone(in.ResolvedBoundaries)
	out.RecordIDs = slices.Clone(in.RecordIDs)
	return &out
}

func cloneRecord(rec *models.Record) *models.Record {
	out := *rec
	out.AnalyzeResult = maps.Clone(rec.AnalyzeResult)
	out.Logs = slices.Clone(rec.Logs)
	if rec.VerifiedAt != nil {
		at := *rec.VerifiedAt
		out.VerifiedAt = &at
	}
	return &out
}

func (s *memStore) CreateIntake(_ context.Context, in *models.IntakeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intakes[in.ID]; ok {
		return apperr.Conflict("memStore.CreateIntake", "intake %s already exists", in.ID)
	}
	s.intakes[in.ID] = cloneIntake(in)
	return nil
}

func (s *memStore) GetIntake(_ context.Context, id string) (*models.IntakeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intakes[id]
	if !ok {
		return nil, apperr.NotFound("memStore.GetIntake", "intake %s not found", id)
	}
	return cloneIntake(in), nil
}

func (s *memStore) UpdateIntake(_ context.Context, id string, mutate func(*models.IntakeRequest) error) (*models.IntakeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intakes[id]
	if !ok {
		return nil, apperr.NotFound("memStore.UpdateIntake", "intake %s not found", id)
	}
	next := cloneIntake(in)
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.intakes[id] = next
	return cloneIntake(next), nil
}

func (s *memStore) CreateRecord(_ context.Context, rec *models.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		if err := s.failCreate(rec); err != nil {
			return false, err
		}
	}
	if _, ok := s.records[rec.ID]; ok {
		return false, nil
	}
	s.records[rec.ID] = cloneRecord(rec)
	return true, nil
}

func (s *memStore) GetRecord(_ context.Context, id string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, apperr.NotFound("memStore.GetRecord", "record %s not found", id)
	}
	return cloneRecord(rec), nil
}

func (s *memStore) FindByCorrelationID(_ context.Context, correlationID string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.CorrelationID == correlationID {
			return cloneRecord(rec), nil
		}
	}
	return nil, apperr.NotFound("memStore.FindByCorrelationID", "no record with correlation id %s", correlationID)
}

func (s *memStore) ListProcessing(_ context.Context) ([]*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Record
	for _, id := range slices.Sorted(maps.Keys(s.records)) {
		rec := s.records[id]
		if rec.Status == models.RecordProcessing && rec.CorrelationID != "" {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (s *memStore) UpdateRecord(_ context.Context, id string, mutate func(*models.Record) error) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, apperr.NotFound("memStore.UpdateRecord", "record %s not found", id)
	}
	next := cloneRecord(rec)
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.records[id] = next
	s.recordWrites++
	return cloneRecord(next), nil
}

func (s *memStore) FieldCatalog(_ context.Context, projectID string) (models.FieldCatalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.catalogs[projectID]; ok {
		return c, nil
	}
	return models.FieldCatalog{Threshold: 80}, nil
}

func (s *memStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordWrites
}

// put seeds a record directly.
func (s *memStore) put(rec *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
}

// fakeObjects keeps objects in memory keyed by gs:// URI. Put never
// overwrites, matching the DoesNotExist precondition of the real store.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut func(bucket, object string) error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (o *fakeObjects) Put(_ context.Context, bucket, object string, data []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failPut != nil {
		if err := o.failPut(bucket, object); err != nil {
			return "", err
		}
	}
	uri := gcp.URI(bucket, object)
	if _, ok := o.objects[uri]; !ok {
		o.objects[uri] = slices.Clone(data)
	}
	return uri, nil
}

func (o *fakeObjects) Download(_ context.Context, uri, destPath string) error {
	o.mu.Lock()
	data, ok := o.objects[uri]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s does not exist", uri)
	}
	return os.WriteFile(destPath, data, 0o600)
}

func (o *fakeObjects) get(uri string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[uri]
	return data, ok
}

type fakeDetector struct {
	firstPages []int
	err        error
	sources    []boundary.Source
}

func (d *fakeDetector) DetectBoundaries(_ context.Context, src boundary.Source) ([]int, error) {
	d.sources = append(d.sources, src)
	if d.err != nil {
		return nil, d.err
	}
	return slices.Clone(d.firstPages), nil
}

// fakeDispatcher answers with "exec-<recordId>" unless fail says otherwise.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(desc models.WebhookDescriptor) bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: map[string]int{}}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, desc models.WebhookDescriptor, _ webhook.Config) (*webhook.Result, error) {
	d.mu.Lock()
	d.calls[desc.RecordID]++
	d.mu.Unlock()
	if d.fail != nil && d.fail(desc) {
		return nil, apperr.External("webhook.Dispatch",
			&webhook.DispatchError{Attempts: 3, LastStatus: 502, Err: fmt.Errorf("bad gateway")},
			"webhook never returned a correlation id")
	}
	return &webhook.Result{CorrelationID: "exec-" + desc.RecordID, Attempt: 1, StatusCode: 200}, nil
}

func (d *fakeDispatcher) callsFor(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

type statusFunc func(ctx context.Context, correlationID string) (models.ExecutionStatus, error)

func (f statusFunc) ExecutionStatus(ctx context.Context, correlationID string) (models.ExecutionStatus, error) {
	return f(ctx, correlationID)
}

// testCatalog has two required fields and one optional one.
func testCatalog() models.FieldCatalog {
	return models.FieldCatalog{
		Threshold: 80,
		Entries: []models.FieldCatalogEntry{
			{Key: "invoice_number", Order: 1, Required: true, Type: models.FieldText},
			{Key: "total", Order: 2, Required: true, Type: models.FieldNumeric},
			{Key: "notes", Order: 3, Type: models.FieldText},
		},
	}
}

func newTestRecords(st *memStore, d *fakeDispatcher) *RecordsFunction {
	return NewRecordsFunction(st, d, RecordsConfig{
		Webhook:     webhook.Config{URL: "https://workflows.example.com/trigger"},
		CallbackURL: "https://intake.example.com/callbacks/extraction",
	})
}

// processingRecord seeds a record that waits for execution exec-<id>.
func processingRecord(t *testing.T, st *memStore, id string) *models.Record {
	t.Helper()
	rec := &models.Record{
		ID:            id,
		ProjectID:     "p1",
		IntakeID:      "in-1",
		Ordinal:       1,
		Status:        models.RecordProcessing,
		CorrelationID: "exec-" + id,
		Confidence:    models.ConfidenceEmpty,
		AnalyzeResult: map[string]models.FieldValue{},
	}
	st.put(rec)
	return rec
}

func hasLog(rec *models.Record, step models.Step, status models.LogStatus) bool {
	return slices.ContainsFunc(rec.Logs, func(e models.LogEntry) bool {
		return e.Step == step && e.Status == status
	})
}

var _ Store = (*store.FirestoreStore)(nil)
