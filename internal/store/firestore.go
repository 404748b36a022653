// Package store persists intakes, records and project field catalogs in
// Firestore. Every read-modify-write runs inside a transaction so writers
// are guarded by the status they observed.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNoChange is returned by a mutate func to abandon an update without
// writing. Update methods pass it through to the caller.
var ErrNoChange = errors.New("store: no change")

const fieldCatalogCollection = "fieldCatalog"

type Config struct {
	IntakeCollection  string
	RecordCollection  string
	ProjectCollection string
	// DefaultThreshold applies when a project document has no confidenceThreshold.
	DefaultThreshold int
}

// FirestoreStore implements the pipeline's persistence.
type FirestoreStore struct {
	client *firestore.Client
	config Config
}

func New(client *firestore.Client, config Config) *FirestoreStore {
	if config.IntakeCollection == "" {
		config.IntakeCollection = "intakes"
	}
	if config.RecordCollection == "" {
		config.RecordCollection = "records"
	}
	if config.ProjectCollection == "" {
		config.ProjectCollection = "projects"
	}
	return &FirestoreStore{client: client, config: config}
}

func (s *FirestoreStore) intakes() *firestore.CollectionRef {
	return s.client.Collection(s.config.IntakeCollection)
}

func (s *FirestoreStore) records() *firestore.CollectionRef {
	return s.client.Collection(s.config.RecordCollection)
}

func (s *FirestoreStore) CreateIntake(ctx context.Context, in *models.IntakeRequest) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	if _, err := s.intakes().Doc(in.ID).Create(ctx, in); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return apperr.Conflict("store.CreateIntake", "intake %s already exists", in.ID)
		}
		return apperr.Persistence("store.CreateIntake", err, "failed to create intake %s", in.ID)
	}
	return nil
}

func (s *FirestoreStore) GetIntake(ctx context.Context, id string) (*models.IntakeRequest, error) {
	snap, err := s.intakes().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, apperr.NotFound("store.GetIntake", "intake %s not found", id)
		}
		return nil, apperr.Persistence("store.GetIntake", err, "failed to read intake %s", id)
	}
	var in models.IntakeRequest
	if err := snap.DataTo(&in); err != nil {
		return nil, apperr.Persistence("store.GetIntake", err, "failed to decode intake %s", id)
	}
	in.ID = snap.Ref.ID
	return &in, nil
}

// UpdateIntake reads the intake, applies mutate and writes it back in one
// transaction.
func (s *FirestoreStore) UpdateIntake(ctx context.Context, id string, mutate func(*models.IntakeRequest) error) (*models.IntakeRequest, error) {
	ref := s.intakes().Doc(id)
	var out *models.IntakeRequest
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return apperr.NotFound("store.UpdateIntake", "intake %s not found", id)
			}
			return err
		}
		var in models.IntakeRequest
		if err := snap.DataTo(&in); err != nil {
			return fmt.Errorf("failed to decode intake: %w", err)
		}
		in.ID = ref.ID
		if err := mutate(&in); err != nil {
			return err
		}
		in.UpdatedAt = time.Now().UTC()
		out = &in
		return tx.Set(ref, &in)
	})
	if err != nil {
		return nil, wrapTxError("store.UpdateIntake", id, err)
	}
	return out, nil
}

// CreateRecord stores rec under its deterministic id. It reports false when
// the record already exists, which happens when an intake is re-run.
func (s *FirestoreStore) CreateRecord(ctx context.Context, rec *models.Record) (bool, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if _, err := s.records().Doc(rec.ID).Create(ctx, rec); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, apperr.Persistence("store.CreateRecord", err, "failed to create record %s", rec.ID)
	}
	return true, nil
}

func (s *FirestoreStore) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	snap, err := s.records().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, apperr.NotFound("store.GetRecord", "record %s not found", id)
		}
		return nil, apperr.Persistence("store.GetRecord", err, "failed to read record %s", id)
	}
	return decodeRecord(snap)
}

// FindByCorrelationID returns the record dispatched under correlationID.
func (s *FirestoreStore) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Record, error) {
	docs, err := s.records().Where("correlationId", "==", correlationID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, apperr.Persistence("store.FindByCorrelationID", err, "failed to query correlation id %s", correlationID)
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound("store.FindByCorrelationID", "no record with correlation id %s", correlationID)
	}
	return decodeRecord(docs[0])
}

// ListProcessing returns every processing record that carries a correlation id.
func (s *FirestoreStore) ListProcessing(ctx context.Context) ([]*models.Record, error) {
	iter := s.records().Where("status", "==", string(models.RecordProcessing)).Documents(ctx)
	defer iter.Stop()

	var out []*models.Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, apperr.Persistence("store.ListProcessing", err, "failed to iterate processing records")
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		if rec.CorrelationID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateRecord reads the record, applies mutate and writes it back in one
// transaction. mutate decides on the freshly read state, so a concurrent
// writer that changed the status first makes it bail out with ErrNoChange.
func (s *FirestoreStore) UpdateRecord(ctx context.Context, id string, mutate func(*models.Record) error) (*models.Record, error) {
	ref := s.records().Doc(id)
	var out *models.Record
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return apperr.NotFound("store.UpdateRecord", "record %s not found", id)
			}
			return err
		}
		rec, err := decodeRecord(snap)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		out = rec
		return tx.Set(ref, rec)
	})
	if err != nil {
		return nil, wrapTxError("store.UpdateRecord", id, err)
	}
	return out, nil
}

type projectSettings struct {
	ConfidenceThreshold *int `firestore:"confidenceThreshold"`
}

// FieldCatalog loads the ordered field catalog and threshold of a project.
func (s *FirestoreStore) FieldCatalog(ctx context.Context, projectID string) (models.FieldCatalog, error) {
	catalog := models.FieldCatalog{Threshold: s.config.DefaultThreshold}
	projectRef := s.client.Collection(s.config.ProjectCollection).Doc(projectID)

	snap, err := projectRef.Get(ctx)
	switch {
	case status.Code(err) == codes.NotFound:
	case err != nil:
		return catalog, apperr.Persistence("store.FieldCatalog", err, "failed to read project %s", projectID)
	default:
		var settings projectSettings
		if err := snap.DataTo(&settings); err != nil {
			return catalog, apperr.Persistence("store.FieldCatalog", err, "failed to decode project %s", projectID)
		}
		if settings.ConfidenceThreshold != nil {
			catalog.Threshold = *settings.ConfidenceThreshold
		}
	}

	iter := projectRef.Collection(fieldCatalogCollection).OrderBy("order", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return catalog, apperr.Persistence("store.FieldCatalog", err, "failed to iterate field catalog of %s", projectID)
		}
		var entry models.FieldCatalogEntry
		if err := doc.DataTo(&entry); err != nil {
			return catalog, apperr.Persistence("store.FieldCatalog", err, "failed to decode catalog entry %s", doc.Ref.ID)
		}
		if entry.Key == "" {
			entry.Key = doc.Ref.ID
		}
		if entry.Type == "" {
			entry.Type = models.FieldText
		}
		catalog.Entries = append(catalog.Entries, entry)
	}
	return catalog, nil
}

func decodeRecord(snap *firestore.DocumentSnapshot) (*models.Record, error) {
	var rec models.Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, apperr.Persistence("store.decodeRecord", err, "failed to decode record %s", snap.Ref.ID)
	}
	rec.ID = snap.Ref.ID
	return &rec, nil
}

// wrapTxError keeps ErrNoChange and typed errors intact and classifies
// everything else as a persistence failure.
func wrapTxError(op, id string, err error) error {
	if errors.Is(err, ErrNoChange) {
		return ErrNoChange
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Persistence(op, err, "transaction on %s failed", id)
}
