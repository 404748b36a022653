package services

import (
	"context"

	"github.com/Lllllllleong/documentintake/internal/boundary"
	"github.com/Lllllllleong/documentintake/internal/models"
	"github.com/Lllllllleong/documentintake/internal/webhook"
)

// Store is the persistence the pipeline needs. *store.FirestoreStore
// implements it; update methods return store.ErrNoChange when the mutate
// func declines to write.
type Store interface {
	CreateIntake(ctx context.Context, in *models.IntakeRequest) error
	GetIntake(ctx context.Context, id string) (*models.IntakeRequest, error)
	UpdateIntake(ctx context.Context, id string, mutate func(*models.IntakeRequest) error) (*models.IntakeRequest, error)
	CreateRecord(ctx context.Context, rec *models.Record) (bool, error)
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.Record, error)
	ListProcessing(ctx context.Context) ([]*models.Record, error)
	UpdateRecord(ctx context.Context, id string, mutate func(*models.Record) error) (*models.Record, error)
	FieldCatalog(ctx context.Context, projectID string) (models.FieldCatalog, error)
}

// ObjectStore holds source and split documents.
type ObjectStore interface {
	Put(ctx context.Context, bucket, object string, data []byte) (string, error)
	Download(ctx context.Context, uri, destPath string) error
}

type BoundaryDetector interface {
	DetectBoundaries(ctx context.Context, src boundary.Source) ([]int, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, desc models.WebhookDescriptor, cfg webhook.Config) (*webhook.Result, error)
}

// StatusSource answers execution status queries for correlation ids.
type StatusSource interface {
	ExecutionStatus(ctx context.Context, correlationID string) (models.ExecutionStatus, error)
}
