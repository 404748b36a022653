package services

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentintake/internal/boundary"
	"github.com/Lllllllleong/documentintake/internal/gcp"
	"github.com/Lllllllleong/documentintake/internal/store"
	"github.com/Lllllllleong/documentintake/internal/webhook"
)

func loadStoreConfig() (string, store.Config, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return "", store.Config{}, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	return projectID, store.Config{
		IntakeCollection:  gcp.GetEnv("INTAKE_COLLECTION", "intakes"),
		RecordCollection:  gcp.GetEnv("RECORD_COLLECTION", "records"),
		ProjectCollection: gcp.GetEnv("PROJECT_COLLECTION", "projects"),
		DefaultThreshold:  gcp.GetEnvInt("CONFIDENCE_THRESHOLD", 80),
	}, nil
}

func loadRecordsConfig() (RecordsConfig, error) {
	config := RecordsConfig{
		Webhook: webhook.Config{
			URL:         gcp.GetEnv("WEBHOOK_URL", ""),
			Method:      gcp.GetEnv("WEBHOOK_METHOD", "POST"),
			BearerToken: gcp.GetEnv("WEBHOOK_TOKEN", ""),
			MaxRetries:  gcp.GetEnvInt("WEBHOOK_MAX_RETRIES", webhook.DefaultMaxRetries),
		},
		CallbackURL: gcp.GetEnv("CALLBACK_URL", ""),
	}
	if config.Webhook.URL == "" {
		return config, fmt.Errorf("WEBHOOK_URL environment variable must be set")
	}
	return config, nil
}

func loadIntakeConfig() (IntakeConfig, error) {
	config := IntakeConfig{
		UploadBucket:        gcp.GetEnv("UPLOAD_BUCKET", ""),
		SplitBucket:         gcp.GetEnv("SPLIT_BUCKET", ""),
		DispatchConcurrency: gcp.GetEnvInt("DISPATCH_CONCURRENCY", 4),
		FallbackSingleRange: gcp.GetEnvBool("FALLBACK_SINGLE_RANGE", false),
	}
	if config.UploadBucket == "" {
		return config, fmt.Errorf("UPLOAD_BUCKET environment variable must be set")
	}
	if config.SplitBucket == "" {
		return config, fmt.Errorf("SPLIT_BUCKET environment variable must be set")
	}
	return config, nil
}

func loadReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:     gcp.GetEnvDuration("RECONCILE_INTERVAL", defaultReconcileInterval),
		QueryTimeout: gcp.GetEnvDuration("RECONCILE_QUERY_TIMEOUT", defaultQueryTimeout),
		Concurrency:  gcp.GetEnvInt("RECONCILE_CONCURRENCY", 4),
		MaxNotFound:  gcp.GetEnvInt("RECONCILE_MAX_NOT_FOUND", 10),
	}
}

// NewRecords wires the record operations against Firestore and the
// configured webhook.
func NewRecords(ctx context.Context) (*RecordsFunction, error) {
	projectID, storeConfig, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}
	recordsConfig, err := loadRecordsConfig()
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	f := NewRecordsFunction(store.New(firestoreClient, storeConfig), webhook.New(), recordsConfig)
	slog.Info("Records logic initialized.", "webhookUrl", recordsConfig.Webhook.URL)
	return f, nil
}

// NewIntake wires the intake pipeline and the record operations it
// dispatches through.
func NewIntake(ctx context.Context) (*IntakeFunction, error) {
	projectID, storeConfig, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}
	recordsConfig, err := loadRecordsConfig()
	if err != nil {
		return nil, err
	}
	intakeConfig, err := loadIntakeConfig()
	if err != nil {
		return nil, err
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, projectID, gcp.GetEnv("VERTEX_AI_REGION", "us-central1"), gcp.GetEnv("BOUNDARY_MODEL", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	st := store.New(firestoreClient, storeConfig)
	records := NewRecordsFunction(st, webhook.New(), recordsConfig)
	f := NewIntakeFunction(
		st,
		gcp.NewGCSObjects(storageClient),
		boundary.NewDetector(vertexClient.BoundaryModel, nil),
		records,
		intakeConfig,
	)
	slog.Info("Intake logic initialized.", "uploadBucket", intakeConfig.UploadBucket, "splitBucket", intakeConfig.SplitBucket)
	return f, nil
}

// NewReconciler wires the reconciler against Firestore and Cloud Workflows.
func NewReconciler(ctx context.Context) (*Reconciler, error) {
	records, err := NewRecords(ctx)
	if err != nil {
		return nil, err
	}
	executions, err := gcp.NewWorkflowExecutions(ctx)
	if err != nil {
		return nil, err
	}
	config := loadReconcilerConfig()
	return NewReconcilerFunction(records.store, executions, records, config), nil
}
