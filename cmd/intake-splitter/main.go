package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

const triggerActor = "storage-trigger"

var (
	intakeInstance *services.IntakeFunction
	once           sync.Once
	initErr        error
)

// GCSEvent is the payload of a storage object finalize event.
type GCSEvent struct {
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
}

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("SplitIntake", splitIntake)
}

// main is required by the Go Functions Framework.
func main() {}

// splitIntake turns a PDF dropped into <projectId>/inbox/ into an auto-split
// intake and processes it.
func splitIntake(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		intakeInstance, initErr = services.NewIntake(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	generation, _ := strconv.ParseInt(gcsEvent.Generation, 10, 64)
	logCtx := slog.With("gcsBucket", gcsEvent.Bucket, "gcsObject", gcsEvent.Name, "eventId", e.ID())

	in, err := intakeInstance.CreateFromObject(ctx, gcsEvent.Bucket, gcsEvent.Name, generation, triggerActor)
	if apperr.IsValidation(err) {
		// Objects outside the inbox, including API uploads, are not ours.
		logCtx.Info("Ignoring object.", "reason", err)
		return nil
	}
	if err != nil {
		logCtx.Error("Failed to create intake", "error", err)
		return err
	}

	// Failure is recorded on the intake; retrying the event would not help.
	if err := intakeInstance.Process(ctx, in.ID, triggerActor); err != nil {
		logCtx.Error("Intake processing failed", "intakeId", in.ID, "error", err)
	}
	return nil
}
