package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentintake/internal/httpapi"
	"github.com/Lllllllleong/documentintake/internal/services"
)

var (
	router  http.Handler
	once    sync.Once
	initErr error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleIntakeAPI", handleIntakeAPI)
}

// main is required by the Go Functions Framework.
func main() {}

// handleIntakeAPI serves uploads, intake and record operations.
func handleIntakeAPI(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var intake *services.IntakeFunction
		intake, initErr = services.NewIntake(context.Background())
		if initErr == nil {
			router = httpapi.NewRouter(intake, intake.Records())
		}
	})
	if initErr != nil {
		slog.Error("Critical: intake API initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}
