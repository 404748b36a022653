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
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Receives POST /callbacks/extraction from the extraction workflow.
	functions.HTTP("HandleExtractionCallback", handleExtractionCallback)
}

func main() {}

func handleExtractionCallback(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var records *services.RecordsFunction
		records, initErr = services.NewRecords(context.Background())
		if initErr == nil {
			router = httpapi.NewRouter(nil, records)
		}
	})
	if initErr != nil {
		slog.Error("Critical: callback initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}
