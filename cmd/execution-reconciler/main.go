package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/documentintake/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconciler, err := services.NewReconciler(ctx)
	if err != nil {
		slog.Error("Critical: reconciler initialization failed", "error", err)
		os.Exit(1)
	}
	if err := reconciler.Run(ctx); err != nil {
		slog.Error("Reconciler stopped with error", "error", err)
		os.Exit(1)
	}
}
