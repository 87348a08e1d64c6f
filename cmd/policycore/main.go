// Command policycore is the zero trust policy core's entrypoint. It is a
// thin wiring layer: logging setup, root context, config load, and
// delegation to internal/app — all actual bootstrap logic lives there.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridian-iot/policycore/internal/app"
	"github.com/meridian-iot/policycore/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("policycore starting")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("policycore exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("policycore stopped")
}
