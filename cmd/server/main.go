// Command server runs storelink, the Salla store-connection API used by the
// merchant dashboard.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketdash/storelink/app"
	"github.com/marketdash/storelink/server"
)

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	application, err := app.New()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to initialize storelink", "error", err)
		return 1
	}
	defer application.Close()

	logger := application.Logger.With("component", "main")
	logger.Info("storelink configured",
		"connection_store", application.Config.ConnectionStore,
		"cache_provider", application.Config.CacheProvider,
		"session_store", application.Config.SessionStoreProvider,
		"allowed_origins", application.Config.AllowedOrigins(),
	)

	srv, err := server.New(application.Config, application.Logger, application.Handlers)
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Close(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Error("in-flight requests did not finish before shutdown", "grace", shutdownGrace)
		} else {
			logger.Error("server forced to shutdown", "error", err)
		}
		return 1
	}
	return 0
}
