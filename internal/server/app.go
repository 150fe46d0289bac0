// Package server wires the configuration, the database, the storage backend
// and the services together, and runs the HTTP API, the gRPC health endpoint
// and the upload garbage collector until the process is signalled.
package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/metrics"
	"github.com/dandiarchive/blobstore/internal/server/config"
	"github.com/dandiarchive/blobstore/internal/server/httpapi"
	"github.com/dandiarchive/blobstore/internal/tracing"

	gs "github.com/dandiarchive/blobstore/internal/server/grpc"
)

// GCInterval is how often expired upload sessions are collected.
const GCInterval = time.Hour

type App struct {
	config     *config.Config
	logger     logging.Logger
	components *Components
	tracing    *tracing.Provider
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.New(os.Stdout, c.LogLevel)

	tp, err := tracing.Setup(ctx, tracing.Config{Endpoint: c.TracingEndpoint})
	if err != nil {
		return nil, err
	}

	components, err := NewComponents(ctx, c, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	return &App{config: c, logger: logger, components: components, tracing: tp}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	c := app.components
	s := httpapi.NewServer(app.config.HTTPAddr, app.logger, c.Uploads, c.Blobs, metrics.Handler(c.Registry))
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.GRPCHealthAddr, app.logger, app.components.DB.PingContext, 0)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// collectUploads periodically removes expired upload sessions.
func (app *App) collectUploads(ctx context.Context) {
	t := time.NewTicker(GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := app.components.Uploads.CollectExpired(ctx, now); err != nil {
				app.logger.Error(ctx, "upload garbage collection failed", "error", err)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.collectUploads(ctx)
	}()

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := app.components.Close(); err != nil {
		app.logger.Error(shutdownCtx, "db close failed", "error", err)
	}
	if err := app.tracing.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "tracing shutdown failed", "error", err)
	}
	app.logger.Info(shutdownCtx, "App stopped")
}
