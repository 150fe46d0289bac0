package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dandiarchive/blobstore/internal/copier"
	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/metrics"
	"github.com/dandiarchive/blobstore/internal/server/config"
	"github.com/dandiarchive/blobstore/internal/server/repositories/repomanager"
	"github.com/dandiarchive/blobstore/internal/server/services"
	"github.com/dandiarchive/blobstore/internal/storage"
	"github.com/dandiarchive/blobstore/internal/storage/memstore"
	"github.com/dandiarchive/blobstore/internal/storage/miniostore"
	"github.com/dandiarchive/blobstore/internal/storage/s3store"
	"github.com/dandiarchive/blobstore/internal/workerpool"
)

// Components are the long-lived dependencies shared by the server and by
// blobctl.
type Components struct {
	DB        *sql.DB
	Backend   storage.Backend
	Pool      *workerpool.Pool
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Blobs     *services.BlobService
	Uploads   *services.UploadService
	Migration *services.MigrationService
}

// openDB is a seam for tests.
var openDB = repomanager.Open

// NewComponents opens the database, applies migrations, selects the storage
// backend and builds the services.
func NewComponents(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := openDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	c, err := assemble(db, rm, backend, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func assemble(db *sql.DB, rm repomanager.RepositoryManager, backend storage.Backend, cfg *config.Config, logger logging.Logger) (*Components, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(metrics.DefaultNamespace, reg)
	if err != nil {
		return nil, fmt.Errorf("metrics init error: %w", err)
	}

	pool := workerpool.New(cfg.CopyWorkers)
	if err := m.WatchGauge("copy_workers_in_use", "Part copies currently holding a worker slot.", func() float64 {
		return float64(pool.InUse())
	}); err != nil {
		return nil, fmt.Errorf("metrics init error: %w", err)
	}

	engine := copier.New(backend, pool, logger,
		copier.WithSinglePartThreshold(cfg.SinglePartThreshold),
		copier.WithMetrics(m),
	)

	layout := services.LayoutFromConfig(cfg)
	blobs := services.NewBlobService(db, rm, backend, layout, logger, m)
	uploads := services.NewUploadService(db, rm, backend, blobs, cfg.UploadURLExpiration, cfg.HashWorkers, logger, m)
	migration := services.NewMigrationService(db, rm, backend, engine, blobs, cfg.MigrationConcurrency, logger)

	return &Components{
		DB:        db,
		Backend:   backend,
		Pool:      pool,
		Registry:  reg,
		Metrics:   m,
		Blobs:     blobs,
		Uploads:   uploads,
		Migration: migration,
	}, nil
}

// Close waits for background work and closes the database.
func (c *Components) Close() error {
	c.Uploads.Wait()
	return c.DB.Close()
}

// NewBackend builds the storage backend selected by cfg.S3Backend, wrapped
// with the configured per-call timeouts.
func NewBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)
	switch cfg.S3Backend {
	case config.BackendS3:
		b, err = s3store.New(ctx, s3store.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3RootUser,
			SecretKey: cfg.S3RootPassword,
		})
	case config.BackendMinio:
		var (
			host   string
			secure bool
		)
		host, secure, err = minioEndpoint(cfg.S3Endpoint)
		if err != nil {
			return nil, err
		}
		b, err = miniostore.New(miniostore.Config{
			Endpoint:  host,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3RootUser,
			SecretKey: cfg.S3RootPassword,
			Secure:    secure,
		})
	case config.BackendMemory:
		b = memstore.New()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.S3Backend)
	}
	if err != nil {
		return nil, err
	}
	return storage.WithTimeouts(b, storage.Timeouts{
		Metadata: cfg.MetadataTimeout,
		PerGiB:   cfg.PartTimeoutPerGiB,
	}), nil
}

// minioEndpoint splits an endpoint URL into the host:port minio-go expects
// and whether TLS is used. A bare host:port means plain HTTP.
func minioEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "", false, errors.New("minio endpoint is not set")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint, false, nil
	}
	switch u.Scheme {
	case "https":
		return u.Host, true, nil
	case "http":
		return u.Host, false, nil
	}
	return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
}
