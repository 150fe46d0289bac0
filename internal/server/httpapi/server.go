// Package httpapi exposes the upload protocol and the blob registry over a
// JSON REST API.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/server/services"
)

// UploadService is the part of services.UploadService the API uses.
type UploadService interface {
	Initialize(ctx context.Context, req services.InitializeRequest) (*services.Initialization, error)
	Complete(ctx context.Context, req services.CompleteRequest) (*services.Completion, error)
	Validate(ctx context.Context, id string) (*models.Blob, error)
	Abort(ctx context.Context, id string) error
}

// BlobService is the part of services.BlobService the API uses.
type BlobService interface {
	Get(ctx context.Context, id string) (*models.Blob, error)
	Lookup(ctx context.Context, digest models.Digest, size int64, partition models.Partition) (*models.Blob, error)
	RecordDownload(ctx context.Context, id string) error
}

type Server struct {
	address string
	uploads UploadService
	blobs   BlobService
	metrics http.Handler
	logger  logging.Logger
	engine  *gin.Engine

	shutdownTimeout time.Duration
}

// NewServer builds the router. A nil metrics handler disables /metrics.
func NewServer(address string, l logging.Logger, us UploadService, bs BlobService, metrics http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		address:         address,
		uploads:         us,
		blobs:           bs,
		metrics:         metrics,
		logger:          l.With("module", "http_server"),
		shutdownTimeout: 10 * time.Second,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		api.POST("/uploads/initialize/", s.initializeUpload)
		api.POST("/uploads/complete/", s.completeUpload)
		api.POST("/uploads/validations/:uuid/", s.validateUpload)
		api.POST("/uploads/:uuid/abort/", s.abortUpload)

		api.POST("/blobs/digest/", s.lookupBlob)
		api.GET("/blobs/:uuid/", s.getBlob)
		api.POST("/blobs/:uuid/downloads/", s.recordDownload)
	}

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
