// Package copier moves objects between locations with server-side copies.
//
// Objects up to the single-part threshold are copied in one request. Larger
// objects are split by a Planner and copied part by part through a shared
// worker pool, then assembled with a multipart completion. The source is
// deleted only after the destination is complete.
package copier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/metrics"
	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/storage"
	"github.com/dandiarchive/blobstore/internal/tracing"
	"github.com/dandiarchive/blobstore/internal/workerpool"
)

// DefaultSinglePartThreshold is the largest object copied with a single
// CopyObject request. It matches the part size of DefaultPlanner, so anything
// the planner would split goes through the multipart path.
const DefaultSinglePartThreshold = parts.DefaultPartSize

// Planner splits an object of the given size into parts.
type Planner func(size int64) (parts.Plan, error)

// DefaultPlanner uses fixed parts of parts.DefaultPartSize.
func DefaultPlanner(size int64) (parts.Plan, error) {
	return parts.New(size, parts.DefaultPartSize)
}

// CopyJob describes one move from Source to Dest.
type CopyJob struct {
	Source storage.Location
	Dest   storage.Location
	Size   int64
	// Tags replace the tag set of the destination when non-nil.
	Tags map[string]string
	// ForceSingle copies with one request regardless of size.
	ForceSingle bool
	// ForceMultipart copies part by part regardless of size. A single
	// CopyObject gives the destination the plain md5 of its content, so
	// multipart etags only survive a multipart copy with the same layout.
	ForceMultipart bool
	// Planner overrides the engine planner for this job.
	Planner Planner
	// KeepSource leaves the source in place. The caller deletes it once it
	// has checked the result.
	KeepSource bool
}

var errConflictingModes = errors.New("ForceSingle and ForceMultipart are both set")

type Result struct {
	Key  string
	ETag string
	Size int64
}

// CopyError reports a failed job. UploadID is empty when the failure happened
// before a multipart upload was created.
type CopyError struct {
	Job      CopyJob
	UploadID string
	Stage    string
	Err      error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s -> %s failed at %s: %v", e.Job.Source, e.Job.Dest, e.Stage, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// Engine runs copy jobs. It is safe for concurrent use; all jobs share the
// same worker pool.
type Engine struct {
	backend   storage.Backend
	pool      *workerpool.Pool
	log       logging.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	planner   Planner
	threshold int64
}

type Option func(*Engine)

func WithPlanner(p Planner) Option {
	return func(e *Engine) { e.planner = p }
}

func WithSinglePartThreshold(n int64) Option {
	return func(e *Engine) { e.threshold = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(backend storage.Backend, pool *workerpool.Pool, log logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		backend:   backend,
		pool:      pool,
		log:       log.With("module", "copier"),
		tracer:    tracing.Tracer("github.com/dandiarchive/blobstore/internal/copier"),
		planner:   DefaultPlanner,
		threshold: DefaultSinglePartThreshold,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Copy moves job.Source to job.Dest. On failure the source is left untouched
// and any multipart upload that was created is aborted.
func (e *Engine) Copy(ctx context.Context, job CopyJob) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "copier.Copy", trace.WithAttributes(
		attribute.String(tracing.AttrKey, job.Dest.Key),
		attribute.Int64(tracing.AttrSize, job.Size),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if job.Size < 0 {
		return Result{}, &CopyError{Job: job, Stage: "plan", Err: parts.ErrInvalidSize}
	}

	if job.ForceSingle && job.ForceMultipart {
		return Result{}, &CopyError{Job: job, Stage: "plan", Err: errConflictingModes}
	}
	if job.ForceSingle || (!job.ForceMultipart && job.Size <= e.threshold) {
		return e.copySingle(ctx, job)
	}
	return e.copyMultipart(ctx, job, span)
}

func (e *Engine) copySingle(ctx context.Context, job CopyJob) (Result, error) {
	start := time.Now()

	var info storage.ObjectInfo
	err := e.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = e.backend.SingleCopy(ctx, job.Source, job.Dest, job.Tags)
		return err
	})
	if err != nil {
		e.metrics.ObserveCopy("single", time.Since(start), job.Size, "copy", err)
		return Result{}, &CopyError{Job: job, Stage: "copy", Err: err}
	}

	if !job.KeepSource {
		if err := e.backend.DeleteObject(ctx, job.Source); err != nil {
			e.metrics.ObserveCopy("single", time.Since(start), job.Size, "delete source", err)
			return Result{}, &CopyError{Job: job, Stage: "delete source", Err: err}
		}
	}

	e.metrics.ObserveCopy("single", time.Since(start), job.Size, "", nil)
	e.log.Info(ctx, "object copied", "source", job.Source.String(), "dest", job.Dest.String(), "size", job.Size)
	return Result{Key: job.Dest.Key, ETag: info.ETag, Size: info.Size}, nil
}

func (e *Engine) copyMultipart(ctx context.Context, job CopyJob, span trace.Span) (Result, error) {
	start := time.Now()
	fail := func(stage, uploadID string, err error) (Result, error) {
		e.metrics.ObserveCopy("multipart", time.Since(start), job.Size, stage, err)
		return Result{}, &CopyError{Job: job, UploadID: uploadID, Stage: stage, Err: err}
	}

	planner := e.planner
	if job.Planner != nil {
		planner = job.Planner
	}
	plan, err := planner(job.Size)
	if err != nil {
		return fail("plan", "", err)
	}
	span.SetAttributes(attribute.Int(tracing.AttrParts, plan.Count()))

	uploadID, err := e.backend.CreateMultipartUpload(ctx, job.Dest, storage.UploadOptions{Tags: job.Tags})
	if err != nil {
		return fail("create upload", "", err)
	}
	log := e.log.With("upload_id", uploadID, "dest", job.Dest.String())
	log.Debug(ctx, "multipart copy started", "source", job.Source.String(), "parts", plan.Count())

	completed := make([]storage.CompletedPart, plan.Count())
	err = e.pool.Run(ctx, plan.Count(), func(ctx context.Context, i int) error {
		p := plan.Parts[i]
		etag, err := e.backend.CopyPartRange(ctx, job.Source, job.Dest, uploadID, p.Number, &p)
		if err != nil {
			return fmt.Errorf("part %d: %w", p.Number, err)
		}
		completed[i] = storage.CompletedPart{PartNumber: p.Number, ETag: etag}
		e.metrics.PartCopied()
		return nil
	})
	if err != nil {
		e.abort(ctx, log, job.Dest, uploadID)
		return fail("copy part", uploadID, err)
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].PartNumber < completed[j].PartNumber })

	info, err := e.backend.CompleteMultipartUpload(ctx, job.Dest, uploadID, completed)
	if err != nil {
		e.abort(ctx, log, job.Dest, uploadID)
		return fail("complete upload", uploadID, err)
	}

	if !job.KeepSource {
		if err := e.backend.DeleteObject(ctx, job.Source); err != nil {
			return fail("delete source", uploadID, err)
		}
	}

	e.metrics.ObserveCopy("multipart", time.Since(start), job.Size, "", nil)
	log.Info(ctx, "multipart copy finished", "parts", plan.Count(), "size", job.Size, "elapsed", time.Since(start))
	return Result{Key: job.Dest.Key, ETag: info.ETag, Size: info.Size}, nil
}

// abort runs on a context detached from cancellation so that a cancelled job
// still releases its upload. Failures are logged only.
func (e *Engine) abort(ctx context.Context, log logging.Logger, loc storage.Location, uploadID string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err := e.backend.AbortMultipartUpload(actx, loc, uploadID); err != nil {
		log.Error(ctx, "failed to abort multipart upload", "error", err)
		return
	}
	log.Warn(ctx, "multipart upload aborted")
}

// IsCopyError reports whether err came from a failed copy job.
func IsCopyError(err error) bool {
	var ce *CopyError
	return errors.As(err, &ce)
}
