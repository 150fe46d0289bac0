package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dandiarchive/blobstore/internal/checksum"
	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/dbx"
	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/metrics"
	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/server/repositories/repomanager"
	"github.com/dandiarchive/blobstore/internal/storage"
	"github.com/dandiarchive/blobstore/internal/workerpool"
)

// DefaultUploadExpiration is the lifetime of presigned part URLs and of
// unfinished sessions.
const DefaultUploadExpiration = 7 * 24 * time.Hour

// DefaultHashWorkers is the number of new blobs whose sha256 is computed at
// the same time.
const DefaultHashWorkers = 4

// newSessionID is a seam for tests.
var newSessionID = func() string { return uuid.NewString() }

type InitializeRequest struct {
	FileSize  int64
	Digest    models.Digest
	Dataset   string
	Embargoed bool
}

type PartUpload struct {
	PartNumber int32  `json:"part_number"`
	Size       int64  `json:"size"`
	UploadURL  string `json:"upload_url"`
}

type MultipartUpload struct {
	ObjectKey string       `json:"object_key"`
	UploadID  string       `json:"upload_id"`
	Parts     []PartUpload `json:"parts"`
}

// Initialization is returned to the client after Initialize.
type Initialization struct {
	UUID            string          `json:"uuid"`
	MultipartUpload MultipartUpload `json:"multipart_upload"`
}

type TransferredPart struct {
	PartNumber int32  `json:"part_number"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag"`
}

type CompleteRequest struct {
	ObjectKey string            `json:"object_key"`
	UploadID  string            `json:"upload_id"`
	Parts     []TransferredPart `json:"parts"`
}

// Completion is a presigned completion request the client executes against
// the object store.
type Completion struct {
	CompleteURL string `json:"complete_url"`
	Body        string `json:"body"`
}

// UploadService runs the client upload protocol: initialize, complete and
// validate. Payload bytes never pass through the server.
type UploadService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	backend     storage.Backend
	blobs       *BlobService
	layout      Layout
	expiration  time.Duration
	log         logging.Logger
	metrics     *metrics.Metrics

	hashPool *workerpool.Pool
	wg       sync.WaitGroup
}

func NewUploadService(db *sql.DB, rm repomanager.RepositoryManager, backend storage.Backend, blobs *BlobService, expiration time.Duration, hashWorkers int, log logging.Logger, m *metrics.Metrics) *UploadService {
	if expiration <= 0 {
		expiration = DefaultUploadExpiration
	}
	if hashWorkers <= 0 {
		hashWorkers = DefaultHashWorkers
	}
	return &UploadService{
		db:          db,
		repomanager: rm,
		backend:     backend,
		blobs:       blobs,
		layout:      blobs.Layout(),
		expiration:  expiration,
		log:         log.With("module", "uploads"),
		metrics:     m,
		hashPool:    workerpool.New(hashWorkers),
	}
}

// Initialize opens a multipart upload for content that is not registered
// yet and returns one presigned PUT URL per part.
func (s *UploadService) Initialize(ctx context.Context, req InitializeRequest) (*Initialization, error) {
	if err := validateInitialize(req); err != nil {
		return nil, err
	}
	plan, err := parts.ForFileSize(req.FileSize)
	if err != nil {
		return nil, newValidationError("file_size: %v", err)
	}

	partition := models.PartitionPublic
	if req.Embargoed {
		partition = models.PartitionEmbargoed
	}

	existing, err := s.blobs.resolve(ctx, s.repomanager.Blobs(s.db), req.Digest, req.FileSize, partition)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &BlobAlreadyExistsError{BlobID: existing.ID}
	}

	id := newSessionID()
	loc := s.layout.Location(partition, req.Dataset, id)
	opts := storage.UploadOptions{}
	if req.Embargoed {
		opts.Tags = map[string]string{EmbargoTag: "true"}
	}

	uploadID, err := s.backend.CreateMultipartUpload(ctx, loc, opts)
	if err != nil {
		return nil, err
	}

	init := &Initialization{
		UUID: id,
		MultipartUpload: MultipartUpload{
			ObjectKey: loc.Key,
			UploadID:  uploadID,
			Parts:     make([]PartUpload, 0, plan.Count()),
		},
	}
	for _, p := range plan.Parts {
		u, err := s.backend.PresignUploadPart(ctx, loc, uploadID, p, s.expiration)
		if err != nil {
			s.abortRemote(ctx, loc, uploadID)
			return nil, err
		}
		init.MultipartUpload.Parts = append(init.MultipartUpload.Parts, PartUpload{PartNumber: p.Number, Size: p.Size, UploadURL: u})
	}

	session := &models.Upload{
		ID:         id,
		UploadID:   uploadID,
		StorageKey: loc.Key,
		Size:       req.FileSize,
		Digest:     req.Digest,
		Partition:  partition,
		Dataset:    req.Dataset,
		State:      models.UploadInitialized,
	}
	if req.Digest.Algorithm == models.AlgorithmETag {
		session.ETag = req.Digest.Value
	}
	if err := s.repomanager.Uploads(s.db).Create(ctx, session); err != nil {
		s.abortRemote(ctx, loc, uploadID)
		return nil, fmt.Errorf("error creating upload: %w", err)
	}

	s.metrics.UploadTransition(string(models.UploadInitialized))
	s.log.Info(ctx, "upload initialized", "upload", id, "size", req.FileSize, "parts", plan.Count(), "partition", string(partition))
	return init, nil
}

func validateInitialize(req InitializeRequest) error {
	var msgs []string
	if req.FileSize < 1 {
		msgs = append(msgs, "file_size: must be greater than or equal to 1")
	}
	if err := req.Digest.Validate(); err != nil {
		msgs = append(msgs, "digest: "+err.Error())
	}
	if req.Embargoed && req.Dataset == "" {
		msgs = append(msgs, "dataset: required for embargoed uploads")
	}
	if len(msgs) > 0 {
		return &ValidationError{Messages: msgs}
	}
	return nil
}

// Complete checks the uploaded parts against the session and returns a
// presigned completion request. The server does not complete the upload
// itself.
func (s *UploadService) Complete(ctx context.Context, req CompleteRequest) (*Completion, error) {
	repo := s.repomanager.Uploads(s.db)
	session, err := repo.GetByUploadID(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}
	if session.StorageKey != req.ObjectKey {
		return nil, newValidationError("object_key: does not belong to upload %s", req.UploadID)
	}
	if session.State != models.UploadInitialized && session.State != models.UploadPartsPending {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidState, session.State)
	}

	cparts, etag, err := assemble(session, req.Parts)
	if err != nil {
		return nil, err
	}
	if session.Digest.Algorithm == models.AlgorithmETag && etag != session.Digest.Value {
		return nil, &EtagMismatchError{Expected: session.Digest.Value, Actual: etag}
	}

	if err := repo.Transition(ctx, session.ID, session.State, models.UploadPartsPending, etag); err != nil {
		if errors.Is(err, common.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: upload %s changed concurrently", common.ErrInvalidState, session.ID)
		}
		return nil, err
	}

	loc := storage.Location{Bucket: s.layout.Bucket(session.Partition), Key: session.StorageKey}
	signed, err := s.backend.PresignComplete(ctx, loc, session.UploadID, cparts, s.expiration)
	if err != nil {
		return nil, err
	}

	s.metrics.UploadTransition(string(models.UploadPartsPending))
	return &Completion{CompleteURL: signed.URL, Body: signed.Body}, nil
}

// assemble sorts the transferred parts, checks them against the part plan of
// the session and returns the completion manifest and the resulting etag.
func assemble(session *models.Upload, transferred []TransferredPart) ([]storage.CompletedPart, string, error) {
	plan, err := parts.ForFileSize(session.Size)
	if err != nil {
		return nil, "", err
	}
	sorted := append([]TransferredPart(nil), transferred...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	if len(sorted) != plan.Count() {
		return nil, "", newValidationError("parts: expected %d parts, got %d", plan.Count(), len(sorted))
	}

	cparts := make([]storage.CompletedPart, 0, len(sorted))
	etags := make([]string, 0, len(sorted))
	for i, p := range sorted {
		want := plan.Parts[i]
		if p.PartNumber != want.Number {
			return nil, "", newValidationError("parts: part numbers must be unique and contiguous from 1, got %d at position %d", p.PartNumber, i+1)
		}
		if p.Size != want.Size {
			return nil, "", newValidationError("parts: part %d has size %d, expected %d", p.PartNumber, p.Size, want.Size)
		}
		etag := storage.TrimETag(p.ETag)
		if etag == "" {
			return nil, "", newValidationError("parts: part %d has no etag", p.PartNumber)
		}
		cparts = append(cparts, storage.CompletedPart{PartNumber: p.PartNumber, ETag: etag})
		etags = append(etags, etag)
	}

	etag, err := checksum.ETagFromParts(etags)
	if err != nil {
		return nil, "", newValidationError("parts: %v", err)
	}
	return cparts, etag, nil
}

// Validate compares the completed object with the session, registers it and
// deletes the session. A failed validation puts the session back to
// INITIALIZED so the client can retry.
func (s *UploadService) Validate(ctx context.Context, id string) (*models.Blob, error) {
	repo := s.repomanager.Uploads(s.db)
	session, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.CanTransition(models.UploadValidating) {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidState, session.State)
	}
	if err := repo.Transition(ctx, id, session.State, models.UploadValidating, ""); err != nil {
		if errors.Is(err, common.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: upload %s is being validated", common.ErrInvalidState, id)
		}
		return nil, err
	}
	session.State = models.UploadValidating
	s.metrics.UploadTransition(string(models.UploadValidating))

	blob, err := s.validate(ctx, session)
	if err != nil {
		if rerr := repo.Transition(ctx, id, models.UploadValidating, models.UploadInitialized, ""); rerr != nil {
			s.log.Error(ctx, "failed to reset upload", "upload", id, "error", rerr)
		}
		s.log.Warn(ctx, "upload validation failed", "upload", id, "error", err)
		return nil, err
	}

	s.metrics.UploadTransition(string(models.UploadComplete))
	if blob.SHA256 == "" {
		s.scheduleSHA256(ctx, blob.ID, session.Digest)
	}
	return blob, nil
}

func (s *UploadService) validate(ctx context.Context, session *models.Upload) (*models.Blob, error) {
	loc := storage.Location{Bucket: s.layout.Bucket(session.Partition), Key: session.StorageKey}
	info, err := s.backend.HeadObject(ctx, loc)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Messages: []string{MsgObjectNotFound}}
		}
		return nil, err
	}
	if info.Size != session.Size {
		return nil, &SizeMismatchError{Expected: session.Size, Actual: info.Size}
	}
	// A sha256 session completed without Complete has no expected etag; the
	// stored etag is taken and the content is checked by the sha256 job.
	if session.ETag != "" && info.ETag != session.ETag {
		return nil, &EtagMismatchError{Expected: session.ETag, Actual: info.ETag}
	}
	session.ETag = info.ETag

	var (
		blob    *models.Blob
		created bool
	)
	err = dbx.WithRetryTx(ctx, s.db, dbx.Serializable, dbx.DefaultRetries, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		blob, created, err = s.blobs.register(ctx, s.repomanager.Blobs(tx), session)
		if err != nil {
			return err
		}
		uploads := s.repomanager.Uploads(tx)
		if err := uploads.Transition(ctx, session.ID, models.UploadValidating, models.UploadComplete, session.ETag); err != nil {
			return err
		}
		return uploads.Delete(ctx, session.ID)
	})
	if err != nil {
		return nil, err
	}
	s.blobs.afterRegister(ctx, session, blob, created)
	return blob, nil
}

// scheduleSHA256 computes the sha256 of a new blob in the background. When
// the session declared a sha256, the result is checked against it.
func (s *UploadService) scheduleSHA256(ctx context.Context, blobID string, declared models.Digest) {
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.hashPool.Do(bg, func(ctx context.Context) error {
			sum, err := s.blobs.CalculateSHA256(ctx, blobID)
			if err != nil {
				return err
			}
			if declared.Algorithm == models.AlgorithmSHA256 && declared.Value != sum {
				return &ChecksumMismatchError{BlobID: blobID, Stored: declared.Value, Computed: sum}
			}
			return nil
		})
		if err != nil {
			s.log.Error(bg, "sha256 calculation failed", "blob_id", blobID, "error", err)
		}
	}()
}

// Wait blocks until background sha256 jobs have finished.
func (s *UploadService) Wait() {
	s.wg.Wait()
}

// Abort cancels an unfinished upload: the multipart upload is aborted, any
// completed object is removed and the session is deleted.
func (s *UploadService) Abort(ctx context.Context, id string) error {
	repo := s.repomanager.Uploads(s.db)
	session, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !session.CanTransition(models.UploadAbandoned) {
		return fmt.Errorf("%w: %s", common.ErrInvalidState, session.State)
	}
	if err := repo.Transition(ctx, id, session.State, models.UploadAbandoned, ""); err != nil {
		if errors.Is(err, common.ErrVersionConflict) {
			return fmt.Errorf("%w: upload %s changed concurrently", common.ErrInvalidState, id)
		}
		return err
	}
	s.metrics.UploadTransition(string(models.UploadAbandoned))

	if err := s.release(ctx, session); err != nil {
		return err
	}
	if err := repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info(ctx, "upload aborted", "upload", id)
	return nil
}

// release frees the object-store side of a session.
func (s *UploadService) release(ctx context.Context, session *models.Upload) error {
	loc := storage.Location{Bucket: s.layout.Bucket(session.Partition), Key: session.StorageKey}
	if err := s.backend.AbortMultipartUpload(ctx, loc, session.UploadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.backend.DeleteObject(ctx, loc); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (s *UploadService) abortRemote(ctx context.Context, loc storage.Location, uploadID string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := s.backend.AbortMultipartUpload(actx, loc, uploadID); err != nil {
		s.log.Error(ctx, "failed to abort multipart upload", "upload_id", uploadID, "error", err)
	}
}

// CollectExpired removes the sessions created more than the upload
// expiration before now, together with their multipart uploads and objects.
// Sessions being validated are left to the running validation. It returns
// the number of sessions removed.
func (s *UploadService) CollectExpired(ctx context.Context, now time.Time) (int, error) {
	repo := s.repomanager.Uploads(s.db)
	expired, err := repo.ListCreatedBefore(ctx, now.Add(-s.expiration))
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, session := range expired {
		if session.State == models.UploadValidating || !session.CanTransition(models.UploadAbandoned) {
			s.log.Debug(ctx, "expired upload skipped", "upload", session.ID, "state", string(session.State))
			continue
		}
		// claims the session; a validation that started since the listing wins
		if err := repo.Transition(ctx, session.ID, session.State, models.UploadAbandoned, ""); err != nil {
			if errors.Is(err, common.ErrVersionConflict) || errors.Is(err, common.ErrorNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("upload %s: %w", session.ID, err))
			continue
		}
		if err := s.release(ctx, session); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", session.ID, err))
			continue
		}
		if err := repo.Delete(ctx, session.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			errs = append(errs, fmt.Errorf("upload %s: %w", session.ID, err))
			continue
		}
		removed++
		s.metrics.UploadTransition(string(models.UploadAbandoned))
	}
	s.log.Info(ctx, "expired uploads collected", "removed", removed, "failed", len(errs))
	return removed, errors.Join(errs...)
}
