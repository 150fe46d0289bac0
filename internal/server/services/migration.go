package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dandiarchive/blobstore/internal/checksum"
	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/copier"
	"github.com/dandiarchive/blobstore/internal/dbx"
	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/server/repositories/repomanager"
	"github.com/dandiarchive/blobstore/internal/storage"
)

// DefaultMigrationConcurrency is the number of blobs a dataset unembargo
// moves at the same time.
const DefaultMigrationConcurrency = 40

// DatasetResult summarizes a dataset unembargo.
type DatasetResult struct {
	Migrated int
	Folded   int
	Failed   map[string]error
}

// MigrationService moves embargoed blobs to the public partition.
type MigrationService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	backend     storage.Backend
	engine      *copier.Engine
	blobs       *BlobService
	layout      Layout
	concurrency int
	log         logging.Logger
}

func NewMigrationService(db *sql.DB, rm repomanager.RepositoryManager, backend storage.Backend, engine *copier.Engine, blobs *BlobService, concurrency int, log logging.Logger) *MigrationService {
	if concurrency <= 0 {
		concurrency = DefaultMigrationConcurrency
	}
	return &MigrationService{
		db:          db,
		repomanager: rm,
		backend:     backend,
		engine:      engine,
		blobs:       blobs,
		layout:      blobs.Layout(),
		concurrency: concurrency,
		log:         log.With("module", "migration"),
	}
}

// UnembargoBlob moves one embargoed blob to the public partition and returns
// the public record. Content that is already public is folded into the
// existing record instead of being copied. The object keeps the embargo tag
// until ClearEmbargoTag is called.
func (s *MigrationService) UnembargoBlob(ctx context.Context, id string) (*models.Blob, error) {
	repo := s.repomanager.Blobs(s.db)
	blob, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !blob.Embargoed() {
		return blob, nil
	}
	src := s.layout.BlobLocation(blob)

	public, err := repo.FindByETag(ctx, blob.ETag, blob.Size, models.PartitionPublic)
	if err != nil {
		return nil, err
	}
	if len(public) > 0 {
		return s.foldInto(ctx, blob, public[0], src)
	}

	// The copy must reproduce the recorded etag: uploaded blobs carry a
	// dandi-etag layout, which only a multipart copy planned the same way
	// keeps. A plain md5 etag is only kept by a single CopyObject.
	multipart := checksum.IsMultipartETag(blob.ETag)
	dst := s.layout.Location(models.PartitionPublic, "", blob.ID)
	res, err := s.engine.Copy(ctx, copier.CopyJob{
		Source:         src,
		Dest:           dst,
		Size:           blob.Size,
		Tags:           map[string]string{EmbargoTag: "true"},
		Planner:        parts.ForFileSize,
		ForceMultipart: multipart,
		ForceSingle:    !multipart,
		KeepSource:     true,
	})
	if err != nil {
		return nil, err
	}
	if res.ETag != blob.ETag {
		s.discard(ctx, dst)
		return nil, &EtagMismatchError{Expected: blob.ETag, Actual: res.ETag}
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		err := s.repomanager.Blobs(tx).Move(ctx, blob.ID, models.PartitionPublic, dst.Key)
		if dbx.IsUniqueViolation(err) {
			return errPublicDuplicate
		}
		return err
	})
	switch {
	case errors.Is(err, errPublicDuplicate):
		// the same content became public while the copy was running
		s.discard(ctx, dst)
		public, ferr := repo.FindByETag(ctx, blob.ETag, blob.Size, models.PartitionPublic)
		if ferr != nil {
			return nil, ferr
		}
		if len(public) == 0 {
			return nil, fmt.Errorf("blob %s: public duplicate vanished", blob.ID)
		}
		return s.foldInto(ctx, blob, public[0], src)
	case err != nil:
		s.discard(ctx, dst)
		return nil, err
	}

	if err := s.backend.DeleteObject(ctx, src); err != nil {
		s.log.Error(ctx, "failed to delete embargoed object", "blob_id", blob.ID, "key", src.String(), "error", err)
	}
	into, err := repo.Get(ctx, blob.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "blob unembargoed", "blob_id", blob.ID, "key", dst.Key, "size", blob.Size)
	return into, nil
}

var errPublicDuplicate = errors.New("public duplicate exists")

func (s *MigrationService) foldInto(ctx context.Context, blob, public *models.Blob, src storage.Location) (*models.Blob, error) {
	if err := s.blobs.Fold(ctx, blob, public); err != nil {
		return nil, err
	}
	if err := s.backend.DeleteObject(ctx, src); err != nil {
		s.log.Error(ctx, "failed to delete embargoed object", "blob_id", blob.ID, "key", src.String(), "error", err)
	}
	s.log.Info(ctx, "embargoed blob folded into public blob", "blob_id", blob.ID, "into", public.ID)
	return public, nil
}

func (s *MigrationService) discard(ctx context.Context, loc storage.Location) {
	if err := s.backend.DeleteObject(context.WithoutCancel(ctx), loc); err != nil {
		s.log.Error(ctx, "failed to delete copied object", "key", loc.String(), "error", err)
	}
}

// UnembargoDataset migrates every embargoed blob of a dataset, then clears
// the embargo tag of the migrated objects. Blobs are processed
// independently; failures are collected in the result and do not stop the
// others.
func (s *MigrationService) UnembargoDataset(ctx context.Context, dataset string) (*DatasetResult, error) {
	embargoed, err := s.repomanager.Blobs(s.db).ListByDataset(ctx, dataset, models.PartitionEmbargoed)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result = &DatasetResult{Failed: map[string]error{}}
		moved  []*models.Blob
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, b := range embargoed {
		g.Go(func() error {
			public, err := s.UnembargoBlob(gctx, b.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed[b.ID] = err
			case public.ID != b.ID:
				result.Folded++
			default:
				result.Migrated++
				moved = append(moved, public)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(result.Failed) > 0 {
		s.log.Warn(ctx, "dataset unembargo incomplete", "dataset", dataset, "failed", len(result.Failed))
		return result, fmt.Errorf("unembargo of dataset %s: %d of %d blobs failed", dataset, len(result.Failed), len(embargoed))
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, b := range moved {
		g.Go(func() error {
			return s.clearTag(gctx, b)
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	s.log.Info(ctx, "dataset unembargoed", "dataset", dataset, "migrated", result.Migrated, "folded", result.Folded)
	return result, nil
}

// ClearEmbargoTag removes the embargo tag from the object of a public blob.
func (s *MigrationService) ClearEmbargoTag(ctx context.Context, id string) error {
	blob, err := s.repomanager.Blobs(s.db).Get(ctx, id)
	if err != nil {
		return err
	}
	if blob.Embargoed() {
		return common.ErrBlobEmbargoed
	}
	return s.clearTag(ctx, blob)
}

func (s *MigrationService) clearTag(ctx context.Context, blob *models.Blob) error {
	loc := s.layout.BlobLocation(blob)
	tags, err := s.backend.GetObjectTagging(ctx, loc)
	if err != nil {
		return err
	}
	if _, ok := tags[EmbargoTag]; !ok {
		return nil
	}
	delete(tags, EmbargoTag)
	return s.backend.PutObjectTagging(ctx, loc, tags)
}
