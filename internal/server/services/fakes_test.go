package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/dbx"
	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/server/repositories/blobs"
	"github.com/dandiarchive/blobstore/internal/server/repositories/uploads"
	"github.com/dandiarchive/blobstore/internal/storage/memstore"
)

var testLayout = Layout{
	PublicBucket:  "dandiarchive",
	PublicPrefix:  "",
	EmbargoBucket: "dandiarchive-embargo",
	EmbargoPrefix: "",
}

// txDB returns a database used only to open and close transactions; the
// fake repositories below ignore the handle they are bound to.
func txDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeBlobRepo struct {
	mu    sync.Mutex
	blobs map[string]*models.Blob
	clock time.Time
}

func newFakeBlobRepo() *fakeBlobRepo {
	return &fakeBlobRepo{blobs: map[string]*models.Blob{}, clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeBlobRepo) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeBlobRepo) put(b models.Blob) *models.Blob {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = f.tick()
	}
	f.blobs[b.ID] = &b
	cp := b
	return &cp
}

func (f *fakeBlobRepo) get(id string) *models.Blob {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[id]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

func (f *fakeBlobRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

func (f *fakeBlobRepo) Upsert(ctx context.Context, b *models.Blob) (*models.Blob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.blobs {
		if e.Partition == b.Partition && e.ETag == b.ETag && e.Size == b.Size {
			e.DownloadCount += b.DownloadCount
			if e.SHA256 == "" {
				e.SHA256 = b.SHA256
			}
			cp := *e
			return &cp, false, nil
		}
	}
	nb := *b
	nb.CreatedAt = f.tick()
	nb.UpdatedAt = nb.CreatedAt
	f.blobs[nb.ID] = &nb
	cp := nb
	return &cp, true, nil
}

func (f *fakeBlobRepo) Get(ctx context.Context, id string) (*models.Blob, error) {
	if b := f.get(id); b != nil {
		return b, nil
	}
	return nil, common.ErrorNotFound
}

func (f *fakeBlobRepo) filter(match func(*models.Blob) bool) []*models.Blob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Blob
	for _, b := range f.blobs {
		if match(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeBlobRepo) FindByETag(ctx context.Context, etag string, size int64, partition models.Partition) ([]*models.Blob, error) {
	return f.filter(func(b *models.Blob) bool {
		return b.ETag == etag && (size < 0 || b.Size == size) && (partition == "" || b.Partition == partition)
	}), nil
}

func (f *fakeBlobRepo) FindBySHA256(ctx context.Context, sha256 string, partition models.Partition) ([]*models.Blob, error) {
	return f.filter(func(b *models.Blob) bool {
		return b.SHA256 != "" && b.SHA256 == sha256 && (partition == "" || b.Partition == partition)
	}), nil
}

func (f *fakeBlobRepo) ListByDataset(ctx context.Context, dataset string, partition models.Partition) ([]*models.Blob, error) {
	return f.filter(func(b *models.Blob) bool {
		return b.Dataset == dataset && b.Partition == partition
	}), nil
}

func (f *fakeBlobRepo) update(id string, fn func(b *models.Blob) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[id]
	if !ok {
		return common.ErrorNotFound
	}
	return fn(b)
}

func (f *fakeBlobRepo) SetSHA256(ctx context.Context, id, sha256 string) error {
	return f.update(id, func(b *models.Blob) error { b.SHA256 = sha256; return nil })
}

func (f *fakeBlobRepo) AddDownloads(ctx context.Context, id string, n int64) error {
	return f.update(id, func(b *models.Blob) error { b.DownloadCount += n; return nil })
}

func (f *fakeBlobRepo) Move(ctx context.Context, id string, partition models.Partition, storageKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[id]
	if !ok {
		return common.ErrorNotFound
	}
	for _, e := range f.blobs {
		if e.ID != id && e.Partition == partition && e.ETag == b.ETag && e.Size == b.Size {
			return &pgconn.PgError{Code: "23505"}
		}
	}
	b.Partition = partition
	b.StorageKey = storageKey
	return nil
}

func (f *fakeBlobRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[id]; !ok {
		return common.ErrorNotFound
	}
	delete(f.blobs, id)
	return nil
}

type fakeUploadRepo struct {
	mu      sync.Mutex
	uploads map[string]*models.Upload
	now     time.Time
	err     error
}

func newFakeUploadRepo() *fakeUploadRepo {
	return &fakeUploadRepo{uploads: map[string]*models.Upload{}, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeUploadRepo) get(id string) *models.Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (f *fakeUploadRepo) Create(ctx context.Context, u *models.Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	u.CreatedAt, u.UpdatedAt = f.now, f.now
	cp := *u
	f.uploads[u.ID] = &cp
	return nil
}

func (f *fakeUploadRepo) Get(ctx context.Context, id string) (*models.Upload, error) {
	if u := f.get(id); u != nil {
		return u, nil
	}
	return nil, common.ErrorNotFound
}

func (f *fakeUploadRepo) GetByUploadID(ctx context.Context, uploadID string) (*models.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.uploads {
		if u.UploadID == uploadID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeUploadRepo) Transition(ctx context.Context, id string, from, to models.UploadState, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok || u.State != from {
		return common.ErrVersionConflict
	}
	u.State = to
	if etag != "" {
		u.ETag = etag
	}
	return nil
}

func (f *fakeUploadRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[id]; !ok {
		return common.ErrorNotFound
	}
	delete(f.uploads, id)
	return nil
}

func (f *fakeUploadRepo) ListCreatedBefore(ctx context.Context, before time.Time) ([]*models.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Upload
	for _, u := range f.uploads {
		if u.CreatedAt.Before(before) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeRepoManager struct {
	b *fakeBlobRepo
	u *fakeUploadRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Blobs(db dbx.DBTX) blobs.Repository           { return m.b }
func (m *fakeRepoManager) Uploads(db dbx.DBTX) uploads.Repository       { return m.u }

type env struct {
	db      *sql.DB
	rm      *fakeRepoManager
	store   *memstore.Store
	blobs   *BlobService
	uploads *UploadService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		db:    txDB(t),
		rm:    &fakeRepoManager{b: newFakeBlobRepo(), u: newFakeUploadRepo()},
		store: memstore.New(),
	}
	e.blobs = NewBlobService(e.db, e.rm, e.store, testLayout, logging.Nop(), nil)
	e.uploads = NewUploadService(e.db, e.rm, e.store, e.blobs, time.Hour, 2, logging.Nop(), nil)
	return e
}
