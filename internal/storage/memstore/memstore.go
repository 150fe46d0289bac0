// Package memstore is an in-memory storage.Backend. It reproduces the etag
// and multipart semantics of S3 closely enough for local development and
// tests.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/dandiarchive/blobstore/internal/checksum"
	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/storage"
	"github.com/google/uuid"
)

type object struct {
	data []byte
	etag string
	tags map[string]string
}

type upload struct {
	loc   storage.Location
	tags  map[string]string
	parts map[int32][]byte
}

// Store keeps objects and in-flight multipart uploads in memory.
type Store struct {
	mu      sync.Mutex
	objects map[storage.Location]*object
	uploads map[string]*upload

	// BaseURL prefixes presigned URLs.
	BaseURL string
}

var _ storage.Backend = (*Store)(nil)

func New() *Store {
	return &Store{
		objects: make(map[storage.Location]*object),
		uploads: make(map[string]*upload),
		BaseURL: "http://memstore.local",
	}
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// PutObject stores data at loc with a single-part etag.
func (s *Store) PutObject(loc storage.Location, data []byte, tags map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := &object{data: bytes.Clone(data), etag: md5hex(data), tags: maps.Clone(tags)}
	s.objects[loc] = obj
	return obj.etag
}

// UploadPart stores the bytes of one part, as a client executing a presigned
// part URL would.
func (s *Store) UploadPart(uploadID string, partNumber int32, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok {
		return "", storage.Wrap("upload part", storage.Location{}, storage.ErrNotFound)
	}
	u.parts[partNumber] = bytes.Clone(data)
	return md5hex(data), nil
}

// Has reports whether an object exists at loc.
func (s *Store) Has(loc storage.Location) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[loc]
	return ok
}

// Uploads returns the number of multipart uploads in progress.
func (s *Store) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *Store) get(loc storage.Location) (*object, bool) {
	obj, ok := s.objects[loc]
	return obj, ok
}

func (s *Store) HeadObject(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, storage.Wrap("head", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.get(loc)
	if !ok {
		return storage.ObjectInfo{}, storage.Wrap("head", loc, storage.ErrNotFound)
	}
	return storage.ObjectInfo{Key: loc.Key, ETag: obj.etag, Size: int64(len(obj.data))}, nil
}

func (s *Store) GetObject(ctx context.Context, loc storage.Location) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("get", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.get(loc)
	if !ok {
		return nil, storage.Wrap("get", loc, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// DeleteObject is idempotent, like its S3 counterpart.
func (s *Store) DeleteObject(ctx context.Context, loc storage.Location) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("delete", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, loc)
	return nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, loc storage.Location, opts storage.UploadOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Wrap("create upload", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.uploads[id] = &upload{loc: loc, tags: maps.Clone(opts.Tags), parts: make(map[int32][]byte)}
	return id, nil
}

func (s *Store) CopyPartRange(ctx context.Context, src, dst storage.Location, uploadID string, partNumber int32, rng *parts.Part) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Wrap("copy part", dst, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.get(src)
	if !ok {
		return "", storage.Wrap("copy part", src, storage.ErrNotFound)
	}
	u, ok := s.uploads[uploadID]
	if !ok || u.loc != dst {
		return "", storage.Wrap("copy part", dst, storage.ErrNotFound)
	}

	data := obj.data
	if rng != nil {
		if rng.Offset < 0 || rng.End() > int64(len(data)) {
			return "", storage.Wrap("copy part", src, fmt.Errorf("invalid range %s for %d bytes", rng.CopyRange(), len(data)))
		}
		data = data[rng.Offset:rng.End()]
	}
	u.parts[partNumber] = bytes.Clone(data)
	return md5hex(data), nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, loc storage.Location, uploadID string, cparts []storage.CompletedPart) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.loc != loc {
		return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, storage.ErrNotFound)
	}
	if len(cparts) == 0 {
		return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, checksum.ErrNoParts)
	}
	if !sort.SliceIsSorted(cparts, func(i, j int) bool { return cparts[i].PartNumber < cparts[j].PartNumber }) {
		return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, fmt.Errorf("parts are not in ascending order"))
	}

	var (
		buf   bytes.Buffer
		etags = make([]string, 0, len(cparts))
	)
	for _, p := range cparts {
		data, ok := u.parts[p.PartNumber]
		if !ok {
			return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, fmt.Errorf("part %d was not uploaded", p.PartNumber))
		}
		if sum := md5hex(data); sum != storage.TrimETag(p.ETag) {
			return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, fmt.Errorf("part %d etag mismatch", p.PartNumber))
		}
		buf.Write(data)
		etags = append(etags, md5hex(data))
	}

	etag, err := checksum.ETagFromParts(etags)
	if err != nil {
		return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, err)
	}

	s.objects[loc] = &object{data: buf.Bytes(), etag: etag, tags: u.tags}
	delete(s.uploads, uploadID)
	return storage.ObjectInfo{Key: loc.Key, ETag: etag, Size: int64(buf.Len())}, nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, loc storage.Location, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("abort upload", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[uploadID]; !ok {
		return storage.Wrap("abort upload", loc, storage.ErrNotFound)
	}
	delete(s.uploads, uploadID)
	return nil
}

func (s *Store) SingleCopy(ctx context.Context, src, dst storage.Location, tags map[string]string) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, storage.Wrap("copy", dst, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.get(src)
	if !ok {
		return storage.ObjectInfo{}, storage.Wrap("copy", src, storage.ErrNotFound)
	}

	newTags := maps.Clone(obj.tags)
	if tags != nil {
		newTags = maps.Clone(tags)
	}
	// CopyObject writes a new single-part object: its etag is the md5 of the
	// content even when the source was assembled from parts.
	etag := md5hex(obj.data)
	s.objects[dst] = &object{data: obj.data, etag: etag, tags: newTags}
	return storage.ObjectInfo{Key: dst.Key, ETag: etag, Size: int64(len(obj.data))}, nil
}

func (s *Store) GetObjectTagging(ctx context.Context, loc storage.Location) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("get tagging", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.get(loc)
	if !ok {
		return nil, storage.Wrap("get tagging", loc, storage.ErrNotFound)
	}
	out := maps.Clone(obj.tags)
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}

func (s *Store) PutObjectTagging(ctx context.Context, loc storage.Location, tags map[string]string) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("put tagging", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.get(loc)
	if !ok {
		return storage.Wrap("put tagging", loc, storage.ErrNotFound)
	}
	obj.tags = maps.Clone(tags)
	return nil
}

func (s *Store) presignedURL(loc storage.Location, q url.Values, expires time.Duration) string {
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int64(expires.Seconds())))
	return fmt.Sprintf("%s/%s/%s?%s", s.BaseURL, loc.Bucket, loc.Key, q.Encode())
}

func (s *Store) PresignUploadPart(ctx context.Context, loc storage.Location, uploadID string, part parts.Part, expires time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Wrap("presign part", loc, err)
	}
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("partNumber", fmt.Sprintf("%d", part.Number))
	return s.presignedURL(loc, q, expires), nil
}

func (s *Store) PresignComplete(ctx context.Context, loc storage.Location, uploadID string, cparts []storage.CompletedPart, expires time.Duration) (storage.PresignedRequest, error) {
	if err := ctx.Err(); err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}
	body, err := storage.CompletionBody(cparts)
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}
	q := url.Values{}
	q.Set("uploadId", uploadID)
	return storage.PresignedRequest{
		Method: http.MethodPost,
		URL:    s.presignedURL(loc, q, expires),
		Header: http.Header{"Content-Type": []string{"application/xml"}},
		Body:   body,
	}, nil
}
