// Package miniostore implements storage.Backend with the minio-go client.
package miniostore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"

	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/storage"
)

// coreAPI is the subset of the low-level *minio.Core used by Store.
type coreAPI interface {
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	CopyObjectPart(ctx context.Context, srcBucket, srcObject, destBucket, destObject, uploadID string, partID int, startOffset, length int64, metadata map[string]string) (minio.CompletePart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
}

// clientAPI is the subset of *minio.Client used by Store. Core shadows
// CopyObject with a lower-level variant, so both are kept.
type clientAPI interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	GetObjectTagging(ctx context.Context, bucket, object string, opts minio.GetObjectTaggingOptions) (*tags.Tags, error)
	PutObjectTagging(ctx context.Context, bucket, object string, otags *tags.Tags, opts minio.PutObjectTaggingOptions) error
	Presign(ctx context.Context, method, bucket, object string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// Config holds the connection settings of a MinIO endpoint.
type Config struct {
	// Endpoint is host:port without a scheme.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

type Store struct {
	core   coreAPI
	client clientAPI
}

var _ storage.Backend = (*Store)(nil)

func New(c Config) (*Store, error) {
	cl, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.Secure,
		Region: c.Region,
	})
	if err != nil {
		return nil, err
	}
	return &Store{core: &minio.Core{Client: cl}, client: cl}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchUpload", "NotFound":
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	return err
}

func (s *Store) HeadObject(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, storage.Wrap("head", loc, classify(err))
	}
	return storage.ObjectInfo{Key: loc.Key, ETag: storage.TrimETag(info.ETag), Size: info.Size}, nil
}

func (s *Store) GetObject(ctx context.Context, loc storage.Location) (io.ReadCloser, error) {
	rc, _, _, err := s.core.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, storage.Wrap("get", loc, classify(err))
	}
	return rc, nil
}

func (s *Store) DeleteObject(ctx context.Context, loc storage.Location) error {
	err := s.client.RemoveObject(ctx, loc.Bucket, loc.Key, minio.RemoveObjectOptions{})
	return storage.Wrap("delete", loc, classify(err))
}

func (s *Store) CreateMultipartUpload(ctx context.Context, loc storage.Location, opts storage.UploadOptions) (string, error) {
	id, err := s.core.NewMultipartUpload(ctx, loc.Bucket, loc.Key, minio.PutObjectOptions{
		ContentType: opts.ContentType,
		UserTags:    opts.Tags,
	})
	if err != nil {
		return "", storage.Wrap("create upload", loc, classify(err))
	}
	return id, nil
}

func (s *Store) CopyPartRange(ctx context.Context, src, dst storage.Location, uploadID string, partNumber int32, rng *parts.Part) (string, error) {
	// a negative length omits the range header
	var offset, length int64 = 0, -1
	if rng != nil {
		offset, length = rng.Offset, rng.Size
	}

	p, err := s.core.CopyObjectPart(ctx, src.Bucket, src.Key, dst.Bucket, dst.Key, uploadID, int(partNumber), offset, length, nil)
	if err != nil {
		return "", storage.Wrap("copy part", dst, classify(err))
	}
	return storage.TrimETag(p.ETag), nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, loc storage.Location, uploadID string, cparts []storage.CompletedPart) (storage.ObjectInfo, error) {
	completed := make([]minio.CompletePart, 0, len(cparts))
	for _, p := range cparts {
		completed = append(completed, minio.CompletePart{PartNumber: int(p.PartNumber), ETag: storage.TrimETag(p.ETag)})
	}

	info, err := s.core.CompleteMultipartUpload(ctx, loc.Bucket, loc.Key, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, classify(err))
	}
	if info.Size > 0 {
		return storage.ObjectInfo{Key: loc.Key, ETag: storage.TrimETag(info.ETag), Size: info.Size}, nil
	}
	return s.HeadObject(ctx, loc)
}

func (s *Store) AbortMultipartUpload(ctx context.Context, loc storage.Location, uploadID string) error {
	err := s.core.AbortMultipartUpload(ctx, loc.Bucket, loc.Key, uploadID)
	return storage.Wrap("abort upload", loc, classify(err))
}

func (s *Store) SingleCopy(ctx context.Context, src, dst storage.Location, tagSet map[string]string) (storage.ObjectInfo, error) {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:      dst.Bucket,
			Object:      dst.Key,
			ReplaceTags: tagSet != nil,
			UserTags:    tagSet,
		},
		minio.CopySrcOptions{Bucket: src.Bucket, Object: src.Key},
	)
	if err != nil {
		return storage.ObjectInfo{}, storage.Wrap("copy", dst, classify(err))
	}
	return s.HeadObject(ctx, dst)
}

func (s *Store) GetObjectTagging(ctx context.Context, loc storage.Location) (map[string]string, error) {
	t, err := s.client.GetObjectTagging(ctx, loc.Bucket, loc.Key, minio.GetObjectTaggingOptions{})
	if err != nil {
		return nil, storage.Wrap("get tagging", loc, classify(err))
	}
	if t == nil {
		return map[string]string{}, nil
	}
	return t.ToMap(), nil
}

func (s *Store) PutObjectTagging(ctx context.Context, loc storage.Location, tagSet map[string]string) error {
	t, err := tags.NewTags(tagSet, true)
	if err != nil {
		return storage.Wrap("put tagging", loc, err)
	}
	err = s.client.PutObjectTagging(ctx, loc.Bucket, loc.Key, t, minio.PutObjectTaggingOptions{})
	return storage.Wrap("put tagging", loc, classify(err))
}

func (s *Store) PresignUploadPart(ctx context.Context, loc storage.Location, uploadID string, part parts.Part, expires time.Duration) (string, error) {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("partNumber", strconv.Itoa(int(part.Number)))

	u, err := s.client.Presign(ctx, http.MethodPut, loc.Bucket, loc.Key, expires, q)
	if err != nil {
		return "", storage.Wrap("presign part", loc, err)
	}
	return u.String(), nil
}

func (s *Store) PresignComplete(ctx context.Context, loc storage.Location, uploadID string, cparts []storage.CompletedPart, expires time.Duration) (storage.PresignedRequest, error) {
	body, err := storage.CompletionBody(cparts)
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}

	q := url.Values{}
	q.Set("uploadId", uploadID)
	u, err := s.client.Presign(ctx, http.MethodPost, loc.Bucket, loc.Key, expires, q)
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}

	return storage.PresignedRequest{
		Method: http.MethodPost,
		URL:    u.String(),
		Header: http.Header{"Content-Type": []string{"application/xml"}},
		Body:   body,
	}, nil
}
