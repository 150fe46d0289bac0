// Package storage defines the object-store contract used by the copy engine
// and the upload protocol. Concrete backends live in sub-packages and are
// selected once, at configuration time.
package storage

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dandiarchive/blobstore/internal/parts"
)

var (
	// ErrNotFound is returned when an object or multipart upload does not exist.
	ErrNotFound = errors.New("object not found")
)

// Location addresses a single object.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// ObjectInfo is the metadata returned by HeadObject.
type ObjectInfo struct {
	Key  string
	ETag string
	Size int64
}

// CompletedPart is one entry of a multipart completion manifest.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// UploadOptions are applied when a multipart upload is created.
type UploadOptions struct {
	ContentType string
	Tags        map[string]string
}

// PresignedRequest is a signed HTTP request that a client executes directly
// against the object store.
type PresignedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// Backend is the set of object-store operations the core depends on.
type Backend interface {
	HeadObject(ctx context.Context, loc Location) (ObjectInfo, error)
	GetObject(ctx context.Context, loc Location) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, loc Location) error

	CreateMultipartUpload(ctx context.Context, loc Location, opts UploadOptions) (string, error)
	// CopyPartRange copies the byte range rng of src into part partNumber of
	// the upload and returns the part etag. A nil rng copies the whole object
	// and omits the range header.
	CopyPartRange(ctx context.Context, src, dst Location, uploadID string, partNumber int32, rng *parts.Part) (string, error)
	CompleteMultipartUpload(ctx context.Context, loc Location, uploadID string, cparts []CompletedPart) (ObjectInfo, error)
	AbortMultipartUpload(ctx context.Context, loc Location, uploadID string) error

	// SingleCopy copies src to dst in one request. Non-nil tags replace the
	// tag set of the destination.
	SingleCopy(ctx context.Context, src, dst Location, tags map[string]string) (ObjectInfo, error)

	GetObjectTagging(ctx context.Context, loc Location) (map[string]string, error)
	PutObjectTagging(ctx context.Context, loc Location, tags map[string]string) error

	PresignUploadPart(ctx context.Context, loc Location, uploadID string, part parts.Part, expires time.Duration) (string, error)
	PresignComplete(ctx context.Context, loc Location, uploadID string, cparts []CompletedPart, expires time.Duration) (PresignedRequest, error)
}

// StorageError wraps a failed object-store call.
type StorageError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns err annotated with the operation and location, or nil.
func Wrap(op string, loc Location, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Bucket: loc.Bucket, Key: loc.Key, Err: err}
}

// TrimETag strips the double quotes object stores wrap etags in.
func TrimETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// EncodeTags renders a tag set as a URL query string ("k1=v1&k2=v2"), the
// format used by tagging headers. Keys are emitted in sorted order.
func EncodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	v := url.Values{}
	for k, val := range tags {
		v.Set(k, val)
	}
	return v.Encode()
}

type completeMultipartUpload struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Xmlns   string         `xml:"xmlns,attr"`
	Parts   []completePart `xml:"Part"`
}

type completePart struct {
	PartNumber int32  `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompletionBody renders the XML manifest of a CompleteMultipartUpload
// request. Parts must already be sorted by part number.
func CompletionBody(cparts []CompletedPart) (string, error) {
	doc := completeMultipartUpload{Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/"}
	for _, p := range cparts {
		doc.Parts = append(doc.Parts, completePart{PartNumber: p.PartNumber, ETag: `"` + TrimETag(p.ETag) + `"`})
	}
	b, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
