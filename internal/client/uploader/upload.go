package uploader

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/dandiarchive/blobstore/internal/checksum"
	"github.com/dandiarchive/blobstore/internal/filex"
	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/netx"
	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/workerpool"
)

// Options describe where an uploaded file is registered.
type Options struct {
	Dataset   string
	Embargoed bool
}

// Result is the outcome of an upload.
type Result struct {
	BlobID string
	ETag   string
	Size   int64
	// Existing is set when the content was already stored and no bytes were
	// transferred, or when validation folded the upload into another blob.
	Existing bool
}

// Uploader sends local files through the initialize, transfer, complete and
// validate steps.
type Uploader struct {
	client *Client
	http   *http.Client
	pool   *workerpool.Pool
	log    logging.Logger
}

// New returns an Uploader. hc is used for the presigned object-store
// requests; pool bounds the parts in flight.
func New(client *Client, hc *http.Client, pool *workerpool.Pool, log logging.Logger) *Uploader {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Uploader{client: client, http: hc, pool: pool, log: log.With("module", "uploader")}
}

// LocalETag computes the dandi-etag of f.
func LocalETag(ctx context.Context, f *filex.File) (string, []string, error) {
	plan, err := parts.ForFileSize(f.Size())
	if err != nil {
		return "", nil, err
	}
	s := checksum.NewETagStream(plan)
	if _, err := checksum.Copy(ctx, s, f.Reader(), checksum.DefaultBufferSize); err != nil {
		return "", nil, fmt.Errorf("read %s: %w", f.Name(), err)
	}
	etag, err := s.Digest()
	if err != nil {
		return "", nil, err
	}
	return etag, s.PartDigests(), nil
}

// Upload stores the file at path and returns the registered blob. Content
// the server already has is not transferred again.
func (u *Uploader) Upload(ctx context.Context, path string, opts Options) (*Result, error) {
	f, err := filex.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	etag, partDigests, err := LocalETag(ctx, f)
	if err != nil {
		return nil, err
	}
	log := u.log.With("file", path, "etag", etag, "size", f.Size())

	init, err := u.client.Initialize(ctx, InitializeRequest{
		FileSize:  f.Size(),
		Digest:    Digest{Algorithm: AlgorithmETag, Value: etag},
		Dataset:   opts.Dataset,
		Embargoed: opts.Embargoed,
	})
	if id, ok := IsConflict(err); ok {
		log.Info(ctx, "blob already exists", "blob_id", id)
		return &Result{BlobID: id, ETag: etag, Size: f.Size(), Existing: true}, nil
	}
	if err != nil {
		return nil, err
	}
	log = log.With("upload_id", init.UUID)
	log.Debug(ctx, "upload initialized", "parts", len(init.MultipartUpload.Parts))

	blobID, err := u.send(ctx, f, init, partDigests)
	if err != nil {
		if aerr := u.client.Abort(context.WithoutCancel(ctx), init.UUID); aerr != nil {
			log.Warn(ctx, "failed to abort upload", "error", aerr)
		}
		return nil, err
	}

	log.Info(ctx, "upload finished", "blob_id", blobID)
	return &Result{BlobID: blobID, ETag: etag, Size: f.Size(), Existing: blobID != init.UUID}, nil
}

func (u *Uploader) send(ctx context.Context, f *filex.File, init *Initialization, partDigests []string) (string, error) {
	mp := init.MultipartUpload
	layout, err := partLayout(mp.Parts, f.Size())
	if err != nil {
		return "", err
	}
	if len(layout) != len(partDigests) {
		return "", fmt.Errorf("server planned %d parts, expected %d", len(layout), len(partDigests))
	}

	transferred := make([]TransferredPart, len(layout))
	err = u.pool.Run(ctx, len(layout), func(ctx context.Context, i int) error {
		p := layout[i]
		r, err := f.Part(p.Part)
		if err != nil {
			return err
		}
		etag, err := netx.PutPart(ctx, u.http, p.url, r, p.Size)
		if err != nil {
			return fmt.Errorf("part %d: %w", p.Number, err)
		}
		if !strings.EqualFold(etag, partDigests[i]) {
			return fmt.Errorf("part %d: stored etag %s, local digest %s", p.Number, etag, partDigests[i])
		}
		transferred[i] = TransferredPart{PartNumber: p.Number, Size: p.Size, ETag: etag}
		return nil
	})
	if err != nil {
		return "", err
	}

	completion, err := u.client.Complete(ctx, CompleteRequest{
		ObjectKey: mp.ObjectKey,
		UploadID:  mp.UploadID,
		Parts:     transferred,
	})
	if err != nil {
		return "", err
	}
	header := http.Header{"Content-Type": []string{"application/xml"}}
	if err := netx.ExecutePresigned(ctx, u.http, http.MethodPost, completion.CompleteURL, completion.Body, header); err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}

	return u.client.Validate(ctx, init.UUID)
}

type plannedPart struct {
	parts.Part
	url string
}

// partLayout orders the parts handed out by the server and places them in
// the file.
func partLayout(ups []PartUpload, size int64) ([]plannedPart, error) {
	sorted := make([]PartUpload, len(ups))
	copy(sorted, ups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	out := make([]plannedPart, 0, len(sorted))
	var offset int64
	for i, up := range sorted {
		if up.PartNumber != int32(i+1) {
			return nil, fmt.Errorf("unexpected part number %d at position %d", up.PartNumber, i+1)
		}
		out = append(out, plannedPart{
			Part: parts.Part{Number: up.PartNumber, Offset: offset, Size: up.Size},
			url:  up.UploadURL,
		})
		offset += up.Size
	}
	if offset != size {
		return nil, fmt.Errorf("server parts cover %d bytes, file has %d", offset, size)
	}
	return out, nil
}
