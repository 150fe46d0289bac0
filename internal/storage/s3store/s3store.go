// Package s3store implements storage.Backend on top of aws-sdk-go-v2. It
// talks to AWS S3 and to S3-compatible stores such as MinIO.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/storage"
)

const unsignedPayload = "UNSIGNED-PAYLOAD"

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignHTTP = func(ctx context.Context, creds aws.Credentials, r *http.Request, service, region string, at time.Time) (string, http.Header, error) {
		return v4.NewSigner().PresignHTTP(ctx, creds, r, unsignedPayload, service, region, at)
	}

	now = time.Now
)

// api is the subset of *s3.Client used by Store.
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	GetObjectTagging(ctx context.Context, in *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, in *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

type presigner interface {
	PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds the connection settings of an S3 endpoint.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

type Store struct {
	client    api
	presigner presigner
	creds     aws.CredentialsProvider
	endpoint  string
	region    string
}

var _ storage.Backend = (*Store)(nil)

// New loads the AWS configuration and builds a path-style client. Static
// credentials are used when an access key is configured, the default chain
// otherwise.
func New(ctx context.Context, c Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKey,
			c.SecretKey,
			"",
		)))
	}

	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = true
	})

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", c.Region)
	}

	return &Store{
		client:    client,
		presigner: newS3PresignClient(client),
		creds:     cfg.Credentials,
		endpoint:  strings.TrimRight(endpoint, "/"),
		region:    c.Region,
	}, nil
}

// classify maps store-specific "missing" errors onto storage.ErrNotFound.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchUpload":
			return fmt.Errorf("%w: %s", storage.ErrNotFound, apiErr.ErrorMessage())
		}
	}
	return err
}

func copySource(loc storage.Location) string {
	return (&url.URL{Path: loc.Bucket + "/" + loc.Key}).EscapedPath()
}

func (s *Store) HeadObject(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return storage.ObjectInfo{}, storage.Wrap("head", loc, classify(err))
	}
	return storage.ObjectInfo{
		Key:  loc.Key,
		ETag: storage.TrimETag(aws.ToString(out.ETag)),
		Size: aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *Store) GetObject(ctx context.Context, loc storage.Location) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, storage.Wrap("get", loc, classify(err))
	}
	return out.Body, nil
}

func (s *Store) DeleteObject(ctx context.Context, loc storage.Location) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	return storage.Wrap("delete", loc, classify(err))
}

func (s *Store) CreateMultipartUpload(ctx context.Context, loc storage.Location, opts storage.UploadOptions) (string, error) {
	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Tags) > 0 {
		in.Tagging = aws.String(storage.EncodeTags(opts.Tags))
	}

	out, err := s.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", storage.Wrap("create upload", loc, classify(err))
	}
	return aws.ToString(out.UploadId), nil
}

func (s *Store) CopyPartRange(ctx context.Context, src, dst storage.Location, uploadID string, partNumber int32, rng *parts.Part) (string, error) {
	in := &s3.UploadPartCopyInput{
		Bucket:     aws.String(dst.Bucket),
		Key:        aws.String(dst.Key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		CopySource: aws.String(copySource(src)),
	}
	if rng != nil {
		in.CopySourceRange = aws.String(rng.CopyRange())
	}

	out, err := s.client.UploadPartCopy(ctx, in)
	if err != nil {
		return "", storage.Wrap("copy part", dst, classify(err))
	}
	if out.CopyPartResult == nil {
		return "", storage.Wrap("copy part", dst, errors.New("empty copy part result"))
	}
	return storage.TrimETag(aws.ToString(out.CopyPartResult.ETag)), nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, loc storage.Location, uploadID string, cparts []storage.CompletedPart) (storage.ObjectInfo, error) {
	completed := make([]types.CompletedPart, 0, len(cparts))
	for _, p := range cparts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(`"` + storage.TrimETag(p.ETag) + `"`),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(loc.Bucket),
		Key:             aws.String(loc.Key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return storage.ObjectInfo{}, storage.Wrap("complete upload", loc, classify(err))
	}

	// the completion response carries no size
	return s.HeadObject(ctx, loc)
}

func (s *Store) AbortMultipartUpload(ctx context.Context, loc storage.Location, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(loc.Bucket),
		Key:      aws.String(loc.Key),
		UploadId: aws.String(uploadID),
	})
	return storage.Wrap("abort upload", loc, classify(err))
}

func (s *Store) SingleCopy(ctx context.Context, src, dst storage.Location, tags map[string]string) (storage.ObjectInfo, error) {
	in := &s3.CopyObjectInput{
		Bucket:     aws.String(dst.Bucket),
		Key:        aws.String(dst.Key),
		CopySource: aws.String(copySource(src)),
	}
	if tags != nil {
		in.TaggingDirective = types.TaggingDirectiveReplace
		in.Tagging = aws.String(storage.EncodeTags(tags))
	}

	if _, err := s.client.CopyObject(ctx, in); err != nil {
		return storage.ObjectInfo{}, storage.Wrap("copy", dst, classify(err))
	}
	return s.HeadObject(ctx, dst)
}

func (s *Store) GetObjectTagging(ctx context.Context, loc storage.Location) (map[string]string, error) {
	out, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, storage.Wrap("get tagging", loc, classify(err))
	}

	tags := make(map[string]string, len(out.TagSet))
	for _, t := range out.TagSet {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}

func (s *Store) PutObjectTagging(ctx context.Context, loc storage.Location, tags map[string]string) error {
	set := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		set = append(set, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	_, err := s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(loc.Bucket),
		Key:     aws.String(loc.Key),
		Tagging: &types.Tagging{TagSet: set},
	})
	return storage.Wrap("put tagging", loc, classify(err))
}

func (s *Store) PresignUploadPart(ctx context.Context, loc storage.Location, uploadID string, part parts.Part, expires time.Duration) (string, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(loc.Bucket),
		Key:           aws.String(loc.Key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(part.Number),
		ContentLength: aws.Int64(part.Size),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", storage.Wrap("presign part", loc, err)
	}
	return req.URL, nil
}

// PresignComplete signs a CompleteMultipartUpload request for the client to
// execute. The presign client has no operation for it, so the request is
// assembled by hand and signed with SigV4 query authentication.
func (s *Store) PresignComplete(ctx context.Context, loc storage.Location, uploadID string, cparts []storage.CompletedPart, expires time.Duration) (storage.PresignedRequest, error) {
	body, err := storage.CompletionBody(cparts)
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}
	u = u.JoinPath(loc.Bucket, loc.Key)
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int64(expires/time.Second)))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}

	signed, headers, err := presignHTTP(ctx, creds, req, "s3", s.region, now().UTC())
	if err != nil {
		return storage.PresignedRequest{}, storage.Wrap("presign complete", loc, err)
	}

	return storage.PresignedRequest{
		Method: http.MethodPost,
		URL:    signed,
		Header: headers,
		Body:   body,
	}, nil
}
