package s3store

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/storage"
)

type fakeAPI struct {
	api

	headOut  *s3.HeadObjectOutput
	headErr  error
	copyIn   *s3.UploadPartCopyInput
	objIn    *s3.CopyObjectInput
	complIn  *s3.CompleteMultipartUploadInput
	createIn *s3.CreateMultipartUploadInput
}

func (f *fakeAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return f.headOut, f.headErr
}

func (f *fakeAPI) UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	f.copyIn = in
	return &s3.UploadPartCopyOutput{CopyPartResult: &types.CopyPartResult{ETag: aws.String(`"abc"`)}}, nil
}

func (f *fakeAPI) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.objIn = in
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeAPI) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.createIn = in
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("up-1")}, nil
}

func (f *fakeAPI) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.complIn = in
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func newTestStore(f *fakeAPI) *Store {
	return &Store{
		client:   f,
		creds:    credentials.NewStaticCredentialsProvider("ak", "sk", ""),
		endpoint: "http://127.0.0.1:9000",
		region:   "us-east-1",
	}
}

func TestNew_AppliesEndpointAndCredentials(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNewS3 := newS3ClientFromConfig
	origNewPre := newS3PresignClient
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNewS3
		newS3PresignClient = origNewPre
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "us-east-1", lo.Region)
		assert.NotNil(t, lo.Credentials)
		return aws.Config{}, nil
	}

	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&opts)
		}
		return &s3.Client{}
	}
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return &s3.PresignClient{}
	}

	st, err := New(context.Background(), Config{
		Endpoint:  "http://127.0.0.1:9000/",
		Region:    "us-east-1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", st.endpoint)
	require.NotNil(t, opts.BaseEndpoint)
	assert.Equal(t, "http://127.0.0.1:9000/", *opts.BaseEndpoint)
	assert.True(t, opts.UsePathStyle)

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("load-fail")
	}
	_, err = New(context.Background(), Config{Region: "us-east-1"})
	assert.EqualError(t, err, "load-fail")
}

func TestHeadObject_NotFound(t *testing.T) {
	st := newTestStore(&fakeAPI{headErr: &smithy.GenericAPIError{Code: "NotFound", Message: "missing"}})

	_, err := st.HeadObject(context.Background(), storage.Location{Bucket: "b", Key: "k"})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	var se *storage.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "head", se.Op)
}

func TestHeadObject_TrimsETag(t *testing.T) {
	st := newTestStore(&fakeAPI{headOut: &s3.HeadObjectOutput{ETag: aws.String(`"e-2"`), ContentLength: aws.Int64(42)}})

	info, err := st.HeadObject(context.Background(), storage.Location{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, storage.ObjectInfo{Key: "k", ETag: "e-2", Size: 42}, info)
}

func TestCopyPartRange_RangeHeader(t *testing.T) {
	f := &fakeAPI{}
	st := newTestStore(f)
	src := storage.Location{Bucket: "embargo", Key: "123/blobs/a b"}
	dst := storage.Location{Bucket: "public", Key: "blobs/x"}

	etag, err := st.CopyPartRange(context.Background(), src, dst, "up", 2, &parts.Part{Number: 2, Offset: 10, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, "abc", etag)
	assert.Equal(t, "bytes=10-19", aws.ToString(f.copyIn.CopySourceRange))
	assert.Equal(t, "embargo/123/blobs/a%20b", aws.ToString(f.copyIn.CopySource))

	_, err = st.CopyPartRange(context.Background(), src, dst, "up", 1, nil)
	require.NoError(t, err)
	assert.Nil(t, f.copyIn.CopySourceRange)
}

func TestSingleCopy_ReplacesTags(t *testing.T) {
	f := &fakeAPI{headOut: &s3.HeadObjectOutput{ETag: aws.String(`"e"`), ContentLength: aws.Int64(1)}}
	st := newTestStore(f)

	_, err := st.SingleCopy(context.Background(), storage.Location{Bucket: "a", Key: "k"}, storage.Location{Bucket: "b", Key: "k"}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, types.TaggingDirectiveReplace, f.objIn.TaggingDirective)

	_, err = st.SingleCopy(context.Background(), storage.Location{Bucket: "a", Key: "k"}, storage.Location{Bucket: "b", Key: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaggingDirective(""), f.objIn.TaggingDirective)
}

func TestCreateAndComplete(t *testing.T) {
	f := &fakeAPI{headOut: &s3.HeadObjectOutput{ETag: aws.String(`"x-2"`), ContentLength: aws.Int64(20)}}
	st := newTestStore(f)
	loc := storage.Location{Bucket: "b", Key: "k"}

	id, err := st.CreateMultipartUpload(context.Background(), loc, storage.UploadOptions{Tags: map[string]string{"embargoed": "true"}})
	require.NoError(t, err)
	assert.Equal(t, "up-1", id)
	assert.Equal(t, "embargoed=true", aws.ToString(f.createIn.Tagging))

	info, err := st.CompleteMultipartUpload(context.Background(), loc, id, []storage.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: `"b"`}})
	require.NoError(t, err)
	assert.Equal(t, "x-2", info.ETag)
	require.Len(t, f.complIn.MultipartUpload.Parts, 2)
	assert.Equal(t, `"b"`, aws.ToString(f.complIn.MultipartUpload.Parts[1].ETag))
}

func TestPresignComplete(t *testing.T) {
	origPresign := presignHTTP
	origNow := now
	t.Cleanup(func() {
		presignHTTP = origPresign
		now = origNow
	})
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	now = func() time.Time { return fixed }

	var seen *http.Request
	presignHTTP = func(ctx context.Context, creds aws.Credentials, r *http.Request, service, region string, at time.Time) (string, http.Header, error) {
		seen = r
		assert.Equal(t, "ak", creds.AccessKeyID)
		assert.Equal(t, "s3", service)
		assert.Equal(t, fixed, at)
		return r.URL.String() + "&X-Amz-Signature=sig", http.Header{"Host": []string{r.URL.Host}}, nil
	}

	st := newTestStore(&fakeAPI{})
	req, err := st.PresignComplete(context.Background(), storage.Location{Bucket: "b", Key: "blobs/abc"}, "up", []storage.CompletedPart{{PartNumber: 1, ETag: "e"}}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/b/blobs/abc", seen.URL.Path)
	assert.Equal(t, "3600", seen.URL.Query().Get("X-Amz-Expires"))
	assert.True(t, strings.HasSuffix(req.URL, "X-Amz-Signature=sig"))
	assert.Contains(t, req.Body, "<PartNumber>1</PartNumber>")
}

func TestPresignComplete_RealSigner(t *testing.T) {
	st := newTestStore(&fakeAPI{})
	req, err := st.PresignComplete(context.Background(), storage.Location{Bucket: "b", Key: "k"}, "up", []storage.CompletedPart{{PartNumber: 1, ETag: "e"}}, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, req.URL, "X-Amz-Signature=")
	assert.Contains(t, req.URL, "uploadId=up")
}

type fakePresigner struct{ in *s3.UploadPartInput }

func (f *fakePresigner) PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.in = in
	return &v4.PresignedHTTPRequest{URL: "https://signed/part"}, nil
}

func TestPresignUploadPart(t *testing.T) {
	p := &fakePresigner{}
	st := newTestStore(&fakeAPI{})
	st.presigner = p

	u, err := st.PresignUploadPart(context.Background(), storage.Location{Bucket: "b", Key: "k"}, "up", parts.Part{Number: 3, Size: 99}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://signed/part", u)
	assert.Equal(t, int32(3), aws.ToInt32(p.in.PartNumber))
	assert.Equal(t, int64(99), aws.ToInt64(p.in.ContentLength))
}
