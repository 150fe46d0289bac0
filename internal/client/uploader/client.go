// Package uploader talks to the blob store HTTP API and drives the
// multipart upload protocol from a local file.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	AlgorithmETag   = "dandi:dandi-etag"
	AlgorithmSHA256 = "dandi:sha2-256"
)

type Digest struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type InitializeRequest struct {
	FileSize  int64  `json:"file_size"`
	Digest    Digest `json:"digest"`
	Dataset   string `json:"dandiset,omitempty"`
	Embargoed bool   `json:"embargoed,omitempty"`
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

type Completion struct {
	CompleteURL string `json:"complete_url"`
	Body        string `json:"body"`
}

type Blob struct {
	UUID   string `json:"uuid"`
	ETag   string `json:"etag"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// APIError is a non-2xx answer of the API. Location carries the id of an
// existing blob on 409 responses.
type APIError struct {
	StatusCode int
	Location   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), strings.TrimSpace(e.Body))
}

// IsConflict reports whether err is a 409 naming an existing blob, and
// returns that blob's id.
func IsConflict(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Location != "" {
		return apiErr.Location, true
	}
	return "", false
}

// Client calls the /api routes of a blob store server.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

func NewClient(serverURL string, hc *http.Client, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: base, http: hc, timeout: timeout}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + "/api" + path
}

// do sends in as JSON and decodes a 2xx body into out when out is not nil.
// It returns the Location header of the response.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return "", err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &APIError{StatusCode: resp.StatusCode, Location: resp.Header.Get("Location"), Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.Header.Get("Location"), nil
}

func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*Initialization, error) {
	var init Initialization
	if _, err := c.do(ctx, http.MethodPost, "/uploads/initialize/", req, &init); err != nil {
		return nil, err
	}
	return &init, nil
}

func (c *Client) Complete(ctx context.Context, req CompleteRequest) (*Completion, error) {
	var completion Completion
	if _, err := c.do(ctx, http.MethodPost, "/uploads/complete/", req, &completion); err != nil {
		return nil, err
	}
	return &completion, nil
}

// Validate asks the server to check the completed object and returns the id
// of the registered blob.
func (c *Client) Validate(ctx context.Context, uploadID string) (string, error) {
	location, err := c.do(ctx, http.MethodPost, "/uploads/validations/"+url.PathEscape(uploadID)+"/", nil, nil)
	if err != nil {
		return "", err
	}
	if location == "" {
		return uploadID, nil
	}
	return location, nil
}

func (c *Client) Abort(ctx context.Context, uploadID string) error {
	_, err := c.do(ctx, http.MethodPost, "/uploads/"+url.PathEscape(uploadID)+"/abort/", nil, nil)
	return err
}

// Lookup resolves a digest to a public blob.
func (c *Client) Lookup(ctx context.Context, d Digest) (*Blob, error) {
	var b Blob
	if _, err := c.do(ctx, http.MethodPost, "/blobs/digest/", d, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) GetBlob(ctx context.Context, id string) (*Blob, error) {
	var b Blob
	if _, err := c.do(ctx, http.MethodGet, "/blobs/"+url.PathEscape(id)+"/", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
