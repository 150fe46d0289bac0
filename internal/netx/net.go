// Package netx executes presigned object-store requests.
package netx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 4096

func check(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%s failed: %s; body: %s", op, resp.Status, string(b))
}

// PutPart uploads size bytes of body to a presigned part URL and returns the
// etag the object store assigned to the part, without quotes.
func PutPart(ctx context.Context, client *http.Client, url string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := check(resp, "upload"); err != nil {
		return "", err
	}
	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("upload failed: response has no ETag header")
	}
	return etag, nil
}

// ExecutePresigned sends a presigned request with the given body, as
// returned by the upload completion endpoint.
func ExecutePresigned(ctx context.Context, client *http.Client, method, url, body string, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := check(resp, strings.ToLower(method)); err != nil {
		return err
	}
	// S3 reports some completion failures in a 200 response.
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return err
	}
	if strings.Contains(string(b), "<Error>") {
		return fmt.Errorf("%s failed: %s", strings.ToLower(method), string(b))
	}
	return nil
}
