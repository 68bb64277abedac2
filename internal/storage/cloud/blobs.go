package cloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// blobURIPrefix marks relational rows whose content lives in the
// bucket. The suffix is the object key.
const blobURIPrefix = "blob://"

func (s *Store) blobPath(key string) string {
	return fmt.Sprintf("/accounts/%s/r2/buckets/%s/objects/%s",
		s.cfg.AccountID, s.cfg.Bucket, key)
}

// blobKey derives the object key for a memory's offloaded content.
func blobKey(contentHash string) string {
	return "content/" + contentHash
}

// putBlob uploads raw content to the bucket.
func (s *Store) putBlob(ctx context.Context, key, content string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("cloud: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", s.cfg.BaseURL+s.blobPath(key),
		strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("cloud: build blob upload: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.http.Do(req)
	if err != nil {
		return &apiError{status: 0, message: err.Error(), transientHint: true}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, message: apiMessage(body)}
	}
	return nil
}

// getBlob fetches offloaded content by object key.
func (s *Store) getBlob(ctx context.Context, key string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("cloud: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.cfg.BaseURL+s.blobPath(key), nil)
	if err != nil {
		return "", fmt.Errorf("cloud: build blob fetch: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", &apiError{status: 0, message: err.Error(), transientHint: true}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &apiError{status: resp.StatusCode, message: apiMessage(body)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return "", &apiError{status: 0, message: err.Error(), transientHint: true}
	}
	return string(data), nil
}

// deleteBlob removes offloaded content; missing objects are fine.
func (s *Store) deleteBlob(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", s.cfg.BaseURL+s.blobPath(key), nil)
	if err != nil {
		return fmt.Errorf("cloud: build blob delete: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return &apiError{status: 0, message: err.Error(), transientHint: true}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, message: apiMessage(body)}
	}
	return nil
}
