package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type HTTPReader struct {
	client *http.Client
}

func NewHTTPReader(timeout time.Duration) *HTTPReader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReader{client: &http.Client{Timeout: timeout}}
}

func (h *HTTPReader) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: fetch: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("blob: fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}
