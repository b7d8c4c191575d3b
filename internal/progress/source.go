package progress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPSource opens a progress stream with a POST to a per-target URL.
type HTTPSource struct {
	Client *http.Client
	// URL returns the endpoint for a target.
	URL func(target string) string
}

// Open sends the request and returns the body of a 2xx response. Any other
// status is reported as an error carrying the start of the response body.
func (s HTTPSource) Open(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(target), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
	return resp.Body, nil
}
