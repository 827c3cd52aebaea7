package rotation

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProbe checks backend reachability with a cheap GET against the
// endpoint root.
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe constructs an HTTPProbe with the given timeout.
func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{client: &http.Client{Timeout: timeout}}
}

// Check issues the reachability request. Any 2xx-4xx answer counts as
// reachable; only connection failures and 5xx mark the backend down.
func (p *HTTPProbe) Check(ctx context.Context, backendEndpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backendEndpoint, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", backendEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: HTTP %d", backendEndpoint, resp.StatusCode)
	}
	return nil
}
