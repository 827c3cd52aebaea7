// Package upstream fetches paginated content pages from a scraping backend
// over HTTP and classifies the responses the scrape engine reacts to.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
)

// Config controls the HTTP client.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// Client implements fleet.PageFetcher against a backend endpoint.
type Client struct {
	http *http.Client
	cfg  Config
}

// pageEnvelope is the JSON shape the backend returns per page.
type pageEnvelope struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fleetscrape/0.1"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
	}
}

// FetchPage retrieves one page of the target's content through the given
// backend and session. Upstream conditions map to the sentinel errors the
// engine rotates on: 429 to ErrRateLimited, connection failures and 5xx to
// ErrBackendUnreachable, 401/403 to ErrCredentialExpired, 404 to
// ErrTargetNotFound.
func (c *Client) FetchPage(ctx context.Context, req fleet.PageRequest) (fleet.Page, error) {
	u, err := c.pageURL(req)
	if err != nil {
		return fleet.Page{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fleet.Page{}, fmt.Errorf("build page request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.Session.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Session.AuthToken)
	}
	if req.Session.CSRFToken != "" {
		httpReq.Header.Set("X-Csrf-Token", req.Session.CSRFToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fleet.Page{}, fmt.Errorf("%w: %v", fleet.ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fleet.Page{}, fmt.Errorf("%w: HTTP 429 (retry after %s)",
			fleet.ErrRateLimited, retryAfter(resp))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fleet.Page{}, fmt.Errorf("%w: HTTP %d", fleet.ErrCredentialExpired, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fleet.Page{}, fmt.Errorf("%w: %s", fleet.ErrTargetNotFound, req.Target.Subject)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fleet.Page{}, fmt.Errorf("%w: HTTP %d", fleet.ErrBackendUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fleet.Page{}, fmt.Errorf("unexpected status HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return fleet.Page{}, fmt.Errorf("%w: read body: %v", fleet.ErrBackendUnreachable, err)
	}
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fleet.Page{}, fmt.Errorf("decode page: %w", err)
	}
	return fleet.Page{
		Items:      env.Items,
		NextCursor: env.NextCursor,
		Raw:        body,
	}, nil
}

// RetryAfter extracts a server-suggested cooldown from a rate-limit error
// response, or zero when absent.
func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) pageURL(req fleet.PageRequest) (string, error) {
	base, err := url.Parse(req.BackendEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse backend endpoint: %w", err)
	}
	base = base.JoinPath("api", "timeline", req.Target.Subject)
	q := base.Query()
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Target.Since != nil {
		q.Set("since", req.Target.Since.UTC().Format("2006-01-02"))
	}
	if req.Target.Until != nil {
		q.Set("until", req.Target.Until.UTC().Format("2006-01-02"))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}
