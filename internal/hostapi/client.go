// Package hostapi talks to the host application: it fetches the SIP Core
// configuration, resolves the signaling endpoint and listens for
// configuration change events.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrConfigFetch wraps every failure to obtain the configuration document.
var ErrConfigFetch = errors.New("config fetch failed")

// maxConfigSize bounds the configuration document.
const maxConfigSize = 1 << 20

// Client is an HTTP client for the host application's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	now        func() time.Time
}

// NewClient creates a host API client.
// baseURL is the host's origin (e.g., "http://homeassistant.local:8123").
// token is the long-lived access token sent as a bearer credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		now:        time.Now,
	}
}

// BaseURL returns the host origin the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchConfig downloads the raw configuration document. A cache-busting
// timestamp is appended so intermediaries never serve a stale copy.
func (c *Client) FetchConfig(ctx context.Context) ([]byte, error) {
	path := "/api/sip-core/config?t=" + strconv.FormatInt(c.now().UnixMilli(), 10)
	body, err := c.get(ctx, path, maxConfigSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
	}
	return body, nil
}

// IngressURL returns the ingress path of the add-on identified by slug.
func (c *Client) IngressURL(ctx context.Context, slug string) (string, error) {
	body, err := c.get(ctx, "/api/hassio/addons/"+url.PathEscape(slug)+"/info", 64<<10)
	if err != nil {
		return "", fmt.Errorf("%w: add-on info: %v", ErrConfigFetch, err)
	}

	var info struct {
		Data struct {
			IngressURL string `json:"ingress_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("%w: decoding add-on info: %v", ErrConfigFetch, err)
	}
	if info.Data.IngressURL == "" {
		return "", fmt.Errorf("%w: add-on %s has no ingress url", ErrConfigFetch, slug)
	}
	return info.Data.IngressURL, nil
}

func (c *Client) get(ctx context.Context, path string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	if resp.StatusCode != http.StatusOK {
		var env struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &env) == nil && env.Message != "" {
			return nil, fmt.Errorf("host returned status %d: %s", resp.StatusCode, env.Message)
		}
		return nil, fmt.Errorf("host returned status %d", resp.StatusCode)
	}
	return body, nil
}
