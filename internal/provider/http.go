package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	minTLSVersion   = tls.VersionTLS12
	maxPages        = 20
	maxErrorBodyLen = 512
)

// NewHTTPClient returns the client remote adapters use by default.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// apiClient issues authenticated GET requests against a JSON REST API.
type apiClient struct {
	baseURL       string
	httpClient    *http.Client
	keepRetryHint bool
	now           func() time.Time
}

func newAPIClient(baseURL string, httpClient *http.Client, keepRetryHint bool) *apiClient {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &apiClient{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		httpClient:    httpClient,
		keepRetryHint: keepRetryHint,
		now:           time.Now,
	}
}

// endpoint joins path and query onto the base URL. Path segments must
// already be escaped.
func (c *apiClient) endpoint(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, c.baseURL)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// nextPage validates a server-supplied paging link. It must point at the
// same scheme and host as the base URL, since it is sent the bearer token.
// An empty link ends paging.
func (c *apiClient) nextPage(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: next link: %w", ErrInvalidResponse, err)
	}
	if u.Scheme != base.Scheme || !strings.EqualFold(u.Host, base.Host) {
		return "", fmt.Errorf("%w: next link points at %q", ErrInvalidResponse, u.Host)
	}
	return u.String(), nil
}

// getJSON fetches rawURL with a bearer token and decodes the body into out.
func (c *apiClient) getJSON(ctx context.Context, token, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if err := c.classify(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode body: %w", ErrInvalidResponse, err)
	}
	return nil
}

// classify maps an HTTP status to the provider error taxonomy.
func (c *apiClient) classify(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return ErrAuthExpired
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		rl := &RateLimitError{StatusCode: code}
		if c.keepRetryHint {
			rl.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		return rl
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, code, strings.TrimSpace(string(body)))
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
