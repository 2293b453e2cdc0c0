package caldav

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Calendar is a calendar collection on the store.
type Calendar struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client is a read-only CalDAV client.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
}

// NewClient creates a client for the store at baseURL.
func NewClient(baseURL, username, password string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	httpClient := &http.Client{
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

	var transport webdav.HTTPClient = httpClient
	if username != "" {
		transport = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}

	caldavClient, err := caldav.NewClient(transport, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      baseURL,
		username:     username,
		password:     password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
	}, nil
}

// TestConnection checks that the store is reachable and accepts the credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.caldavClient.FindCurrentUserPrincipal(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// FindCalendars discovers the calendars in the current user's home set.
func (c *Client) FindCalendars(ctx context.Context) ([]Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrConnectionFailed, err)
	}

	calendars := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		if !supportsEvents(cal) {
			continue
		}
		calendars = append(calendars, Calendar{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
		})
	}
	return calendars, nil
}

// supportsEvents reports whether a collection can hold VEVENTs. Servers that
// omit the component set are assumed to.
func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// QueryEvents returns the calendar objects of calendarPath that have a VEVENT
// touching [from, to). Recurring masters are returned unexpanded.
func (c *Client) QueryEvents(ctx context.Context, calendarPath string, from, to time.Time) ([]*ical.Calendar, error) {
	cals, err := c.queryRange(ctx, calendarPath, from, to)
	if err == nil {
		return cals, nil
	}

	// Some servers reject time-range filters (412); list and fetch instead.
	log.Printf("Calendar query failed for %s, trying PROPFIND fallback: %v", calendarPath, err)
	return c.queryViaList(ctx, calendarPath)
}

func (c *Client) queryRange(ctx context.Context, calendarPath string, from, to time.Time) ([]*ical.Calendar, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query calendar: %w", ErrConnectionFailed, err)
	}

	cals := make([]*ical.Calendar, 0, len(objects))
	for _, obj := range objects {
		if obj.Data != nil {
			cals = append(cals, obj.Data)
		}
	}
	return cals, nil
}

// queryViaList lists the collection with PROPFIND and fetches each object.
// Objects that fail to parse are skipped.
func (c *Client) queryViaList(ctx context.Context, calendarPath string) ([]*ical.Calendar, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.buildURL(calendarPath), strings.NewReader(`<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
    <D:getcontenttype/>
  </D:prop>
</D:propfind>`))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	paths, err := parseObjectPaths(resp.Body, calendarPath)
	if err != nil {
		return nil, err
	}

	cals := make([]*ical.Calendar, 0, len(paths))
	skipped := 0
	for _, path := range paths {
		cal, err := c.getObject(ctx, path)
		if err != nil {
			if errors.Is(err, ErrMalformedContent) {
				skipped++
				continue
			}
			log.Printf("Failed to fetch calendar object %s: %v", path, err)
			continue
		}
		cals = append(cals, cal)
	}
	if skipped > 0 {
		log.Printf("Skipped %d malformed calendar objects in %s", skipped, calendarPath)
	}
	return cals, nil
}

func (c *Client) getObject(ctx context.Context, path string) (*ical.Calendar, error) {
	obj, err := c.caldavClient.GetCalendarObject(ctx, path)
	if err != nil {
		if isMalformed(err) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedContent, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if obj.Data == nil {
		return nil, fmt.Errorf("%w: %s: empty body", ErrMalformedContent, path)
	}
	return obj.Data, nil
}

type multistatus struct {
	XMLName   xml.Name `xml:"DAV: multistatus"`
	Responses []struct {
		Href     string `xml:"href"`
		PropStat struct {
			Prop struct {
				ContentType string `xml:"getcontenttype"`
			} `xml:"prop"`
		} `xml:"propstat"`
	} `xml:"response"`
}

// parseObjectPaths extracts calendar object hrefs from a multistatus body,
// skipping the collection itself.
func parseObjectPaths(body io.Reader, basePath string) ([]string, error) {
	var ms multistatus
	if err := xml.NewDecoder(body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	base := strings.TrimSuffix(basePath, "/")
	paths := make([]string, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		if strings.TrimSuffix(r.Href, "/") == base {
			continue
		}
		if !strings.HasSuffix(r.Href, ".ics") && !strings.Contains(r.PropStat.Prop.ContentType, "calendar") {
			continue
		}
		path, err := url.PathUnescape(r.Href)
		if err != nil {
			path = r.Href
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// buildURL resolves path against the base URL. Absolute paths replace the
// base path; relative ones are appended.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return strings.TrimSuffix(c.baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	}
	if strings.HasPrefix(path, "/") {
		base.Path = path
		base.RawPath = ""
		return base.String()
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + path
	base.RawPath = ""
	return base.String()
}

func isMalformed(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "missing colon") ||
		(strings.Contains(msg, "invalid") && strings.Contains(msg, "ical"))
}
