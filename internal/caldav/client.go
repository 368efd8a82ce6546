package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/Elmontag/calsync/internal/ics"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Calendar represents a CalDAV calendar collection.
type Calendar struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// EventState is the server-side state of one calendar object.
type EventState struct {
	Path         string
	ETag         string
	Data         string
	LastModified *time.Time
}

// RemoteEvent is a listing entry returned by a time-range search.
type RemoteEvent struct {
	UID     string
	Summary string
	Path    string
	ETag    string
	Start   *time.Time
	End     *time.Time
}

// Client provides the CalDAV operations the sync engine needs.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
}

// NewClient creates a new CalDAV client.
func NewClient(baseURL, username, password string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
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

// TestConnection tests the connection to the CalDAV server.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return wrapHTTPError(err, ErrConnectionFailed)
	}
	return nil
}

// FindCalendars discovers all calendars for the current user.
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
		calendars = append(calendars, Calendar{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
		})
	}

	return calendars, nil
}

// GetEventState fetches the calendar object stored for a UID. Returns
// ErrNotFound when the server has no object at the derived path.
func (c *Client) GetEventState(ctx context.Context, calendarPath, uid string) (*EventState, error) {
	path := EventPath(calendarPath, uid)

	obj, err := c.caldavClient.GetCalendarObject(ctx, path)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "malformed") ||
			strings.Contains(errStr, "missing colon") ||
			strings.Contains(errStr, "invalid") && strings.Contains(errStr, "ical") {
			return nil, fmt.Errorf("%w: %s", ErrMalformedContent, path)
		}
		return nil, wrapHTTPError(err, ErrConnectionFailed)
	}

	state := &EventState{
		Path: obj.Path,
		ETag: obj.ETag,
	}
	if obj.Data != nil {
		state.Data = encodeCalendar(obj.Data)
		if decoded, err := ics.Decode(state.Data); err == nil {
			state.LastModified = decoded.LastModified
		}
	}

	// Some servers answer GET without an ETag. PROPFIND usually still
	// reports one, and change detection degrades badly without it.
	if state.ETag == "" {
		meta, err := c.propfindMeta(ctx, path)
		if err != nil {
			log.Printf("PROPFIND fallback for %s failed: %v", path, err)
		} else {
			state.ETag = meta.ETag
			if state.LastModified == nil {
				state.LastModified = meta.LastModified
			}
		}
	}

	return state, nil
}

// Upload writes a calendar payload for a UID. The returned ETag may be empty
// when the server does not report one on PUT.
func (c *Client) Upload(ctx context.Context, calendarPath, uid, payload string) (string, error) {
	cal, err := parseICalendar(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}

	path := EventPath(calendarPath, uid)
	obj, err := c.caldavClient.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return "", wrapHTTPError(err, ErrConnectionFailed)
	}
	if obj == nil {
		return "", nil
	}

	return obj.ETag, nil
}

// DeleteByUID removes the calendar object stored for a UID.
func (c *Client) DeleteByUID(ctx context.Context, calendarPath, uid string) error {
	path := EventPath(calendarPath, uid)
	if err := c.caldavClient.RemoveAll(ctx, path); err != nil {
		return wrapHTTPError(err, ErrConnectionFailed)
	}
	return nil
}

// SearchOverlapping queries the calendar for events intersecting the given
// window. Objects that cannot be decoded are skipped.
func (c *Client) SearchOverlapping(ctx context.Context, calendarPath string, start, end time.Time) ([]RemoteEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: start,
					End:   end,
				},
			},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, wrapHTTPError(err, ErrConnectionFailed)
	}

	events := make([]RemoteEvent, 0, len(objects))
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		decoded, err := ics.Decode(encodeCalendar(obj.Data))
		if err != nil {
			log.Printf("Skipping undecodable event %s: %v", obj.Path, err)
			continue
		}
		events = append(events, RemoteEvent{
			UID:     decoded.UID,
			Summary: decoded.Summary,
			Path:    obj.Path,
			ETag:    obj.ETag,
			Start:   decoded.Start,
			End:     decoded.End,
		})
	}

	return events, nil
}

// EventPath derives the resource path for a UID inside a calendar.
func EventPath(calendarPath, uid string) string {
	return strings.TrimSuffix(calendarPath, "/") + "/" + url.PathEscape(uid) + ".ics"
}

// PathFromURL reduces a calendar URL to the path the DAV client expects.
// Plain paths pass through unchanged.
func PathFromURL(raw string) string {
	if raw == "" || strings.HasPrefix(raw, "/") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// wrapHTTPError maps transport errors onto the package sentinels by status.
func wrapHTTPError(err error, fallback error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	case strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", fallback, err)
}

// parseICalendar parses iCalendar data string into a calendar object.
func parseICalendar(data string) (*ical.Calendar, error) {
	dec := ical.NewDecoder(strings.NewReader(data))
	cal, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	return cal, nil
}

// encodeCalendar encodes a calendar object to iCalendar string.
func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}
