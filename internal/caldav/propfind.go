package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// XML structures for parsing PROPFIND responses
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href     string     `xml:"href"`
	PropStat []propstat `xml:"propstat"`
	Status   string     `xml:"status"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	GetETag         string `xml:"getetag"`
	GetLastModified string `xml:"getlastmodified"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
    <D:getlastmodified/>
  </D:prop>
</D:propfind>`

// resourceMeta is the change-detection metadata of one stored object.
type resourceMeta struct {
	ETag         string
	LastModified *time.Time
}

// propfindMeta fetches getetag and getlastmodified for a single resource.
// Some servers omit the ETag header on GET but still answer PROPFIND.
func (c *Client) propfindMeta(ctx context.Context, path string) (*resourceMeta, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.baseURL+path, strings.NewReader(propfindBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMultiStatus, http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parsePropfindMeta(body)
}

func parsePropfindMeta(body []byte) (*resourceMeta, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	meta := &resourceMeta{}
	for _, resp := range ms.Responses {
		for _, ps := range resp.PropStat {
			if !strings.Contains(ps.Status, "200") {
				continue
			}
			if etag := trimETag(ps.Prop.GetETag); etag != "" {
				meta.ETag = etag
			}
			if ps.Prop.GetLastModified != "" {
				if t, err := http.ParseTime(ps.Prop.GetLastModified); err == nil {
					utc := t.UTC()
					meta.LastModified = &utc
				}
			}
		}
	}

	return meta, nil
}

// trimETag normalizes a raw getetag value to the unquoted form the DAV
// client library reports, so values from both paths compare equal.
func trimETag(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "W/")
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = s[1 : len(s)-1]
	}
	return s
}
