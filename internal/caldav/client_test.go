package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testEventData = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//Test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:uid-1@example.com\r\n" +
	"SUMMARY:Team Meeting\r\n" +
	"DTSTART:20250310T090000Z\r\n" +
	"DTEND:20250310T100000Z\r\n" +
	"LAST-MODIFIED:20250309T120000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

// newFakeDAVServer starts a minimal CalDAV endpoint for one event resource.
func newFakeDAVServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/calendars/work/uid-1@example.com.ics", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
			w.Header().Set("ETag", `"etag-get-1"`)
			fmt.Fprint(w, testEventData)
		case http.MethodPut:
			w.Header().Set("ETag", `"etag-put-1"`)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/calendars/work/missing@example.com.ics", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	})
	mux.HandleFunc("/calendars/work/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/calendars/work/uid-1@example.com.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"etag-get-1"</d:getetag>
        <cal:calendar-data>%s</cal:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`, testEventData)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, "user", "pass")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return server, client
}

func TestNewClient(t *testing.T) {
	t.Run("returns error for empty URL", func(t *testing.T) {
		_, err := NewClient("", "user", "pass")
		if !errors.Is(err, ErrConnectionFailed) {
			t.Errorf("expected ErrConnectionFailed, got %v", err)
		}
	})

	t.Run("creates client with valid URL", func(t *testing.T) {
		client, err := NewClient("https://caldav.example.com", "user", "pass")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if client.baseURL != "https://caldav.example.com" {
			t.Errorf("expected baseURL to be set, got %q", client.baseURL)
		}
	})
}

func TestGetEventState(t *testing.T) {
	_, client := newFakeDAVServer(t)
	ctx := context.Background()

	t.Run("returns state for existing event", func(t *testing.T) {
		state, err := client.GetEventState(ctx, "/calendars/work/", "uid-1@example.com")
		if err != nil {
			t.Fatalf("failed to get event state: %v", err)
		}

		if !strings.Contains(state.ETag, "etag-get-1") {
			t.Errorf("expected etag, got %q", state.ETag)
		}
		if !strings.Contains(state.Data, "SUMMARY:Team Meeting") {
			t.Errorf("expected event data, got %q", state.Data)
		}
		wantMod := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
		if state.LastModified == nil || !state.LastModified.Equal(wantMod) {
			t.Errorf("expected last modified %v, got %v", wantMod, state.LastModified)
		}
	})

	t.Run("returns ErrNotFound for missing event", func(t *testing.T) {
		_, err := client.GetEventState(ctx, "/calendars/work/", "missing@example.com")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpload(t *testing.T) {
	_, client := newFakeDAVServer(t)
	ctx := context.Background()

	t.Run("puts payload and returns etag", func(t *testing.T) {
		etag, err := client.Upload(ctx, "/calendars/work/", "uid-1@example.com", testEventData)
		if err != nil {
			t.Fatalf("failed to upload: %v", err)
		}
		if etag == "" {
			t.Error("expected etag from PUT response")
		}
	})

	t.Run("rejects unparseable payload", func(t *testing.T) {
		_, err := client.Upload(ctx, "/calendars/work/", "uid-1@example.com", "garbage")
		if !errors.Is(err, ErrMalformedContent) {
			t.Errorf("expected ErrMalformedContent, got %v", err)
		}
	})
}

func TestDeleteByUID(t *testing.T) {
	_, client := newFakeDAVServer(t)
	ctx := context.Background()

	t.Run("deletes existing event", func(t *testing.T) {
		if err := client.DeleteByUID(ctx, "/calendars/work/", "uid-1@example.com"); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
	})

	t.Run("returns ErrNotFound for missing event", func(t *testing.T) {
		err := client.DeleteByUID(ctx, "/calendars/work/", "missing@example.com")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSearchOverlapping(t *testing.T) {
	_, client := newFakeDAVServer(t)
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	events, err := client.SearchOverlapping(ctx, "/calendars/work/", start, end)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].UID != "uid-1@example.com" {
		t.Errorf("expected UID 'uid-1@example.com', got %q", events[0].UID)
	}
	if events[0].Summary != "Team Meeting" {
		t.Errorf("expected summary 'Team Meeting', got %q", events[0].Summary)
	}
	wantStart := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if events[0].Start == nil || !events[0].Start.Equal(wantStart) {
		t.Errorf("expected start %v, got %v", wantStart, events[0].Start)
	}
}

func TestEventPath(t *testing.T) {
	testCases := []struct {
		name         string
		calendarPath string
		uid          string
		expected     string
	}{
		{
			name:         "joins path and uid",
			calendarPath: "/calendars/work/",
			uid:          "abc@example.com",
			expected:     "/calendars/work/abc@example.com.ics",
		},
		{
			name:         "handles path without trailing slash",
			calendarPath: "/calendars/work",
			uid:          "abc@example.com",
			expected:     "/calendars/work/abc@example.com.ics",
		},
		{
			name:         "escapes slashes in uid",
			calendarPath: "/calendars/work/",
			uid:          "a/b",
			expected:     "/calendars/work/a%2Fb.ics",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := EventPath(tc.calendarPath, tc.uid)
			if result != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestPathFromURL(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected string
	}{
		{
			name:     "extracts path from full URL",
			raw:      "https://dav.example.com/calendars/user/work/",
			expected: "/calendars/user/work/",
		},
		{
			name:     "passes plain path through",
			raw:      "/calendars/user/work/",
			expected: "/calendars/user/work/",
		},
		{
			name:     "returns root for bare host",
			raw:      "https://dav.example.com",
			expected: "/",
		},
		{
			name:     "handles URL with port",
			raw:      "https://dav.example.com:8443/cal/",
			expected: "/cal/",
		},
		{
			name:     "empty stays empty",
			raw:      "",
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := PathFromURL(tc.raw)
			if result != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestWrapHTTPError(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected error
	}{
		{
			name:     "maps 401 to auth failure",
			err:      errors.New("401 Unauthorized"),
			expected: ErrAuthFailed,
		},
		{
			name:     "maps 403 to auth failure",
			err:      errors.New("403 Forbidden"),
			expected: ErrAuthFailed,
		},
		{
			name:     "maps 404 to not found",
			err:      errors.New("404 Not Found"),
			expected: ErrNotFound,
		},
		{
			name:     "falls back for other errors",
			err:      errors.New("dial tcp: connection refused"),
			expected: ErrConnectionFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := wrapHTTPError(tc.err, ErrConnectionFailed)
			if !errors.Is(result, tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, result)
			}
		})
	}
}

func TestParseICalendar(t *testing.T) {
	t.Run("parses valid iCalendar data", func(t *testing.T) {
		cal, err := parseICalendar(testEventData)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cal.Events()) != 1 {
			t.Fatalf("expected 1 event, got %d", len(cal.Events()))
		}
	})

	t.Run("returns error for invalid data", func(t *testing.T) {
		if _, err := parseICalendar("not valid icalendar"); err == nil {
			t.Error("expected error for invalid data")
		}
	})
}
