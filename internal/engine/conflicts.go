package engine

import (
	"context"
	"log"
	"time"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/db"
)

// calendarRoute is a ready-to-use client for one mapped calendar.
type calendarRoute struct {
	client       CalDAVClient
	calendarPath string
}

// ConflictDetails collects, for every conflicted event in the batch, the
// stored divergence info plus the calendar entries overlapping its time
// window. The result is keyed by event ID; events without a conflict are
// absent. Lookup failures degrade to details without overlap info.
func (e *Engine) ConflictDetails(ctx context.Context, events []*db.TrackedEvent) map[string]map[string]any {
	details := make(map[string]map[string]any)
	routes := make(map[string]*calendarRoute)

	for _, event := range events {
		if !event.SyncConflict {
			continue
		}

		detail := map[string]any{
			"reason":   event.SyncConflictReason,
			"snapshot": event.SyncConflictSnapshot,
		}
		details[event.ID] = detail

		windowStart, windowEnd, ok := conflictWindow(event)
		if !ok {
			continue
		}

		routeKey := event.SourceFolder
		if event.SourceAccountID != nil {
			routeKey = *event.SourceAccountID + "\x00" + event.SourceFolder
		}
		route, cached := routes[routeKey]
		if !cached {
			route = e.openRoute(event)
			routes[routeKey] = route
		}
		if route == nil {
			continue
		}

		remotes, err := route.client.SearchOverlapping(ctx, route.calendarPath, windowStart, windowEnd)
		if err != nil {
			log.Printf("Konfliktprüfung für Termin %s fehlgeschlagen: %v", event.UID, err)
			continue
		}
		detail["overlapping_events"] = overlapEntries(event, remotes, windowStart, windowEnd)
	}

	return details
}

// openRoute builds a CalDAV client for an event's mapped calendar, or nil
// when the event cannot be routed.
func (e *Engine) openRoute(event *db.TrackedEvent) *calendarRoute {
	mapping, settings, err := e.routeForExport(event)
	if err != nil {
		log.Printf("Konfliktprüfung für Mapping %s fehlgeschlagen: %v", event.SourceFolder, err)
		return nil
	}
	client, err := e.newClient(settings)
	if err != nil {
		log.Printf("Konfliktprüfung für Mapping %s fehlgeschlagen: %v", mapping.ID, err)
		return nil
	}
	return &calendarRoute{client: client, calendarPath: caldav.PathFromURL(mapping.CalendarURL)}
}

// conflictWindow derives the time range to search for clashing appointments.
// Events without any time information have no window.
func conflictWindow(event *db.TrackedEvent) (time.Time, time.Time, bool) {
	start := event.Start
	if start == nil {
		start = event.End
	}
	if start == nil {
		return time.Time{}, time.Time{}, false
	}
	end := event.End
	if end == nil {
		end = event.Start
	}

	// The window spans at least 30 minutes so short and zero-length
	// appointments still surface their neighbors.
	windowStart := start.UTC()
	windowEnd := end.UTC()
	if minEnd := windowStart.Add(30 * time.Minute); windowEnd.Before(minEnd) {
		windowEnd = minEnd
	}
	return windowStart, windowEnd, true
}

// overlapEntries filters and renders the remote events strictly overlapping
// the window, excluding the event itself and duplicate UIDs.
func overlapEntries(event *db.TrackedEvent, remotes []caldav.RemoteEvent, windowStart, windowEnd time.Time) []map[string]any {
	entries := make([]map[string]any, 0, len(remotes))
	seen := make(map[string]bool)

	for _, remote := range remotes {
		if remote.UID == "" || remote.UID == event.UID || seen[remote.UID] {
			continue
		}
		if remote.Start == nil {
			continue
		}
		remoteStart := remote.Start.UTC()
		remoteEnd := remoteStart.Add(30 * time.Minute)
		if remote.End != nil {
			remoteEnd = remote.End.UTC()
		}
		if !remoteStart.Before(windowEnd) || !windowStart.Before(remoteEnd) {
			continue
		}
		seen[remote.UID] = true

		summary := remote.Summary
		if summary == "" {
			summary = "Unbenannter Termin"
		}
		entries = append(entries, map[string]any{
			"uid":     remote.UID,
			"summary": summary,
			"start":   remoteStart.Format(time.RFC3339),
			"end":     remoteEnd.Format(time.RFC3339),
		})
	}
	return entries
}
