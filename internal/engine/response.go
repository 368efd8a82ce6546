package engine

import (
	"context"
	"log"
	"time"

	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/ics"
)

// responseDescriptions translate a participation answer for the audit log.
var responseDescriptions = map[db.ResponseStatus]string{
	db.ResponseStatusAccepted:  "Teilnahme zugesagt",
	db.ResponseStatusTentative: "Teilnahme auf vielleicht gesetzt",
	db.ResponseStatusDeclined:  "Teilnahme abgesagt",
	db.ResponseStatusNone:      "Antwort zurückgesetzt",
}

// UpdateResponse stores a new participation answer on one event, embeds it
// into the payload, and exports the event right away when a mapping routes
// it to a calendar.
func (e *Engine) UpdateResponse(ctx context.Context, eventID string, response db.ResponseStatus) (*db.TrackedEvent, error) {
	event, err := e.db.GetTrackedEvent(eventID)
	if err != nil {
		return nil, err
	}

	event.ResponseStatus = response
	if event.Status != db.EventStatusCancelled {
		event.Status = db.EventStatusUpdated
	}
	if event.Payload != "" {
		if annotated, err := ics.AnnotateResponse(event.Payload, string(response)); err == nil {
			event.Payload = annotated
		} else {
			log.Printf("Failed to annotate response for event %s: %v", event.UID, err)
		}
	}

	now := time.Now().UTC()
	event.LocalVersion++
	event.LocalLastModified = &now
	event.LastModifiedSource = db.ModifiedSourceLocal

	description := responseDescriptions[response]
	if description == "" {
		description = "Teilnahmestatus aktualisiert"
	}
	event.History = append(event.History, historyEntry("response", description))

	if err := e.db.UpdateTrackedEvent(event); err != nil {
		return nil, err
	}

	e.syncSingleEvent(ctx, event)
	return event, nil
}

// syncSingleEvent exports one event right away when its source folder has a
// mapping and usable calendar credentials. Missing routing only logs; the
// local update already succeeded.
func (e *Engine) syncSingleEvent(ctx context.Context, event *db.TrackedEvent) {
	mapping, settings, err := e.routeForExport(event)
	if err != nil {
		log.Printf("Kalendersync für Termin %s übersprungen (fehlendes Mapping oder Einstellungen)", event.UID)
		return
	}
	if _, err := e.SyncEventsToCalendar(ctx, []*db.TrackedEvent{event}, mapping.CalendarURL, settings, SyncOptions{}); err != nil {
		log.Printf("Failed to sync event %s after response update: %v", event.UID, err)
	}
}
