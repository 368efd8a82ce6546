package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/ics"
)

// Resolution actions accepted by ResolveConflict.
const (
	ResolutionOverwriteCalendar = "overwrite-calendar"
	ResolutionSkipEmailImport   = "skip-email-import"
	ResolutionMergeFields       = "merge-fields"
)

// ResolveConflict applies a user-chosen resolution to a conflicted event and
// returns the updated record.
func (e *Engine) ResolveConflict(ctx context.Context, eventID, action string, selections map[string]string) (*db.TrackedEvent, error) {
	event, err := e.db.GetTrackedEvent(eventID)
	if err != nil {
		return nil, err
	}
	if !event.SyncConflict {
		return nil, fmt.Errorf("%w: event %s", ErrNoConflict, eventID)
	}

	switch action {
	case ResolutionOverwriteCalendar:
		err = e.resolveOverwriteCalendar(ctx, event)
	case ResolutionSkipEmailImport:
		err = e.resolveSkipEmailImport(event)
	case ResolutionMergeFields:
		err = e.resolveMergeFields(ctx, event, selections)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// resolveOverwriteCalendar pushes the local payload over the remote copy.
func (e *Engine) resolveOverwriteCalendar(ctx context.Context, event *db.TrackedEvent) error {
	mapping, settings, err := e.routeForExport(event)
	if err != nil {
		return err
	}
	client, err := e.newClient(settings)
	if err != nil {
		return err
	}
	return e.forceUpload(ctx, client, caldav.PathFromURL(mapping.CalendarURL), event,
		"Konflikt gelöst: Kalendereintrag überschrieben")
}

// resolveSkipEmailImport discards the local changes in favor of the remote
// copy. The source message is remembered so the discarded import stays
// auditable.
func (e *Engine) resolveSkipEmailImport(event *db.TrackedEvent) error {
	event.SyncConflict = false
	event.SyncConflictReason = ""
	event.SyncConflictSnapshot = nil
	event.SyncedVersion = event.LocalVersion
	event.History = append(event.History, historyEntry("resolved", "Konflikt gelöst: lokale Version verworfen"))
	if err := e.db.UpdateTrackedEvent(event); err != nil {
		return err
	}

	if event.MailboxMessageID != "" {
		imp := &db.IgnoredMailImport{
			EventID:   event.ID,
			AccountID: event.SourceAccountID,
			Folder:    event.SourceFolder,
			MessageID: event.MailboxMessageID,
		}
		if err := e.db.InsertIgnoredMailImport(imp); err != nil {
			log.Printf("Failed to record ignored mail import for event %s: %v", event.UID, err)
		}
	}
	return nil
}

// resolveMergeFields rebuilds the payload from both sides per the user's
// field selection and pushes the result to the calendar.
func (e *Engine) resolveMergeFields(ctx context.Context, event *db.TrackedEvent, selections map[string]string) error {
	if len(selections) == 0 {
		return fmt.Errorf("%w: merge-fields needs a field selection", ics.ErrUnknownField)
	}

	mapping, settings, err := e.routeForExport(event)
	if err != nil {
		return err
	}
	client, err := e.newClient(settings)
	if err != nil {
		return err
	}
	calendarPath := caldav.PathFromURL(mapping.CalendarURL)

	remote, err := client.GetEventState(ctx, calendarPath, event.UID)
	if err != nil {
		return fmt.Errorf("failed to load calendar copy for merge: %w", err)
	}
	merged, err := ics.MergePayloads(event.Payload, remote.Data, selections)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	event.Payload = merged
	event.LocalVersion++
	event.LocalLastModified = &now
	event.LastModifiedSource = db.ModifiedSourceLocal
	if parsed, err := ics.Decode(merged); err == nil {
		event.Summary = parsed.Summary
		event.Organizer = parsed.Organizer
		event.Start = utcTime(parsed.Start)
		event.End = utcTime(parsed.End)
	}

	return e.forceUpload(ctx, client, calendarPath, event,
		"Konflikt gelöst: Felder zusammengeführt")
}

// forceUpload pushes the stored payload without divergence checks and
// settles the sync counters.
func (e *Engine) forceUpload(ctx context.Context, client CalDAVClient, calendarPath string, event *db.TrackedEvent, description string) error {
	etag, err := client.Upload(ctx, calendarPath, event.UID, event.Payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	event.Status = db.EventStatusSynced
	event.LastSynced = &now
	event.SyncedVersion = event.LocalVersion
	event.SyncConflict = false
	event.SyncConflictReason = ""
	event.SyncConflictSnapshot = nil
	e.refreshRemoteState(ctx, client, calendarPath, event, etag)
	event.History = append(event.History, historyEntry("resolved", description))
	return e.db.UpdateTrackedEvent(event)
}

// DisableTracking removes an event from listings and every sync path.
func (e *Engine) DisableTracking(eventID string) (*db.TrackedEvent, error) {
	event, err := e.db.GetTrackedEvent(eventID)
	if err != nil {
		return nil, err
	}

	event.TrackingDisabled = true
	event.SyncConflict = false
	event.SyncConflictReason = ""
	event.SyncConflictSnapshot = nil
	event.History = append(event.History, historyEntry("disabled", "Tracking deaktiviert"))
	if err := e.db.UpdateTrackedEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}
