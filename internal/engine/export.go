package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/ics"
)

// SyncOptions tune one export run.
type SyncOptions struct {
	// AutoResponse, when set, is stamped as the participation answer on
	// every freshly uploaded event whose stored answer differs.
	AutoResponse db.ResponseStatus
	// Progress, when set, fires once per event in input order.
	Progress func(event *db.TrackedEvent, ok bool)
}

// SyncOutcome summarizes one export run.
type SyncOutcome struct {
	Uploaded   []string // UIDs written to the calendar
	Failed     []string // UIDs whose export failed
	Conflicted []string // UIDs newly flagged as conflicted
}

// SyncEventsToCalendar pushes a batch of tracked events to one calendar.
// Events are processed in input order; a failing event is recorded and the
// rest continue.
func (e *Engine) SyncEventsToCalendar(ctx context.Context, events []*db.TrackedEvent, calendarURL string, settings CalDAVSettings, opts SyncOptions) (*SyncOutcome, error) {
	client, err := e.newClient(settings)
	if err != nil {
		return nil, err
	}
	calendarPath := caldav.PathFromURL(calendarURL)

	outcome := &SyncOutcome{}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		ok := e.syncOne(ctx, client, calendarPath, event, opts.AutoResponse, outcome)
		if opts.Progress != nil {
			opts.Progress(event, ok)
		}
	}
	return outcome, nil
}

func (e *Engine) syncOne(ctx context.Context, client CalDAVClient, calendarPath string, event *db.TrackedEvent, autoResponse db.ResponseStatus, outcome *SyncOutcome) bool {
	remote := e.probeRemote(ctx, client, calendarPath, event)
	decision := Decide(event, remote)

	switch decision.Kind {
	case DecisionConflict:
		return e.recordConflict(event, remote, decision.Reason, outcome)
	case DecisionFastForward:
		return e.fastForwardFromRemote(event, remote, outcome)
	case DecisionCancel:
		return e.exportCancellation(ctx, client, calendarPath, event, outcome)
	case DecisionUpload:
		return e.exportUpload(ctx, client, calendarPath, event, autoResponse, outcome)
	default:
		return true
	}
}

// probeRemote fetches the server copy of one event. Probe failures count as
// "no remote information" so a flaky server cannot block the export.
func (e *Engine) probeRemote(ctx context.Context, client CalDAVClient, calendarPath string, event *db.TrackedEvent) *caldav.EventState {
	remote, err := client.GetEventState(ctx, calendarPath, event.UID)
	if err != nil {
		if !errors.Is(err, caldav.ErrNotFound) {
			log.Printf("Remote check for event %s failed: %v", event.UID, err)
		}
		return nil
	}
	return remote
}

// recordConflict captures a divergence on the event instead of uploading.
func (e *Engine) recordConflict(event *db.TrackedEvent, remote *caldav.EventState, reason string, outcome *SyncOutcome) bool {
	event.SyncConflict = true
	event.SyncConflictReason = reason
	event.SyncConflictSnapshot = remoteSnapshot(remote)
	event.History = append(event.History, historyEntry("conflict", reason))

	if err := e.db.UpdateTrackedEvent(event); err != nil {
		log.Printf("Failed to record conflict for event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}
	log.Printf("Sync conflict for event %s: %s", event.UID, reason)
	outcome.Conflicted = append(outcome.Conflicted, event.UID)
	return false
}

// fastForwardFromRemote adopts the calendar copy as the new local truth. The
// row identity is preserved; only its fields move.
func (e *Engine) fastForwardFromRemote(event *db.TrackedEvent, remote *caldav.EventState, outcome *SyncOutcome) bool {
	parsed, err := remoteComponent(remote.Data, event.UID)
	if err != nil {
		log.Printf("Failed to parse remote copy of event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}

	now := time.Now().UTC()
	event.Summary = parsed.Summary
	event.Organizer = parsed.Organizer
	event.Start = utcTime(parsed.Start)
	event.End = utcTime(parsed.End)
	event.Payload = remote.Data
	event.CalDAVETag = remote.ETag
	event.RemoteLastModified = utcTime(remote.LastModified)
	event.LastSynced = &now
	event.SyncedVersion = event.LocalVersion
	event.LastModifiedSource = db.ModifiedSourceRemote
	if parsed.IsCancelled() {
		event.Status = db.EventStatusCancelled
		byOrganizer := true
		event.CancelledByOrganizer = &byOrganizer
	} else {
		event.Status = db.EventStatusSynced
	}
	event.SyncConflict = false
	event.SyncConflictReason = ""
	event.SyncConflictSnapshot = nil
	event.History = append(event.History, historyEntry("synced", "Änderungen aus CalDAV übernommen"))

	if err := e.db.UpdateTrackedEvent(event); err != nil {
		log.Printf("Failed to fast-forward event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}
	return true
}

// exportCancellation propagates a cancellation. Attendee-side cancellations
// never touch the calendar; organizer-side ones mark the remote entry
// cancelled, deleting it only when no payload is stored.
func (e *Engine) exportCancellation(ctx context.Context, client CalDAVClient, calendarPath string, event *db.TrackedEvent, outcome *SyncOutcome) bool {
	if event.CancelledByOrganizer != nil && !*event.CancelledByOrganizer {
		now := time.Now().UTC()
		event.LastSynced = &now
		event.SyncedVersion = event.LocalVersion
		event.History = append(event.History, historyEntry("cancelled", "Absage ignoriert (nicht vom Ersteller)"))
		if err := e.db.UpdateTrackedEvent(event); err != nil {
			log.Printf("Failed to settle cancellation for event %s: %v", event.UID, err)
			outcome.Failed = append(outcome.Failed, event.UID)
			return false
		}
		return true
	}

	if event.CancelledByOrganizer == nil {
		log.Printf("Cancellation for event %s has no attribution, treating as organizer-initiated", event.UID)
	}

	if event.Payload == "" {
		return e.deleteRemote(ctx, client, calendarPath, event, outcome)
	}

	payload, err := ics.MarkCancelled(event.Payload)
	if err != nil {
		log.Printf("Failed to prepare cancellation payload for event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}
	etag, err := client.Upload(ctx, calendarPath, event.UID, payload)
	if err != nil {
		log.Printf("Failed to upload cancellation for event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}

	now := time.Now().UTC()
	event.LastSynced = &now
	event.SyncedVersion = event.LocalVersion
	e.refreshRemoteState(ctx, client, calendarPath, event, etag)
	event.History = append(event.History, historyEntry("cancelled", "Kalendereintrag als abgesagt markiert"))
	if err := e.db.UpdateTrackedEvent(event); err != nil {
		log.Printf("Failed to persist cancellation for event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}
	outcome.Uploaded = append(outcome.Uploaded, event.UID)
	return true
}

// deleteRemote removes the calendar object of a payload-less cancellation.
func (e *Engine) deleteRemote(ctx context.Context, client CalDAVClient, calendarPath string, event *db.TrackedEvent, outcome *SyncOutcome) bool {
	description := "Termin im Kalender entfernt"
	if err := client.DeleteByUID(ctx, calendarPath, event.UID); err != nil {
		if !errors.Is(err, caldav.ErrNotFound) {
			log.Printf("Failed to delete event %s from calendar: %v", event.UID, err)
			outcome.Failed = append(outcome.Failed, event.UID)
			return false
		}
		description = "Kein Kalendereintrag zum Entfernen gefunden"
	}

	now := time.Now().UTC()
	event.LastSynced = &now
	event.SyncedVersion = event.LocalVersion
	event.CalDAVETag = ""
	event.RemoteLastModified = nil
	event.History = append(event.History, historyEntry("cancelled", description))
	if err := e.db.UpdateTrackedEvent(event); err != nil {
		log.Printf("Failed to persist removal for event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}
	return true
}

// exportUpload pushes the stored payload. The local row changes only after
// the server accepted the write.
func (e *Engine) exportUpload(ctx context.Context, client CalDAVClient, calendarPath string, event *db.TrackedEvent, autoResponse db.ResponseStatus, outcome *SyncOutcome) bool {
	payload := event.Payload
	flipResponse := autoResponse != "" && autoResponse != db.ResponseStatusNone && event.ResponseStatus != autoResponse
	if flipResponse {
		annotated, err := ics.AnnotateResponse(payload, string(autoResponse))
		if err != nil {
			log.Printf("Failed to annotate auto response for event %s: %v", event.UID, err)
			flipResponse = false
		} else {
			payload = annotated
		}
	}

	etag, err := client.Upload(ctx, calendarPath, event.UID, payload)
	if err != nil {
		log.Printf("Failed to upload event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}

	now := time.Now().UTC()
	event.Status = db.EventStatusSynced
	event.LastSynced = &now
	event.SyncedVersion = event.LocalVersion
	if flipResponse {
		event.ResponseStatus = autoResponse
		event.Payload = payload
	}
	e.refreshRemoteState(ctx, client, calendarPath, event, etag)
	event.History = append(event.History, historyEntry("synced", "Event exported to CalDAV"))
	if flipResponse {
		event.History = append(event.History, historyEntry("response", "Automatisch zugesagt (AutoSync)"))
	}
	if err := e.db.UpdateTrackedEvent(event); err != nil {
		log.Printf("Failed to persist sync state for event %s: %v", event.UID, err)
		outcome.Failed = append(outcome.Failed, event.UID)
		return false
	}
	outcome.Uploaded = append(outcome.Uploaded, event.UID)
	return true
}

// refreshRemoteState records the server state after a successful upload. A
// missing ETag in the PUT response triggers one follow-up probe.
func (e *Engine) refreshRemoteState(ctx context.Context, client CalDAVClient, calendarPath string, event *db.TrackedEvent, etag string) {
	if etag == "" {
		remote, err := client.GetEventState(ctx, calendarPath, event.UID)
		if err != nil {
			log.Printf("Failed to refresh remote state for event %s: %v", event.UID, err)
			return
		}
		etag = remote.ETag
		event.RemoteLastModified = utcTime(remote.LastModified)
	}
	event.CalDAVETag = etag
}

// remoteComponent decodes the remote payload and picks the entry with the
// given UID, falling back to the first one.
func remoteComponent(data, uid string) (*ics.Event, error) {
	events, err := ics.DecodeAll(data)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.UID == uid {
			return ev, nil
		}
	}
	return events[0], nil
}

// remoteSnapshot renders the remote copy for conflict display.
func remoteSnapshot(remote *caldav.EventState) map[string]any {
	if remote == nil {
		return nil
	}
	snapshot, err := ics.ExtractSnapshot(remote.Data)
	if err != nil {
		snapshot = map[string]any{}
	}
	if remote.ETag != "" {
		snapshot["etag"] = remote.ETag
	}
	if remote.LastModified != nil {
		snapshot["last_modified"] = remote.LastModified.UTC().Format(time.RFC3339)
	}
	return snapshot
}
