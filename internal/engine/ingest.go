package engine

import (
	"errors"
	"log"
	"time"

	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/ics"
)

// Source identifies where a scanned payload came from.
type Source struct {
	AccountID string
	Folder    string
	MessageID string
}

// ImportResult summarizes one ingest batch.
type ImportResult struct {
	EventIDs  []string
	Created   int
	Updated   int
	Unchanged int
}

// IngestEvents upserts a batch of decoded events into the tracked store,
// keyed by UID. Ingesting an identical payload again is a no-op so a re-scan
// of old mail never marks a synced event pending.
func (e *Engine) IngestEvents(parsed []*ics.Event, source Source) (*ImportResult, error) {
	result := &ImportResult{}
	for _, ev := range parsed {
		event, err := e.db.GetTrackedEventByUID(ev.UID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			created, err := e.createTrackedEvent(ev, source)
			if err != nil {
				return result, err
			}
			result.EventIDs = append(result.EventIDs, created.ID)
			result.Created++
		case err != nil:
			return result, err
		default:
			changed, err := e.applyParsedEvent(event, ev, source)
			if err != nil {
				return result, err
			}
			result.EventIDs = append(result.EventIDs, event.ID)
			if changed {
				result.Updated++
			} else {
				result.Unchanged++
			}
		}
	}
	return result, nil
}

func (e *Engine) createTrackedEvent(ev *ics.Event, source Source) (*db.TrackedEvent, error) {
	now := time.Now().UTC()
	status := db.EventStatusNew
	if ev.IsCancelled() {
		status = db.EventStatusCancelled
	}

	event := &db.TrackedEvent{
		UID:                ev.UID,
		MailboxMessageID:   source.MessageID,
		SourceFolder:       source.Folder,
		Summary:            ev.Summary,
		Organizer:          ev.Organizer,
		Start:              utcTime(ev.Start),
		End:                utcTime(ev.End),
		Status:             status,
		ResponseStatus:     db.ResponseStatusNone,
		Payload:            ev.Payload,
		LocalVersion:       1,
		SyncedVersion:      0,
		LocalLastModified:  &now,
		LastModifiedSource: db.ModifiedSourceLocal,
		History: []db.HistoryEntry{
			historyEntry(string(status), "Event processed from message "+source.MessageID),
		},
	}
	if source.AccountID != "" {
		accountID := source.AccountID
		event.SourceAccountID = &accountID
	}
	if status == db.EventStatusCancelled {
		byOrganizer := ev.Method == ics.MethodCancel
		event.CancelledByOrganizer = &byOrganizer
	}
	if reply := replyResponse(ev); reply != "" {
		event.ResponseStatus = reply
		if annotated, err := ics.AnnotateResponse(event.Payload, string(reply)); err == nil {
			event.Payload = annotated
		}
	}

	if err := e.db.InsertTrackedEvent(event); err != nil {
		return nil, err
	}
	log.Printf("Stored new event %s", ev.UID)
	return event, nil
}

// applyParsedEvent folds a re-received payload into an existing event. The
// return value reports whether a content, status, or response change was
// recorded; source metadata updates alone do not count.
func (e *Engine) applyParsedEvent(event *db.TrackedEvent, ev *ics.Event, source Source) (bool, error) {
	contentChanged := false

	if event.Summary != ev.Summary {
		event.Summary = ev.Summary
		contentChanged = true
	}
	if event.Organizer != ev.Organizer {
		event.Organizer = ev.Organizer
		contentChanged = true
	}
	if !timesEqual(event.Start, ev.Start) {
		event.Start = utcTime(ev.Start)
		contentChanged = true
	}
	if !timesEqual(event.End, ev.End) {
		event.End = utcTime(ev.End)
		contentChanged = true
	}

	// Compare against the incoming payload carrying the same response
	// annotation the stored one does, so an unchanged mail stays unchanged.
	incoming := ev.Payload
	if event.ResponseStatus != db.ResponseStatusNone {
		if annotated, err := ics.AnnotateResponse(incoming, string(event.ResponseStatus)); err == nil {
			incoming = annotated
		}
	}
	if event.Payload != incoming {
		event.Payload = incoming
		contentChanged = true
	}

	statusChanged := false
	switch {
	case ev.IsCancelled():
		byOrganizer := ev.Method == ics.MethodCancel
		if event.Status != db.EventStatusCancelled {
			event.Status = db.EventStatusCancelled
			statusChanged = true
		}
		if event.CancelledByOrganizer == nil || *event.CancelledByOrganizer != byOrganizer {
			event.CancelledByOrganizer = &byOrganizer
			statusChanged = true
		}
	case event.Status == db.EventStatusCancelled:
		// Reopened: the cancellation no longer holds.
		event.Status = db.EventStatusUpdated
		event.CancelledByOrganizer = nil
		contentChanged = true
		statusChanged = true
	case contentChanged && event.Status != db.EventStatusUpdated:
		event.Status = db.EventStatusUpdated
		statusChanged = true
	}

	responseChanged := false
	if reply := replyResponse(ev); reply != "" && reply != event.ResponseStatus {
		event.ResponseStatus = reply
		responseChanged = true
		if annotated, err := ics.AnnotateResponse(event.Payload, string(reply)); err == nil {
			event.Payload = annotated
		}
	}

	metadataChanged := false
	if source.MessageID != "" && event.MailboxMessageID != source.MessageID {
		event.MailboxMessageID = source.MessageID
		metadataChanged = true
	}
	if source.AccountID != "" && (event.SourceAccountID == nil || *event.SourceAccountID != source.AccountID) {
		accountID := source.AccountID
		event.SourceAccountID = &accountID
		metadataChanged = true
	}
	if source.Folder != "" && event.SourceFolder != source.Folder {
		event.SourceFolder = source.Folder
		metadataChanged = true
	}

	changed := contentChanged || statusChanged || responseChanged
	if contentChanged || responseChanged {
		now := time.Now().UTC()
		event.LocalVersion++
		event.LocalLastModified = &now
		event.LastModifiedSource = db.ModifiedSourceLocal
		event.SyncConflict = false
		event.SyncConflictReason = ""
		event.SyncConflictSnapshot = nil
	}
	if changed {
		action := string(event.Status)
		if !contentChanged && !statusChanged {
			action = "response"
		}
		event.History = append(event.History, historyEntry(action, "Event processed from message "+source.MessageID))
		log.Printf("Updated event %s", ev.UID)
	}

	if changed || metadataChanged {
		if err := e.db.UpdateTrackedEvent(event); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// replyResponse maps a REPLY participation answer onto the stored enum.
func replyResponse(ev *ics.Event) db.ResponseStatus {
	switch ev.ReplyStatus() {
	case "ACCEPTED":
		return db.ResponseStatusAccepted
	case "TENTATIVE":
		return db.ResponseStatusTentative
	case "DECLINED":
		return db.ResponseStatusDeclined
	default:
		return ""
	}
}

// timesEqual compares two instants modulo timezone normalization.
func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UTC().Equal(b.UTC())
}
