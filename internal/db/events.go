package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// InsertTrackedEvent inserts a new tracked event.
func (db *DB) InsertTrackedEvent(event *TrackedEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now

	history, err := encodeHistory(event.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	snapshot, err := encodeSnapshot(event.SyncConflictSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode conflict snapshot: %w", err)
	}

	query := `INSERT INTO tracked_events (` + trackedEventsColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query,
		event.ID, event.UID, nullableString(event.MailboxMessageID), event.SourceAccountID,
		nullableString(event.SourceFolder), nullableString(event.Summary), nullableString(event.Organizer),
		nullableTime(event.Start), nullableTime(event.End), event.Status, event.ResponseStatus,
		nullableBool(event.CancelledByOrganizer), nullableString(event.Payload), nullableTime(event.LastSynced),
		history, nullableString(event.CalDAVETag), event.LocalVersion, event.SyncedVersion,
		nullableTime(event.RemoteLastModified), nullableTime(event.LocalLastModified),
		nullableString(event.LastModifiedSource), event.SyncConflict,
		nullableString(event.SyncConflictReason), snapshot,
		event.TrackingDisabled, nullableString(event.MailError), event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: uid %s", ErrDuplicate, event.UID)
		}
		return fmt.Errorf("failed to insert tracked event: %w", err)
	}

	return nil
}

// GetTrackedEvent returns a tracked event by its ID.
func (db *DB) GetTrackedEvent(id string) (*TrackedEvent, error) {
	query := `SELECT ` + trackedEventsColumns + ` FROM tracked_events WHERE id = ?`
	return scanTrackedEvent(db.conn.QueryRow(query, id))
}

// GetTrackedEventByUID returns a tracked event by its calendar object UID.
func (db *DB) GetTrackedEventByUID(uid string) (*TrackedEvent, error) {
	query := `SELECT ` + trackedEventsColumns + ` FROM tracked_events WHERE uid = ?`
	return scanTrackedEvent(db.conn.QueryRow(query, uid))
}

// ListTrackedEvents returns all tracked events that are not tracking-disabled.
func (db *DB) ListTrackedEvents() ([]*TrackedEvent, error) {
	query := `SELECT ` + trackedEventsColumns + ` FROM tracked_events
		WHERE tracking_disabled = 0 ORDER BY created_at`
	return db.queryEvents(query)
}

// ListTrackedEventsByIDs returns the tracked events matching the given IDs.
// Missing IDs are silently omitted; callers detect them by comparing lengths.
func (db *DB) ListTrackedEventsByIDs(ids []string) ([]*TrackedEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	query := `SELECT ` + trackedEventsColumns + ` FROM tracked_events
		WHERE id IN (` + placeholders + `)`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return db.queryEvents(query, args...)
}

// ListSyncCandidates returns the events eligible for bulk export for a
// mailbox account and folder: pending statuses plus cancellations whose
// latest local change has not been exported yet, excluding conflicted and
// tracking-disabled events. Settled cancellations stay out so they are not
// re-exported on every run.
func (db *DB) ListSyncCandidates(accountID, folder string) ([]*TrackedEvent, error) {
	query := `SELECT ` + trackedEventsColumns + ` FROM tracked_events
		WHERE source_account_id = ? AND source_folder = ?
		AND sync_conflict = 0 AND tracking_disabled = 0
		AND (status IN ('new', 'updated')
			OR (status = 'cancelled' AND synced_version < local_version))
		ORDER BY created_at`
	return db.queryEvents(query, accountID, folder)
}

// UpdateTrackedEvent writes all mutable fields of a tracked event.
func (db *DB) UpdateTrackedEvent(event *TrackedEvent) error {
	event.UpdatedAt = time.Now().UTC()

	history, err := encodeHistory(event.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	snapshot, err := encodeSnapshot(event.SyncConflictSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode conflict snapshot: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `UPDATE tracked_events SET
		mailbox_message_id = ?, source_account_id = ?, source_folder = ?,
		summary = ?, organizer = ?, "start" = ?, "end" = ?,
		status = ?, response_status = ?, cancelled_by_organizer = ?,
		payload = ?, last_synced = ?, history = ?, caldav_etag = ?,
		local_version = ?, synced_version = ?,
		remote_last_modified = ?, local_last_modified = ?, last_modified_source = ?,
		sync_conflict = ?, sync_conflict_reason = ?, sync_conflict_snapshot = ?,
		tracking_disabled = ?, mail_error = ?, updated_at = ?
		WHERE id = ?`

	result, err := tx.Exec(query,
		nullableString(event.MailboxMessageID), event.SourceAccountID, nullableString(event.SourceFolder),
		nullableString(event.Summary), nullableString(event.Organizer),
		nullableTime(event.Start), nullableTime(event.End),
		event.Status, event.ResponseStatus, nullableBool(event.CancelledByOrganizer),
		nullableString(event.Payload), nullableTime(event.LastSynced), history, nullableString(event.CalDAVETag),
		event.LocalVersion, event.SyncedVersion,
		nullableTime(event.RemoteLastModified), nullableTime(event.LocalLastModified),
		nullableString(event.LastModifiedSource),
		event.SyncConflict, nullableString(event.SyncConflictReason), snapshot,
		event.TrackingDisabled, nullableString(event.MailError), event.UpdatedAt,
		event.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tracked event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// AppendEventHistory appends one history entry to an event, normalizing any
// legacy history blob on the way.
func (db *DB) AppendEventHistory(eventID string, entry HistoryEntry) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var raw sql.NullString
	err = tx.QueryRow(`SELECT history FROM tracked_events WHERE id = ?`, eventID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	entries, _ := NormalizeHistory(raw.String)
	entries = append(entries, entry)

	encoded, err := encodeHistory(entries)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if _, err := tx.Exec(`UPDATE tracked_events SET history = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UTC(), eventID); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return tx.Commit()
}

// NormalizeEventHistories rewrites every malformed history blob into the
// canonical list shape. Returns the number of rows changed.
func (db *DB) NormalizeEventHistories() (int, error) {
	rows, err := db.conn.Query(`SELECT id, history FROM tracked_events`)
	if err != nil {
		return 0, fmt.Errorf("failed to query histories: %w", err)
	}
	defer rows.Close()

	type fix struct {
		id      string
		encoded string
	}
	var fixes []fix
	for rows.Next() {
		var id string
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			return 0, fmt.Errorf("failed to scan history: %w", err)
		}
		entries, changed := NormalizeHistory(raw.String)
		if !changed {
			continue
		}
		encoded, err := encodeHistory(entries)
		if err != nil {
			return 0, fmt.Errorf("failed to encode history: %w", err)
		}
		fixes = append(fixes, fix{id: id, encoded: encoded})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating histories: %w", err)
	}

	for _, f := range fixes {
		if _, err := db.conn.Exec(`UPDATE tracked_events SET history = ? WHERE id = ?`, f.encoded, f.id); err != nil {
			return 0, fmt.Errorf("failed to normalize history: %w", err)
		}
	}

	return len(fixes), nil
}

// InsertIgnoredMailImport records a mail import marker for an event.
func (db *DB) InsertIgnoredMailImport(imp *IgnoredMailImport) error {
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	imp.CreatedAt = time.Now().UTC()

	query := `INSERT INTO ignored_mail_imports (id, event_id, account_id, folder, message_id, max_uid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(query, imp.ID, imp.EventID, imp.AccountID,
		nullableString(imp.Folder), imp.MessageID, imp.MaxUID, imp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ignored mail import: %w", err)
	}

	return nil
}

// ListIgnoredMailImports returns the import markers for an event.
func (db *DB) ListIgnoredMailImports(eventID string) ([]*IgnoredMailImport, error) {
	query := `SELECT id, event_id, account_id, folder, message_id, max_uid, created_at
		FROM ignored_mail_imports WHERE event_id = ? ORDER BY created_at`

	rows, err := db.conn.Query(query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ignored mail imports: %w", err)
	}
	defer rows.Close()

	var imports []*IgnoredMailImport
	for rows.Next() {
		imp := &IgnoredMailImport{}
		var accountID sql.NullString
		var folder sql.NullString
		var maxUID sql.NullInt64
		if err := rows.Scan(&imp.ID, &imp.EventID, &accountID, &folder, &imp.MessageID, &maxUID, &imp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ignored mail import: %w", err)
		}
		if accountID.Valid {
			imp.AccountID = &accountID.String
		}
		imp.Folder = folder.String
		if maxUID.Valid {
			imp.MaxUID = &maxUID.Int64
		}
		imports = append(imports, imp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ignored mail imports: %w", err)
	}

	return imports, nil
}

// queryEvents runs a tracked-event query and scans all rows.
func (db *DB) queryEvents(query string, args ...any) ([]*TrackedEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked events: %w", err)
	}
	defer rows.Close()

	var events []*TrackedEvent
	for rows.Next() {
		event, err := scanTrackedEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked events: %w", err)
	}

	return events, nil
}

// scanTrackedEvent scans one tracked event row.
func scanTrackedEvent(row rowScanner) (*TrackedEvent, error) {
	event := &TrackedEvent{}
	var (
		mailboxMessageID, sourceAccountID, sourceFolder sql.NullString
		summary, organizer, payload                     sql.NullString
		start, end, lastSynced                          sql.NullTime
		cancelledByOrganizer                            sql.NullBool
		history, etag, modifiedSource                   sql.NullString
		remoteLastModified, localLastModified           sql.NullTime
		conflictReason, conflictSnapshot, mailError     sql.NullString
	)

	err := row.Scan(
		&event.ID, &event.UID, &mailboxMessageID, &sourceAccountID, &sourceFolder,
		&summary, &organizer, &start, &end, &event.Status, &event.ResponseStatus,
		&cancelledByOrganizer, &payload, &lastSynced, &history, &etag,
		&event.LocalVersion, &event.SyncedVersion,
		&remoteLastModified, &localLastModified, &modifiedSource,
		&event.SyncConflict, &conflictReason, &conflictSnapshot,
		&event.TrackingDisabled, &mailError, &event.CreatedAt, &event.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracked event: %w", err)
	}

	event.MailboxMessageID = mailboxMessageID.String
	if sourceAccountID.Valid {
		event.SourceAccountID = &sourceAccountID.String
	}
	event.SourceFolder = sourceFolder.String
	event.Summary = summary.String
	event.Organizer = organizer.String
	if start.Valid {
		t := start.Time.UTC()
		event.Start = &t
	}
	if end.Valid {
		t := end.Time.UTC()
		event.End = &t
	}
	if cancelledByOrganizer.Valid {
		event.CancelledByOrganizer = &cancelledByOrganizer.Bool
	}
	event.Payload = payload.String
	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		event.LastSynced = &t
	}
	event.History, _ = NormalizeHistory(history.String)
	event.CalDAVETag = etag.String
	if remoteLastModified.Valid {
		t := remoteLastModified.Time.UTC()
		event.RemoteLastModified = &t
	}
	if localLastModified.Valid {
		t := localLastModified.Time.UTC()
		event.LocalLastModified = &t
	}
	event.LastModifiedSource = modifiedSource.String
	event.SyncConflictReason = conflictReason.String
	if conflictSnapshot.Valid && conflictSnapshot.String != "" {
		if err := json.Unmarshal([]byte(conflictSnapshot.String), &event.SyncConflictSnapshot); err != nil {
			// A malformed snapshot must not make the row unreadable
			event.SyncConflictSnapshot = map[string]any{"raw": conflictSnapshot.String}
		}
	}
	event.MailError = mailError.String

	return event, nil
}

// NormalizeHistory coerces a stored history blob into the canonical entry
// list. The second return value reports whether the blob needed rewriting.
func NormalizeHistory(raw string) ([]HistoryEntry, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return nil, trimmed == "null"
	}

	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(trimmed), &entries); err == nil {
		return entries, false
	}

	// Single object form
	var single HistoryEntry
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil && (single.Action != "" || single.Description != "" || single.Timestamp != "") {
		return []HistoryEntry{single}, true
	}

	// Mixed array form: coerce each element individually
	var anyList []any
	if err := json.Unmarshal([]byte(trimmed), &anyList); err == nil {
		coerced := make([]HistoryEntry, 0, len(anyList))
		for _, item := range anyList {
			coerced = append(coerced, coerceHistoryEntry(item))
		}
		return coerced, true
	}

	// Bare string form
	var text string
	if err := json.Unmarshal([]byte(trimmed), &text); err == nil {
		return []HistoryEntry{{Description: text}}, true
	}

	// Unparseable blob: keep it as a single descriptive entry
	return []HistoryEntry{{Description: trimmed}}, true
}

// coerceHistoryEntry converts an arbitrary decoded JSON value into a history entry.
func coerceHistoryEntry(item any) HistoryEntry {
	switch v := item.(type) {
	case map[string]any:
		entry := HistoryEntry{}
		if s, ok := v["timestamp"].(string); ok {
			entry.Timestamp = s
		}
		if s, ok := v["action"].(string); ok {
			entry.Action = s
		}
		if s, ok := v["description"].(string); ok {
			entry.Description = s
		}
		return entry
	case string:
		return HistoryEntry{Description: v}
	default:
		return HistoryEntry{Description: fmt.Sprintf("%v", v)}
	}
}

// encodeHistory marshals history entries for storage.
func encodeHistory(entries []HistoryEntry) (string, error) {
	if entries == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// encodeSnapshot marshals a conflict snapshot, NULL when absent.
func encodeSnapshot(snapshot map[string]any) (any, error) {
	if len(snapshot) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// nullableTime converts a nil time pointer to NULL for storage.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullableBool converts a nil bool pointer to NULL for storage.
func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
