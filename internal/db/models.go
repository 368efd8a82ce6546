package db

import (
	"time"
)

// AccountType represents the kind of a configured account.
type AccountType string

const (
	AccountTypeIMAP   AccountType = "imap"
	AccountTypeCalDAV AccountType = "caldav"
)

// ValidAccountTypes contains all valid account type values.
var ValidAccountTypes = map[AccountType]bool{
	AccountTypeIMAP:   true,
	AccountTypeCalDAV: true,
}

// IsValid returns true if the account type is a known valid value.
func (at AccountType) IsValid() bool {
	return ValidAccountTypes[at]
}

// EventStatus represents the internal state of a tracked event.
type EventStatus string

const (
	EventStatusNew       EventStatus = "new"
	EventStatusUpdated   EventStatus = "updated"
	EventStatusCancelled EventStatus = "cancelled"
	EventStatusSynced    EventStatus = "synced"
	EventStatusFailed    EventStatus = "failed"
)

// ValidEventStatuses contains all valid event status values.
var ValidEventStatuses = map[EventStatus]bool{
	EventStatusNew:       true,
	EventStatusUpdated:   true,
	EventStatusCancelled: true,
	EventStatusSynced:    true,
	EventStatusFailed:    true,
}

// IsValid returns true if the event status is a known valid value.
func (es EventStatus) IsValid() bool {
	return ValidEventStatuses[es]
}

// ResponseStatus represents the participation response for a tracked event.
type ResponseStatus string

const (
	ResponseStatusNone      ResponseStatus = "none"
	ResponseStatusAccepted  ResponseStatus = "accepted"
	ResponseStatusTentative ResponseStatus = "tentative"
	ResponseStatusDeclined  ResponseStatus = "declined"
)

// ValidResponseStatuses contains all valid response status values.
var ValidResponseStatuses = map[ResponseStatus]bool{
	ResponseStatusNone:      true,
	ResponseStatusAccepted:  true,
	ResponseStatusTentative: true,
	ResponseStatusDeclined:  true,
}

// IsValid returns true if the response status is a known valid value.
func (rs ResponseStatus) IsValid() bool {
	return ValidResponseStatuses[rs]
}

// LastModifiedSource identifies which side produced the most recent content change.
const (
	ModifiedSourceLocal  = "local"
	ModifiedSourceRemote = "remote"
)

// Account represents a configured IMAP or CalDAV account.
// Settings is an opaque blob; sensitive values are encrypted at rest.
type Account struct {
	ID        string            `json:"id"`
	Label     string            `json:"label"`
	Type      AccountType       `json:"type"`
	Settings  map[string]any    `json:"settings"`
	Folders   []FolderSelection `json:"folders"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FolderSelection marks a mailbox folder that should be scanned.
type FolderSelection struct {
	ID                string `json:"id"`
	AccountID         string `json:"account_id"`
	Name              string `json:"name"`
	IncludeSubfolders bool   `json:"include_subfolders"`
}

// SyncMapping pairs a mailbox folder with a target calendar.
type SyncMapping struct {
	ID              string `json:"id"`
	IMAPAccountID   string `json:"imap_account_id"`
	IMAPFolder      string `json:"imap_folder"`
	CalDAVAccountID string `json:"caldav_account_id"`
	CalendarURL     string `json:"calendar_url"`
	CalendarName    string `json:"calendar_name"`
}

// HistoryEntry is one append-only audit record on a tracked event.
type HistoryEntry struct {
	Timestamp   string `json:"timestamp"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// TrackedEvent is the per-UID record bridging a mailbox-origin payload and
// its remote calendar state.
type TrackedEvent struct {
	ID                   string         `json:"id"`
	UID                  string         `json:"uid"`
	MailboxMessageID     string         `json:"mailbox_message_id"`
	SourceAccountID      *string        `json:"source_account_id"`
	SourceFolder         string         `json:"source_folder"`
	Summary              string         `json:"summary"`
	Organizer            string         `json:"organizer"`
	Start                *time.Time     `json:"start"`
	End                  *time.Time     `json:"end"`
	Status               EventStatus    `json:"status"`
	ResponseStatus       ResponseStatus `json:"response_status"`
	CancelledByOrganizer *bool          `json:"cancelled_by_organizer"`
	Payload              string         `json:"payload"`
	LastSynced           *time.Time     `json:"last_synced"`
	History              []HistoryEntry `json:"history"`
	CalDAVETag           string         `json:"caldav_etag"`
	LocalVersion         int            `json:"local_version"`
	SyncedVersion        int            `json:"synced_version"`
	RemoteLastModified   *time.Time     `json:"remote_last_modified"`
	LocalLastModified    *time.Time     `json:"local_last_modified"`
	LastModifiedSource   string         `json:"last_modified_source"`
	SyncConflict         bool           `json:"sync_conflict"`
	SyncConflictReason   string         `json:"sync_conflict_reason"`
	SyncConflictSnapshot map[string]any `json:"sync_conflict_snapshot"`
	TrackingDisabled     bool           `json:"tracking_disabled"`
	MailError            string         `json:"mail_error"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// IsPendingExport reports whether the event has local changes not yet synced.
func (e *TrackedEvent) IsPendingExport() bool {
	return e.LocalVersion > e.SyncedVersion
}

// IgnoredMailImport marks a mail message that must no longer mutate an event.
// The max_uid column is stored and migrated but not yet consulted by the
// ingest path.
type IgnoredMailImport struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	AccountID *string   `json:"account_id"`
	Folder    string    `json:"folder"`
	MessageID string    `json:"message_id"`
	MaxUID    *int64    `json:"max_uid"`
	CreatedAt time.Time `json:"created_at"`
}
