// Package engine reconciles mailbox-imported events with their CalDAV
// counterparts. The ingest path folds decoded invitations into the tracked
// store; the export path pushes pending changes to the calendar and detects
// remote divergence on the way. Version counters, the cached ETag, and the
// remote modification time together form the reconciliation state of an
// event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/crypto"
	"github.com/Elmontag/calsync/internal/db"
)

var (
	ErrInvalidSettings = errors.New("invalid account settings")
	ErrNotRoutable     = errors.New("event cannot be routed to a calendar")
	ErrNoConflict      = errors.New("event has no sync conflict")
	ErrUnknownAction   = errors.New("unknown resolution action")
)

// CalDAVClient is the slice of the calendar adapter the engine depends on.
// *caldav.Client satisfies it.
type CalDAVClient interface {
	GetEventState(ctx context.Context, calendarPath, uid string) (*caldav.EventState, error)
	Upload(ctx context.Context, calendarPath, uid, payload string) (string, error)
	DeleteByUID(ctx context.Context, calendarPath, uid string) error
	SearchOverlapping(ctx context.Context, calendarPath string, start, end time.Time) ([]caldav.RemoteEvent, error)
}

// ClientFactory builds a CalDAV client for one set of connection values.
type ClientFactory func(settings CalDAVSettings) (CalDAVClient, error)

// CalDAVSettings are the decrypted connection values of a calendar account.
type CalDAVSettings struct {
	URL      string
	Username string
	Password string
}

// Engine drives both sync directions over the tracked-event store.
type Engine struct {
	db        *db.DB
	enc       *crypto.Encryptor
	newClient ClientFactory
}

// New creates an engine backed by the real CalDAV adapter.
func New(database *db.DB, enc *crypto.Encryptor) *Engine {
	return NewWithClientFactory(database, enc, func(settings CalDAVSettings) (CalDAVClient, error) {
		return caldav.NewClient(settings.URL, settings.Username, settings.Password)
	})
}

// NewWithClientFactory creates an engine whose CalDAV clients come from the
// given factory.
func NewWithClientFactory(database *db.DB, enc *crypto.Encryptor, factory ClientFactory) *Engine {
	return &Engine{db: database, enc: enc, newClient: factory}
}

// DecryptCalDAVSettings returns the decrypted connection values of a
// calendar account.
func (e *Engine) DecryptCalDAVSettings(account *db.Account) (CalDAVSettings, error) {
	if account.Type != db.AccountTypeCalDAV {
		return CalDAVSettings{}, fmt.Errorf("%w: account %s is not a caldav account", ErrInvalidSettings, account.ID)
	}
	decrypted, err := e.enc.DecryptSettings(account.Settings)
	if err != nil {
		return CalDAVSettings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	settings := CalDAVSettings{
		URL:      stringSetting(decrypted, "url"),
		Username: stringSetting(decrypted, "username"),
		Password: stringSetting(decrypted, "password"),
	}
	if settings.URL == "" {
		return CalDAVSettings{}, fmt.Errorf("%w: url is required", ErrInvalidSettings)
	}
	return settings, nil
}

// routeForExport resolves the sync mapping and calendar credentials of an
// event's source folder.
func (e *Engine) routeForExport(event *db.TrackedEvent) (*db.SyncMapping, CalDAVSettings, error) {
	if event.SourceAccountID == nil || event.SourceFolder == "" {
		return nil, CalDAVSettings{}, fmt.Errorf("%w: event %s has no source information", ErrNotRoutable, event.ID)
	}
	mapping, err := e.db.GetMappingForSource(*event.SourceAccountID, event.SourceFolder)
	if err != nil {
		return nil, CalDAVSettings{}, fmt.Errorf("%w: no mapping for account %s folder %s", ErrNotRoutable, *event.SourceAccountID, event.SourceFolder)
	}
	account, err := e.db.GetAccount(mapping.CalDAVAccountID)
	if err != nil {
		return nil, CalDAVSettings{}, fmt.Errorf("%w: calendar account %s not found", ErrNotRoutable, mapping.CalDAVAccountID)
	}
	settings, err := e.DecryptCalDAVSettings(account)
	if err != nil {
		return nil, CalDAVSettings{}, err
	}
	return mapping, settings, nil
}

func stringSetting(settings map[string]any, key string) string {
	value, _ := settings[key].(string)
	return value
}

func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// historyEntry builds an audit record stamped with the current UTC time.
func historyEntry(action, description string) db.HistoryEntry {
	return db.HistoryEntry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Action:      action,
		Description: description,
	}
}
