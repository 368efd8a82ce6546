package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/crypto"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/ics"
)

const testSecret = "engine-test-secret"

// testEnv holds the engine test dependencies.
type testEnv struct {
	engine  *Engine
	db      *db.DB
	enc     *crypto.Encryptor
	client  *fakeClient
	cleanup func()
}

// setupTestEngine creates an engine over a temp database and a fake CalDAV
// client.
func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-engine-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	enc, err := crypto.NewEncryptor(testSecret)
	if err != nil {
		database.Close()
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create encryptor: %v", err)
	}

	client := newFakeClient()
	eng := NewWithClientFactory(database, enc, func(settings CalDAVSettings) (CalDAVClient, error) {
		return client, nil
	})

	return &testEnv{
		engine: eng,
		db:     database,
		enc:    enc,
		client: client,
		cleanup: func() {
			database.Close()
			os.RemoveAll(tempDir)
		},
	}
}

// fakeClient is an in-memory stand-in for the CalDAV adapter.
type fakeClient struct {
	states    map[string]*caldav.EventState
	stateErr  error
	uploadErr error
	deleteErr error
	searchErr error
	etag      string
	overlaps  []caldav.RemoteEvent

	uploads  []string
	uploaded map[string]string
	deleted  []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		states:   make(map[string]*caldav.EventState),
		uploaded: make(map[string]string),
		etag:     `"etag-up-1"`,
	}
}

func (f *fakeClient) GetEventState(_ context.Context, _, uid string) (*caldav.EventState, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	state, ok := f.states[uid]
	if !ok {
		return nil, caldav.ErrNotFound
	}
	return state, nil
}

func (f *fakeClient) Upload(_ context.Context, _, uid, payload string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, uid)
	f.uploaded[uid] = payload
	return f.etag, nil
}

func (f *fakeClient) DeleteByUID(_ context.Context, _, uid string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, uid)
	return nil
}

func (f *fakeClient) SearchOverlapping(_ context.Context, _ string, _, _ time.Time) ([]caldav.RemoteEvent, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.overlaps, nil
}

// createMailAccount inserts an IMAP account.
func createMailAccount(t *testing.T, env *testEnv, label string) *db.Account {
	t.Helper()

	settings, err := env.enc.EncryptSettings(map[string]any{
		"host":     "imap.example.com",
		"port":     float64(993),
		"username": "mailuser",
		"password": "mailpass",
		"use_ssl":  true,
	})
	if err != nil {
		t.Fatalf("failed to encrypt settings: %v", err)
	}
	account := &db.Account{Label: label, Type: db.AccountTypeIMAP, Settings: settings}
	if err := env.db.CreateAccount(account); err != nil {
		t.Fatalf("failed to create mail account: %v", err)
	}
	return account
}

// createCalendarAccount inserts a CalDAV account with encrypted credentials.
func createCalendarAccount(t *testing.T, env *testEnv, label string) *db.Account {
	t.Helper()

	settings, err := env.enc.EncryptSettings(map[string]any{
		"url":      "https://cal.example.com/dav/",
		"username": "caluser",
		"password": "calpass",
	})
	if err != nil {
		t.Fatalf("failed to encrypt settings: %v", err)
	}
	account := &db.Account{Label: label, Type: db.AccountTypeCalDAV, Settings: settings}
	if err := env.db.CreateAccount(account); err != nil {
		t.Fatalf("failed to create calendar account: %v", err)
	}
	return account
}

// createRoute wires a mail account folder to a calendar and returns both
// sides plus the mapping.
func createRoute(t *testing.T, env *testEnv, folder string) (*db.Account, *db.SyncMapping) {
	t.Helper()

	mail := createMailAccount(t, env, "Mail "+folder)
	calendar := createCalendarAccount(t, env, "Kalender "+folder)
	mapping := &db.SyncMapping{
		IMAPAccountID:   mail.ID,
		IMAPFolder:      folder,
		CalDAVAccountID: calendar.ID,
		CalendarURL:     "https://cal.example.com/dav/calendars/work/",
		CalendarName:    "Arbeit",
	}
	if err := env.db.CreateSyncMapping(mapping); err != nil {
		t.Fatalf("failed to create sync mapping: %v", err)
	}
	return mail, mapping
}

// invitePayload builds a single-event REQUEST calendar.
func invitePayload(uid, summary, dtstart, dtend string) string {
	return "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//Mail//DE\r\n" +
		"METHOD:REQUEST\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"DTSTART:" + dtstart + "\r\n" +
		"DTEND:" + dtend + "\r\n" +
		"STATUS:CONFIRMED\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
}

// cancelPayload builds a single-event cancellation with a chosen METHOD.
func cancelPayload(uid, summary, method string) string {
	return "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//Mail//DE\r\n" +
		"METHOD:" + method + "\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"DTSTART:20240101T090000Z\r\n" +
		"DTEND:20240101T100000Z\r\n" +
		"STATUS:CANCELLED\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
}

// ingestPayload decodes a payload and feeds it through the ingest path.
func ingestPayload(t *testing.T, env *testEnv, payload string, source Source) *ImportResult {
	t.Helper()

	events, err := ics.DecodeAll(payload)
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	result, err := env.engine.IngestEvents(events, source)
	if err != nil {
		t.Fatalf("failed to ingest events: %v", err)
	}
	return result
}

// timePtr returns a pointer to the given instant.
func timePtr(t time.Time) *time.Time {
	return &t
}
