package web

import (
	"net/http"
	"testing"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/mailbox"
)

// buildInvite renders a single-event REQUEST calendar for scan tests.
func buildInvite(uid, summary string) string {
	return "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//Mail//DE\r\n" +
		"METHOD:REQUEST\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"DTSTART:20240506T090000Z\r\n" +
		"DTEND:20240506T100000Z\r\n" +
		"STATUS:CONFIRMED\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
}

func TestAccountLifecycle(t *testing.T) {
	env := setupWebEnv(t)
	defer env.cleanup()

	var imapID string

	t.Run("create redacts credentials", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/accounts", imapAccountPayload("Postfach"))
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}
		var created APIAccount
		decodeBody(t, w, &created)
		imapID = created.ID

		if created.Label != "Postfach" || created.Type != "imap" {
			t.Errorf("unexpected account head: %+v", created)
		}
		if created.Settings["password"] != "***" {
			t.Errorf("expected redacted password, got %v", created.Settings["password"])
		}
		if created.Settings["host"] != "imap.example.com" {
			t.Errorf("expected plain host, got %v", created.Settings["host"])
		}
		if len(created.Folders) != 1 || created.Folders[0].Name != "INBOX" {
			t.Errorf("unexpected folder selection: %+v", created.Folders)
		}
	})

	t.Run("rejects invalid payloads", func(t *testing.T) {
		tests := []struct {
			name    string
			payload map[string]any
			message string
		}{
			{
				name:    "missing label",
				payload: map[string]any{"label": "  ", "type": "imap", "settings": map[string]any{"host": "imap.example.com"}},
				message: "Label ist erforderlich",
			},
			{
				name:    "unknown type",
				payload: map[string]any{"label": "X", "type": "ldap", "settings": map[string]any{}},
				message: "Unsupported account type",
			},
			{
				name:    "imap without host",
				payload: map[string]any{"label": "X", "type": "imap", "settings": map[string]any{"port": 993}},
				message: "Ungültige IMAP Einstellungen",
			},
			{
				name: "imap with control characters in folder",
				payload: map[string]any{
					"label":        "X",
					"type":         "imap",
					"settings":     map[string]any{"host": "imap.example.com"},
					"imap_folders": []map[string]any{{"name": "INBOX\r\nLIST"}},
				},
				message: "Ungültiger Ordnername: INBOX\r\nLIST",
			},
			{
				name:    "caldav with unsupported scheme",
				payload: map[string]any{"label": "X", "type": "caldav", "settings": map[string]any{"url": "ftp://cal.example.com/"}},
				message: "Ungültige CalDAV Einstellungen",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := env.doJSON(t, http.MethodPost, "/api/accounts", tt.payload)
				if w.Code != http.StatusBadRequest {
					t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
				}
				var body map[string]any
				decodeBody(t, w, &body)
				if body["error"] != tt.message {
					t.Errorf("expected error %q, got %v", tt.message, body["error"])
				}
			})
		}
	})

	t.Run("update keeps stored secrets behind redaction", func(t *testing.T) {
		payload := imapAccountPayload("Postfach umbenannt")
		settings := payload["settings"].(map[string]any)
		settings["password"] = "***" // client resubmits what it was shown

		w := env.doJSON(t, http.MethodPut, "/api/accounts/"+imapID, payload)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var updated APIAccount
		decodeBody(t, w, &updated)
		if updated.Label != "Postfach umbenannt" {
			t.Errorf("expected the new label, got %q", updated.Label)
		}

		stored, err := env.db.GetAccount(imapID)
		if err != nil {
			t.Fatalf("failed to load account: %v", err)
		}
		decrypted, err := env.enc.DecryptSettings(stored.Settings)
		if err != nil {
			t.Fatalf("failed to decrypt settings: %v", err)
		}
		if decrypted["password"] != "mailpass" {
			t.Errorf("expected the stored password to survive, got %v", decrypted["password"])
		}
	})

	t.Run("update of unknown account fails", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/accounts/missing", imapAccountPayload("X"))
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("delete removes the account", func(t *testing.T) {
		w := env.doJSON(t, http.MethodDelete, "/api/accounts/"+imapID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}

		w = env.doJSON(t, http.MethodDelete, "/api/accounts/"+imapID, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 on repeat delete, got %d", w.Code)
		}

		w = env.doJSON(t, http.MethodGet, "/api/accounts", nil)
		var accounts []APIAccount
		decodeBody(t, w, &accounts)
		if len(accounts) != 0 {
			t.Errorf("expected no accounts left, got %d", len(accounts))
		}
	})
}

func TestConnectionProbe(t *testing.T) {
	env := setupWebEnv(t)
	defer env.cleanup()

	t.Run("imap success", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/accounts/test", map[string]any{
			"type":     "imap",
			"settings": map[string]any{"host": "imap.example.com", "port": 993, "username": "u", "password": "p"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var result APIConnectionTest
		decodeBody(t, w, &result)
		if !result.Success || result.Message != "IMAP connection successful" {
			t.Errorf("unexpected probe result: %+v", result)
		}
	})

	t.Run("imap auth failure stays in the envelope", func(t *testing.T) {
		env.mail.testErr = mailbox.ErrAuthFailed
		defer func() { env.mail.testErr = nil }()

		w := env.doJSON(t, http.MethodPost, "/api/accounts/test", map[string]any{
			"type":     "imap",
			"settings": map[string]any{"host": "imap.example.com"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var result APIConnectionTest
		decodeBody(t, w, &result)
		if result.Success {
			t.Error("expected a failed probe")
		}
		if result.Message != "Authentication failed. Please check your credentials." {
			t.Errorf("unexpected message %q", result.Message)
		}
	})

	t.Run("caldav success lists calendars", func(t *testing.T) {
		env.lister.calendars = []caldav.Calendar{{Path: "/dav/work/", Name: "Arbeit"}}
		defer func() { env.lister.calendars = nil }()

		w := env.doJSON(t, http.MethodPost, "/api/accounts/test", map[string]any{
			"type":     "caldav",
			"settings": map[string]any{"url": "https://cal.example.com/dav/", "username": "u", "password": "p"},
		})
		var result APIConnectionTest
		decodeBody(t, w, &result)
		if !result.Success {
			t.Fatalf("expected a successful probe: %+v", result)
		}
		calendars, ok := result.Details["calendars"].([]any)
		if !ok || len(calendars) != 1 {
			t.Errorf("expected one discovered calendar, got %v", result.Details)
		}
	})

	t.Run("caldav with invalid url fails inside the envelope", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/accounts/test", map[string]any{
			"type":     "caldav",
			"settings": map[string]any{"url": "not a url"},
		})
		var result APIConnectionTest
		decodeBody(t, w, &result)
		if result.Success || result.Message != "Ungültige CalDAV Einstellungen" {
			t.Errorf("unexpected probe result: %+v", result)
		}
	})

	t.Run("unsupported type is a client error", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/accounts/test", map[string]any{"type": "ldap"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
	})
}

func TestAccountCalendars(t *testing.T) {
	env := setupWebEnv(t)
	defer env.cleanup()

	imapID := createAccount(t, env, imapAccountPayload("Mail"))
	caldavID := createAccount(t, env, caldavAccountPayload("Kalender"))

	t.Run("lists calendars of a caldav account", func(t *testing.T) {
		env.lister.calendars = []caldav.Calendar{{Path: "/dav/work/", Name: "Arbeit"}, {Path: "/dav/home/", Name: "Privat"}}
		defer func() { env.lister.calendars = nil }()

		w := env.doJSON(t, http.MethodGet, "/api/accounts/"+caldavID+"/calendars", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var body map[string][]caldav.Calendar
		decodeBody(t, w, &body)
		if len(body["calendars"]) != 2 {
			t.Errorf("expected 2 calendars, got %v", body)
		}
	})

	t.Run("mail accounts have no calendars", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/accounts/"+imapID+"/calendars", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("discovery failure is a server error", func(t *testing.T) {
		env.lister.err = caldav.ErrConnectionFailed
		defer func() { env.lister.err = nil }()

		w := env.doJSON(t, http.MethodGet, "/api/accounts/"+caldavID+"/calendars", nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", w.Code)
		}
	})
}

func TestMappingLifecycle(t *testing.T) {
	env := setupWebEnv(t)
	defer env.cleanup()

	imapID := createAccount(t, env, imapAccountPayload("Mail"))
	caldavID := createAccount(t, env, caldavAccountPayload("Kalender"))

	var mappingID string

	t.Run("create validates both account types", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/sync-mappings", map[string]any{
			"imap_account_id":   caldavID, // wrong side
			"imap_folder":       "INBOX",
			"caldav_account_id": caldavID,
			"calendar_url":      "https://cal.example.com/dav/work/",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
		}
		var body map[string]any
		decodeBody(t, w, &body)
		if body["error"] != "Ungültiges IMAP Konto" {
			t.Errorf("unexpected error %v", body["error"])
		}

		w = env.doJSON(t, http.MethodPost, "/api/sync-mappings", map[string]any{
			"imap_account_id":   imapID,
			"imap_folder":       "INBOX",
			"caldav_account_id": caldavID,
			"calendar_url":      "::not-a-url::",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400 for a bad calendar URL, got %d", w.Code)
		}
	})

	t.Run("create routes a folder", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/sync-mappings", map[string]any{
			"imap_account_id":   imapID,
			"imap_folder":       "INBOX",
			"caldav_account_id": caldavID,
			"calendar_url":      "https://cal.example.com/dav/work/",
			"calendar_name":     "Arbeit",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}
		var mapping APISyncMapping
		decodeBody(t, w, &mapping)
		mappingID = mapping.ID
		if mapping.IMAPFolder != "INBOX" || mapping.CalendarName != "Arbeit" {
			t.Errorf("unexpected mapping: %+v", mapping)
		}
	})

	t.Run("update retargets the calendar", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/sync-mappings/"+mappingID, map[string]any{
			"calendar_url":  "https://cal.example.com/dav/team/",
			"calendar_name": "Team",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var mapping APISyncMapping
		decodeBody(t, w, &mapping)
		if mapping.CalendarURL != "https://cal.example.com/dav/team/" || mapping.CalendarName != "Team" {
			t.Errorf("unexpected mapping after update: %+v", mapping)
		}
	})

	t.Run("update of unknown mapping fails", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/sync-mappings/missing", map[string]any{"calendar_name": "X"})
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("delete removes the route", func(t *testing.T) {
		w := env.doJSON(t, http.MethodDelete, "/api/sync-mappings/"+mappingID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		w = env.doJSON(t, http.MethodDelete, "/api/sync-mappings/"+mappingID, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 on repeat delete, got %d", w.Code)
		}
	})
}

func TestEventEndpoints(t *testing.T) {
	env := setupWebEnv(t)
	defer env.cleanup()

	t.Run("empty store lists no events", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/events", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var events []APITrackedEvent
		decodeBody(t, w, &events)
		if len(events) != 0 {
			t.Errorf("expected no events, got %d", len(events))
		}
	})

	event := insertEvent(t, env, "event-1@example.com")

	t.Run("lists tracked events with sync state", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/events", nil)
		var events []APITrackedEvent
		decodeBody(t, w, &events)
		if len(events) != 1 {
			t.Fatalf("expected one event, got %d", len(events))
		}
		got := events[0]
		if got.UID != "event-1@example.com" || got.Status != "new" {
			t.Errorf("unexpected event head: %+v", got)
		}
		if !got.SyncState.Pending {
			t.Error("expected a pending export")
		}
		if got.SyncState.LocalVersion != 1 || got.SyncState.SyncedVersion != 0 {
			t.Errorf("unexpected version counters: %+v", got.SyncState)
		}
	})

	t.Run("records a participation answer", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/"+event.ID+"/response", map[string]any{"response": "ACCEPTED"})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var got APITrackedEvent
		decodeBody(t, w, &got)
		if got.ResponseStatus != "accepted" {
			t.Errorf("expected the accepted answer, got %q", got.ResponseStatus)
		}
		if got.SyncState.LocalVersion != 2 {
			t.Errorf("expected a version bump, got %d", got.SyncState.LocalVersion)
		}
		if len(got.History) == 0 {
			t.Error("expected an audit entry for the answer")
		}
	})

	t.Run("rejects unknown answers", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/"+event.ID+"/response", map[string]any{"response": "maybe"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
		var body map[string]any
		decodeBody(t, w, &body)
		if body["error"] != "Ungültiger Antwortstatus" {
			t.Errorf("unexpected error %v", body["error"])
		}
	})

	t.Run("unknown events yield 404", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/missing/response", map[string]any{"response": "accepted"})
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("resolving without a conflict is a client error", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/"+event.ID+"/resolve-conflict", map[string]any{"action": "force_local"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("unknown resolution actions are rejected", func(t *testing.T) {
		conflicted := insertEvent(t, env, "event-conflict@example.com")
		conflicted.SyncConflict = true
		conflicted.SyncConflictReason = "Kalendereintrag wurde extern geändert"
		if err := env.db.UpdateTrackedEvent(conflicted); err != nil {
			t.Fatalf("failed to flag conflict: %v", err)
		}

		w := env.doJSON(t, http.MethodPost, "/api/events/"+conflicted.ID+"/resolve-conflict", map[string]any{"action": "bogus"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("disable action works without a conflict", func(t *testing.T) {
		plain := insertEvent(t, env, "event-disable@example.com")
		w := env.doJSON(t, http.MethodPost, "/api/events/"+plain.ID+"/resolve-conflict", map[string]any{"action": "disable"})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var got APITrackedEvent
		decodeBody(t, w, &got)
		if !got.TrackingDisabled {
			t.Error("expected tracking to be disabled")
		}
	})

	t.Run("disable-tracking endpoint", func(t *testing.T) {
		target := insertEvent(t, env, "event-notrack@example.com")
		w := env.doJSON(t, http.MethodPost, "/api/events/"+target.ID+"/disable-tracking", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var got APITrackedEvent
		decodeBody(t, w, &got)
		if !got.TrackingDisabled {
			t.Error("expected tracking to be disabled")
		}
	})
}

func TestJobEndpoints(t *testing.T) {
	env := setupWebEnv(t)
	defer env.cleanup()

	t.Run("unknown job yields 404", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/jobs/missing", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})

	imapID := createAccount(t, env, imapAccountPayload("Mail"))
	caldavID := createAccount(t, env, caldavAccountPayload("Kalender"))
	w := env.doJSON(t, http.MethodPost, "/api/sync-mappings", map[string]any{
		"imap_account_id":   imapID,
		"imap_folder":       "INBOX",
		"caldav_account_id": caldavID,
		"calendar_url":      "https://cal.example.com/dav/work/",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("mapping creation failed with %d: %s", w.Code, w.Body.String())
	}

	uid := "scan-1@example.com"
	env.mail.candidates = []mailbox.Candidate{{
		MessageID: "<scan-1@mail>",
		Subject:   "Einladung: Planung",
		Folder:    "INBOX",
		Attachments: []mailbox.Attachment{{
			Filename:    "invite.ics",
			ContentType: "text/calendar",
			Content:     []byte(buildInvite(uid, "Planung")),
		}},
	}}

	var eventID string

	t.Run("scan imports mailbox invitations", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/scan", nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
		}
		var job map[string]any
		decodeBody(t, w, &job)
		jobID, _ := job["job_id"].(string)
		if jobID == "" {
			t.Fatal("expected a job id")
		}

		final := env.waitForJob(t, jobID)
		if final["status"] != "completed" {
			t.Fatalf("expected a completed scan, got %v", final)
		}
		detail, _ := final["detail"].(map[string]any)
		if detail["events_imported"] != float64(1) {
			t.Errorf("expected one imported event, got %v", detail)
		}

		lw := env.doJSON(t, http.MethodGet, "/api/events", nil)
		var events []APITrackedEvent
		decodeBody(t, lw, &events)
		if len(events) != 1 || events[0].UID != uid {
			t.Fatalf("expected the imported event, got %+v", events)
		}
		if !events[0].SyncState.Pending {
			t.Error("expected the import to await its first export")
		}
		eventID = events[0].ID
	})

	t.Run("manual sync exports the selected events", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/manual-sync", map[string]any{"event_ids": []string{eventID}})
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
		}
		var job map[string]any
		decodeBody(t, w, &job)
		final := env.waitForJob(t, job["job_id"].(string))
		if final["status"] != "completed" {
			t.Fatalf("expected a completed sync, got %v", final)
		}

		if len(env.calendar.uploads) == 0 || env.calendar.uploads[0] != uid {
			t.Errorf("expected an upload for %s, got %v", uid, env.calendar.uploads)
		}

		lw := env.doJSON(t, http.MethodGet, "/api/events", nil)
		var events []APITrackedEvent
		decodeBody(t, lw, &events)
		if len(events) != 1 {
			t.Fatalf("expected one event, got %d", len(events))
		}
		if events[0].SyncState.Pending {
			t.Error("expected no pending export after the sync")
		}
		if events[0].SyncState.ETag == "" {
			t.Error("expected a cached ETag after the upload")
		}
	})

	t.Run("manual sync reports unroutable events as missing", func(t *testing.T) {
		orphan := insertEvent(t, env, "orphan-1@example.com")

		w := env.doJSON(t, http.MethodPost, "/api/events/manual-sync", map[string]any{"event_ids": []string{orphan.ID}})
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
		}
		var job map[string]any
		decodeBody(t, w, &job)
		final := env.waitForJob(t, job["job_id"].(string))
		if final["status"] != "completed" {
			t.Fatalf("expected a completed run, got %v", final)
		}
		detail, _ := final["detail"].(map[string]any)
		missing, _ := detail["missing"].([]any)
		if len(missing) != 1 {
			t.Errorf("expected one missing entry, got %v", detail)
		}
	})

	t.Run("manual sync with an empty selection finishes immediately", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/manual-sync", map[string]any{"event_ids": []string{}})
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d", w.Code)
		}
		var job map[string]any
		decodeBody(t, w, &job)
		if job["status"] != "completed" {
			t.Errorf("expected an immediately completed job, got %v", job["status"])
		}
	})

	t.Run("manual sync of unknown ids yields 404", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/manual-sync", map[string]any{"event_ids": []string{"missing"}})
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
		var body map[string]any
		decodeBody(t, w, &body)
		if body["error"] != "Keine passenden Termine gefunden" {
			t.Errorf("unexpected error %v", body["error"])
		}
	})

	t.Run("sync-all runs over every mapping", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/sync-all", nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d", w.Code)
		}
		var job map[string]any
		decodeBody(t, w, &job)
		final := env.waitForJob(t, job["job_id"].(string))
		if final["status"] != "completed" {
			t.Fatalf("expected a completed run, got %v", final)
		}
	})
}

func TestAutoSyncEndpoints(t *testing.T) {
	env := setupWebEnv(t)
	defer env.cleanup()

	t.Run("status reflects the seeded preferences", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/events/auto-sync", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var status map[string]any
		decodeBody(t, w, &status)
		if status["enabled"] != false || status["interval_minutes"] != float64(5) {
			t.Errorf("unexpected initial status: %v", status)
		}
		if status["auto_response"] != "none" {
			t.Errorf("expected auto response none, got %v", status["auto_response"])
		}
	})

	t.Run("enable clamps the interval and normalizes the answer", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/auto-sync", map[string]any{
			"enabled":          true,
			"interval_minutes": 100000,
			"auto_response":    "ACCEPTED",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var status map[string]any
		decodeBody(t, w, &status)
		if status["enabled"] != true {
			t.Error("expected the cycle to be armed")
		}
		if status["interval_minutes"] != float64(720) {
			t.Errorf("expected the interval clamped to 720, got %v", status["interval_minutes"])
		}
		if status["auto_response"] != "accepted" {
			t.Errorf("expected the accepted auto response, got %v", status["auto_response"])
		}
	})

	t.Run("disable cancels the timer", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/events/auto-sync", map[string]any{
			"enabled":          false,
			"interval_minutes": 0,
			"auto_response":    "maybe",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var status map[string]any
		decodeBody(t, w, &status)
		if status["enabled"] != false {
			t.Error("expected the cycle to be disarmed")
		}
		if status["interval_minutes"] != float64(1) {
			t.Errorf("expected the interval clamped to 1, got %v", status["interval_minutes"])
		}
		if status["auto_response"] != "none" {
			t.Errorf("expected the fallback auto response, got %v", status["auto_response"])
		}
	})
}
