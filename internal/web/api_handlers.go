package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/crypto"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/engine"
	"github.com/Elmontag/calsync/internal/jobs"
	"github.com/Elmontag/calsync/internal/mailbox"
)

// categorizeConnectionError returns a user-friendly message based on common error patterns.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}
	switch {
	case errors.Is(err, caldav.ErrAuthFailed) || errors.Is(err, mailbox.ErrAuthFailed):
		return "Authentication failed. Please check your credentials."
	case errors.Is(err, caldav.ErrNotFound):
		return "Calendar not found. Please check the URL."
	}
	errStr := strings.ToLower(err.Error())

	// Categorize without exposing internal details
	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized"):
		return "Authentication failed. Please check your credentials."
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return "Access denied. Please check your permissions."
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "not found"):
		return "Calendar not found. Please check the URL."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}

// APIFolderSelection represents a mailbox folder selection in JSON format.
type APIFolderSelection struct {
	Name              string `json:"name"`
	IncludeSubfolders bool   `json:"include_subfolders"`
}

// APIAccount represents an account in JSON format for the API. Credential
// values inside settings are redacted before they leave the server.
type APIAccount struct {
	ID        string               `json:"id"`
	Label     string               `json:"label"`
	Type      string               `json:"type"`
	Settings  map[string]any       `json:"settings"`
	Folders   []APIFolderSelection `json:"imap_folders"`
	CreatedAt string               `json:"created_at"`
	UpdatedAt string               `json:"updated_at"`
}

func accountToAPI(account *db.Account) *APIAccount {
	api := &APIAccount{
		ID:        account.ID,
		Label:     account.Label,
		Type:      string(account.Type),
		Settings:  crypto.RedactSettings(account.Settings),
		Folders:   make([]APIFolderSelection, 0, len(account.Folders)),
		CreatedAt: account.CreatedAt.Format(time.RFC3339),
		UpdatedAt: account.UpdatedAt.Format(time.RFC3339),
	}
	if api.Settings == nil {
		api.Settings = map[string]any{}
	}
	for _, folder := range account.Folders {
		api.Folders = append(api.Folders, APIFolderSelection{
			Name:              folder.Name,
			IncludeSubfolders: folder.IncludeSubfolders,
		})
	}
	return api
}

// APISyncMapping represents a folder-to-calendar route in JSON format.
type APISyncMapping struct {
	ID              string `json:"id"`
	IMAPAccountID   string `json:"imap_account_id"`
	IMAPFolder      string `json:"imap_folder"`
	CalDAVAccountID string `json:"caldav_account_id"`
	CalendarURL     string `json:"calendar_url"`
	CalendarName    string `json:"calendar_name,omitempty"`
}

func mappingToAPI(mapping *db.SyncMapping) *APISyncMapping {
	return &APISyncMapping{
		ID:              mapping.ID,
		IMAPAccountID:   mapping.IMAPAccountID,
		IMAPFolder:      mapping.IMAPFolder,
		CalDAVAccountID: mapping.CalDAVAccountID,
		CalendarURL:     mapping.CalendarURL,
		CalendarName:    mapping.CalendarName,
	}
}

// APISyncState summarizes an event's position relative to its calendar copy.
type APISyncState struct {
	Pending         bool           `json:"pending"`
	LocalVersion    int            `json:"local_version"`
	SyncedVersion   int            `json:"synced_version"`
	ETag            string         `json:"etag,omitempty"`
	LastSynced      *string        `json:"last_synced"`
	Conflict        bool           `json:"conflict"`
	ConflictReason  string         `json:"conflict_reason,omitempty"`
	ConflictDetails map[string]any `json:"conflict_details,omitempty"`
}

// APITrackedEvent represents a tracked event in JSON format for the API.
type APITrackedEvent struct {
	ID                   string            `json:"id"`
	UID                  string            `json:"uid"`
	Summary              string            `json:"summary"`
	Organizer            string            `json:"organizer"`
	Start                *string           `json:"start"`
	End                  *string           `json:"end"`
	Status               string            `json:"status"`
	ResponseStatus       string            `json:"response_status"`
	CancelledByOrganizer *bool             `json:"cancelled_by_organizer"`
	SourceAccountID      *string           `json:"source_account_id"`
	SourceFolder         string            `json:"source_folder,omitempty"`
	MailboxMessageID     string            `json:"mailbox_message_id,omitempty"`
	MailError            string            `json:"mail_error,omitempty"`
	TrackingDisabled     bool              `json:"tracking_disabled"`
	History              []db.HistoryEntry `json:"history"`
	SyncState            APISyncState      `json:"sync_state"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
}

func trackedEventToAPI(event *db.TrackedEvent, conflictDetails map[string]any) *APITrackedEvent {
	api := &APITrackedEvent{
		ID:                   event.ID,
		UID:                  event.UID,
		Summary:              event.Summary,
		Organizer:            event.Organizer,
		Status:               string(event.Status),
		ResponseStatus:       string(event.ResponseStatus),
		CancelledByOrganizer: event.CancelledByOrganizer,
		SourceAccountID:      event.SourceAccountID,
		SourceFolder:         event.SourceFolder,
		MailboxMessageID:     event.MailboxMessageID,
		MailError:            event.MailError,
		TrackingDisabled:     event.TrackingDisabled,
		History:              event.History,
		CreatedAt:            event.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            event.UpdatedAt.Format(time.RFC3339),
	}
	if api.History == nil {
		api.History = []db.HistoryEntry{}
	}
	if event.Start != nil {
		start := event.Start.Format(time.RFC3339)
		api.Start = &start
	}
	if event.End != nil {
		end := event.End.Format(time.RFC3339)
		api.End = &end
	}
	api.SyncState = APISyncState{
		Pending:         event.IsPendingExport(),
		LocalVersion:    event.LocalVersion,
		SyncedVersion:   event.SyncedVersion,
		ETag:            event.CalDAVETag,
		Conflict:        event.SyncConflict,
		ConflictReason:  event.SyncConflictReason,
		ConflictDetails: conflictDetails,
	}
	if event.LastSynced != nil {
		synced := event.LastSynced.Format(time.RFC3339)
		api.SyncState.LastSynced = &synced
	}
	return api
}

// APIAccountRequest is the payload for creating or updating an account.
type APIAccountRequest struct {
	Label       string               `json:"label"`
	Type        string               `json:"type"`
	Settings    map[string]any       `json:"settings"`
	IMAPFolders []APIFolderSelection `json:"imap_folders"`
}

func folderSelections(folders []APIFolderSelection) []db.FolderSelection {
	selections := make([]db.FolderSelection, 0, len(folders))
	for _, folder := range folders {
		selections = append(selections, db.FolderSelection{
			Name:              folder.Name,
			IncludeSubfolders: folder.IncludeSubfolders,
		})
	}
	return selections
}

// validateAccountRequest checks an account payload and returns a client-safe
// message, or the empty string when the payload is acceptable.
func (h *Handlers) validateAccountRequest(req *APIAccountRequest) string {
	if strings.TrimSpace(req.Label) == "" {
		return "Label ist erforderlich"
	}
	accountType := db.AccountType(req.Type)
	if !accountType.IsValid() {
		return "Unsupported account type"
	}
	switch accountType {
	case db.AccountTypeIMAP:
		if _, err := mailbox.SettingsFromMap(req.Settings); err != nil {
			return "Ungültige IMAP Einstellungen"
		}
		for _, folder := range req.IMAPFolders {
			if err := h.validate.ValidateFolderName(folder.Name); err != nil {
				return "Ungültiger Ordnername: " + folder.Name
			}
		}
	case db.AccountTypeCalDAV:
		rawURL, _ := req.Settings["url"].(string)
		if err := h.validate.ValidateURL(rawURL, false); err != nil {
			return "Ungültige CalDAV Einstellungen"
		}
	}
	return ""
}

// APIListAccounts handles GET /api/accounts.
func (h *Handlers) APIListAccounts(c *gin.Context) {
	accounts, err := h.db.ListAccounts()
	if err != nil {
		log.Printf("Failed to list accounts: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Konten konnten nicht geladen werden")
		return
	}

	result := make([]*APIAccount, 0, len(accounts))
	for _, account := range accounts {
		result = append(result, accountToAPI(account))
	}
	c.JSON(http.StatusOK, result)
}

// APICreateAccount handles POST /api/accounts. Credential values are
// encrypted before the account is stored.
func (h *Handlers) APICreateAccount(c *gin.Context) {
	var req APIAccountRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if message := h.validateAccountRequest(&req); message != "" {
		h.respondError(c, http.StatusBadRequest, message)
		return
	}

	settings, err := h.encryptor.EncryptSettings(req.Settings)
	if err != nil {
		log.Printf("Failed to encrypt account settings: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Einstellungen konnten nicht verschlüsselt werden")
		return
	}

	account := &db.Account{
		Label:    strings.TrimSpace(req.Label),
		Type:     db.AccountType(req.Type),
		Settings: settings,
	}
	if account.Type == db.AccountTypeIMAP {
		account.Folders = folderSelections(req.IMAPFolders)
	}

	if err := h.db.CreateAccount(account); err != nil {
		log.Printf("Failed to create account: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Konto konnte nicht gespeichert werden")
		return
	}
	c.JSON(http.StatusCreated, accountToAPI(account))
}

// APIUpdateAccount handles PUT /api/accounts/:id. Redacted credential values
// in the payload keep their stored counterparts, so a client can submit the
// settings it was shown without wiping secrets.
func (h *Handlers) APIUpdateAccount(c *gin.Context) {
	existing, err := h.db.GetAccount(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		h.respondError(c, http.StatusNotFound, "Konto nicht gefunden")
		return
	}
	if err != nil {
		log.Printf("Failed to load account %s: %v", c.Param("id"), err)
		h.respondError(c, http.StatusInternalServerError, "Konto konnte nicht geladen werden")
		return
	}

	var req APIAccountRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	stored, err := h.encryptor.DecryptSettings(existing.Settings)
	if err != nil {
		log.Printf("Failed to decrypt settings for account %s: %v", existing.ID, err)
		h.respondError(c, http.StatusInternalServerError, "Einstellungen konnten nicht gelesen werden")
		return
	}
	req.Settings = crypto.RestoreRedacted(req.Settings, stored)

	if message := h.validateAccountRequest(&req); message != "" {
		h.respondError(c, http.StatusBadRequest, message)
		return
	}

	settings, err := h.encryptor.EncryptSettings(req.Settings)
	if err != nil {
		log.Printf("Failed to encrypt account settings: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Einstellungen konnten nicht verschlüsselt werden")
		return
	}

	existing.Label = strings.TrimSpace(req.Label)
	existing.Type = db.AccountType(req.Type)
	existing.Settings = settings
	if existing.Type == db.AccountTypeIMAP {
		existing.Folders = folderSelections(req.IMAPFolders)
	} else {
		existing.Folders = nil
	}

	if err := h.db.UpdateAccount(existing); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.respondError(c, http.StatusNotFound, "Konto nicht gefunden")
			return
		}
		log.Printf("Failed to update account %s: %v", existing.ID, err)
		h.respondError(c, http.StatusInternalServerError, "Konto konnte nicht gespeichert werden")
		return
	}
	c.JSON(http.StatusOK, accountToAPI(existing))
}

// APIDeleteAccount handles DELETE /api/accounts/:id. Mappings referencing the
// account disappear with it while tracked events stay behind, detached.
func (h *Handlers) APIDeleteAccount(c *gin.Context) {
	if err := h.db.DeleteAccount(c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.respondError(c, http.StatusNotFound, "Konto nicht gefunden")
			return
		}
		log.Printf("Failed to delete account %s: %v", c.Param("id"), err)
		h.respondError(c, http.StatusInternalServerError, "Konto konnte nicht gelöscht werden")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// APIConnectionTest is the outcome of a credential probe. Failures are
// reported inside the envelope, not as an HTTP error.
type APIConnectionTest struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// APIConnectionTestRequest carries unsaved credentials for a probe.
type APIConnectionTestRequest struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings"`
}

// APITestConnection handles POST /api/accounts/test. It probes the submitted
// credentials without persisting anything.
func (h *Handlers) APITestConnection(c *gin.Context) {
	var req APIConnectionTestRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := c.Request.Context()
	switch db.AccountType(req.Type) {
	case db.AccountTypeIMAP:
		settings, err := mailbox.SettingsFromMap(req.Settings)
		if err != nil {
			c.JSON(http.StatusOK, APIConnectionTest{Success: false, Message: "Ungültige IMAP Einstellungen"})
			return
		}
		if err := h.mailTester.TestConnection(ctx, settings); err != nil {
			log.Printf("IMAP connection test failed for %s: %v", settings.Host, err)
			c.JSON(http.StatusOK, APIConnectionTest{Success: false, Message: categorizeConnectionError(err)})
			return
		}
		c.JSON(http.StatusOK, APIConnectionTest{Success: true, Message: "IMAP connection successful"})

	case db.AccountTypeCalDAV:
		rawURL, _ := req.Settings["url"].(string)
		if err := h.validate.ValidateURL(rawURL, false); err != nil {
			c.JSON(http.StatusOK, APIConnectionTest{Success: false, Message: "Ungültige CalDAV Einstellungen"})
			return
		}
		username, _ := req.Settings["username"].(string)
		password, _ := req.Settings["password"].(string)
		calendars, err := h.listCalendars(ctx, engine.CalDAVSettings{URL: rawURL, Username: username, Password: password})
		if err != nil {
			log.Printf("CalDAV connection test failed for %s: %v", rawURL, err)
			c.JSON(http.StatusOK, APIConnectionTest{Success: false, Message: categorizeConnectionError(err)})
			return
		}
		c.JSON(http.StatusOK, APIConnectionTest{
			Success: true,
			Message: "CalDAV connection successful",
			Details: map[string]any{"calendars": calendars},
		})

	default:
		h.respondError(c, http.StatusBadRequest, "Unsupported account type")
	}
}

// APIAccountCalendars handles GET /api/accounts/:id/calendars. It lists the
// calendar collections reachable with the stored credentials.
func (h *Handlers) APIAccountCalendars(c *gin.Context) {
	account, err := h.db.GetAccount(c.Param("id"))
	if err != nil || account.Type != db.AccountTypeCalDAV {
		h.respondError(c, http.StatusNotFound, "CalDAV account not found")
		return
	}

	settings, err := h.engine.DecryptCalDAVSettings(account)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "Ungültige CalDAV Einstellungen")
		return
	}

	calendars, err := h.listCalendars(c.Request.Context(), settings)
	if err != nil {
		log.Printf("Calendar discovery failed for account %s: %v", account.ID, err)
		h.respondError(c, http.StatusInternalServerError, "Kalender konnten nicht geladen werden")
		return
	}
	if calendars == nil {
		calendars = []caldav.Calendar{}
	}
	c.JSON(http.StatusOK, gin.H{"calendars": calendars})
}

// APICreateMappingRequest is the payload for creating a sync mapping.
type APICreateMappingRequest struct {
	IMAPAccountID   string `json:"imap_account_id"`
	IMAPFolder      string `json:"imap_folder"`
	CalDAVAccountID string `json:"caldav_account_id"`
	CalendarURL     string `json:"calendar_url"`
	CalendarName    string `json:"calendar_name"`
}

// APIUpdateMappingRequest is the payload for updating a sync mapping. Only
// the calendar target can change; rerouting a folder means a new mapping.
type APIUpdateMappingRequest struct {
	CalendarURL  *string `json:"calendar_url"`
	CalendarName *string `json:"calendar_name"`
}

// APIListMappings handles GET /api/sync-mappings.
func (h *Handlers) APIListMappings(c *gin.Context) {
	mappings, err := h.db.ListSyncMappings()
	if err != nil {
		log.Printf("Failed to list sync mappings: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Zuordnungen konnten nicht geladen werden")
		return
	}

	result := make([]*APISyncMapping, 0, len(mappings))
	for _, mapping := range mappings {
		result = append(result, mappingToAPI(mapping))
	}
	c.JSON(http.StatusOK, result)
}

// APICreateMapping handles POST /api/sync-mappings. Both referenced accounts
// must exist and carry the matching type.
func (h *Handlers) APICreateMapping(c *gin.Context) {
	var req APICreateMappingRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	imapAccount, err := h.db.GetAccount(req.IMAPAccountID)
	if err != nil || imapAccount.Type != db.AccountTypeIMAP {
		h.respondError(c, http.StatusBadRequest, "Ungültiges IMAP Konto")
		return
	}
	caldavAccount, err := h.db.GetAccount(req.CalDAVAccountID)
	if err != nil || caldavAccount.Type != db.AccountTypeCalDAV {
		h.respondError(c, http.StatusBadRequest, "Ungültiges CalDAV Konto")
		return
	}
	if err := h.validate.ValidateFolderName(req.IMAPFolder); err != nil {
		h.respondError(c, http.StatusBadRequest, "Ungültiger Ordnername")
		return
	}
	if err := h.validate.ValidateURL(req.CalendarURL, false); err != nil {
		h.respondError(c, http.StatusBadRequest, "Ungültige Kalender-URL")
		return
	}

	mapping := &db.SyncMapping{
		IMAPAccountID:   req.IMAPAccountID,
		IMAPFolder:      req.IMAPFolder,
		CalDAVAccountID: req.CalDAVAccountID,
		CalendarURL:     req.CalendarURL,
		CalendarName:    req.CalendarName,
	}
	if err := h.db.CreateSyncMapping(mapping); err != nil {
		log.Printf("Failed to create sync mapping: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Zuordnung konnte nicht gespeichert werden")
		return
	}
	c.JSON(http.StatusCreated, mappingToAPI(mapping))
}

// APIUpdateMapping handles PUT /api/sync-mappings/:id.
func (h *Handlers) APIUpdateMapping(c *gin.Context) {
	mapping, err := h.db.GetSyncMapping(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		h.respondError(c, http.StatusNotFound, "Mapping nicht gefunden")
		return
	}
	if err != nil {
		log.Printf("Failed to load sync mapping %s: %v", c.Param("id"), err)
		h.respondError(c, http.StatusInternalServerError, "Zuordnung konnte nicht geladen werden")
		return
	}

	var req APIUpdateMappingRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CalendarURL != nil {
		if err := h.validate.ValidateURL(*req.CalendarURL, false); err != nil {
			h.respondError(c, http.StatusBadRequest, "Ungültige Kalender-URL")
			return
		}
		mapping.CalendarURL = *req.CalendarURL
	}
	if req.CalendarName != nil {
		mapping.CalendarName = *req.CalendarName
	}

	if err := h.db.UpdateSyncMapping(mapping); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.respondError(c, http.StatusNotFound, "Mapping nicht gefunden")
			return
		}
		log.Printf("Failed to update sync mapping %s: %v", mapping.ID, err)
		h.respondError(c, http.StatusInternalServerError, "Zuordnung konnte nicht gespeichert werden")
		return
	}
	c.JSON(http.StatusOK, mappingToAPI(mapping))
}

// APIDeleteMapping handles DELETE /api/sync-mappings/:id.
func (h *Handlers) APIDeleteMapping(c *gin.Context) {
	if err := h.db.DeleteSyncMapping(c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.respondError(c, http.StatusNotFound, "Mapping nicht gefunden")
			return
		}
		log.Printf("Failed to delete sync mapping %s: %v", c.Param("id"), err)
		h.respondError(c, http.StatusInternalServerError, "Zuordnung konnte nicht gelöscht werden")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// APIListEvents handles GET /api/events. Events with an open conflict carry
// the expanded conflict context so a client can render the resolution dialog
// without another round trip.
func (h *Handlers) APIListEvents(c *gin.Context) {
	events, err := h.db.ListTrackedEvents()
	if err != nil {
		log.Printf("Failed to list tracked events: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Termine konnten nicht geladen werden")
		return
	}

	details := h.engine.ConflictDetails(c.Request.Context(), events)
	result := make([]*APITrackedEvent, 0, len(events))
	for _, event := range events {
		result = append(result, trackedEventToAPI(event, details[event.ID]))
	}
	c.JSON(http.StatusOK, result)
}

// respondWithEvent reloads conflict context for a single mutated event and
// writes it back to the client.
func (h *Handlers) respondWithEvent(c *gin.Context, event *db.TrackedEvent) {
	var details map[string]any
	if event.SyncConflict {
		details = h.engine.ConflictDetails(c.Request.Context(), []*db.TrackedEvent{event})[event.ID]
	}
	c.JSON(http.StatusOK, trackedEventToAPI(event, details))
}

// APIEventResponseRequest is the payload for changing a participation answer.
type APIEventResponseRequest struct {
	Response string `json:"response"`
}

// APIUpdateEventResponse handles POST /api/events/:id/response.
func (h *Handlers) APIUpdateEventResponse(c *gin.Context) {
	var req APIEventResponseRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	response := db.ResponseStatus(strings.ToLower(strings.TrimSpace(req.Response)))
	if !response.IsValid() {
		h.respondError(c, http.StatusBadRequest, "Ungültiger Antwortstatus")
		return
	}

	event, err := h.engine.UpdateResponse(c.Request.Context(), c.Param("id"), response)
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	h.respondWithEvent(c, event)
}

// APIDisableTracking handles POST /api/events/:id/disable-tracking. The event
// stays listed but no longer participates in imports or exports.
func (h *Handlers) APIDisableTracking(c *gin.Context) {
	event, err := h.engine.DisableTracking(c.Param("id"))
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	h.respondWithEvent(c, event)
}

// APIResolveConflictRequest is the payload for settling a sync conflict.
type APIResolveConflictRequest struct {
	Action     string            `json:"action"`
	Selections map[string]string `json:"selections"`
}

// APIResolveConflict handles POST /api/events/:id/resolve-conflict.
func (h *Handlers) APIResolveConflict(c *gin.Context) {
	var req APIResolveConflictRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		event *db.TrackedEvent
		err   error
	)
	if req.Action == "disable" {
		event, err = h.engine.DisableTracking(c.Param("id"))
	} else {
		event, err = h.engine.ResolveConflict(c.Request.Context(), c.Param("id"), req.Action, req.Selections)
	}
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	h.respondWithEvent(c, event)
}

// APIScanMailboxes handles POST /api/events/scan. The scan runs in the
// background; the response carries the job handle for polling.
func (h *Handlers) APIScanMailboxes(c *gin.Context) {
	c.JSON(http.StatusAccepted, h.orch.StartScan())
}

// APIManualSyncRequest selects the tracked events for a manual export.
type APIManualSyncRequest struct {
	EventIDs []string `json:"event_ids"`
}

// APIManualSync handles POST /api/events/manual-sync.
func (h *Handlers) APIManualSync(c *gin.Context) {
	var req APIManualSyncRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.orch.StartManualSync(req.EventIDs)
	if err != nil {
		if errors.Is(err, jobs.ErrNoMatchingEvents) {
			h.respondError(c, http.StatusNotFound, "Keine passenden Termine gefunden")
			return
		}
		log.Printf("Failed to start manual sync: %v", err)
		h.respondError(c, http.StatusInternalServerError, "Synchronisation konnte nicht gestartet werden")
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// APISyncAll handles POST /api/events/sync-all.
func (h *Handlers) APISyncAll(c *gin.Context) {
	c.JSON(http.StatusAccepted, h.orch.StartSyncAll())
}

// APIJobStatus handles GET /api/jobs/:id.
func (h *Handlers) APIJobStatus(c *gin.Context) {
	job, ok := h.orch.Job(c.Param("id"))
	if !ok {
		h.respondError(c, http.StatusNotFound, "Job nicht gefunden")
		return
	}
	c.JSON(http.StatusOK, job)
}

// APIAutoSyncRequest is the payload for reconfiguring the background cycle.
type APIAutoSyncRequest struct {
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"interval_minutes"`
	AutoResponse    string `json:"auto_response"`
}

// APIAutoSyncStatus handles GET /api/events/auto-sync.
func (h *Handlers) APIAutoSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.AutoSyncStatus())
}

// APIConfigureAutoSync handles POST /api/events/auto-sync. The new settings
// take effect immediately; enabling schedules a first run right away.
func (h *Handlers) APIConfigureAutoSync(c *gin.Context) {
	var req APIAutoSyncRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	status := h.orch.SetAutoSync(req.Enabled, req.IntervalMinutes, req.AutoResponse)
	c.JSON(http.StatusOK, status)
}
