// Package jobs runs the long operations of the sync bridge as background
// jobs: mailbox scans, manual and full calendar syncs, and the periodic
// auto-sync cycle. Each run is tracked in an in-memory registry that the
// HTTP layer polls by job id.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Elmontag/calsync/internal/crypto"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/engine"
	"github.com/Elmontag/calsync/internal/ics"
	"github.com/Elmontag/calsync/internal/mailbox"
)

// ErrNoMatchingEvents is returned when none of the requested event ids exist.
var ErrNoMatchingEvents = errors.New("no matching events")

// jobTimeout bounds one background run end to end.
const jobTimeout = 30 * time.Minute

// autoSyncTimerID keys the scheduler timer driving the periodic cycle.
const autoSyncTimerID = "auto-sync"

// MailFetcher is the slice of the mailbox fetcher the orchestrator depends
// on. *mailbox.Fetcher satisfies it.
type MailFetcher interface {
	FetchCandidates(ctx context.Context, settings mailbox.Settings, selections []mailbox.FolderSelection, progress func(done, total int)) ([]mailbox.Candidate, error)
}

// Notifier receives operational alerts from background runs.
type Notifier interface {
	AutoSyncFailed(jobID, message string)
	AutoSyncRecovered(jobID string)
	ConflictsDetected(uids []string)
}

// AutoSyncPreferences are the stored settings of the periodic cycle.
type AutoSyncPreferences struct {
	Enabled         bool
	IntervalMinutes int
	AutoResponse    db.ResponseStatus
}

// AutoSyncStatus is the wire form of the periodic cycle's configuration.
// Enabled reflects whether the timer is armed right now.
type AutoSyncStatus struct {
	Enabled         bool              `json:"enabled"`
	IntervalMinutes int               `json:"interval_minutes"`
	AutoResponse    db.ResponseStatus `json:"auto_response"`
}

// MissingEvent explains why one requested event was skipped by a manual sync.
type MissingEvent struct {
	EventID   string `json:"event_id"`
	UID       string `json:"uid"`
	AccountID string `json:"account_id,omitempty"`
	Folder    string `json:"folder,omitempty"`
	Reason    string `json:"reason"`
}

// Orchestrator launches background jobs over the tracked-event store and
// owns the periodic auto-sync cycle.
type Orchestrator struct {
	db        *db.DB
	engine    *engine.Engine
	enc       *crypto.Encryptor
	fetcher   MailFetcher
	registry  *Registry
	scheduler *Scheduler

	autoSync singleFlight

	mu              sync.Mutex
	prefs           AutoSyncPreferences
	notifier        Notifier
	lastAutoSyncJob string
	autoSyncFailing bool
}

// New creates an orchestrator. The preferences seed the auto-sync cycle;
// Start arms it when enabled.
func New(database *db.DB, eng *engine.Engine, enc *crypto.Encryptor, fetcher MailFetcher, prefs AutoSyncPreferences) *Orchestrator {
	prefs.IntervalMinutes = ClampInterval(prefs.IntervalMinutes)
	if prefs.AutoResponse != db.ResponseStatusAccepted {
		prefs.AutoResponse = db.ResponseStatusNone
	}
	return &Orchestrator{
		db:        database,
		engine:    eng,
		enc:       enc,
		fetcher:   fetcher,
		registry:  NewRegistry(),
		scheduler: NewScheduler(),
		prefs:     prefs,
	}
}

// SetNotifier wires an alert sink. Pass nil to disable.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = n
}

// Start arms the periodic cycle when it is enabled in the stored preferences.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	enabled := o.prefs.Enabled
	minutes := o.prefs.IntervalMinutes
	o.mu.Unlock()
	if !enabled {
		return
	}
	o.scheduler.Schedule(autoSyncTimerID, minutes, func() { o.RunAutoSync() })
	log.Println("Auto sync enabled")
}

// Stop disarms the periodic timer and waits for its callbacks. Job bodies
// already in flight finish on their own.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
}

// Job returns a snapshot of one registry entry.
func (o *Orchestrator) Job(id string) (*Job, bool) {
	return o.registry.Get(id)
}

// FailJob cooperatively aborts a job. The running body observes the failed
// state at its next loop boundary; partial progress stays visible.
func (o *Orchestrator) FailJob(id, message string) bool {
	return o.registry.Fail(id, message)
}

// LastAutoSync returns the snapshot of the most recent periodic run.
func (o *Orchestrator) LastAutoSync() (*Job, bool) {
	o.mu.Lock()
	id := o.lastAutoSyncJob
	o.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return o.registry.Get(id)
}

// ============================================================================
// Job launchers
// ============================================================================

// StartScan launches a mailbox scan and returns its job handle.
func (o *Orchestrator) StartScan() *Job {
	job := o.registry.Create("scan")
	o.runJob(job.ID, "Postfach-Scan fehlgeschlagen", nil, o.executeScan)
	return job
}

// StartManualSync launches an export of the given events. Events that cannot
// be synced are reported under the missing key of the job detail instead of
// failing the run. An empty id list yields an immediately completed job;
// ids that match nothing yield ErrNoMatchingEvents.
func (o *Orchestrator) StartManualSync(eventIDs []string) (*Job, error) {
	if len(eventIDs) == 0 {
		job := o.registry.Create("manual-sync")
		o.registry.Complete(job.ID, map[string]any{
			"uploaded": []string{},
			"missing":  []MissingEvent{},
		})
		completed, _ := o.registry.Get(job.ID)
		return completed, nil
	}

	events, err := o.db.ListTrackedEventsByIDs(eventIDs)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNoMatchingEvents
	}

	groups, missing := o.partitionForSync(events)
	if len(missing) > 0 {
		log.Printf("Manual sync completed with missing mappings: %v", missing)
	}

	job := o.registry.Create("manual-sync")
	o.runJob(job.ID, "Manuelle Synchronisation fehlgeschlagen", nil, func(ctx context.Context, jobID string) (map[string]any, error) {
		return o.executeManualSync(ctx, jobID, groups, missing)
	})
	return job, nil
}

// StartSyncAll launches an export pass over every configured mapping.
func (o *Orchestrator) StartSyncAll() *Job {
	job := o.registry.Create("sync-all")
	o.runJob(job.ID, "Kalendersynchronisation fehlgeschlagen", nil, func(ctx context.Context, jobID string) (map[string]any, error) {
		return o.executeSyncAll(ctx, jobID, false)
	})
	return job
}

// RunAutoSync runs one scan-then-sync cycle with the configured auto-response
// preference. Only one cycle runs at a time: a trigger while one is in flight
// is dropped and returns the running job's id with false.
func (o *Orchestrator) RunAutoSync() (string, bool) {
	jobID, acquired := o.autoSync.acquire(func() string {
		return o.registry.Create("auto-sync").ID
	})
	if !acquired {
		log.Printf("Auto-sync already running as job %s, dropping trigger", jobID)
		return jobID, false
	}

	o.mu.Lock()
	o.lastAutoSyncJob = jobID
	o.mu.Unlock()

	done := func(final *Job) {
		o.autoSync.release(jobID)
		o.noteAutoSyncResult(final)
	}
	o.runJob(jobID, "Automatische Synchronisation fehlgeschlagen", done, o.executeAutoSync)
	return jobID, true
}

// ============================================================================
// Auto-sync configuration
// ============================================================================

// AutoSyncStatus reports the current periodic-cycle configuration.
func (o *Orchestrator) AutoSyncStatus() AutoSyncStatus {
	o.mu.Lock()
	prefs := o.prefs
	o.mu.Unlock()
	return AutoSyncStatus{
		Enabled:         o.scheduler.IsActive(autoSyncTimerID),
		IntervalMinutes: prefs.IntervalMinutes,
		AutoResponse:    prefs.AutoResponse,
	}
}

// SetAutoSync reconfigures the periodic cycle. Enabling arms the timer with
// the clamped interval; disabling cancels it. Unsupported auto-response
// values fall back to none.
func (o *Orchestrator) SetAutoSync(enabled bool, intervalMinutes int, autoResponse string) AutoSyncStatus {
	minutes := ClampInterval(intervalMinutes)
	response := NormalizeAutoResponse(autoResponse)

	o.mu.Lock()
	o.prefs.Enabled = enabled
	o.prefs.IntervalMinutes = minutes
	o.prefs.AutoResponse = response
	o.mu.Unlock()

	if enabled {
		o.scheduler.Schedule(autoSyncTimerID, minutes, func() { o.RunAutoSync() })
		log.Println("Auto sync enabled")
	} else {
		o.scheduler.Cancel(autoSyncTimerID)
		log.Println("Auto sync disabled")
	}
	return o.AutoSyncStatus()
}

// NormalizeAutoResponse maps a requested auto-response preference onto the
// supported subset. Only accepted flips answers on upload; anything else
// falls back to none, unknown values with a warning.
func NormalizeAutoResponse(raw string) db.ResponseStatus {
	switch response := db.ResponseStatus(strings.ToLower(strings.TrimSpace(raw))); response {
	case db.ResponseStatusNone, db.ResponseStatusAccepted:
		return response
	case "":
		return db.ResponseStatusNone
	default:
		log.Printf("Unsupported auto response %s, falling back to NONE", raw)
		return db.ResponseStatusNone
	}
}

// ============================================================================
// Job bodies
// ============================================================================

type jobBody func(ctx context.Context, jobID string) (map[string]any, error)

// runJob executes a job body in its own goroutine with panic recovery and a
// run-wide timeout. A body error fails the job with a user-facing message;
// otherwise the returned detail becomes the final payload. done, when set,
// receives the terminal snapshot.
func (o *Orchestrator) runJob(jobID, failPrefix string, done func(final *Job), body jobBody) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Printf("Job %s panicked: %v", jobID, recovered)
				o.registry.Fail(jobID, failPrefix+": interner Fehler")
			}
			if done != nil {
				if final, ok := o.registry.Get(jobID); ok {
					done(final)
				}
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		o.registry.Start(jobID)
		detail, err := body(ctx, jobID)
		if err != nil {
			log.Printf("Job %s failed: %v", jobID, err)
			o.registry.Fail(jobID, fmt.Sprintf("%s: %v", failPrefix, err))
			return
		}
		o.registry.Complete(jobID, detail)
	}()
}

// executeScan walks every mail account, fetches calendar candidates from the
// selected folders and feeds the decoded events into the ingest path. One
// broken account or attachment never stops the rest.
func (o *Orchestrator) executeScan(ctx context.Context, jobID string) (map[string]any, error) {
	accounts, err := o.db.ListAccountsByType(db.AccountTypeIMAP)
	if err != nil {
		return nil, fmt.Errorf("list mail accounts: %w", err)
	}

	messagesProcessed := 0
	eventsImported := 0
	for _, account := range accounts {
		if o.registry.IsFailed(jobID) {
			return nil, nil
		}
		settings, selections, err := o.imapSettings(account)
		if err != nil {
			log.Printf("Skipping mail account %s: %v", account.ID, err)
			continue
		}
		o.registry.SetDetail(jobID, map[string]any{
			"phase":       "scan",
			"description": fmt.Sprintf("Durchsuche %s", account.Label),
		})

		lastDone, lastTotal := 0, 0
		candidates, err := o.fetcher.FetchCandidates(ctx, settings, selections, func(done, total int) {
			o.registry.Increment(jobID, done-lastDone, total-lastTotal)
			lastDone, lastTotal = done, total
		})
		messagesProcessed += lastDone
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Printf("Mailbox scan failed for account %s: %v", account.ID, err)
			continue
		}

		for _, candidate := range candidates {
			for _, attachment := range candidate.Attachments {
				parsed, err := ics.DecodeAll(string(attachment.Content))
				if err != nil {
					log.Printf("Skipping unreadable calendar part %s in %s: %v", attachment.Filename, candidate.Folder, err)
					continue
				}
				result, err := o.engine.IngestEvents(parsed, engine.Source{
					AccountID: account.ID,
					Folder:    candidate.Folder,
					MessageID: candidate.MessageID,
				})
				if err != nil {
					return nil, fmt.Errorf("ingest events from %s: %w", candidate.Folder, err)
				}
				eventsImported += len(result.EventIDs)
			}
		}
	}

	return map[string]any{
		"messages_processed": messagesProcessed,
		"events_imported":    eventsImported,
	}, nil
}

// executeManualSync exports the pre-flighted groups mapping by mapping. The
// missing entries collected during pre-flight ride along into the detail.
func (o *Orchestrator) executeManualSync(ctx context.Context, jobID string, groups []*syncGroup, missing []MissingEvent) (map[string]any, error) {
	total := 0
	for _, group := range groups {
		total += len(group.events)
	}
	if total > 0 {
		o.registry.Increment(jobID, 0, total)
	}

	uploaded := []string{}
	var conflicted []string
	for _, group := range groups {
		if o.registry.IsFailed(jobID) {
			return nil, nil
		}
		o.registry.SetDetail(jobID, map[string]any{
			"phase":       "sync",
			"description": fmt.Sprintf("Synchronisiere %s", group.mapping.CalendarName),
		})
		outcome, err := o.engine.SyncEventsToCalendar(ctx, group.events, group.mapping.CalendarURL, group.settings, engine.SyncOptions{
			Progress: func(_ *db.TrackedEvent, _ bool) {
				o.registry.Increment(jobID, 1, 0)
			},
		})
		if outcome != nil {
			uploaded = append(uploaded, outcome.Uploaded...)
			conflicted = append(conflicted, outcome.Conflicted...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Printf("Kalendersync für Mapping %s fehlgeschlagen: %v", group.mapping.ID, err)
		}
	}
	o.notifyConflicts(conflicted)

	return map[string]any{
		"uploaded": uploaded,
		"missing":  missing,
	}, nil
}

// executeSyncAll exports the pending candidates of every mapping. A mapping
// with a broken calendar account is logged and skipped.
func (o *Orchestrator) executeSyncAll(ctx context.Context, jobID string, applyAutoResponse bool) (map[string]any, error) {
	mappings, err := o.db.ListSyncMappings()
	if err != nil {
		return nil, fmt.Errorf("list sync mappings: %w", err)
	}

	autoResponse := db.ResponseStatusNone
	if applyAutoResponse {
		o.mu.Lock()
		if o.prefs.AutoResponse == db.ResponseStatusAccepted {
			autoResponse = db.ResponseStatusAccepted
		}
		o.mu.Unlock()
	}

	uploaded := []string{}
	var conflicted []string
	for _, mapping := range mappings {
		if o.registry.IsFailed(jobID) {
			return nil, nil
		}
		account, err := o.db.GetAccount(mapping.CalDAVAccountID)
		if err != nil {
			log.Printf("CalDAV account %s not found", mapping.CalDAVAccountID)
			continue
		}
		settings, err := o.engine.DecryptCalDAVSettings(account)
		if err != nil {
			log.Printf("Ungültige CalDAV Einstellungen für Konto %s: %v", account.ID, err)
			continue
		}
		events, err := o.db.ListSyncCandidates(mapping.IMAPAccountID, mapping.IMAPFolder)
		if err != nil {
			return nil, fmt.Errorf("list sync candidates: %w", err)
		}
		if len(events) == 0 {
			continue
		}

		o.registry.Increment(jobID, 0, len(events))
		o.registry.SetDetail(jobID, map[string]any{
			"phase":       "sync",
			"description": fmt.Sprintf("Synchronisiere %s", mapping.CalendarName),
		})
		outcome, err := o.engine.SyncEventsToCalendar(ctx, events, mapping.CalendarURL, settings, engine.SyncOptions{
			AutoResponse: autoResponse,
			Progress: func(_ *db.TrackedEvent, _ bool) {
				o.registry.Increment(jobID, 1, 0)
			},
		})
		if outcome != nil {
			uploaded = append(uploaded, outcome.Uploaded...)
			conflicted = append(conflicted, outcome.Conflicted...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Printf("Kalendersync für Mapping %s fehlgeschlagen: %v", mapping.ID, err)
		}
	}
	o.notifyConflicts(conflicted)

	return map[string]any{
		"uploaded": uploaded,
		"missing":  []MissingEvent{},
	}, nil
}

// executeAutoSync chains a scan and a full sync under one job, applying the
// auto-response preference to fresh uploads.
func (o *Orchestrator) executeAutoSync(ctx context.Context, jobID string) (map[string]any, error) {
	scanDetail, err := o.executeScan(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if o.registry.IsFailed(jobID) {
		return nil, nil
	}
	syncDetail, err := o.executeSyncAll(ctx, jobID, true)
	if err != nil {
		return nil, err
	}

	detail := make(map[string]any, len(scanDetail)+len(syncDetail))
	for key, value := range scanDetail {
		detail[key] = value
	}
	for key, value := range syncDetail {
		detail[key] = value
	}
	return detail, nil
}

// ============================================================================
// Pre-flight and helpers
// ============================================================================

// syncGroup batches the events of one mapping with its resolved credentials.
type syncGroup struct {
	mapping  *db.SyncMapping
	settings engine.CalDAVSettings
	events   []*db.TrackedEvent
}

// partitionForSync splits requested events into per-mapping groups and
// missing entries. Groups keep the order of first appearance; events keep
// their input order within a group.
func (o *Orchestrator) partitionForSync(events []*db.TrackedEvent) ([]*syncGroup, []MissingEvent) {
	missing := []MissingEvent{}
	var groups []*syncGroup
	groupIndex := make(map[string]int)

	for _, event := range events {
		if event.TrackingDisabled {
			missing = append(missing, MissingEvent{
				EventID: event.ID,
				UID:     event.UID,
				Reason:  "Tracking deaktiviert",
			})
			continue
		}
		if event.SyncConflict {
			reason := "Synchronisationskonflikt"
			if event.SyncConflictReason != "" {
				reason += ": " + event.SyncConflictReason
			}
			missing = append(missing, MissingEvent{
				EventID: event.ID,
				UID:     event.UID,
				Reason:  reason,
			})
			continue
		}
		if event.SourceAccountID == nil || event.SourceFolder == "" {
			missing = append(missing, MissingEvent{
				EventID: event.ID,
				UID:     event.UID,
				Reason:  "Keine Quellinformationen vorhanden",
			})
			continue
		}

		accountID := *event.SourceAccountID
		mapping, err := o.db.GetMappingForSource(accountID, event.SourceFolder)
		if err != nil {
			missing = append(missing, MissingEvent{
				EventID:   event.ID,
				UID:       event.UID,
				AccountID: accountID,
				Folder:    event.SourceFolder,
				Reason:    "Keine Sync-Zuordnung für Konto und Ordner",
			})
			continue
		}
		account, err := o.db.GetAccount(mapping.CalDAVAccountID)
		if err != nil || account.Type != db.AccountTypeCalDAV {
			missing = append(missing, MissingEvent{
				EventID:   event.ID,
				UID:       event.UID,
				AccountID: accountID,
				Folder:    event.SourceFolder,
				Reason:    "Zugeordnetes CalDAV-Konto nicht gefunden",
			})
			continue
		}
		settings, err := o.engine.DecryptCalDAVSettings(account)
		if err != nil {
			missing = append(missing, MissingEvent{
				EventID:   event.ID,
				UID:       event.UID,
				AccountID: accountID,
				Folder:    event.SourceFolder,
				Reason:    fmt.Sprintf("Ungültige CalDAV Einstellungen: %v", err),
			})
			continue
		}

		idx, ok := groupIndex[mapping.ID]
		if !ok {
			idx = len(groups)
			groupIndex[mapping.ID] = idx
			groups = append(groups, &syncGroup{mapping: mapping, settings: settings})
		}
		groups[idx].events = append(groups[idx].events, event)
	}
	return groups, missing
}

// imapSettings decrypts a mail account's connection values and expands its
// folder selections, defaulting to INBOX when none are configured.
func (o *Orchestrator) imapSettings(account *db.Account) (mailbox.Settings, []mailbox.FolderSelection, error) {
	decrypted, err := o.enc.DecryptSettings(account.Settings)
	if err != nil {
		return mailbox.Settings{}, nil, err
	}
	settings, err := mailbox.SettingsFromMap(decrypted)
	if err != nil {
		return mailbox.Settings{}, nil, err
	}

	selections := make([]mailbox.FolderSelection, 0, len(account.Folders))
	for _, folder := range account.Folders {
		selections = append(selections, mailbox.FolderSelection{
			Name:              folder.Name,
			IncludeSubfolders: folder.IncludeSubfolders,
		})
	}
	if len(selections) == 0 {
		selections = []mailbox.FolderSelection{{Name: "INBOX"}}
	}
	return settings, selections, nil
}

// notifyConflicts forwards newly captured conflicts to the alert sink.
func (o *Orchestrator) notifyConflicts(uids []string) {
	if len(uids) == 0 {
		return
	}
	o.mu.Lock()
	notifier := o.notifier
	o.mu.Unlock()
	if notifier != nil {
		notifier.ConflictsDetected(uids)
	}
}

// noteAutoSyncResult tracks the failure state of the periodic cycle and
// fires failure and recovery alerts on transitions.
func (o *Orchestrator) noteAutoSyncResult(final *Job) {
	if final == nil {
		return
	}
	o.mu.Lock()
	notifier := o.notifier
	wasFailing := o.autoSyncFailing
	o.autoSyncFailing = final.Status == StatusFailed
	o.mu.Unlock()

	if notifier == nil {
		return
	}
	switch {
	case final.Status == StatusFailed:
		notifier.AutoSyncFailed(final.ID, final.Message)
	case wasFailing:
		notifier.AutoSyncRecovered(final.ID)
	}
}

// singleFlight admits one holder at a time, remembering which job id holds
// the slot.
type singleFlight struct {
	mu sync.Mutex
	id string
}

// acquire claims the slot with a freshly created id. When the slot is taken
// it returns the holder's id and false without calling newID.
func (s *singleFlight) acquire(newID func() string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return s.id, false
	}
	s.id = newID()
	return s.id, true
}

// release frees the slot when still held by the given id.
func (s *singleFlight) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == id {
		s.id = ""
	}
}
