package engine

import (
	"fmt"
	"time"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/db"
)

// DecisionKind classifies what the export path does with one event.
type DecisionKind int

const (
	// DecisionSkip leaves both sides untouched.
	DecisionSkip DecisionKind = iota
	// DecisionUpload pushes the stored payload to the calendar.
	DecisionUpload
	// DecisionCancel propagates a cancellation, honoring its attribution.
	DecisionCancel
	// DecisionFastForward adopts the remote copy locally.
	DecisionFastForward
	// DecisionConflict records a divergence instead of uploading.
	DecisionConflict
)

// Decision is the verdict for one event, with a human-readable reason.
type Decision struct {
	Kind   DecisionKind
	Reason string
}

// Decide compares a tracked event with its probed remote state and picks the
// export action. It reads no external state and writes nothing; the caller
// applies the verdict.
func Decide(event *db.TrackedEvent, remote *caldav.EventState) Decision {
	changed, detail := remoteChanged(event, remote)
	pending := event.IsPendingExport()

	switch {
	case changed && pending:
		return Decision{Kind: DecisionConflict, Reason: detail}
	case changed:
		return Decision{Kind: DecisionFastForward, Reason: detail}
	case event.Status == db.EventStatusCancelled:
		if event.LastModifiedSource == db.ModifiedSourceRemote && !pending {
			return Decision{Kind: DecisionSkip, Reason: "Absage stammt aus dem Kalender"}
		}
		return Decision{Kind: DecisionCancel}
	case pending:
		return Decision{Kind: DecisionUpload}
	default:
		return Decision{Kind: DecisionSkip, Reason: "Keine lokalen Änderungen"}
	}
}

// remoteChanged reports whether the calendar copy moved since the last sync.
// A cached/remote ETag pair is definitive; timestamps decide only when no
// pair exists.
func remoteChanged(event *db.TrackedEvent, remote *caldav.EventState) (bool, string) {
	if remote == nil {
		return false, ""
	}

	if event.CalDAVETag != "" && remote.ETag != "" {
		if event.CalDAVETag != remote.ETag {
			return true, fmt.Sprintf("Kalendereintrag wurde extern geändert (ETag %s statt %s)", remote.ETag, event.CalDAVETag)
		}
		return false, ""
	}

	if remote.LastModified == nil {
		return false, ""
	}
	baseline := event.RemoteLastModified
	if event.LastSynced != nil && (baseline == nil || event.LastSynced.After(*baseline)) {
		baseline = event.LastSynced
	}
	if baseline == nil {
		return true, "Kalendereintrag existiert bereits ohne bekannte Synchronisation"
	}
	if remote.LastModified.UTC().After(baseline.UTC()) {
		return true, fmt.Sprintf("Kalendereintrag wurde am %s im Kalender geändert", remote.LastModified.UTC().Format(time.RFC3339))
	}
	return false, ""
}
