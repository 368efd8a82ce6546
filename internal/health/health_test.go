package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Elmontag/calsync/internal/crypto"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/engine"
	"github.com/Elmontag/calsync/internal/jobs"
)

func setupChecker(t *testing.T) (*Checker, *db.DB) {
	t.Helper()

	dir, err := os.MkdirTemp("", "calsync-health-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	database, err := db.New(filepath.Join(dir, "health.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	enc, err := crypto.NewEncryptor("health-test-secret")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	eng := engine.New(database, enc)
	orch := jobs.New(database, eng, enc, nil, jobs.AutoSyncPreferences{IntervalMinutes: 15})

	t.Cleanup(func() {
		orch.Stop()
		database.Close()
		os.RemoveAll(dir)
	})

	return NewChecker(database, orch), database
}

func createRoute(t *testing.T, database *db.DB) {
	t.Helper()

	mail := &db.Account{Label: "Mail", Type: db.AccountTypeIMAP, Settings: map[string]any{"host": "imap.example.com"}}
	if err := database.CreateAccount(mail); err != nil {
		t.Fatalf("failed to create mail account: %v", err)
	}
	cal := &db.Account{Label: "Kalender", Type: db.AccountTypeCalDAV, Settings: map[string]any{"url": "https://cal.example.com/dav/"}}
	if err := database.CreateAccount(cal); err != nil {
		t.Fatalf("failed to create calendar account: %v", err)
	}
	mapping := &db.SyncMapping{
		IMAPAccountID:   mail.ID,
		IMAPFolder:      "INBOX",
		CalDAVAccountID: cal.ID,
		CalendarURL:     "https://cal.example.com/dav/calendars/work/",
	}
	if err := database.CreateSyncMapping(mapping); err != nil {
		t.Fatalf("failed to create sync mapping: %v", err)
	}
}

func TestLiveness(t *testing.T) {
	checker, _ := setupChecker(t)

	report := checker.Liveness()
	if report.Status != StatusHealthy {
		t.Errorf("expected healthy liveness, got %s", report.Status)
	}
	if report.Timestamp == "" {
		t.Error("expected a timestamp")
	}
	if report.Checks != nil {
		t.Error("liveness must not run dependency probes")
	}
}

func TestCheck(t *testing.T) {
	t.Run("degraded without sync mappings", func(t *testing.T) {
		checker, _ := setupChecker(t)

		report := checker.Check(context.Background())
		if report.Status != StatusDegraded {
			t.Errorf("expected degraded status, got %s", report.Status)
		}
		if report.Checks["database"].Status != StatusHealthy {
			t.Errorf("expected healthy database, got %s", report.Checks["database"].Status)
		}
		if report.Checks["configuration"].Status != StatusDegraded {
			t.Errorf("expected degraded configuration, got %s", report.Checks["configuration"].Status)
		}
	})

	t.Run("healthy with a configured route", func(t *testing.T) {
		checker, database := setupChecker(t)
		createRoute(t, database)

		report := checker.Check(context.Background())
		if report.Status != StatusHealthy {
			t.Errorf("expected healthy status, got %s: %+v", report.Status, report.Checks)
		}
	})

	t.Run("disarmed auto-sync stays healthy", func(t *testing.T) {
		checker, database := setupChecker(t)
		createRoute(t, database)

		report := checker.Check(context.Background())
		if report.Checks["auto_sync"].Status != StatusHealthy {
			t.Errorf("expected healthy auto-sync, got %s", report.Checks["auto_sync"].Status)
		}
		if report.Checks["auto_sync"].Message != "disabled" {
			t.Errorf("expected disabled message, got %q", report.Checks["auto_sync"].Message)
		}
	})

	t.Run("closed database is unhealthy", func(t *testing.T) {
		checker, database := setupChecker(t)
		createRoute(t, database)
		database.Close()

		report := checker.Check(context.Background())
		if report.Status != StatusUnhealthy {
			t.Errorf("expected unhealthy status, got %s", report.Status)
		}
		if report.Checks["database"].Status != StatusUnhealthy {
			t.Errorf("expected unhealthy database, got %s", report.Checks["database"].Status)
		}
	})
}
