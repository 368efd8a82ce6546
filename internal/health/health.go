// Package health aggregates dependency probes into the reports served on the
// health endpoints. Liveness only confirms the process is up; the full check
// also probes the database, the sync configuration and the auto-sync cycle.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/jobs"
)

// Status grades a probe outcome. Degraded marks a working service with a
// condition worth surfacing; unhealthy fails readiness.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the aggregate of one health pass.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker runs the dependency probes behind the health endpoints.
type Checker struct {
	db   *db.DB
	orch *jobs.Orchestrator
}

// NewChecker wires the probes to the database and the job orchestrator.
func NewChecker(database *db.DB, orch *jobs.Orchestrator) *Checker {
	return &Checker{db: database, orch: orch}
}

// Liveness reports that the process is up without touching dependencies.
func (c *Checker) Liveness() Report {
	return Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Check probes all dependencies. The report status is the worst individual
// outcome.
func (c *Checker) Check(ctx context.Context) Report {
	checks := map[string]CheckResult{
		"database":      c.checkDatabase(ctx),
		"configuration": c.checkConfiguration(),
		"auto_sync":     c.checkAutoSync(),
	}

	status := StatusHealthy
	for _, result := range checks {
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}

	return Report{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

func (c *Checker) checkDatabase(ctx context.Context) CheckResult {
	if err := c.db.Conn().PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Status: StatusHealthy}
}

// checkConfiguration reports degraded while no folder is routed to a
// calendar. The service works, it just has nothing to sync.
func (c *Checker) checkConfiguration() CheckResult {
	mappings, err := c.db.ListSyncMappings()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("failed to load sync mappings: %v", err)}
	}
	if len(mappings) == 0 {
		return CheckResult{Status: StatusDegraded, Message: "no sync mappings configured"}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d sync mappings configured", len(mappings))}
}

func (c *Checker) checkAutoSync() CheckResult {
	status := c.orch.AutoSyncStatus()
	if !status.Enabled {
		return CheckResult{Status: StatusHealthy, Message: "disabled"}
	}

	last, ok := c.orch.LastAutoSync()
	if !ok {
		return CheckResult{Status: StatusHealthy, Message: "enabled, no cycle finished yet"}
	}
	if last.Status == jobs.StatusFailed {
		return CheckResult{Status: StatusDegraded, Message: "last cycle failed: " + last.Message}
	}
	return CheckResult{Status: StatusHealthy, Message: "last cycle " + string(last.Status)}
}
