package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Elmontag/calsync/internal/caldav"
	"github.com/Elmontag/calsync/internal/config"
	"github.com/Elmontag/calsync/internal/crypto"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/engine"
	"github.com/Elmontag/calsync/internal/health"
	"github.com/Elmontag/calsync/internal/jobs"
	"github.com/Elmontag/calsync/internal/mailbox"
	"github.com/Elmontag/calsync/internal/validator"
)

// MailboxTester verifies IMAP credentials by opening one connection.
type MailboxTester interface {
	TestConnection(ctx context.Context, settings mailbox.Settings) error
}

// CalendarLister connects with CalDAV credentials and lists the calendar
// collections behind them.
type CalendarLister func(ctx context.Context, settings engine.CalDAVSettings) ([]caldav.Calendar, error)

// ListCalendars is the production CalendarLister.
func ListCalendars(ctx context.Context, settings engine.CalDAVSettings) ([]caldav.Calendar, error) {
	client, err := caldav.NewClient(settings.URL, settings.Username, settings.Password)
	if err != nil {
		return nil, err
	}
	if err := client.TestConnection(ctx); err != nil {
		return nil, err
	}
	return client.FindCalendars(ctx)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg           *config.Config
	db            *db.DB
	encryptor     *crypto.Encryptor
	engine        *engine.Engine
	orch          *jobs.Orchestrator
	mailTester    MailboxTester
	listCalendars CalendarLister
	validate      *validator.Validator
	health        *health.Checker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	encryptor *crypto.Encryptor,
	eng *engine.Engine,
	orch *jobs.Orchestrator,
	mailTester MailboxTester,
	listCalendars CalendarLister,
	validate *validator.Validator,
	healthChecker *health.Checker,
) *Handlers {
	return &Handlers{
		cfg:           cfg,
		db:            database,
		encryptor:     encryptor,
		engine:        eng,
		orch:          orch,
		mailTester:    mailTester,
		listCalendars: listCalendars,
		validate:      validate,
		health:        healthChecker,
	}
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Liveness())
}

// Readiness checks all dependencies.
func (h *Handlers) Readiness(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	if report.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// respondError sends a JSON error payload.
func (h *Handlers) respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondEventError maps store and engine failures on a single event to the
// right status code.
func (h *Handlers) respondEventError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.respondError(c, http.StatusNotFound, "Termin nicht gefunden")
	case errors.Is(err, engine.ErrNoConflict):
		h.respondError(c, http.StatusBadRequest, "Kein Synchronisationskonflikt vorhanden")
	case errors.Is(err, engine.ErrUnknownAction):
		h.respondError(c, http.StatusBadRequest, "Unbekannte Konfliktaktion")
	default:
		h.respondError(c, http.StatusInternalServerError, "Termin konnte nicht aktualisiert werden")
	}
}
