// Package notify delivers operational alerts for the background sync cycle
// over webhooks and SMTP. Failure alerts are rate limited per alert kind so a
// mailbox that stays broken does not flood the operator; recovery alerts
// always go out and reset the cooldown.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// emailRegex is a simple email validation regex
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Kind classifies an alert.
type Kind string

const (
	KindSyncFailed    Kind = "sync_failed"
	KindSyncRecovered Kind = "sync_recovered"
	KindConflicts     Kind = "conflicts"
)

// maxConflictUIDs bounds how many event UIDs a conflict alert spells out.
const maxConflictUIDs = 10

// Alert is one notification about the sync cycle.
type Alert struct {
	Kind      Kind
	JobID     string
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds notification configuration.
type Config struct {
	// Webhook settings
	WebhookEnabled bool
	WebhookURL     string

	// Email settings
	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// How long to wait before repeating an alert of the same kind
	CooldownPeriod time.Duration
}

// Notifier sends alert notifications. It satisfies the orchestrator's
// notifier contract and may be shared across jobs.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	mu       sync.Mutex
	lastSent map[Kind]time.Time
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastSent: make(map[Kind]time.Time),
	}
}

// ValidateConfig validates the notification configuration.
// Returns an error if the configuration is invalid.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when email is enabled")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if cfg.SMTPFrom == "" {
			return fmt.Errorf("SMTP from address is required when email is enabled")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		if len(cfg.SMTPTo) == 0 {
			return fmt.Errorf("at least one SMTP recipient is required when email is enabled")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}

	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Only allow HTTPS for webhooks (security requirement)
	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	// Block localhost and private IP ranges to prevent SSRF
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}

	// Block common internal hostnames
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}

	// Block private IP ranges (10.x.x.x, 172.16-31.x.x, 192.168.x.x)
	if strings.HasPrefix(host, "10.") ||
		strings.HasPrefix(host, "192.168.") {
		return fmt.Errorf("webhook URL cannot point to private IP addresses")
	}
	for block := 16; block <= 31; block++ {
		if strings.HasPrefix(host, fmt.Sprintf("172.%d.", block)) {
			return fmt.Errorf("webhook URL cannot point to private IP addresses")
		}
	}

	return nil
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled || n.cfg.EmailEnabled
}

// AutoSyncFailed reports a failed periodic cycle. Repeated failures inside the
// cooldown window are dropped.
func (n *Notifier) AutoSyncFailed(jobID, message string) {
	if !n.allow(KindSyncFailed) {
		return
	}
	n.dispatch(Alert{
		Kind:      KindSyncFailed,
		JobID:     jobID,
		Message:   "Automatische Synchronisation fehlgeschlagen",
		Details:   message,
		Timestamp: time.Now(),
	})
}

// AutoSyncRecovered reports the first successful cycle after failures. It
// bypasses the cooldown and clears the failure window, so a later failure
// alerts immediately.
func (n *Notifier) AutoSyncRecovered(jobID string) {
	if !n.IsEnabled() {
		return
	}
	n.mu.Lock()
	delete(n.lastSent, KindSyncFailed)
	n.lastSent[KindSyncRecovered] = time.Now()
	n.mu.Unlock()

	n.dispatch(Alert{
		Kind:      KindSyncRecovered,
		JobID:     jobID,
		Message:   "Automatische Synchronisation wieder erfolgreich",
		Details:   fmt.Sprintf("Job %s ist ohne Fehler durchgelaufen", jobID),
		Timestamp: time.Now(),
	})
}

// ConflictsDetected reports events quarantined during an export. Batches
// arriving inside the cooldown window are dropped.
func (n *Notifier) ConflictsDetected(uids []string) {
	if len(uids) == 0 || !n.allow(KindConflicts) {
		return
	}

	listed := uids
	suffix := ""
	if len(listed) > maxConflictUIDs {
		suffix = fmt.Sprintf(" und %d weitere", len(listed)-maxConflictUIDs)
		listed = listed[:maxConflictUIDs]
	}
	n.dispatch(Alert{
		Kind:      KindConflicts,
		Message:   fmt.Sprintf("%d Synchronisationskonflikte erkannt", len(uids)),
		Details:   strings.Join(listed, ", ") + suffix,
		Timestamp: time.Now(),
	})
}

// allow checks and stamps the cooldown window for one alert kind.
func (n *Notifier) allow(kind Kind) bool {
	if !n.IsEnabled() {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[kind]; ok && time.Since(last) < n.cfg.CooldownPeriod {
		return false
	}
	n.lastSent[kind] = time.Now()
	return true
}

// dispatch fans an alert out to every configured channel without blocking the
// caller. Jobs run on their own timeouts; alerting must not extend them.
func (n *Notifier) dispatch(alert Alert) {
	go n.send(context.Background(), alert)
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}

	if n.cfg.EmailEnabled && len(n.cfg.SMTPTo) > 0 {
		if err := n.sendEmail(alert, n.cfg.SMTPTo); err != nil {
			log.Printf("[Notify] Email error: %v", err)
		}
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	JobID     string `json:"job_id,omitempty"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible field
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ""
	switch alert.Kind {
	case KindSyncFailed:
		emoji = ":x:"
	case KindSyncRecovered:
		emoji = ":white_check_mark:"
	case KindConflicts:
		emoji = ":warning:"
	}

	payload := WebhookPayload{
		AlertType: string(alert.Kind),
		JobID:     alert.JobID,
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	// Sanitize job-derived inputs to prevent email header injection
	sanitizedMessage := sanitizeForEmail(alert.Message)
	sanitizedDetails := sanitizeForEmail(alert.Details)

	subject := fmt.Sprintf("[CalSync] %s", sanitizedMessage)

	var body strings.Builder
	body.WriteString(fmt.Sprintf("Alert: %s\n", alert.Kind))
	if alert.JobID != "" {
		body.WriteString(fmt.Sprintf("Job: %s\n", alert.JobID))
	}
	body.WriteString(fmt.Sprintf("Zeit: %s\n\n", alert.Timestamp.Format(time.RFC1123)))
	body.WriteString(fmt.Sprintf("%s\n", sanitizedMessage))
	if sanitizedDetails != "" {
		body.WriteString(fmt.Sprintf("Details: %s\n", sanitizedDetails))
	}

	to := strings.Join(recipients, ", ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	}

	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(recipients), sanitizedMessage)
	return nil
}

// sendEmailTLS sends email over implicit TLS (for port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}
