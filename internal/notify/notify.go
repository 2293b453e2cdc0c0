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
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/upnext/internal/aggregator"
	"github.com/macjediwizard/upnext/internal/model"
	"github.com/macjediwizard/upnext/internal/validator"
)

var (
	// emailRegex is a simple email validation regex
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeReauth   AlertType = "reauth"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert represents a notification alert.
type Alert struct {
	Type        AlertType
	AccountID   string
	AccountName string
	Provider    string
	UserEmail   string // Email of the connected account
	Message     string
	Details     string
	Timestamp   time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookEnabled bool
	WebhookURL     string

	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// CooldownPeriod is how long to wait before re-alerting for the same account.
	CooldownPeriod time.Duration
}

// Notifier sends alerts when accounts need re-authentication.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	now        func() time.Time

	// deliver is replaced in tests.
	deliver func(ctx context.Context, alert Alert)

	mu             sync.RWMutex
	lastAlertTimes map[string]time.Time
	reauthState    map[string]bool
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	n := &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now:            time.Now,
		lastAlertTimes: make(map[string]time.Time),
		reauthState:    make(map[string]bool),
	}
	n.deliver = n.send
	return n
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := validator.New().ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return err
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

// Listener returns a timeline listener that alerts on accounts entering and
// leaving the re-auth set.
func (n *Notifier) Listener(ctx context.Context) func(*aggregator.Timeline) {
	return func(t *aggregator.Timeline) {
		n.Observe(ctx, t)
	}
}

// Observe compares the re-auth set of t with the previous one. Accounts that
// were flagged and have now returned live data get a recovery alert.
func (n *Notifier) Observe(ctx context.Context, t *aggregator.Timeline) {
	flagged := make(map[string]bool, len(t.Reauth))
	for _, account := range t.Reauth {
		flagged[account.ID] = true
		n.SendReauthAlert(ctx, account)
	}

	for _, o := range t.Outcomes {
		if flagged[o.Account.ID] || o.Kind != aggregator.OutcomeLive {
			continue
		}
		n.SendRecoveryAlert(ctx, o.Account)
	}
}

// SendReauthAlert alerts that account needs to be signed in again.
// Returns true if the alert was sent, false if still in cooldown.
func (n *Notifier) SendReauthAlert(ctx context.Context, account model.CalendarAccount) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if n.reauthState[account.ID] {
		lastAlert, exists := n.lastAlertTimes[account.ID]
		if exists && now.Sub(lastAlert) < n.cfg.CooldownPeriod {
			return false
		}
	}

	n.reauthState[account.ID] = true
	n.lastAlertTimes[account.ID] = now

	alert := Alert{
		Type:        AlertTypeReauth,
		AccountID:   account.ID,
		AccountName: accountLabel(account),
		Provider:    account.ProviderType.DisplayName(),
		UserEmail:   account.Email,
		Message:     fmt.Sprintf("%s needs to be signed in again", accountLabel(account)),
		Details:     "Showing cached events until the account is re-authenticated",
		Timestamp:   now,
	}

	if n.IsEnabled() {
		go n.deliver(ctx, alert)
	}
	return true
}

// SendRecoveryAlert alerts that a flagged account is fetching again.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, account model.CalendarAccount) bool {
	n.mu.Lock()
	wasFlagged := n.reauthState[account.ID]
	if wasFlagged {
		delete(n.reauthState, account.ID)
		delete(n.lastAlertTimes, account.ID)
	}
	n.mu.Unlock()

	if !wasFlagged {
		return false
	}

	alert := Alert{
		Type:        AlertTypeRecovery,
		AccountID:   account.ID,
		AccountName: accountLabel(account),
		Provider:    account.ProviderType.DisplayName(),
		UserEmail:   account.Email,
		Message:     fmt.Sprintf("%s has recovered", accountLabel(account)),
		Details:     "Account is fetching live events again",
		Timestamp:   n.now(),
	}

	if n.IsEnabled() {
		go n.deliver(ctx, alert)
	}
	return true
}

func accountLabel(a model.CalendarAccount) string {
	if a.Email != "" {
		return fmt.Sprintf("%s (%s)", a.ProviderType.DisplayName(), a.Email)
	}
	return a.ProviderType.DisplayName()
}

// ClearAccount forgets the state of a removed account.
func (n *Notifier) ClearAccount(accountID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.reauthState, accountID)
	delete(n.lastAlertTimes, accountID)
}

// FlaggedAccountIDs returns the accounts currently alerted as needing re-auth.
func (n *Notifier) FlaggedAccountIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.reauthState))
	for id, flagged := range n.reauthState {
		if flagged {
			ids = append(ids, id)
		}
	}
	return ids
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}

	if n.cfg.EmailEnabled {
		recipients := n.recipients(alert)
		if len(recipients) > 0 {
			if err := n.sendEmail(alert, recipients); err != nil {
				log.Printf("[Notify] Email error: %v", err)
			}
		}
	}
}

// recipients returns the account email plus the configured addresses,
// lowercased and deduplicated.
func (n *Notifier) recipients(alert Alert) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(email string) {
		email = strings.ToLower(email)
		if !seen[email] {
			seen[email] = true
			out = append(out, email)
		}
	}

	if alert.UserEmail != "" && isValidEmail(alert.UserEmail) {
		add(alert.UserEmail)
	}
	for _, email := range n.cfg.SMTPTo {
		add(email)
	}
	return out
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType   string `json:"alert_type"`
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Provider    string `json:"provider"`
	Message     string `json:"message"`
	Details     string `json:"details"`
	Timestamp   string `json:"timestamp"`
	// Slack-compatible
	Text string `json:"text,omitempty"`
}

func buildPayload(alert Alert) WebhookPayload {
	emoji := ""
	switch alert.Type {
	case AlertTypeReauth:
		emoji = ":warning:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	}

	return WebhookPayload{
		AlertType:   string(alert.Type),
		AccountID:   alert.AccountID,
		AccountName: alert.AccountName,
		Provider:    alert.Provider,
		Message:     alert.Message,
		Details:     alert.Details,
		Timestamp:   alert.Timestamp.Format(time.RFC3339),
		Text:        fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(buildPayload(alert))
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

// buildEmail renders the alert as a plain-text message.
func (n *Notifier) buildEmail(alert Alert, recipients []string) []byte {
	name := sanitizeForEmail(alert.AccountName)
	message := sanitizeForEmail(alert.Message)
	details := sanitizeForEmail(alert.Details)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\n", alert.Type)
	fmt.Fprintf(&body, "Account: %s\n", name)
	fmt.Fprintf(&body, "Account ID: %s\n", alert.AccountID)
	fmt.Fprintf(&body, "Time: %s\n\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "Message: %s\n", message)
	fmt.Fprintf(&body, "Details: %s\n", details)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [UpNext] %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, strings.Join(recipients, ", "), message, body.String())
	return []byte(msg)
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	msg := n.buildEmail(alert, recipients)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, msg)
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, msg)
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(recipients), sanitizeForEmail(alert.Message))
	return nil
}

// sendEmailTLS sends email over implicit TLS (port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	})
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
