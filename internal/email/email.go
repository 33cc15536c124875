// Package email sends outreach email through SendGrid and applies SendGrid
// event webhooks to the sent email records.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/store"
)

// NotConfigured is the soft failure reported when no API key is set.
const NotConfigured = "email service not configured"

// Message is one outbound email.
type Message struct {
	To         string
	Subject    string
	HTML       string
	LeadID     string
	CampaignID string
}

// SendResult reports the outcome of a send. Provider failures are reported
// here rather than as errors.
type SendResult struct {
	Success bool   `json:"success"`
	EmailID string `json:"emailId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Sender delivers email.
type Sender interface {
	// Send records and delivers m. The error is reserved for record store
	// failures; delivery problems are reported in the result.
	Send(ctx context.Context, m Message) (*SendResult, error)
}

// Service is the SendGrid backed Sender.
type Service struct {
	store     *store.Store
	apiKey    string
	host      string
	fromEmail string
	fromName  string
	log       *logging.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock sets the time source used for sent and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service writing to st.
func New(st *store.Store, cfg config.EmailConfig, opts ...Option) *Service {
	s := &Service{
		store:     st,
		apiKey:    cfg.SendGridAPIKey,
		host:      strings.TrimRight(cfg.Host, "/"),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		log:       logging.Component("email"),
		now:       st.Now,
	}
	if s.host == "" {
		s.host = config.DefaultSendGridHost
	}
	if s.fromEmail == "" {
		s.fromEmail = config.DefaultFromEmail
	}
	if s.fromName == "" {
		s.fromName = config.DefaultFromName
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configured reports whether an API key is set.
func (s *Service) Configured() bool {
	return s.apiKey != ""
}

// Send records a pending SentEmail, hands the message to SendGrid with open
// and click tracking, then marks the record sent or failed.
func (s *Service) Send(ctx context.Context, m Message) (*SendResult, error) {
	if !s.Configured() {
		return &SendResult{Error: NotConfigured}, nil
	}

	rec := &store.SentEmail{
		LeadID:     m.LeadID,
		CampaignID: m.CampaignID,
		To:         m.To,
		Subject:    m.Subject,
		Body:       m.HTML,
	}
	if err := s.store.CreateSentEmail(ctx, rec); err != nil {
		return nil, err
	}

	providerID, err := s.deliver(ctx, rec.ID, m)
	if err != nil {
		s.log.WarnCtx("email send failed", map[string]any{
			"email_id": rec.ID,
			"lead_id":  m.LeadID,
			"error":    err.Error(),
		})
		if mErr := s.store.MarkEmailFailed(ctx, rec.ID, err.Error()); mErr != nil {
			return nil, mErr
		}
		return &SendResult{EmailID: rec.ID, Error: err.Error()}, nil
	}

	if err := s.store.MarkEmailSent(ctx, rec.ID, providerID, s.now()); err != nil {
		return nil, err
	}
	s.log.InfoCtx("email sent", map[string]any{
		"email_id":    rec.ID,
		"lead_id":     m.LeadID,
		"provider_id": providerID,
	})
	return &SendResult{Success: true, EmailID: rec.ID}, nil
}

func (s *Service) deliver(ctx context.Context, emailID string, m Message) (string, error) {
	msg := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromEmail),
		m.Subject,
		mail.NewEmail("", m.To),
		plainText(m.HTML),
		m.HTML,
	)
	tracking := mail.NewTrackingSettings()
	tracking.SetClickTracking(mail.NewClickTrackingSetting().SetEnable(true).SetEnableText(true))
	tracking.SetOpenTracking(mail.NewOpenTrackingSetting().SetEnable(true))
	msg.SetTrackingSettings(tracking)
	msg.SetCustomArg("sentEmailId", emailID)
	if m.LeadID != "" {
		msg.SetCustomArg("leadId", m.LeadID)
	}

	req := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(msg)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sendgrid: %s", providerError(resp.StatusCode, resp.Body))
	}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

// plainText drops markup from an HTML body for the text/plain part.
func plainText(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// providerError extracts the first error message of a SendGrid error body.
func providerError(status int, body string) string {
	var parsed struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal([]byte(body), &parsed) == nil && len(parsed.Errors) > 0 && parsed.Errors[0].Message != "" {
		return parsed.Errors[0].Message
	}
	return fmt.Sprintf("status %d", status)
}

// WebhookEvent is one entry of a SendGrid event webhook batch.
type WebhookEvent struct {
	Email     string `json:"email"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	MessageID string `json:"sg_message_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HandleEvent applies ev to its SentEmail. Opens and clicks move a contacted
// lead to responded. Events without a message id or for unknown emails are
// ignored.
func (s *Service) HandleEvent(ctx context.Context, ev WebhookEvent) error {
	// Event message ids carry a ".filter..." suffix after the X-Message-Id.
	providerID, _, _ := strings.Cut(ev.MessageID, ".")
	if providerID == "" {
		return nil
	}

	at := s.now()
	if ev.Timestamp > 0 {
		at = time.Unix(ev.Timestamp, 0)
	}
	rec, err := s.store.ApplyEmailEvent(ctx, providerID, ev.Event, ev.Reason, at)
	if errors.Is(err, store.ErrNotFound) {
		s.log.DebugCtx("webhook event for unknown email", map[string]any{"provider_id": providerID, "event": ev.Event})
		return nil
	}
	if err != nil {
		return err
	}

	if (ev.Event == "open" || ev.Event == "click") && rec.LeadID != "" {
		promoted, err := s.store.PromoteLead(ctx, rec.LeadID, store.LeadContacted, store.LeadResponded)
		if err != nil {
			return err
		}
		if promoted {
			s.log.InfoCtx("lead responded", map[string]any{"lead_id": rec.LeadID, "event": ev.Event})
		}
	}
	return nil
}

// HandleBatch applies every event, continuing past failures.
func (s *Service) HandleBatch(ctx context.Context, events []WebhookEvent) error {
	var errs []error
	for _, ev := range events {
		if err := s.HandleEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookHandler serves the SendGrid event webhook.
func (s *Service) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var events []WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			http.Error(w, "invalid event batch", http.StatusBadRequest)
			return
		}
		if err := s.HandleBatch(r.Context(), events); err != nil {
			s.log.ErrorCtx("webhook batch failed", map[string]any{"events": len(events), "error": err.Error()})
			http.Error(w, "failed to apply events", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	})
}
