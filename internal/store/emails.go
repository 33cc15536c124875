package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EmailStatus tracks a sent email through delivery.
type EmailStatus string

const (
	EmailPending   EmailStatus = "pending"
	EmailSent      EmailStatus = "sent"
	EmailFailed    EmailStatus = "failed"
	EmailDelivered EmailStatus = "delivered"
	EmailOpened    EmailStatus = "opened"
	EmailClicked   EmailStatus = "clicked"
	EmailBounced   EmailStatus = "bounced"
	EmailSpam      EmailStatus = "spam"
)

// SentEmail records one outbound email attempt.
type SentEmail struct {
	ID          string      `json:"id"`
	LeadID      string      `json:"leadId,omitempty"`
	CampaignID  string      `json:"campaignId,omitempty"`
	To          string      `json:"to"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	Status      EmailStatus `json:"status"`
	ProviderID  string      `json:"providerId,omitempty"`
	Error       string      `json:"error,omitempty"`
	SentAt      *time.Time  `json:"sentAt,omitempty"`
	DeliveredAt *time.Time  `json:"deliveredAt,omitempty"`
	OpenedAt    *time.Time  `json:"openedAt,omitempty"`
	ClickedAt   *time.Time  `json:"clickedAt,omitempty"`
	BouncedAt   *time.Time  `json:"bouncedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

const emailColumns = `id, lead_id, campaign_id, to_email, subject, body, status, provider_id, error, sent_at, delivered_at, opened_at, clicked_at, bounced_at, created_at`

// CreateSentEmail records a pending email and fills in its ID.
func (s *Store) CreateSentEmail(ctx context.Context, e *SentEmail) error {
	e.ID = newID()
	e.Status = EmailPending
	e.CreatedAt = s.stamp(e.CreatedAt)
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO sent_emails (id, lead_id, campaign_id, to_email, subject, body, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.LeadID), nullString(e.CampaignID), e.To, e.Subject, e.Body, e.Status,
		millis(e.CreatedAt), millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert sent email: %w", err)
	}
	return nil
}

// MarkEmailSent records a provider acceptance.
func (s *Store) MarkEmailSent(ctx context.Context, id, providerID string, at time.Time) error {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE sent_emails SET status = ?, provider_id = ?, sent_at = ?, updated_at = ? WHERE id = ?`,
		EmailSent, providerID, millis(at), millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark email %s sent: %w", id, err)
	}
	return expectRow(res, "email", id)
}

// MarkEmailFailed records a provider rejection.
func (s *Store) MarkEmailFailed(ctx context.Context, id, message string) error {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE sent_emails SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		EmailFailed, message, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark email %s failed: %w", id, err)
	}
	return expectRow(res, "email", id)
}

// GetSentEmail loads one email record.
func (s *Store) GetSentEmail(ctx context.Context, id string) (*SentEmail, error) {
	e, err := scanEmail(s.db.SQL().QueryRowContext(ctx, `SELECT `+emailColumns+` FROM sent_emails WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("email", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get email %s: %w", id, err)
	}
	return e, nil
}

// ApplyEmailEvent records a delivery event against the email with the given
// provider message id and returns the updated record. reason is stored as the
// error of bounces. Unknown events leave the record unchanged.
func (s *Store) ApplyEmailEvent(ctx context.Context, providerID, event, reason string, at time.Time) (*SentEmail, error) {
	var column string
	var status EmailStatus
	switch event {
	case "delivered":
		column, status = "delivered_at", EmailDelivered
	case "open":
		column, status = "opened_at", EmailOpened
	case "click":
		column, status = "clicked_at", EmailClicked
	case "bounce", "dropped":
		column, status = "bounced_at", EmailBounced
	case "spamreport":
		status, reason = EmailSpam, "Marked as spam"
	}

	var e *SentEmail
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM sent_emails WHERE provider_id = ? ORDER BY seq DESC LIMIT 1`, providerID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("email with provider id", providerID)
		}
		if err != nil {
			return fmt.Errorf("find email %s: %w", providerID, err)
		}
		if reason != "" && status != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE sent_emails SET error = ? WHERE id = ?`, reason, id); err != nil {
				return fmt.Errorf("record %s reason on email %s: %w", event, id, err)
			}
		}
		switch {
		case column != "":
			_, err = tx.ExecContext(ctx,
				`UPDATE sent_emails SET status = ?, `+column+` = ?, updated_at = ? WHERE id = ?`,
				status, millis(at), millis(s.now()), id)
		case status != "":
			_, err = tx.ExecContext(ctx, `UPDATE sent_emails SET status = ?, updated_at = ? WHERE id = ?`,
				status, millis(s.now()), id)
		}
		if err != nil {
			return fmt.Errorf("apply %s to email %s: %w", event, id, err)
		}
		e, err = scanEmail(tx.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM sent_emails WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CountEmails counts emails in a given status; empty counts all.
func (s *Store) CountEmails(ctx context.Context, status EmailStatus) (int, error) {
	var w where
	if status != "" {
		w.add("status = ?", status)
	}
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM sent_emails`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}
	return n, nil
}

func scanEmail(row rowScanner) (*SentEmail, error) {
	var (
		e                                         SentEmail
		lead, campaign                            sql.NullString
		sent, delivered, opened, clicked, bounced sql.NullInt64
		created                                   int64
	)
	if err := row.Scan(&e.ID, &lead, &campaign, &e.To, &e.Subject, &e.Body, &e.Status, &e.ProviderID, &e.Error,
		&sent, &delivered, &opened, &clicked, &bounced, &created); err != nil {
		return nil, err
	}
	e.LeadID = lead.String
	e.CampaignID = campaign.String
	e.SentAt = fromNullMillis(sent)
	e.DeliveredAt = fromNullMillis(delivered)
	e.OpenedAt = fromNullMillis(opened)
	e.ClickedAt = fromNullMillis(clicked)
	e.BouncedAt = fromNullMillis(bounced)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}
