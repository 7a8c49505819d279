package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

// Mail is a rendered message addressed to one or more recipients.
type Mail struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers mail.
type Sender interface {
	Send(ctx context.Context, mail Mail) error
}

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	addr string
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSMTPSender builds a sender for cfg.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg:  cfg,
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		send: func(e *email.Email, addr string, auth smtp.Auth) error { return e.Send(addr, auth) },
	}
}

// Send delivers mail as plain text.
func (s *SMTPSender) Send(ctx context.Context, mail Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(mail.To) == 0 {
		return ErrNoRecipient
	}
	e := email.NewEmail()
	e.From = s.cfg.From
	if e.From == "" {
		e.From = s.cfg.Username
	}
	e.To = mail.To
	e.Subject = mail.Subject
	e.Text = []byte(mail.Body)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := s.send(e, s.addr, auth); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

// LogSender writes mail to the log instead of delivering it. Used when no
// SMTP host is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the mail.
func (s LogSender) Send(_ context.Context, mail Mail) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail suppressed", slog.String("to", strings.Join(mail.To, ",")), slog.String("subject", mail.Subject))
	return nil
}
