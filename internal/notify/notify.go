// Package notify delivers email notifications for users who were offline
// when something addressed to them arrived.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/gochat/internal/config"
)

// Mailer sends a single plain text email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New returns an SMTP mailer, or a no-op mailer when no host is configured.
func New(cfg config.SMTPConfig) Mailer {
	if cfg.Host == "" {
		return Noop{}
	}
	return NewSMTPMailer(cfg)
}

// Noop discards every email.
type Noop struct{}

// Send implements Mailer.
func (Noop) Send(context.Context, string, string, string) error { return nil }

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends through an SMTP relay. smtp.SendMail upgrades with
// STARTTLS when the server offers it.
type SMTPMailer struct {
	addr   string
	auth   smtp.Auth
	sender string
	send   sendFunc
}

// NewSMTPMailer creates an SMTP mailer. PLAIN auth is used when a username is set.
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	m := &SMTPMailer{
		addr:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		sender: cfg.Sender,
		send:   smtp.SendMail,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to = headerSafe(to)
	if to == "" {
		return fmt.Errorf("recipient address is required")
	}
	msg := buildMessage(m.sender, to, subject, body)
	if err := m.send(m.addr, m.auth, m.sender, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerSafe(from) + "\r\n")
	b.WriteString("To: " + headerSafe(to) + "\r\n")
	b.WriteString("Subject: " + headerSafe(subject) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// headerSafe strips CR and LF so values cannot inject extra headers.
func headerSafe(v string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(v))
}

// Email is a queued notification.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Dispatcher sends emails from a bounded queue on its own goroutine, so a slow
// relay never blocks a connection handler.
type Dispatcher struct {
	mailer  Mailer
	queue   chan Email
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with the given queue size.
func NewDispatcher(mailer Mailer, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 100
	}
	return &Dispatcher{
		mailer:  mailer,
		queue:   make(chan Email, size),
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Enqueue queues an email. Returns false when the queue is full.
func (d *Dispatcher) Enqueue(e Email) bool {
	select {
	case d.queue <- e:
		return true
	default:
		d.logger.Warn("email queue full, dropping notification", slog.String("to", e.To))
		return false
	}
}

// Run sends queued emails until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			d.deliver(ctx, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Email) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.mailer.Send(sendCtx, e.To, e.Subject, e.Body); err != nil {
		d.logger.Error("failed to send email",
			slog.String("to", e.To),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.Debug("email sent", slog.String("to", e.To))
}
