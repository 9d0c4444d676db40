// Package mailer sends report emails.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/errors"
)

// Message is one outbound report email
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a message. Send errors are transient from the caller's
// point of view; the delivery queue's retry/backoff handles re-attempts.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends mail over plain SMTP with AUTH
type SMTPSender struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPSender creates a sender from SMTP config
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPSender{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth: auth,
		from: cfg.From,
	}
}

// Send delivers the message. net/smtp has no context support, so
// cancellation is checked before the dial only.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "message has no recipient")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{msg.To}, []byte(b.String())); err != nil {
		return errors.Wrapf(err, "failed to send mail to %s", msg.To)
	}
	return nil
}

// ThrottledSender rate-limits an underlying sender so bursts of simultaneous
// deliveries stay under the provider's sending quota.
type ThrottledSender struct {
	inner   Sender
	limiter *rate.Limiter
}

// NewThrottledSender wraps a sender with a sends-per-minute cap
func NewThrottledSender(inner Sender, maxPerMinute int) *ThrottledSender {
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	return &ThrottledSender{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(maxPerMinute)/60.0), 1),
	}
}

// Send waits for a rate token, then delegates
func (s *ThrottledSender) Send(ctx context.Context, msg Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait cancelled")
	}
	return s.inner.Send(ctx, msg)
}

// LogSender logs messages instead of sending them. Used when SMTP is not
// configured, so local runs exercise the full pipeline without a mail server.
type LogSender struct {
	logger *zap.SugaredLogger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger.Named("mailer")}
}

// Send logs the message and succeeds
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Infow("Email send skipped, SMTP not configured",
		"to", msg.To,
		"subject", msg.Subject,
		"body_bytes", len(msg.Body))
	return nil
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*ThrottledSender)(nil)
	_ Sender = (*LogSender)(nil)
)
