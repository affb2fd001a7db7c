package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SMTPOptions configure the email sender.
type SMTPOptions struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	SubjectPrefix string
	Timeout       time.Duration
}

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers a plain-text rendering of the payload over SMTP.
type EmailSender struct {
	opts     SMTPOptions
	sendMail sendMailFunc
	logger   zerolog.Logger
}

// NewEmailSender builds an SMTP sender.
func NewEmailSender(opts SMTPOptions, logger zerolog.Logger) *EmailSender {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &EmailSender{
		opts:     opts,
		sendMail: smtp.SendMail,
		logger:   logger.With().Str("component", "alert_email").Logger(),
	}
}

// Send mails the payload to address. smtp.SendMail has no context, so the call is abandoned
// (not interrupted) once the timeout or ctx expires.
func (e *EmailSender) Send(ctx context.Context, address string, payload NotificationPayload) error {
	if e.opts.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}

	var auth smtp.Auth
	if e.opts.Username != "" {
		auth = smtp.PlainAuth("", e.opts.Username, e.opts.Password, e.opts.Host)
	}
	addr := fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port)
	msg := buildMessage(e.opts.From, address, payload.Subject(e.opts.SubjectPrefix), renderText(payload))

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, e.opts.From, []string{address}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}

	e.logger.Debug().Str("alert_id", payload.Alert.ID).Msg("email delivered")
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", to))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

var _ Sender = (*EmailSender)(nil)
