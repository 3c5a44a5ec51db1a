package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/mbd888/escrowd/internal/logging"
)

const smtpTimeout = 15 * time.Second

// SMTPMailer sends mail through an SMTP relay, upgrading to TLS when the
// server offers STARTTLS.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTPMailer creates an SMTP mailer. Auth is skipped when username is
// empty.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{host: host, port: port, username: username, password: password, from: from}
}

var _ Mailer = (*SMTPMailer)(nil)

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	out, err := buildMsg(m.from, msg)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(m.port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTLSConfig(&tls.Config{ServerName: m.host, MinVersion: tls.VersionTLS12}),
		mail.WithTimeout(smtpTimeout),
	}
	if m.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.username),
			mail.WithPassword(m.password),
		)
	}
	client, err := mail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// buildMsg renders msg as a multipart/alternative message. An empty HTML
// body leaves a plain text message.
func buildMsg(from string, msg Message) (*mail.Msg, error) {
	out := mail.NewMsg()
	if err := out.From(from); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	if err := out.To(msg.To); err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	out.Subject(msg.Subject)
	out.SetDate()

	switch {
	case msg.Text != "":
		out.SetBodyString(mail.TypeTextPlain, msg.Text)
		if msg.HTML != "" {
			out.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
		}
	case msg.HTML != "":
		out.SetBodyString(mail.TypeTextHTML, msg.HTML)
	}
	return out, nil
}

// LogMailer logs messages instead of sending them. Used in development
// when no SMTP relay is configured. Bodies are not logged because they
// carry confirmation links.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.Info("email (not sent, no SMTP configured)",
		"template", msg.Template, "to", msg.To, "subject", msg.Subject,
		"request_id", logging.RequestID(ctx))
	return nil
}
