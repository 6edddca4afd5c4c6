// Package notify emails operators when a maintenance operation fails.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/nadmax/opsconsole/internal/operation"
	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender is the part of the sendgrid client the notifier uses.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Config struct {
	APIKey     string
	FromEmail  string
	FromName   string
	Recipients []string
}

type EmailNotifier struct {
	sender     Sender
	from       *mail.Email
	recipients []*mail.Email
	log        zerolog.Logger
}

// New returns nil when no API key or no recipients are configured, which disables notifications.
func New(cfg Config, log zerolog.Logger) *EmailNotifier {
	if cfg.APIKey == "" || len(cfg.Recipients) == 0 {
		return nil
	}
	return NewWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, log)
}

func NewWithSender(sender Sender, cfg Config, log zerolog.Logger) *EmailNotifier {
	recipients := make([]*mail.Email, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, mail.NewEmail("", r))
		}
	}

	return &EmailNotifier{
		sender:     sender,
		from:       mail.NewEmail(cfg.FromName, cfg.FromEmail),
		recipients: recipients,
		log:        log,
	}
}

// OperationFailed is safe to call on a nil notifier.
func (n *EmailNotifier) OperationFailed(ctx context.Context, op *operation.Operation, reason string) error {
	if n == nil || len(n.recipients) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[opsconsole] %s failed", op.Kind.Label())
	response, err := n.sender.SendWithContext(ctx, n.message(subject, failureBody(op, reason)))
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	n.log.Info().Str("id", op.ID).Int("recipients", len(n.recipients)).Int("status", response.StatusCode).Msg("failure notification sent")
	return nil
}

func (n *EmailNotifier) message(subject, body string) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(n.from)
	m.Subject = subject

	p := mail.NewPersonalization()
	p.AddTos(n.recipients...)
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", body))

	return m
}

func failureBody(op *operation.Operation, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation: %s (%s)\n", op.Kind.Label(), op.ID)
	fmt.Fprintf(&b, "Started: %s\n", op.StartTime.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Progress: %d%%\n", op.Progress)
	fmt.Fprintf(&b, "Reason: %s\n", reason)

	if tail := op.TailLogs(5); len(tail) > 0 {
		b.WriteString("\nLast log lines:\n")
		for _, line := range tail {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}
