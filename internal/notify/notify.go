// Package notify tells operators when the prompt backlog has been worked off.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
)

// Summary describes the run of items processed since the backlog was last empty.
type Summary struct {
	Processed int
	Failed    int
	Cancelled int
	Duration  time.Duration
}

func (s Summary) Subject() string {
	return fmt.Sprintf("Arena queue drained: %d prompts processed", s.Processed)
}

func (s Summary) Body() string {
	return fmt.Sprintf(
		"The prompt queue is empty.\n\nProcessed: %d\nFailed: %d\nCancelled: %d\nElapsed: %s\n",
		s.Processed, s.Failed, s.Cancelled, s.Duration.Round(time.Second),
	)
}

type Notifier interface {
	QueueDrained(ctx context.Context, s Summary) error
}

type Nop struct{}

func (Nop) QueueDrained(context.Context, Summary) error { return nil }

// Sender is the subset of the SendGrid client used here.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGrid struct {
	client Sender
	from   *mail.Email
	to     *mail.Email
	log    logrus.FieldLogger
}

func NewSendGrid(apiKey, fromName, fromAddress, to string, log logrus.FieldLogger) *SendGrid {
	return &SendGrid{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddress),
		to:     mail.NewEmail("", to),
		log:    log,
	}
}

func (n *SendGrid) QueueDrained(ctx context.Context, s Summary) error {
	email := mail.NewSingleEmail(n.from, s.Subject(), n.to, s.Body(), s.Body())
	response, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	n.log.WithFields(logrus.Fields{"to": n.to.Address, "status": response.StatusCode}).Info("Queue drained notification sent")
	return nil
}
