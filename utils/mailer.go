package utils

import (
	"context"

	"gopkg.in/gomail.v2"
)

// OutboundEmail is the payload handed to the mail transport
// collaborator. Tracking markup has already been injected by the
// dispatcher before this point.
type OutboundEmail struct {
	To              string
	Subject         string
	HTMLContent     string
	TextContent     string
	TrackingPixelID string
}

// Transport is the mail-sending collaborator. Implementations must
// respect context cancellation so one slow delivery cannot stall the
// dispatch of unrelated records.
type Transport interface {
	Send(ctx context.Context, msg OutboundEmail) error
}

// SMTPTransport sends through a single SMTP account via gomail.
type SMTPTransport struct {
	dialer    *gomail.Dialer
	fromEmail string
	fromName  string
}

func NewSMTPTransport(host string, port int, username, password, fromEmail, fromName string) *SMTPTransport {
	return &SMTPTransport{
		dialer:    gomail.NewDialer(host, port, username, password),
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, msg OutboundEmail) error {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", t.fromEmail, t.fromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.TextContent != "" {
		m.SetBody("text/plain", msg.TextContent)
		m.AddAlternative("text/html", msg.HTMLContent)
	} else {
		m.SetBody("text/html", msg.HTMLContent)
	}

	// gomail has no context support; run the blocking send in a
	// goroutine and abandon it on cancellation.
	done := make(chan error, 1)
	go func() {
		done <- t.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
