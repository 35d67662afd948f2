package notify

import (
	"context"
	"fmt"
	"strings"

	gomail "gopkg.in/gomail.v2"
)

// Dialer is the slice of the SMTP client email delivery needs.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email delivers notifications over SMTP as plain-text mail.
type Email struct {
	dialer Dialer
	from   string
	to     []string
}

func NewEmail(host string, port int, username, password, from string, to []string) *Email {
	return &Email{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
		to:     to,
	}
}

func (e *Email) Send(ctx context.Context, m Message) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", e.from)
	msg.SetHeader("To", e.to...)
	msg.SetHeader("Subject", m.Title)
	msg.SetBody("text/plain", renderText(m))
	if err := e.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func renderText(m Message) string {
	var b strings.Builder
	b.WriteString(m.Title)
	b.WriteString("\n\n")
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Title, f.Value)
	}
	fmt.Fprintf(&b, "\nat %s\n", m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
