package jobs

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPMailer sends plain-text mail over an unauthenticated SMTP relay, the
// usual setup for an internal alert mailbox.
type SMTPMailer struct {
	Host string
	Port int
	From string
}

// NewSMTPMailer constructs a mailer.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{Host: host, Port: port, From: from}
}

// Send delivers one message.
func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	if m == nil || m.Host == "" {
		return fmt.Errorf("smtp mailer: not configured")
	}
	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	return smtp.SendMail(addr, nil, m.From, []string{to}, []byte(msg.String()))
}
