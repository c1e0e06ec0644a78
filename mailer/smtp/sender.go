package smtp

import (
	"fmt"
	"net/smtp"
	"strings"
)

const defaultFrom = "no-reply@customers.local"

// Sender sends notification mails to a fixed operator recipient via
// unauthenticated SMTP (Mailpit-compatible).
type Sender struct {
	addr string
	from string
	to   string
}

func New(host string, port string, from string, to string) *Sender {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		from = defaultFrom
	}
	if to == "" {
		panic("recipient is mandatory")
	}
	return &Sender{
		addr: fmt.Sprintf("%s:%s", host, port),
		from: from,
		to:   to,
	}
}

func (s *Sender) Send(subject string, body string) error {
	msg := buildMessage(s.from, s.to, subject, body)
	return smtp.SendMail(s.addr, nil, s.from, []string{s.to}, []byte(msg))
}

func buildMessage(from, to, subject, body string) string {
	// Minimal RFC 5322 message; enough for Mailpit and most SMTP relays.
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		to,
		subject,
		body,
	)
}
