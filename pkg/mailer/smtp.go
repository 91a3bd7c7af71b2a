package mailer

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

var smtpSendMail sendMailFunc = smtp.SendMail

// SMTPSender delivers through an authenticated SMTP relay.
type SMTPSender struct {
	addr string
	host string
	user string
	pass string
	from string
	send sendMailFunc
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	auth := smtp.PlainAuth("", s.user, s.pass, s.host)
	if err := s.send(s.addr, auth, s.from, []string{msg.To}, buildMIME(s.from, msg, time.Now())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMIME(from string, msg Message, at time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	body, contentType := msg.Text, "text/plain"
	if msg.HTML != "" {
		body, contentType = msg.HTML, "text/html"
	}
	fmt.Fprintf(&b, "Content-Type: %s; charset=\"utf-8\"\r\n\r\n", contentType)
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
