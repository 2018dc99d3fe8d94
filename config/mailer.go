package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// ErrInvalidRecipient marks a send that can never succeed (empty or malformed
// address). Callers must not retry it.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// Mailer is the notification transport consumed by the dispatcher. Rendering
// proper is handled by the mail template service; this contract only carries
// the template id and its data.
type Mailer interface {
	Send(templateData map[string]string, recipient string, subject string, templateId string) error
}

var mailer Mailer

func GetMailer() Mailer {
	return mailer
}

// SetMailer overrides the global transport. Test harnesses only.
func SetMailer(m Mailer) {
	mailer = m
}

type smtpMailer struct {
	dialer  *gomail.Dialer
	from    string
	timeout time.Duration
}

// ConnectMailer builds the SMTP transport from env. Unlike DB/redis there is
// no connection to hold open, so no retry loop here; dial failures surface per
// send and are retried by the dispatcher.
func ConnectMailer() {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		log.Printf("SMTP_HOST not set; notifications will be dropped at the transport")
		return
	}
	port := intFromEnv("SMTP_PORT", 587)
	from := os.Getenv("SMTP_FROM")
	if from == "" {
		from = "no-reply@labstock.local"
	}

	mailer = &smtpMailer{
		dialer:  gomail.NewDialer(host, port, os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASSWORD")),
		from:    from,
		timeout: time.Duration(intFromEnv("SMTP_SEND_TIMEOUT_SECONDS", 30)) * time.Second,
	}
	log.Printf("smtp mailer configured (host=%s port=%d)", host, port)
}

func (m *smtpMailer) Send(templateData map[string]string, recipient string, subject string, templateId string) error {
	if strings.TrimSpace(recipient) == "" || !strings.Contains(recipient, "@") {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", recipient)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("X-Template-Id", templateId)
	msg.SetBody("text/plain", flattenTemplateData(templateData))

	return sendWithTimeout(func() error {
		return m.dialer.DialAndSend(msg)
	}, m.timeout)
}

// sendWithTimeout bounds a transport call that has no context support. A hung
// connection must not pin a dispatcher worker forever; on timeout the send
// goroutine is abandoned and left to the dialer's own TCP timeouts. The error
// reads as a transport failure, which the delivery handler treats as
// retryable.
func sendWithTimeout(send func() error, timeout time.Duration) error {
	if timeout <= 0 {
		return send()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- send() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("smtp send timed out after %s", timeout)
	}
}

// flattenTemplateData renders a deterministic plain-text fallback body. The
// template id header lets the downstream relay substitute the real HTML.
func flattenTemplateData(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(data[k])
		b.WriteString("\n")
	}
	return b.String()
}
