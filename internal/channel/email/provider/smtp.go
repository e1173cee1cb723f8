package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
)

// SMTPProvider sends email over plain SMTP. Used for local development
// against a MailHog-style catcher.
type SMTPProvider struct {
	host string
	port string
	user string
	pass string
}

// NewSMTPProvider creates an SMTP provider from SMTP_* environment variables.
func NewSMTPProvider() *SMTPProvider {
	return &SMTPProvider{
		host: getEnvOrDefault("SMTP_HOST", "localhost"),
		port: getEnvOrDefault("SMTP_PORT", "1025"),
		user: os.Getenv("SMTP_USER"),
		pass: os.Getenv("SMTP_PASSWORD"),
	}
}

// Name returns the provider name.
func (p *SMTPProvider) Name() string {
	return "smtp"
}

// IsConfigured returns true if an SMTP host is set.
func (p *SMTPProvider) IsConfigured() bool {
	return p.host != ""
}

// Send sends an email over SMTP.
func (p *SMTPProvider) Send(ctx context.Context, msg *Message) error {
	if !strings.Contains(msg.To, "@") {
		return fmt.Errorf("invalid email address format: %q", msg.To)
	}

	body := msg.Text
	contentType := "text/plain; charset=UTF-8"
	if msg.HTML != "" {
		body = msg.HTML
		contentType = "text/html; charset=UTF-8"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", contentType)
	b.WriteString(body)

	addr := fmt.Sprintf("%s:%s", p.host, p.port)
	var auth smtp.Auth
	if p.user != "" {
		auth = smtp.PlainAuth("", p.user, p.pass, p.host)
	}

	if err := smtp.SendMail(addr, auth, msg.From, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}

	slog.Info("Email sent via SMTP", "to", msg.To, "subject", msg.Subject)
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
