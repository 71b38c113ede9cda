package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Channel is one configured SMTP sending identity.
type Channel struct {
	Provider  string // "gmail" or "yandex"
	Host      string
	Port      int
	SSL       bool // implicit TLS on connect (yandex:465)
	StartTLS  bool // explicit TLS upgrade on a plaintext port (gmail:587)
	Username  string
	Password  string
	FromEmail string
	FromName  string
	Timeout   time.Duration
	TLSConfig *tls.Config // overrides the default TLS parameters when set
}

// Configured reports whether the channel can actually send.
func (c Channel) Configured() bool {
	return c.Host != "" && c.Port > 0 && c.FromEmail != ""
}

// FromHeader formats the From header, with the display name when present.
func (c Channel) FromHeader() string {
	if c.FromName != "" {
		return fmt.Sprintf("%s <%s>", c.FromName, c.FromEmail)
	}
	return c.FromEmail
}

func (c Channel) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c Channel) tlsConfig() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig
	}
	return &tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12}
}

// AuthError marks an SMTP authentication failure; the sender never retries
// these through the fallback channel.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("smtp auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// spamSignatures are the rejection markers that trigger the gmail fallback
// when the yandex channel refuses a message.
var spamSignatures = []string{"5.7.1", "5.7.0", "suspected spam", "message rejected"}

// IsSpamRejection reports whether an SMTP error looks like a spam-policy
// rejection rather than a transport failure.
func IsSpamRejection(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, sig := range spamSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// Transport sends a fully built RFC 5322 message through a channel.
type Transport interface {
	Send(ctx context.Context, ch Channel, to string, message []byte) error
}

// SMTPTransport is the production transport: implicit TLS or STARTTLS per
// channel, AUTH PLAIN only when credentials are configured.
type SMTPTransport struct{}

func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{}
}

func (t *SMTPTransport) Send(ctx context.Context, ch Channel, to string, message []byte) error {
	addr := fmt.Sprintf("%s:%d", ch.Host, ch.Port)
	dialer := &net.Dialer{Timeout: ch.timeout()}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(ch.timeout()))

	var client *smtp.Client
	helloDone := false
	switch {
	case ch.SSL:
		client = smtp.NewClient(tls.Client(conn, ch.tlsConfig()))
	case ch.StartTLS:
		// NewClientStartTLS runs the greeting, EHLO and TLS upgrade.
		client, err = smtp.NewClientStartTLS(conn, ch.tlsConfig())
		if err != nil {
			conn.Close()
			return fmt.Errorf("STARTTLS: %w", err)
		}
		helloDone = true
	default:
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	if !helloDone {
		if err := client.Hello("leadforge.dev"); err != nil {
			return fmt.Errorf("HELO: %w", err)
		}
	}

	if ch.Username != "" && ch.Password != "" {
		auth := sasl.NewPlainClient("", ch.Username, ch.Password)
		if err := client.Auth(auth); err != nil {
			return &AuthError{Err: err}
		}
	}

	if err := client.Mail(ch.FromEmail, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", to, err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		writer.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	if err := client.Quit(); err != nil {
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			return nil // delivery already accepted, QUIT hiccups are harmless
		}
	}
	return nil
}
