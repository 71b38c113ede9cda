package sender

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/leadgen-pipeline/internal/mxrouter"
	"github.com/leadforge/leadgen-pipeline/internal/normalize"
	"github.com/leadforge/leadgen-pipeline/internal/pkg/logger"
)

// Classifier picks a routing class for a recipient domain.
// *mxrouter.Router satisfies it.
type Classifier interface {
	Classify(ctx context.Context, domain string) mxrouter.Result
}

// OutreachMessage is the slice of an outreach_messages row the sender needs.
type OutreachMessage struct {
	ID        string
	CompanyID string
	ContactID string
	Recipient string
	Subject   string
	Body      string
}

// DeliverOutcome reports the result of one delivery attempt.
type DeliverOutcome struct {
	Status   string // sent | failed | skipped | scheduled | disabled
	Provider string
	Fallback bool
	Reason   string
}

// Sender delivers scheduled outreach messages. The yandex channel serves
// RU-classified recipients with a gmail Reply-To; everything else goes
// through gmail directly.
type Sender struct {
	db             *sql.DB
	router         Classifier
	transport      Transport
	gmail          Channel
	yandex         Channel
	window         Window
	sendingEnabled bool
	now            func() time.Time
}

// Config wires a Sender together.
type Config struct {
	DB             *sql.DB
	Router         Classifier
	Transport      Transport
	Gmail          Channel
	Yandex         Channel
	Window         Window
	SendingEnabled bool
}

func New(cfg Config) *Sender {
	transport := cfg.Transport
	if transport == nil {
		transport = NewSMTPTransport()
	}
	return &Sender{
		db:             cfg.DB,
		router:         cfg.Router,
		transport:      transport,
		gmail:          cfg.Gmail,
		yandex:         cfg.Yandex,
		window:         cfg.Window,
		sendingEnabled: cfg.SendingEnabled,
		now:            time.Now,
	}
}

// Deliver sends one scheduled message. Outside the send window or with
// sending disabled it returns without touching the row, so the message is
// picked up again later.
func (s *Sender) Deliver(ctx context.Context, msg OutreachMessage) (DeliverOutcome, error) {
	if !s.sendingEnabled {
		return DeliverOutcome{Status: "disabled"}, nil
	}
	if !s.window.Contains(s.now()) {
		return DeliverOutcome{Status: "scheduled", Reason: "outside_send_window"}, nil
	}

	recipient := normalize.CleanEmail(msg.Recipient)
	if !normalize.IsValidEmail(recipient) {
		return s.skip(ctx, msg.ID, "invalid_email")
	}
	optedOut, err := s.isOptedOut(ctx, recipient)
	if err != nil {
		return DeliverOutcome{}, err
	}
	if optedOut {
		return s.skip(ctx, msg.ID, "opt_out")
	}

	domain := normalize.Domain(strings.SplitN(recipient, "@", 2)[1])
	mx := s.router.Classify(ctx, domain)

	channel, replyTo, fallback := s.pickRoute(mx.Class)
	messageID := buildMessageID(channel.Host)
	payload := buildMessage(channel, recipient, replyTo, messageID, msg.Subject, msg.Body)

	sendErr := s.transport.Send(ctx, channel, recipient, payload)
	var firstError string
	var authErr *AuthError
	// Auth failures stay on their channel even when the reply text carries a
	// spam status code; only policy rejections go through the fallback.
	if sendErr != nil && channel.Provider == "yandex" && !errors.As(sendErr, &authErr) &&
		IsSpamRejection(sendErr) && s.gmail.Configured() {
		// One retry through gmail with rebuilt headers.
		firstError = sendErr.Error()
		fallback = true
		channel = s.gmail
		messageID = buildMessageID(channel.Host)
		payload = buildMessage(channel, recipient, "", messageID, msg.Subject, msg.Body)
		sendErr = s.transport.Send(ctx, channel, recipient, payload)
	}

	if sendErr != nil {
		reason := sendErr.Error()
		if firstError != "" {
			reason = fmt.Sprintf("%s; after yandex rejection: %s", reason, firstError)
		}
		if errors.As(sendErr, &authErr) {
			log.Printf("[Sender] Auth failure on %s channel: %v", channel.Provider, authErr)
		}
		return s.fail(ctx, msg.ID, channel.Provider, reason)
	}

	outcome := DeliverOutcome{Status: "sent", Provider: channel.Provider, Fallback: fallback}
	metadata, err := json.Marshal(map[string]any{
		"route": map[string]any{
			"provider":   channel.Provider,
			"fallback":   fallback,
			"mx_class":   string(mx.Class),
			"mx_records": mx.Records,
			"error":      firstError,
		},
		"message_id": messageID,
	})
	if err != nil {
		return outcome, fmt.Errorf("marshal send metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE outreach_messages
		SET status = 'sent', sent_at = NOW(), last_error = NULL,
		    metadata = metadata || $1
		WHERE id = $2 AND status = 'scheduled'`,
		metadata, msg.ID)
	if err != nil {
		return outcome, fmt.Errorf("mark message sent: %w", err)
	}

	log.Printf("[Sender] Sent %s to %s via %s (fallback=%t)",
		msg.ID, logger.RedactEmail(recipient), channel.Provider, fallback)
	return outcome, nil
}

// pickRoute maps an MX class to a channel. RU prefers yandex with a gmail
// Reply-To; a misconfigured preferred channel degrades to gmail.
func (s *Sender) pickRoute(class mxrouter.Class) (channel Channel, replyTo string, fallback bool) {
	if class == mxrouter.ClassRU {
		if s.yandex.Configured() {
			return s.yandex, s.gmail.FromHeader(), false
		}
		return s.gmail, "", true
	}
	return s.gmail, "", false
}

func (s *Sender) isOptedOut(ctx context.Context, recipient string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM opt_out_registry WHERE contact_value = $1)`,
		strings.ToLower(recipient)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check opt-out: %w", err)
	}
	return exists, nil
}

func (s *Sender) skip(ctx context.Context, id, reason string) (DeliverOutcome, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outreach_messages
		SET status = 'skipped', last_error = $1
		WHERE id = $2 AND status = 'scheduled'`, reason, id)
	if err != nil {
		return DeliverOutcome{}, fmt.Errorf("mark message skipped: %w", err)
	}
	return DeliverOutcome{Status: "skipped", Reason: reason}, nil
}

func (s *Sender) fail(ctx context.Context, id, provider, reason string) (DeliverOutcome, error) {
	reason = truncateRunes(reason, 500)
	metadata, err := json.Marshal(map[string]any{
		"route": map[string]any{"provider": provider, "error": reason},
	})
	if err != nil {
		return DeliverOutcome{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE outreach_messages
		SET status = 'failed', last_error = $1, metadata = metadata || $2
		WHERE id = $3 AND status = 'scheduled'`, reason, metadata, id)
	if err != nil {
		return DeliverOutcome{}, fmt.Errorf("mark message failed: %w", err)
	}
	return DeliverOutcome{Status: "failed", Provider: provider, Reason: reason}, nil
}

// truncateRunes cuts on a rune boundary so Cyrillic error text stays valid
// UTF-8 for the database write.
func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func buildMessageID(host string) string {
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.New(), host)
}

// buildMessage assembles the plain-text RFC 5322 payload.
func buildMessage(ch Channel, to, replyTo, messageID, subject, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", ch.FromHeader())
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	if replyTo != "" {
		fmt.Fprintf(&sb, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	fmt.Fprintf(&sb, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
