// Package mail delivers approved drafts.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gomail "github.com/wneessen/go-mail"
)

const DefaultTimeout = 30 * time.Second

// Message is one outbound email.
type Message struct {
	FromName string
	From     string
	ToName   string
	To       string
	CC       []string
	Subject  string
	Body     string
	DraftID  string
}

// Transport sends a message. Implementations return a TransportError for
// delivery failures.
type Transport interface {
	Send(ctx context.Context, m Message) error
}

// TransportError marks a failed delivery. The draft stays approved and is
// retried on the next poll.
type TransportError struct {
	DraftID string
	Err     error
}

func (e TransportError) Error() string {
	if e.DraftID == "" {
		return "transport: " + e.Err.Error()
	}
	return fmt.Sprintf("transport %s: %v", e.DraftID, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// SMTP sends through an authenticated STARTTLS relay.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS is one of "mandatory", "opportunistic" or "none".
	TLS     string
	Timeout time.Duration
}

func (s SMTP) tlsPolicy() gomail.TLSPolicy {
	switch strings.ToLower(s.TLS) {
	case "none":
		return gomail.NoTLS
	case "opportunistic":
		return gomail.TLSOpportunistic
	default:
		return gomail.TLSMandatory
	}
}

// Send dials the relay and delivers m. The call is bounded by the context
// and by s.Timeout.
func (s SMTP) Send(ctx context.Context, m Message) error {
	msg, err := Build(m)
	if err != nil {
		return err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := []gomail.Option{
		gomail.WithPort(s.Port),
		gomail.WithTLSPolicy(s.tlsPolicy()),
		gomail.WithTimeout(timeout),
	}
	if s.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.Username),
			gomail.WithPassword(s.Password),
		)
	}
	client, err := gomail.NewClient(s.Host, opts...)
	if err != nil {
		return TransportError{DraftID: m.DraftID, Err: fmt.Errorf("smtp client: %w", err)}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return TransportError{DraftID: m.DraftID, Err: err}
	}
	return nil
}

// Build validates m and converts it to a go-mail message.
func Build(m Message) (*gomail.Msg, error) {
	if strings.TrimSpace(m.From) == "" {
		return nil, errors.New("sender address is required")
	}
	if strings.TrimSpace(m.To) == "" {
		return nil, errors.New("recipient address is required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return nil, errors.New("subject is required")
	}
	msg := gomail.NewMsg()
	if err := msg.FromFormat(m.FromName, m.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", m.From, err)
	}
	if err := msg.AddToFormat(m.ToName, m.To); err != nil {
		return nil, fmt.Errorf("to %q: %w", m.To, err)
	}
	if cc := CCList(m.To, m.CC); len(cc) > 0 {
		if err := msg.Cc(cc...); err != nil {
			return nil, fmt.Errorf("cc: %w", err)
		}
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, m.Body)
	msg.SetDate()
	msg.SetMessageID()
	if m.DraftID != "" {
		msg.SetGenHeader(gomail.Header("X-Leadline-Draft"), m.DraftID)
	}
	return msg, nil
}

// CCList removes blanks, duplicates and the primary recipient from cc.
func CCList(to string, cc []string) []string {
	seen := map[string]struct{}{strings.ToLower(strings.TrimSpace(to)): {}}
	var out []string
	for _, addr := range cc {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// DryRun logs messages instead of sending them.
type DryRun struct {
	Log zerolog.Logger
}

func (d DryRun) Send(_ context.Context, m Message) error {
	if _, err := Build(m); err != nil {
		return err
	}
	d.Log.Info().
		Str("draft_id", m.DraftID).
		Str("to", m.To).
		Strs("cc", CCList(m.To, m.CC)).
		Str("subject", m.Subject).
		Msg("dry run: message not sent")
	return nil
}
