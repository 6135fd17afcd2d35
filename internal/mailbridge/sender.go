package mailbridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// SMTPConfig is one outgoing mail server identity.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// ForAgent returns the agent's own SMTP settings when configured, otherwise
// the platform default with the agent's support address as sender when set.
func ForAgent(a *domain.Agent, def SMTPConfig) SMTPConfig {
	if a == nil {
		return def
	}
	if a.SMTP.Configured() {
		from := a.SupportEmail
		if from == "" {
			from = a.SMTP.Username
		}
		return SMTPConfig{
			Host:     a.SMTP.Host,
			Port:     a.SMTP.Port,
			Username: a.SMTP.Username,
			Password: a.SMTP.Password,
			From:     from,
			FromName: a.Name,
		}
	}
	cfg := def
	if a.Name != "" {
		cfg.FromName = a.Name
	}
	return cfg
}

// Mail is one outbound plain text email.
type Mail struct {
	To         string
	Subject    string
	Body       string
	MessageID  string // without angle brackets; generated when empty
	InReplyTo  string
	References []string
	ReplyTo    string
}

// Sender delivers mail through a given server.
type Sender interface {
	Send(ctx context.Context, cfg SMTPConfig, m Mail) error
}

// SMTPSender delivers over SMTP with opportunistic TLS.
type SMTPSender struct {
	Timeout time.Duration
}

func (s SMTPSender) Send(ctx context.Context, cfg SMTPConfig, m Mail) error {
	if cfg.Host == "" {
		return fmt.Errorf("smtp: no server configured")
	}
	msg, err := buildMsg(cfg, m)
	if err != nil {
		return err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := []mail.Option{
		mail.WithTimeout(timeout),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", cfg.Host, err)
	}
	return nil
}

func buildMsg(cfg SMTPConfig, m Mail) (*mail.Msg, error) {
	msg := mail.NewMsg()
	var err error
	if cfg.FromName != "" {
		err = msg.FromFormat(cfg.FromName, cfg.From)
	} else {
		err = msg.From(cfg.From)
	}
	if err != nil {
		return nil, fmt.Errorf("from %q: %w", cfg.From, err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("to %q: %w", m.To, err)
	}
	if m.ReplyTo != "" {
		if err := msg.ReplyTo(m.ReplyTo); err != nil {
			return nil, fmt.Errorf("reply-to %q: %w", m.ReplyTo, err)
		}
	}
	msg.Subject(m.Subject)
	if m.MessageID != "" {
		msg.SetMessageIDWithValue(m.MessageID)
	} else {
		msg.SetMessageID()
	}
	if m.InReplyTo != "" {
		msg.SetGenHeader(mail.HeaderInReplyTo, angle(m.InReplyTo))
	}
	if len(m.References) > 0 {
		refs := make([]string, len(m.References))
		for i, r := range m.References {
			refs[i] = angle(r)
		}
		msg.SetGenHeader(mail.HeaderReferences, strings.Join(refs, " "))
	}
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, m.Body)
	return msg, nil
}

func angle(id string) string {
	if id == "" || id[0] == '<' {
		return id
	}
	return "<" + id + ">"
}
