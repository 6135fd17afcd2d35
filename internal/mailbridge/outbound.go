package mailbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/queue"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// ErrNoRecipient is returned when a session has no user email address.
var ErrNoRecipient = errors.New("session has no user email")

// DefaultTokenTTL is how long a correlation token keeps resolving.
const DefaultTokenTTL = 72 * time.Hour

// MessageWriter durably appends operator messages to a conversation.
type MessageWriter interface {
	AppendOperatorMessage(ctx context.Context, sessionID, operatorID string, ch domain.Channel, content string, original *string, email *domain.EmailMetadata) (*domain.SupportMessage, error)
}

// SendEmailTask is the payload of queue.TypeSendEmail.
type SendEmailTask struct {
	MessageID string `json:"message_id"`
}

// NotifyEmailTask is the payload of queue.TypeNotifyEmail: one operator,
// one notification.
type NotifyEmailTask struct {
	OperatorID string `json:"operator_id"`
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// Outbound sends operator replies to end users and notification emails to
// operators. Messages are stored synchronously; delivery runs on the queue.
type Outbound struct {
	DB       *gorm.DB
	Messages MessageWriter
	Queue    queue.Enqueuer
	Sender   Sender
	Default  SMTPConfig
	// Domain is the right-hand side of generated Message-IDs.
	Domain   string
	TokenTTL time.Duration
	Clock    clockwork.Clock
	Log      zerolog.Logger
}

// Register installs the delivery handlers on mux.
func (o *Outbound) Register(mux *queue.Mux) {
	mux.Handle(queue.TypeSendEmail, o.HandleSendEmail)
	mux.Handle(queue.TypeNotifyEmail, o.HandleNotifyEmail)
}

// SendToUser stores an operator reply on the email channel and queues its
// delivery. The session's correlation token is kept (and extended) or
// rotated, and persisted only once the message is stored, so a rejected
// reply never leaves a token behind. A queueing failure is logged; the
// message itself is already durable.
func (o *Outbound) SendToUser(ctx context.Context, sessionID, operatorID, content string, original *string) (*domain.SupportMessage, error) {
	ctx, span := observability.Tracer("mailbridge").Start(ctx, "Outbound.SendToUser")
	defer span.End()

	s, err := repo.GetSession(ctx, o.DB, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserEmail == "" {
		return nil, ErrNoRecipient
	}
	agent, err := repo.GetAgent(ctx, o.DB, s.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	tok, exp, err := o.nextToken(s)
	if err != nil {
		return nil, err
	}

	md := o.headers(agent, tok)
	m, err := o.Messages.AppendOperatorMessage(ctx, s.ID, operatorID, domain.ChannelEmail, content, original, &md)
	if err != nil {
		return nil, err
	}
	if err := repo.SetAccessToken(ctx, o.DB, s.ID, tok, exp); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	o.queueSend(ctx, m.ID)
	return m, nil
}

// ForwardToUser mails an already stored chat reply to the session's user,
// for guests who are no longer connected. The token and the message's email
// headers are written together.
func (o *Outbound) ForwardToUser(ctx context.Context, sessionID, messageID string) error {
	ctx, span := observability.Tracer("mailbridge").Start(ctx, "Outbound.ForwardToUser")
	defer span.End()

	s, err := repo.GetSession(ctx, o.DB, sessionID)
	if err != nil {
		return err
	}
	if s.UserEmail == "" {
		return ErrNoRecipient
	}
	m, err := repo.GetSupportMessage(ctx, o.DB, messageID)
	if err != nil {
		return err
	}
	if m.SessionID != s.ID {
		return repo.ErrNotFound
	}
	agent, err := repo.GetAgent(ctx, o.DB, s.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	tok, exp, err := o.nextToken(s)
	if err != nil {
		return err
	}

	md := o.headers(agent, tok)
	err = o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SetSupportMessageEmail(ctx, tx, m.ID, md); err != nil {
			return err
		}
		return repo.SetAccessToken(ctx, tx, s.ID, tok, exp)
	})
	if err != nil {
		return fmt.Errorf("store email headers: %w", err)
	}
	o.queueSend(ctx, m.ID)
	return nil
}

func (o *Outbound) headers(agent *domain.Agent, tok string) domain.EmailMetadata {
	return domain.EmailMetadata{
		MessageID: OutboundMessageID(tok, o.Domain),
		Subject:   Subject(agent.Name, tok),
	}
}

func (o *Outbound) queueSend(ctx context.Context, messageID string) {
	if err := o.Queue.Enqueue(ctx, queue.TypeSendEmail, SendEmailTask{MessageID: messageID}); err != nil {
		o.Log.Error().Err(err).Str("message_id", messageID).Msg("queue outbound email")
	}
}

// Subject is the outbound subject line for an agent's support thread.
func Subject(agentName, token string) string {
	name := strings.TrimSpace(agentName)
	if name == "" {
		name = "Support"
	}
	return name + " " + SubjectTag(token)
}

// nextToken returns the session's active token or a fresh one, with the
// extended expiry. Nothing is stored; a replaced token stops resolving once
// the caller persists the new one.
func (o *Outbound) nextToken(s *domain.Session) (string, time.Time, error) {
	now := clockOrReal(o.Clock).Now()
	ttl := o.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if s.TokenActive(now) {
		return *s.AccessToken, now.Add(ttl), nil
	}
	tok, err := NewToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	return tok, now.Add(ttl), nil
}

// HandleSendEmail delivers a stored operator reply. Missing rows are
// permanent failures; SMTP errors are retried by the queue.
func (o *Outbound) HandleSendEmail(ctx context.Context, t queue.Task) error {
	var p SendEmailTask
	if err := t.Decode(&p); err != nil {
		return err
	}
	m, err := repo.GetSupportMessage(ctx, o.DB, p.MessageID)
	if err != nil {
		return permanentIfMissing(err)
	}
	s, err := repo.GetSession(ctx, o.DB, m.SessionID)
	if err != nil {
		return permanentIfMissing(err)
	}
	agent, err := repo.GetAgent(ctx, o.DB, s.AgentID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if s.UserEmail == "" {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, ErrNoRecipient)
	}

	md := m.EmailMetadata.Data()
	out := Mail{
		To:        s.UserEmail,
		Subject:   md.Subject,
		Body:      m.Content,
		MessageID: md.MessageID,
		ReplyTo:   agent.SupportEmail,
	}
	if ref := footerRef(md); ref != "" {
		out.Body += "\n\n--\nRéf: " + ref
	}
	if last, err := repo.LatestUserEmail(ctx, o.DB, s.ID); err == nil {
		lm := last.EmailMetadata.Data()
		out.InReplyTo = lm.MessageID
		out.References = append(append([]string{}, lm.References...), lm.MessageID)
	}

	if err := o.Sender.Send(ctx, ForAgent(agent, o.Default), out); err != nil {
		observability.Notifications.WithLabelValues("email_reply", "error").Inc()
		return err
	}
	observability.Notifications.WithLabelValues("email_reply", "sent").Inc()
	return nil
}

// HandleNotifyEmail sends one notification email to one operator through
// the platform SMTP server.
func (o *Outbound) HandleNotifyEmail(ctx context.Context, t queue.Task) error {
	var p NotifyEmailTask
	if err := t.Decode(&p); err != nil {
		return err
	}
	op, err := repo.GetOperator(ctx, o.DB, p.OperatorID)
	if err != nil {
		return permanentIfMissing(err)
	}
	err = o.Sender.Send(ctx, o.Default, Mail{To: op.Email, Subject: p.Title, Body: p.Body})
	if err != nil {
		observability.Notifications.WithLabelValues("email", "error").Inc()
		return err
	}
	observability.Notifications.WithLabelValues("email", "sent").Inc()
	return nil
}

// footerRef is the short reference of the token the message was composed
// with, so body and subject always agree.
func footerRef(md domain.EmailMetadata) string {
	if ref, ok := ShortRefFrom(md.Subject); ok {
		return ref
	}
	if toks := HeaderTokens(md.MessageID); len(toks) > 0 {
		return ShortRef(toks[0])
	}
	return ""
}

func permanentIfMissing(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	}
	return err
}

func clockOrReal(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}
