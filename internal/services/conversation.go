// Package services – Conversation
//
// This file implements the support conversation store: the append-only log
// of user, operator and system messages across chat and email. Every write
// bumps the session's last activity; user-authored writes also mark the user
// online in the support metadata. Reads are ordered (CreatedAt ASC, ID ASC).
//
// Conversation also accepts correlated inbound emails from the mail bridge,
// storing the reply and its attachments idempotently.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/events"
	"github.com/tbourn/go-support-handoff/internal/mailbridge"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// UserMessageNotifier is told about user messages arriving on a session
// under human support.
type UserMessageNotifier interface {
	NotifyNewUserMessage(ctx context.Context, s *domain.Session, m *domain.SupportMessage)
}

// OperatorReplyNotifier is told about operator replies on the chat channel.
type OperatorReplyNotifier interface {
	NotifyOperatorReply(ctx context.Context, s *domain.Session, m *domain.SupportMessage)
}

// Conversation is the support conversation store.
type Conversation struct {
	DB     *gorm.DB
	Events events.Publisher
	// Attachments stores files carried by inbound emails; nil drops them.
	Attachments *attachments.Pipeline
	// Notifier is told about inbound user emails; nil skips notification.
	Notifier UserMessageNotifier
	// Replies is told about chat replies, to reach guests who left; nil
	// skips it.
	Replies OperatorReplyNotifier
	Clock   clockwork.Clock
	Log     zerolog.Logger

	// MaxContentRunes caps message length; zero means unlimited.
	MaxContentRunes int
}

func (c *Conversation) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *Conversation) tracer() trace.Tracer { return observability.Tracer("services/Conversation") }

func (c *Conversation) clean(content string) (string, error) {
	content = sanitizeContent(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if c.MaxContentRunes > 0 && utf8.RuneCountInString(content) > c.MaxContentRunes {
		return "", ErrTooLong
	}
	return content, nil
}

// AppendUserMessage stores a message written by the end user and marks the
// user online. email carries the headers of an email-channel message; its
// MessageID keys inbound idempotency and a repeat returns repo.ErrDuplicate.
func (c *Conversation) AppendUserMessage(ctx context.Context, sessionID string, ch domain.Channel, content string, email *domain.EmailMetadata) (*domain.SupportMessage, error) {
	ctx, span := c.tracer().Start(ctx, "AppendUserMessage",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("channel", string(ch))),
	)
	defer span.End()

	content, err := c.clean(content)
	if err != nil {
		return nil, err
	}
	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	in := repo.NewSupportMessage{
		SessionID:  s.ID,
		SenderType: domain.SenderUser,
		Channel:    ch,
		Content:    content,
		Email:      email,
	}
	if email != nil && email.MessageID != "" {
		id := email.MessageID
		in.EmailMessageID = &id
	}
	now := c.now()
	m, err := repo.CreateSupportMessage(ctx, c.DB, in, now)
	if err != nil {
		return nil, err
	}
	c.afterWrite(ctx, s, m, true)
	return m, nil
}

// AppendOperatorMessage stores a reply written by an operator. original is
// the operator's text before AI rewording, if any.
func (c *Conversation) AppendOperatorMessage(ctx context.Context, sessionID, operatorID string, ch domain.Channel, content string, original *string, email *domain.EmailMetadata) (*domain.SupportMessage, error) {
	ctx, span := c.tracer().Start(ctx, "AppendOperatorMessage",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("operator.id", operatorID)),
	)
	defer span.End()

	content, err := c.clean(content)
	if err != nil {
		return nil, err
	}
	if original != nil {
		o := sanitizeContent(*original)
		original = &o
	}
	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	m, err := repo.CreateSupportMessage(ctx, c.DB, repo.NewSupportMessage{
		SessionID:       s.ID,
		SenderType:      domain.SenderAgent,
		SenderID:        &operatorID,
		Channel:         ch,
		Content:         content,
		OriginalContent: original,
		Email:           email,
		Read:            true,
	}, c.now())
	if err != nil {
		return nil, err
	}
	c.afterWrite(ctx, s, m, false)
	if ch == domain.ChannelChat && c.Replies != nil {
		c.Replies.NotifyOperatorReply(ctx, s, m)
	}
	return m, nil
}

// AppendSystemMessage stores a pre-read system notice on the chat channel.
func (c *Conversation) AppendSystemMessage(ctx context.Context, sessionID, content string) (*domain.SupportMessage, error) {
	content, err := c.clean(content)
	if err != nil {
		return nil, err
	}
	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	m, err := repo.CreateSupportMessage(ctx, c.DB, repo.NewSupportMessage{
		SessionID:  s.ID,
		SenderType: domain.SenderSystem,
		Channel:    domain.ChannelChat,
		Content:    content,
		Read:       true,
	}, c.now())
	if err != nil {
		return nil, err
	}
	c.afterWrite(ctx, s, m, false)
	return m, nil
}

// afterWrite touches activity, refreshes the user presence hint and
// publishes the message event. Failures are logged; the message is stored.
func (c *Conversation) afterWrite(ctx context.Context, s *domain.Session, m *domain.SupportMessage, fromUser bool) {
	log := c.Log.With().Str("session_id", s.ID).Str("message_id", m.ID).Logger()
	if err := repo.TouchActivity(ctx, c.DB, s.ID, m.CreatedAt); err != nil {
		log.Warn().Err(err).Msg("touch session activity")
	}
	if fromUser {
		seen := m.CreatedAt
		_, _, err := updateMetadata(ctx, c.DB, s.ID, c.now(), func(md *domain.SupportMetadata) bool {
			md.UserOnline = true
			md.UserLastSeenAt = &seen
			return true
		})
		if err != nil {
			log.Warn().Err(err).Msg("mark user online")
		}
	}
	if c.Events == nil {
		return
	}
	err := c.Events.Publish(ctx, events.Event{
		Name:      events.MessageCreated,
		AgentID:   s.AgentID,
		SessionID: s.ID,
		Data: map[string]any{
			"message_id":  m.ID,
			"sender_type": m.SenderType,
			"channel":     m.Channel,
		},
		At: m.CreatedAt,
	})
	if err != nil {
		log.Warn().Err(err).Msg("publish message event")
	}
}

// History returns the session's messages oldest first. limit <= 0 returns all.
func (c *Conversation) History(ctx context.Context, sessionID string, limit int) ([]domain.SupportMessage, error) {
	if _, err := loadSession(ctx, c.DB, sessionID); err != nil {
		return nil, err
	}
	return repo.ListSupportMessages(ctx, c.DB, sessionID, nil, limit)
}

// Since returns the messages created strictly after ts, oldest first.
func (c *Conversation) Since(ctx context.Context, sessionID string, ts time.Time) ([]domain.SupportMessage, error) {
	if _, err := loadSession(ctx, c.DB, sessionID); err != nil {
		return nil, err
	}
	return repo.ListSupportMessages(ctx, c.DB, sessionID, &ts, 0)
}

// UnreadCount counts user messages no operator has read yet.
func (c *Conversation) UnreadCount(ctx context.Context, sessionID string) (int64, error) {
	return repo.CountUnreadUserMessages(ctx, c.DB, sessionID)
}

// MarkRead marks unread user messages as read; empty ids marks all of them.
func (c *Conversation) MarkRead(ctx context.Context, sessionID string, ids []string) (int64, error) {
	if _, err := loadSession(ctx, c.DB, sessionID); err != nil {
		return 0, err
	}
	return repo.MarkSupportMessagesRead(ctx, c.DB, sessionID, ids, c.now())
}

// MarkLearned records learned provenance on a message once.
func (c *Conversation) MarkLearned(ctx context.Context, messageID, actor, learnedResponseID string) error {
	ok, err := repo.MarkSupportMessageLearned(ctx, c.DB, messageID, actor, learnedResponseID, c.now())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := repo.GetSupportMessage(ctx, c.DB, messageID); errors.Is(err, repo.ErrNotFound) {
			return ErrMessageNotFound
		}
	}
	return nil
}

// AIHistory returns the AI-phase transcript that preceded the handoff.
func (c *Conversation) AIHistory(ctx context.Context, sessionID string, limit int) ([]domain.AIMessage, error) {
	if _, err := loadSession(ctx, c.DB, sessionID); err != nil {
		return nil, err
	}
	return repo.ListAIMessages(ctx, c.DB, sessionID, limit)
}

// AcceptEmail stores a correlated inbound reply. A reply already stored for
// the same Message-ID reports created=false. Attachments are stored after
// the message; a rejected or failed attachment never drops the reply.
func (c *Conversation) AcceptEmail(ctx context.Context, in mailbridge.InboundEmail) (bool, error) {
	ctx, span := c.tracer().Start(ctx, "AcceptEmail",
		trace.WithAttributes(attribute.String("session.id", in.Session.ID)),
	)
	defer span.End()

	md := in.Message.Metadata()
	md.MessageID = in.MessageID
	m, err := c.AppendUserMessage(ctx, in.Session.ID, domain.ChannelEmail, in.Reply, &md)
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store inbound email: %w", err)
	}

	if in.Session.UserEmail == "" && in.Message.From != "" {
		if err := repo.SetUserEmail(ctx, c.DB, in.Session.ID, in.Message.From, c.now()); err != nil {
			c.Log.Warn().Err(err).Str("session_id", in.Session.ID).Msg("store sender address")
		}
	}

	for _, a := range in.Message.Attachments {
		if c.Attachments == nil {
			break
		}
		_, err := c.Attachments.Store(ctx, attachments.Upload{
			Name:     a.Name,
			MimeType: a.MimeType,
			Size:     int64(len(a.Data)),
			Body:     bytes.NewReader(a.Data),
		}, in.Session.ID, &m.ID, domain.SourceEmail)
		if err != nil {
			c.Log.Warn().Err(err).Str("session_id", in.Session.ID).Str("file", a.Name).Msg("inbound attachment not stored")
		}
	}

	if c.Notifier != nil {
		s, err := loadSession(ctx, c.DB, in.Session.ID)
		if err == nil {
			c.Notifier.NotifyNewUserMessage(ctx, s, m)
		}
	}
	return true, nil
}
