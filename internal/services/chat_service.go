// Package services – ChatService
//
// This file implements the guest side of a session. While no human handles
// the session, messages are answered by retrieval and the AI exchange is kept
// as the pre-handoff transcript; a low-confidence answer escalates the
// session. Once support is active, guest messages go to the support
// conversation and notify operators instead.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// PostResult is the outcome of a guest message.
type PostResult struct {
	Session *domain.Session
	// Reply is the AI answer; nil when the message went to human support.
	Reply *domain.AIMessage
	// SupportMessage is set when the message joined the support conversation.
	SupportMessage *domain.SupportMessage
	// Escalated reports that this message handed the session to a human.
	Escalated bool
}

// ChatService coordinates guest messages.
type ChatService struct {
	DB           *gorm.DB
	Conversation *Conversation
	Coordinator  *Coordinator
	Retriever    *Retriever
	Validate     *validator.Validate

	// MaxPromptRunes caps guest messages; zero means unlimited.
	MaxPromptRunes int

	Clock clockwork.Clock
	Log   zerolog.Logger
}

func (s *ChatService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *ChatService) tracer() trace.Tracer { return observability.Tracer("services/ChatService") }

// CreateSession opens a session with agentID.
func (s *ChatService) CreateSession(ctx context.Context, agentID string) (*domain.Session, error) {
	if _, err := repo.GetAgent(ctx, s.DB, agentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return repo.CreateSession(ctx, s.DB, agentID, s.now())
}

// Post handles one guest message.
func (s *ChatService) Post(ctx context.Context, sessionID, content string) (*PostResult, error) {
	ctx, span := s.tracer().Start(ctx, "Post",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	content = sanitizeContent(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(content) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}
	sess, err := loadSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.SupportStatus.Active() {
		m, err := s.Conversation.AppendUserMessage(ctx, sess.ID, domain.ChannelChat, content, nil)
		if err != nil {
			return nil, err
		}
		s.Coordinator.NotifyNewUserMessage(ctx, sess, m)
		return &PostResult{Session: sess, SupportMessage: m}, nil
	}

	agent, err := repo.GetAgent(ctx, s.DB, sess.AgentID)
	if err != nil {
		return nil, err
	}
	ans := s.Retriever.Answer(ctx, agent.ID, content)
	score := ans.Score
	span.SetAttributes(attribute.Float64("retrieval.score", score))

	now := s.now()
	var question, reply *domain.AIMessage
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if question, err = repo.CreateAIMessage(ctx, tx, sess.ID, roleUser, content, nil, now); err != nil {
			return err
		}
		reply, err = repo.CreateAIMessage(ctx, tx, sess.ID, roleAssistant, ans.Text, &score, now.Add(time.Millisecond))
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := repo.TouchActivity(ctx, s.DB, sess.ID, now); err != nil {
		s.Log.Warn().Err(err).Str("session_id", sess.ID).Msg("touch session activity")
	}

	res := &PostResult{Session: sess, Reply: reply}
	if sess.SupportStatus != domain.StatusNone || !s.Coordinator.ShouldEscalate(agent, score) {
		return res, nil
	}
	esc, err := s.Coordinator.Escalate(ctx, sess.ID, EscalationRequest{
		Reason:           ReasonLowConfidence,
		Score:            &score,
		TriggerMessageID: question.ID,
	})
	switch {
	case err == nil:
		res.Session, res.Escalated = esc, true
	case errors.Is(err, ErrStateConflict):
		res.Session = esc
	default:
		s.Log.Error().Err(err).Str("session_id", sess.ID).Msg("automatic escalation")
	}
	return res, nil
}

// RequestHuman escalates a session on the guest's explicit request. An
// optional email address is stored for replies by email.
func (s *ChatService) RequestHuman(ctx context.Context, sessionID, email, reason string) (*domain.Session, error) {
	email = strings.TrimSpace(email)
	if email != "" {
		if err := s.checkEmail(email); err != nil {
			return nil, err
		}
	}
	req := EscalationRequest{Reason: ReasonUserRequest, UserEmail: strings.ToLower(email)}
	if r := strings.TrimSpace(reason); r != "" {
		req.Notes = map[string]string{"user_reason": r}
	}
	return s.Coordinator.Escalate(ctx, sessionID, req)
}

// SetUserEmail stores the guest's address for email replies.
func (s *ChatService) SetUserEmail(ctx context.Context, sessionID, email string) error {
	email = strings.TrimSpace(email)
	if err := s.checkEmail(email); err != nil {
		return err
	}
	err := repo.SetUserEmail(ctx, s.DB, sessionID, strings.ToLower(email), s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

func (s *ChatService) checkEmail(email string) error {
	v := s.Validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Var(email, "required,email,max=255"); err != nil {
		return ErrInvalidEmail
	}
	return nil
}
