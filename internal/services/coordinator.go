// Package services – Coordinator
//
// This file implements the escalation coordinator: the decision to hand a
// session to a human, the support state machine and notification routing.
//
//	none ──Escalate──▶ escalated ──Assign──▶ assigned ──Resolve──▶ resolved
//	                       │                     │
//	                       └──────Abandon────────┴──────────────▶ abandoned
//
// Every transition is committed with an optimistic guard on the current
// support_status. A losing writer gets ErrStateConflict and the row is left
// as the winner wrote it. Notifications are sent after the commit and their
// failures are only logged.
package services

import (
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

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/events"
	"github.com/tbourn/go-support-handoff/internal/mailbridge"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/queue"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

const (
	// DefaultEscalationThreshold applies to agents without their own threshold.
	DefaultEscalationThreshold = 0.60
	// DefaultDedupWindow is the minimum gap between notification emails of
	// one session.
	DefaultDedupWindow = 60 * time.Second

	// Escalation reasons.
	ReasonLowConfidence = "low_confidence"
	ReasonUserRequest   = "user_request"
)

// Presence answers whether any operator watches an agent's support channel.
type Presence interface {
	HasOperatorsOnline(ctx context.Context, agentID string) bool
}

// GuestPresence answers whether the end user is connected to a session's chat.
type GuestPresence interface {
	GuestOnline(ctx context.Context, sessionID string) bool
}

// GuestMailer mails a stored chat reply to the session's user.
type GuestMailer interface {
	ForwardToUser(ctx context.Context, sessionID, messageID string) error
}

// EscalationRequest describes why a session is handed to a human.
type EscalationRequest struct {
	Reason           string
	Score            *float64
	TriggerMessageID string
	UserEmail        string
	Notes            map[string]string
}

// Coordinator owns the support state machine.
type Coordinator struct {
	DB           *gorm.DB
	Conversation *Conversation
	Presence     Presence
	Events       events.Publisher
	// Queue receives notification emails; nil disables them.
	Queue queue.Enqueuer
	// Guests and GuestMail route chat replies to offline guests by email;
	// either nil disables it.
	Guests    GuestPresence
	GuestMail GuestMailer

	DefaultThreshold float64
	DedupWindow      time.Duration

	Clock clockwork.Clock
	Log   zerolog.Logger
}

func (c *Coordinator) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *Coordinator) tracer() trace.Tracer { return observability.Tracer("services/Coordinator") }

// Threshold returns the escalation threshold of agent.
func (c *Coordinator) Threshold(agent *domain.Agent) float64 {
	if agent.EscalationThreshold != nil {
		return *agent.EscalationThreshold
	}
	if c.DefaultThreshold > 0 {
		return c.DefaultThreshold
	}
	return DefaultEscalationThreshold
}

// ShouldEscalate reports whether a retrieval answer scored below the agent's
// threshold calls for a human. It is always false when the agent has human
// support disabled.
func (c *Coordinator) ShouldEscalate(agent *domain.Agent, maxScore float64) bool {
	if agent == nil || !agent.HumanSupportEnabled {
		return false
	}
	return maxScore < c.Threshold(agent)
}

// Escalate moves a session from none to escalated and notifies operators.
// Active sessions return ErrStateConflict, ended ones ErrSessionClosed.
func (c *Coordinator) Escalate(ctx context.Context, sessionID string, req EscalationRequest) (*domain.Session, error) {
	ctx, span := c.tracer().Start(ctx, "Escalate",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("reason", req.Reason)),
	)
	defer span.End()

	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	agent, err := repo.GetAgent(ctx, c.DB, s.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	if !agent.HumanSupportEnabled {
		return nil, ErrSupportDisabled
	}
	if err := escalationBlocked(s.SupportStatus); err != nil {
		return s, err
	}

	now := c.now()
	updates := map[string]any{
		"support_status":    domain.StatusEscalated,
		"escalation_reason": req.Reason,
		"escalated_at":      now,
		"updated_at":        now,
	}
	if req.UserEmail != "" {
		updates["user_email"] = req.UserEmail
	}
	ok, err := repo.TransitionStatus(ctx, c.DB, s.ID, []domain.SupportStatus{domain.StatusNone}, updates)
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.Transitions.WithLabelValues(string(domain.StatusEscalated), "conflict").Inc()
		cur, err := loadSession(ctx, c.DB, s.ID)
		if err != nil {
			return nil, err
		}
		if err := escalationBlocked(cur.SupportStatus); err != nil {
			return cur, err
		}
		return cur, ErrStateConflict
	}
	observability.Transitions.WithLabelValues(string(domain.StatusEscalated), "ok").Inc()
	observability.Escalations.WithLabelValues(req.Reason).Inc()

	s, _, err = updateMetadata(ctx, c.DB, s.ID, now, func(md *domain.SupportMetadata) bool {
		md.EscalationScore = req.Score
		md.TriggerMessageID = req.TriggerMessageID
		for k, v := range req.Notes {
			md.SetNote(k, v)
		}
		return true
	})
	if err != nil {
		c.Log.Warn().Err(err).Str("session_id", sessionID).Msg("store escalation metadata")
		if s, err = loadSession(ctx, c.DB, sessionID); err != nil {
			return nil, err
		}
	}

	c.systemMessage(ctx, s.ID, "The conversation was handed over to our support team. An operator will reply shortly.")
	c.publish(ctx, events.SupportEscalated, s, map[string]any{"reason": req.Reason})

	candidates, err := c.candidates(ctx, s.AgentID)
	if err != nil {
		c.Log.Error().Err(err).Str("session_id", s.ID).Msg("load notification candidates")
		return s, nil
	}
	c.notify(ctx, s, agent, candidates, domain.NotifyEscalation,
		fmt.Sprintf("%s: new escalation", agent.Name),
		fmt.Sprintf("Session %s needs a human (%s).", s.ID, req.Reason))
	return s, nil
}

func escalationBlocked(st domain.SupportStatus) error {
	switch {
	case st.Active():
		return ErrStateConflict
	case st.Terminal():
		return ErrSessionClosed
	}
	return nil
}

// Assign hands an escalated session to actor. Exactly one of several
// concurrent callers wins; the others receive ErrStateConflict together with
// the session as the winner left it.
func (c *Coordinator) Assign(ctx context.Context, sessionID, actor string) (*domain.Session, error) {
	ctx, span := c.tracer().Start(ctx, "Assign",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("operator.id", actor)),
	)
	defer span.End()

	op, err := c.operator(ctx, actor)
	if err != nil {
		return nil, err
	}
	now := c.now()
	ok, err := repo.TransitionStatus(ctx, c.DB, sessionID, []domain.SupportStatus{domain.StatusEscalated}, map[string]any{
		"support_status":       domain.StatusAssigned,
		"assigned_operator_id": op.ID,
		"assigned_at":          now,
		"updated_at":           now,
	})
	if err != nil {
		return nil, err
	}
	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.Transitions.WithLabelValues(string(domain.StatusAssigned), "conflict").Inc()
		return s, ErrStateConflict
	}
	observability.Transitions.WithLabelValues(string(domain.StatusAssigned), "ok").Inc()

	c.systemMessage(ctx, s.ID, fmt.Sprintf("%s took over the conversation.", op.Name))
	c.publish(ctx, events.SupportAssigned, s, map[string]any{"operator_id": op.ID, "operator_name": op.Name})
	return s, nil
}

// Resolve closes an assigned session. Only the assigned operator or an admin
// may resolve.
func (c *Coordinator) Resolve(ctx context.Context, sessionID, actor string, rt domain.ResolutionType, notes string) (*domain.Session, error) {
	ctx, span := c.tracer().Start(ctx, "Resolve",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("operator.id", actor)),
	)
	defer span.End()

	if !rt.Valid() {
		return nil, ErrInvalidResolution
	}
	op, err := c.operator(ctx, actor)
	if err != nil {
		return nil, err
	}
	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	if s.SupportStatus != domain.StatusAssigned {
		return s, ErrStateConflict
	}
	if !mayAct(op, s) {
		return s, ErrForbidden
	}

	now := c.now()
	ok, err := repo.TransitionStatus(ctx, c.DB, s.ID, []domain.SupportStatus{domain.StatusAssigned}, map[string]any{
		"support_status":   domain.StatusResolved,
		"resolved_at":      now,
		"resolution_type":  rt,
		"resolution_notes": notes,
		"updated_at":       now,
	})
	if err != nil {
		return nil, err
	}
	if s, err = loadSession(ctx, c.DB, sessionID); err != nil {
		return nil, err
	}
	if !ok {
		observability.Transitions.WithLabelValues(string(domain.StatusResolved), "conflict").Inc()
		return s, ErrStateConflict
	}
	observability.Transitions.WithLabelValues(string(domain.StatusResolved), "ok").Inc()

	c.systemMessage(ctx, s.ID, "The conversation was marked as resolved.")
	c.publish(ctx, events.SupportResolved, s, map[string]any{"resolution_type": rt})
	return s, nil
}

// Abandon ends an escalated or assigned session without resolution. An
// assigned session may be abandoned by its operator or an admin, a waiting
// one by any operator subscribed to the agent. The assignment is cleared and
// the previous operator kept in the metadata.
func (c *Coordinator) Abandon(ctx context.Context, sessionID, actor, reason string) (*domain.Session, error) {
	ctx, span := c.tracer().Start(ctx, "Abandon",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("operator.id", actor)),
	)
	defer span.End()

	op, err := c.operator(ctx, actor)
	if err != nil {
		return nil, err
	}
	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.SupportStatus.Active() {
		return s, ErrStateConflict
	}
	if s.SupportStatus == domain.StatusAssigned && !mayAct(op, s) {
		return s, ErrForbidden
	}
	if s.SupportStatus == domain.StatusEscalated {
		ok, err := c.subscribed(ctx, op, s.AgentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s, ErrForbidden
		}
	}
	previous := ""
	if s.AssignedOperatorID != nil {
		previous = *s.AssignedOperatorID
	}

	now := c.now()
	ok, err := repo.TransitionStatus(ctx, c.DB, s.ID, []domain.SupportStatus{s.SupportStatus}, map[string]any{
		"support_status":       domain.StatusAbandoned,
		"assigned_operator_id": nil,
		"assigned_at":          nil,
		"updated_at":           now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.Transitions.WithLabelValues(string(domain.StatusAbandoned), "conflict").Inc()
		cur, err := loadSession(ctx, c.DB, sessionID)
		if err != nil {
			return nil, err
		}
		return cur, ErrStateConflict
	}
	observability.Transitions.WithLabelValues(string(domain.StatusAbandoned), "ok").Inc()

	s, _, err = updateMetadata(ctx, c.DB, s.ID, now, func(md *domain.SupportMetadata) bool {
		md.AbandonedOperatorID = previous
		md.SetNote("abandoned_by", op.ID)
		if reason != "" {
			md.SetNote("abandon_reason", reason)
		}
		return true
	})
	if err != nil {
		c.Log.Warn().Err(err).Str("session_id", sessionID).Msg("store abandon metadata")
		if s, err = loadSession(ctx, c.DB, sessionID); err != nil {
			return nil, err
		}
	}

	c.systemMessage(ctx, s.ID, "The support conversation was closed.")
	c.publish(ctx, events.SupportAbandoned, s, map[string]any{"operator_id": op.ID, "reason": reason})
	return s, nil
}

// NotifyNewUserMessage tells operators about a user message on a session
// under human support: the assigned operator, or every candidate while the
// session waits for one.
func (c *Coordinator) NotifyNewUserMessage(ctx context.Context, s *domain.Session, m *domain.SupportMessage) {
	if !s.SupportStatus.Active() {
		return
	}
	ctx, span := c.tracer().Start(ctx, "NotifyNewUserMessage",
		trace.WithAttributes(attribute.String("session.id", s.ID), attribute.String("message.id", m.ID)),
	)
	defer span.End()

	agent, err := repo.GetAgent(ctx, c.DB, s.AgentID)
	if err != nil {
		c.Log.Error().Err(err).Str("session_id", s.ID).Msg("load agent for notification")
		return
	}
	var recipients []domain.Operator
	if s.AssignedOperatorID != nil {
		recipients, err = repo.GetOperatorsByIDs(ctx, c.DB, []string{*s.AssignedOperatorID})
	} else {
		recipients, err = c.candidates(ctx, s.AgentID)
	}
	if err != nil {
		c.Log.Error().Err(err).Str("session_id", s.ID).Msg("load notification recipients")
		return
	}
	c.notify(ctx, s, agent, recipients, domain.NotifyNewMessage,
		fmt.Sprintf("%s: new message", agent.Name),
		excerpt(m.Content, 200))
}

// NotifyOperatorReply mails a chat reply to a guest who is not connected to
// the session channel. Guest emails have their own dedup window per session:
// the first reply of a burst is mailed, the rest wait in the chat.
func (c *Coordinator) NotifyOperatorReply(ctx context.Context, s *domain.Session, m *domain.SupportMessage) {
	if m.Channel != domain.ChannelChat || m.SenderType != domain.SenderAgent || s.UserEmail == "" {
		return
	}
	if c.Guests == nil || c.GuestMail == nil {
		return
	}
	ctx, span := c.tracer().Start(ctx, "NotifyOperatorReply",
		trace.WithAttributes(attribute.String("session.id", s.ID), attribute.String("message.id", m.ID)),
	)
	defer span.End()
	log := c.Log.With().Str("session_id", s.ID).Str("message_id", m.ID).Logger()

	if c.Guests.GuestOnline(ctx, s.ID) {
		observability.Notifications.WithLabelValues("guest_email", "skipped_presence").Inc()
		return
	}
	now := c.now()
	window := c.dedupWindow()
	_, claimed, err := updateMetadata(ctx, c.DB, s.ID, now, func(md *domain.SupportMetadata) bool {
		if md.LastGuestEmailAt != nil && now.Sub(*md.LastGuestEmailAt) < window {
			return false
		}
		md.LastGuestEmailAt = &now
		return true
	})
	if err != nil {
		log.Warn().Err(err).Msg("claim guest email window")
		return
	}
	if !claimed {
		observability.Notifications.WithLabelValues("guest_email", "deduped").Inc()
		return
	}
	if err := c.GuestMail.ForwardToUser(ctx, s.ID, m.ID); err != nil {
		observability.Notifications.WithLabelValues("guest_email", "error").Inc()
		log.Error().Err(err).Msg("forward reply to offline guest")
		return
	}
	observability.Notifications.WithLabelValues("guest_email", "queued").Inc()
}

func (c *Coordinator) dedupWindow() time.Duration {
	if c.DedupWindow <= 0 {
		return DefaultDedupWindow
	}
	return c.DedupWindow
}

// candidates are the operators subscribed to agentID, or every admin when
// nobody subscribed.
func (c *Coordinator) candidates(ctx context.Context, agentID string) ([]domain.Operator, error) {
	ops, err := repo.ListSubscribedOperators(ctx, c.DB, agentID)
	if err != nil {
		return nil, err
	}
	if len(ops) > 0 {
		return ops, nil
	}
	return repo.ListAdmins(ctx, c.DB)
}

// notify writes one inbox notification per recipient, then queues
// notification emails when no operator is online and the session's dedup
// window is open.
func (c *Coordinator) notify(ctx context.Context, s *domain.Session, agent *domain.Agent, to []domain.Operator, kind domain.NotificationKind, title, body string) {
	if len(to) == 0 {
		return
	}
	log := c.Log.With().Str("session_id", s.ID).Str("kind", string(kind)).Logger()
	now := c.now()

	rows := make([]repo.NewNotification, 0, len(to))
	for _, op := range to {
		rows = append(rows, repo.NewNotification{
			OperatorID: op.ID, AgentID: agent.ID, SessionID: s.ID,
			Kind: kind, Title: title, Body: body,
		})
	}
	if _, err := repo.CreateNotifications(ctx, c.DB, rows, now); err != nil {
		log.Error().Err(err).Msg("store notifications")
	} else {
		observability.Notifications.WithLabelValues("inbox", "sent").Add(float64(len(rows)))
	}

	if c.Queue == nil {
		return
	}
	if c.Presence != nil && c.Presence.HasOperatorsOnline(ctx, agent.ID) {
		observability.Notifications.WithLabelValues("email", "skipped_presence").Inc()
		return
	}
	window := c.dedupWindow()
	_, claimed, err := updateMetadata(ctx, c.DB, s.ID, now, func(md *domain.SupportMetadata) bool {
		if md.LastNotificationEmailAt != nil && now.Sub(*md.LastNotificationEmailAt) < window {
			return false
		}
		md.LastNotificationEmailAt = &now
		return true
	})
	if err != nil {
		log.Warn().Err(err).Msg("claim notification email window")
		return
	}
	if !claimed {
		observability.Notifications.WithLabelValues("email", "deduped").Inc()
		return
	}
	for _, op := range to {
		if op.Email == "" {
			continue
		}
		err := c.Queue.Enqueue(ctx, queue.TypeNotifyEmail, mailbridge.NotifyEmailTask{
			OperatorID: op.ID,
			AgentID:    agent.ID,
			SessionID:  s.ID,
			Kind:       string(kind),
			Title:      title,
			Body:       body,
		})
		if err != nil {
			log.Error().Err(err).Str("operator_id", op.ID).Msg("queue notification email")
		}
	}
}

func (c *Coordinator) operator(ctx context.Context, id string) (*domain.Operator, error) {
	op, err := repo.GetOperator(ctx, c.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}

func (c *Coordinator) systemMessage(ctx context.Context, sessionID, text string) {
	if c.Conversation == nil {
		return
	}
	if _, err := c.Conversation.AppendSystemMessage(ctx, sessionID, text); err != nil {
		c.Log.Warn().Err(err).Str("session_id", sessionID).Msg("append system message")
	}
}

func (c *Coordinator) publish(ctx context.Context, name string, s *domain.Session, data map[string]any) {
	if c.Events == nil {
		return
	}
	data["support_status"] = s.SupportStatus
	err := c.Events.Publish(ctx, events.Event{Name: name, AgentID: s.AgentID, SessionID: s.ID, Data: data, At: c.now()})
	if err != nil {
		c.Log.Warn().Err(err).Str("session_id", s.ID).Str("event", name).Msg("publish support event")
	}
}

// GetSession returns a session visible to actor.
func (c *Coordinator) GetSession(ctx context.Context, actor, sessionID string) (*domain.Session, error) {
	op, err := c.operator(ctx, actor)
	if err != nil {
		return nil, err
	}
	s, err := loadSession(ctx, c.DB, sessionID)
	if err != nil {
		return nil, err
	}
	ok, err := c.subscribed(ctx, op, s.AgentID)
	if err != nil {
		return nil, err
	}
	if ok {
		return s, nil
	}
	if s.AssignedOperatorID != nil && *s.AssignedOperatorID == op.ID {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

// ListSessions returns a page of sessions for an operator's queue. Admins see
// every agent; other operators only the agents they subscribed to.
func (c *Coordinator) ListSessions(ctx context.Context, actor string, f repo.SessionFilter, page, pageSize int) ([]domain.Session, int64, error) {
	ctx, span := c.tracer().Start(ctx, "ListSessions",
		trace.WithAttributes(attribute.String("operator.id", actor), attribute.Int("page", page), attribute.Int("page_size", pageSize)),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	op, err := c.operator(ctx, actor)
	if err != nil {
		return nil, 0, err
	}
	if op.Role != domain.RoleAdmin {
		subscribed, err := repo.ListSubscribedAgentIDs(ctx, c.DB, op.ID)
		if err != nil {
			return nil, 0, err
		}
		f.AgentIDs = intersect(f.AgentIDs, subscribed)
		if len(f.AgentIDs) == 0 {
			return []domain.Session{}, 0, nil
		}
	}

	total, err := repo.CountSessions(ctx, c.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Session{}, 0, nil
	}
	items, err := repo.ListSessionsPage(ctx, c.DB, f, (page-1)*pageSize, pageSize)
	return items, total, err
}

// mayAct reports whether op may close s: its assigned operator or any admin.
// subscribed reports whether op works agentID's queue. Admins work every queue.
func (c *Coordinator) subscribed(ctx context.Context, op *domain.Operator, agentID string) (bool, error) {
	if op.Role == domain.RoleAdmin {
		return true, nil
	}
	ids, err := repo.ListSubscribedAgentIDs(ctx, c.DB, op.ID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == agentID {
			return true, nil
		}
	}
	return false, nil
}

func mayAct(op *domain.Operator, s *domain.Session) bool {
	if op.Role == domain.RoleAdmin {
		return true
	}
	return s.AssignedOperatorID != nil && *s.AssignedOperatorID == op.ID
}

// intersect keeps the allowed ids; an empty want means all of allowed.
func intersect(want, allowed []string) []string {
	if len(want) == 0 {
		return allowed
	}
	ok := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		ok[id] = struct{}{}
	}
	out := make([]string, 0, len(want))
	for _, id := range want {
		if _, hit := ok[id]; hit {
			out = append(out, id)
		}
	}
	return out
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
