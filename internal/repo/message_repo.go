// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the support
// message log and the AI-phase transcript.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// NewSupportMessage carries the fields of a support message to append.
type NewSupportMessage struct {
	SessionID       string
	SenderType      domain.SenderType
	SenderID        *string
	Channel         domain.Channel
	Content         string
	OriginalContent *string
	EmailMessageID  *string
	Email           *domain.EmailMetadata
	Read            bool
}

// CreateSupportMessage appends a support message. WasAIImproved is derived
// from OriginalContent. A second insert with the same (session, email message
// id) returns ErrDuplicate.
func CreateSupportMessage(ctx context.Context, db *gorm.DB, in NewSupportMessage, now time.Time) (*domain.SupportMessage, error) {
	now = now.UTC()
	m := &domain.SupportMessage{
		ID:              uuid.NewString(),
		SessionID:       in.SessionID,
		SenderType:      in.SenderType,
		SenderID:        in.SenderID,
		Channel:         in.Channel,
		Content:         in.Content,
		OriginalContent: in.OriginalContent,
		WasAIImproved:   in.OriginalContent != nil && *in.OriginalContent != in.Content,
		EmailMessageID:  in.EmailMessageID,
		IsRead:          in.Read,
		CreatedAt:       now,
	}
	if in.Email != nil {
		m.EmailMetadata = datatypes.NewJSONType(*in.Email)
	}
	if in.Read {
		m.ReadAt = &now
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return m, nil
}

// GetSupportMessage fetches a support message by id.
func GetSupportMessage(ctx context.Context, db *gorm.DB, id string) (*domain.SupportMessage, error) {
	var m domain.SupportMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SetSupportMessageEmail records the outbound headers of a message that is
// also delivered by email.
func SetSupportMessageEmail(ctx context.Context, db *gorm.DB, id string, md domain.EmailMetadata) error {
	res := db.WithContext(ctx).
		Model(&domain.SupportMessage{}).
		Where("id = ?", id).
		Update("email_metadata", datatypes.NewJSONType(md))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSupportMessages returns messages ordered deterministically (CreatedAt ASC,
// ID ASC). A non-nil since keeps only messages created strictly after it.
func ListSupportMessages(ctx context.Context, db *gorm.DB, sessionID string, since *time.Time, limit int) ([]domain.SupportMessage, error) {
	var out []domain.SupportMessage
	q := db.WithContext(ctx).Where("session_id = ?", sessionID)
	if since != nil {
		q = q.Where("created_at > ?", since.UTC())
	}
	q = q.Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountUnreadUserMessages counts user-authored messages not yet read by an operator.
func CountUnreadUserMessages(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.SupportMessage{}).
		Where("session_id = ? AND sender_type = ? AND is_read = ?", sessionID, domain.SenderUser, false).
		Count(&total).Error
	return total, err
}

// MarkSupportMessagesRead flags unread user messages as read. With no ids all
// unread user messages of the session are marked.
func MarkSupportMessagesRead(ctx context.Context, db *gorm.DB, sessionID string, ids []string, now time.Time) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.SupportMessage{}).
		Where("session_id = ? AND sender_type = ? AND is_read = ?", sessionID, domain.SenderUser, false)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]any{"is_read": true, "read_at": now.UTC()})
	return res.RowsAffected, res.Error
}

// MarkSupportMessageLearned records learned provenance once. It returns false
// when the message was already learned.
func MarkSupportMessageLearned(ctx context.Context, db *gorm.DB, id, learnedBy, learnedResponseID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.SupportMessage{}).
		Where("id = ? AND learned_at IS NULL", id).
		Updates(map[string]any{
			"learned_at":          now.UTC(),
			"learned_by":          learnedBy,
			"learned_response_id": learnedResponseID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PrecedingUserMessage returns the latest user message of the session that
// was written before m, or ErrNotFound.
func PrecedingUserMessage(ctx context.Context, db *gorm.DB, m *domain.SupportMessage) (*domain.SupportMessage, error) {
	var out domain.SupportMessage
	err := db.WithContext(ctx).
		Where("session_id = ? AND sender_type = ?", m.SessionID, domain.SenderUser).
		Where("created_at < ? OR (created_at = ? AND id < ?)", m.CreatedAt, m.CreatedAt, m.ID).
		Order("created_at DESC, id DESC").
		First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAIMessage appends one utterance of the AI phase.
func CreateAIMessage(ctx context.Context, db *gorm.DB, sessionID, role, content string, score *float64, now time.Time) (*domain.AIMessage, error) {
	m := &domain.AIMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Score:     score,
		CreatedAt: now.UTC(),
	}
	return m, db.WithContext(ctx).Create(m).Error
}

// ListAIMessages returns the AI transcript ordered (CreatedAt ASC, ID ASC).
func ListAIMessages(ctx context.Context, db *gorm.DB, sessionID string, limit int) ([]domain.AIMessage, error) {
	var out []domain.AIMessage
	q := db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// GetAIMessage fetches an AI message by ID.
func GetAIMessage(ctx context.Context, db *gorm.DB, id string) (*domain.AIMessage, error) {
	var m domain.AIMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestUserEmail returns the newest email-channel message written by the
// user, or ErrNotFound. Outbound replies thread onto it.
func LatestUserEmail(ctx context.Context, db *gorm.DB, sessionID string) (*domain.SupportMessage, error) {
	var m domain.SupportMessage
	err := db.WithContext(ctx).
		Where("session_id = ? AND sender_type = ? AND channel = ?", sessionID, domain.SenderUser, domain.ChannelEmail).
		Order("created_at DESC, id DESC").
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}
