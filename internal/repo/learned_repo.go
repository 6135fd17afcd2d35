// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for learned
// responses.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// NewLearned carries the fields of a learned question/answer pair.
type NewLearned struct {
	AgentID   string
	Question  string
	Answer    string
	SessionID string
	MessageID string
	CreatedBy string
}

// CreateLearnedResponse inserts an unindexed learned response.
func CreateLearnedResponse(ctx context.Context, db *gorm.DB, in NewLearned, now time.Time) (*domain.LearnedResponse, error) {
	now = now.UTC()
	lr := &domain.LearnedResponse{
		ID:        uuid.NewString(),
		AgentID:   in.AgentID,
		Question:  in.Question,
		Answer:    in.Answer,
		Source:    domain.LearnedSourceHumanSupport,
		SessionID: in.SessionID,
		MessageID: in.MessageID,
		CreatedBy: in.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(lr).Error; err != nil {
		return nil, err
	}
	return lr, nil
}

// GetLearnedResponse fetches a learned response by id.
func GetLearnedResponse(ctx context.Context, db *gorm.DB, id string) (*domain.LearnedResponse, error) {
	var lr domain.LearnedResponse
	if err := db.WithContext(ctx).Where("id = ?", id).First(&lr).Error; err != nil {
		return nil, err
	}
	return &lr, nil
}

// ListLearnedResponses returns every learned response of an agent, oldest first.
func ListLearnedResponses(ctx context.Context, db *gorm.DB, agentID string) ([]domain.LearnedResponse, error) {
	var out []domain.LearnedResponse
	err := db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MarkLearnedIndexed records a successful vector upsert and clears any
// previous indexing error.
func MarkLearnedIndexed(ctx context.Context, db *gorm.DB, id, pointID string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.LearnedResponse{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"index_point_id": pointID,
			"indexed_at":     now.UTC(),
			"index_error":    "",
			"updated_at":     now.UTC(),
		}).Error
}

// MarkLearnedIndexError keeps the row unindexed and stores the failure.
func MarkLearnedIndexError(ctx context.Context, db *gorm.DB, id, msg string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.LearnedResponse{}).
		Where("id = ?", id).
		Updates(map[string]any{"index_error": msg, "updated_at": now.UTC()}).Error
}
