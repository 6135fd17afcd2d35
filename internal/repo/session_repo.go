// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Session
// model and its support lifecycle columns.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// State changes are optimistic: they carry the expected prior state in the
// WHERE clause and report whether a row matched, leaving the interpretation
// of a lost race to the service layer.
//
// Functions:
//
//   - CreateSession(ctx, db, agentID, now) -> *domain.Session, error
//   - GetSession(ctx, db, id) -> *domain.Session, error
//   - ListSessionsPage / CountSessions(ctx, db, filter, ...)
//   - TransitionStatus(ctx, db, id, from, updates) -> (bool, error)
//     Applies updates only while support_status is one of from.
//   - UpdateMetadataCAS(ctx, db, id, revision, md, now) -> (bool, error)
//     Writes the typed metadata only when metadata_revision still equals
//     revision, bumping it by one.
//   - SetAccessToken / FindSessionByToken / FindSessionsByTokenSuffix
//   - SetUserEmail, TouchActivity
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// SessionFilter narrows operator queue listings. Empty fields match all.
type SessionFilter struct {
	IDs                []string
	AgentIDs           []string
	Statuses           []domain.SupportStatus
	AssignedOperatorID string
}

func (f SessionFilter) apply(q *gorm.DB) *gorm.DB {
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if len(f.AgentIDs) > 0 {
		q = q.Where("agent_id IN ?", f.AgentIDs)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("support_status IN ?", f.Statuses)
	}
	if f.AssignedOperatorID != "" {
		q = q.Where("assigned_operator_id = ?", f.AssignedOperatorID)
	}
	return q
}

// CreateSession inserts a new session for agentID in status none.
func CreateSession(ctx context.Context, db *gorm.DB, agentID string, now time.Time) (*domain.Session, error) {
	now = now.UTC()
	s := &domain.Session{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		SupportStatus:   domain.StatusNone,
		SupportMetadata: datatypes.NewJSONType(domain.SupportMetadata{Version: domain.SupportMetadataVersion}),
		LastActivityAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession fetches a session by id, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// CountSessions returns the number of sessions matching f.
func CountSessions(ctx context.Context, db *gorm.DB, f SessionFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.Session{})).Count(&total).Error
	return total, err
}

// ListSessionsPage returns sessions matching f, most recently active first.
func ListSessionsPage(ctx context.Context, db *gorm.DB, f SessionFilter, offset, limit int) ([]domain.Session, error) {
	var out []domain.Session
	err := f.apply(db.WithContext(ctx).Model(&domain.Session{})).
		Order("last_activity_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TransitionStatus applies updates to the session only while its current
// support_status is one of from. It returns false when no row matched, which
// means either the session is missing or another writer moved it first.
func TransitionStatus(ctx context.Context, db *gorm.DB, id string, from []domain.SupportStatus, updates map[string]any) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND support_status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateMetadataCAS stores md when the row's metadata_revision still equals
// revision. A false result means a concurrent write won and the caller should
// reload and retry.
func UpdateMetadataCAS(ctx context.Context, db *gorm.DB, id string, revision int64, md domain.SupportMetadata, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND metadata_revision = ?", id, revision).
		Updates(map[string]any{
			"support_metadata":  datatypes.NewJSONType(md),
			"metadata_revision": revision + 1,
			"updated_at":        now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetAccessToken replaces the session's correlation token. Any prior token
// stops resolving immediately.
func SetAccessToken(ctx context.Context, db *gorm.DB, id, token string, expiresAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_token":            strings.ToLower(token),
			"access_token_expires_at": expiresAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindSessionByToken resolves a full correlation token. Expiry is left to the
// caller so it can tell "unknown" from "expired".
func FindSessionByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).
		Where("access_token = ?", strings.ToLower(token)).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindSessionsByTokenSuffix returns up to two sessions of agentID whose token
// ends with suffix (case-insensitive). Two results mean the reference is
// ambiguous.
func FindSessionsByTokenSuffix(ctx context.Context, db *gorm.DB, agentID, suffix string) ([]domain.Session, error) {
	var out []domain.Session
	err := db.WithContext(ctx).
		Where("agent_id = ? AND access_token IS NOT NULL AND LOWER(access_token) LIKE ?", agentID, "%"+strings.ToLower(suffix)).
		Order("created_at ASC").
		Limit(2).
		Find(&out).Error
	return out, err
}

// SetUserEmail stores the end user's email address on the session.
func SetUserEmail(ctx context.Context, db *gorm.DB, id, email string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"user_email": email, "updated_at": now.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchActivity bumps last_activity_at.
func TouchActivity(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Update("last_activity_at", now.UTC()).Error
}
