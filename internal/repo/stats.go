// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// SessionsStats returns aggregate metadata for the sessions matching f: the
// total number of rows and the maximum UpdatedAt among those rows.
//
// When nothing matches, the returned count is 0 and maxUpdatedAt is nil.
func SessionsStats(ctx context.Context, db *gorm.DB, f SessionFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.Session{}))

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// SupportMessagesStats returns aggregate metadata for the support log of a
// session: the total number of rows and the latest CreatedAt. Messages are
// append-only, so CreatedAt plays the role UpdatedAt plays elsewhere; read
// state is folded in through the unread count.
//
// Return values:
//   - count:        total messages for sessionID
//   - unread:       unread user messages
//   - maxCreatedAt: pointer to the greatest CreatedAt, or nil if no rows
//   - err:          database error, if any
func SupportMessagesStats(ctx context.Context, db *gorm.DB, sessionID string) (count, unread int64, maxCreatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.SupportMessage{}).Where("session_id = ?", sessionID)

	if err = q.Count(&count).Error; err != nil {
		return 0, 0, nil, err
	}
	if count == 0 {
		return 0, 0, nil, nil
	}
	if unread, err = CountUnreadUserMessages(ctx, db, sessionID); err != nil {
		return 0, 0, nil, err
	}

	var row struct {
		CreatedAt time.Time
	}
	err = db.WithContext(ctx).Model(&domain.SupportMessage{}).
		Where("session_id = ?", sessionID).
		Select("created_at").Order("created_at DESC").Limit(1).
		Scan(&row).Error
	if err != nil {
		return 0, 0, nil, err
	}
	return count, unread, &row.CreatedAt, nil
}
