// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for operator
// notifications.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// NewNotification carries the fields of a durable operator notification.
type NewNotification struct {
	OperatorID string
	AgentID    string
	SessionID  string
	Kind       domain.NotificationKind
	Title      string
	Body       string
}

// CreateNotifications inserts one row per input in a single statement.
func CreateNotifications(ctx context.Context, db *gorm.DB, in []NewNotification, now time.Time) ([]domain.Notification, error) {
	if len(in) == 0 {
		return nil, nil
	}
	rows := make([]domain.Notification, 0, len(in))
	for _, n := range in {
		rows = append(rows, domain.Notification{
			ID:         uuid.NewString(),
			OperatorID: n.OperatorID,
			AgentID:    n.AgentID,
			SessionID:  n.SessionID,
			Kind:       n.Kind,
			Title:      n.Title,
			Body:       n.Body,
			CreatedAt:  now.UTC(),
		})
	}
	if err := db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountNotifications returns the operator's notification count.
func CountNotifications(ctx context.Context, db *gorm.DB, operatorID string, unreadOnly bool) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Notification{}).Where("operator_id = ?", operatorID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	err := q.Count(&total).Error
	return total, err
}

// ListNotificationsPage returns the operator's notifications, newest first.
func ListNotificationsPage(ctx context.Context, db *gorm.DB, operatorID string, unreadOnly bool, offset, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	q := db.WithContext(ctx).Where("operator_id = ?", operatorID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	err := q.Order("created_at DESC, id ASC").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// MarkNotificationRead marks one notification owned by operatorID as read.
// Missing or foreign notifications return ErrNotFound; already-read ones are a no-op.
func MarkNotificationRead(ctx context.Context, db *gorm.DB, id, operatorID string, now time.Time) error {
	var n domain.Notification
	if err := db.WithContext(ctx).Where("id = ? AND operator_id = ?", id, operatorID).First(&n).Error; err != nil {
		return err
	}
	if n.ReadAt != nil {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("id = ? AND read_at IS NULL", id).
		Update("read_at", now.UTC()).Error
}
