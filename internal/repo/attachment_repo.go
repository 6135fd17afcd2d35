// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for attachment
// audit rows.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// NewAttachment carries the fields of an accepted upload.
type NewAttachment struct {
	SessionID    string
	MessageID    *string
	OriginalName string
	Extension    string
	MimeType     string
	SizeBytes    int64
	Source       domain.AttachmentSource
}

// NewAttachmentRow builds a pending attachment with its identity and stored
// name (uuid + extension) assigned up front, so the file can be written under
// that name before the row is inserted.
func NewAttachmentRow(in NewAttachment, now time.Time) *domain.SupportAttachment {
	id := uuid.NewString()
	stored := id
	if in.Extension != "" {
		stored += "." + in.Extension
	}
	return &domain.SupportAttachment{
		ID:           id,
		SessionID:    in.SessionID,
		MessageID:    in.MessageID,
		OriginalName: in.OriginalName,
		StoredName:   stored,
		MimeType:     in.MimeType,
		SizeBytes:    in.SizeBytes,
		Source:       in.Source,
		ScanStatus:   domain.ScanPending,
		CreatedAt:    now.UTC(),
	}
}

// CreateAttachment inserts a row built by NewAttachmentRow.
func CreateAttachment(ctx context.Context, db *gorm.DB, a *domain.SupportAttachment) error {
	return db.WithContext(ctx).Create(a).Error
}

// GetAttachment fetches an attachment by id.
func GetAttachment(ctx context.Context, db *gorm.DB, id string) (*domain.SupportAttachment, error) {
	var a domain.SupportAttachment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAttachments returns the attachments of a session, oldest first.
func ListAttachments(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.SupportAttachment, error) {
	var out []domain.SupportAttachment
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CompleteScan moves a pending attachment to a terminal scan status. It
// returns false when the row already left pending, so the transition happens
// at most once.
func CompleteScan(ctx context.Context, db *gorm.DB, id string, status domain.ScanStatus, result string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.SupportAttachment{}).
		Where("id = ? AND scan_status = ?", id, domain.ScanPending).
		Updates(map[string]any{
			"scan_status": status,
			"scan_result": result,
			"scanned_at":  now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListPendingAttachments returns attachments still waiting for a verdict,
// oldest first. Used to resume scans after a restart.
func ListPendingAttachments(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.SupportAttachment, error) {
	var out []domain.SupportAttachment
	err := db.WithContext(ctx).
		Where("scan_status = ? AND created_at < ?", domain.ScanPending, olderThan.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
