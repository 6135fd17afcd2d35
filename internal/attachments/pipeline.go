package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/events"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// ErrQuarantined is returned when an infected attachment is requested.
var ErrQuarantined = errors.New("attachment quarantined")

// Upload is one file as received from a client or a mail part. Size is the
// declared size, or -1 when unknown.
type Upload struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// Pipeline validates, stores and scans attachments. Scanning happens inline
// and blocks only the upload that triggered it.
type Pipeline struct {
	DB      *gorm.DB
	Storage Storage
	Scanner Scanner
	Events  events.Publisher
	Clock   clockwork.Clock
	Log     zerolog.Logger
}

func (p *Pipeline) now() time.Time {
	if p.Clock == nil {
		return time.Now().UTC()
	}
	return p.Clock.Now().UTC()
}

// Store accepts an upload for sessionID. Validation failures return a
// *ValidationError and leave no file and no row. The returned row carries
// the terminal scan status.
func (p *Pipeline) Store(ctx context.Context, up Upload, sessionID string, messageID *string, source domain.AttachmentSource) (*domain.SupportAttachment, error) {
	ctx, span := observability.Tracer("attachments").Start(ctx, "Pipeline.Store")
	defer span.End()

	name := SanitizeName(up.Name)
	ext, err := Validate(name, up.MimeType, up.Size)
	if err != nil {
		return nil, err
	}

	row := repo.NewAttachmentRow(repo.NewAttachment{
		SessionID:    sessionID,
		MessageID:    messageID,
		OriginalName: name,
		Extension:    ext,
		MimeType:     up.MimeType,
		Source:       source,
	}, p.now())

	n, err := p.Storage.Save(row.StoredName, up.Body)
	if err != nil {
		return nil, err
	}
	row.SizeBytes = n

	if err := repo.CreateAttachment(ctx, p.DB, row); err != nil {
		_ = p.Storage.Remove(row.StoredName)
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	span.SetAttributes(attribute.String("attachment.id", row.ID))

	return p.scan(ctx, row)
}

// scan runs the scanner and commits the verdict once. When another worker
// already finalized the row, the stored verdict wins.
func (p *Pipeline) scan(ctx context.Context, row *domain.SupportAttachment) (*domain.SupportAttachment, error) {
	v := p.Scanner.Scan(ctx, p.Storage.Path(row.StoredName))

	ok, err := repo.CompleteScan(ctx, p.DB, row.ID, v.Status, v.Detail, p.now())
	if err != nil {
		return nil, fmt.Errorf("complete scan: %w", err)
	}
	if !ok {
		return repo.GetAttachment(ctx, p.DB, row.ID)
	}
	observability.AttachmentScans.WithLabelValues(string(v.Status)).Inc()

	lg := p.Log.With().Str("attachment_id", row.ID).Str("session_id", row.SessionID).Logger()
	switch v.Status {
	case domain.ScanInfected:
		if err := p.Storage.Remove(row.StoredName); err != nil {
			lg.Error().Err(err).Msg("failed to delete infected file")
		}
		lg.Warn().Str("file", row.OriginalName).Str("threat", v.Detail).Msg("infected attachment quarantined")
	case domain.ScanSkipped, domain.ScanError:
		lg.Warn().Str("status", string(v.Status)).Str("reason", v.Detail).Msg("attachment not scanned")
	}

	updated, err := repo.GetAttachment(ctx, p.DB, row.ID)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, updated)
	return updated, nil
}

func (p *Pipeline) publish(ctx context.Context, a *domain.SupportAttachment) {
	if p.Events == nil {
		return
	}
	s, err := repo.GetSession(ctx, p.DB, a.SessionID)
	if err != nil {
		return
	}
	err = p.Events.Publish(ctx, events.Event{
		Name:      events.AttachmentScanned,
		AgentID:   s.AgentID,
		SessionID: a.SessionID,
		Data:      map[string]any{"attachment_id": a.ID, "scan_status": a.ScanStatus},
		At:        p.now(),
	})
	if err != nil {
		p.Log.Warn().Err(err).Str("attachment_id", a.ID).Msg("publish scan event")
	}
}

// ResumePending scans attachments left pending (for example by a crash
// between insert and verdict) and returns how many were finalized.
func (p *Pipeline) ResumePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	rows, err := repo.ListPendingAttachments(ctx, p.DB, p.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range rows {
		a, err := p.scan(ctx, &rows[i])
		if err != nil {
			p.Log.Error().Err(err).Str("attachment_id", rows[i].ID).Msg("resume scan")
			continue
		}
		if a.ScanStatus != domain.ScanPending {
			done++
		}
	}
	return done, nil
}

// Open returns the attachment row and its content. Infected files are never
// served.
func (p *Pipeline) Open(ctx context.Context, id string) (*domain.SupportAttachment, io.ReadCloser, error) {
	a, err := repo.GetAttachment(ctx, p.DB, id)
	if err != nil {
		return nil, nil, err
	}
	if a.ScanStatus == domain.ScanInfected {
		return a, nil, ErrQuarantined
	}
	rc, err := p.Storage.Open(a.StoredName)
	if err != nil {
		return a, nil, err
	}
	return a, rc, nil
}

// List returns the attachments of a session.
func (p *Pipeline) List(ctx context.Context, sessionID string) ([]domain.SupportAttachment, error) {
	return repo.ListAttachments(ctx, p.DB, sessionID)
}
