// Package handlers exposes the guest, operator and public HTTP endpoints.
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
// Services are consumed through the narrow interfaces below so tests can swap
// in stubs.
package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/knowledge"
	"github.com/tbourn/go-support-handoff/internal/presence"
	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/services"
	"github.com/tbourn/go-support-handoff/internal/utils"
)

//
// Service contracts (context-aware)
//

// GuestService is the end-user side of a session.
type GuestService interface {
	CreateSession(ctx context.Context, agentID string) (*domain.Session, error)
	Post(ctx context.Context, sessionID, content string) (*services.PostResult, error)
	RequestHuman(ctx context.Context, sessionID, email, reason string) (*domain.Session, error)
	SetUserEmail(ctx context.Context, sessionID, email string) error
}

// SupportService drives the support state machine on behalf of an operator.
type SupportService interface {
	GetSession(ctx context.Context, actor, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, actor string, f repo.SessionFilter, page, pageSize int) ([]domain.Session, int64, error)
	Assign(ctx context.Context, sessionID, actor string) (*domain.Session, error)
	Resolve(ctx context.Context, sessionID, actor string, rt domain.ResolutionType, notes string) (*domain.Session, error)
	Abandon(ctx context.Context, sessionID, actor, reason string) (*domain.Session, error)
}

// ConversationService reads and writes the support message log.
type ConversationService interface {
	History(ctx context.Context, sessionID string, limit int) ([]domain.SupportMessage, error)
	Since(ctx context.Context, sessionID string, ts time.Time) ([]domain.SupportMessage, error)
	UnreadCount(ctx context.Context, sessionID string) (int64, error)
	MarkRead(ctx context.Context, sessionID string, ids []string) (int64, error)
	AIHistory(ctx context.Context, sessionID string, limit int) ([]domain.AIMessage, error)
	AppendOperatorMessage(ctx context.Context, sessionID, operatorID string, ch domain.Channel, content string, original *string, email *domain.EmailMetadata) (*domain.SupportMessage, error)
}

// EmailReplier delivers operator replies over email.
type EmailReplier interface {
	SendToUser(ctx context.Context, sessionID, operatorID, content string, original *string) (*domain.SupportMessage, error)
}

// Learner promotes operator answers to learned knowledge.
type Learner interface {
	Learn(ctx context.Context, req knowledge.LearnRequest) (*domain.LearnedResponse, error)
}

// AttachmentStore stores and serves uploaded files.
type AttachmentStore interface {
	Store(ctx context.Context, up attachments.Upload, sessionID string, messageID *string, source domain.AttachmentSource) (*domain.SupportAttachment, error)
	Open(ctx context.Context, id string) (*domain.SupportAttachment, io.ReadCloser, error)
	List(ctx context.Context, sessionID string) ([]domain.SupportAttachment, error)
}

// DownloadSigner issues and checks short-lived download tokens.
type DownloadSigner interface {
	Sign(attachmentID string) (string, time.Time, error)
	Verify(token, attachmentID string) error
}

// PresenceHooks authenticates presence webhooks and channel subscriptions.
type PresenceHooks interface {
	ParseWebhook(header http.Header, body []byte) ([]presence.MemberEvent, error)
	Authorize(params []byte, memberID string, info map[string]string) ([]byte, error)
}

// PresenceSink receives decoded join and leave events.
type PresenceSink interface {
	Apply(ctx context.Context, ev presence.MemberEvent)
}

//
// Handler wiring
//

// Deps bundles the collaborators of Handlers. Nil optional members disable
// the endpoints that need them (503).
type Deps struct {
	DB           *gorm.DB
	Guest        GuestService
	Support      SupportService
	Conversation ConversationService
	Email        EmailReplier
	Learner      Learner
	Attachments  AttachmentStore
	Signer       DownloadSigner
	Hooks        PresenceHooks
	Presence     PresenceSink
	// Redis carries published events to websocket subscribers.
	Redis redis.UniversalClient

	// PublicBaseURL prefixes signed download links, e.g. https://support.example.com.
	PublicBaseURL string
	// APIBasePath is the mount point of the versioned API, e.g. /api/v1.
	APIBasePath string
	// IdempotencyTTL bounds replays of guest message posts.
	IdempotencyTTL time.Duration

	Log zerolog.Logger
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	Deps
}

// New constructs and returns a Handlers instance bound to the given services.
func New(d Deps) *Handlers {
	if d.IdempotencyTTL <= 0 {
		d.IdempotencyTTL = 24 * time.Hour
	}
	return &Handlers{Deps: d}
}

// actorID extracts the operator id from Gin context (set by upstream
// middleware), falling back to the "X-User-ID" header. Empty means anonymous.
func actorID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		return strings.TrimSpace(c.GetHeader("X-User-ID"))
	}
	return ""
}

// requireActor aborts with 401 when no operator identity is present.
func requireActor(c *gin.Context) (string, bool) {
	id := actorID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
		return "", false
	}
	return id, true
}

// clampPagination reads page and page_size, bounded by utils.ParsePage.
func clampPagination(c *gin.Context) (page, pageSize int) {
	p := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	return p.Number, p.Size
}
