package mailbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func seedAgent(t *testing.T, db *gorm.DB, id string) *domain.Agent {
	t.Helper()
	a := &domain.Agent{
		ID:                  id,
		Name:                "Acme",
		HumanSupportEnabled: true,
		SupportEmail:        "help@acme.test",
		IMAP:                domain.MailServer{Host: "imap.acme.test", Username: "u", Password: "p"},
	}
	require.NoError(t, repo.UpsertAgent(context.Background(), db, a))
	return a
}

// seedSession creates a session of agentID with the given token expiring at exp.
func seedSession(t *testing.T, db *gorm.DB, agentID, token string, exp time.Time) *domain.Session {
	t.Helper()
	ctx := context.Background()
	s, err := repo.CreateSession(ctx, db, agentID, time.Now())
	require.NoError(t, err)
	if token != "" {
		require.NoError(t, repo.SetAccessToken(ctx, db, s.ID, token, exp))
	}
	s, err = repo.GetSession(ctx, db, s.ID)
	require.NoError(t, err)
	return s
}

type sentMail struct {
	cfg  SMTPConfig
	mail Mail
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeSender) Send(_ context.Context, cfg SMTPConfig, m Mail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{cfg: cfg, mail: m})
	return nil
}

type enqueued struct {
	taskType string
	payload  any
}

type fakeQueue struct{ tasks []enqueued }

func (f *fakeQueue) Enqueue(_ context.Context, taskType string, payload any) error {
	f.tasks = append(f.tasks, enqueued{taskType, payload})
	return nil
}

// repoWriter appends operator messages straight through the repository.
type repoWriter struct{ db *gorm.DB }

func (w repoWriter) AppendOperatorMessage(ctx context.Context, sessionID, operatorID string, ch domain.Channel, content string, original *string, email *domain.EmailMetadata) (*domain.SupportMessage, error) {
	return repo.CreateSupportMessage(ctx, w.db, repo.NewSupportMessage{
		SessionID:       sessionID,
		SenderType:      domain.SenderAgent,
		SenderID:        &operatorID,
		Channel:         ch,
		Content:         content,
		OriginalContent: original,
		Email:           email,
		Read:            true,
	}, time.Now())
}
