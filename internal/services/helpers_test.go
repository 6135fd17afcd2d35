package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/events"
	"github.com/tbourn/go-support-handoff/internal/mailbridge"
	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/search"
)

// ---------- test helpers ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

const (
	agentID = "5b0c7f3e-1d2a-4e5f-8a9b-0c1d2e3f4a5b"
	opAlice = "a1111111-1111-4111-8111-111111111111"
	opBob   = "b2222222-2222-4222-8222-222222222222"
	opAdmin = "c3333333-3333-4333-8333-333333333333"
)

// seedDirectory creates one agent with support enabled, two operators
// subscribed to it and one admin.
func seedDirectory(t *testing.T, db *gorm.DB) *domain.Agent {
	t.Helper()
	ctx := context.Background()
	a := &domain.Agent{ID: agentID, Name: "Acme", HumanSupportEnabled: true, SupportEmail: "help@acme.test"}
	mustNoErr(t, repo.UpsertAgent(ctx, db, a))
	for _, op := range []domain.Operator{
		{ID: opAlice, Name: "Alice", Email: "alice@acme.test", Role: domain.RoleOperator},
		{ID: opBob, Name: "Bob", Email: "bob@acme.test", Role: domain.RoleOperator},
		{ID: opAdmin, Name: "Root", Email: "root@acme.test", Role: domain.RoleAdmin},
	} {
		mustNoErr(t, repo.UpsertOperator(ctx, db, &op))
	}
	mustNoErr(t, repo.Subscribe(ctx, db, agentID, opAlice))
	mustNoErr(t, repo.Subscribe(ctx, db, agentID, opBob))
	return a
}

func newSession(t *testing.T, db *gorm.DB) *domain.Session {
	t.Helper()
	s, err := repo.CreateSession(context.Background(), db, agentID, time.Now())
	mustNoErr(t, err)
	return s
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fakePresence struct {
	online      bool
	guestOnline bool
}

func (p *fakePresence) HasOperatorsOnline(context.Context, string) bool { return p.online }

func (p *fakePresence) GuestOnline(context.Context, string) bool { return p.guestOnline }

type forwardedReply struct{ sessionID, messageID string }

type fakeGuestMailer struct {
	mu   sync.Mutex
	sent []forwardedReply
}

func (m *fakeGuestMailer) ForwardToUser(_ context.Context, sessionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, forwardedReply{sessionID, messageID})
	return nil
}

func (m *fakeGuestMailer) forwarded() []forwardedReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]forwardedReply(nil), m.sent...)
}

type recordedTask struct {
	taskType string
	payload  any
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []recordedTask
}

func (q *fakeQueue) Enqueue(_ context.Context, taskType string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, recordedTask{taskType, payload})
	return nil
}

func (q *fakeQueue) notifyTasks() []mailbridge.NotifyEmailTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []mailbridge.NotifyEmailTask
	for _, t := range q.tasks {
		if p, ok := t.payload.(mailbridge.NotifyEmailTask); ok {
			out = append(out, p)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Name)
	}
	return out
}

type harness struct {
	db    *gorm.DB
	clock *clockwork.FakeClock
	pres  *fakePresence
	queue *fakeQueue
	pub   *recordingPublisher
	mail  *fakeGuestMailer
	conv  *Conversation
	coord *Coordinator
	chat  *ChatService
	kb    *search.Collections
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:    newTestDB(t),
		clock: clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)),
		pres:  &fakePresence{},
		queue: &fakeQueue{},
		pub:   &recordingPublisher{},
		mail:  &fakeGuestMailer{},
		kb:    search.NewCollections(search.WithMinRunes(1)),
	}
	seedDirectory(t, h.db)
	h.conv = &Conversation{DB: h.db, Events: h.pub, Clock: h.clock, Log: zerolog.Nop()}
	h.coord = &Coordinator{
		DB:           h.db,
		Conversation: h.conv,
		Presence:     h.pres,
		Events:       h.pub,
		Queue:        h.queue,
		Guests:       h.pres,
		GuestMail:    h.mail,
		DedupWindow:  time.Minute,
		Clock:        h.clock,
		Log:          zerolog.Nop(),
	}
	h.conv.Notifier = h.coord
	h.conv.Replies = h.coord
	h.chat = &ChatService{
		DB:           h.db,
		Conversation: h.conv,
		Coordinator:  h.coord,
		Retriever:    &Retriever{Collections: h.kb},
		Clock:        h.clock,
		Log:          zerolog.Nop(),
	}
	return h
}

func countNotifications(t *testing.T, db *gorm.DB, operatorID string) int64 {
	t.Helper()
	n, err := repo.CountNotifications(context.Background(), db, operatorID, false)
	mustNoErr(t, err)
	return n
}
