package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/http/middleware"
	"github.com/tbourn/go-support-handoff/internal/knowledge"
	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/services"
)

// ---------- test plumbing ----------

const (
	testAgentID = "5b0c7f3e-1d2a-4e5f-8a9b-0c1d2e3f4a5b"
	testOpID    = "a1111111-1111-4111-8111-111111111111"
)

var errUnexpectedCall = errors.New("unexpected call")

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newSessionRow(t *testing.T, db *gorm.DB) *domain.Session {
	t.Helper()
	s, err := repo.CreateSession(context.Background(), db, testAgentID, time.Now())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

// Handlers.New expects interfaces in this package; we satisfy them with stubs.

type stubGuest struct {
	create func(ctx context.Context, agentID string) (*domain.Session, error)
	post   func(ctx context.Context, sessionID, content string) (*services.PostResult, error)
	human  func(ctx context.Context, sessionID, email, reason string) (*domain.Session, error)
	email  func(ctx context.Context, sessionID, email string) error
}

func (s stubGuest) CreateSession(ctx context.Context, agentID string) (*domain.Session, error) {
	if s.create == nil {
		return nil, errUnexpectedCall
	}
	return s.create(ctx, agentID)
}

func (s stubGuest) Post(ctx context.Context, sessionID, content string) (*services.PostResult, error) {
	if s.post == nil {
		return nil, errUnexpectedCall
	}
	return s.post(ctx, sessionID, content)
}

func (s stubGuest) RequestHuman(ctx context.Context, sessionID, email, reason string) (*domain.Session, error) {
	if s.human == nil {
		return nil, errUnexpectedCall
	}
	return s.human(ctx, sessionID, email, reason)
}

func (s stubGuest) SetUserEmail(ctx context.Context, sessionID, email string) error {
	if s.email == nil {
		return errUnexpectedCall
	}
	return s.email(ctx, sessionID, email)
}

type stubSupport struct {
	get     func(ctx context.Context, actor, sessionID string) (*domain.Session, error)
	list    func(ctx context.Context, actor string, f repo.SessionFilter, page, pageSize int) ([]domain.Session, int64, error)
	assign  func(ctx context.Context, sessionID, actor string) (*domain.Session, error)
	resolve func(ctx context.Context, sessionID, actor string, rt domain.ResolutionType, notes string) (*domain.Session, error)
	abandon func(ctx context.Context, sessionID, actor, reason string) (*domain.Session, error)
}

func (s stubSupport) GetSession(ctx context.Context, actor, sessionID string) (*domain.Session, error) {
	if s.get == nil {
		return nil, errUnexpectedCall
	}
	return s.get(ctx, actor, sessionID)
}

func (s stubSupport) ListSessions(ctx context.Context, actor string, f repo.SessionFilter, page, pageSize int) ([]domain.Session, int64, error) {
	if s.list == nil {
		return nil, 0, errUnexpectedCall
	}
	return s.list(ctx, actor, f, page, pageSize)
}

func (s stubSupport) Assign(ctx context.Context, sessionID, actor string) (*domain.Session, error) {
	if s.assign == nil {
		return nil, errUnexpectedCall
	}
	return s.assign(ctx, sessionID, actor)
}

func (s stubSupport) Resolve(ctx context.Context, sessionID, actor string, rt domain.ResolutionType, notes string) (*domain.Session, error) {
	if s.resolve == nil {
		return nil, errUnexpectedCall
	}
	return s.resolve(ctx, sessionID, actor, rt, notes)
}

func (s stubSupport) Abandon(ctx context.Context, sessionID, actor, reason string) (*domain.Session, error) {
	if s.abandon == nil {
		return nil, errUnexpectedCall
	}
	return s.abandon(ctx, sessionID, actor, reason)
}

// sessionsFrom makes GetSession serve the given sessions to any actor.
func sessionsFrom(list ...*domain.Session) func(context.Context, string, string) (*domain.Session, error) {
	return func(_ context.Context, _ string, id string) (*domain.Session, error) {
		for _, s := range list {
			if s.ID == id {
				cp := *s
				return &cp, nil
			}
		}
		return nil, services.ErrSessionNotFound
	}
}

type stubConversation struct {
	history  func(ctx context.Context, sessionID string, limit int) ([]domain.SupportMessage, error)
	since    func(ctx context.Context, sessionID string, ts time.Time) ([]domain.SupportMessage, error)
	unread   func(ctx context.Context, sessionID string) (int64, error)
	markRead func(ctx context.Context, sessionID string, ids []string) (int64, error)
	ai       func(ctx context.Context, sessionID string, limit int) ([]domain.AIMessage, error)
	appendOp func(ctx context.Context, sessionID, operatorID string, ch domain.Channel, content string, original *string) (*domain.SupportMessage, error)
}

func (s stubConversation) History(ctx context.Context, sessionID string, limit int) ([]domain.SupportMessage, error) {
	if s.history == nil {
		return nil, errUnexpectedCall
	}
	return s.history(ctx, sessionID, limit)
}

func (s stubConversation) Since(ctx context.Context, sessionID string, ts time.Time) ([]domain.SupportMessage, error) {
	if s.since == nil {
		return nil, errUnexpectedCall
	}
	return s.since(ctx, sessionID, ts)
}

func (s stubConversation) UnreadCount(ctx context.Context, sessionID string) (int64, error) {
	if s.unread == nil {
		return 0, nil
	}
	return s.unread(ctx, sessionID)
}

func (s stubConversation) MarkRead(ctx context.Context, sessionID string, ids []string) (int64, error) {
	if s.markRead == nil {
		return 0, errUnexpectedCall
	}
	return s.markRead(ctx, sessionID, ids)
}

func (s stubConversation) AIHistory(ctx context.Context, sessionID string, limit int) ([]domain.AIMessage, error) {
	if s.ai == nil {
		return nil, nil
	}
	return s.ai(ctx, sessionID, limit)
}

func (s stubConversation) AppendOperatorMessage(ctx context.Context, sessionID, operatorID string, ch domain.Channel, content string, original *string, _ *domain.EmailMetadata) (*domain.SupportMessage, error) {
	if s.appendOp == nil {
		return nil, errUnexpectedCall
	}
	return s.appendOp(ctx, sessionID, operatorID, ch, content, original)
}

type stubEmail struct {
	send func(ctx context.Context, sessionID, operatorID, content string, original *string) (*domain.SupportMessage, error)
}

func (s stubEmail) SendToUser(ctx context.Context, sessionID, operatorID, content string, original *string) (*domain.SupportMessage, error) {
	return s.send(ctx, sessionID, operatorID, content, original)
}

type stubLearner struct {
	learn func(ctx context.Context, req knowledge.LearnRequest) (*domain.LearnedResponse, error)
}

func (s stubLearner) Learn(ctx context.Context, req knowledge.LearnRequest) (*domain.LearnedResponse, error) {
	return s.learn(ctx, req)
}

type stubAttachments struct {
	store func(ctx context.Context, up attachments.Upload, sessionID string, source domain.AttachmentSource) (*domain.SupportAttachment, error)
	open  func(ctx context.Context, id string) (*domain.SupportAttachment, io.ReadCloser, error)
	list  func(ctx context.Context, sessionID string) ([]domain.SupportAttachment, error)
}

func (s stubAttachments) Store(ctx context.Context, up attachments.Upload, sessionID string, _ *string, source domain.AttachmentSource) (*domain.SupportAttachment, error) {
	if s.store == nil {
		return nil, errUnexpectedCall
	}
	return s.store(ctx, up, sessionID, source)
}

func (s stubAttachments) Open(ctx context.Context, id string) (*domain.SupportAttachment, io.ReadCloser, error) {
	if s.open == nil {
		return nil, nil, errUnexpectedCall
	}
	return s.open(ctx, id)
}

func (s stubAttachments) List(ctx context.Context, sessionID string) ([]domain.SupportAttachment, error) {
	if s.list == nil {
		return nil, nil
	}
	return s.list(ctx, sessionID)
}

// request is one call against a single registered route.
type request struct {
	method, route, target string
	body                  io.Reader
	header                map[string]string
}

func serve(h gin.HandlerFunc, rq request, mw ...gin.HandlerFunc) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.Handle(rq.method, rq.route, h)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(rq.method, rq.target, rq.body)
	if rq.body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range rq.header {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func jsonBody(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v (body=%s)", err, w.Body.String())
	}
	return out
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, w).Code
}

// ---------- helpers-only unit tests ----------

func Test_clampPagination_and_actorID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?page=-3&page_size=9999", nil)
	if p, ps := clampPagination(c); p != 1 || ps != 100 {
		t.Fatalf("clamp: got page=%d size=%d; want 1,100", p, ps)
	}
	c.Request = httptest.NewRequest(http.MethodGet, "/?page=&page_size=0", nil)
	if p, ps := clampPagination(c); p != 1 || ps != 1 {
		t.Fatalf("clamp defaults: got %d,%d", p, ps)
	}
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if p, ps := clampPagination(c); p != 1 || ps != 20 {
		t.Fatalf("clamp empty: got %d,%d", p, ps)
	}

	if got := actorID(c); got != "" {
		t.Fatalf("actorID anonymous = %q", got)
	}
	c.Request.Header.Set("X-User-ID", "  op-1 ")
	if got := actorID(c); got != "op-1" {
		t.Fatalf("actorID header = %q", got)
	}
	c.Set("userID", "op-2")
	if got := actorID(c); got != "op-2" {
		t.Fatalf("actorID context = %q", got)
	}
}

func Test_New_DefaultsIdempotencyTTL(t *testing.T) {
	if h := New(Deps{}); h.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("default ttl = %v", h.IdempotencyTTL)
	}
	if h := New(Deps{IdempotencyTTL: time.Minute}); h.IdempotencyTTL != time.Minute {
		t.Fatalf("explicit ttl = %v", h.IdempotencyTTL)
	}
}

// ---------- guest endpoints ----------

func TestCreateSession(t *testing.T) {
	h := New(Deps{Guest: stubGuest{create: func(_ context.Context, agentID string) (*domain.Session, error) {
		if agentID == "00000000-0000-4000-8000-000000000000" {
			return nil, services.ErrAgentNotFound
		}
		return &domain.Session{ID: "s-1", AgentID: agentID, SupportStatus: domain.StatusNone}, nil
	}}})
	route := "/agents/:id/sessions"

	w := serve(h.CreateSession, request{method: http.MethodPost, route: route, target: "/agents/nope/sessions"})
	if w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeBadRequest {
		t.Fatalf("bad id: %d %s", w.Code, w.Body.String())
	}

	w = serve(h.CreateSession, request{method: http.MethodPost, route: route, target: "/agents/" + testAgentID + "/sessions"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if s := decode[domain.Session](t, w); s.ID != "s-1" || s.AgentID != testAgentID {
		t.Fatalf("unexpected session: %+v", s)
	}

	w = serve(h.CreateSession, request{method: http.MethodPost, route: route, target: "/agents/00000000-0000-4000-8000-000000000000/sessions"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown agent: %d", w.Code)
	}
}

func TestPostMessage_AnswerAndIdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	s := newSessionRow(t, db)

	calls := 0
	h := New(Deps{DB: db, Guest: stubGuest{post: func(ctx context.Context, sessionID, content string) (*services.PostResult, error) {
		calls++
		score := 0.9
		m, err := repo.CreateAIMessage(ctx, db, sessionID, "assistant", "answer to "+content, &score, time.Now())
		if err != nil {
			return nil, err
		}
		return &services.PostResult{Session: s, Reply: m}, nil
	}}})
	idem := middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil)
	post := func(key string) *httptest.ResponseRecorder {
		hdr := map[string]string{}
		if key != "" {
			hdr[middleware.HeaderIdempotencyKey] = key
		}
		return serve(h.PostMessage, request{
			method: http.MethodPost, route: "/sessions/:id/messages", target: "/sessions/" + s.ID + "/messages",
			body: jsonBody(PostMessageRequest{Content: "refund?"}), header: hdr,
		}, idem)
	}

	w := post("k-1")
	if w.Code != http.StatusOK {
		t.Fatalf("first post: %d %s", w.Code, w.Body.String())
	}
	first := decode[PostMessageResponse](t, w)
	if first.Reply == nil || first.Reply.Content != "answer to refund?" || first.Escalated {
		t.Fatalf("unexpected response: %+v", first)
	}

	w = post("k-1")
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
	if again := decode[PostMessageResponse](t, w); again.Reply == nil || again.Reply.ID != first.Reply.ID {
		t.Fatalf("replay returned a different message: %+v", again)
	}
	if calls != 1 {
		t.Fatalf("service called %d times; want 1", calls)
	}

	if w = post("k-2"); w.Code != http.StatusOK || calls != 2 {
		t.Fatalf("new key: %d calls=%d", w.Code, calls)
	}
	if w = post(""); w.Code != http.StatusOK || calls != 3 {
		t.Fatalf("no key: %d calls=%d", w.Code, calls)
	}
}

func TestPostMessage_ReplaysSupportMessage(t *testing.T) {
	db := newTestDB(t)
	s := newSessionRow(t, db)
	ctx := context.Background()
	m, err := repo.CreateSupportMessage(ctx, db, repo.NewSupportMessage{
		SessionID: s.ID, SenderType: domain.SenderUser, Channel: domain.ChannelChat, Content: "still there?",
	}, time.Now())
	if err != nil {
		t.Fatalf("CreateSupportMessage: %v", err)
	}
	if _, err := repo.CreateIdempotency(ctx, db, middleware.GuestIdentity, s.ID, "k-9", m.ID, http.StatusOK, time.Hour); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}

	h := New(Deps{DB: db, Guest: stubGuest{}})
	w := serve(h.PostMessage, request{
		method: http.MethodPost, route: "/sessions/:id/messages", target: "/sessions/" + s.ID + "/messages",
		body:   jsonBody(PostMessageRequest{Content: "still there?"}),
		header: map[string]string{middleware.HeaderIdempotencyKey: "k-9"},
	}, middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
	if got := decode[PostMessageResponse](t, w); got.SupportMessage == nil || got.SupportMessage.ID != m.ID || got.Reply != nil {
		t.Fatalf("unexpected replay: %+v", got)
	}
}

func TestPostMessage_Errors(t *testing.T) {
	sid := uuid.NewString()
	tests := []struct {
		name   string
		target string
		body   io.Reader
		err    error
		status int
		code   string
	}{
		{"bad session id", "/sessions/x/messages", jsonBody(PostMessageRequest{Content: "hi"}), nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing content", "/sessions/" + sid + "/messages", strings.NewReader(`{}`), nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown session", "/sessions/" + sid + "/messages", jsonBody(PostMessageRequest{Content: "hi"}), services.ErrSessionNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"too long", "/sessions/" + sid + "/messages", jsonBody(PostMessageRequest{Content: "hi"}), services.ErrTooLong, http.StatusBadRequest, ErrCodeBadRequest},
		{"internal", "/sessions/" + sid + "/messages", jsonBody(PostMessageRequest{Content: "hi"}), errors.New("boom"), http.StatusInternalServerError, ErrCodeAnswerFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New(Deps{Guest: stubGuest{post: func(context.Context, string, string) (*services.PostResult, error) {
				return nil, tc.err
			}}})
			w := serve(h.PostMessage, request{method: http.MethodPost, route: "/sessions/:id/messages", target: tc.target, body: tc.body})
			if w.Code != tc.status || errCode(t, w) != tc.code {
				t.Fatalf("got %d %s; want %d %s", w.Code, w.Body.String(), tc.status, tc.code)
			}
		})
	}
}

func TestRequestHuman(t *testing.T) {
	sid := uuid.NewString()
	var gotEmail, gotReason string
	result := error(nil)
	h := New(Deps{Guest: stubGuest{human: func(_ context.Context, sessionID, email, reason string) (*domain.Session, error) {
		gotEmail, gotReason = email, reason
		if result != nil {
			return nil, result
		}
		return &domain.Session{ID: sessionID, SupportStatus: domain.StatusEscalated}, nil
	}}})
	escalate := func(body io.Reader) *httptest.ResponseRecorder {
		return serve(h.RequestHuman, request{method: http.MethodPost, route: "/sessions/:id/escalate", target: "/sessions/" + sid + "/escalate", body: body})
	}

	w := escalate(nil)
	if w.Code != http.StatusOK || gotEmail != "" || gotReason != "" {
		t.Fatalf("no body: %d email=%q reason=%q", w.Code, gotEmail, gotReason)
	}
	if s := decode[domain.Session](t, w); s.SupportStatus != domain.StatusEscalated {
		t.Fatalf("status = %s", s.SupportStatus)
	}

	w = escalate(jsonBody(EscalateRequest{Email: "jane@example.com", Reason: "order change"}))
	if w.Code != http.StatusOK || gotEmail != "jane@example.com" || gotReason != "order change" {
		t.Fatalf("with body: %d email=%q reason=%q", w.Code, gotEmail, gotReason)
	}

	if w = escalate(strings.NewReader("{")); w.Code != http.StatusBadRequest {
		t.Fatalf("broken JSON: %d", w.Code)
	}

	result = services.ErrStateConflict
	if w = escalate(nil); w.Code != http.StatusConflict || errCode(t, w) != ErrCodeConflict {
		t.Fatalf("conflict: %d %s", w.Code, w.Body.String())
	}
	result = services.ErrSupportDisabled
	if w = escalate(nil); w.Code != http.StatusConflict || errCode(t, w) != ErrCodeSupportDisabled {
		t.Fatalf("disabled: %d %s", w.Code, w.Body.String())
	}
	result = services.ErrSessionClosed
	if w = escalate(nil); w.Code != http.StatusConflict || errCode(t, w) != ErrCodeSessionClosed {
		t.Fatalf("closed: %d %s", w.Code, w.Body.String())
	}
}

func TestSetEmail(t *testing.T) {
	sid := uuid.NewString()
	h := New(Deps{Guest: stubGuest{email: func(_ context.Context, _ string, email string) error {
		if !strings.Contains(email, "@") {
			return services.ErrInvalidEmail
		}
		return nil
	}}})
	put := func(body io.Reader) *httptest.ResponseRecorder {
		return serve(h.SetEmail, request{method: http.MethodPut, route: "/sessions/:id/email", target: "/sessions/" + sid + "/email", body: body})
	}
	if w := put(jsonBody(SetEmailRequest{Email: "jane@example.com"})); w.Code != http.StatusNoContent {
		t.Fatalf("valid: %d %s", w.Code, w.Body.String())
	}
	if w := put(jsonBody(SetEmailRequest{Email: "nope"})); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid: %d", w.Code)
	}
	if w := put(strings.NewReader(`{}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing: %d", w.Code)
	}
}

func TestGuestMessages_HistoryAndSince(t *testing.T) {
	sid := uuid.NewString()
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var gotSince time.Time
	h := New(Deps{Conversation: stubConversation{
		history: func(context.Context, string, int) ([]domain.SupportMessage, error) {
			return []domain.SupportMessage{{ID: "m1"}, {ID: "m2"}}, nil
		},
		since: func(_ context.Context, _ string, at time.Time) ([]domain.SupportMessage, error) {
			gotSince = at
			return nil, nil
		},
	}})
	get := func(q string) *httptest.ResponseRecorder {
		return serve(h.GuestMessages, request{method: http.MethodGet, route: "/sessions/:id/support/messages", target: "/sessions/" + sid + "/support/messages" + q})
	}

	w := get("")
	if w.Code != http.StatusOK || len(decode[MessagesResponse](t, w).Messages) != 2 {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}

	w = get("?since=" + ts.Format(time.RFC3339Nano))
	if w.Code != http.StatusOK || !gotSince.Equal(ts) {
		t.Fatalf("since: %d since=%v", w.Code, gotSince)
	}
	if !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Fatalf("empty list should encode as []: %s", w.Body.String())
	}

	if w = get("?since=yesterday"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", w.Code)
	}
}

func multipartFile(t *testing.T, field, name, mimeType, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name)}
	hdr["Content-Type"] = []string{mimeType}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte(content))
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadAttachment(t *testing.T) {
	db := newTestDB(t)
	s := newSessionRow(t, db)

	var got attachments.Upload
	store := stubAttachments{store: func(_ context.Context, up attachments.Upload, sessionID string, source domain.AttachmentSource) (*domain.SupportAttachment, error) {
		got = up
		if strings.HasSuffix(up.Name, ".exe") {
			return nil, &attachments.ValidationError{Code: "extension_not_allowed", Message: "exe files are not accepted"}
		}
		body, _ := io.ReadAll(up.Body)
		return &domain.SupportAttachment{ID: "att-1", SessionID: sessionID, OriginalName: up.Name, SizeBytes: int64(len(body)), Source: source, ScanStatus: domain.ScanClean}, nil
	}}
	upload := func(h *Handlers, sessionID string, body io.Reader, contentType string) *httptest.ResponseRecorder {
		return serve(h.UploadAttachment, request{
			method: http.MethodPost, route: "/sessions/:id/attachments", target: "/sessions/" + sessionID + "/attachments",
			body: body, header: map[string]string{"Content-Type": contentType},
		})
	}

	body, ct := multipartFile(t, "file", "notes.txt", "text/plain", "hello")
	if w := upload(New(Deps{DB: db}), s.ID, body, ct); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no store: %d", w.Code)
	}

	h := New(Deps{DB: db, Attachments: store})
	body, ct = multipartFile(t, "file", "notes.txt", "text/plain", "hello")
	w := upload(h, s.ID, body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	a := decode[domain.SupportAttachment](t, w)
	if a.SessionID != s.ID || a.Source != domain.SourceChat || a.SizeBytes != 5 || got.MimeType != "text/plain" {
		t.Fatalf("unexpected attachment %+v upload %+v", a, got)
	}

	body, ct = multipartFile(t, "file", "setup.exe", "application/octet-stream", "MZ")
	if w = upload(h, s.ID, body, ct); w.Code != http.StatusUnprocessableEntity || errCode(t, w) != "extension_not_allowed" {
		t.Fatalf("rejected: %d %s", w.Code, w.Body.String())
	}

	body, ct = multipartFile(t, "other", "notes.txt", "text/plain", "hello")
	if w = upload(h, s.ID, body, ct); w.Code != http.StatusBadRequest {
		t.Fatalf("missing field: %d", w.Code)
	}

	body, ct = multipartFile(t, "file", "notes.txt", "text/plain", "hello")
	if w = upload(h, uuid.NewString(), body, ct); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", w.Code)
	}
}
