package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/queue"
	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/search"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []IndexTask
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, taskType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if taskType == queue.TypeIndexKnowledge {
		f.tasks = append(f.tasks, payload.(IndexTask))
	}
	return nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

type recordingIndex struct {
	mu     sync.Mutex
	points map[string]map[string]Point
	err    error
}

func (r *recordingIndex) Upsert(_ context.Context, collection string, p Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.points == nil {
		r.points = make(map[string]map[string]Point)
	}
	if r.points[collection] == nil {
		r.points[collection] = make(map[string]Point)
	}
	r.points[collection][p.ID] = p
	return nil
}

type fixture struct {
	db      *gorm.DB
	session *domain.Session
	answer  *domain.SupportMessage
}

func seed(t *testing.T, db *gorm.DB) fixture {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.UpsertAgent(ctx, db, &domain.Agent{ID: "agent-1", Name: "Acme", HumanSupportEnabled: true}))
	s, err := repo.CreateSession(ctx, db, "agent-1", time.Now())
	require.NoError(t, err)

	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	_, err = repo.CreateSupportMessage(ctx, db, repo.NewSupportMessage{
		SessionID: s.ID, SenderType: domain.SenderUser, Channel: domain.ChannelChat,
		Content: "How do I reset my password?",
	}, base)
	require.NoError(t, err)
	op := "op-1"
	answer, err := repo.CreateSupportMessage(ctx, db, repo.NewSupportMessage{
		SessionID: s.ID, SenderType: domain.SenderAgent, SenderID: &op, Channel: domain.ChannelChat,
		Content: "Use the 'Forgot password' link on the login page.", Read: true,
	}, base.Add(time.Minute))
	require.NoError(t, err)
	return fixture{db: db, session: s, answer: answer}
}

func newTrainer(db *gorm.DB, q queue.Enqueuer, e Embedder, ix VectorIndex) *Trainer {
	return &Trainer{
		DB:       db,
		Embedder: e,
		Store:    ix,
		Queue:    q,
		Clock:    clockwork.NewFakeClockAt(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)),
		Log:      zerolog.Nop(),
	}
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("lr-1"), PointID("lr-1"))
	assert.NotEqual(t, PointID("lr-1"), PointID("lr-2"))
	assert.Len(t, PointID("lr-1"), 36)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "Learned_3fa8_11ab", CollectionName("3fa8-11ab"))
	assert.Equal(t, "Learned_a_b", CollectionName("a.b"))
}

func TestLearn_UsesPrecedingQuestionAndQueuesIndexing(t *testing.T) {
	db := newDB(t)
	f := seed(t, db)
	q := &fakeQueue{}
	tr := newTrainer(db, q, fakeEmbedder{}, &recordingIndex{})

	lr, err := tr.Learn(context.Background(), LearnRequest{SessionID: f.session.ID, AnswerMessageID: f.answer.ID, Actor: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, "How do I reset my password?", lr.Question)
	assert.Equal(t, f.answer.Content, lr.Answer)
	assert.Equal(t, domain.LearnedSourceHumanSupport, lr.Source)
	assert.Equal(t, "agent-1", lr.AgentID)

	m, err := repo.GetSupportMessage(context.Background(), db, f.answer.ID)
	require.NoError(t, err)
	require.NotNil(t, m.LearnedAt)
	require.NotNil(t, m.LearnedResponseID)
	assert.Equal(t, lr.ID, *m.LearnedResponseID)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, lr.ID, q.tasks[0].LearnedID)
}

func TestLearn_ExplicitQuestionAndErrors(t *testing.T) {
	db := newDB(t)
	f := seed(t, db)
	tr := newTrainer(db, &fakeQueue{}, fakeEmbedder{}, &recordingIndex{})
	ctx := context.Background()

	q := "  Where is the reset link?  "
	lr, err := tr.Learn(ctx, LearnRequest{SessionID: f.session.ID, AnswerMessageID: f.answer.ID, Question: &q, Actor: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, "Where is the reset link?", lr.Question)

	_, err = tr.Learn(ctx, LearnRequest{SessionID: f.session.ID, AnswerMessageID: f.answer.ID, Actor: "op-1"})
	assert.ErrorIs(t, err, ErrAlreadyLearned)

	_, err = tr.Learn(ctx, LearnRequest{SessionID: "other", AnswerMessageID: f.answer.ID, Actor: "op-1"})
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = tr.Learn(ctx, LearnRequest{SessionID: f.session.ID, AnswerMessageID: "missing", Actor: "op-1"})
	assert.ErrorIs(t, err, ErrMessageNotFound)

	user, err := repo.PrecedingUserMessage(ctx, db, f.answer)
	require.NoError(t, err)
	_, err = tr.Learn(ctx, LearnRequest{SessionID: f.session.ID, AnswerMessageID: user.ID, Actor: "op-1"})
	assert.ErrorIs(t, err, ErrNotAnAnswer)
}

func TestLearn_NoPrecedingQuestion(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertAgent(ctx, db, &domain.Agent{ID: "agent-1", Name: "Acme"}))
	s, err := repo.CreateSession(ctx, db, "agent-1", time.Now())
	require.NoError(t, err)
	op := "op-1"
	answer, err := repo.CreateSupportMessage(ctx, db, repo.NewSupportMessage{
		SessionID: s.ID, SenderType: domain.SenderAgent, SenderID: &op, Channel: domain.ChannelChat, Content: "Hello",
	}, time.Now())
	require.NoError(t, err)

	tr := newTrainer(db, &fakeQueue{}, fakeEmbedder{}, &recordingIndex{})
	_, err = tr.Learn(ctx, LearnRequest{SessionID: s.ID, AnswerMessageID: answer.ID, Actor: "op-1"})
	assert.ErrorIs(t, err, ErrNoQuestion)

	var n int64
	require.NoError(t, db.Model(&domain.LearnedResponse{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestLearn_QueueFailureKeepsRow(t *testing.T) {
	db := newDB(t)
	f := seed(t, db)
	tr := newTrainer(db, &fakeQueue{err: errors.New("redis down")}, fakeEmbedder{}, &recordingIndex{})

	lr, err := tr.Learn(context.Background(), LearnRequest{SessionID: f.session.ID, AnswerMessageID: f.answer.ID, Actor: "op-1"})
	require.NoError(t, err)
	_, err = repo.GetLearnedResponse(context.Background(), db, lr.ID)
	require.NoError(t, err)
}

func TestIndex_UpsertsIntoAgentCollection(t *testing.T) {
	db := newDB(t)
	f := seed(t, db)
	ix := &recordingIndex{}
	tr := newTrainer(db, &fakeQueue{}, fakeEmbedder{}, ix)
	ctx := context.Background()

	lr, err := tr.Learn(ctx, LearnRequest{SessionID: f.session.ID, AnswerMessageID: f.answer.ID, Actor: "op-1"})
	require.NoError(t, err)
	require.NoError(t, tr.Index(ctx, lr.ID))
	require.NoError(t, tr.Index(ctx, lr.ID))

	points := ix.points[CollectionName("agent-1")]
	require.Len(t, points, 1)
	p := points[PointID(lr.ID)]
	assert.Equal(t, Payload{Question: lr.Question, Answer: lr.Answer, Source: domain.LearnedSourceHumanSupport, AgentID: "agent-1"}, p.Payload)
	assert.NotEmpty(t, p.Vector)

	got, err := repo.GetLearnedResponse(ctx, db, lr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.IndexedAt)
	require.NotNil(t, got.IndexPointID)
	assert.Equal(t, PointID(lr.ID), *got.IndexPointID)
	assert.Empty(t, got.IndexError)
}

func TestIndex_FailureKeepsRowUnindexed(t *testing.T) {
	for name, tc := range map[string]struct {
		emb Embedder
		ix  VectorIndex
	}{
		"embed":  {emb: fakeEmbedder{err: errors.New("quota")}, ix: &recordingIndex{}},
		"upsert": {emb: fakeEmbedder{}, ix: &recordingIndex{err: errors.New("503")}},
	} {
		t.Run(name, func(t *testing.T) {
			db := newDB(t)
			f := seed(t, db)
			tr := newTrainer(db, &fakeQueue{}, tc.emb, tc.ix)
			ctx := context.Background()

			lr, err := tr.Learn(ctx, LearnRequest{SessionID: f.session.ID, AnswerMessageID: f.answer.ID, Actor: "op-1"})
			require.NoError(t, err)
			err = tr.Index(ctx, lr.ID)
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)

			got, err := repo.GetLearnedResponse(ctx, db, lr.ID)
			require.NoError(t, err)
			assert.Nil(t, got.IndexedAt)
			assert.Contains(t, got.IndexError, name)
		})
	}
}

func TestHandleIndex_MissingRowIsPermanent(t *testing.T) {
	db := newDB(t)
	tr := newTrainer(db, &fakeQueue{}, fakeEmbedder{}, &recordingIndex{})
	mux := queue.NewMux()
	tr.Register(mux)

	task, err := queue.NewTask(queue.TypeIndexKnowledge, IndexTask{LearnedID: "nope"}, time.Now())
	require.NoError(t, err)
	err = mux.Dispatch(context.Background(), task)
	assert.ErrorIs(t, err, queue.ErrPermanent)
}

func TestReindex_QueuesOnlyUnindexed(t *testing.T) {
	db := newDB(t)
	f := seed(t, db)
	q := &fakeQueue{}
	tr := newTrainer(db, q, fakeEmbedder{}, &recordingIndex{})
	ctx := context.Background()

	lr, err := tr.Learn(ctx, LearnRequest{SessionID: f.session.ID, AnswerMessageID: f.answer.ID, Actor: "op-1"})
	require.NoError(t, err)
	n, err := tr.Reindex(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, tr.Index(ctx, lr.ID))
	n, err = tr.Reindex(ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReindex_SaturatedQueueEndsPassEarly(t *testing.T) {
	db := newDB(t)
	f := seed(t, db)
	ctx := context.Background()
	now := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 300; i++ {
		_, err := repo.CreateLearnedResponse(ctx, db, repo.NewLearned{
			AgentID:   "agent-1",
			Question:  fmt.Sprintf("question %d", i),
			Answer:    "answer",
			SessionID: f.session.ID,
			MessageID: f.answer.ID,
			CreatedBy: "op-1",
		}, now)
		require.NoError(t, err)
	}

	// workers not started: only the buffer accepts tasks
	pool := queue.NewPool(queue.NewMux(), queue.PoolOptions{Buffer: 256})
	tr := newTrainer(db, pool, fakeEmbedder{}, &recordingIndex{})
	tr.EnqueueTimeout = 20 * time.Millisecond

	done := make(chan struct{})
	var (
		n   int
		err error
	)
	go func() {
		defer close(done)
		n, err = tr.Reindex(ctx, "agent-1")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Reindex blocked on a saturated queue")
	}
	require.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Equal(t, 256, n)
	assert.Contains(t, err.Error(), "requeued 256 of 300")
}

func TestLocalIndex_FeedsKeywordSearch(t *testing.T) {
	cols := search.NewCollections(search.WithMinRunes(1))
	ix := Multi{LocalIndex{Collections: cols}, &recordingIndex{}}

	err := ix.Upsert(context.Background(), "Learned_a", Point{
		ID:      "p1",
		Payload: Payload{Question: "How do I reset my password?", Answer: "Use the forgot password link."},
	})
	require.NoError(t, err)

	res := cols.Get("Learned_a").TopK("reset password", 1)
	require.Len(t, res, 1)
	assert.Equal(t, "p1", res[0].ID)

	vec, err := NopEmbedder{}.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, vec)
}

func TestLocalIndex_RestoreFromDatabase(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	for _, q := range []string{"How do I reset my password?", "Where is my invoice?"} {
		_, err := repo.CreateLearnedResponse(ctx, db, repo.NewLearned{
			AgentID: "agent-1", Question: q, Answer: "See the account page.", SessionID: "s", MessageID: "m-" + q, CreatedBy: "op-1",
		}, time.Now())
		require.NoError(t, err)
	}

	cols := search.NewCollections(search.WithMinRunes(1))
	n, err := LocalIndex{Collections: cols}.Restore(ctx, db, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res := cols.Get(CollectionName("agent-1")).TopK("invoice", 1)
	require.Len(t, res, 1)

	n, err = LocalIndex{Collections: cols}.Restore(ctx, db, "agent-2")
	require.NoError(t, err)
	assert.Zero(t, n)
}
