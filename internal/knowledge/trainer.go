// Package knowledge promotes answered support exchanges into an agent's
// knowledge base. Learning is synchronous and durable; vector indexing runs
// on the task queue and may be retried until it succeeds.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/queue"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

var (
	// ErrMessageNotFound is returned when the answer message does not exist
	// in the given session.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotAnAnswer is returned when the message was not written by an operator.
	ErrNotAnAnswer = errors.New("message is not an operator answer")
	// ErrNoQuestion is returned when no question was given and no user
	// message precedes the answer.
	ErrNoQuestion = errors.New("no question precedes the answer")
	// ErrAlreadyLearned is returned when the answer was learned before.
	ErrAlreadyLearned = errors.New("message already learned")
)

// pointNamespace seeds the deterministic vector point ids.
var pointNamespace = uuid.MustParse("6f1c9a54-3b7e-4c1d-9a0e-5d2b8c7e4f10")

// PointID is the vector point id of a learned response. Re-indexing the same
// row overwrites the same point.
func PointID(learnedID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(learnedID)).String()
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Payload is stored alongside every vector point.
type Payload struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Source   string `json:"source"`
	AgentID  string `json:"agentId"`
}

// Point is one vector upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// VectorIndex writes points into a named collection.
type VectorIndex interface {
	Upsert(ctx context.Context, collection string, p Point) error
}

// IndexTask is the payload of queue.TypeIndexKnowledge.
type IndexTask struct {
	LearnedID string `json:"learned_id"`
}

// LearnRequest asks to promote an operator answer. Question is optional; when
// empty the latest user message before the answer is used.
type LearnRequest struct {
	SessionID       string
	AnswerMessageID string
	Question        *string
	Actor           string
}

// Trainer creates learned responses and indexes them.
type Trainer struct {
	DB       *gorm.DB
	Embedder Embedder
	Store    VectorIndex
	Queue    queue.Enqueuer
	// Collection maps an agent id to its index collection; defaults to
	// CollectionName.
	Collection func(agentID string) string
	// EnqueueTimeout bounds each enqueue made by Reindex; zero means 5s.
	EnqueueTimeout time.Duration
	Clock          clockwork.Clock
	Log            zerolog.Logger
}

const defaultEnqueueTimeout = 5 * time.Second

// Register installs the indexing handler on mux.
func (t *Trainer) Register(mux *queue.Mux) {
	mux.Handle(queue.TypeIndexKnowledge, t.handleIndex)
}

func (t *Trainer) now() time.Time {
	if t.Clock == nil {
		return time.Now().UTC()
	}
	return t.Clock.Now().UTC()
}

func (t *Trainer) collection(agentID string) string {
	if t.Collection != nil {
		return t.Collection(agentID)
	}
	return CollectionName(agentID)
}

// Learn stores the question/answer pair, marks the answer learned and queues
// indexing. The returned row is durable even if queueing fails.
func (t *Trainer) Learn(ctx context.Context, req LearnRequest) (*domain.LearnedResponse, error) {
	ctx, span := observability.Tracer("knowledge").Start(ctx, "Trainer.Learn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	answer, err := repo.GetSupportMessage(ctx, t.DB, req.AnswerMessageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if answer.SessionID != req.SessionID {
		return nil, ErrMessageNotFound
	}
	if answer.SenderType != domain.SenderAgent {
		return nil, ErrNotAnAnswer
	}
	if answer.LearnedAt != nil {
		return nil, ErrAlreadyLearned
	}

	question := ""
	if req.Question != nil {
		question = strings.TrimSpace(*req.Question)
	}
	if question == "" {
		prev, err := repo.PrecedingUserMessage(ctx, t.DB, answer)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrNoQuestion
			}
			return nil, err
		}
		question = strings.TrimSpace(prev.Content)
	}
	if question == "" {
		return nil, ErrNoQuestion
	}

	s, err := repo.GetSession(ctx, t.DB, req.SessionID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	var lr *domain.LearnedResponse
	err = t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		lr, err = repo.CreateLearnedResponse(ctx, tx, repo.NewLearned{
			AgentID:   s.AgentID,
			Question:  question,
			Answer:    answer.Content,
			SessionID: s.ID,
			MessageID: answer.ID,
			CreatedBy: req.Actor,
		}, now)
		if err != nil {
			return err
		}
		ok, err := repo.MarkSupportMessageLearned(ctx, tx, answer.ID, req.Actor, lr.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyLearned
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t.Queue != nil {
		if err := t.Queue.Enqueue(ctx, queue.TypeIndexKnowledge, IndexTask{LearnedID: lr.ID}); err != nil {
			t.Log.Error().Err(err).Str("learned_id", lr.ID).Msg("queue knowledge indexing")
		}
	}
	return lr, nil
}

// Index embeds the question of a learned response and upserts it into the
// agent's collection. On failure the row keeps IndexError and the error is
// returned so the queue retries.
func (t *Trainer) Index(ctx context.Context, learnedID string) error {
	ctx, span := observability.Tracer("knowledge").Start(ctx, "Trainer.Index")
	defer span.End()

	lr, err := repo.GetLearnedResponse(ctx, t.DB, learnedID)
	if err != nil {
		return err
	}
	pointID := PointID(lr.ID)

	fail := func(stage string, cause error) error {
		err := fmt.Errorf("%s: %w", stage, cause)
		if mErr := repo.MarkLearnedIndexError(ctx, t.DB, lr.ID, err.Error(), t.now()); mErr != nil {
			t.Log.Error().Err(mErr).Str("learned_id", lr.ID).Msg("record index error")
		}
		t.Log.Warn().Err(err).Str("learned_id", lr.ID).Str("agent_id", lr.AgentID).Msg("knowledge indexing failed")
		return err
	}

	vec, err := t.Embedder.Embed(ctx, lr.Question)
	if err != nil {
		return fail("embed", err)
	}
	err = t.Store.Upsert(ctx, t.collection(lr.AgentID), Point{
		ID:     pointID,
		Vector: vec,
		Payload: Payload{
			Question: lr.Question,
			Answer:   lr.Answer,
			Source:   lr.Source,
			AgentID:  lr.AgentID,
		},
	})
	if err != nil {
		return fail("upsert", err)
	}
	return repo.MarkLearnedIndexed(ctx, t.DB, lr.ID, pointID, t.now())
}

func (t *Trainer) handleIndex(ctx context.Context, task queue.Task) error {
	var p IndexTask
	if err := task.Decode(&p); err != nil {
		return err
	}
	err := t.Index(ctx, p.LearnedID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	}
	return err
}

// Reindex queues every learned response of agentID that is not indexed yet.
// Each enqueue waits at most EnqueueTimeout, so a saturated queue ends the
// pass early instead of stalling the caller; rows left over stay unindexed
// and are picked up by the next pass.
func (t *Trainer) Reindex(ctx context.Context, agentID string) (int, error) {
	rows, err := repo.ListLearnedResponses(ctx, t.DB, agentID)
	if err != nil {
		return 0, err
	}
	timeout := t.EnqueueTimeout
	if timeout <= 0 {
		timeout = defaultEnqueueTimeout
	}
	pending := 0
	for _, lr := range rows {
		if lr.IndexedAt == nil {
			pending++
		}
	}
	n := 0
	for _, lr := range rows {
		if lr.IndexedAt != nil {
			continue
		}
		ectx, cancel := context.WithTimeout(ctx, timeout)
		err := t.Queue.Enqueue(ectx, queue.TypeIndexKnowledge, IndexTask{LearnedID: lr.ID})
		cancel()
		if err != nil {
			return n, fmt.Errorf("requeued %d of %d: %w", n, pending, err)
		}
		n++
	}
	return n, nil
}
