package knowledge

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/search"
)

// LocalIndex stores learned pairs in the in-memory keyword index so the
// agent's retriever can answer them without a vector database. Vectors are
// ignored.
type LocalIndex struct {
	Collections *search.Collections
}

// Upsert indexes the question and answer text under p.ID.
func (l LocalIndex) Upsert(_ context.Context, collection string, p Point) error {
	l.Collections.Get(collection).Upsert(p.ID, p.Payload.Question+"\n"+p.Payload.Answer)
	return nil
}

// Restore reloads every learned response of agentID from the database. The
// keyword index lives in memory, so it is rebuilt on every start.
func (l LocalIndex) Restore(ctx context.Context, db *gorm.DB, agentID string) (int, error) {
	rows, err := repo.ListLearnedResponses(ctx, db, agentID)
	if err != nil {
		return 0, err
	}
	store := l.Collections.Get(CollectionName(agentID))
	n := 0
	for _, lr := range rows {
		if store.Upsert(PointID(lr.ID), lr.Question+"\n"+lr.Answer) {
			n++
		}
	}
	return n, nil
}

// NopEmbedder returns an empty vector. It pairs with LocalIndex when no
// embedding service is configured.
type NopEmbedder struct{}

func (NopEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, nil }

// Multi writes each point to every index and stops at the first error.
type Multi []VectorIndex

func (m Multi) Upsert(ctx context.Context, collection string, p Point) error {
	for _, ix := range m {
		if err := ix.Upsert(ctx, collection, p); err != nil {
			return err
		}
	}
	return nil
}
