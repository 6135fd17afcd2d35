package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

func TestLearnedResponse_Lifecycle(t *testing.T) {
	db := newTestDB(t, &domain.LearnedResponse{})
	ctx := context.Background()
	now := time.Date(2025, 3, 3, 3, 3, 3, 0, time.UTC)

	lr, err := CreateLearnedResponse(ctx, db, NewLearned{AgentID: "a1", Question: "Q?", Answer: "A.", SessionID: "s1", MessageID: "m1", CreatedBy: "op1"}, now)
	if err != nil {
		t.Fatalf("CreateLearnedResponse: %v", err)
	}
	if lr.Source != domain.LearnedSourceHumanSupport || lr.IndexedAt != nil {
		t.Fatalf("unexpected row: %+v", lr)
	}

	if err := MarkLearnedIndexError(ctx, db, lr.ID, "embedder down", now); err != nil {
		t.Fatalf("MarkLearnedIndexError: %v", err)
	}
	got, _ := GetLearnedResponse(ctx, db, lr.ID)
	if got.IndexError != "embedder down" || got.IndexedAt != nil {
		t.Fatalf("expected error kept and unindexed: %+v", got)
	}

	if err := MarkLearnedIndexed(ctx, db, lr.ID, "pt-1", now); err != nil {
		t.Fatalf("MarkLearnedIndexed: %v", err)
	}
	got, _ = GetLearnedResponse(ctx, db, lr.ID)
	if got.IndexedAt == nil || got.IndexPointID == nil || *got.IndexPointID != "pt-1" || got.IndexError != "" {
		t.Fatalf("expected indexed row: %+v", got)
	}

	list, err := ListLearnedResponses(ctx, db, "a1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListLearnedResponses: %v %v", list, err)
	}
}
