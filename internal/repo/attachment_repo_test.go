package repo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

func TestNewAttachmentRow_StoredNameAndPending(t *testing.T) {
	a := NewAttachmentRow(NewAttachment{SessionID: "s1", OriginalName: "Invoice.PDF", Extension: "pdf", MimeType: "application/pdf", SizeBytes: 42, Source: domain.SourceChat}, time.Now())
	if a.ID == "" || a.StoredName != a.ID+".pdf" {
		t.Fatalf("unexpected stored name %q for id %q", a.StoredName, a.ID)
	}
	if a.ScanStatus != domain.ScanPending || a.ScannedAt != nil {
		t.Fatalf("expected pending row: %+v", a)
	}
	if strings.Contains(a.StoredName, "Invoice") {
		t.Fatalf("stored name must not leak the original name")
	}
}

func TestCompleteScan_ExactlyOnce(t *testing.T) {
	db := newTestDB(t, &domain.SupportAttachment{})
	ctx := context.Background()
	now := time.Now()

	a := NewAttachmentRow(NewAttachment{SessionID: "s1", OriginalName: "a.txt", Extension: "txt", MimeType: "text/plain", SizeBytes: 3, Source: domain.SourceEmail}, now)
	if err := CreateAttachment(ctx, db, a); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}

	ok, err := CompleteScan(ctx, db, a.ID, domain.ScanInfected, "Eicar-Test-Signature", now)
	if err != nil || !ok {
		t.Fatalf("first CompleteScan: ok=%v err=%v", ok, err)
	}
	ok, err = CompleteScan(ctx, db, a.ID, domain.ScanClean, "", now)
	if err != nil || ok {
		t.Fatalf("second CompleteScan must not match: ok=%v err=%v", ok, err)
	}

	got, err := GetAttachment(ctx, db, a.ID)
	if err != nil {
		t.Fatalf("GetAttachment: %v", err)
	}
	if got.ScanStatus != domain.ScanInfected || got.ScanResult != "Eicar-Test-Signature" || got.ScannedAt == nil {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestListAttachments_AndPending(t *testing.T) {
	db := newTestDB(t, &domain.SupportAttachment{})
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	a1 := NewAttachmentRow(NewAttachment{SessionID: "s1", OriginalName: "a.png", Extension: "png", MimeType: "image/png", Source: domain.SourceChat}, base)
	a2 := NewAttachmentRow(NewAttachment{SessionID: "s1", OriginalName: "b.png", Extension: "png", MimeType: "image/png", Source: domain.SourceChat}, base.Add(time.Minute))
	for _, a := range []*domain.SupportAttachment{a1, a2} {
		if err := CreateAttachment(ctx, db, a); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_, _ = CompleteScan(ctx, db, a1.ID, domain.ScanClean, "", base)

	list, err := ListAttachments(ctx, db, "s1")
	if err != nil || len(list) != 2 || list[0].ID != a1.ID {
		t.Fatalf("ListAttachments: %v %v", list, err)
	}
	pending, err := ListPendingAttachments(ctx, db, base.Add(time.Hour), 10)
	if err != nil || len(pending) != 1 || pending[0].ID != a2.ID {
		t.Fatalf("ListPendingAttachments: %v %v", pending, err)
	}
}
