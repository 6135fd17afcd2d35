package search

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type boomReader struct{}

func (boomReader) Read(_ []byte) (int, error) { return 0, errors.New("boom") }

func TestOptionsAndDefaults(t *testing.T) {
	def := defaultConfig()
	if def.minRunes != 40 || def.stopwords != nil || def.maxDocs != 0 {
		t.Fatalf("defaultConfig unexpected: %#v", def)
	}

	cfg := def
	WithMinRunes(10)(&cfg)
	WithMinRunes(-5)(&cfg)
	if cfg.minRunes != 10 {
		t.Fatalf("minRunes = %d; want 10", cfg.minRunes)
	}
	WithStopwords([]string{"  The ", "", "An"})(&cfg)
	if _, ok := cfg.stopwords["the"]; !ok {
		t.Fatalf("missing 'the' in %#v", cfg.stopwords)
	}
	cfg2 := def
	WithStopwords(nil)(&cfg2)
	if cfg2.stopwords != nil {
		t.Fatalf("empty stopwords should remain nil")
	}
	WithMaxDocs(2)(&cfg)
	WithMaxDocs(0)(&cfg)
	if cfg.maxDocs != 2 {
		t.Fatalf("maxDocs = %d; want 2", cfg.maxDocs)
	}
}

func TestStore_UpsertFilters(t *testing.T) {
	s := NewStore(WithMinRunes(6), WithStopwords([]string{"the", "and", "a"}), WithMaxDocs(2))

	if s.Upsert("e", " \t \r ") {
		t.Fatalf("blank text must be rejected")
	}
	if s.Upsert("short", "tiny") {
		t.Fatalf("short text must be rejected")
	}
	if s.Upsert("stop", "the and a") {
		t.Fatalf("stopword-only text must be rejected")
	}
	if !s.Upsert("1", "Refunds take five days") || !s.Upsert("2", "Shipping is free over fifty") {
		t.Fatalf("expected valid docs to be kept")
	}
	if s.Upsert("3", "A third valid document") {
		t.Fatalf("maxDocs should cap new ids")
	}
	if !s.Upsert("1", "Refunds take seven days") {
		t.Fatalf("replacing an existing id must succeed at capacity")
	}
	if got, _ := s.Get("1"); got != "Refunds take seven days" {
		t.Fatalf("Get(1) = %q", got)
	}
	s.Delete("2")
	if s.Len() != 1 {
		t.Fatalf("Len = %d; want 1", s.Len())
	}
}

func TestStore_TopKScoringAndOrder(t *testing.T) {
	s := NewStore(WithMinRunes(0))
	s.Upsert("long", "alpha beta gamma delta")
	s.Upsert("b", "alpha beta")
	s.Upsert("a", "alpha beta")
	s.Upsert("none", "omega")

	if got := s.TopK("   ", 3); got != nil {
		t.Fatalf("blank query should return nil")
	}
	if got := s.TopK("!!!", 3); got != nil {
		t.Fatalf("tokenless query should return nil")
	}
	if got := s.TopK("zzz", 3); got != nil {
		t.Fatalf("no overlap should return nil, got %v", got)
	}

	res := s.TopK("alpha beta", 0)
	if len(res) != 3 {
		t.Fatalf("k<=0 defaults to 3, got %d", len(res))
	}
	if res[0].Score != 1 || res[1].Score != 1 {
		t.Fatalf("exact matches should score 1: %+v", res)
	}
	if res[0].ID != "a" || res[1].ID != "b" || res[2].ID != "long" {
		t.Fatalf("unexpected order: %+v", res)
	}
	if res[2].Score != 0.5 {
		t.Fatalf("jaccard(2/4) = %v; want 0.5", res[2].Score)
	}
	if got := s.TopK("alpha", 1); len(got) != 1 {
		t.Fatalf("k should cap results")
	}
}

func TestStore_LoadParagraphs(t *testing.T) {
	s := NewStore(WithMinRunes(0))
	n, err := s.LoadParagraphs(strings.NewReader("Para one.\n\n  \nPara two two.\n"), "kb")
	if err != nil || n != 2 {
		t.Fatalf("LoadParagraphs = %d, %v", n, err)
	}
	if _, ok := s.Get("kb-1"); !ok {
		t.Fatalf("expected id kb-1")
	}
	if _, err := s.LoadParagraphs(boomReader{}, "x"); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestStore_ConcurrentUse(t *testing.T) {
	s := NewStore(WithMinRunes(0))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Upsert(fmt.Sprintf("d%d", i), fmt.Sprintf("refund policy number %d", i))
		}(i)
		go func() {
			defer wg.Done()
			_ = s.TopK("refund policy", 3)
		}()
	}
	wg.Wait()
	if s.Len() != 8 {
		t.Fatalf("Len = %d; want 8", s.Len())
	}
}

func TestCollections(t *testing.T) {
	c := NewCollections(WithMinRunes(0))
	if _, ok := c.Lookup("agent-1"); ok {
		t.Fatalf("collection should not exist yet")
	}
	a := c.Get("agent-1")
	a.Upsert("q1", "how do refunds work")
	if c.Get("agent-1") != a {
		t.Fatalf("Get must return the same store")
	}
	c.Get("agent-0")
	names := c.Names()
	if len(names) != 2 || names[0] != "agent-0" || names[1] != "agent-1" {
		t.Fatalf("Names = %v", names)
	}
	if got := c.Get("agent-0").TopK("refunds", 1); got != nil {
		t.Fatalf("collections must be isolated, got %v", got)
	}
}

func TestHelpers(t *testing.T) {
	if got := normalizeWhitespace("a \t\r b"); got != "a b" {
		t.Fatalf("normalizeWhitespace = %q", got)
	}
	if n := overlap(map[string]struct{}{"a": {}}, map[string]struct{}{"a": {}, "b": {}}); n != 1 {
		t.Fatalf("overlap = %d", n)
	}
	if got := splitParagraphs("\n\na\n\n\n b \n"); len(got) != 2 || got[1] != "b" {
		t.Fatalf("splitParagraphs = %q", got)
	}
}
