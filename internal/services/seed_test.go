package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/search"
)

const seedYAML = `
agents:
  - id: 5b0c7f3e-1d2a-4e5f-8a9b-0c1d2e3f4a5b
    name: Acme
    human_support_enabled: true
    escalation_threshold: 0.5
    support_email: help@acme.test
    knowledge_file: acme.md
    smtp:
      host: smtp.acme.test
      port: 587
    imap:
      host: imap.acme.test
      port: 993
operators:
  - id: a1111111-1111-4111-8111-111111111111
    name: Alice
    email: alice@acme.test
    role: operator
subscriptions:
  - agent_id: 5b0c7f3e-1d2a-4e5f-8a9b-0c1d2e3f4a5b
    operator_id: a1111111-1111-4111-8111-111111111111
`

func TestParseSeed_Valid(t *testing.T) {
	f, err := ParseSeed(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(f.Agents) != 1 || len(f.Operators) != 1 || len(f.Subscriptions) != 1 {
		t.Fatalf("unexpected document: %+v", f)
	}
	if f.Agents[0].EscalationThreshold == nil || *f.Agents[0].EscalationThreshold != 0.5 {
		t.Fatalf("threshold = %v", f.Agents[0].EscalationThreshold)
	}
}

func TestParseSeed_Empty(t *testing.T) {
	f, err := ParseSeed(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(f.Agents) != 0 {
		t.Fatalf("unexpected agents: %+v", f.Agents)
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown field": "agents:\n  - id: 5b0c7f3e-1d2a-4e5f-8a9b-0c1d2e3f4a5b\n    name: A\n    colour: red\n",
		"bad uuid":      "agents:\n  - id: agent-1\n    name: A\n",
		"bad role":      "operators:\n  - id: a1111111-1111-4111-8111-111111111111\n    name: A\n    email: a@b.co\n    role: root\n",
		"bad threshold": "agents:\n  - id: 5b0c7f3e-1d2a-4e5f-8a9b-0c1d2e3f4a5b\n    name: A\n    escalation_threshold: 1.5\n",
		"dangling subscription": "subscriptions:\n  - agent_id: 5b0c7f3e-1d2a-4e5f-8a9b-0c1d2e3f4a5b\n" +
			"    operator_id: a1111111-1111-4111-8111-111111111111\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSeed(strings.NewReader(doc)); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestSeedFile_ApplyIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f, err := ParseSeed(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := f.Apply(ctx, db); err != nil {
			t.Fatalf("Apply #%d: %v", i+1, err)
		}
	}

	a, err := repo.GetAgent(ctx, db, agentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !a.HumanSupportEnabled || a.IMAPMailbox != "INBOX" || a.SMTP.Port != 587 {
		t.Fatalf("unexpected agent: %+v", a)
	}
	ops, err := repo.ListSubscribedOperators(ctx, db, agentID)
	if err != nil {
		t.Fatalf("ListSubscribedOperators: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != opAlice {
		t.Fatalf("subscribers = %+v", ops)
	}
}

func TestSeedFile_LoadKnowledge(t *testing.T) {
	dir := t.TempDir()
	md := "# Returns\n\nRefunds are processed within five business days after the returned item arrives.\n"
	if err := os.WriteFile(filepath.Join(dir, "acme.md"), []byte(md), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := ParseSeed(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatal(err)
	}
	cols := search.NewCollections()
	n, err := f.LoadKnowledge(cols, dir)
	if err != nil {
		t.Fatalf("LoadKnowledge: %v", err)
	}
	if n == 0 {
		t.Fatalf("nothing indexed")
	}
	if res := cols.Get(agentID).TopK("refunds processed", 1); len(res) != 1 {
		t.Fatalf("TopK = %+v", res)
	}

	f.Agents[0].KnowledgeFile = "missing.md"
	if _, err := f.LoadKnowledge(cols, dir); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
