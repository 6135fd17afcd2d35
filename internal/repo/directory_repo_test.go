package repo

import (
	"context"
	"testing"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

func TestDirectory_AgentsOperatorsSubscriptions(t *testing.T) {
	db := newTestDB(t, &domain.Agent{}, &domain.Operator{}, &domain.AgentSubscription{})
	ctx := context.Background()

	a1 := &domain.Agent{ID: "a1", Name: "Docs bot", HumanSupportEnabled: true, IMAP: domain.MailServer{Host: "imap.example.com", Port: 993}}
	a2 := &domain.Agent{ID: "a2", Name: "Sales bot", HumanSupportEnabled: true}
	a3 := &domain.Agent{ID: "a3", Name: "Off bot", IMAP: domain.MailServer{Host: "imap.example.com"}}
	for _, a := range []*domain.Agent{a1, a2, a3} {
		if err := UpsertAgent(ctx, db, a); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
	}
	a2.Name = "Sales bot v2"
	if err := UpsertAgent(ctx, db, a2); err != nil {
		t.Fatalf("UpsertAgent update: %v", err)
	}
	got, err := GetAgent(ctx, db, "a2")
	if err != nil || got.Name != "Sales bot v2" {
		t.Fatalf("GetAgent after upsert: %+v %v", got, err)
	}

	if ids, err := ListAgentIDs(ctx, db); err != nil || len(ids) != 3 || ids[0] != "a1" {
		t.Fatalf("ListAgentIDs: %v %v", ids, err)
	}

	mbx, err := ListMailboxAgents(ctx, db)
	if err != nil || len(mbx) != 1 || mbx[0].ID != "a1" || mbx[0].IMAP.Port != 993 {
		t.Fatalf("ListMailboxAgents: %v %v", mbx, err)
	}

	ops := []*domain.Operator{
		{ID: "o1", Name: "Ada", Email: "ada@example.com", Role: domain.RoleAdmin},
		{ID: "o2", Name: "Bob", Email: "bob@example.com", Role: domain.RoleOperator},
		{ID: "o3", Name: "Cy", Email: "cy@example.com", Role: domain.RoleOperator},
	}
	for _, o := range ops {
		if err := UpsertOperator(ctx, db, o); err != nil {
			t.Fatalf("UpsertOperator: %v", err)
		}
	}
	admins, _ := ListAdmins(ctx, db)
	if len(admins) != 1 || admins[0].ID != "o1" {
		t.Fatalf("ListAdmins: %v", admins)
	}

	for i := 0; i < 2; i++ {
		if err := Subscribe(ctx, db, "a1", "o2"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	_ = Subscribe(ctx, db, "a2", "o2")
	subs, err := ListSubscribedOperators(ctx, db, "a1")
	if err != nil || len(subs) != 1 || subs[0].ID != "o2" {
		t.Fatalf("ListSubscribedOperators: %v %v", subs, err)
	}
	agentIDs, _ := ListSubscribedAgentIDs(ctx, db, "o2")
	if len(agentIDs) != 2 || agentIDs[0] != "a1" || agentIDs[1] != "a2" {
		t.Fatalf("ListSubscribedAgentIDs: %v", agentIDs)
	}

	byID, _ := GetOperatorsByIDs(ctx, db, []string{"o3", "o1"})
	if len(byID) != 2 || byID[0].ID != "o1" {
		t.Fatalf("GetOperatorsByIDs: %v", byID)
	}
	if _, err := GetOperator(ctx, db, "nope"); err == nil {
		t.Fatalf("expected not found")
	}
}
