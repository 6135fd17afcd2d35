// Package services – directory seeding
//
// Agents, operators and subscriptions are owned by the admin side of the
// platform. A standalone deployment describes them in a YAML file that is
// validated and upserted at startup.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/search"
)

// SeedMailServer is one SMTP or IMAP endpoint.
type SeedMailServer struct {
	Host     string `yaml:"host"     validate:"omitempty,hostname|ip"`
	Port     int    `yaml:"port"     validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mailbox  string `yaml:"mailbox"`
}

// SeedAgent describes an AI agent.
type SeedAgent struct {
	ID                  string         `yaml:"id"                    validate:"required,uuid"`
	Name                string         `yaml:"name"                  validate:"required,max=255"`
	HumanSupportEnabled bool           `yaml:"human_support_enabled"`
	EscalationThreshold *float64       `yaml:"escalation_threshold"  validate:"omitempty,gte=0,lte=1"`
	SupportEmail        string         `yaml:"support_email"         validate:"omitempty,email"`
	KnowledgeFile       string         `yaml:"knowledge_file"`
	SMTP                SeedMailServer `yaml:"smtp"`
	IMAP                SeedMailServer `yaml:"imap"`
}

// SeedOperator describes a human support account.
type SeedOperator struct {
	ID    string `yaml:"id"    validate:"required,uuid"`
	Name  string `yaml:"name"  validate:"required,max=255"`
	Email string `yaml:"email" validate:"required,email"`
	Role  string `yaml:"role"  validate:"required,oneof=admin operator"`
}

// SeedSubscription subscribes an operator to an agent's escalations.
type SeedSubscription struct {
	AgentID    string `yaml:"agent_id"    validate:"required,uuid"`
	OperatorID string `yaml:"operator_id" validate:"required,uuid"`
}

// SeedFile is the root of the seed document.
type SeedFile struct {
	Agents        []SeedAgent        `yaml:"agents"        validate:"dive"`
	Operators     []SeedOperator     `yaml:"operators"     validate:"dive"`
	Subscriptions []SeedSubscription `yaml:"subscriptions" validate:"dive"`
}

var seedValidate = validator.New()

// ParseSeed decodes and validates a seed document. Subscriptions must refer
// to agents and operators of the same document.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := seedValidate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	agents := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		agents[a.ID] = true
	}
	ops := make(map[string]bool, len(f.Operators))
	for _, o := range f.Operators {
		ops[o.ID] = true
	}
	for _, s := range f.Subscriptions {
		if !agents[s.AgentID] || !ops[s.OperatorID] {
			return nil, fmt.Errorf("invalid seed: subscription %s/%s refers to an unknown agent or operator", s.AgentID, s.OperatorID)
		}
	}
	return &f, nil
}

// LoadSeedFile parses the seed document at path.
func LoadSeedFile(path string) (*SeedFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return ParseSeed(fh)
}

// Apply upserts the document in one transaction.
func (f *SeedFile) Apply(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range f.Agents {
			row := &domain.Agent{
				ID:                  a.ID,
				Name:                a.Name,
				HumanSupportEnabled: a.HumanSupportEnabled,
				EscalationThreshold: a.EscalationThreshold,
				SupportEmail:        a.SupportEmail,
				SMTP:                domain.MailServer{Host: a.SMTP.Host, Port: a.SMTP.Port, Username: a.SMTP.Username, Password: a.SMTP.Password},
				IMAP:                domain.MailServer{Host: a.IMAP.Host, Port: a.IMAP.Port, Username: a.IMAP.Username, Password: a.IMAP.Password},
				IMAPMailbox:         a.IMAP.Mailbox,
			}
			if row.IMAPMailbox == "" {
				row.IMAPMailbox = "INBOX"
			}
			if err := repo.UpsertAgent(ctx, tx, row); err != nil {
				return fmt.Errorf("agent %s: %w", a.ID, err)
			}
		}
		for _, o := range f.Operators {
			row := &domain.Operator{ID: o.ID, Name: o.Name, Email: o.Email, Role: domain.OperatorRole(o.Role)}
			if err := repo.UpsertOperator(ctx, tx, row); err != nil {
				return fmt.Errorf("operator %s: %w", o.ID, err)
			}
		}
		for _, s := range f.Subscriptions {
			if err := repo.Subscribe(ctx, tx, s.AgentID, s.OperatorID); err != nil {
				return fmt.Errorf("subscription %s/%s: %w", s.AgentID, s.OperatorID, err)
			}
		}
		return nil
	})
}

// LoadKnowledge indexes every agent's knowledge file into the collection
// named after the agent. Relative paths resolve against baseDir.
func (f *SeedFile) LoadKnowledge(cols *search.Collections, baseDir string) (int, error) {
	total := 0
	for _, a := range f.Agents {
		if a.KnowledgeFile == "" {
			continue
		}
		path := a.KnowledgeFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		fh, err := os.Open(path)
		if err != nil {
			return total, fmt.Errorf("agent %s knowledge: %w", a.ID, err)
		}
		n, err := cols.Get(a.ID).LoadMarkdown(fh, "kb")
		fh.Close()
		if err != nil {
			return total, fmt.Errorf("agent %s knowledge: %w", a.ID, err)
		}
		total += n
	}
	return total, nil
}
