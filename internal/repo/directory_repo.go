// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides lookups for agents, operators and
// agent subscriptions. Rows are written only by seeding.
package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// GetAgent fetches an agent by id.
func GetAgent(ctx context.Context, db *gorm.DB, id string) (*domain.Agent, error) {
	var a domain.Agent
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListMailboxAgents returns agents with human support enabled and an IMAP
// host configured.
func ListMailboxAgents(ctx context.Context, db *gorm.DB) ([]domain.Agent, error) {
	var out []domain.Agent
	err := db.WithContext(ctx).
		Where("human_support_enabled = ? AND imap_host <> ''", true).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListAgentIDs returns the id of every agent.
func ListAgentIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.Agent{}).Order("id ASC").Pluck("id", &ids).Error
	return ids, err
}

// UpsertAgent inserts or fully replaces an agent row.
func UpsertAgent(ctx context.Context, db *gorm.DB, a *domain.Agent) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(a).Error
}

// GetOperator fetches an operator by id.
func GetOperator(ctx context.Context, db *gorm.DB, id string) (*domain.Operator, error) {
	var o domain.Operator
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOperatorsByIDs returns the operators with the given ids.
func GetOperatorsByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Operator, error) {
	var out []domain.Operator
	if len(ids) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error
	return out, err
}

// UpsertOperator inserts or fully replaces an operator row.
func UpsertOperator(ctx context.Context, db *gorm.DB, o *domain.Operator) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(o).Error
}

// ListAdmins returns every admin operator.
func ListAdmins(ctx context.Context, db *gorm.DB) ([]domain.Operator, error) {
	var out []domain.Operator
	err := db.WithContext(ctx).Where("role = ?", domain.RoleAdmin).Order("id ASC").Find(&out).Error
	return out, err
}

// ListSubscribedOperators returns the operators explicitly subscribed to agentID.
func ListSubscribedOperators(ctx context.Context, db *gorm.DB, agentID string) ([]domain.Operator, error) {
	var out []domain.Operator
	err := db.WithContext(ctx).
		Joins("JOIN agent_subscriptions s ON s.operator_id = operators.id").
		Where("s.agent_id = ?", agentID).
		Order("operators.id ASC").
		Find(&out).Error
	return out, err
}

// ListSubscribedAgentIDs returns the ids of agents operatorID follows.
func ListSubscribedAgentIDs(ctx context.Context, db *gorm.DB, operatorID string) ([]string, error) {
	var out []string
	err := db.WithContext(ctx).
		Model(&domain.AgentSubscription{}).
		Where("operator_id = ?", operatorID).
		Order("agent_id ASC").
		Pluck("agent_id", &out).Error
	return out, err
}

// Subscribe records that operatorID follows agentID. Repeated calls are no-ops.
func Subscribe(ctx context.Context, db *gorm.DB, agentID, operatorID string) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.AgentSubscription{ID: uuid.NewString(), AgentID: agentID, OperatorID: operatorID}).Error
}
