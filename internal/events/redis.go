package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// AgentTopic and SessionTopic name the Redis pub/sub channels events are
// published on. The websocket relay subscribes to them.
func AgentTopic(agentID string) string     { return "events:agent:" + agentID }
func SessionTopic(sessionID string) string { return "events:session:" + sessionID }

// Redis publishes JSON events on the agent and session topics.
type Redis struct {
	rdb redis.UniversalClient
}

func NewRedis(rdb redis.UniversalClient) *Redis { return &Redis{rdb: rdb} }

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := r.rdb.Pipeline()
	if ev.AgentID != "" {
		pipe.Publish(ctx, AgentTopic(ev.AgentID), data)
	}
	if ev.SessionID != "" {
		pipe.Publish(ctx, SessionTopic(ev.SessionID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Name, err)
	}
	return nil
}
