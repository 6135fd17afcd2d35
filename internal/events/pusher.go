package events

import (
	"context"
	"fmt"

	pusher "github.com/pusher/pusher-http-go/v5"

	"github.com/tbourn/go-support-handoff/internal/presence"
)

// Trigger is the subset of the Pusher client used to push events.
type Trigger interface {
	TriggerMulti(channels []string, eventName string, data interface{}) error
}

var _ Trigger = (*pusher.Client)(nil)

// Pusher triggers events on the agent's operator channel and the session's
// guest channel, so both consoles and the widget receive them.
type Pusher struct {
	client Trigger
}

func NewPusher(client Trigger) *Pusher { return &Pusher{client: client} }

func (p *Pusher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var channels []string
	if ev.AgentID != "" {
		channels = append(channels, presence.AgentChannel(ev.AgentID))
	}
	if ev.SessionID != "" {
		channels = append(channels, presence.SessionChannel(ev.SessionID))
	}
	if len(channels) == 0 {
		return nil
	}
	if err := p.client.TriggerMulti(channels, ev.Name, ev); err != nil {
		return fmt.Errorf("pusher trigger %s: %w", ev.Name, err)
	}
	return nil
}
