// Package events publishes domain events for real-time observers (operator
// consoles, the guest widget). Delivery is best effort: publishers report
// errors, callers log them, and no state change is ever rolled back because an
// event could not be delivered.
package events

import (
	"context"
	"errors"
	"time"
)

// Event names.
const (
	SupportEscalated  = "support.escalated"
	SupportAssigned   = "support.assigned"
	SupportResolved   = "support.resolved"
	SupportAbandoned  = "support.abandoned"
	MessageCreated    = "support.message.created"
	AttachmentScanned = "support.attachment.scanned"
)

// Event is a domain event scoped to an agent and a session.
type Event struct {
	Name      string         `json:"event"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher delivers events to one transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
