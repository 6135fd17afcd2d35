// Package presence answers "is a human watching right now" for an AI agent's
// support channel and "is the guest still connected" for a chat session.
//
// Counts come from a presence-capable pub/sub service and are cached for a
// short TTL. Join/leave hook events adjust the cached counters in between
// refreshes. Every answer is a hint: lookup failures read as offline and are
// never returned to callers.
package presence

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-support-handoff/internal/cache"
)

const (
	agentChannelPrefix   = "presence-agent."
	agentChannelSuffix   = ".support"
	sessionChannelPrefix = "presence-chat.session."

	// GuestPrefix marks end-user members on presence channels.
	GuestPrefix = "guest_"

	keyPrefix = "presence:"
)

// AgentChannel is the operator presence channel of an AI agent.
func AgentChannel(agentID string) string {
	return agentChannelPrefix + agentID + agentChannelSuffix
}

// SessionChannel is the guest presence channel of a chat session.
func SessionChannel(sessionID string) string {
	return sessionChannelPrefix + sessionID
}

// IsGuest reports whether a channel member id belongs to an end user.
func IsGuest(memberID string) bool {
	return strings.HasPrefix(memberID, GuestPrefix)
}

// ChannelQuerier lists the member ids currently subscribed to a channel.
type ChannelQuerier interface {
	ChannelMembers(ctx context.Context, channel string) ([]string, error)
}

// MemberEvent is a join or leave observed on a presence channel.
type MemberEvent struct {
	Channel  string
	MemberID string
	Joined   bool
}

// Tracker computes and caches presence counts.
type Tracker struct {
	Cache   cache.Cache
	Querier ChannelQuerier
	TTL     time.Duration // cached count lifetime; defaults to 5m
	Timeout time.Duration // bound on one membership query; defaults to 5s
	Log     zerolog.Logger
}

func (t *Tracker) ttl() time.Duration {
	if t.TTL <= 0 {
		return 5 * time.Minute
	}
	return t.TTL
}

func (t *Tracker) timeout() time.Duration {
	if t.Timeout <= 0 {
		return 5 * time.Second
	}
	return t.Timeout
}

// OperatorCount returns the number of non-guest members on the agent's
// support channel. known is false when neither the cache nor the channel
// service could answer.
func (t *Tracker) OperatorCount(ctx context.Context, agentID string) (count int64, known bool) {
	return t.count(ctx, AgentChannel(agentID), false)
}

// HasOperatorsOnline reports whether at least one operator is connected for
// agentID. Unknown reads as false.
func (t *Tracker) HasOperatorsOnline(ctx context.Context, agentID string) bool {
	n, _ := t.OperatorCount(ctx, agentID)
	return n > 0
}

// GuestOnline reports whether the end user of sessionID is connected.
// Unknown reads as false.
func (t *Tracker) GuestOnline(ctx context.Context, sessionID string) bool {
	n, _ := t.count(ctx, SessionChannel(sessionID), true)
	return n > 0
}

func (t *Tracker) count(ctx context.Context, channel string, guests bool) (int64, bool) {
	key := keyPrefix + channel
	if t.Cache != nil {
		if v, ok, err := t.Cache.GetInt(ctx, key); err == nil && ok {
			return v, true
		} else if err != nil {
			t.Log.Warn().Err(err).Str("channel", channel).Msg("presence cache read failed")
		}
	}
	if t.Querier == nil {
		return 0, false
	}

	qctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()
	members, err := t.Querier.ChannelMembers(qctx, channel)
	if err != nil {
		t.Log.Warn().Err(err).Str("channel", channel).Msg("presence query failed; assuming offline")
		return 0, false
	}

	var n int64
	for _, m := range members {
		if IsGuest(m) == guests {
			n++
		}
	}
	if t.Cache != nil {
		if err := t.Cache.SetInt(ctx, key, n, t.ttl()); err != nil {
			t.Log.Warn().Err(err).Str("channel", channel).Msg("presence cache write failed")
		}
	}
	return n, true
}

// Apply folds a join/leave event into the cached counter of its channel.
// Events for channels without a cached count are ignored: the next read
// queries the channel service. Members of the wrong kind (guests on an agent
// channel, operators on a session channel) do not count.
func (t *Tracker) Apply(ctx context.Context, ev MemberEvent) {
	var guests bool
	switch {
	case strings.HasPrefix(ev.Channel, agentChannelPrefix) && strings.HasSuffix(ev.Channel, agentChannelSuffix):
		guests = false
	case strings.HasPrefix(ev.Channel, sessionChannelPrefix):
		guests = true
	default:
		return
	}
	if IsGuest(ev.MemberID) != guests || t.Cache == nil {
		return
	}

	key := keyPrefix + ev.Channel
	if _, ok, err := t.Cache.GetInt(ctx, key); err != nil || !ok {
		return
	}
	delta := int64(-1)
	if ev.Joined {
		delta = 1
	}
	if _, err := t.Cache.IncrBy(ctx, key, delta, t.ttl()); err != nil {
		t.Log.Warn().Err(err).Str("channel", ev.Channel).Msg("presence counter update failed")
	}
}
