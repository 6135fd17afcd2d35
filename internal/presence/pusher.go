package presence

import (
	"context"
	"fmt"
	"net/http"

	pusher "github.com/pusher/pusher-http-go/v5"
)

// Pusher adapts a Pusher Channels client to ChannelQuerier and decodes its
// presence webhooks.
type Pusher struct {
	client *pusher.Client
}

// NewPusher wraps client. Its HTTPClient timeout bounds membership queries.
func NewPusher(client *pusher.Client) *Pusher {
	return &Pusher{client: client}
}

// ChannelMembers lists the user ids subscribed to a presence channel. The
// client call has no context, so ctx only bounds how long the caller waits.
func (p *Pusher) ChannelMembers(ctx context.Context, channel string) ([]string, error) {
	type result struct {
		users *pusher.Users
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		u, err := p.client.GetChannelUsers(channel)
		ch <- result{u, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("pusher channel users %s: %w", channel, r.err)
		}
		out := make([]string, 0, len(r.users.List))
		for _, u := range r.users.List {
			out = append(out, u.ID)
		}
		return out, nil
	}
}

// ParseWebhook validates the webhook signature and maps member_added /
// member_removed events. Other event kinds are skipped.
func (p *Pusher) ParseWebhook(header http.Header, body []byte) ([]MemberEvent, error) {
	hook, err := p.client.Webhook(header, body)
	if err != nil {
		return nil, err
	}
	out := make([]MemberEvent, 0, len(hook.Events))
	for _, e := range hook.Events {
		switch e.Name {
		case "member_added":
			out = append(out, MemberEvent{Channel: e.Channel, MemberID: e.UserID, Joined: true})
		case "member_removed":
			out = append(out, MemberEvent{Channel: e.Channel, MemberID: e.UserID, Joined: false})
		}
	}
	return out, nil
}

// Authorize signs a presence channel subscription for memberID.
func (p *Pusher) Authorize(params []byte, memberID string, info map[string]string) ([]byte, error) {
	return p.client.AuthorizePresenceChannel(params, pusher.MemberData{UserID: memberID, UserInfo: info})
}
