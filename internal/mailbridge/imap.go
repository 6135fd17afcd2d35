package mailbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// RawMessage is one fetched email before parsing.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// Mailbox is an open support inbox.
type Mailbox interface {
	// FetchUnseen returns unseen messages received since the given time
	// without marking them seen.
	FetchUnseen(ctx context.Context, since time.Time) ([]RawMessage, error)
	MarkSeen(ctx context.Context, uids []uint32) error
	Close() error
}

// Dialer opens the inbox of an agent.
type Dialer func(ctx context.Context, agent *domain.Agent) (Mailbox, error)

// IMAPDialer connects with implicit TLS on port 993 (or when no port is
// set) and with STARTTLS when the server offers it otherwise.
func IMAPDialer(timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(ctx context.Context, a *domain.Agent) (Mailbox, error) {
		port := a.IMAP.Port
		if port == 0 {
			port = 993
		}
		addr := net.JoinHostPort(a.IMAP.Host, strconv.Itoa(port))
		d := &net.Dialer{Timeout: timeout}
		tlsCfg := &tls.Config{ServerName: a.IMAP.Host, MinVersion: tls.VersionTLS12}

		var (
			c   *client.Client
			err error
		)
		if port == 993 {
			c, err = client.DialWithDialerTLS(d, addr, tlsCfg)
		} else {
			c, err = client.DialWithDialer(d, addr)
		}
		if err != nil {
			return nil, fmt.Errorf("imap dial %s: %w", addr, err)
		}
		c.Timeout = timeout

		if port != 993 {
			if ok, _ := c.SupportStartTLS(); ok {
				if err := c.StartTLS(tlsCfg); err != nil {
					_ = c.Logout()
					return nil, fmt.Errorf("imap starttls: %w", err)
				}
			}
		}
		if err := c.Login(a.IMAP.Username, a.IMAP.Password); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imap login: %w", err)
		}
		box := a.IMAPMailbox
		if box == "" {
			box = "INBOX"
		}
		if _, err := c.Select(box, false); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imap select %s: %w", box, err)
		}
		return &imapMailbox{c: c}, nil
	}
}

type imapMailbox struct {
	c *client.Client
}

func (m *imapMailbox) FetchUnseen(ctx context.Context, since time.Time) ([]RawMessage, error) {
	crit := imap.NewSearchCriteria()
	crit.WithoutFlags = []string{imap.SeenFlag}
	crit.Since = since
	uids, err := m.c.UidSearch(crit)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	set := new(imap.SeqSet)
	set.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- m.c.UidFetch(set, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, ch) }()

	var out []RawMessage
	for msg := range ch {
		if ctx.Err() != nil {
			continue // drain so UidFetch can return
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		b, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		out = append(out, RawMessage{UID: msg.Uid, Body: b})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *imapMailbox) MarkSeen(_ context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	flags := []interface{}{imap.SeenFlag}
	if err := m.c.UidStore(set, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("imap store: %w", err)
	}
	return nil
}

func (m *imapMailbox) Close() error { return m.c.Logout() }
