package mailbridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// InboundEmail is a correlated reply ready to be stored.
type InboundEmail struct {
	Session *domain.Session
	Message *Inbound
	// Reply is the extracted new text, never empty.
	Reply string
	// MessageID is the idempotency key: the Message-ID header, or a body
	// digest when the header is missing.
	MessageID string
}

// InboundSink stores correlated replies. created is false when the message
// was already stored by an earlier poll.
type InboundSink interface {
	AcceptEmail(ctx context.Context, in InboundEmail) (created bool, err error)
}

// Poll outcomes, also used as metric labels.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeEmpty     = "empty"
	OutcomeNoMatch   = "no_match"
	OutcomeExpired   = "expired"
	OutcomeAmbiguous = "ambiguous"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// PollResult counts outcomes of one mailbox poll.
type PollResult struct {
	Fetched  int
	Outcomes map[string]int
}

// Poller pulls support mailboxes. Agents are polled in parallel, a single
// agent never by two polls at once. Marking a message seen is the commit
// point: only transient failures leave a message unseen for the next cycle.
type Poller struct {
	DB          *gorm.DB
	Dial        Dialer
	Correlator  *Correlator
	Sink        InboundSink
	Interval    time.Duration
	Lookback    time.Duration
	Parallelism int
	Clock       clockwork.Clock
	Log         zerolog.Logger

	sf singleflight.Group
}

// PollAgent polls one agent's mailbox, joining a poll already in flight for
// the same agent.
func (p *Poller) PollAgent(ctx context.Context, agent *domain.Agent) (PollResult, error) {
	v, err, _ := p.sf.Do(agent.ID, func() (any, error) {
		return p.poll(ctx, agent)
	})
	res, _ := v.(PollResult)
	return res, err
}

func (p *Poller) poll(ctx context.Context, agent *domain.Agent) (PollResult, error) {
	res := PollResult{Outcomes: make(map[string]int)}
	lookback := p.Lookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}

	mb, err := p.Dial(ctx, agent)
	if err != nil {
		return res, err
	}
	defer mb.Close()

	msgs, err := mb.FetchUnseen(ctx, clockOrReal(p.Clock).Now().Add(-lookback))
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	seen := make([]uint32, 0, len(msgs))
	for _, raw := range msgs {
		outcome := p.process(ctx, agent, raw)
		res.Outcomes[outcome]++
		observability.InboundEmails.WithLabelValues(outcome).Inc()
		if outcome != OutcomeFailed {
			seen = append(seen, raw.UID)
		}
	}
	if err := mb.MarkSeen(ctx, seen); err != nil {
		// Unmarked messages are re-read next cycle; stored ones dedupe.
		return res, err
	}
	return res, nil
}

func (p *Poller) process(ctx context.Context, agent *domain.Agent, raw RawMessage) string {
	lg := p.Log.With().Str("agent_id", agent.ID).Uint32("uid", raw.UID).Logger()

	in, err := Parse(bytes.NewReader(raw.Body))
	if err != nil {
		lg.Warn().Err(err).Msg("unparseable email dropped")
		return OutcomeMalformed
	}
	lg = lg.With().Str("email_message_id", in.MessageID).Logger()

	s, err := p.Correlator.Correlate(ctx, agent.ID, in)
	switch {
	case errors.Is(err, ErrNoCorrelation):
		lg.Warn().Str("subject", in.Subject).Msg("email matches no session; dropped")
		return OutcomeNoMatch
	case errors.Is(err, ErrTokenExpired):
		lg.Warn().Msg("email references an expired token; dropped")
		return OutcomeExpired
	case errors.Is(err, ErrAmbiguousReference):
		lg.Warn().Str("subject", in.Subject).Msg("email reference is ambiguous; dropped")
		return OutcomeAmbiguous
	case err != nil:
		lg.Error().Err(err).Msg("correlate email")
		return OutcomeFailed
	}

	reply := ExtractReply(in.Text)
	if reply == "" {
		lg.Info().Str("session_id", s.ID).Msg("email has no new content")
		return OutcomeEmpty
	}

	key := in.MessageID
	if key == "" {
		sum := sha256.Sum256(raw.Body)
		key = "sha256:" + hex.EncodeToString(sum[:])
	}
	created, err := p.Sink.AcceptEmail(ctx, InboundEmail{Session: s, Message: in, Reply: reply, MessageID: key})
	if err != nil {
		lg.Error().Err(err).Str("session_id", s.ID).Msg("store inbound email")
		return OutcomeFailed
	}
	if !created {
		return OutcomeDuplicate
	}
	lg.Info().Str("session_id", s.ID).Msg("inbound email stored")
	return OutcomeStored
}

// PollAll polls every agent with a configured mailbox once.
func (p *Poller) PollAll(ctx context.Context) error {
	agents, err := repo.ListMailboxAgents(ctx, p.DB)
	if err != nil {
		return err
	}
	g := new(errgroup.Group)
	if p.Parallelism > 0 {
		g.SetLimit(p.Parallelism)
	}
	for i := range agents {
		a := &agents[i]
		g.Go(func() error {
			res, err := p.PollAgent(ctx, a)
			if err != nil {
				p.Log.Warn().Err(err).Str("agent_id", a.ID).Msg("mailbox poll failed; retrying next cycle")
				return nil
			}
			if res.Fetched > 0 {
				p.Log.Info().Str("agent_id", a.ID).Int("fetched", res.Fetched).Interface("outcomes", res.Outcomes).Msg("mailbox polled")
			}
			return nil
		})
	}
	return g.Wait()
}

// Run polls on every interval until ctx is cancelled. A slow cycle does not
// delay the next one; agents still in flight are skipped by singleflight.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	clock := clockOrReal(p.Clock)
	t := clock.NewTicker(interval)
	defer t.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	cycle := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.PollAll(ctx); err != nil && ctx.Err() == nil {
				p.Log.Error().Err(err).Msg("list mailbox agents")
			}
		}()
	}

	cycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			cycle()
		}
	}
}
