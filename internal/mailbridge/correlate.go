package mailbridge

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// Correlator resolves an inbound email to its session. Strategies run in a
// fixed order: legacy subject token, short subject reference, then
// In-Reply-To and References headers. Matches belonging to another agent are
// ignored.
type Correlator struct {
	DB    *gorm.DB
	Clock clockwork.Clock
}

func (c *Correlator) Correlate(ctx context.Context, agentID string, in *Inbound) (*domain.Session, error) {
	if tok, ok := LegacyToken(in.Subject); ok {
		s, err := c.byToken(ctx, agentID, tok)
		if !errors.Is(err, ErrNoCorrelation) {
			return s, err
		}
	}

	if ref, ok := ShortRefFrom(in.Subject); ok {
		matches, err := repo.FindSessionsByTokenSuffix(ctx, c.DB, agentID, ref)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
		case 1:
			return c.active(&matches[0])
		default:
			return nil, ErrAmbiguousReference
		}
	}

	headers := append([]string{in.InReplyTo}, in.References...)
	for _, tok := range HeaderTokens(headers...) {
		s, err := c.byToken(ctx, agentID, tok)
		if !errors.Is(err, ErrNoCorrelation) {
			return s, err
		}
	}
	return nil, ErrNoCorrelation
}

func (c *Correlator) byToken(ctx context.Context, agentID, token string) (*domain.Session, error) {
	s, err := repo.FindSessionByToken(ctx, c.DB, token)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoCorrelation
	}
	if err != nil {
		return nil, err
	}
	if s.AgentID != agentID {
		return nil, ErrNoCorrelation
	}
	return c.active(s)
}

func (c *Correlator) active(s *domain.Session) (*domain.Session, error) {
	if !s.TokenActive(clockOrReal(c.Clock).Now()) {
		return nil, ErrTokenExpired
	}
	return s, nil
}
