package attachments

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const downloadAudience = "attachment-download"

// ErrInvalidDownloadToken covers malformed, expired and mismatched tokens.
var ErrInvalidDownloadToken = errors.New("invalid download token")

// URLSigner issues HS256 tokens that authorize downloading one attachment
// for a short time.
type URLSigner struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewURLSigner(secret []byte, ttl time.Duration, clock clockwork.Clock) *URLSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &URLSigner{secret: secret, ttl: ttl, clock: clock}
}

// Sign returns a token bound to attachmentID and its expiry.
func (s *URLSigner) Sign(attachmentID string) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   attachmentID,
		Audience:  jwt.ClaimStrings{downloadAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return tok, exp, nil
}

// Verify checks that token is valid now and was issued for attachmentID.
func (s *URLSigner) Verify(token, attachmentID string) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(downloadAudience),
		jwt.WithSubject(attachmentID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDownloadToken, err)
	}
	return nil
}
