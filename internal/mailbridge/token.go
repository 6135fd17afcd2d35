// Package mailbridge carries support conversations over email. Outbound
// replies embed a per-session correlation token; inbound mail is polled over
// IMAP, correlated back to its session, stripped down to the new reply text
// and handed to the conversation store.
package mailbridge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Correlation errors. All of them mean the inbound message is dropped.
var (
	ErrNoCorrelation      = errors.New("no session matches the email")
	ErrTokenExpired       = errors.New("correlation token expired")
	ErrAmbiguousReference = errors.New("short reference matches several sessions")
)

const (
	tokenBytes = 32
	shortLen   = 6
)

var (
	legacyRE = regexp.MustCompile(`\[Support-([0-9a-fA-F]{64})\]`)
	shortRE  = regexp.MustCompile(`(?i)\[R[ée]f\s*:\s*([0-9a-f]{6})\]`)
	headerRE = regexp.MustCompile(`(?i)support-([0-9a-f]{64})@`)
)

// NewToken returns 32 random bytes hex encoded (64 lower-case characters).
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ShortRef is the last six characters of token, upper-cased.
func ShortRef(token string) string {
	if len(token) <= shortLen {
		return strings.ToUpper(token)
	}
	return strings.ToUpper(token[len(token)-shortLen:])
}

// SubjectTag is the human friendly reference appended to outbound subjects.
func SubjectTag(token string) string {
	return "[Réf: " + ShortRef(token) + "]"
}

// OutboundMessageID builds a unique Message-ID (without angle brackets) that
// still carries the token, so replies correlate through In-Reply-To or
// References even when the subject was rewritten.
func OutboundMessageID(token, domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return "support-" + strings.ToLower(token) + "@" + uuid.NewString() + "." + domain
}

// LegacyToken extracts a full token from a "[Support-<token>]" subject tag.
func LegacyToken(subject string) (string, bool) {
	m := legacyRE.FindStringSubmatch(subject)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// ShortRefFrom extracts the six character reference of a "[Réf: XXXXXX]"
// subject tag. Decomposed accents are normalized first.
func ShortRefFrom(subject string) (string, bool) {
	m := shortRE.FindStringSubmatch(norm.NFC.String(subject))
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// HeaderTokens extracts tokens from Message-ID style header values, in order,
// without duplicates.
func HeaderTokens(values ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range values {
		for _, m := range headerRE.FindAllStringSubmatch(v, -1) {
			tok := strings.ToLower(m[1])
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}
