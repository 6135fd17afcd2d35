package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client's retry key on unsafe requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// GuestIdentity is the caller identity of an anonymous guest. Guest keys are
// scoped by the session in the path, so two guests never share a key space.
const GuestIdentity = "guest"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key IdempotencyValidator accepted for this
// request, if any.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether a completed request with the same (caller,
// session, key) is on record.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions tunes key validation. Expiry of stored results belongs
// to the lookup.
type IdempotencyOptions struct {
	// MaxLen defaults to 200.
	MaxLen int
	// Pattern defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Now defaults to time.Now.
	Now func() time.Time
}

// IdempotencyLookup reports whether a stored, unexpired result exists for
// (caller, session, key). Errors are logged and treated as a miss.
type IdempotencyLookup func(ctx context.Context, caller, sessionID, key string, now time.Time) (bool, error)

// IdempotencyValidator checks the Idempotency-Key header of POST, PUT, PATCH
// and DELETE requests and stashes it for the handler. A malformed key is
// rejected with 400 bad_idempotency_key. When lookup finds a recorded result
// the request is flagged as a replay, which also exempts it from rate
// limiting; the handler decides how to serve the stored result. Safe methods
// and requests without the header pass through untouched.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			caller := Identity(c)
			sessionID := c.Param("id")
			exists, err := lookup(c.Request.Context(), caller, sessionID, key, now().UTC())
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Str("session_id", sessionID).Msg("idempotency lookup failed")
			case exists:
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Identity returns the current actor: "userID" from an upstream auth layer,
// then the X-User-ID header, then GuestIdentity.
func Identity(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		if s := strings.TrimSpace(c.GetHeader("X-User-ID")); s != "" {
			return s
		}
	}
	return GuestIdentity
}
