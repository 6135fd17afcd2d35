package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	// UUIDs go first so the loose phone pattern never eats their digit groups.
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Query parameters whose values are bearer credentials (signed download
// links, presence socket ids) and are dropped from logs entirely.
var secretParams = map[string]struct{}{
	"token":     {},
	"socket_id": {},
}

// Headers that are always masked. X-Pusher-Signature authenticates presence
// webhooks; X-Pusher-Key identifies the app.
var defaultMaskHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-pusher-key",
	"x-pusher-signature",
}

// RedactOptions adds header names (case-insensitive) to the masked set.
type RedactOptions struct {
	MaskHeaders []string
}

func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// redactQuery drops credential parameters and scrubs the rest. A query that
// does not parse is scrubbed as a plain string.
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redact(truncate(raw, maxQueryLogLength))
	}
	for k := range vals {
		if _, ok := secretParams[strings.ToLower(k)]; ok {
			vals[k] = []string{"[REDACTED]"}
		}
	}
	// Encode escapes the brackets; the log is for humans.
	out, _ := url.QueryUnescape(vals.Encode())
	return redact(truncate(out, maxQueryLogLength))
}

// RedactingLogger is the access log of the API. It attaches a request-scoped
// logger (request id, caller identity, method and route) for LoggerFrom and
// emits one "http_request" line per request once the handler returns.
//
// Bodies are never logged. Query strings and header values are scrubbed of
// emails, phone numbers and UUIDs; credential headers and parameters are
// replaced wholesale. Level follows the outcome: error on 5xx or recorded
// gin errors, warn on 4xx, info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	mask := make(map[string]struct{}, len(defaultMaskHeaders)+len(opts.MaskHeaders))
	for _, h := range defaultMaskHeaders {
		mask[h] = struct{}{}
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid := RequestIDFrom(c)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}

		reqLog := log.With().
			Str("request_id", rid).
			Str("actor", Identity(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &reqLog)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := mask[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = redact(strings.Join(vv, ", "))
		}
		query := redactQuery(c.Request.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		ev := reqLog.Info()
		switch {
		case len(c.Errors) > 0:
			ev = reqLog.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = reqLog.Error()
		case status >= 400:
			ev = reqLog.Warn()
		}
		ev.
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
