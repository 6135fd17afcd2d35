package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func withCapturedLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func TestRedactingLogger_ScrubsQueryAndHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/attachments/:id/download", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	q := "email=a.b+tag@example.com&phone=+1-555-123-4567&id=123e4567-e89b-12d3-a456-426614174000&token=eyJhbGciOi.payload.sig"
	req := httptest.NewRequest(http.MethodGet, "/attachments/att-1/download?"+q, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "sid=topsecret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Pusher-Signature", "deadbeef")
	req.Header.Set("X-Custom", "email a@b.com id=123e4567-e89b-12d3-a456-426614174000 phone 555-123-4567")
	req.Header.Set("X-Request-ID", "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"message":"http_request"`,
		`"path":"/attachments/:id/download"`,
		`"request_id":"rid-1"`,
		`"actor":"guest"`,
		`token=[REDACTED]`,
		`[REDACTED:email]`,
		`[REDACTED:phone]`,
		`[REDACTED:id]`,
		`"Authorization":"[REDACTED]"`,
		`"Cookie":"[REDACTED]"`,
		`"X-Api-Key":"[REDACTED]"`,
		`"X-Pusher-Signature":"[REDACTED]"`,
		`"X-Custom":"email [REDACTED:email] id=[REDACTED:id] phone [REDACTED:phone]"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("log missing %s:\n%s", want, logs)
		}
	}
	for _, leak := range []string{"eyJhbGciOi", "topsecret", "deadbeef", "tag@example.com"} {
		if strings.Contains(logs, leak) {
			t.Fatalf("log leaked %q:\n%s", leak, logs)
		}
	}
}

func TestRedactingLogger_LevelsAndActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/ginerr", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	send := func(path, rid, actor string) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Request-ID", rid)
		if actor != "" {
			req.Header.Set("X-User-ID", actor)
		}
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	send("/warn", "rid-warn", "")
	send("/error", "rid-err", "op-7")
	send("/ginerr", "rid-gin", "")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 log lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"level":"warn"`) || !strings.Contains(lines[0], `"request_id":"rid-warn"`) {
		t.Fatalf("warn line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"level":"error"`) || !strings.Contains(lines[1], `"actor":"op-7"`) {
		t.Fatalf("error line: %s", lines[1])
	}
	if !strings.Contains(lines[2], `"level":"error"`) || !strings.Contains(lines[2], `"errors":`) {
		t.Fatalf("gin error line: %s", lines[2])
	}
}

func TestRedactQuery(t *testing.T) {
	if got := redactQuery(""); got != "" {
		t.Fatalf("empty query = %q", got)
	}
	if got := redactQuery("since=2024-01-01&socket_id=123.456"); got != "since=2024-01-01&socket_id=[REDACTED]" {
		t.Fatalf("redactQuery = %q", got)
	}
	// malformed escapes fall back to plain scrubbing
	if got := redactQuery("q=%zz&mail=x@y.io"); !strings.Contains(got, "[REDACTED:email]") {
		t.Fatalf("fallback scrub = %q", got)
	}
}
