// Package utils holds query-string parsing shared by the HTTP handlers.
package utils

import (
	"errors"
	"strconv"
	"time"
)

// Paging bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrBadSince is returned by ParseSince for values that are neither RFC 3339
// nor Unix milliseconds.
var ErrBadSince = errors.New("since must be an RFC 3339 time or Unix milliseconds")

// AtoiDefault parses s, returning def when s is empty or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a 1-based page of at most MaxPageSize items.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads the page and page_size query values, falling back to page 1
// of DefaultPageSize and clamping both into range.
func ParsePage(page, size string) Page {
	p := Page{
		Number: AtoiDefault(page, 1),
		Size:   AtoiDefault(size, DefaultPageSize),
	}
	if p.Number < 1 {
		p.Number = 1
	}
	switch {
	case p.Size < 1:
		p.Size = 1
	case p.Size > MaxPageSize:
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows before the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// ParseSince reads the since cursor of the message polling endpoints. Clients
// either echo the RFC 3339 CreatedAt of the last message they saw or send a
// Unix timestamp in milliseconds. The zero time and ok=false mean "no cursor".
func ParseSince(raw string) (t time.Time, ok bool, err error) {
	if raw == "" {
		return time.Time{}, false, nil
	}
	if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
		return ts, true, nil
	}
	ms, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil || ms < 0 {
		return time.Time{}, false, ErrBadSince
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
