package attachments

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tbourn/go-support-handoff/internal/domain"
)

// Verdict is the outcome of one scan.
type Verdict struct {
	Status domain.ScanStatus
	// Detail is the threat name for infected files, or the reason for
	// skipped and error verdicts.
	Detail string
}

// Scanner inspects a stored file by absolute path. Implementations never
// fail: problems are reported as skipped or error verdicts.
type Scanner interface {
	Scan(ctx context.Context, absPath string) Verdict
}

// NopScanner marks every file skipped.
type NopScanner struct{}

func (NopScanner) Scan(context.Context, string) Verdict {
	return Verdict{Status: domain.ScanSkipped, Detail: "scanning disabled"}
}

// ClamdScanner speaks the clamd line protocol over TCP: "SCAN <path>\n" in,
// one "<path>: OK" or "<path>: <threat> FOUND" line out. The daemon must see
// the same filesystem as this process.
type ClamdScanner struct {
	Addr    string
	Timeout time.Duration
}

func NewClamdScanner(addr string, timeout time.Duration) *ClamdScanner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClamdScanner{Addr: addr, Timeout: timeout}
}

func (s *ClamdScanner) Scan(ctx context.Context, absPath string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return Verdict{Status: domain.ScanSkipped, Detail: fmt.Sprintf("scanner unreachable: %v", err)}
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if _, err := fmt.Fprintf(conn, "SCAN %s\n", absPath); err != nil {
		return Verdict{Status: domain.ScanError, Detail: fmt.Sprintf("send: %v", err)}
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return Verdict{Status: domain.ScanError, Detail: fmt.Sprintf("read: %v", err)}
	}
	return ParseClamdResponse(line)
}

// ParseClamdResponse classifies one clamd reply line.
func ParseClamdResponse(line string) Verdict {
	line = strings.TrimRight(line, "\x00\r\n ")
	switch {
	case strings.HasSuffix(line, "OK"):
		return Verdict{Status: domain.ScanClean, Detail: "OK"}
	case strings.Contains(line, "FOUND"):
		threat := strings.TrimSuffix(line, " FOUND")
		if i := strings.LastIndex(threat, ":"); i >= 0 {
			threat = threat[i+1:]
		}
		return Verdict{Status: domain.ScanInfected, Detail: strings.TrimSpace(threat)}
	default:
		return Verdict{Status: domain.ScanError, Detail: line}
	}
}
