package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// metadataAttempts bounds the compare-and-set loop on support metadata.
const metadataAttempts = 5

// updateMetadata applies fn to the session's support metadata and writes it
// back with a compare-and-set on the metadata revision, reloading and
// reapplying on conflict. fn returns false to leave the row untouched, in
// which case changed is false.
func updateMetadata(ctx context.Context, db *gorm.DB, sessionID string, now time.Time, fn func(md *domain.SupportMetadata) bool) (s *domain.Session, changed bool, err error) {
	for range metadataAttempts {
		s, err = loadSession(ctx, db, sessionID)
		if err != nil {
			return nil, false, err
		}
		md := s.Metadata()
		if md.Version == 0 {
			md.Version = domain.SupportMetadataVersion
		}
		if !fn(&md) {
			return s, false, nil
		}
		ok, err := repo.UpdateMetadataCAS(ctx, db, sessionID, s.MetadataRevision, md, now)
		if err != nil {
			return nil, false, err
		}
		if ok {
			s.SupportMetadata = datatypes.NewJSONType(md)
			s.MetadataRevision++
			return s, true, nil
		}
	}
	return nil, false, ErrMetadataContention
}

// loadSession maps a missing row to ErrSessionNotFound.
func loadSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	s, err := repo.GetSession(ctx, db, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return s, nil
}

var blankRunRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings, trims trailing spaces on each
// line, collapses runs of blank lines to one and trims the result.
func sanitizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankRunRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
