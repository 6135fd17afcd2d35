// Package attachments validates, stores and malware-scans user supplied
// files, whatever channel they arrive on, and signs short-lived download
// URLs for the ones that may be served.
package attachments

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxSize is the largest accepted upload (10 MiB).
const MaxSize int64 = 10 << 20

// allowed maps each accepted extension to the MIME types that may declare it.
var allowed = map[string][]string{
	"pdf":  {"application/pdf"},
	"jpg":  {"image/jpeg"},
	"jpeg": {"image/jpeg"},
	"png":  {"image/png"},
	"gif":  {"image/gif"},
	"webp": {"image/webp"},
	"doc":  {"application/msword"},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	"xls":  {"application/vnd.ms-excel"},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	"txt":  {"text/plain"},
	"csv":  {"text/csv", "text/plain", "application/csv"},
}

// Validation error codes.
const (
	CodeEmpty           = "empty_file"
	CodeExtension       = "extension_not_allowed"
	CodeMimeType        = "mime_type_not_allowed"
	CodeTooLarge        = "file_too_large"
	CodeInvalidFilename = "invalid_filename"
)

// ValidationError rejects an upload before anything is stored.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Validate checks extension, declared MIME type and size. size < 0 means
// unknown; the storage layer enforces the limit while writing in that case.
func Validate(name, mimeType string, size int64) (ext string, err error) {
	if SanitizeName(name) == "" {
		return "", invalid(CodeInvalidFilename, "file name is empty")
	}
	ext = Extension(name)
	types, ok := allowed[ext]
	if !ok {
		return "", invalid(CodeExtension, "extension %q is not allowed", ext)
	}
	mt, _, perr := mime.ParseMediaType(mimeType)
	if perr != nil || !contains(types, strings.ToLower(mt)) {
		return "", invalid(CodeMimeType, "type %q is not allowed for .%s", mimeType, ext)
	}
	if size == 0 {
		return "", invalid(CodeEmpty, "file is empty")
	}
	if size > MaxSize {
		return "", invalid(CodeTooLarge, "file is %d bytes; limit is %d", size, MaxSize)
	}
	return ext, nil
}

// SanitizeName reduces a client supplied file name to a display-safe base
// name: NFC normalized, no directories, no control characters, at most 255
// runes.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	if r := []rune(name); len(r) > 255 {
		name = string(r[len(r)-255:])
	}
	return name
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
