package mailbridge

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // decode non UTF-8 parts
	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"

	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/domain"
)

// Inbound is a parsed email.
type Inbound struct {
	MessageID   string
	InReplyTo   string
	References  []string
	From        string
	FromName    string
	Subject     string
	Date        time.Time
	Text        string
	Attachments []InboundAttachment
}

// InboundAttachment is one attachment part. Oversized parts are truncated
// to attachments.MaxSize+1 bytes so validation rejects them.
type InboundAttachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Metadata returns the header subset stored with the message.
func (in *Inbound) Metadata() domain.EmailMetadata {
	return domain.EmailMetadata{
		MessageID:   in.MessageID,
		InReplyTo:   in.InReplyTo,
		References:  in.References,
		FromAddress: in.From,
		Subject:     in.Subject,
	}
}

// Parse reads an RFC 5322 message. The plain text part is preferred; HTML is
// converted to text only when no plain part exists.
func Parse(r io.Reader) (*Inbound, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	in := &Inbound{}
	in.Subject, _ = h.Subject()
	in.MessageID, _ = h.MessageID()
	if ids, _ := h.MsgIDList("In-Reply-To"); len(ids) > 0 {
		in.InReplyTo = ids[0]
	}
	in.References, _ = h.MsgIDList("References")
	in.Date, _ = h.Date()
	if from, _ := h.AddressList("From"); len(from) > 0 {
		in.From = strings.ToLower(from[0].Address)
		in.FromName = from[0].Name
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("read part: %w", err)
		}
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			if ct == "" {
				ct = "text/plain"
			}
			b, err := io.ReadAll(io.LimitReader(p.Body, attachments.MaxSize))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			switch {
			case ct == "text/plain" && plain == "":
				plain = string(b)
			case ct == "text/html" && html == "":
				html = string(b)
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, io.LimitReader(p.Body, attachments.MaxSize+1)); err != nil {
				return nil, fmt.Errorf("read attachment: %w", err)
			}
			in.Attachments = append(in.Attachments, InboundAttachment{Name: name, MimeType: ct, Data: buf.Bytes()})
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		in.Text = plain
	case html != "":
		text, err := html2text.FromString(html, html2text.Options{OmitLinks: true})
		if err != nil {
			return nil, fmt.Errorf("convert html: %w", err)
		}
		in.Text = text
	}
	return in, nil
}
