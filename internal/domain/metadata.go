package domain

import "time"

// SupportMetadataVersion is the current schema version written into
// SupportMetadata.Version.
const SupportMetadataVersion = 1

// SupportMetadata is the typed replacement for the free-form support bag on a
// session. It is stored as a JSON column and written with a compare-and-set on
// Session.MetadataRevision.
type SupportMetadata struct {
	Version int `json:"version"`

	// UserOnline is a hint set whenever the end user writes (chat or email).
	UserOnline     bool       `json:"user_online"`
	UserLastSeenAt *time.Time `json:"user_last_seen_at,omitempty"`

	// LastNotificationEmailAt keys the notification email dedup window.
	LastNotificationEmailAt *time.Time `json:"last_notification_email_at,omitempty"`
	// LastGuestEmailAt keys the dedup window of replies mailed to the guest.
	LastGuestEmailAt *time.Time `json:"last_guest_email_at,omitempty"`

	EscalationScore     *float64 `json:"escalation_score,omitempty"`
	TriggerMessageID    string   `json:"trigger_message_id,omitempty"`
	AbandonedOperatorID string   `json:"abandoned_operator_id,omitempty"`

	// Notes holds open-ended audit notes.
	Notes map[string]string `json:"notes,omitempty"`
}

// SetNote records an audit note, allocating the map on first use.
func (m *SupportMetadata) SetNote(k, v string) {
	if m.Notes == nil {
		m.Notes = make(map[string]string)
	}
	m.Notes[k] = v
}

// EmailMetadata carries the RFC 5322 headers of an email-channel message.
type EmailMetadata struct {
	MessageID   string   `json:"message_id,omitempty"`
	InReplyTo   string   `json:"in_reply_to,omitempty"`
	References  []string `json:"references,omitempty"`
	FromAddress string   `json:"from_address,omitempty"`
	Subject     string   `json:"subject,omitempty"`
}
