// Package domain defines the persistence models for human support handoff:
// AI agents and their operators, chat sessions with their support lifecycle,
// the support message log, attachments, learned responses and durable
// operator notifications. These types are mapped with GORM.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// MailServer holds connection settings for one SMTP or IMAP endpoint. An empty
// Host means "not configured".
type MailServer struct {
	Host     string `json:"host"     gorm:"type:varchar(255)"`
	Port     int    `json:"port"`
	Username string `json:"username" gorm:"type:varchar(255)"`
	Password string `json:"-"        gorm:"type:varchar(255)"`
}

// Configured reports whether the endpoint has a host.
func (m MailServer) Configured() bool { return m.Host != "" }

// Agent is the AI agent configuration owned by the knowledge-base side of the
// platform. Only the fields the handoff subsystem consumes are mapped.
//
// Fields:
//   - HumanSupportEnabled: escalation is never triggered when false.
//   - EscalationThreshold: per-agent override of the retrieval confidence
//     threshold; nil falls back to the configured default.
//   - SupportEmail: mailbox address used as From/Reply-To for outbound email.
//   - SMTP / IMAP: per-agent mail servers; SMTP falls back to the platform
//     default when unset, IMAP polling is skipped when unset.
type Agent struct {
	ID                  string     `json:"id"                    gorm:"type:char(36);primaryKey"`
	Name                string     `json:"name"                  gorm:"type:varchar(255);not null"`
	HumanSupportEnabled bool       `json:"human_support_enabled" gorm:"not null;default:false"`
	EscalationThreshold *float64   `json:"escalation_threshold,omitempty"`
	SupportEmail        string     `json:"support_email"         gorm:"type:varchar(255)"`
	SMTP                MailServer `json:"-"                     gorm:"embedded;embeddedPrefix:smtp_"`
	IMAP                MailServer `json:"-"                     gorm:"embedded;embeddedPrefix:imap_"`
	IMAPMailbox         string     `json:"-"                     gorm:"type:varchar(255);default:'INBOX'"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Agent.
func (Agent) TableName() string { return "agents" }

// Operator is a human support account.
type Operator struct {
	ID        string       `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string       `json:"name"       gorm:"type:varchar(255);not null"`
	Email     string       `json:"email"      gorm:"type:varchar(255);not null;uniqueIndex"`
	Role      OperatorRole `json:"role"       gorm:"type:varchar(16);not null;index;check:role IN ('admin','operator')"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Operator.
func (Operator) TableName() string { return "operators" }

// AgentSubscription records that an operator explicitly follows an agent's
// escalations.
type AgentSubscription struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	AgentID    string    `json:"agent_id"    gorm:"type:char(36);not null;uniqueIndex:ux_agent_operator,priority:1"`
	OperatorID string    `json:"operator_id" gorm:"type:char(36);not null;uniqueIndex:ux_agent_operator,priority:2;index"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for AgentSubscription.
func (AgentSubscription) TableName() string { return "agent_subscriptions" }

// Session is the per-conversation support state.
//
// Fields:
//   - SupportStatus: none → escalated → assigned → resolved|abandoned.
//   - AssignedOperatorID: set iff status is assigned or resolved.
//   - AccessToken: correlation token for email replies; present once an
//     outbound email was sent, unique, single active value.
//   - SupportMetadata: typed JSON bag, written with a compare-and-set on
//     MetadataRevision.
//   - LastActivityAt: touched by every support message write.
type Session struct {
	ID                   string                              `json:"id"                               gorm:"type:char(36);primaryKey"`
	AgentID              string                              `json:"agent_id"                         gorm:"type:char(36);not null;index:idx_agent_status,priority:1"`
	SupportStatus        SupportStatus                       `json:"support_status"                   gorm:"type:varchar(16);not null;default:'none';index:idx_agent_status,priority:2"`
	EscalationReason     string                              `json:"escalation_reason,omitempty"      gorm:"type:varchar(255)"`
	EscalatedAt          *time.Time                          `json:"escalated_at,omitempty"`
	AssignedOperatorID   *string                             `json:"assigned_operator_id,omitempty"   gorm:"type:char(36);index"`
	AssignedAt           *time.Time                          `json:"assigned_at,omitempty"`
	UserEmail            string                              `json:"user_email,omitempty"             gorm:"type:varchar(255)"`
	ResolvedAt           *time.Time                          `json:"resolved_at,omitempty"`
	ResolutionType       *ResolutionType                     `json:"resolution_type,omitempty"        gorm:"type:varchar(32)"`
	ResolutionNotes      string                              `json:"resolution_notes,omitempty"       gorm:"type:text"`
	AccessToken          *string                             `json:"-"                                gorm:"type:varchar(64);uniqueIndex"`
	AccessTokenExpiresAt *time.Time                          `json:"-"`
	SupportMetadata      datatypes.JSONType[SupportMetadata] `json:"support_metadata"                 gorm:"type:json"`
	MetadataRevision     int64                               `json:"-"                                gorm:"not null;default:0"`
	LastActivityAt       time.Time                           `json:"last_activity_at"`
	CreatedAt            time.Time                           `json:"created_at"`
	UpdatedAt            time.Time                           `json:"updated_at"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// Metadata returns a copy of the decoded support metadata.
func (s *Session) Metadata() SupportMetadata { return s.SupportMetadata.Data() }

// TokenActive reports whether the session holds a correlation token that has
// not expired at now.
func (s *Session) TokenActive(now time.Time) bool {
	return s.AccessToken != nil && *s.AccessToken != "" &&
		s.AccessTokenExpiresAt != nil && now.Before(*s.AccessTokenExpiresAt)
}

// SupportMessage is one entry of the append-only support log spanning chat
// and email. Only read-state and learned-provenance fields are ever updated.
type SupportMessage struct {
	ID                string                            `json:"id"                            gorm:"type:char(36);primaryKey"`
	SessionID         string                            `json:"session_id"                    gorm:"type:char(36);not null;index:idx_session_msgs,priority:1;uniqueIndex:ux_session_email_msg,priority:1"`
	SenderType        SenderType                        `json:"sender_type"                   gorm:"type:varchar(16);not null;check:sender_type IN ('user','agent','system')"`
	SenderID          *string                           `json:"sender_id,omitempty"           gorm:"type:char(36)"`
	Channel           Channel                           `json:"channel"                       gorm:"type:varchar(16);not null;check:channel IN ('chat','email')"`
	Content           string                            `json:"content"                       gorm:"type:text;not null"`
	OriginalContent   *string                           `json:"original_content,omitempty"    gorm:"type:text"`
	WasAIImproved     bool                              `json:"was_ai_improved"               gorm:"not null;default:false"`
	EmailMessageID    *string                           `json:"-"                             gorm:"type:varchar(512);uniqueIndex:ux_session_email_msg,priority:2"`
	EmailMetadata     datatypes.JSONType[EmailMetadata] `json:"email_metadata"                gorm:"type:json"`
	IsRead            bool                              `json:"is_read"                       gorm:"not null;default:false"`
	ReadAt            *time.Time                        `json:"read_at,omitempty"`
	LearnedAt         *time.Time                        `json:"learned_at,omitempty"`
	LearnedBy         *string                           `json:"learned_by,omitempty"          gorm:"type:char(36)"`
	LearnedResponseID *string                           `json:"learned_response_id,omitempty" gorm:"type:char(36)"`
	CreatedAt         time.Time                         `json:"created_at"                    gorm:"index:idx_session_msgs,priority:2"`

	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SupportMessage.
func (SupportMessage) TableName() string { return "support_messages" }

// SupportAttachment is the audit row of an uploaded file. The row survives
// quarantine; only the stored file is removed.
type SupportAttachment struct {
	ID           string           `json:"id"                   gorm:"type:char(36);primaryKey"`
	SessionID    string           `json:"session_id"           gorm:"type:char(36);not null;index"`
	MessageID    *string          `json:"message_id,omitempty" gorm:"type:char(36);index"`
	OriginalName string           `json:"original_name"        gorm:"type:varchar(255);not null"`
	StoredName   string           `json:"-"                    gorm:"type:varchar(64);not null;uniqueIndex"`
	MimeType     string           `json:"mime_type"            gorm:"type:varchar(128);not null"`
	SizeBytes    int64            `json:"size_bytes"           gorm:"not null"`
	Source       AttachmentSource `json:"source"               gorm:"type:varchar(16);not null"`
	ScanStatus   ScanStatus       `json:"scan_status"          gorm:"type:varchar(16);not null;default:'pending';check:scan_status IN ('pending','clean','infected','skipped','error')"`
	ScanResult   string           `json:"scan_result,omitempty" gorm:"type:varchar(512)"`
	ScannedAt    *time.Time       `json:"scanned_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`

	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SupportAttachment.
func (SupportAttachment) TableName() string { return "support_attachments" }

// LearnedResponse is a question/answer pair promoted from human support into
// the knowledge base. IndexedAt stays nil until the vector upsert succeeds.
type LearnedResponse struct {
	ID           string     `json:"id"                       gorm:"type:char(36);primaryKey"`
	AgentID      string     `json:"agent_id"                 gorm:"type:char(36);not null;index"`
	Question     string     `json:"question"                 gorm:"type:text;not null"`
	Answer       string     `json:"answer"                   gorm:"type:text;not null"`
	Source       string     `json:"source"                   gorm:"type:varchar(32);not null"`
	SessionID    string     `json:"session_id"               gorm:"type:char(36);not null;index"`
	MessageID    string     `json:"message_id"               gorm:"type:char(36);not null;index"`
	CreatedBy    string     `json:"created_by"               gorm:"type:char(36)"`
	IndexPointID *string    `json:"index_point_id,omitempty" gorm:"type:char(36)"`
	IndexedAt    *time.Time `json:"indexed_at,omitempty"`
	IndexError   string     `json:"index_error,omitempty"    gorm:"type:text"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for LearnedResponse.
func (LearnedResponse) TableName() string { return "learned_responses" }

// Notification is a durable bell/inbox item for an operator.
type Notification struct {
	ID         string           `json:"id"          gorm:"type:char(36);primaryKey"`
	OperatorID string           `json:"operator_id" gorm:"type:char(36);not null;index:idx_operator_unread,priority:1"`
	AgentID    string           `json:"agent_id"    gorm:"type:char(36);not null"`
	SessionID  string           `json:"session_id"  gorm:"type:char(36);not null;index"`
	Kind       NotificationKind `json:"kind"        gorm:"type:varchar(32);not null"`
	Title      string           `json:"title"       gorm:"type:varchar(255);not null"`
	Body       string           `json:"body"        gorm:"type:text"`
	ReadAt     *time.Time       `json:"read_at,omitempty" gorm:"index:idx_operator_unread,priority:2"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }

// AIMessage is one utterance of the AI phase of a session, kept so operators
// picking up an escalation see what the agent already said.
type AIMessage struct {
	ID        string    `json:"id"              gorm:"type:char(36);primaryKey"`
	SessionID string    `json:"session_id"      gorm:"type:char(36);not null;index:idx_session_ai_msgs,priority:1"`
	Role      string    `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content   string    `json:"content"         gorm:"type:text;not null"`
	Score     *float64  `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"      gorm:"index:idx_session_ai_msgs,priority:2"`

	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for AIMessage.
func (AIMessage) TableName() string { return "ai_messages" }
