package domain

// SupportStatus is the human-support lifecycle state of a session.
type SupportStatus string

const (
	StatusNone      SupportStatus = "none"
	StatusEscalated SupportStatus = "escalated"
	StatusAssigned  SupportStatus = "assigned"
	StatusResolved  SupportStatus = "resolved"
	StatusAbandoned SupportStatus = "abandoned"
)

// Active reports whether a human is (or is about to be) handling the session.
func (s SupportStatus) Active() bool {
	return s == StatusEscalated || s == StatusAssigned
}

// Terminal reports whether the episode is closed for escalation purposes.
func (s SupportStatus) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// ResolutionType classifies how an assigned session was closed.
type ResolutionType string

const (
	ResolutionAnswered   ResolutionType = "answered"
	ResolutionRedirected ResolutionType = "redirected"
	ResolutionOutOfScope ResolutionType = "out_of_scope"
	ResolutionDuplicate  ResolutionType = "duplicate"
	ResolutionOther      ResolutionType = "other"
)

// Valid reports whether r is one of the known resolution types.
func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionAnswered, ResolutionRedirected, ResolutionOutOfScope, ResolutionDuplicate, ResolutionOther:
		return true
	}
	return false
}

// SenderType identifies who authored a support message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// Channel is the transport a support message travelled on.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
)

// ScanStatus is the malware scan state of an attachment. Every status other
// than ScanPending is terminal.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanSkipped  ScanStatus = "skipped"
	ScanError    ScanStatus = "error"
)

// AttachmentSource records where an upload entered the system.
type AttachmentSource string

const (
	SourceChat     AttachmentSource = "chat"
	SourceEmail    AttachmentSource = "email"
	SourceOperator AttachmentSource = "operator"
)

// OperatorRole is the role of a human support account.
type OperatorRole string

const (
	RoleAdmin    OperatorRole = "admin"
	RoleOperator OperatorRole = "operator"
)

// NotificationKind distinguishes durable inbox notifications.
type NotificationKind string

const (
	NotifyEscalation NotificationKind = "escalation"
	NotifyNewMessage NotificationKind = "new_message"
)

// LearnedSourceHumanSupport is the provenance of learned responses promoted
// from human support exchanges.
const LearnedSourceHumanSupport = "human_support"
