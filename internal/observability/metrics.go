package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain counters for the handoff flow. Label values are small closed sets
// (reasons, statuses, outcomes, task types) to keep cardinality bounded.
var (
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_escalations_total",
			Help: "Sessions escalated to human support, by reason.",
		},
		[]string{"reason"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_transitions_total",
			Help: "Support state transitions by target status and result (ok, conflict).",
		},
		[]string{"to", "result"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_notifications_total",
			Help: "Operator notifications by channel (inbox, email) and outcome (sent, deduped, skipped_presence).",
		},
		[]string{"channel", "outcome"},
	)

	AttachmentScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_attachment_scans_total",
			Help: "Attachment scan verdicts by terminal scan status.",
		},
		[]string{"status"},
	)

	InboundEmails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_inbound_emails_total",
			Help: "Inbound emails by outcome (stored, duplicate, empty, uncorrelated, expired, ambiguous, error).",
		},
		[]string{"outcome"},
	)

	Tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_tasks_total",
			Help: "Background tasks by type and outcome (ok, retry, dead).",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(Escalations, Transitions, Notifications, AttachmentScans, InboundEmails, Tasks)
}
