package events

// Topic constants for domain events emitted after a ledger change.
const (
	TopicPaymentSucceeded      = "payment.succeeded"
	TopicPaymentFailed         = "payment.failed"
	TopicPaymentRequiresAction = "payment.requires_action"
	TopicPaymentRefunded       = "payment.refunded"
	TopicDisputeOpened         = "dispute.opened"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicPaymentRequiresAction,
		TopicPaymentRefunded,
		TopicDisputeOpened,
	}
}
