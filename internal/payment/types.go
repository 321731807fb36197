// Package payment defines the gateway contract, the processor adapters and
// the manager that routes charges to the first capable gateway.
package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/noah-isme/paygate/internal/money"
)

// Status is the normalized outcome of a charge, refund or status read.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusRequiresAction Status = "requires_action"
	StatusPending        Status = "pending"
	StatusFailed         Status = "failed"
)

// Valid reports whether s is one of the four normalized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusRequiresAction, StatusPending, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further processor transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// MethodKind identifies a family of payment instruments.
type MethodKind string

const (
	MethodCard           MethodKind = "card"
	MethodEWallet        MethodKind = "ewallet"
	MethodVirtualAccount MethodKind = "virtual_account"
	MethodBankTransfer   MethodKind = "bank_transfer"
)

// ParseMethodKind normalises free-form method input.
func ParseMethodKind(value string) MethodKind {
	return MethodKind(strings.ToLower(strings.TrimSpace(value)))
}

// EventType is the normalized webhook vocabulary.
type EventType string

const (
	EventPaymentSucceeded      EventType = "payment_succeeded"
	EventPaymentFailed         EventType = "payment_failed"
	EventPaymentRequiresAction EventType = "payment_requires_action"
	EventDisputeOpened         EventType = "dispute_opened"
	EventIgnored               EventType = "ignored"
)

// RefundReason is the local refund reason vocabulary.
type RefundReason string

const (
	RefundDuplicate       RefundReason = "duplicate"
	RefundFraudulent      RefundReason = "fraudulent"
	RefundCustomerRequest RefundReason = "customer_request"
	RefundProcessingError RefundReason = "processing_error"
	RefundOther           RefundReason = "other"
)

// MapRefundReason converts arbitrary input into a known reason. Unknown values
// fall back to customer_request.
func MapRefundReason(value string) RefundReason {
	switch RefundReason(strings.ToLower(strings.TrimSpace(value))) {
	case RefundDuplicate:
		return RefundDuplicate
	case RefundFraudulent:
		return RefundFraudulent
	case RefundProcessingError:
		return RefundProcessingError
	case RefundOther:
		return RefundOther
	default:
		return RefundCustomerRequest
	}
}

// PaymentRequest describes one checkout attempt. Reference is the caller's
// idempotency key and is forwarded to the processor.
type PaymentRequest struct {
	Money         money.Money
	Method        MethodKind
	PaymentMethod string
	Description   string
	CustomerEmail string
	Reference     string
	ReturnURL     string
	Metadata      map[string]string
}

// ClientAction carries what the client needs to resume a payment that
// requires customer interaction.
type ClientAction struct {
	Type         string          `json:"type"`
	RedirectURL  string          `json:"redirect_url,omitempty"`
	ClientSecret string          `json:"client_secret,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// PaymentResult is the normalized answer of a gateway call. Declines are
// results with StatusFailed and an ErrorCode, never errors.
type PaymentResult struct {
	Gateway       string          `json:"gateway"`
	Status        Status          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	RefundID      string          `json:"refund_id,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	ClientAction  *ClientAction   `json:"client_action,omitempty"`
	RawResponse   json.RawMessage `json:"-"`
	Money         money.Money     `json:"money"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ObservedAt    time.Time       `json:"observed_at"`
}

// RefundRequest asks a gateway to return money for a prior transaction.
// Gateway selects the adapter that produced TransactionID; empty means the
// first registered gateway.
type RefundRequest struct {
	Gateway       string
	TransactionID string
	Money         money.Money
	Reason        RefundReason
	Reference     string
}

// Dispute is the normalized content of a dispute_opened event.
type Dispute struct {
	DisputeID     string
	TransactionID string
	Money         money.Money
	Reason        string
	Status        string
	EvidenceDueBy *time.Time
}

// WebhookEvent is a verified and parsed processor notification. EventID is the
// processor's own identifier and the deduplication key.
type WebhookEvent struct {
	Gateway       string
	EventID       string
	Type          EventType
	NativeType    string
	Object        json.RawMessage
	ReceivedAt    time.Time
	OccurredAt    time.Time
	TransactionID string
	ErrorCode     string
	ErrorMessage  string
	ClientAction  *ClientAction
	Dispute       *Dispute
}
