// Package ledger is the system of record for payment transactions, applied
// webhook events and disputes.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/payment"
)

// StatusRefunded is a ledger-only status set once a refund fully settles.
const StatusRefunded payment.Status = "refunded"

var (
	// ErrNotFound is returned when no transaction carries the processor id.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrStaleUpdate is returned when a status update was observed before the
	// one already recorded.
	ErrStaleUpdate = errors.New("ledger: status update is older than the recorded one")
	// ErrDuplicateTransaction is returned when a processor id is recorded twice.
	ErrDuplicateTransaction = errors.New("ledger: transaction already recorded")
)

// Status sources.
const (
	SourceCharge    = "charge"
	SourceRefund    = "refund"
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
)

// Transaction is the local record of one processor transaction.
type Transaction struct {
	ID                     string
	Gateway                string
	ProcessorTransactionID string
	Reference              string
	Money                  money.Money
	Method                 payment.MethodKind
	Status                 payment.Status
	ErrorCode              string
	ErrorMessage           string
	RawPayload             json.RawMessage
	ActionPayload          json.RawMessage
	StatusSource           string
	StatusObservedAt       time.Time
	RefundedAmount         decimal.Decimal
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Refundable is what is left to refund after the recorded refunds.
func (t Transaction) Refundable() decimal.Decimal {
	left := t.Money.Amount.Sub(t.RefundedAmount)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// StatusUpdate moves a transaction to a new status. ObservedAt is the
// processor's timestamp for the transition.
type StatusUpdate struct {
	TransactionID string
	Status        payment.Status
	RawPayload    json.RawMessage
	ErrorCode     string
	ErrorMessage  string
	ActionPayload json.RawMessage
	ObservedAt    time.Time
	Source        string
}

// Dispute is a chargeback opened against a transaction.
type Dispute struct {
	ID            string
	Gateway       string
	DisputeID     string
	TransactionID string
	Money         money.Money
	Reason        string
	Status        string
	EvidenceDueBy *time.Time
	CreatedAt     time.Time
}

// Refund is one settled refund against a transaction. RefundID is unique per
// gateway; recording the same refund twice counts it once.
type Refund struct {
	ID            string
	Gateway       string
	RefundID      string
	TransactionID string
	Money         money.Money
	Reference     string
	CreatedAt     time.Time
}

// AppliedEvent identifies one webhook delivery. EventID is unique per gateway.
type AppliedEvent struct {
	Gateway    string
	EventID    string
	Type       string
	ReceivedAt time.Time
}

// Writer is the set of operations available inside an event application.
type Writer interface {
	FindByProcessorTransactionID(ctx context.Context, id string) (Transaction, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) error
	// InsertDispute stores a dispute. A dispute id seen before is a no-op.
	InsertDispute(ctx context.Context, d Dispute) error
}

// Ledger is implemented by Postgres and Memory.
type Ledger interface {
	Writer
	RecordTransaction(ctx context.Context, t Transaction) error
	// RecordRefund adds r to the transaction's refunded amount and returns
	// the updated transaction. The bool is false when r was already recorded.
	RecordRefund(ctx context.Context, r Refund) (Transaction, bool, error)
	HasAppliedEvent(ctx context.Context, gateway, eventID string) (bool, error)
	// ApplyEvent records the event and runs fn atomically. It returns false
	// without calling fn when the event was already applied. When fn fails
	// nothing is recorded and the event may be delivered again.
	ApplyEvent(ctx context.Context, evt AppliedEvent, fn func(ctx context.Context, w Writer) error) (bool, error)
	// MarkEventApplied records an event that carries no ledger change.
	MarkEventApplied(ctx context.Context, evt AppliedEvent) (bool, error)
	ListDisputes(ctx context.Context, transactionID string) ([]Dispute, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]Transaction, error)
}

// isStale reports whether an update to next, observed at nextAt, loses
// against the recorded status. Processors stamp events in whole seconds, so
// both sides are compared at that granularity. A settled status always
// replaces an open one, and within the same second an open status never
// replaces a settled one.
func isStale(recorded payment.Status, recordedAt time.Time, next payment.Status, nextAt time.Time) bool {
	if settled(next) && !settled(recorded) {
		return false
	}
	if nextAt.IsZero() || recordedAt.IsZero() {
		return false
	}
	r, n := recordedAt.Truncate(time.Second), nextAt.Truncate(time.Second)
	if n.Before(r) {
		return true
	}
	return n.Equal(r) && settled(recorded) && !settled(next)
}

// settled reports whether no later processor transition is expected.
func settled(s payment.Status) bool {
	return s.Terminal() || s == StatusRefunded
}

// laterOf keeps the recorded observation time when a forced update carries
// an older one.
func laterOf(recorded, next time.Time) time.Time {
	if next.Before(recorded) {
		return recorded
	}
	return next
}

func observedAt(ts time.Time, now time.Time) time.Time {
	if ts.IsZero() {
		return now.UTC()
	}
	return ts.UTC()
}

func noChange(context.Context, Writer) error { return nil }
