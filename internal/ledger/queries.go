package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier lists the statements Postgres runs. Queries implements it.
type Querier interface {
	InsertTransaction(ctx context.Context, arg InsertTransactionParams) (int64, error)
	GetTransaction(ctx context.Context, processorTransactionID string) (TransactionRow, error)
	UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) (int64, error)
	ListOpenTransactions(ctx context.Context, arg ListOpenTransactionsParams) ([]TransactionRow, error)
	InsertRefund(ctx context.Context, arg InsertRefundParams) (int64, error)
	AddRefundedAmount(ctx context.Context, arg AddRefundedAmountParams) error
	WebhookEventExists(ctx context.Context, gateway, eventID string) (bool, error)
	ClaimWebhookEvent(ctx context.Context, arg ClaimWebhookEventParams) (int64, error)
	InsertDispute(ctx context.Context, arg InsertDisputeParams) error
	ListDisputes(ctx context.Context, processorTransactionID string) ([]DisputeRow, error)
	InsertDomainEvent(ctx context.Context, arg InsertDomainEventParams) (time.Time, error)
}

// Queries runs one statement per method against db.
type Queries struct {
	db DBTX
}

// NewQueries binds the statements to db.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// TransactionRow is one payment_transactions row. Amounts are exact decimal
// text.
type TransactionRow struct {
	ID                     string
	Gateway                string
	ProcessorTransactionID string
	Reference              string
	Amount                 string
	Currency               string
	Method                 string
	Status                 string
	ErrorCode              string
	ErrorMessage           string
	RawPayload             []byte
	ActionPayload          []byte
	StatusSource           string
	StatusObservedAt       time.Time
	RefundedAmount         string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

const transactionColumns = `id::text, gateway, processor_transaction_id, reference, amount::text, currency,
	method, status, error_code, error_message, raw_payload, action_payload, status_source,
	status_observed_at, refunded_amount::text, created_at, updated_at`

func scanTransactionRow(row pgx.Row) (TransactionRow, error) {
	var r TransactionRow
	err := row.Scan(&r.ID, &r.Gateway, &r.ProcessorTransactionID, &r.Reference, &r.Amount, &r.Currency,
		&r.Method, &r.Status, &r.ErrorCode, &r.ErrorMessage, &r.RawPayload, &r.ActionPayload, &r.StatusSource,
		&r.StatusObservedAt, &r.RefundedAmount, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

type InsertTransactionParams struct {
	ID                     string
	Gateway                string
	ProcessorTransactionID string
	Reference              string
	Amount                 string
	Currency               string
	Method                 string
	Status                 string
	ErrorCode              string
	ErrorMessage           string
	RawPayload             any
	ActionPayload          any
	StatusSource           string
	StatusObservedAt       time.Time
}

const insertTransaction = `
INSERT INTO payment_transactions (
	id, gateway, processor_transaction_id, reference, amount, currency, method, status,
	error_code, error_message, raw_payload, action_payload, status_source, status_observed_at
) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13, $14)
ON CONFLICT (processor_transaction_id) DO NOTHING`

// InsertTransaction returns 0 when the processor id is already recorded.
func (q *Queries) InsertTransaction(ctx context.Context, arg InsertTransactionParams) (int64, error) {
	tag, err := q.db.Exec(ctx, insertTransaction,
		arg.ID, arg.Gateway, arg.ProcessorTransactionID, arg.Reference, arg.Amount, arg.Currency,
		arg.Method, arg.Status, arg.ErrorCode, arg.ErrorMessage, arg.RawPayload, arg.ActionPayload,
		arg.StatusSource, arg.StatusObservedAt,
	)
	return tag.RowsAffected(), err
}

const getTransaction = `SELECT ` + transactionColumns + `
FROM payment_transactions WHERE processor_transaction_id = $1`

func (q *Queries) GetTransaction(ctx context.Context, processorTransactionID string) (TransactionRow, error) {
	return scanTransactionRow(q.db.QueryRow(ctx, getTransaction, processorTransactionID))
}

type UpdateTransactionStatusParams struct {
	ProcessorTransactionID string
	Status                 string
	ErrorCode              string
	ErrorMessage           string
	RawPayload             any
	ActionPayload          any
	StatusSource           string
	StatusObservedAt       time.Time
	// Settled marks a status after which no processor transition is expected.
	Settled bool
}

// updateTransactionStatus mirrors isStale: whole-second comparison, a settled
// status always replaces an open one, and an open status never replaces a
// settled one within the same second.
const updateTransactionStatus = `
UPDATE payment_transactions SET
	status = $2,
	error_code = $3,
	error_message = $4,
	raw_payload = COALESCE($5::jsonb, raw_payload),
	action_payload = $6::jsonb,
	status_source = $7,
	status_observed_at = GREATEST(status_observed_at, $8::timestamptz),
	updated_at = now()
WHERE processor_transaction_id = $1 AND (
	($9::boolean AND status IN ('pending', 'requires_action'))
	OR date_trunc('second', status_observed_at) < date_trunc('second', $8::timestamptz)
	OR (date_trunc('second', status_observed_at) = date_trunc('second', $8::timestamptz)
		AND ($9::boolean OR status IN ('pending', 'requires_action')))
)`

// UpdateTransactionStatus returns 0 when the row is missing or the update is
// stale.
func (q *Queries) UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateTransactionStatus,
		arg.ProcessorTransactionID, arg.Status, arg.ErrorCode, arg.ErrorMessage,
		arg.RawPayload, arg.ActionPayload, arg.StatusSource, arg.StatusObservedAt, arg.Settled,
	)
	return tag.RowsAffected(), err
}

type ListOpenTransactionsParams struct {
	Before time.Time
	Limit  int32
}

const listOpenTransactions = `SELECT ` + transactionColumns + `
FROM payment_transactions
WHERE status IN ('pending', 'requires_action') AND status_observed_at < $1
ORDER BY status_observed_at
LIMIT $2`

func (q *Queries) ListOpenTransactions(ctx context.Context, arg ListOpenTransactionsParams) ([]TransactionRow, error) {
	rows, err := q.db.Query(ctx, listOpenTransactions, arg.Before, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TransactionRow
	for rows.Next() {
		r, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

type InsertRefundParams struct {
	ID                     string
	Gateway                string
	RefundID               string
	ProcessorTransactionID string
	Amount                 string
	Currency               string
	Reference              string
}

const insertRefund = `
INSERT INTO payment_refunds (id, gateway, refund_id, processor_transaction_id, amount, currency, reference)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
ON CONFLICT (gateway, refund_id) DO NOTHING`

// InsertRefund returns 0 when the refund id is already recorded.
func (q *Queries) InsertRefund(ctx context.Context, arg InsertRefundParams) (int64, error) {
	tag, err := q.db.Exec(ctx, insertRefund,
		arg.ID, arg.Gateway, arg.RefundID, arg.ProcessorTransactionID, arg.Amount, arg.Currency, arg.Reference,
	)
	return tag.RowsAffected(), err
}

type AddRefundedAmountParams struct {
	ProcessorTransactionID string
	Amount                 string
}

const addRefundedAmount = `
UPDATE payment_transactions SET
	refunded_amount = refunded_amount + $2::numeric,
	updated_at = now()
WHERE processor_transaction_id = $1`

func (q *Queries) AddRefundedAmount(ctx context.Context, arg AddRefundedAmountParams) error {
	_, err := q.db.Exec(ctx, addRefundedAmount, arg.ProcessorTransactionID, arg.Amount)
	return err
}

const webhookEventExists = `
SELECT EXISTS (SELECT 1 FROM payment_webhook_events WHERE gateway = $1 AND event_id = $2)`

func (q *Queries) WebhookEventExists(ctx context.Context, gateway, eventID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, webhookEventExists, gateway, eventID).Scan(&exists)
	return exists, err
}

type ClaimWebhookEventParams struct {
	Gateway    string
	EventID    string
	EventType  string
	ReceivedAt time.Time
}

const claimWebhookEvent = `
INSERT INTO payment_webhook_events (gateway, event_id, event_type, received_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (gateway, event_id) DO NOTHING`

// ClaimWebhookEvent returns 0 when the event was claimed before.
func (q *Queries) ClaimWebhookEvent(ctx context.Context, arg ClaimWebhookEventParams) (int64, error) {
	tag, err := q.db.Exec(ctx, claimWebhookEvent, arg.Gateway, arg.EventID, arg.EventType, arg.ReceivedAt)
	return tag.RowsAffected(), err
}

type InsertDisputeParams struct {
	ID                     string
	Gateway                string
	DisputeID              string
	ProcessorTransactionID string
	Amount                 string
	Currency               string
	Reason                 string
	Status                 string
	EvidenceDueBy          *time.Time
}

const insertDispute = `
INSERT INTO payment_disputes (
	id, gateway, dispute_id, processor_transaction_id, amount, currency, reason, status, evidence_due_by
) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
ON CONFLICT (gateway, dispute_id) DO NOTHING`

func (q *Queries) InsertDispute(ctx context.Context, arg InsertDisputeParams) error {
	_, err := q.db.Exec(ctx, insertDispute,
		arg.ID, arg.Gateway, arg.DisputeID, arg.ProcessorTransactionID, arg.Amount, arg.Currency,
		arg.Reason, arg.Status, arg.EvidenceDueBy,
	)
	return err
}

type DisputeRow struct {
	ID                     string
	Gateway                string
	DisputeID              string
	ProcessorTransactionID string
	Amount                 string
	Currency               string
	Reason                 string
	Status                 string
	EvidenceDueBy          *time.Time
	CreatedAt              time.Time
}

const listDisputes = `
SELECT id::text, gateway, dispute_id, processor_transaction_id, amount::text, currency,
	reason, status, evidence_due_by, created_at
FROM payment_disputes
WHERE processor_transaction_id = $1
ORDER BY dispute_id`

func (q *Queries) ListDisputes(ctx context.Context, processorTransactionID string) ([]DisputeRow, error) {
	rows, err := q.db.Query(ctx, listDisputes, processorTransactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DisputeRow
	for rows.Next() {
		var d DisputeRow
		if err := rows.Scan(&d.ID, &d.Gateway, &d.DisputeID, &d.ProcessorTransactionID, &d.Amount, &d.Currency,
			&d.Reason, &d.Status, &d.EvidenceDueBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

type InsertDomainEventParams struct {
	ID          string
	Topic       string
	AggregateID string
	Payload     string
}

const insertDomainEvent = `
INSERT INTO payment_domain_events (id, topic, aggregate_id, payload)
VALUES ($1, $2, $3, $4::jsonb)
RETURNING occurred_at`

func (q *Queries) InsertDomainEvent(ctx context.Context, arg InsertDomainEventParams) (time.Time, error) {
	var occurredAt time.Time
	err := q.db.QueryRow(ctx, insertDomainEvent, arg.ID, arg.Topic, arg.AggregateID, arg.Payload).Scan(&occurredAt)
	return occurredAt, err
}
