package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/paygate/internal/events"
	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/payment"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	DBTX
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Postgres stores the ledger in PostgreSQL. Statements live in Queries; this
// type maps rows to ledger types and owns the transactions.
type Postgres struct {
	db  DB
	q   Querier
	now func() time.Time
}

// NewPostgres wraps a pool. Run NewMigrator first.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db, q: NewQueries(db), now: time.Now}
}

func (p *Postgres) RecordTransaction(ctx context.Context, t Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	n, err := p.q.InsertTransaction(ctx, InsertTransactionParams{
		ID:                     t.ID,
		Gateway:                t.Gateway,
		ProcessorTransactionID: t.ProcessorTransactionID,
		Reference:              t.Reference,
		Amount:                 t.Money.Amount.String(),
		Currency:               money.Normalize(t.Money.Currency),
		Method:                 string(t.Method),
		Status:                 string(t.Status),
		ErrorCode:              t.ErrorCode,
		ErrorMessage:           t.ErrorMessage,
		RawPayload:             nullableJSON(t.RawPayload),
		ActionPayload:          nullableJSON(t.ActionPayload),
		StatusSource:           valueOr(t.StatusSource, SourceCharge),
		StatusObservedAt:       observedAt(t.StatusObservedAt, p.now()),
	})
	if err != nil {
		return fmt.Errorf("ledger: record transaction: %w", err)
	}
	if n == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

// RecordRefund inserts the refund and bumps the refunded amount in one
// transaction, so a refund id is counted once.
func (p *Postgres) RecordRefund(ctx context.Context, r Refund) (Transaction, bool, error) {
	if !r.Money.IsPositive() {
		return Transaction{}, false, payment.ErrInvalid
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, false, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := NewQueries(tx)

	if _, err := findTransaction(ctx, q, r.TransactionID); err != nil {
		return Transaction{}, false, err
	}
	n, err := q.InsertRefund(ctx, InsertRefundParams{
		ID:                     r.ID,
		Gateway:                r.Gateway,
		RefundID:               r.RefundID,
		ProcessorTransactionID: r.TransactionID,
		Amount:                 r.Money.Amount.String(),
		Currency:               money.Normalize(r.Money.Currency),
		Reference:              r.Reference,
	})
	if err != nil {
		return Transaction{}, false, fmt.Errorf("ledger: insert refund: %w", err)
	}
	if n > 0 {
		err = q.AddRefundedAmount(ctx, AddRefundedAmountParams{
			ProcessorTransactionID: r.TransactionID,
			Amount:                 r.Money.Amount.String(),
		})
		if err != nil {
			return Transaction{}, false, fmt.Errorf("ledger: add refunded amount: %w", err)
		}
	}
	t, err := findTransaction(ctx, q, r.TransactionID)
	if err != nil {
		return Transaction{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, false, fmt.Errorf("ledger: commit: %w", err)
	}
	return t, n > 0, nil
}

func (p *Postgres) FindByProcessorTransactionID(ctx context.Context, id string) (Transaction, error) {
	return findTransaction(ctx, p.q, id)
}

func (p *Postgres) UpdateStatus(ctx context.Context, update StatusUpdate) error {
	return updateStatus(ctx, p.q, update, p.now())
}

func (p *Postgres) InsertDispute(ctx context.Context, d Dispute) error {
	return insertDisputeRow(ctx, p.q, d)
}

func (p *Postgres) HasAppliedEvent(ctx context.Context, gateway, eventID string) (bool, error) {
	exists, err := p.q.WebhookEventExists(ctx, gateway, eventID)
	if err != nil {
		return false, fmt.Errorf("ledger: lookup event: %w", err)
	}
	return exists, nil
}

// ApplyEvent claims the event row and runs fn in the same transaction. A
// concurrent delivery of the same event blocks on the primary key until the
// first commits, then sees the conflict and skips.
func (p *Postgres) ApplyEvent(ctx context.Context, evt AppliedEvent, fn func(ctx context.Context, w Writer) error) (bool, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := NewQueries(tx)

	n, err := q.ClaimWebhookEvent(ctx, ClaimWebhookEventParams{
		Gateway:    evt.Gateway,
		EventID:    evt.EventID,
		EventType:  evt.Type,
		ReceivedAt: observedAt(evt.ReceivedAt, p.now()),
	})
	if err != nil {
		return false, fmt.Errorf("ledger: claim event: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := fn(ctx, pgWriter{q: q, now: p.now}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("ledger: commit: %w", err)
	}
	return true, nil
}

func (p *Postgres) MarkEventApplied(ctx context.Context, evt AppliedEvent) (bool, error) {
	return p.ApplyEvent(ctx, evt, noChange)
}

func (p *Postgres) ListDisputes(ctx context.Context, transactionID string) ([]Dispute, error) {
	rows, err := p.q.ListDisputes(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list disputes: %w", err)
	}
	out := make([]Dispute, 0, len(rows))
	for _, row := range rows {
		amount, err := parseMoney(row.Amount, row.Currency)
		if err != nil {
			return nil, err
		}
		out = append(out, Dispute{
			ID:            row.ID,
			Gateway:       row.Gateway,
			DisputeID:     row.DisputeID,
			TransactionID: row.ProcessorTransactionID,
			Money:         amount,
			Reason:        row.Reason,
			Status:        row.Status,
			EvidenceDueBy: row.EvidenceDueBy,
			CreatedAt:     row.CreatedAt,
		})
	}
	return out, nil
}

func (p *Postgres) ListStale(ctx context.Context, before time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.q.ListOpenTransactions(ctx, ListOpenTransactionsParams{Before: before.UTC(), Limit: int32(limit)})
	if err != nil {
		return nil, fmt.Errorf("ledger: list stale: %w", err)
	}
	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := transactionFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// InsertEvent implements events.Store.
func (p *Postgres) InsertEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	occurredAt, err := p.q.InsertDomainEvent(ctx, InsertDomainEventParams{
		ID:          ev.ID,
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		Payload:     string(ev.Payload),
	})
	if err != nil {
		return events.Event{}, fmt.Errorf("ledger: insert domain event: %w", err)
	}
	ev.OccurredAt = occurredAt
	return ev, nil
}

type pgWriter struct {
	q   Querier
	now func() time.Time
}

func (w pgWriter) FindByProcessorTransactionID(ctx context.Context, id string) (Transaction, error) {
	return findTransaction(ctx, w.q, id)
}

func (w pgWriter) UpdateStatus(ctx context.Context, update StatusUpdate) error {
	return updateStatus(ctx, w.q, update, w.now())
}

func (w pgWriter) InsertDispute(ctx context.Context, d Dispute) error {
	return insertDisputeRow(ctx, w.q, d)
}

func findTransaction(ctx context.Context, q Querier, id string) (Transaction, error) {
	row, err := q.GetTransaction(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: find transaction: %w", err)
	}
	return transactionFromRow(row)
}

// updateStatus tells a stale update apart from a missing row.
func updateStatus(ctx context.Context, q Querier, update StatusUpdate, now time.Time) error {
	if !update.Status.Valid() && update.Status != StatusRefunded {
		return payment.ErrInvalid
	}
	n, err := q.UpdateTransactionStatus(ctx, UpdateTransactionStatusParams{
		ProcessorTransactionID: update.TransactionID,
		Status:                 string(update.Status),
		ErrorCode:              update.ErrorCode,
		ErrorMessage:           update.ErrorMessage,
		RawPayload:             nullableJSON(update.RawPayload),
		ActionPayload:          nullableJSON(update.ActionPayload),
		StatusSource:           valueOr(update.Source, SourceWebhook),
		StatusObservedAt:       observedAt(update.ObservedAt, now),
		Settled:                settled(update.Status),
	})
	if err != nil {
		return fmt.Errorf("ledger: update status: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := findTransaction(ctx, q, update.TransactionID); err != nil {
		return err
	}
	return ErrStaleUpdate
}

func insertDisputeRow(ctx context.Context, q Querier, d Dispute) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	err := q.InsertDispute(ctx, InsertDisputeParams{
		ID:                     d.ID,
		Gateway:                d.Gateway,
		DisputeID:              d.DisputeID,
		ProcessorTransactionID: d.TransactionID,
		Amount:                 d.Money.Amount.String(),
		Currency:               money.Normalize(d.Money.Currency),
		Reason:                 d.Reason,
		Status:                 d.Status,
		EvidenceDueBy:          d.EvidenceDueBy,
	})
	if err != nil {
		return fmt.Errorf("ledger: insert dispute: %w", err)
	}
	return nil
}

func transactionFromRow(row TransactionRow) (Transaction, error) {
	amount, err := parseMoney(row.Amount, row.Currency)
	if err != nil {
		return Transaction{}, err
	}
	refunded := decimal.Zero
	if row.RefundedAmount != "" {
		if refunded, err = decimal.NewFromString(row.RefundedAmount); err != nil {
			return Transaction{}, fmt.Errorf("ledger: parse refunded amount: %w", err)
		}
	}
	return Transaction{
		ID:                     row.ID,
		Gateway:                row.Gateway,
		ProcessorTransactionID: row.ProcessorTransactionID,
		Reference:              row.Reference,
		Money:                  amount,
		Method:                 payment.MethodKind(row.Method),
		Status:                 payment.Status(row.Status),
		ErrorCode:              row.ErrorCode,
		ErrorMessage:           row.ErrorMessage,
		RawPayload:             row.RawPayload,
		ActionPayload:          row.ActionPayload,
		StatusSource:           row.StatusSource,
		StatusObservedAt:       row.StatusObservedAt,
		RefundedAmount:         refunded,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}, nil
}

func parseMoney(amount, currency string) (money.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return money.Money{}, fmt.Errorf("ledger: parse amount: %w", err)
	}
	return money.New(d, currency), nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
