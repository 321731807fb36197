package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/paygate/internal/events"
	"github.com/noah-isme/paygate/internal/payment"
)

// Memory is an in-process ledger used by tests and local runs.
type Memory struct {
	mu           sync.Mutex
	transactions map[string]Transaction
	applied      map[string]AppliedEvent
	disputes     map[string]Dispute
	refunds      map[string]Refund
	events       []events.Event
	now          func() time.Time
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		transactions: map[string]Transaction{},
		applied:      map[string]AppliedEvent{},
		disputes:     map[string]Dispute{},
		refunds:      map[string]Refund{},
		now:          time.Now,
	}
}

func gatewayKey(gateway, id string) string {
	return strings.ToLower(gateway) + "\x00" + id
}

func (m *Memory) RecordTransaction(ctx context.Context, t Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[t.ProcessorTransactionID]; exists {
		return ErrDuplicateTransaction
	}
	now := m.now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.StatusSource == "" {
		t.StatusSource = SourceCharge
	}
	t.StatusObservedAt = observedAt(t.StatusObservedAt, now)
	t.CreatedAt, t.UpdatedAt = now, now
	m.transactions[t.ProcessorTransactionID] = t
	return nil
}

func (m *Memory) RecordRefund(ctx context.Context, r Refund) (Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.find(r.TransactionID)
	if err != nil {
		return Transaction{}, false, err
	}
	if !r.Money.IsPositive() {
		return Transaction{}, false, payment.ErrInvalid
	}
	key := gatewayKey(r.Gateway, r.RefundID)
	if _, exists := m.refunds[key]; exists {
		return t, false, nil
	}
	now := m.now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = now
	m.refunds[key] = r
	t.RefundedAmount = t.RefundedAmount.Add(r.Money.Amount)
	t.UpdatedAt = now
	m.transactions[t.ProcessorTransactionID] = t
	return t, true, nil
}

func (m *Memory) FindByProcessorTransactionID(ctx context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(id)
}

func (m *Memory) UpdateStatus(ctx context.Context, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.find(update.TransactionID)
	if err != nil {
		return err
	}
	t, err = applyUpdate(t, update, m.now())
	if err != nil {
		return err
	}
	m.transactions[t.ProcessorTransactionID] = t
	return nil
}

func (m *Memory) InsertDispute(ctx context.Context, d Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertDispute(d)
	return nil
}

func (m *Memory) HasAppliedEvent(ctx context.Context, gateway, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[gatewayKey(gateway, eventID)]
	return ok, nil
}

// ApplyEvent holds the ledger lock for the whole application, so concurrent
// deliveries of the same event serialize and only the first runs fn.
func (m *Memory) ApplyEvent(ctx context.Context, evt AppliedEvent, fn func(ctx context.Context, w Writer) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := gatewayKey(evt.Gateway, evt.EventID)
	if _, ok := m.applied[key]; ok {
		return false, nil
	}
	staged := &memoryTx{parent: m, txns: map[string]Transaction{}}
	if err := fn(ctx, staged); err != nil {
		return false, err
	}
	for id, t := range staged.txns {
		m.transactions[id] = t
	}
	for _, d := range staged.disputes {
		m.insertDispute(d)
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = m.now().UTC()
	}
	m.applied[key] = evt
	return true, nil
}

func (m *Memory) MarkEventApplied(ctx context.Context, evt AppliedEvent) (bool, error) {
	return m.ApplyEvent(ctx, evt, noChange)
}

func (m *Memory) ListDisputes(ctx context.Context, transactionID string) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisputeID < out[j].DisputeID })
	return out, nil
}

func (m *Memory) ListStale(ctx context.Context, before time.Time, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, t := range m.transactions {
		if settled(t.Status) {
			continue
		}
		if t.StatusObservedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusObservedAt.Before(out[j].StatusObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertEvent implements events.Store.
func (m *Memory) InsertEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = m.now().UTC()
	}
	m.events = append(m.events, ev)
	return ev, nil
}

// Events returns the domain events recorded so far.
func (m *Memory) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) find(id string) (Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) insertDispute(d Dispute) {
	key := gatewayKey(d.Gateway, d.DisputeID)
	if _, exists := m.disputes[key]; exists {
		return
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now().UTC()
	}
	m.disputes[key] = d
}

// memoryTx stages writes until the application callback succeeds. It runs
// with the parent lock held.
type memoryTx struct {
	parent   *Memory
	txns     map[string]Transaction
	disputes []Dispute
}

func (tx *memoryTx) FindByProcessorTransactionID(ctx context.Context, id string) (Transaction, error) {
	if t, ok := tx.txns[id]; ok {
		return t, nil
	}
	return tx.parent.find(id)
}

func (tx *memoryTx) UpdateStatus(ctx context.Context, update StatusUpdate) error {
	t, err := tx.FindByProcessorTransactionID(ctx, update.TransactionID)
	if err != nil {
		return err
	}
	t, err = applyUpdate(t, update, tx.parent.now())
	if err != nil {
		return err
	}
	tx.txns[t.ProcessorTransactionID] = t
	return nil
}

func (tx *memoryTx) InsertDispute(ctx context.Context, d Dispute) error {
	tx.disputes = append(tx.disputes, d)
	return nil
}

func applyUpdate(t Transaction, update StatusUpdate, now time.Time) (Transaction, error) {
	if !update.Status.Valid() && update.Status != StatusRefunded {
		return t, payment.ErrInvalid
	}
	if isStale(t.Status, t.StatusObservedAt, update.Status, update.ObservedAt) {
		return t, ErrStaleUpdate
	}
	t.Status = update.Status
	t.ErrorCode = update.ErrorCode
	t.ErrorMessage = update.ErrorMessage
	if len(update.RawPayload) > 0 {
		t.RawPayload = update.RawPayload
	}
	t.ActionPayload = update.ActionPayload
	t.StatusSource = valueOr(update.Source, SourceWebhook)
	t.StatusObservedAt = laterOf(t.StatusObservedAt, observedAt(update.ObservedAt, now))
	t.UpdatedAt = now.UTC()
	return t, nil
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
