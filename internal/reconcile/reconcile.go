// Package reconcile compares the ledger with the processors' own view of a
// transaction. It reports drift and never writes status.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/payment"
)

const (
	// TypeReconcile checks one transaction.
	TypeReconcile = "payment:reconcile"
	// TypeSweep enqueues checks for transactions stuck in a non terminal status.
	TypeSweep = "payment:reconcile_sweep"
)

// Payload identifies the transaction to check.
type Payload struct {
	Gateway       string `json:"gateway"`
	TransactionID string `json:"transactionId"`
}

// NewTask builds a reconcile task for one transaction.
func NewTask(gateway, transactionID string) (*asynq.Task, error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if gateway == "" || strings.TrimSpace(transactionID) == "" {
		return nil, errors.New("reconcile: gateway and transaction id are required")
	}
	raw, err := json.Marshal(Payload{Gateway: gateway, TransactionID: transactionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcile, raw), nil
}

// TaskID is the asynq task id used to collapse repeated enqueues.
func TaskID(gateway, transactionID string) string {
	return "reconcile:" + strings.ToLower(gateway) + ":" + transactionID
}

// TaskClient is satisfied by *asynq.Client.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules delayed reconciliation checks.
type Enqueuer struct {
	Client   TaskClient
	Delay    time.Duration
	Queue    string
	MaxRetry int
}

// Enqueue schedules a check after Delay. A check already queued for the same
// transaction is not duplicated.
func (e Enqueuer) Enqueue(ctx context.Context, gateway, transactionID string) error {
	if e.Client == nil {
		return errors.New("reconcile: task client not configured")
	}
	task, err := NewTask(gateway, transactionID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.TaskID(TaskID(gateway, transactionID))}
	if e.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(e.Delay))
	}
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	if e.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(e.MaxRetry))
	}
	_, err = e.Client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// StatusReader is satisfied by *payment.Manager.
type StatusReader interface {
	GetStatus(ctx context.Context, gateway, transactionID string) (payment.PaymentResult, error)
}

// Ledger is the read side reconciliation needs.
type Ledger interface {
	FindByProcessorTransactionID(ctx context.Context, id string) (ledger.Transaction, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]ledger.Transaction, error)
}

// Report is the outcome of one check.
type Report struct {
	Gateway         string
	TransactionID   string
	LedgerStatus    payment.Status
	ProcessorStatus payment.Status
	Drift           bool
}

// Handler runs reconcile tasks.
type Handler struct {
	Processor StatusReader
	Ledger    Ledger
	Logger    zerolog.Logger
}

// ProcessTask implements asynq.Handler. Malformed payloads and unknown
// transactions are not retried. Processor failures are.
func (h Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := h.Check(ctx, p.Gateway, p.TransactionID)
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, payment.ErrUnsupported) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Check reads both sides and reports whether they disagree.
func (h Handler) Check(ctx context.Context, gateway, transactionID string) (report Report, err error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	report = Report{Gateway: gateway, TransactionID: transactionID}
	logger := h.Logger.With().Str("gateway", gateway).Str("transaction_id", transactionID).Logger()
	defer func() {
		result := "in_sync"
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			result = "missing"
		case err != nil:
			result = "error"
		case report.Drift:
			result = "drift"
		}
		if obs.ReconcileRunsTotal != nil {
			obs.ReconcileRunsTotal.WithLabelValues(gateway, result).Inc()
		}
	}()

	txn, err := h.Ledger.FindByProcessorTransactionID(ctx, transactionID)
	if err != nil {
		logger.Warn().Err(err).Msg("reconcile_ledger_lookup_failed")
		return report, err
	}
	if gateway == "" {
		report.Gateway = txn.Gateway
		gateway = txn.Gateway
	}
	report.LedgerStatus = txn.Status

	result, err := h.Processor.GetStatus(ctx, gateway, transactionID)
	if err != nil {
		logger.Warn().Err(err).Msg("reconcile_status_failed")
		return report, err
	}
	report.ProcessorStatus = result.Status
	report.Drift = drifted(txn.Status, result.Status)
	if !report.Drift {
		logger.Debug().Str("status", string(txn.Status)).Msg("reconcile_in_sync")
		return report, nil
	}
	if obs.ReconcileDriftTotal != nil {
		obs.ReconcileDriftTotal.WithLabelValues(gateway).Inc()
	}
	logger.Warn().
		Str("ledger_status", string(txn.Status)).
		Str("processor_status", string(result.Status)).
		Str("status_source", txn.StatusSource).
		Time("status_observed_at", txn.StatusObservedAt).
		Msg("reconcile_drift")
	return report, nil
}

// A refunded ledger row still reads as success on processors that report the
// payment rather than the refund.
func drifted(ledgerStatus, processorStatus payment.Status) bool {
	if ledgerStatus == processorStatus {
		return false
	}
	if ledgerStatus == ledger.StatusRefunded && processorStatus == payment.StatusSuccess {
		return false
	}
	return true
}

// Sweeper enqueues checks for rows whose status has not moved for Age.
type Sweeper struct {
	Ledger   Ledger
	Enqueuer Enqueuer
	Age      time.Duration
	Limit    int
	Logger   zerolog.Logger
	now      func() time.Time
}

// ProcessTask implements asynq.Handler for TypeSweep.
func (s Sweeper) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep returns how many checks it enqueued.
func (s Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	age := s.Age
	if age <= 0 {
		age = 15 * time.Minute
	}
	limit := s.Limit
	if limit <= 0 {
		limit = 100
	}
	stale, err := s.Ledger.ListStale(ctx, now().Add(-age), limit)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, t := range stale {
		if err := s.Enqueuer.Enqueue(ctx, t.Gateway, t.ProcessorTransactionID); err != nil {
			s.Logger.Error().Err(err).Str("transaction_id", t.ProcessorTransactionID).Msg("reconcile_enqueue_failed")
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.Logger.Info().Int("count", enqueued).Msg("reconcile_sweep_enqueued")
	}
	return enqueued, nil
}

// NewServeMux routes both task types.
func NewServeMux(h Handler, s Sweeper) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeReconcile, h)
	mux.Handle(TypeSweep, s)
	return mux
}
