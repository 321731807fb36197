// Package api is the HTTP facade over the gateway manager and the ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/events"
	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/payment"
)

// Reconciler schedules a delayed status check. reconcile.Enqueuer satisfies it.
type Reconciler interface {
	Enqueue(ctx context.Context, gateway, transactionID string) error
}

// ChargeInput is the body of POST /api/v1/payments.
type ChargeInput struct {
	Amount        string            `json:"amount" validate:"required,numeric"`
	Currency      string            `json:"currency" validate:"required,len=3,alpha"`
	Method        string            `json:"method" validate:"required,oneof=card ewallet virtual_account bank_transfer"`
	PaymentMethod string            `json:"payment_method" validate:"max=255"`
	Description   string            `json:"description" validate:"max=500"`
	CustomerEmail string            `json:"customer_email" validate:"omitempty,email"`
	Reference     string            `json:"reference" validate:"required,max=255"`
	ReturnURL     string            `json:"return_url" validate:"omitempty,url"`
	Metadata      map[string]string `json:"metadata" validate:"max=20"`
}

// RefundInput is the body of POST /api/v1/payments/{transactionId}/refunds.
// An empty amount refunds the full payment.
type RefundInput struct {
	Amount    string `json:"amount" validate:"omitempty,numeric"`
	Reason    string `json:"reason" validate:"max=64"`
	Reference string `json:"reference" validate:"max=255"`
}

// PaymentView is what the facade returns for a payment.
type PaymentView struct {
	payment.PaymentResult
	LedgerStatus payment.Status `json:"ledger_status,omitempty"`
	StatusSource string         `json:"status_source,omitempty"`
}

// Service holds the facade operations.
type Service struct {
	Manager   *payment.Manager
	Ledger    ledger.Ledger
	Reconcile Reconciler
	Events    *events.Bus
	Validate  *validator.Validate
	Logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires a service with a fresh validator when none is given.
func NewService(mgr *payment.Manager, l ledger.Ledger, rec Reconciler, bus *events.Bus, v *validator.Validate, logger zerolog.Logger) *Service {
	if v == nil {
		v = validator.New()
	}
	return &Service{
		Manager:   mgr,
		Ledger:    l,
		Reconcile: rec,
		Events:    bus,
		Validate:  v,
		Logger:    logger.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Charge routes the payment, records it and schedules reconciliation for
// results the processor has not settled yet.
func (s *Service) Charge(ctx context.Context, in ChargeInput) (payment.PaymentResult, error) {
	in.Currency = money.Normalize(in.Currency)
	in.Method = strings.ToLower(strings.TrimSpace(in.Method))
	if err := s.Validate.StructCtx(ctx, in); err != nil {
		return payment.PaymentResult{}, err
	}
	amount, err := money.Parse(in.Amount, in.Currency)
	if err != nil || !amount.IsPositive() {
		return payment.PaymentResult{}, common.NewAppError("VALIDATION_FAILED", "amount must be a positive decimal", http.StatusBadRequest, err)
	}
	if _, err := amount.MinorChecked(); err != nil {
		return payment.PaymentResult{}, common.NewAppError("VALIDATION_FAILED", "amount is out of range", http.StatusBadRequest, err)
	}

	result, err := s.Manager.Charge(ctx, payment.PaymentRequest{
		Money:         amount,
		Method:        payment.ParseMethodKind(in.Method),
		PaymentMethod: in.PaymentMethod,
		Description:   in.Description,
		CustomerEmail: in.CustomerEmail,
		Reference:     in.Reference,
		ReturnURL:     in.ReturnURL,
		Metadata:      in.Metadata,
	})
	if err != nil {
		return payment.PaymentResult{}, err
	}
	if result.TransactionID == "" {
		return result, nil
	}

	txn := ledger.Transaction{
		Gateway:                result.Gateway,
		ProcessorTransactionID: result.TransactionID,
		Reference:              in.Reference,
		Money:                  amount,
		Method:                 payment.ParseMethodKind(in.Method),
		Status:                 result.Status,
		ErrorCode:              result.ErrorCode,
		ErrorMessage:           result.ErrorMessage,
		RawPayload:             result.RawResponse,
		StatusSource:           ledger.SourceCharge,
		StatusObservedAt:       result.ObservedAt,
	}
	if result.ClientAction != nil {
		if txn.ActionPayload, err = json.Marshal(result.ClientAction); err != nil {
			return payment.PaymentResult{}, err
		}
	}
	if err := s.Ledger.RecordTransaction(ctx, txn); err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		s.Logger.Error().Err(err).Str("transaction_id", result.TransactionID).Msg("record_transaction_failed")
		return payment.PaymentResult{}, fmt.Errorf("record transaction: %w", err)
	}

	if !result.Status.Terminal() && s.Reconcile != nil {
		if err := s.Reconcile.Enqueue(ctx, result.Gateway, result.TransactionID); err != nil {
			s.Logger.Warn().Err(err).Str("transaction_id", result.TransactionID).Msg("reconcile_enqueue_failed")
		}
	}
	return result, nil
}

// Refund returns money for a recorded transaction. The request may not exceed
// what earlier refunds left; once nothing is left the ledger row moves to
// refunded.
func (s *Service) Refund(ctx context.Context, transactionID string, in RefundInput) (payment.PaymentResult, error) {
	if err := s.Validate.StructCtx(ctx, in); err != nil {
		return payment.PaymentResult{}, err
	}
	txn, err := s.Ledger.FindByProcessorTransactionID(ctx, transactionID)
	if err != nil {
		return payment.PaymentResult{}, err
	}
	remaining := txn.Refundable()
	if txn.Status == ledger.StatusRefunded || !remaining.IsPositive() {
		return payment.PaymentResult{}, common.NewAppError("ALREADY_REFUNDED", "transaction is already refunded", http.StatusConflict, nil)
	}

	// a zero amount asks the processor for the full remaining balance
	amount := money.New(decimal.Zero, txn.Money.Currency)
	refunded := money.New(remaining, txn.Money.Currency)
	if strings.TrimSpace(in.Amount) != "" {
		requested, err := money.Parse(in.Amount, txn.Money.Currency)
		if err != nil || !requested.IsPositive() {
			return payment.PaymentResult{}, common.NewAppError("VALIDATION_FAILED", "amount must be a positive decimal", http.StatusBadRequest, err)
		}
		if _, err := requested.MinorChecked(); err != nil {
			return payment.PaymentResult{}, common.NewAppError("VALIDATION_FAILED", "amount is out of range", http.StatusBadRequest, err)
		}
		if requested.Amount.GreaterThan(remaining) {
			return payment.PaymentResult{}, common.NewAppError("VALIDATION_FAILED", "refund exceeds the refundable amount", http.StatusBadRequest, nil)
		}
		if !requested.Amount.Equal(remaining) {
			amount, refunded = requested, requested
		}
	}
	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		reference = refundReference(transactionID, amount, in.Reason)
	}

	result, err := s.Manager.Refund(ctx, payment.RefundRequest{
		Gateway:       txn.Gateway,
		TransactionID: transactionID,
		Money:         amount,
		Reason:        payment.MapRefundReason(in.Reason),
		Reference:     reference,
	})
	if err != nil {
		return payment.PaymentResult{}, err
	}
	if result.Status != payment.StatusSuccess {
		return result, nil
	}

	if result.Money.IsPositive() && money.Normalize(result.Money.Currency) == txn.Money.Currency {
		refunded = result.Money
	}
	updated, recorded, err := s.Ledger.RecordRefund(ctx, ledger.Refund{
		Gateway:       txn.Gateway,
		RefundID:      valueOr(result.RefundID, reference),
		TransactionID: transactionID,
		Money:         refunded,
		Reference:     reference,
	})
	if err != nil {
		s.Logger.Error().Err(err).Str("transaction_id", transactionID).Msg("refund_ledger_update_failed")
		return payment.PaymentResult{}, fmt.Errorf("record refund: %w", err)
	}
	full := !updated.Refundable().IsPositive()
	if full {
		observed := result.ObservedAt
		if observed.IsZero() {
			observed = s.clock()
		}
		err := s.Ledger.UpdateStatus(ctx, ledger.StatusUpdate{
			TransactionID: transactionID,
			Status:        ledger.StatusRefunded,
			ObservedAt:    observed,
			Source:        ledger.SourceRefund,
		})
		if err != nil && !errors.Is(err, ledger.ErrStaleUpdate) {
			s.Logger.Error().Err(err).Str("transaction_id", transactionID).Msg("refund_ledger_update_failed")
			return payment.PaymentResult{}, fmt.Errorf("record refund: %w", err)
		}
	}
	if recorded {
		s.emitRefund(ctx, txn, result, refunded, full)
	}
	return result, nil
}

// refundReference derives the processor idempotency key for a refund request
// that carries no reference, so a retried request cannot refund twice.
// Repeating an identical partial refund on purpose needs its own reference.
func refundReference(transactionID string, amount money.Money, reason string) string {
	requested := "full"
	if amount.IsPositive() {
		requested = amount.Amount.String()
	}
	sum := common.Sha256Hex(strings.Join([]string{"refund", transactionID, requested, strings.ToLower(strings.TrimSpace(reason))}, "|"))
	return "rf_" + sum[:32]
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func (s *Service) emitRefund(ctx context.Context, txn ledger.Transaction, result payment.PaymentResult, amount money.Money, full bool) {
	if s.Events == nil {
		return
	}
	_, err := s.Events.Emit(ctx, events.TopicPaymentRefunded, txn.ProcessorTransactionID, map[string]any{
		"gateway":   txn.Gateway,
		"refund_id": result.RefundID,
		"amount":    amount.Amount.String(),
		"currency":  amount.Currency,
		"full":      full,
	})
	if err != nil {
		s.Logger.Warn().Err(err).Str("transaction_id", txn.ProcessorTransactionID).Msg("domain_event_failed")
	}
}

// Status reads the processor's view. The ledger row, when present, picks the
// gateway and is returned alongside. Nothing is written.
func (s *Service) Status(ctx context.Context, transactionID, gateway string) (PaymentView, error) {
	var view PaymentView
	txn, err := s.Ledger.FindByProcessorTransactionID(ctx, transactionID)
	switch {
	case err == nil:
		gateway = txn.Gateway
		view.LedgerStatus = txn.Status
		view.StatusSource = txn.StatusSource
	case errors.Is(err, ledger.ErrNotFound):
		if strings.TrimSpace(gateway) == "" {
			return PaymentView{}, err
		}
	default:
		return PaymentView{}, err
	}
	result, err := s.Manager.GetStatus(ctx, gateway, transactionID)
	if err != nil {
		return PaymentView{}, err
	}
	view.PaymentResult = result
	return view, nil
}

// Currencies lists every currency some gateway accepts.
func (s *Service) Currencies() []string {
	return s.Manager.ListSupportedCurrencies()
}
