// Package webhook verifies, deduplicates and applies processor notifications.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paygate/internal/events"
	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/lock"
	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/payment"
)

// ErrUnknownGateway is returned for a webhook addressed to an unregistered gateway.
var ErrUnknownGateway = errors.New("webhook: unknown gateway")

// Outcome describes what a delivery did to the ledger.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeStale     Outcome = "stale"
)

// Gateways resolves adapters by name. *payment.Manager satisfies it.
type Gateways interface {
	Gateway(name string) (payment.Gateway, bool)
}

// Result is the outcome of one delivery.
type Result struct {
	Outcome Outcome
	Event   payment.WebhookEvent
}

// Dispatcher runs one delivery through verify, parse, dedup and apply.
type Dispatcher struct {
	Gateways Gateways
	Ledger   ledger.Ledger
	// Locker optionally serializes deliveries of one event id across
	// replicas. The ledger claim alone already guarantees a single apply.
	Locker  *lock.Locker
	LockTTL time.Duration
	Events  *events.Bus
	Logger  zerolog.Logger
}

// Dispatch verifies the raw body before anything decodes it. A returned error
// means nothing was committed and the processor should redeliver.
func (d *Dispatcher) Dispatch(ctx context.Context, gatewayName string, rawBody []byte, header http.Header) (res Result, err error) {
	gatewayName = strings.ToLower(strings.TrimSpace(gatewayName))
	ctx, span := otel.Tracer("webhook.Dispatcher").Start(ctx, "Dispatcher.Dispatch")
	defer func() {
		label := string(res.Outcome)
		if err != nil {
			label = errorLabel(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, label)
		}
		span.SetAttributes(
			attribute.String("payment.gateway", gatewayName),
			attribute.String("webhook.event_id", res.Event.EventID),
			attribute.String("webhook.result", label),
		)
		span.End()
		if obs.PaymentWebhookTotal != nil {
			obs.PaymentWebhookTotal.WithLabelValues(gatewayName, label).Inc()
		}
	}()

	g, ok := d.Gateways.Gateway(gatewayName)
	if !ok {
		return Result{}, ErrUnknownGateway
	}
	if !g.VerifyWebhookSignature(rawBody, header.Get(g.SignatureHeader())) {
		return Result{}, &payment.Error{
			Kind:    payment.KindVerification,
			Gateway: g.Name(),
			Op:      "webhook",
			Code:    "invalid_signature",
			Message: "signature verification failed",
		}
	}
	evt, err := g.ParseWebhookEvent(rawBody)
	if err != nil {
		return Result{}, err
	}
	res.Event = evt
	logger := d.Logger.With().
		Str("gateway", g.Name()).
		Str("event_id", evt.EventID).
		Str("event_type", string(evt.Type)).
		Str("native_type", evt.NativeType).
		Logger()

	seen, err := d.Ledger.HasAppliedEvent(ctx, g.Name(), evt.EventID)
	if err != nil {
		return res, err
	}
	if seen {
		res.Outcome = OutcomeDuplicate
		logger.Info().Msg("webhook_duplicate")
		return res, nil
	}

	run := func(ctx context.Context) error {
		outcome, err := d.apply(ctx, g.Name(), evt, logger)
		res.Outcome = outcome
		return err
	}
	if d.Locker != nil {
		err = d.Locker.WithLock(ctx, d.Locker.Key("webhook", g.Name(), evt.EventID), d.LockTTL, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		logger.Error().Err(err).Msg("webhook_apply_failed")
		return res, err
	}
	return res, nil
}

func (d *Dispatcher) apply(ctx context.Context, gateway string, evt payment.WebhookEvent, logger zerolog.Logger) (Outcome, error) {
	record := ledger.AppliedEvent{Gateway: gateway, EventID: evt.EventID, Type: string(evt.Type), ReceivedAt: evt.ReceivedAt}

	if evt.Type == payment.EventIgnored || evt.Type == "" {
		applied, err := d.Ledger.MarkEventApplied(ctx, record)
		if err != nil {
			return "", err
		}
		if !applied {
			return OutcomeDuplicate, nil
		}
		logger.Info().Msg("webhook_ignored")
		return OutcomeIgnored, nil
	}

	outcome := OutcomeApplied
	applied, err := d.Ledger.ApplyEvent(ctx, record, func(ctx context.Context, w ledger.Writer) error {
		if evt.Type == payment.EventDisputeOpened {
			return w.InsertDispute(ctx, disputeFromEvent(gateway, evt))
		}
		update, err := statusUpdateFromEvent(evt)
		if err != nil {
			return err
		}
		if err := w.UpdateStatus(ctx, update); err != nil {
			if errors.Is(err, ledger.ErrStaleUpdate) {
				outcome = OutcomeStale
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !applied {
		logger.Info().Msg("webhook_duplicate")
		return OutcomeDuplicate, nil
	}
	if outcome == OutcomeStale {
		logger.Info().Time("occurred_at", evt.OccurredAt).Msg("webhook_stale")
		return outcome, nil
	}
	logger.Info().Str("transaction_id", evt.TransactionID).Msg("webhook_applied")
	d.emit(ctx, evt, logger)
	return outcome, nil
}

func (d *Dispatcher) emit(ctx context.Context, evt payment.WebhookEvent, logger zerolog.Logger) {
	if d.Events == nil {
		return
	}
	topic := topicFor(evt.Type)
	if topic == "" || evt.TransactionID == "" {
		return
	}
	payload := map[string]any{
		"gateway":  evt.Gateway,
		"event_id": evt.EventID,
		"type":     string(evt.Type),
	}
	if evt.ErrorCode != "" {
		payload["error_code"] = evt.ErrorCode
	}
	if evt.Dispute != nil {
		payload["dispute_id"] = evt.Dispute.DisputeID
		payload["amount"] = evt.Dispute.Money.Amount.String()
		payload["currency"] = evt.Dispute.Money.Currency
	}
	if _, err := d.Events.Emit(ctx, topic, evt.TransactionID, payload); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("domain_event_failed")
	}
}

func topicFor(t payment.EventType) string {
	switch t {
	case payment.EventPaymentSucceeded:
		return events.TopicPaymentSucceeded
	case payment.EventPaymentFailed:
		return events.TopicPaymentFailed
	case payment.EventPaymentRequiresAction:
		return events.TopicPaymentRequiresAction
	case payment.EventDisputeOpened:
		return events.TopicDisputeOpened
	default:
		return ""
	}
}

func statusUpdateFromEvent(evt payment.WebhookEvent) (ledger.StatusUpdate, error) {
	update := ledger.StatusUpdate{
		TransactionID: evt.TransactionID,
		RawPayload:    evt.Object,
		ObservedAt:    evt.OccurredAt,
		Source:        ledger.SourceWebhook,
	}
	if update.ObservedAt.IsZero() {
		update.ObservedAt = evt.ReceivedAt
	}
	switch evt.Type {
	case payment.EventPaymentSucceeded:
		update.Status = payment.StatusSuccess
	case payment.EventPaymentFailed:
		update.Status = payment.StatusFailed
		update.ErrorCode = evt.ErrorCode
		update.ErrorMessage = evt.ErrorMessage
	case payment.EventPaymentRequiresAction:
		update.Status = payment.StatusRequiresAction
		if evt.ClientAction != nil {
			action, err := json.Marshal(evt.ClientAction)
			if err != nil {
				return ledger.StatusUpdate{}, err
			}
			update.ActionPayload = action
		}
	default:
		return ledger.StatusUpdate{}, payment.ErrInvalid
	}
	return update, nil
}

func disputeFromEvent(gateway string, evt payment.WebhookEvent) ledger.Dispute {
	d := ledger.Dispute{Gateway: gateway, TransactionID: evt.TransactionID}
	if evt.Dispute != nil {
		d.DisputeID = evt.Dispute.DisputeID
		d.TransactionID = evt.Dispute.TransactionID
		d.Money = evt.Dispute.Money
		d.Reason = evt.Dispute.Reason
		d.Status = evt.Dispute.Status
		d.EvidenceDueBy = evt.Dispute.EvidenceDueBy
	}
	if d.DisputeID == "" {
		d.DisputeID = evt.EventID
	}
	return d
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrUnknownGateway):
		return "unknown_gateway"
	case errors.Is(err, payment.ErrVerification):
		return "invalid_signature"
	case errors.Is(err, payment.ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
