package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/form"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/resilience"
)

// StripeName is the registered name of the card network adapter.
const StripeName = "stripe"

const stripeDefaultBaseURL = "https://api.stripe.com"

// StripeConfig configures the card adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	APIVersion    string
	Currencies    []string
	Methods       []MethodKind
	Transport     TransportConfig
}

// Stripe talks to the processor's REST API with form-encoded bodies.
type Stripe struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	apiVersion    string
	currencies    map[string]struct{}
	methods       map[MethodKind]string
	http          resilience.HTTPClient
	now           func() time.Time
}

var stripeMethodTypes = map[MethodKind]string{
	MethodCard: "card",
}

// NewStripe validates configuration eagerly so missing credentials fail at startup.
func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, configError(StripeName, "secret key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, configError(StripeName, "webhook secret is required")
	}
	baseURL, err := httpsBaseURL(cfg.BaseURL, stripeDefaultBaseURL)
	if err != nil {
		return nil, configError(StripeName, err.Error())
	}
	if len(cfg.Currencies) == 0 {
		return nil, configError(StripeName, "at least one currency is required")
	}
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = []MethodKind{MethodCard}
	}
	s := &Stripe{
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		baseURL:       baseURL,
		apiVersion:    valueOr(cfg.APIVersion, stripe.APIVersion),
		currencies:    currencySet(cfg.Currencies),
		methods:       make(map[MethodKind]string, len(methods)),
		http:          newHTTPClient(StripeName, cfg.Transport),
		now:           time.Now,
	}
	for _, m := range methods {
		native, ok := stripeMethodTypes[m]
		if !ok {
			return nil, configError(StripeName, "unsupported method "+string(m))
		}
		s.methods[m] = native
	}
	return s, nil
}

func (s *Stripe) Name() string { return StripeName }

// CircuitState reports the state of the breaker guarding this adapter.
func (s *Stripe) CircuitState() string { return s.http.Breaker.State().String() }

func (s *Stripe) Currencies() []string { return sortedKeys(s.currencies) }

func (s *Stripe) Supports(currency string, method MethodKind) bool {
	if _, ok := s.currencies[money.Normalize(currency)]; !ok {
		return false
	}
	_, ok := s.methods[method]
	return ok
}

func (s *Stripe) SignatureHeader() string { return "Stripe-Signature" }

func (s *Stripe) VerifyWebhookSignature(rawBody []byte, header string) bool {
	return VerifySignature(s.webhookSecret, rawBody, header)
}

// Charge creates and confirms a payment intent in one call.
func (s *Stripe) Charge(ctx context.Context, req PaymentRequest) (result PaymentResult, err error) {
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.Charge")
	defer func() {
		span.SetAttributes(
			attribute.String("payment.currency", req.Money.Currency),
			attribute.String("payment.status", string(result.Status)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "charge failed")
		}
		span.End()
	}()

	if !s.Supports(req.Money.Currency, req.Method) {
		return PaymentResult{}, unsupportedError(StripeName, req.Money.Currency, req.Method)
	}
	if !req.Money.IsPositive() {
		return PaymentResult{}, invalidError(StripeName, "charge", "amount must be positive")
	}

	minor, err := req.Money.MinorChecked()
	if err != nil {
		return PaymentResult{}, invalidError(StripeName, "charge", "amount is out of range")
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(minor),
		Currency:           stripe.String(strings.ToLower(money.Normalize(req.Money.Currency))),
		Confirm:            stripe.Bool(true),
		PaymentMethodTypes: []*string{stripe.String(s.methods[req.Method])},
	}
	if pm := strings.TrimSpace(req.PaymentMethod); pm != "" {
		params.PaymentMethod = stripe.String(pm)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}
	if req.ReturnURL != "" {
		params.ReturnURL = stripe.String(req.ReturnURL)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.Reference != "" {
		params.AddMetadata("reference", req.Reference)
	}

	values := &form.Values{}
	form.AppendTo(values, params)
	resp, err := s.call(ctx, "charge", http.MethodPost, "/v1/payment_intents", values, req.Reference)
	if err != nil {
		return PaymentResult{}, err
	}
	if !resp.ok() {
		return s.declineOrError("charge", resp, req.Money, req.Reference)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(resp.body, &intent); err != nil {
		return PaymentResult{}, newError(KindTransport, StripeName, "charge", "invalid_response", "unreadable processor response", err)
	}
	result = s.resultFromIntent(&intent, resp.body)
	if result.Reference == "" {
		result.Reference = req.Reference
	}
	return result, nil
}

// Refund returns all or part of a payment intent. A zero amount refunds in full.
func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (result PaymentResult, err error) {
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.Refund")
	defer func() {
		span.SetAttributes(attribute.String("payment.transaction_id", req.TransactionID))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "refund failed")
		}
		span.End()
	}()

	if strings.TrimSpace(req.TransactionID) == "" {
		return PaymentResult{}, invalidError(StripeName, "refund", "transaction id is required")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Reason:        stripe.String(stripeRefundReason(req.Reason)),
	}
	if req.Money.IsPositive() {
		minor, err := req.Money.MinorChecked()
		if err != nil {
			return PaymentResult{}, invalidError(StripeName, "refund", "amount is out of range")
		}
		params.Amount = stripe.Int64(minor)
	}
	key := strings.TrimSpace(req.Reference)
	if key != "" {
		params.AddMetadata("reference", key)
	} else {
		key = uuid.NewString()
	}

	values := &form.Values{}
	form.AppendTo(values, params)
	resp, err := s.call(ctx, "refund", http.MethodPost, "/v1/refunds", values, key)
	if err != nil {
		return PaymentResult{}, err
	}
	if !resp.ok() {
		result, err = s.declineOrError("refund", resp, req.Money, req.Reference)
		result.TransactionID = req.TransactionID
		return result, err
	}
	var refund stripe.Refund
	if err := json.Unmarshal(resp.body, &refund); err != nil {
		return PaymentResult{}, newError(KindTransport, StripeName, "refund", "invalid_response", "unreadable processor response", err)
	}
	var extra struct {
		FailureReason string `json:"failure_reason"`
	}
	_ = json.Unmarshal(resp.body, &extra)

	result = PaymentResult{
		Gateway:       StripeName,
		Status:        mapStripeRefundStatus(string(refund.Status)),
		TransactionID: req.TransactionID,
		RefundID:      refund.ID,
		Reference:     req.Reference,
		RawResponse:   resp.body,
		Money:         money.FromMinor(refund.Amount, string(refund.Currency)),
		ObservedAt:    unixOr(refund.Created, s.now()),
	}
	if result.Status == StatusFailed {
		result.ErrorCode = valueOr(extra.FailureReason, "refund_failed")
		result.ErrorMessage = "refund was not completed by the processor"
	}
	return result, nil
}

// GetStatus reads the current state of a payment intent.
func (s *Stripe) GetStatus(ctx context.Context, transactionID string) (PaymentResult, error) {
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.GetStatus")
	defer span.End()

	if strings.TrimSpace(transactionID) == "" {
		return PaymentResult{}, invalidError(StripeName, "get_status", "transaction id is required")
	}
	resp, err := s.call(ctx, "get_status", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(transactionID), nil, "")
	if err != nil {
		span.RecordError(err)
		return PaymentResult{}, err
	}
	if !resp.ok() {
		code, message := parseStripeError(resp.body)
		return PaymentResult{}, processorFailure(StripeName, "get_status", resp.status, code, message)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(resp.body, &intent); err != nil {
		return PaymentResult{}, newError(KindTransport, StripeName, "get_status", "invalid_response", "unreadable processor response", err)
	}
	return s.resultFromIntent(&intent, resp.body), nil
}

// HealthCheck reads the account balance, the cheapest authenticated call.
func (s *Stripe) HealthCheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := s.call(ctx, "health", http.MethodGet, "/v1/balance", nil, "")
	if err != nil {
		return 0, err
	}
	if !resp.ok() {
		code, message := parseStripeError(resp.body)
		return 0, processorFailure(StripeName, "health", resp.status, code, message)
	}
	return time.Since(start), nil
}

func (s *Stripe) call(ctx context.Context, op, method, path string, values *form.Values, idempotencyKey string) (apiResponse, error) {
	var body io.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return apiResponse{}, newError(KindConfiguration, StripeName, op, "", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", s.apiVersion)
	req.Header.Set("Accept", "application/json")
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return send(ctx, s.http, StripeName, op, req)
}

// stripeRefundDeclines are refund rejections that describe the payment, not the transport.
var stripeRefundDeclines = map[string]struct{}{
	"charge_already_refunded": {},
	"charge_disputed":         {},
	"amount_too_large":        {},
}

// declineOrError separates business declines (a failed result) from transport
// and authentication failures (an error).
func (s *Stripe) declineOrError(op string, resp apiResponse, requested money.Money, reference string) (PaymentResult, error) {
	apiErr := decodeStripeError(resp.body)
	if apiErr != nil {
		_, refundDecline := stripeRefundDeclines[string(apiErr.Code)]
		if resp.status == http.StatusPaymentRequired || apiErr.Type == stripe.ErrorTypeCard || (op == "refund" && refundDecline) {
			result := PaymentResult{
				Gateway:      StripeName,
				Status:       StatusFailed,
				Reference:    reference,
				RawResponse:  resp.body,
				Money:        requested,
				ErrorCode:    valueOr(string(apiErr.DeclineCode), string(apiErr.Code)),
				ErrorMessage: valueOr(apiErr.Msg, "payment was declined"),
				ObservedAt:   s.now().UTC(),
			}
			if apiErr.PaymentIntent != nil {
				result.TransactionID = apiErr.PaymentIntent.ID
				result.ObservedAt = unixOr(apiErr.PaymentIntent.Created, s.now())
			}
			return result, nil
		}
		return PaymentResult{}, processorFailure(StripeName, op, resp.status, string(apiErr.Code), apiErr.Msg)
	}
	return PaymentResult{}, processorFailure(StripeName, op, resp.status, "", "")
}

func (s *Stripe) resultFromIntent(intent *stripe.PaymentIntent, raw []byte) PaymentResult {
	result := PaymentResult{
		Gateway:       StripeName,
		Status:        mapStripeIntentStatus(string(intent.Status)),
		TransactionID: intent.ID,
		Reference:     intent.Metadata["reference"],
		RawResponse:   raw,
		Money:         money.FromMinor(intent.Amount, string(intent.Currency)),
		ObservedAt:    unixOr(intent.Created, s.now()),
	}
	if intent.LastPaymentError != nil && intent.Status == stripe.PaymentIntentStatusRequiresPaymentMethod {
		result.Status = StatusFailed
		result.ErrorCode = valueOr(string(intent.LastPaymentError.DeclineCode), string(intent.LastPaymentError.Code))
		result.ErrorMessage = valueOr(intent.LastPaymentError.Msg, "payment was declined")
	}
	if intent.Status == stripe.PaymentIntentStatusCanceled {
		result.ErrorCode = "canceled"
		result.ErrorMessage = "payment was canceled"
	}
	if result.Status == StatusRequiresAction {
		result.ClientAction = stripeClientAction(raw, intent.ClientSecret)
	}
	return result
}

// ParseWebhookEvent maps processor event names onto the normalized vocabulary.
func (s *Stripe) ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return WebhookEvent{}, malformedEvent(StripeName, err)
	}
	if strings.TrimSpace(evt.ID) == "" {
		return WebhookEvent{}, malformedEvent(StripeName, nil)
	}
	out := WebhookEvent{
		Gateway:    StripeName,
		EventID:    evt.ID,
		Type:       EventIgnored,
		NativeType: string(evt.Type),
		ReceivedAt: s.now().UTC(),
	}
	if evt.Created > 0 {
		out.OccurredAt = time.Unix(evt.Created, 0).UTC()
	}
	if evt.Data != nil {
		out.Object = evt.Data.Raw
	}

	switch out.NativeType {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.requires_action":
		if len(out.Object) == 0 {
			return WebhookEvent{}, malformedEvent(StripeName, nil)
		}
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(out.Object, &intent); err != nil {
			return WebhookEvent{}, malformedEvent(StripeName, err)
		}
		out.TransactionID = intent.ID
		switch out.NativeType {
		case "payment_intent.succeeded":
			out.Type = EventPaymentSucceeded
		case "payment_intent.requires_action":
			out.Type = EventPaymentRequiresAction
			out.ClientAction = stripeClientAction(out.Object, intent.ClientSecret)
		default:
			out.Type = EventPaymentFailed
			if intent.LastPaymentError != nil {
				out.ErrorCode = valueOr(string(intent.LastPaymentError.DeclineCode), string(intent.LastPaymentError.Code))
				out.ErrorMessage = intent.LastPaymentError.Msg
			}
			if out.NativeType == "payment_intent.canceled" {
				out.ErrorCode = valueOr(out.ErrorCode, "canceled")
				out.ErrorMessage = valueOr(out.ErrorMessage, "payment was canceled")
			}
		}
	case "charge.dispute.created":
		if len(out.Object) == 0 {
			return WebhookEvent{}, malformedEvent(StripeName, nil)
		}
		var dispute stripe.Dispute
		if err := json.Unmarshal(out.Object, &dispute); err != nil {
			return WebhookEvent{}, malformedEvent(StripeName, err)
		}
		d := &Dispute{
			DisputeID: dispute.ID,
			Money:     money.FromMinor(dispute.Amount, string(dispute.Currency)),
			Reason:    string(dispute.Reason),
			Status:    string(dispute.Status),
		}
		switch {
		case dispute.PaymentIntent != nil && dispute.PaymentIntent.ID != "":
			d.TransactionID = dispute.PaymentIntent.ID
		case dispute.Charge != nil:
			d.TransactionID = dispute.Charge.ID
		}
		if dispute.EvidenceDetails != nil && dispute.EvidenceDetails.DueBy > 0 {
			due := time.Unix(dispute.EvidenceDetails.DueBy, 0).UTC()
			d.EvidenceDueBy = &due
		}
		out.Type = EventDisputeOpened
		out.TransactionID = d.TransactionID
		out.Dispute = d
	}
	return out, nil
}

func mapStripeIntentStatus(native string) Status {
	switch stripe.PaymentIntentStatus(native) {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSuccess
	case stripe.PaymentIntentStatusRequiresAction:
		return StatusRequiresAction
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusProcessing:
		return StatusPending
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func mapStripeRefundStatus(native string) Status {
	switch stripe.RefundStatus(native) {
	case stripe.RefundStatusSucceeded:
		return StatusSuccess
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		return StatusPending
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func stripeRefundReason(reason RefundReason) string {
	switch MapRefundReason(string(reason)) {
	case RefundDuplicate:
		return string(stripe.RefundReasonDuplicate)
	case RefundFraudulent:
		return string(stripe.RefundReasonFraudulent)
	default:
		return string(stripe.RefundReasonRequestedByCustomer)
	}
}

func stripeClientAction(raw []byte, clientSecret string) *ClientAction {
	var envelope struct {
		NextAction json.RawMessage `json:"next_action"`
	}
	_ = json.Unmarshal(raw, &envelope)
	action := &ClientAction{Type: "use_stripe_sdk", ClientSecret: clientSecret, Raw: envelope.NextAction}
	var next struct {
		Type          string `json:"type"`
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	}
	if len(envelope.NextAction) > 0 && json.Unmarshal(envelope.NextAction, &next) == nil {
		action.Type = valueOr(next.Type, action.Type)
		if next.RedirectToURL != nil {
			action.RedirectURL = next.RedirectToURL.URL
		}
	}
	return action
}

func decodeStripeError(body []byte) *stripe.Error {
	var envelope struct {
		Error *stripe.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	return envelope.Error
}

func parseStripeError(body []byte) (code, message string) {
	if apiErr := decodeStripeError(body); apiErr != nil {
		return string(apiErr.Code), apiErr.Msg
	}
	return "", ""
}
