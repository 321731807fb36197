package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/resilience"
)

// XenditName is the registered name of the invoice adapter.
const XenditName = "xendit"

const xenditDefaultBaseURL = "https://api.xendit.co"

// XenditConfig configures the regional wallet and virtual account adapter.
type XenditConfig struct {
	SecretKey     string
	CallbackToken string
	BaseURL       string
	Currencies    []string
	Methods       []MethodKind
	Transport     TransportConfig
}

// Xendit implements Gateway over the invoices API. Amounts travel in major
// units on this API, so no minor unit conversion happens here.
type Xendit struct {
	secretKey     string
	callbackToken string
	baseURL       string
	currencies    map[string]struct{}
	methods       map[MethodKind][]string
	http          resilience.HTTPClient
	now           func() time.Time
}

var xenditChannels = map[MethodKind][]string{
	MethodCard:           {"CREDIT_CARD"},
	MethodEWallet:        {"OVO", "DANA", "SHOPEEPAY", "LINKAJA"},
	MethodVirtualAccount: {"BCA", "BNI", "BRI", "MANDIRI", "PERMATA"},
}

// NewXendit validates configuration eagerly.
func NewXendit(cfg XenditConfig) (*Xendit, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, configError(XenditName, "secret key is required")
	}
	if strings.TrimSpace(cfg.CallbackToken) == "" {
		return nil, configError(XenditName, "callback token is required")
	}
	baseURL, err := httpsBaseURL(cfg.BaseURL, xenditDefaultBaseURL)
	if err != nil {
		return nil, configError(XenditName, err.Error())
	}
	currencies := cfg.Currencies
	if len(currencies) == 0 {
		currencies = []string{"IDR", "PHP"}
	}
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = []MethodKind{MethodEWallet, MethodVirtualAccount, MethodCard}
	}
	x := &Xendit{
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		callbackToken: strings.TrimSpace(cfg.CallbackToken),
		baseURL:       baseURL,
		currencies:    currencySet(currencies),
		methods:       make(map[MethodKind][]string, len(methods)),
		http:          newHTTPClient(XenditName, cfg.Transport),
		now:           time.Now,
	}
	for _, m := range methods {
		channels, ok := xenditChannels[m]
		if !ok {
			return nil, configError(XenditName, "unsupported method "+string(m))
		}
		x.methods[m] = channels
	}
	return x, nil
}

func (x *Xendit) Name() string { return XenditName }

func (x *Xendit) CircuitState() string { return x.http.Breaker.State().String() }

func (x *Xendit) Currencies() []string { return sortedKeys(x.currencies) }

func (x *Xendit) Supports(currency string, method MethodKind) bool {
	if _, ok := x.currencies[money.Normalize(currency)]; !ok {
		return false
	}
	_, ok := x.methods[method]
	return ok
}

func (x *Xendit) SignatureHeader() string { return "x-callback-signature" }

// VerifyWebhookSignature compares the hex HMAC of the raw body with the header.
func (x *Xendit) VerifyWebhookSignature(rawBody []byte, header string) bool {
	provided := strings.TrimSpace(header)
	if x.callbackToken == "" || provided == "" {
		return false
	}
	expected := ComputeSignature(x.callbackToken, rawBody)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

type xenditInvoiceRequest struct {
	ExternalID         string            `json:"external_id"`
	Amount             json.Number       `json:"amount"`
	Currency           string            `json:"currency"`
	PayerEmail         string            `json:"payer_email,omitempty"`
	Description        string            `json:"description,omitempty"`
	PaymentMethods     []string          `json:"payment_methods,omitempty"`
	SuccessRedirectURL string            `json:"success_redirect_url,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type xenditInvoice struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	InvoiceURL  string          `json:"invoice_url"`
	FailureCode string          `json:"failure_code"`
	Updated     string          `json:"updated"`
}

type xenditRefundRequest struct {
	InvoiceID   string      `json:"invoice_id"`
	ReferenceID string      `json:"reference_id"`
	Amount      json.Number `json:"amount,omitempty"`
	Currency    string      `json:"currency,omitempty"`
	Reason      string      `json:"reason"`
}

type xenditRefund struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	FailureCode string          `json:"failure_code"`
	Updated     string          `json:"updated"`
}

// Charge opens an invoice. The customer completes it on the hosted page, so a
// fresh invoice comes back as requires_action with a redirect.
func (x *Xendit) Charge(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	ctx, span := otel.Tracer("payment.Xendit").Start(ctx, "Xendit.Charge")
	defer span.End()

	if !x.Supports(req.Money.Currency, req.Method) {
		return PaymentResult{}, unsupportedError(XenditName, req.Money.Currency, req.Method)
	}
	if !req.Money.IsPositive() {
		return PaymentResult{}, invalidError(XenditName, "charge", "amount must be positive")
	}
	if _, err := req.Money.MinorChecked(); err != nil {
		return PaymentResult{}, invalidError(XenditName, "charge", "amount is out of range")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return PaymentResult{}, invalidError(XenditName, "charge", "reference is required")
	}
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["reference"] = req.Reference
	body := xenditInvoiceRequest{
		ExternalID:         req.Reference,
		Amount:             json.Number(req.Money.Amount.String()),
		Currency:           money.Normalize(req.Money.Currency),
		PayerEmail:         req.CustomerEmail,
		Description:        req.Description,
		PaymentMethods:     x.methods[req.Method],
		SuccessRedirectURL: req.ReturnURL,
		Metadata:           metadata,
	}
	resp, err := x.call(ctx, "charge", http.MethodPost, "/v2/invoices", body, req.Reference)
	if err != nil {
		span.RecordError(err)
		return PaymentResult{}, err
	}
	if !resp.ok() {
		code, message := parseXenditError(resp.body)
		return PaymentResult{}, processorFailure(XenditName, "charge", resp.status, code, message)
	}
	var inv xenditInvoice
	if err := json.Unmarshal(resp.body, &inv); err != nil {
		return PaymentResult{}, newError(KindTransport, XenditName, "charge", "invalid_response", "unreadable processor response", err)
	}
	result := x.resultFromInvoice(inv, resp.body)
	result.Reference = req.Reference
	if result.Status == StatusPending && inv.InvoiceURL != "" {
		result.Status = StatusRequiresAction
		result.ClientAction = &ClientAction{Type: "redirect_to_url", RedirectURL: inv.InvoiceURL}
	}
	span.SetAttributes(attribute.String("payment.status", string(result.Status)))
	return result, nil
}

func (x *Xendit) Refund(ctx context.Context, req RefundRequest) (PaymentResult, error) {
	ctx, span := otel.Tracer("payment.Xendit").Start(ctx, "Xendit.Refund")
	defer span.End()

	if strings.TrimSpace(req.TransactionID) == "" {
		return PaymentResult{}, invalidError(XenditName, "refund", "transaction id is required")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = uuid.NewString()
	}
	body := xenditRefundRequest{
		InvoiceID:   req.TransactionID,
		ReferenceID: reference,
		Reason:      xenditRefundReason(req.Reason),
	}
	if req.Money.IsPositive() {
		if _, err := req.Money.MinorChecked(); err != nil {
			return PaymentResult{}, invalidError(XenditName, "refund", "amount is out of range")
		}
		body.Amount = json.Number(req.Money.Amount.String())
		body.Currency = money.Normalize(req.Money.Currency)
	}
	resp, err := x.call(ctx, "refund", http.MethodPost, "/refunds", body, reference)
	if err != nil {
		span.RecordError(err)
		return PaymentResult{}, err
	}
	if !resp.ok() {
		code, message := parseXenditError(resp.body)
		return PaymentResult{}, processorFailure(XenditName, "refund", resp.status, code, message)
	}
	var refund xenditRefund
	if err := json.Unmarshal(resp.body, &refund); err != nil {
		return PaymentResult{}, newError(KindTransport, XenditName, "refund", "invalid_response", "unreadable processor response", err)
	}
	result := PaymentResult{
		Gateway:       XenditName,
		Status:        mapXenditRefundStatus(refund.Status),
		TransactionID: req.TransactionID,
		RefundID:      refund.ID,
		Reference:     req.Reference,
		RawResponse:   resp.body,
		Money:         money.New(refund.Amount, refund.Currency),
		ObservedAt:    rfc3339Or(refund.Updated, x.now()),
	}
	if result.Status == StatusFailed {
		result.ErrorCode = valueOr(strings.ToLower(refund.FailureCode), "refund_failed")
		result.ErrorMessage = "refund was not completed by the processor"
	}
	return result, nil
}

func (x *Xendit) GetStatus(ctx context.Context, transactionID string) (PaymentResult, error) {
	ctx, span := otel.Tracer("payment.Xendit").Start(ctx, "Xendit.GetStatus")
	defer span.End()

	if strings.TrimSpace(transactionID) == "" {
		return PaymentResult{}, invalidError(XenditName, "get_status", "transaction id is required")
	}
	resp, err := x.call(ctx, "get_status", http.MethodGet, "/v2/invoices/"+url.PathEscape(transactionID), nil, "")
	if err != nil {
		return PaymentResult{}, err
	}
	if !resp.ok() {
		code, message := parseXenditError(resp.body)
		return PaymentResult{}, processorFailure(XenditName, "get_status", resp.status, code, message)
	}
	var inv xenditInvoice
	if err := json.Unmarshal(resp.body, &inv); err != nil {
		return PaymentResult{}, newError(KindTransport, XenditName, "get_status", "invalid_response", "unreadable processor response", err)
	}
	return x.resultFromInvoice(inv, resp.body), nil
}

func (x *Xendit) HealthCheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := x.call(ctx, "health", http.MethodGet, "/balance", nil, "")
	if err != nil {
		return 0, err
	}
	if !resp.ok() {
		code, message := parseXenditError(resp.body)
		return 0, processorFailure(XenditName, "health", resp.status, code, message)
	}
	return time.Since(start), nil
}

// ParseWebhookEvent decodes an invoice callback. Callbacks carry no event id,
// so invoice id plus status identifies one delivery.
func (x *Xendit) ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var inv xenditInvoice
	if err := json.Unmarshal(rawBody, &inv); err != nil {
		return WebhookEvent{}, malformedEvent(XenditName, err)
	}
	if strings.TrimSpace(inv.ID) == "" || strings.TrimSpace(inv.Status) == "" {
		return WebhookEvent{}, malformedEvent(XenditName, nil)
	}
	status := strings.ToUpper(strings.TrimSpace(inv.Status))
	out := WebhookEvent{
		Gateway:       XenditName,
		EventID:       inv.ID + ":" + status,
		Type:          EventIgnored,
		NativeType:    "invoice." + strings.ToLower(status),
		Object:        json.RawMessage(rawBody),
		ReceivedAt:    x.now().UTC(),
		TransactionID: inv.ID,
	}
	if strings.TrimSpace(inv.Updated) != "" {
		out.OccurredAt = rfc3339Or(inv.Updated, time.Time{})
	}
	switch mapXenditStatus(status) {
	case StatusSuccess:
		out.Type = EventPaymentSucceeded
	case StatusFailed:
		out.Type = EventPaymentFailed
		out.ErrorCode = valueOr(strings.ToLower(inv.FailureCode), strings.ToLower(status))
		out.ErrorMessage = "invoice " + strings.ToLower(status)
	}
	return out, nil
}

func (x *Xendit) call(ctx context.Context, op, method, path string, payload any, idempotencyKey string) (apiResponse, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return apiResponse{}, invalidError(XenditName, op, "encode request")
		}
		body = bytes.NewReader(data)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, x.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, x.baseURL+path, nil)
	}
	if err != nil {
		return apiResponse{}, newError(KindConfiguration, XenditName, op, "", "build request", err)
	}
	req.SetBasicAuth(x.secretKey, "")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-IDEMPOTENCY-KEY", idempotencyKey)
	}
	return send(ctx, x.http, XenditName, op, req)
}

func (x *Xendit) resultFromInvoice(inv xenditInvoice, raw []byte) PaymentResult {
	result := PaymentResult{
		Gateway:       XenditName,
		Status:        mapXenditStatus(inv.Status),
		TransactionID: inv.ID,
		Reference:     inv.ExternalID,
		RawResponse:   raw,
		Money:         money.New(inv.Amount, inv.Currency),
		ObservedAt:    rfc3339Or(inv.Updated, x.now()),
	}
	if result.Status == StatusFailed {
		result.ErrorCode = valueOr(strings.ToLower(inv.FailureCode), strings.ToLower(inv.Status))
		result.ErrorMessage = "invoice " + strings.ToLower(inv.Status)
	}
	return result
}

func mapXenditStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "SETTLED":
		return StatusSuccess
	case "PENDING":
		return StatusPending
	case "EXPIRED", "FAILED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func mapXenditRefundStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCEEDED":
		return StatusSuccess
	case "FAILED", "CANCELLED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func xenditRefundReason(reason RefundReason) string {
	switch MapRefundReason(string(reason)) {
	case RefundDuplicate:
		return "DUPLICATE"
	case RefundFraudulent:
		return "FRAUDULENT"
	case RefundOther, RefundProcessingError:
		return "OTHERS"
	default:
		return "REQUESTED_BY_CUSTOMER"
	}
}

func parseXenditError(body []byte) (code, message string) {
	var payload struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	return strings.ToLower(payload.ErrorCode), payload.Message
}
