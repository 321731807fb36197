package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/paygate/internal/api"
	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/events"
	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/payment"
)

type stubGateway struct {
	mu         sync.Mutex
	name       string
	currencies []string
	result     payment.PaymentResult
	chargeErr  error
	charges    []payment.PaymentRequest
	refunds    []payment.RefundRequest
	status     payment.Status
}

func (g *stubGateway) Name() string         { return g.name }
func (g *stubGateway) Currencies() []string { return g.currencies }
func (g *stubGateway) Supports(currency string, method payment.MethodKind) bool {
	if method != payment.MethodCard {
		return false
	}
	for _, c := range g.currencies {
		if c == money.Normalize(currency) {
			return true
		}
	}
	return false
}
func (g *stubGateway) Charge(ctx context.Context, req payment.PaymentRequest) (payment.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if g.chargeErr != nil {
		return payment.PaymentResult{}, g.chargeErr
	}
	res := g.result
	res.Money = req.Money
	res.Reference = req.Reference
	res.ObservedAt = time.Now()
	return res, nil
}
func (g *stubGateway) Refund(ctx context.Context, req payment.RefundRequest) (payment.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req)
	// the same idempotency key yields the same processor refund
	return payment.PaymentResult{Status: payment.StatusSuccess, TransactionID: req.TransactionID, RefundID: "re_" + req.Reference, Money: req.Money, ObservedAt: time.Now()}, nil
}
func (g *stubGateway) GetStatus(ctx context.Context, id string) (payment.PaymentResult, error) {
	return payment.PaymentResult{TransactionID: id, Status: g.status}, nil
}
func (g *stubGateway) HealthCheck(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}
func (g *stubGateway) SignatureHeader() string                    { return "X-Test-Signature" }
func (g *stubGateway) VerifyWebhookSignature([]byte, string) bool { return false }
func (g *stubGateway) ParseWebhookEvent([]byte) (payment.WebhookEvent, error) {
	return payment.WebhookEvent{}, payment.ErrMalformedEvent
}

type recordingReconciler struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingReconciler) Enqueue(ctx context.Context, gateway, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, gateway+":"+transactionID)
	return nil
}

type env struct {
	gw      *stubGateway
	ledger  *ledger.Memory
	rec     *recordingReconciler
	handler *api.Handler
	router  http.Handler
}

func newEnv(t *testing.T, result payment.PaymentResult, writes ...func(http.Handler) http.Handler) *env {
	t.Helper()
	gw := &stubGateway{name: "stripe", currencies: []string{"USD", "JPY"}, result: result, status: payment.StatusSuccess}
	mgr, err := payment.NewManager(zerolog.Nop(), gw)
	require.NoError(t, err)
	mem := ledger.NewMemory()
	rec := &recordingReconciler{}
	svc := api.NewService(mgr, mem, rec, &events.Bus{Store: mem}, nil, zerolog.Nop())
	h := &api.Handler{Svc: svc, Writes: writes}
	r := chi.NewRouter()
	h.Routes(r)
	return &env{gw: gw, ledger: mem, rec: rec, handler: h, router: r}
}

func (e *env) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Data
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) common.ErrorBody {
	t.Helper()
	var body struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

const chargeBody = `{"amount":"19.99","currency":"usd","method":"card","payment_method":"pm_card_visa","reference":"order-1"}`

func TestCreatePaymentRecordsLedgerRow(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{Status: payment.StatusSuccess, TransactionID: "pi_1"})

	rr := e.do(t, http.MethodPost, "/api/v1/payments", chargeBody, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	data := decodeData(t, rr)
	require.Equal(t, "stripe", data["gateway"])
	require.Equal(t, "success", data["status"])

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSuccess, txn.Status)
	require.Equal(t, "USD", txn.Money.Currency)
	require.True(t, txn.Money.Amount.Equal(decimal.RequireFromString("19.99")))
	require.Equal(t, ledger.SourceCharge, txn.StatusSource)
	require.Empty(t, e.rec.calls)
}

func TestCreatePaymentSchedulesReconcileForUnsettledResult(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{
		Status:        payment.StatusRequiresAction,
		TransactionID: "pi_3ds",
		ClientAction:  &payment.ClientAction{Type: "redirect", RedirectURL: "https://hooks.example/3ds"},
	})

	rr := e.do(t, http.MethodPost, "/api/v1/payments", chargeBody, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, []string{"stripe:pi_3ds"}, e.rec.calls)

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_3ds")
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"redirect","redirect_url":"https://hooks.example/3ds"}`, string(txn.ActionPayload))
}

func TestCreatePaymentDeclineIsPaymentRequired(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{Status: payment.StatusFailed, TransactionID: "pi_declined", ErrorCode: "insufficient_funds"})

	rr := e.do(t, http.MethodPost, "/api/v1/payments", chargeBody, nil)
	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	require.Equal(t, "insufficient_funds", decodeData(t, rr)["error_code"])

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_declined")
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, txn.Status)
	require.Equal(t, "insufficient_funds", txn.ErrorCode)
}

func TestCreatePaymentErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing fields", `{"amount":"1.00"}`, nil, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"negative amount", `{"amount":"-1","currency":"USD","method":"card","reference":"r"}`, nil, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"unsupported currency", `{"amount":"1.00","currency":"EUR","method":"card","reference":"r"}`, nil, http.StatusUnprocessableEntity, "UNSUPPORTED_PAYMENT"},
		{"unsupported method", `{"amount":"1.00","currency":"USD","method":"ewallet","reference":"r"}`, nil, http.StatusUnprocessableEntity, "UNSUPPORTED_PAYMENT"},
		{"transport", chargeBody, &payment.Error{Kind: payment.KindTransport, Message: "timeout"}, http.StatusBadGateway, "GATEWAY_UNAVAILABLE"},
		{"auth", chargeBody, &payment.Error{Kind: payment.KindAuth, Message: "invalid api key"}, http.StatusInternalServerError, "GATEWAY_MISCONFIGURED"},
		{"invalid", chargeBody, &payment.Error{Kind: payment.KindInvalid, Message: "bad card"}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, payment.PaymentResult{Status: payment.StatusSuccess, TransactionID: "pi_x"})
			e.gw.chargeErr = tc.err
			rr := e.do(t, http.MethodPost, "/api/v1/payments", tc.body, nil)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			require.Equal(t, tc.code, decodeError(t, rr).Code)
			require.NotContains(t, rr.Body.String(), "sk_")
		})
	}
}

func TestCreatePaymentRejectsOutOfRangeAmount(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{Status: payment.StatusSuccess, TransactionID: "pi_big"})
	for _, amount := range []string{"92233720368547758.08", "100000000000000000000"} {
		body := `{"amount":"` + amount + `","currency":"USD","method":"card","reference":"order-big"}`
		rr := e.do(t, http.MethodPost, "/api/v1/payments", body, nil)
		require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		require.Equal(t, "VALIDATION_FAILED", decodeError(t, rr).Code)
	}
	require.Empty(t, e.gw.charges)

	rr := e.do(t, http.MethodPost, "/api/v1/payments", `{"amount":"92233720368547758.07","currency":"USD","method":"card","reference":"order-max"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestCreatePaymentUsesIdempotencyKeyAsReference(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{Status: payment.StatusSuccess, TransactionID: "pi_1"})
	body := `{"amount":"500","currency":"JPY","method":"card"}`

	rr := e.do(t, http.MethodPost, "/api/v1/payments", body, map[string]string{"Idempotency-Key": "cart-77"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, e.gw.charges, 1)
	require.Equal(t, "cart-77", e.gw.charges[0].Reference)
}

func TestCreatePaymentReplaysWithIdempotencyMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	idem := common.Idem{R: client, TTL: time.Hour}
	e := newEnv(t, payment.PaymentResult{Status: payment.StatusSuccess, TransactionID: "pi_1"}, idem.Middleware)

	headers := map[string]string{"Idempotency-Key": "order-1"}
	first := e.do(t, http.MethodPost, "/api/v1/payments", chargeBody, headers)
	second := e.do(t, http.MethodPost, "/api/v1/payments", chargeBody, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.Len(t, e.gw.charges, 1)
}

func seedPayment(t *testing.T, e *env, id string) {
	t.Helper()
	require.NoError(t, e.ledger.RecordTransaction(context.Background(), ledger.Transaction{
		Gateway:                "stripe",
		ProcessorTransactionID: id,
		Reference:              "order-" + id,
		Money:                  money.New(decimal.RequireFromString("10.00"), "USD"),
		Method:                 payment.MethodCard,
		Status:                 payment.StatusSuccess,
		StatusObservedAt:       time.Now().Add(-time.Minute),
	}))
}

func TestCreateRefundFull(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{})
	seedPayment(t, e, "pi_paid")

	rr := e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"reason":"duplicate"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, e.gw.refunds, 1)
	require.Equal(t, "stripe", e.gw.refunds[0].Gateway)
	require.False(t, e.gw.refunds[0].Money.IsPositive())
	require.Equal(t, payment.RefundDuplicate, e.gw.refunds[0].Reason)
	require.NotEmpty(t, e.gw.refunds[0].Reference)

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_paid")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, txn.Status)
	require.Equal(t, ledger.SourceRefund, txn.StatusSource)

	evts := e.ledger.Events()
	require.Len(t, evts, 1)
	require.Equal(t, events.TopicPaymentRefunded, evts[0].Topic)
	require.Equal(t, "pi_paid", evts[0].AggregateID)

	again := e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{}`, nil)
	require.Equal(t, http.StatusConflict, again.Code)
	require.Equal(t, "ALREADY_REFUNDED", decodeError(t, again).Code)
}

func TestCreateRefundPartialKeepsStatus(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{})
	seedPayment(t, e, "pi_paid")

	rr := e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"2.50"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, int64(250), e.gw.refunds[0].Money.Minor())
	require.Equal(t, payment.RefundCustomerRequest, e.gw.refunds[0].Reason)

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_paid")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSuccess, txn.Status)
}

func TestCreateRefundValidation(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{})
	seedPayment(t, e, "pi_paid")

	rr := e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"10.01"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"92233720368547758.08"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "VALIDATION_FAILED", decodeError(t, rr).Code)

	rr = e.do(t, http.MethodPost, "/api/v1/payments/pi_unknown/refunds", `{}`, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "TRANSACTION_NOT_FOUND", decodeError(t, rr).Code)
	require.Empty(t, e.gw.refunds)
}

func TestCreateRefundRetryReusesDerivedReference(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{})
	seedPayment(t, e, "pi_paid")

	for i := 0; i < 2; i++ {
		rr := e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"2.50","reason":"duplicate"}`, nil)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}
	require.Len(t, e.gw.refunds, 2)
	require.Equal(t, e.gw.refunds[0].Reference, e.gw.refunds[1].Reference)
	require.True(t, strings.HasPrefix(e.gw.refunds[0].Reference, "rf_"))

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_paid")
	require.NoError(t, err)
	require.True(t, txn.RefundedAmount.Equal(decimal.RequireFromString("2.50")))
	require.Len(t, e.ledger.Events(), 1)

	rr := e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"2.50","reason":"fraudulent"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NotEqual(t, e.gw.refunds[0].Reference, e.gw.refunds[2].Reference)

	rr = e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"2.50"}`, map[string]string{"Idempotency-Key": "refund-9"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "refund-9", e.gw.refunds[3].Reference)
}

func TestCreateRefundCeilingCountsEarlierRefunds(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{})
	seedPayment(t, e, "pi_paid")

	rr := e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"6.00","reference":"rf-a"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"5.00","reference":"rf-b"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	require.Equal(t, "VALIDATION_FAILED", decodeError(t, rr).Code)
	require.Len(t, e.gw.refunds, 1)

	rr = e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"4.00","reference":"rf-c"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.False(t, e.gw.refunds[1].Money.IsPositive())

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_paid")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, txn.Status)
	require.True(t, txn.Refundable().IsZero())

	rr = e.do(t, http.MethodPost, "/api/v1/payments/pi_paid/refunds", `{"amount":"0.01","reference":"rf-d"}`, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetPaymentIsReadOnly(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{})
	seedPayment(t, e, "pi_paid")
	e.gw.status = payment.StatusFailed

	rr := e.do(t, http.MethodGet, "/api/v1/payments/pi_paid", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeData(t, rr)
	require.Equal(t, "failed", data["status"])
	require.Equal(t, "success", data["ledger_status"])
	require.Equal(t, "stripe", data["gateway"])

	txn, err := e.ledger.FindByProcessorTransactionID(context.Background(), "pi_paid")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSuccess, txn.Status)

	rr = e.do(t, http.MethodGet, "/api/v1/payments/pi_other", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodGet, "/api/v1/payments/pi_other?gateway=stripe", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestCurrencies(t *testing.T) {
	e := newEnv(t, payment.PaymentResult{})
	rr := e.do(t, http.MethodGet, "/api/v1/currencies", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"data":["JPY","USD"]}`, rr.Body.String())
}

func TestRateLimit(t *testing.T) {
	mw, err := api.RateLimit(memory.NewStore(), "1-M")
	require.NoError(t, err)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/currencies", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	require.Equal(t, http.StatusOK, send().Code)
	limited := send()
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "RATE_LIMITED", decodeError(t, limited).Code)

	_, err = api.RateLimit(memory.NewStore(), "nonsense")
	require.Error(t, err)
}
