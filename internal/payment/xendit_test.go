package payment_test

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/payment"
)

const testCallbackToken = "xnd_callback_token"

func newTestXendit(t *testing.T, handler http.HandlerFunc) *payment.Xendit {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	gw, err := payment.NewXendit(payment.XenditConfig{
		SecretKey:     "xnd_development_key",
		CallbackToken: testCallbackToken,
		BaseURL:       srv.URL,
		Transport:     payment.TransportConfig{RootCAs: pool, Timeout: 2 * time.Second},
	})
	require.NoError(t, err)
	return gw
}

func TestNewXenditDefaults(t *testing.T) {
	gw, err := payment.NewXendit(payment.XenditConfig{SecretKey: "k", CallbackToken: "t"})
	require.NoError(t, err)
	require.Equal(t, []string{"IDR", "PHP"}, gw.Currencies())
	require.True(t, gw.Supports("idr", payment.MethodEWallet))
	require.False(t, gw.Supports("USD", payment.MethodEWallet))
	require.False(t, gw.Supports("IDR", payment.MethodBankTransfer))

	_, err = payment.NewXendit(payment.XenditConfig{SecretKey: "k"})
	require.ErrorIs(t, err, payment.ErrConfiguration)
}

func TestXenditChargeOpensInvoice(t *testing.T) {
	gw := newTestXendit(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/invoices", r.URL.Path)
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "xnd_development_key", user)
		require.Equal(t, "booking-7", r.Header.Get("X-IDEMPOTENCY-KEY"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "booking-7", body["external_id"])
		require.EqualValues(t, 150000, body["amount"])
		require.Equal(t, "IDR", body["currency"])
		require.Contains(t, body["payment_methods"], "OVO")

		writeJSON(w, http.StatusOK, `{"id":"inv_1","external_id":"booking-7","status":"PENDING","amount":150000,"currency":"IDR","invoice_url":"https://checkout.xendit.co/web/inv_1"}`)
	})

	result, err := gw.Charge(context.Background(), payment.PaymentRequest{
		Money:     money.New(decimal.NewFromInt(150000), "IDR"),
		Method:    payment.MethodEWallet,
		Reference: "booking-7",
	})
	require.NoError(t, err)
	require.Equal(t, payment.StatusRequiresAction, result.Status)
	require.Equal(t, "inv_1", result.TransactionID)
	require.NotNil(t, result.ClientAction)
	require.Equal(t, "https://checkout.xendit.co/web/inv_1", result.ClientAction.RedirectURL)
	require.True(t, result.Money.Amount.Equal(decimal.NewFromInt(150000)))
}

func TestXenditChargeRequiresReference(t *testing.T) {
	gw := newTestXendit(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := gw.Charge(context.Background(), payment.PaymentRequest{
		Money:  money.New(decimal.NewFromInt(1000), "IDR"),
		Method: payment.MethodVirtualAccount,
	})
	require.ErrorIs(t, err, payment.ErrInvalid)
}

func TestXenditChargeCarriesInvoiceTime(t *testing.T) {
	gw := newTestXendit(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"inv_2","external_id":"booking-8","status":"PENDING","amount":1000,"currency":"IDR","updated":"2024-06-01T12:00:00.000Z"}`)
	})
	result, err := gw.Charge(context.Background(), payment.PaymentRequest{
		Money:     money.New(decimal.NewFromInt(1000), "IDR"),
		Method:    payment.MethodEWallet,
		Reference: "booking-8",
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), result.ObservedAt)

	_, err = gw.Charge(context.Background(), payment.PaymentRequest{
		Money:     money.New(decimal.RequireFromString("100000000000000000000"), "IDR"),
		Method:    payment.MethodEWallet,
		Reference: "booking-9",
	})
	require.ErrorIs(t, err, payment.ErrInvalid)
}

func TestXenditErrorsAreClassified(t *testing.T) {
	gw := newTestXendit(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error_code":"REQUEST_FORBIDDEN_ERROR","message":"The API key is forbidden"}`)
	})
	_, err := gw.Charge(context.Background(), payment.PaymentRequest{
		Money:     money.New(decimal.NewFromInt(1000), "IDR"),
		Method:    payment.MethodCard,
		Reference: "r",
	})
	require.ErrorIs(t, err, payment.ErrAuth)
	require.Equal(t, payment.KindAuth, payment.KindOf(err))
}

func TestXenditRefund(t *testing.T) {
	gw := newTestXendit(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/refunds", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "inv_1", body["invoice_id"])
		require.Equal(t, "DUPLICATE", body["reason"])
		require.NotContains(t, body, "amount")
		writeJSON(w, http.StatusOK, `{"id":"rfd_1","status":"PENDING","amount":150000,"currency":"IDR"}`)
	})

	result, err := gw.Refund(context.Background(), payment.RefundRequest{TransactionID: "inv_1", Reason: payment.RefundDuplicate})
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, result.Status)
	require.Equal(t, "rfd_1", result.RefundID)
}

func TestXenditGetStatus(t *testing.T) {
	gw := newTestXendit(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/invoices/inv_9", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"id":"inv_9","external_id":"b-9","status":"EXPIRED","amount":5000,"currency":"PHP"}`)
	})
	result, err := gw.GetStatus(context.Background(), "inv_9")
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, result.Status)
	require.Equal(t, "expired", result.ErrorCode)
	require.Equal(t, "b-9", result.Reference)
}

func TestXenditWebhook(t *testing.T) {
	gw, err := payment.NewXendit(payment.XenditConfig{SecretKey: "k", CallbackToken: testCallbackToken})
	require.NoError(t, err)

	body := []byte(`{"id":"inv_1","external_id":"booking-7","status":"PAID","amount":150000,"currency":"IDR","updated":"2024-05-01T10:00:00Z"}`)
	signature := payment.ComputeSignature(testCallbackToken, body)
	require.Equal(t, "x-callback-signature", gw.SignatureHeader())
	require.True(t, gw.VerifyWebhookSignature(body, signature))
	require.False(t, gw.VerifyWebhookSignature(body, payment.ComputeSignature("other", body)))
	require.False(t, gw.VerifyWebhookSignature(body, ""))

	evt, err := gw.ParseWebhookEvent(body)
	require.NoError(t, err)
	require.Equal(t, "inv_1:PAID", evt.EventID)
	require.Equal(t, payment.EventPaymentSucceeded, evt.Type)
	require.Equal(t, "invoice.paid", evt.NativeType)
	require.Equal(t, "inv_1", evt.TransactionID)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), evt.OccurredAt)

	evt, err = gw.ParseWebhookEvent([]byte(`{"id":"inv_2","status":"EXPIRED"}`))
	require.NoError(t, err)
	require.Equal(t, payment.EventPaymentFailed, evt.Type)
	require.Equal(t, "expired", evt.ErrorCode)

	evt, err = gw.ParseWebhookEvent([]byte(`{"id":"inv_3","status":"PENDING"}`))
	require.NoError(t, err)
	require.Equal(t, payment.EventIgnored, evt.Type)

	_, err = gw.ParseWebhookEvent([]byte(`{"status":"PAID"}`))
	require.ErrorIs(t, err, payment.ErrMalformedEvent)
}
