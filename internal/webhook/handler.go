package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/payment"
)

// Handler exposes the dispatcher as POST /webhooks/{gateway}. Any answer other
// than 2xx makes the processor redeliver.
type Handler struct {
	Dispatcher *Dispatcher
}

// Routes mounts the webhook endpoint.
func (h Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{gateway}", h.Handle)
}

// Handle reads the raw body before anything else touches it.
func (h Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Dispatcher == nil || h.Dispatcher.Ledger == nil || h.Dispatcher.Gateways == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "WEBHOOK_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	res, err := h.Dispatcher.Dispatch(r.Context(), chi.URLParam(r, "gateway"), body, r.Header)
	if err != nil {
		status, code, message := classify(err)
		common.JSONError(w, status, code, message, nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"event_id": res.Event.EventID,
		"result":   string(res.Outcome),
	})
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrUnknownGateway):
		return http.StatusNotFound, "GATEWAY_NOT_SUPPORTED", "unknown gateway"
	case errors.Is(err, payment.ErrVerification):
		return http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed"
	case errors.Is(err, payment.ErrMalformedEvent):
		return http.StatusBadRequest, "MALFORMED_EVENT", "event payload could not be parsed"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "TRANSACTION_NOT_FOUND", "transaction not recorded yet"
	default:
		return http.StatusInternalServerError, "LEDGER_ERROR", "event was not applied"
	}
}
