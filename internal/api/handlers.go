package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/payment"
)

// Handler exposes the facade under /api/v1.
type Handler struct {
	Svc *Service
	// Writes wraps the charge and refund endpoints, typically with the
	// idempotency middleware.
	Writes []func(http.Handler) http.Handler
}

// Routes mounts the facade endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/currencies", h.Currencies)
		r.Get("/payments/{transactionId}", h.GetPayment)
		r.Group(func(r chi.Router) {
			for _, mw := range h.Writes {
				r.Use(mw)
			}
			r.Post("/payments", h.CreatePayment)
			r.Post("/payments/{transactionId}/refunds", h.CreateRefund)
		})
	})
}

// CreatePayment charges through the first capable gateway. A processor
// decline answers 402 with the normalized result.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	var payload ChargeInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if strings.TrimSpace(payload.Reference) == "" {
		payload.Reference = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	out, err := h.Svc.Charge(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if out.Status == payment.StatusFailed {
		status = http.StatusPaymentRequired
	}
	common.Data(w, status, out)
}

// CreateRefund refunds a recorded payment in full or in part.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	var payload RefundInput
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
	}
	if strings.TrimSpace(payload.Reference) == "" {
		payload.Reference = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	out, err := h.Svc.Refund(r.Context(), chi.URLParam(r, "transactionId"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if out.Status == payment.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	common.Data(w, status, out)
}

// GetPayment returns the processor's current view of a payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	out, err := h.Svc.Status(r.Context(), chi.URLParam(r, "transactionId"), r.URL.Query().Get("gateway"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, out)
}

// Currencies lists accepted currencies.
func (h *Handler) Currencies(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	common.Data(w, http.StatusOK, h.Svc.Currencies())
}

func writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		code := appErr.Code
		if code == "" {
			code = "BAD_REQUEST"
		}
		common.JSONError(w, status, code, appErr.Message, appErr.Details)
		return
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", fields)
		return
	}
	if errors.Is(err, ledger.ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "TRANSACTION_NOT_FOUND", "transaction not found", nil)
		return
	}

	var pe *payment.Error
	if errors.As(err, &pe) {
		details := map[string]any{"gateway": pe.Gateway}
		if pe.Code != "" {
			details["code"] = pe.Code
		}
		switch pe.Kind {
		case payment.KindUnsupported:
			common.JSONError(w, http.StatusUnprocessableEntity, "UNSUPPORTED_PAYMENT", pe.Message, details)
		case payment.KindInvalid:
			common.JSONError(w, http.StatusBadRequest, "INVALID_REQUEST", pe.Message, details)
		case payment.KindTransport:
			common.JSONError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment processor unavailable", details)
		case payment.KindAuth, payment.KindConfiguration:
			common.JSONError(w, http.StatusInternalServerError, "GATEWAY_MISCONFIGURED", "payment gateway misconfigured", nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment failed", nil)
		}
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
