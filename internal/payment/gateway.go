package payment

import (
	"context"
	"time"
)

// Gateway is the capability contract every processor adapter implements.
type Gateway interface {
	// Name is the stable identifier used for routing and webhook paths.
	Name() string
	// Currencies lists the ISO codes the adapter is configured for.
	Currencies() []string
	// Supports is pure and performs no I/O.
	Supports(currency string, method MethodKind) bool
	Charge(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentResult, error)
	GetStatus(ctx context.Context, transactionID string) (PaymentResult, error)
	// HealthCheck performs a cheap authenticated call and returns its latency.
	HealthCheck(ctx context.Context) (time.Duration, error)
	// SignatureHeader names the inbound header carrying the webhook signature.
	SignatureHeader() string
	// VerifyWebhookSignature must run before the body is decoded.
	VerifyWebhookSignature(rawBody []byte, header string) bool
	// ParseWebhookEvent maps unknown event types to EventIgnored without error.
	ParseWebhookEvent(rawBody []byte) (WebhookEvent, error)
}
