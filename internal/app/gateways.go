package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/config"
	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/resilience"
)

// BuildManager registers the adapters named in GATEWAY_ORDER, in that order.
// Each adapter gets its own circuit breaker.
func BuildManager(cfg *config.Config, logger zerolog.Logger) (*payment.Manager, error) {
	if len(cfg.ZeroDecimalCurrencies) > 0 {
		money.UseTable(money.NewTable("env", cfg.ZeroDecimalCurrencies))
	}

	gateways := make([]payment.Gateway, 0, len(cfg.GatewayOrder))
	for _, name := range cfg.GatewayOrder {
		transport := payment.TransportConfig{
			Timeout: cfg.GatewayTimeout,
			Breaker: resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenDuration).
				WithLogger(logger.With().Str("gateway", name).Logger()),
		}
		switch name {
		case payment.StripeName:
			g, err := payment.NewStripe(payment.StripeConfig{
				SecretKey:     cfg.StripeSecretKey,
				WebhookSecret: cfg.StripeWebhookSecret,
				BaseURL:       cfg.StripeBaseURL,
				APIVersion:    cfg.StripeAPIVersion,
				Currencies:    cfg.StripeCurrencies,
				Methods:       methodKinds(cfg.StripeMethods),
				Transport:     transport,
			})
			if err != nil {
				return nil, err
			}
			gateways = append(gateways, g)
		case payment.XenditName:
			g, err := payment.NewXendit(payment.XenditConfig{
				SecretKey:     cfg.XenditSecretKey,
				CallbackToken: cfg.XenditWebhookSecret,
				BaseURL:       cfg.XenditBaseURL,
				Currencies:    cfg.XenditCurrencies,
				Methods:       methodKinds(cfg.XenditMethods),
				Transport:     transport,
			})
			if err != nil {
				return nil, err
			}
			gateways = append(gateways, g)
		default:
			return nil, fmt.Errorf("unknown gateway %q", name)
		}
	}
	return payment.NewManager(logger, gateways...)
}

func methodKinds(values []string) []payment.MethodKind {
	out := make([]payment.MethodKind, 0, len(values))
	for _, v := range values {
		out = append(out, payment.ParseMethodKind(v))
	}
	return out
}
