package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/obs"
)

// Manager holds gateways in registration order. Selection is first match, so
// the order gateways are registered in is part of the routing contract.
type Manager struct {
	gateways []Gateway
	byName   map[string]Gateway
	logger   zerolog.Logger
}

// NewManager registers gateways in the given order.
func NewManager(logger zerolog.Logger, gateways ...Gateway) (*Manager, error) {
	m := &Manager{byName: make(map[string]Gateway, len(gateways)), logger: logger.With().Str("component", "payment.manager").Logger()}
	for _, g := range gateways {
		if err := m.Register(g); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register appends a gateway. Names must be unique.
func (m *Manager) Register(g Gateway) error {
	if g == nil {
		return configError("", "nil gateway")
	}
	name := strings.ToLower(strings.TrimSpace(g.Name()))
	if name == "" {
		return configError("", "gateway name is required")
	}
	if _, exists := m.byName[name]; exists {
		return configError(name, "gateway registered twice")
	}
	m.gateways = append(m.gateways, g)
	m.byName[name] = g
	return nil
}

// Gateways returns the registered gateways in selection order.
func (m *Manager) Gateways() []Gateway {
	out := make([]Gateway, len(m.gateways))
	copy(out, m.gateways)
	return out
}

// Gateway looks a gateway up by name.
func (m *Manager) Gateway(name string) (Gateway, bool) {
	g, ok := m.byName[strings.ToLower(strings.TrimSpace(name))]
	return g, ok
}

// SelectGateway returns the first gateway supporting the combination. It never
// performs I/O.
func (m *Manager) SelectGateway(currency string, method MethodKind) (Gateway, error) {
	for _, g := range m.gateways {
		if g.Supports(currency, method) {
			return g, nil
		}
	}
	return nil, unsupportedError("", money.Normalize(currency), method)
}

// Charge routes the request to the first capable gateway.
func (m *Manager) Charge(ctx context.Context, req PaymentRequest) (result PaymentResult, err error) {
	ctx, span := otel.Tracer("payment.Manager").Start(ctx, "Manager.Charge")
	gatewayName := "none"
	defer func() {
		statusLabel := string(result.Status)
		if err != nil {
			statusLabel = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "charge failed")
		}
		span.SetAttributes(
			attribute.String("payment.gateway", gatewayName),
			attribute.String("payment.reference", req.Reference),
			attribute.String("payment.status", statusLabel),
		)
		span.End()
		if obs.PaymentChargeTotal != nil {
			obs.PaymentChargeTotal.WithLabelValues(gatewayName, statusLabel).Inc()
		}
	}()

	req.Money.Currency = money.Normalize(req.Money.Currency)
	g, err := m.SelectGateway(req.Money.Currency, req.Method)
	if err != nil {
		return PaymentResult{}, err
	}
	gatewayName = g.Name()
	result, err = g.Charge(ctx, req)
	if err != nil {
		m.logger.Warn().Err(err).Str("gateway", gatewayName).Str("reference", req.Reference).Msg("charge_error")
		return PaymentResult{}, withGateway(gatewayName, err)
	}
	result.Gateway = gatewayName
	m.logger.Info().
		Str("gateway", gatewayName).
		Str("reference", req.Reference).
		Str("transaction_id", result.TransactionID).
		Str("status", string(result.Status)).
		Str("error_code", result.ErrorCode).
		Msg("charge_completed")
	return result, nil
}

// Refund routes to the gateway named in the request, or the first registered one.
func (m *Manager) Refund(ctx context.Context, req RefundRequest) (result PaymentResult, err error) {
	ctx, span := otel.Tracer("payment.Manager").Start(ctx, "Manager.Refund")
	gatewayName := "none"
	defer func() {
		statusLabel := string(result.Status)
		if err != nil {
			statusLabel = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "refund failed")
		}
		span.SetAttributes(attribute.String("payment.gateway", gatewayName), attribute.String("payment.status", statusLabel))
		span.End()
		if obs.PaymentRefundTotal != nil {
			obs.PaymentRefundTotal.WithLabelValues(gatewayName, statusLabel).Inc()
		}
	}()

	g, err := m.resolve(req.Gateway)
	if err != nil {
		return PaymentResult{}, err
	}
	gatewayName = g.Name()
	req.Reason = MapRefundReason(string(req.Reason))
	result, err = g.Refund(ctx, req)
	if err != nil {
		return PaymentResult{}, withGateway(gatewayName, err)
	}
	result.Gateway = gatewayName
	m.logger.Info().
		Str("gateway", gatewayName).
		Str("transaction_id", req.TransactionID).
		Str("refund_id", result.RefundID).
		Str("status", string(result.Status)).
		Msg("refund_completed")
	return result, nil
}

// GetStatus reads the processor's view of a transaction. It never writes.
func (m *Manager) GetStatus(ctx context.Context, gateway, transactionID string) (PaymentResult, error) {
	g, err := m.resolve(gateway)
	if err != nil {
		return PaymentResult{}, err
	}
	result, err := g.GetStatus(ctx, transactionID)
	if err != nil {
		return PaymentResult{}, withGateway(g.Name(), err)
	}
	result.Gateway = g.Name()
	return result, nil
}

// ListSupportedCurrencies returns the sorted union of every gateway's currencies.
func (m *Manager) ListSupportedCurrencies() []string {
	set := map[string]struct{}{}
	for _, g := range m.gateways {
		for _, c := range g.Currencies() {
			set[money.Normalize(c)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HealthReport is the outcome of one gateway health probe.
type HealthReport struct {
	Gateway       string `json:"gateway"`
	Healthy       bool   `json:"healthy"`
	LatencyMillis int64  `json:"latency_ms"`
	Circuit       string `json:"circuit,omitempty"`
	Error         string `json:"error,omitempty"`
}

// circuitReporter is implemented by adapters that sit behind a breaker.
type circuitReporter interface {
	CircuitState() string
}

// HealthCheck probes every gateway, in registration order.
func (m *Manager) HealthCheck(ctx context.Context, timeout time.Duration) []HealthReport {
	reports := make([]HealthReport, 0, len(m.gateways))
	for _, g := range m.gateways {
		probeCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			probeCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		latency, err := g.HealthCheck(probeCtx)
		cancel()
		report := HealthReport{Gateway: g.Name(), Healthy: err == nil, LatencyMillis: latency.Milliseconds()}
		if err != nil {
			report.Error = err.Error()
		}
		if cr, ok := g.(circuitReporter); ok {
			report.Circuit = cr.CircuitState()
		}
		reports = append(reports, report)
	}
	return reports
}

func (m *Manager) resolve(name string) (Gateway, error) {
	if strings.TrimSpace(name) == "" {
		if len(m.gateways) == 0 {
			return nil, configError("", "no gateways registered")
		}
		return m.gateways[0], nil
	}
	g, ok := m.Gateway(name)
	if !ok {
		return nil, &Error{Kind: KindUnsupported, Gateway: name, Op: "select", Code: "unknown_gateway", Message: fmt.Sprintf("gateway %q is not registered", name)}
	}
	return g, nil
}

// IsUnsupported reports whether err is an unsupported combination error.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
