package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/payment"
)

type fakeProcessor struct {
	status payment.Status
	err    error
	calls  int
}

func (f *fakeProcessor) GetStatus(ctx context.Context, gateway, transactionID string) (payment.PaymentResult, error) {
	f.calls++
	if f.err != nil {
		return payment.PaymentResult{}, f.err
	}
	return payment.PaymentResult{Gateway: gateway, TransactionID: transactionID, Status: f.status}, nil
}

type fakeClient struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
	seen  map[string]bool
}

func (c *fakeClient) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if c.seen[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			c.seen[id] = true
		}
	}
	c.tasks = append(c.tasks, task)
	c.opts = append(c.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func seedLedger(t *testing.T, status payment.Status) *ledger.Memory {
	t.Helper()
	mem := ledger.NewMemory()
	require.NoError(t, mem.RecordTransaction(context.Background(), ledger.Transaction{
		Gateway:                "stripe",
		ProcessorTransactionID: "pi_1",
		Reference:              "order-1",
		Money:                  money.New(decimal.RequireFromString("10.00"), "USD"),
		Method:                 payment.MethodCard,
		Status:                 status,
		StatusObservedAt:       time.Now().Add(-time.Hour),
	}))
	return mem
}

func TestCheckInSync(t *testing.T) {
	mem := seedLedger(t, payment.StatusPending)
	h := Handler{Processor: &fakeProcessor{status: payment.StatusPending}, Ledger: mem, Logger: zerolog.Nop()}

	report, err := h.Check(context.Background(), "Stripe", "pi_1")
	require.NoError(t, err)
	require.False(t, report.Drift)
	require.Equal(t, "stripe", report.Gateway)
}

func TestCheckReportsDriftWithoutWriting(t *testing.T) {
	obs.MustRegisterDomainMetrics("paygate", prometheus.NewRegistry())
	mem := seedLedger(t, payment.StatusPending)
	h := Handler{Processor: &fakeProcessor{status: payment.StatusSuccess}, Ledger: mem, Logger: zerolog.Nop()}
	before := testutil.ToFloat64(obs.ReconcileDriftTotal.WithLabelValues("stripe"))

	report, err := h.Check(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	require.True(t, report.Drift)
	require.Equal(t, payment.StatusPending, report.LedgerStatus)
	require.Equal(t, payment.StatusSuccess, report.ProcessorStatus)
	require.Equal(t, before+1, testutil.ToFloat64(obs.ReconcileDriftTotal.WithLabelValues("stripe")))

	txn, err := mem.FindByProcessorTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, txn.Status)
}

func TestCheckRefundedMatchesSucceededPayment(t *testing.T) {
	require.False(t, drifted(ledger.StatusRefunded, payment.StatusSuccess))
	require.True(t, drifted(ledger.StatusRefunded, payment.StatusFailed))
	require.True(t, drifted(payment.StatusRequiresAction, payment.StatusPending))
}

func TestCheckUsesLedgerGatewayWhenMissing(t *testing.T) {
	mem := seedLedger(t, payment.StatusSuccess)
	h := Handler{Processor: &fakeProcessor{status: payment.StatusSuccess}, Ledger: mem, Logger: zerolog.Nop()}

	report, err := h.Check(context.Background(), "", "pi_1")
	require.NoError(t, err)
	require.Equal(t, "stripe", report.Gateway)
}

func TestProcessTaskSkipsRetryForUnknownTransaction(t *testing.T) {
	proc := &fakeProcessor{status: payment.StatusSuccess}
	h := Handler{Processor: proc, Ledger: ledger.NewMemory(), Logger: zerolog.Nop()}
	task, err := NewTask("stripe", "pi_missing")
	require.NoError(t, err)

	err = h.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.Zero(t, proc.calls)
}

func TestProcessTaskRetriesProcessorFailure(t *testing.T) {
	mem := seedLedger(t, payment.StatusPending)
	proc := &fakeProcessor{err: &payment.Error{Kind: payment.KindTransport, Message: "timeout"}}
	h := Handler{Processor: proc, Ledger: mem, Logger: zerolog.Nop()}
	task, err := NewTask("stripe", "pi_1")
	require.NoError(t, err)

	err = h.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, payment.ErrTransport)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessTaskRejectsMalformedPayload(t *testing.T) {
	h := Handler{Processor: &fakeProcessor{}, Ledger: ledger.NewMemory(), Logger: zerolog.Nop()}
	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestEnqueueCollapsesRepeats(t *testing.T) {
	client := &fakeClient{}
	e := Enqueuer{Client: client, Delay: 10 * time.Minute}

	require.NoError(t, e.Enqueue(context.Background(), "STRIPE", "pi_1"))
	require.NoError(t, e.Enqueue(context.Background(), "stripe", "pi_1"))
	require.Len(t, client.tasks, 1)

	task := client.tasks[0]
	require.Equal(t, TypeReconcile, task.Type())
	var p Payload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	require.Equal(t, Payload{Gateway: "stripe", TransactionID: "pi_1"}, p)

	var delay time.Duration
	for _, o := range client.opts[0] {
		if o.Type() == asynq.ProcessInOpt {
			delay = o.Value().(time.Duration)
		}
	}
	require.Equal(t, 10*time.Minute, delay)
}

func TestEnqueueValidates(t *testing.T) {
	require.Error(t, Enqueuer{}.Enqueue(context.Background(), "stripe", "pi_1"))
	require.Error(t, Enqueuer{Client: &fakeClient{}}.Enqueue(context.Background(), "", "pi_1"))
}

func TestSweepEnqueuesStaleRows(t *testing.T) {
	mem := seedLedger(t, payment.StatusRequiresAction)
	require.NoError(t, mem.RecordTransaction(context.Background(), ledger.Transaction{
		Gateway:                "xendit",
		ProcessorTransactionID: "inv_done",
		Money:                  money.New(decimal.RequireFromString("150000"), "IDR"),
		Method:                 payment.MethodEWallet,
		Status:                 payment.StatusSuccess,
		StatusObservedAt:       time.Now().Add(-time.Hour),
	}))
	client := &fakeClient{}
	s := Sweeper{Ledger: mem, Enqueuer: Enqueuer{Client: client}, Age: 30 * time.Minute, Logger: zerolog.Nop()}

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, client.tasks, 1)

	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
