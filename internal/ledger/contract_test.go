package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/money"
	"github.com/noah-isme/paygate/internal/payment"
)

// runLedgerContract exercises behaviour every Ledger implementation shares.
func runLedgerContract(t *testing.T, newLedger func(t *testing.T) ledger.Ledger) {
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := func(t *testing.T, l ledger.Ledger) string {
		id := "pi_" + uuid.NewString()
		require.NoError(t, l.RecordTransaction(ctx, ledger.Transaction{
			Gateway:                "stripe",
			ProcessorTransactionID: id,
			Reference:              "ref-" + id,
			Money:                  money.New(decimal.RequireFromString("19.99"), "usd"),
			Method:                 payment.MethodCard,
			Status:                 payment.StatusPending,
			StatusObservedAt:       base,
		}))
		return id
	}

	t.Run("record and find", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		txn, err := l.FindByProcessorTransactionID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, payment.StatusPending, txn.Status)
		require.Equal(t, "USD", txn.Money.Currency)
		require.True(t, txn.Money.Amount.Equal(decimal.RequireFromString("19.99")))
		require.NotEmpty(t, txn.ID)

		err = l.RecordTransaction(ctx, ledger.Transaction{Gateway: "stripe", ProcessorTransactionID: id, Money: txn.Money, Method: payment.MethodCard, Status: payment.StatusPending})
		require.ErrorIs(t, err, ledger.ErrDuplicateTransaction)

		_, err = l.FindByProcessorTransactionID(ctx, "pi_missing_"+uuid.NewString())
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("older update loses", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		require.NoError(t, l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusSuccess, ObservedAt: base.Add(2 * time.Minute)}))
		err := l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusFailed, ErrorCode: "card_declined", ObservedAt: base.Add(time.Minute)})
		require.ErrorIs(t, err, ledger.ErrStaleUpdate)

		txn, err := l.FindByProcessorTransactionID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, payment.StatusSuccess, txn.Status)
		require.Empty(t, txn.ErrorCode)

		err = l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: "pi_nope_" + uuid.NewString(), Status: payment.StatusSuccess})
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("apply event once", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		evt := ledger.AppliedEvent{Gateway: "stripe", EventID: "evt_" + uuid.NewString(), Type: "payment_succeeded"}
		calls := 0
		apply := func(ctx context.Context, w ledger.Writer) error {
			calls++
			return w.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusSuccess, RawPayload: []byte(`{"id":"` + id + `"}`), ObservedAt: base.Add(time.Minute)})
		}
		applied, err := l.ApplyEvent(ctx, evt, apply)
		require.NoError(t, err)
		require.True(t, applied)
		applied, err = l.ApplyEvent(ctx, evt, apply)
		require.NoError(t, err)
		require.False(t, applied)
		require.Equal(t, 1, calls)

		seen, err := l.HasAppliedEvent(ctx, "stripe", evt.EventID)
		require.NoError(t, err)
		require.True(t, seen)
		seen, err = l.HasAppliedEvent(ctx, "xendit", evt.EventID)
		require.NoError(t, err)
		require.False(t, seen)

		txn, err := l.FindByProcessorTransactionID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, payment.StatusSuccess, txn.Status)
		require.JSONEq(t, `{"id":"`+id+`"}`, string(txn.RawPayload))
	})

	t.Run("failed application leaves no trace", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		evt := ledger.AppliedEvent{Gateway: "stripe", EventID: "evt_" + uuid.NewString()}
		boom := errors.New("boom")
		_, err := l.ApplyEvent(ctx, evt, func(ctx context.Context, w ledger.Writer) error {
			require.NoError(t, w.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusFailed, ObservedAt: base.Add(time.Minute)}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		seen, err := l.HasAppliedEvent(ctx, "stripe", evt.EventID)
		require.NoError(t, err)
		require.False(t, seen)
		txn, err := l.FindByProcessorTransactionID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, payment.StatusPending, txn.Status)

		applied, err := l.ApplyEvent(ctx, evt, func(context.Context, ledger.Writer) error { return nil })
		require.NoError(t, err)
		require.True(t, applied)
	})

	t.Run("concurrent duplicates apply once", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		evt := ledger.AppliedEvent{Gateway: "stripe", EventID: "evt_" + uuid.NewString()}
		var calls, wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				applied, err := l.ApplyEvent(ctx, evt, func(ctx context.Context, w ledger.Writer) error {
					atomic.AddInt32(&calls, 1)
					return w.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusSuccess, ObservedAt: base.Add(time.Minute)})
				})
				if err == nil && applied {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
		require.Equal(t, int32(1), atomic.LoadInt32(&wins))
	})

	t.Run("disputes are unique per gateway", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		due := base.Add(7 * 24 * time.Hour)
		d := ledger.Dispute{
			Gateway:       "stripe",
			DisputeID:     "dp_" + uuid.NewString(),
			TransactionID: id,
			Money:         money.New(decimal.NewFromInt(500000), "JPY"),
			Reason:        "fraudulent",
			Status:        "needs_response",
			EvidenceDueBy: &due,
		}
		require.NoError(t, l.InsertDispute(ctx, d))
		require.NoError(t, l.InsertDispute(ctx, d))

		disputes, err := l.ListDisputes(ctx, id)
		require.NoError(t, err)
		require.Len(t, disputes, 1)
		require.True(t, disputes[0].Money.Amount.Equal(decimal.NewFromInt(500000)))
		require.Equal(t, "JPY", disputes[0].Money.Currency)
		require.NotNil(t, disputes[0].EvidenceDueBy)
		require.True(t, disputes[0].EvidenceDueBy.Equal(due))
	})

	t.Run("stale listing skips settled transactions", func(t *testing.T) {
		l := newLedger(t)
		open := seed(t, l)
		settled := seed(t, l)
		require.NoError(t, l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: settled, Status: payment.StatusSuccess, ObservedAt: base.Add(time.Second)}))

		stale, err := l.ListStale(ctx, base.Add(time.Hour), 1000)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, txn := range stale {
			ids[txn.ProcessorTransactionID] = true
		}
		require.True(t, ids[open])
		require.False(t, ids[settled])

		stale, err = l.ListStale(ctx, base.Add(-time.Hour), 1000)
		require.NoError(t, err)
		for _, txn := range stale {
			require.NotEqual(t, open, txn.ProcessorTransactionID)
		}
	})

	t.Run("updates compare whole seconds", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		require.NoError(t, l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusRequiresAction, ObservedAt: base.Add(700 * time.Millisecond)}))
		require.NoError(t, l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusPending, ObservedAt: base.Add(100 * time.Millisecond)}))

		// a settled status replaces an open one even when stamped earlier
		require.NoError(t, l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusSuccess, ObservedAt: base.Add(-time.Minute)}))
		txn, err := l.FindByProcessorTransactionID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, payment.StatusSuccess, txn.Status)
		require.True(t, txn.StatusObservedAt.Equal(base.Add(700*time.Millisecond)))

		err = l.UpdateStatus(ctx, ledger.StatusUpdate{TransactionID: id, Status: payment.StatusRequiresAction, ObservedAt: base.Add(900 * time.Millisecond)})
		require.ErrorIs(t, err, ledger.ErrStaleUpdate)
		txn, err = l.FindByProcessorTransactionID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, payment.StatusSuccess, txn.Status)
	})

	t.Run("refunds accumulate once per refund id", func(t *testing.T) {
		l := newLedger(t)
		id := seed(t, l)
		first := ledger.Refund{
			Gateway:       "stripe",
			RefundID:      "re_" + uuid.NewString(),
			TransactionID: id,
			Money:         money.New(decimal.RequireFromString("5.00"), "USD"),
			Reference:     "rf-1",
		}
		txn, recorded, err := l.RecordRefund(ctx, first)
		require.NoError(t, err)
		require.True(t, recorded)
		require.True(t, txn.RefundedAmount.Equal(decimal.RequireFromString("5")))
		require.True(t, txn.Refundable().Equal(decimal.RequireFromString("14.99")))

		txn, recorded, err = l.RecordRefund(ctx, first)
		require.NoError(t, err)
		require.False(t, recorded)
		require.True(t, txn.RefundedAmount.Equal(decimal.RequireFromString("5")))

		second := first
		second.RefundID = "re_" + uuid.NewString()
		second.Money = money.New(decimal.RequireFromString("14.99"), "USD")
		txn, recorded, err = l.RecordRefund(ctx, second)
		require.NoError(t, err)
		require.True(t, recorded)
		require.True(t, txn.Refundable().IsZero())

		found, err := l.FindByProcessorTransactionID(ctx, id)
		require.NoError(t, err)
		require.True(t, found.RefundedAmount.Equal(decimal.RequireFromString("19.99")))

		missing := first
		missing.TransactionID = "pi_missing_" + uuid.NewString()
		_, _, err = l.RecordRefund(ctx, missing)
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})
}
