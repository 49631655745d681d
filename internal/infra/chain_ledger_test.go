package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-loan-ledger/internal/domain"
)

func testRecord(op domain.EventType, id uint64) domain.OperationRecord {
	return domain.OperationRecord{
		Operation:      op,
		EntityType:     domain.EntityPayment,
		EntityID:       id,
		Actor:          "0xborrower",
		CiphertextRefs: []string{"0xabc"},
		Timestamp:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestChainLedger_SubmitAndConfirm(t *testing.T) {
	l := NewChainLedger(5 * time.Millisecond)
	defer l.Close()

	ctx := context.Background()
	ref, err := l.Submit(ctx, testRecord(domain.EventPaymentMade, 1))
	require.NoError(t, err)
	assert.Len(t, common.FromHex(string(ref)), common.HashLength)

	conf, err := l.Confirm(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmationConfirmed, conf.Status)
	assert.Equal(t, ref, conf.TxRef)
	assert.Equal(t, uint64(1), conf.BlockNumber)
	assert.Greater(t, conf.GasUsed, uint64(baseGas))
	require.NoError(t, l.Verify())
}

func TestChainLedger_SameRecordGetsDistinctRefs(t *testing.T) {
	l := NewChainLedger(time.Hour)
	defer l.Close()

	ctx := context.Background()
	a, err := l.Submit(ctx, testRecord(domain.EventPaymentMade, 1))
	require.NoError(t, err)
	b, err := l.Submit(ctx, testRecord(domain.EventPaymentMade, 1))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestChainLedger_RejectRule(t *testing.T) {
	l := NewChainLedger(5*time.Millisecond, WithRejectRule(func(r domain.OperationRecord) string {
		if r.EntityID == 2 {
			return "execution reverted"
		}
		return ""
	}))
	defer l.Close()

	ctx := context.Background()
	ok, err := l.Submit(ctx, testRecord(domain.EventPaymentMade, 1))
	require.NoError(t, err)
	bad, err := l.Submit(ctx, testRecord(domain.EventPaymentMade, 2))
	require.NoError(t, err)

	conf, err := l.Confirm(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmationFailed, conf.Status)
	assert.Equal(t, "execution reverted", conf.Reason)

	conf, err = l.Confirm(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmationConfirmed, conf.Status)
}

func TestChainLedger_MultipleWaiters(t *testing.T) {
	l := NewChainLedger(5 * time.Millisecond)
	defer l.Close()

	ctx := context.Background()
	ref, err := l.Submit(ctx, testRecord(domain.EventLoanCreated, 7))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]domain.Confirmation, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conf, err := l.Confirm(ctx, ref)
			assert.NoError(t, err)
			results[i] = conf
		}(i)
	}
	wg.Wait()

	for _, conf := range results {
		assert.Equal(t, results[0], conf)
	}
}

func TestChainLedger_ConfirmHonorsContext(t *testing.T) {
	l := NewChainLedger(time.Hour)
	defer l.Close()

	ref, err := l.Submit(context.Background(), testRecord(domain.EventPaymentMade, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Confirm(ctx, ref)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChainLedger_ConfirmUnknownTx(t *testing.T) {
	l := NewChainLedger(time.Hour)
	defer l.Close()

	_, err := l.Confirm(context.Background(), domain.TxRef("0xdead"))
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestChainLedger_CloseSealsPending(t *testing.T) {
	l := NewChainLedger(time.Hour)

	ctx := context.Background()
	ref, err := l.Submit(ctx, testRecord(domain.EventPaymentMade, 1))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	conf, err := l.Confirm(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmationConfirmed, conf.Status)

	_, err = l.Submit(ctx, testRecord(domain.EventPaymentMade, 2))
	assert.ErrorIs(t, err, ErrLedgerClosed)
}

func TestChainLedger_VerifyDetectsTampering(t *testing.T) {
	l := NewChainLedger(time.Hour)

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		_, err := l.Submit(ctx, testRecord(domain.EventPaymentMade, i))
		require.NoError(t, err)
		l.seal()
	}
	require.NoError(t, l.Close())
	require.Len(t, l.Blocks(), 3)
	require.NoError(t, l.Verify())

	l.mu.Lock()
	l.blocks[1].ParentHash = common.Hash{}
	l.mu.Unlock()

	assert.ErrorIs(t, l.Verify(), ErrChainBroken)
}
