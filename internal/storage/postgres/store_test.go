package postgres

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airdrop/internal/ledger"
	"airdrop/internal/model"
)

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	eventA    = model.EventID{BlockNumber: 100, TxHash: common.HexToHash("0xabc"), LogIndex: 0}
	eventB    = model.EventID{BlockNumber: 100, TxHash: common.HexToHash("0xabd"), LogIndex: 3}
)

func TestLedger_Lifecycle(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_, err := l.Lookup(ctx, eventA)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	rec, err := l.Reserve(ctx, eventA, recipient, big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "50", rec.Amount.String())
	assert.Nil(t, rec.Nonce)

	first := model.Submission{TxHash: common.HexToHash("0x01"), Nonce: 12, GasTipCap: big.NewInt(2), GasFeeCap: big.NewInt(40)}
	_, err = l.MarkSubmitted(ctx, eventA, first)
	require.NoError(t, err)

	bump := model.Submission{TxHash: common.HexToHash("0x02"), Nonce: 12, GasTipCap: big.NewInt(3), GasFeeCap: big.NewInt(45)}
	rec, err = l.MarkSubmitted(ctx, eventA, bump)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)

	_, err = l.MarkSubmitted(ctx, eventA, model.Submission{TxHash: common.HexToHash("0x03"), Nonce: 13})
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	rec, err = l.MarkConfirmed(ctx, eventA, 103)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, rec.Status)

	got, err := l.Lookup(ctx, eventA)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedBlock)
	assert.Equal(t, uint64(103), *got.ConfirmedBlock)
	require.NotNil(t, got.Nonce)
	assert.Equal(t, uint64(12), *got.Nonce)
	assert.Equal(t, []common.Hash{first.TxHash, bump.TxHash}, got.TxHashes)
	assert.Equal(t, bump.TxHash, *got.TxHash)
	assert.Equal(t, "45", got.GasFeeCap.String())

	_, err = l.Reserve(ctx, eventA, recipient, big.NewInt(50))
	require.ErrorIs(t, err, ledger.ErrAlreadyExists)

	_, err = l.MarkFailed(ctx, eventA, string(model.FailureReverted))
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestLedger_ConcurrentReserve(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	const workers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		dupes   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, eventB, recipient, big.NewInt(7))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
			dupes++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, workers-1, dupes)
}

func TestLedger_ListOpenAndRecipient(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	failed := model.EventID{BlockNumber: 90, TxHash: common.HexToHash("0x90"), LogIndex: 1}
	for _, id := range []model.EventID{eventB, eventA, failed} {
		_, err := l.Reserve(ctx, id, recipient, big.NewInt(1))
		require.NoError(t, err)
	}
	_, err := l.MarkFailed(ctx, failed, string(model.FailureInvalidRecipient))
	require.NoError(t, err)

	open, err := l.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, eventA, open[0].ID)
	assert.Equal(t, eventB, open[1].ID)

	all, err := l.FindByRecipient(ctx, recipient)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := l.FindByRecipient(ctx, common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Empty(t, none)
}
