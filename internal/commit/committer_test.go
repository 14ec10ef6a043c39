package commit

import (
	"context"
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/scaled"
	"github.com/subnetlabs/subnet-validator/internal/statestore"
	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

type fakeSigner struct{}

func (fakeSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}
func (fakeSigner) Address() ethcommon.Address { return ethcommon.Address{} }

// fakeClient is a minimal chainclient.Client stand-in whose behavior is
// tunable per test: how many submissions fail before succeeding, and
// whether WaitReceipt should simulate a timeout that FindReceiptByTxHash
// later resolves (§8 scenario S6).
type fakeClient struct {
	chainclient.Client

	submitCalls      int
	failSubmitsUntil int // SubmitBatchUpdate fails for calls < this count

	waitReceiptErr     bool // simulate WaitReceipt timing out
	receiptLandsOnFind bool // FindReceiptByTxHash finds it anyway
}

func (f *fakeClient) SubmitBatchUpdate(ctx context.Context, signer chainclient.Signer, miners []ids.MinerID, perf, trust []uint64) (ethcommon.Hash, error) {
	f.submitCalls++
	if f.submitCalls <= f.failSubmitsUntil {
		return ethcommon.Hash{}, errFake
	}
	var h ethcommon.Hash
	h[0] = byte(f.submitCalls)
	return h, nil
}

func (f *fakeClient) WaitReceipt(ctx context.Context, txHash ethcommon.Hash) (*chainclient.Receipt, error) {
	if f.waitReceiptErr {
		return nil, errFake
	}
	return &chainclient.Receipt{TxHash: txHash, Success: true}, nil
}

func (f *fakeClient) FindReceiptByTxHash(ctx context.Context, txHash ethcommon.Hash) (*chainclient.Receipt, error) {
	if f.receiptLandsOnFind {
		return &chainclient.Receipt{TxHash: txHash, Success: true}, nil
	}
	return nil, nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var errFake = fakeErr("fake transport error")

func setupStore(t *testing.T) *statestore.Store {
	db, err := statestore.NewKVStore(context.Background(), t.TempDir(), &statestore.Config{HistoryLength: 8})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func minerUpdate(b byte) statestore.MinerUpdate {
	var m ids.MinerID
	m[0] = b
	return statestore.MinerUpdate{Miner: m, Perf: scaled.FromFloat(0.8), Trust: scaled.FromFloat(0.6), Evaluated: true}
}

func TestCommitSlot_SuccessAppliesStateAndAck(t *testing.T) {
	store := setupStore(t)
	client := &fakeClient{}
	c := New(Config{Client: client, Signer: fakeSigner{}, Store: store, Retries: 2})

	outcome := c.CommitSlot(context.Background(), 5, []statestore.MinerUpdate{minerUpdate(1)})
	require.Equal(t, StatusCommitted, outcome.Status)

	ack, err := store.GetSlotAck(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, ack)
}

func TestCommitSlot_IdempotentWhenAlreadyAcked(t *testing.T) {
	store := setupStore(t)
	client := &fakeClient{}
	c := New(Config{Client: client, Signer: fakeSigner{}, Store: store, Retries: 2})

	outcome := c.CommitSlot(context.Background(), 5, []statestore.MinerUpdate{minerUpdate(1)})
	require.Equal(t, StatusCommitted, outcome.Status)
	firstSubmits := client.submitCalls

	// Retry the same slot: must not submit a second transaction.
	outcome = c.CommitSlot(context.Background(), 5, []statestore.MinerUpdate{minerUpdate(1)})
	require.Equal(t, StatusAlreadyCommitted, outcome.Status)
	require.Equal(t, firstSubmits, client.submitCalls)
}

// S6 from spec.md §8: network times out waiting for a receipt, retry finds
// the receipt on-chain via transaction hash lookup, no second submission.
func TestCommitSlot_ReceiptTimeoutResolvedByFindReceipt(t *testing.T) {
	store := setupStore(t)
	client := &fakeClient{waitReceiptErr: true, receiptLandsOnFind: true}
	c := New(Config{Client: client, Signer: fakeSigner{}, Store: store, Retries: 2})

	outcome := c.CommitSlot(context.Background(), 7, []statestore.MinerUpdate{minerUpdate(1)})
	require.Equal(t, StatusCommitted, outcome.Status)
	require.Equal(t, 1, client.submitCalls) // found via FindReceiptByTxHash, no retry needed
}

func TestCommitSlot_RetriesThenSucceeds(t *testing.T) {
	store := setupStore(t)
	client := &fakeClient{failSubmitsUntil: 2}
	c := New(Config{Client: client, Signer: fakeSigner{}, Store: store, Retries: 3})

	outcome := c.CommitSlot(context.Background(), 9, []statestore.MinerUpdate{minerUpdate(1)})
	require.Equal(t, StatusCommitted, outcome.Status)
	require.Equal(t, 3, client.submitCalls)
}

func TestCommitSlot_ExhaustedRetriesFailsWithoutMutatingState(t *testing.T) {
	store := setupStore(t)
	client := &fakeClient{failSubmitsUntil: 99}
	c := New(Config{Client: client, Signer: fakeSigner{}, Store: store, Retries: 1})

	outcome := c.CommitSlot(context.Background(), 11, []statestore.MinerUpdate{minerUpdate(1)})
	require.Equal(t, StatusCommitFailed, outcome.Status)

	ack, err := store.GetSlotAck(context.Background(), 11)
	require.NoError(t, err)
	require.True(t, ack == nil)
}

func TestCommitSlot_ChunksBatchAcrossMultipleCalls(t *testing.T) {
	store := setupStore(t)
	client := &fakeClient{}
	c := New(Config{Client: client, Signer: fakeSigner{}, Store: store, Retries: 1, MaxBatchPerCall: 2})

	updates := []statestore.MinerUpdate{minerUpdate(1), minerUpdate(2), minerUpdate(3), minerUpdate(4), minerUpdate(5)}
	outcome := c.CommitSlot(context.Background(), 13, updates)
	require.Equal(t, StatusCommitted, outcome.Status)
	require.Equal(t, 3, outcome.ChunksTotal) // ceil(5/2)
	require.Equal(t, 3, client.submitCalls)
}
