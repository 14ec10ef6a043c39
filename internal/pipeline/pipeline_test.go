package pipeline

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/commit"
	"github.com/subnetlabs/subnet-validator/internal/config"
	"github.com/subnetlabs/subnet-validator/internal/consensus"
	"github.com/subnetlabs/subnet-validator/internal/dispatch"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/metagraph"
	"github.com/subnetlabs/subnet-validator/internal/p2pscore"
	"github.com/subnetlabs/subnet-validator/internal/scaled"
	"github.com/subnetlabs/subnet-validator/internal/scoring"
	"github.com/subnetlabs/subnet-validator/internal/statestore"
	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

type fakeTxSigner struct{}

func (fakeTxSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}
func (fakeTxSigner) Address() ethcommon.Address { return ethcommon.Address{} }

type fakePayloadSigner struct{}

func (fakePayloadSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	return []byte("sig"), nil
}

type allowAllVerifier struct{}

func (allowAllVerifier) Verify(ids.ValidatorID, []byte, []byte) bool { return true }
func (allowAllVerifier) IsKnownPeer(ids.ValidatorID) bool            { return true }

type fakeChainClient struct {
	chainclient.Client

	miners     []chainclient.MinerEntry
	validators []chainclient.ValidatorEntry

	submitCalls int
}

func (f *fakeChainClient) GetSubnet(ctx context.Context, subnet ids.SubnetID) (chainclient.SubnetParams, error) {
	return chainclient.SubnetParams{Subnet: subnet}, nil
}

func (f *fakeChainClient) GetSubnetMiners(ctx context.Context, subnet ids.SubnetID) ([]chainclient.MinerEntry, error) {
	return f.miners, nil
}

func (f *fakeChainClient) GetSubnetValidators(ctx context.Context, subnet ids.SubnetID) ([]chainclient.ValidatorEntry, error) {
	return f.validators, nil
}

func (f *fakeChainClient) SubmitBatchUpdate(ctx context.Context, signer chainclient.Signer, miners []ids.MinerID, perf, trust []uint64) (ethcommon.Hash, error) {
	f.submitCalls++
	var h ethcommon.Hash
	h[0] = byte(f.submitCalls)
	return h, nil
}

func (f *fakeChainClient) WaitReceipt(ctx context.Context, txHash ethcommon.Hash) (*chainclient.Receipt, error) {
	return &chainclient.Receipt{TxHash: txHash, Success: true}, nil
}

func (f *fakeChainClient) FindReceiptByTxHash(ctx context.Context, txHash ethcommon.Hash) (*chainclient.Receipt, error) {
	return nil, nil
}

type refusingChainClient struct {
	chainclient.Client
}

func (refusingChainClient) GetSubnet(ctx context.Context, subnet ids.SubnetID) (chainclient.SubnetParams, error) {
	return chainclient.SubnetParams{}, errRefused
}
func (refusingChainClient) GetSubnetMiners(ctx context.Context, subnet ids.SubnetID) ([]chainclient.MinerEntry, error) {
	return nil, errRefused
}
func (refusingChainClient) GetSubnetValidators(ctx context.Context, subnet ids.SubnetID) ([]chainclient.ValidatorEntry, error) {
	return nil, errRefused
}

type refuseErr string

func (e refuseErr) Error() string { return string(e) }

var errRefused = refuseErr("refused")

func minerID(b byte) ids.MinerID {
	var m ids.MinerID
	m[0] = b
	return m
}

func validatorID(b byte) ids.ValidatorID {
	var v ids.ValidatorID
	v[0] = b
	return v
}

func setupStore(t *testing.T) *statestore.Store {
	db, err := statestore.NewKVStore(context.Background(), t.TempDir(), &statestore.Config{HistoryLength: 8})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestRunSlot_SkipsWhenMetagraphDegraded(t *testing.T) {
	cache, err := metagraph.New(metagraph.Config{Client: refusingChainClient{}, MaxStaleSlots: 1})
	require.NoError(t, err)
	_ = cache.Refresh(context.Background(), ids.SubnetID(1))
	require.True(t, cache.Degraded())

	p := New(Deps{Metagraph: cache, Subnet: ids.SubnetID(1)}, config.Default())
	result := p.RunSlot(context.Background(), ids.SlotNumber(1))
	require.Equal(t, StateSkipped, result.State)
}

func TestRunSlot_EndToEndCommitsSuccessfully(t *testing.T) {
	subnet := ids.SubnetID(7)
	self := validatorID(0x01)
	peer := validatorID(0x02)
	miner := minerID(0x11)

	minerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req dispatch.TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dispatch.TaskResponse{TaskID: req.TaskID, Result: []byte("answer")})
	}))
	defer minerServer.Close()

	peerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer peerServer.Close()

	chain := &fakeChainClient{
		miners: []chainclient.MinerEntry{{
			UID:              miner,
			Subnet:           subnet,
			ScaledTrustScore: scaled.FromFloat(0.5),
			APIEndpoint:      minerServer.URL,
			Status:           chainclient.StatusActive,
		}},
		validators: []chainclient.ValidatorEntry{
			{MinerEntry: chainclient.MinerEntry{UID: ids.MinerID(self), Status: chainclient.StatusActive}, Weight: 1},
			{MinerEntry: chainclient.MinerEntry{UID: ids.MinerID(peer), Status: chainclient.StatusActive, APIEndpoint: peerServer.URL}, Weight: 1},
		},
	}

	cache, err := metagraph.New(metagraph.Config{Client: chain, MaxStaleSlots: 3})
	require.NoError(t, err)
	require.NoError(t, cache.Refresh(context.Background(), subnet))

	store := setupStore(t)

	registry := scoring.NewRegistry()
	registry.Register(subnet, scoring.Capability{
		Prepare: func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (scoring.TaskPayload, error) {
			return scoring.TaskPayload{TaskID: "t-1", Content: []byte("job")}, nil
		},
		Grade: func(ctx context.Context, task scoring.TaskPayload, resp scoring.Response) (float64, error) {
			return 0.9, nil
		},
	})

	dispatcher := dispatch.New(dispatch.Config{Signer: fakePayloadSigner{}, TaskTimeout: 2 * time.Second, Retries: 0})
	exchange := p2pscore.New(p2pscore.Config{Self: self, Signer: fakePayloadSigner{}, Verifier: allowAllVerifier{}, Concurrency: 4})
	engine := consensus.New(consensus.Params{MinPeerReports: 1, DeltaTrust: 0.1, AlphaTrust: 0.1, DeviationThreshold: 0.5, DeviationStrikes: 3})
	committer := commit.New(commit.Config{Client: chain, Signer: fakeTxSigner{}, Store: store, Retries: 1})

	p := New(Deps{
		Store:      store,
		Metagraph:  cache,
		Dispatcher: dispatcher,
		Scoring:    registry,
		Exchange:   exchange,
		Consensus:  engine,
		Committer:  committer,
		Self:       self,
		Subnet:     subnet,
	}, func() config.Snapshot {
		s := config.Default()
		s.SelectionK = 1
		return s
	}())

	result := p.RunSlot(context.Background(), ids.SlotNumber(42))
	require.Equal(t, StateCommitted, result.State)
	require.Equal(t, 1, result.Selected)
	require.Equal(t, 1, result.Responded)
	require.Equal(t, []ids.MinerID{miner}, result.Committed)

	ack, err := store.GetSlotAck(context.Background(), ids.SlotNumber(42))
	require.NoError(t, err)
	require.NotNil(t, ack)
}

func TestRunSlot_AllMinersTimeOutStillCommitsWithZeroScores(t *testing.T) {
	subnet := ids.SubnetID(8)
	self := validatorID(0x01)
	miner := minerID(0x21)

	chain := &fakeChainClient{
		miners: []chainclient.MinerEntry{{
			UID:              miner,
			Subnet:           subnet,
			ScaledTrustScore: scaled.FromFloat(0.5),
			APIEndpoint:      "http://127.0.0.1:1", // unreachable: connection refused
			Status:           chainclient.StatusActive,
		}},
		validators: []chainclient.ValidatorEntry{
			{MinerEntry: chainclient.MinerEntry{UID: ids.MinerID(self), Status: chainclient.StatusActive}, Weight: 1},
		},
	}

	cache, err := metagraph.New(metagraph.Config{Client: chain, MaxStaleSlots: 3})
	require.NoError(t, err)
	require.NoError(t, cache.Refresh(context.Background(), subnet))

	store := setupStore(t)
	registry := scoring.NewRegistry()
	registry.Register(subnet, scoring.Capability{
		Prepare: func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (scoring.TaskPayload, error) {
			return scoring.TaskPayload{TaskID: "t-2", Content: []byte("job")}, nil
		},
		Grade: func(ctx context.Context, task scoring.TaskPayload, resp scoring.Response) (float64, error) {
			t.Fatal("Grade must not be called when no miner responded")
			return 0, nil
		},
	})

	dispatcher := dispatch.New(dispatch.Config{Signer: fakePayloadSigner{}, TaskTimeout: 50 * time.Millisecond, Retries: 0})
	exchange := p2pscore.New(p2pscore.Config{Self: self, Signer: fakePayloadSigner{}, Verifier: allowAllVerifier{}, Concurrency: 4})
	engine := consensus.New(consensus.Params{MinPeerReports: 1, DeltaTrust: 0.1, AlphaTrust: 0.1, DeviationThreshold: 0.5, DeviationStrikes: 3})
	committer := commit.New(commit.Config{Client: chain, Signer: fakeTxSigner{}, Store: store, Retries: 1})

	p := New(Deps{
		Store:      store,
		Metagraph:  cache,
		Dispatcher: dispatcher,
		Scoring:    registry,
		Exchange:   exchange,
		Consensus:  engine,
		Committer:  committer,
		Self:       self,
		Subnet:     subnet,
	}, func() config.Snapshot {
		s := config.Default()
		s.SelectionK = 1
		return s
	}())

	result := p.RunSlot(context.Background(), ids.SlotNumber(99))
	require.Equal(t, StateCommitted, result.State)
	require.Equal(t, 1, result.Selected)
	require.Equal(t, 0, result.Responded)
	require.Equal(t, []ids.MinerID{miner}, result.Committed)

	ts, err := store.GetTrustState(context.Background(), miner)
	require.NoError(t, err)
	require.Equal(t, ids.SlotNumber(99), ts.LastSelectedSlot)
}

func TestRunSlot_IncludesPeerOnlyMinerNotScoredLocally(t *testing.T) {
	subnet := ids.SubnetID(11)
	self := validatorID(0x01)
	peer := validatorID(0x02)
	scoredMiner := minerID(0x31)
	peerOnlyMiner := minerID(0x32)

	chain := &fakeChainClient{
		miners: []chainclient.MinerEntry{
			{UID: scoredMiner, Subnet: subnet, ScaledTrustScore: scaled.FromFloat(0.5), Status: chainclient.StatusActive},
			// Zero selection weight: SelectionK=1 below must deterministically
			// dispatch to scoredMiner only, so peerOnlyMiner reaches the
			// consensus worklist solely via the peer-report union rule.
			{UID: peerOnlyMiner, Subnet: subnet, ScaledTrustScore: scaled.FromFloat(0), Status: chainclient.StatusActive},
		},
		validators: []chainclient.ValidatorEntry{
			{MinerEntry: chainclient.MinerEntry{UID: ids.MinerID(self), Status: chainclient.StatusActive}, Weight: 1},
			{MinerEntry: chainclient.MinerEntry{UID: ids.MinerID(peer), Status: chainclient.StatusActive}, Weight: 1},
		},
	}

	cache, err := metagraph.New(metagraph.Config{Client: chain, MaxStaleSlots: 3})
	require.NoError(t, err)
	require.NoError(t, cache.Refresh(context.Background(), subnet))

	store := setupStore(t)
	registry := scoring.NewRegistry()
	registry.Register(subnet, scoring.Capability{
		Prepare: func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (scoring.TaskPayload, error) {
			return scoring.TaskPayload{TaskID: "t-3", Content: []byte("job")}, nil
		},
		Grade: func(ctx context.Context, task scoring.TaskPayload, resp scoring.Response) (float64, error) {
			return 0.8, nil
		},
	})

	dispatcher := dispatch.New(dispatch.Config{Signer: fakePayloadSigner{}, TaskTimeout: 2 * time.Second, Retries: 0})
	exchange := p2pscore.New(p2pscore.Config{Self: self, Signer: fakePayloadSigner{}, Verifier: allowAllVerifier{}, Concurrency: 4})
	// Simulate a peer record the local validator received for a miner it
	// never dispatched to or scored itself.
	_, ok := exchange.Ingest(123, p2pscore.Record{
		Slot: 123, ReporterUID: peer.String(), MinerUID: peerOnlyMiner.String(), ScoreMilli: 600, SignedAt: 1,
	})
	require.True(t, ok)

	engine := consensus.New(consensus.Params{MinPeerReports: 1, DeltaTrust: 0.1, AlphaTrust: 0.1, DeviationThreshold: 0.5, DeviationStrikes: 3})
	committer := commit.New(commit.Config{Client: chain, Signer: fakeTxSigner{}, Store: store, Retries: 1})

	p := New(Deps{
		Store:      store,
		Metagraph:  cache,
		Dispatcher: dispatcher,
		Scoring:    registry,
		Exchange:   exchange,
		Consensus:  engine,
		Committer:  committer,
		Self:       self,
		Subnet:     subnet,
	}, func() config.Snapshot {
		s := config.Default()
		s.SelectionK = 1 // only scoredMiner is selected/dispatched this slot
		return s
	}())

	result := p.RunSlot(context.Background(), ids.SlotNumber(123))
	require.Equal(t, StateCommitted, result.State)
	committedHasPeerOnlyMiner := false
	for _, m := range result.Committed {
		if m == peerOnlyMiner {
			committedHasPeerOnlyMiner = true
		}
	}
	require.True(t, committedHasPeerOnlyMiner)
}

func TestRunSlot_NoActiveMinersSkips(t *testing.T) {
	subnet := ids.SubnetID(9)
	chain := &fakeChainClient{}
	cache, err := metagraph.New(metagraph.Config{Client: chain, MaxStaleSlots: 3})
	require.NoError(t, err)
	require.NoError(t, cache.Refresh(context.Background(), subnet))

	registry := scoring.NewRegistry()
	registry.Register(subnet, scoring.Capability{
		Prepare: func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (scoring.TaskPayload, error) {
			return scoring.TaskPayload{}, nil
		},
		Grade: func(ctx context.Context, task scoring.TaskPayload, resp scoring.Response) (float64, error) {
			return 0, nil
		},
	})

	p := New(Deps{Metagraph: cache, Scoring: registry, Subnet: subnet}, config.Default())
	result := p.RunSlot(context.Background(), ids.SlotNumber(1))
	require.Equal(t, StateSkipped, result.State)
}
