package metagraph

import (
	"context"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

type fakeClient struct {
	miners     []chainclient.MinerEntry
	validators []chainclient.ValidatorEntry
	params     chainclient.SubnetParams
	failNext   bool
}

func (f *fakeClient) GetSubnet(ctx context.Context, subnet ids.SubnetID) (chainclient.SubnetParams, error) {
	if f.failNext {
		return chainclient.SubnetParams{}, errFake
	}
	return f.params, nil
}
func (f *fakeClient) GetSubnetMiners(ctx context.Context, subnet ids.SubnetID) ([]chainclient.MinerEntry, error) {
	if f.failNext {
		return nil, errFake
	}
	return f.miners, nil
}
func (f *fakeClient) GetSubnetValidators(ctx context.Context, subnet ids.SubnetID) ([]chainclient.ValidatorEntry, error) {
	if f.failNext {
		return nil, errFake
	}
	return f.validators, nil
}
func (f *fakeClient) GetMinerInfo(ctx context.Context, addr ethcommon.Address) (chainclient.MinerEntry, error) {
	return chainclient.MinerEntry{}, nil
}
func (f *fakeClient) GetValidatorInfo(ctx context.Context, addr ethcommon.Address) (chainclient.ValidatorEntry, error) {
	return chainclient.ValidatorEntry{}, nil
}
func (f *fakeClient) NetworkStats(ctx context.Context, subnet ids.SubnetID) (chainclient.NetworkStats, error) {
	return chainclient.NetworkStats{}, nil
}
func (f *fakeClient) SubmitBatchUpdate(ctx context.Context, signer chainclient.Signer, miners []ids.MinerID, perf, trust []uint64) (ethcommon.Hash, error) {
	return ethcommon.Hash{}, nil
}
func (f *fakeClient) WaitReceipt(ctx context.Context, txHash ethcommon.Hash) (*chainclient.Receipt, error) {
	return nil, nil
}
func (f *fakeClient) FindReceiptByTxHash(ctx context.Context, txHash ethcommon.Hash) (*chainclient.Receipt, error) {
	return nil, nil
}

var errFake = fakeErr("fake failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestCache_RefreshAndRead(t *testing.T) {
	var minerUID ids.MinerID
	minerUID[0] = 0x01
	client := &fakeClient{
		miners: []chainclient.MinerEntry{{UID: minerUID}},
		params: chainclient.SubnetParams{Subnet: 1, SelectionBeta: 0.05},
	}
	cache, err := New(Config{Client: client, MaxStaleSlots: 3})
	require.NoError(t, err)

	require.NoError(t, cache.Refresh(context.Background(), ids.SubnetID(1)))
	require.Equal(t, 1, len(cache.Miners(ids.SubnetID(1))))
	require.Equal(t, 0.05, cache.SubnetParams(ids.SubnetID(1)).SelectionBeta)
	require.True(t, !cache.Degraded())
}

func TestCache_ServesStaleSnapshotOnFailure(t *testing.T) {
	var minerUID ids.MinerID
	minerUID[0] = 0x02
	client := &fakeClient{miners: []chainclient.MinerEntry{{UID: minerUID}}}
	cache, err := New(Config{Client: client, MaxStaleSlots: 3})
	require.NoError(t, err)
	require.NoError(t, cache.Refresh(context.Background(), ids.SubnetID(1)))

	client.failNext = true
	err = cache.Refresh(context.Background(), ids.SubnetID(1))
	require.Error(t, err)
	require.Equal(t, 1, len(cache.Miners(ids.SubnetID(1)))) // stale snapshot still served
}

func TestCache_DegradesAfterMaxStaleSlots(t *testing.T) {
	client := &fakeClient{failNext: true}
	cache, err := New(Config{Client: client, MaxStaleSlots: 2})
	require.NoError(t, err)

	require.Error(t, cache.Refresh(context.Background(), ids.SubnetID(1)))
	require.True(t, !cache.Degraded())
	require.Error(t, cache.Refresh(context.Background(), ids.SubnetID(1)))
	require.True(t, cache.Degraded())
}
