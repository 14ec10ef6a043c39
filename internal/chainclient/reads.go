package chainclient

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/scaled"
)

// readABIJSON covers the contract read surface consumed in spec.md §6:
// getSubnet, getSubnetMiners, getSubnetValidators, getMinerInfo,
// getValidatorInfo, and network stats.
const readABIJSON = `[
	{"type":"function","name":"getSubnet","stateMutability":"view",
	 "inputs":[{"name":"subnetId","type":"uint64"}],
	 "outputs":[{"name":"beta","type":"uint64"},{"name":"bmax","type":"uint64"}]},
	{"type":"function","name":"getSubnetMiners","stateMutability":"view",
	 "inputs":[{"name":"subnetId","type":"uint64"}],
	 "outputs":[{"name":"miners","type":"address[]"}]},
	{"type":"function","name":"getSubnetValidators","stateMutability":"view",
	 "inputs":[{"name":"subnetId","type":"uint64"}],
	 "outputs":[{"name":"validators","type":"address[]"}]},
	{"type":"function","name":"getMinerInfo","stateMutability":"view",
	 "inputs":[{"name":"addr","type":"address"}],
	 "outputs":[
		{"name":"uid","type":"bytes32"},
		{"name":"subnet","type":"uint64"},
		{"name":"stake","type":"uint64"},
		{"name":"bitcoinStake","type":"uint64"},
		{"name":"scaledLastPerformance","type":"uint64"},
		{"name":"scaledTrustScore","type":"uint64"},
		{"name":"accumulatedRewards","type":"uint64"},
		{"name":"lastUpdateTime","type":"uint64"},
		{"name":"apiEndpoint","type":"string"},
		{"name":"status","type":"uint8"},
		{"name":"registrationTime","type":"uint64"}
	 ]},
	{"type":"function","name":"getValidatorInfo","stateMutability":"view",
	 "inputs":[{"name":"addr","type":"address"}],
	 "outputs":[
		{"name":"uid","type":"bytes32"},
		{"name":"subnet","type":"uint64"},
		{"name":"stake","type":"uint64"},
		{"name":"bitcoinStake","type":"uint64"},
		{"name":"scaledLastPerformance","type":"uint64"},
		{"name":"scaledTrustScore","type":"uint64"},
		{"name":"accumulatedRewards","type":"uint64"},
		{"name":"lastUpdateTime","type":"uint64"},
		{"name":"apiEndpoint","type":"string"},
		{"name":"status","type":"uint8"},
		{"name":"registrationTime","type":"uint64"},
		{"name":"weightMilli","type":"uint64"}
	 ]},
	{"type":"function","name":"networkStats","stateMutability":"view",
	 "inputs":[{"name":"subnetId","type":"uint64"}],
	 "outputs":[
		{"name":"activeMinerCount","type":"uint64"},
		{"name":"activeValidatorCount","type":"uint64"},
		{"name":"totalStake","type":"uint64"}
	 ]}
]`

var parsedReadABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(readABIJSON))
	if err != nil {
		panic(errors.Wrap(err, "chainclient: parsing read ABI"))
	}
	parsedReadABI = parsed
}

func (c *EVMClient) call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	data, err := parsedReadABI.Pack(method, args...)
	if err != nil {
		return errors.Wrapf(err, "chainclient: packing %s call", method)
	}
	result, err := c.rpc.CallContract(ctx, ethereumCallMsg(ethcommon.Address{}, c.contractAddress, data), nil)
	if err != nil {
		return errors.Wrapf(err, "chainclient: calling %s", method)
	}
	return parsedReadABI.UnpackIntoInterface(out, method, result)
}

// GetSubnet implements Client.
func (c *EVMClient) GetSubnet(ctx context.Context, subnet ids.SubnetID) (SubnetParams, error) {
	var raw struct {
		Beta uint64
		Bmax uint64
	}
	if err := c.call(ctx, "getSubnet", &raw, uint64(subnet)); err != nil {
		return SubnetParams{}, err
	}
	return SubnetParams{
		Subnet:        subnet,
		SelectionBeta: float64(raw.Beta) / scaled.Divisor,
		SelectionBMax: raw.Bmax,
	}, nil
}

// GetSubnetMiners implements Client: resolves the subnet's miner address
// list, then fetches each entry individually via GetMinerInfo.
func (c *EVMClient) GetSubnetMiners(ctx context.Context, subnet ids.SubnetID) ([]MinerEntry, error) {
	var raw struct{ Miners []ethcommon.Address }
	if err := c.call(ctx, "getSubnetMiners", &raw, uint64(subnet)); err != nil {
		return nil, err
	}
	entries := make([]MinerEntry, 0, len(raw.Miners))
	for _, addr := range raw.Miners {
		entry, err := c.GetMinerInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetSubnetValidators implements Client.
func (c *EVMClient) GetSubnetValidators(ctx context.Context, subnet ids.SubnetID) ([]ValidatorEntry, error) {
	var raw struct{ Validators []ethcommon.Address }
	if err := c.call(ctx, "getSubnetValidators", &raw, uint64(subnet)); err != nil {
		return nil, err
	}
	entries := make([]ValidatorEntry, 0, len(raw.Validators))
	for _, addr := range raw.Validators {
		entry, err := c.GetValidatorInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetMinerInfo implements Client.
func (c *EVMClient) GetMinerInfo(ctx context.Context, addr ethcommon.Address) (MinerEntry, error) {
	var raw struct {
		Uid                   [32]byte
		Subnet                uint64
		Stake                 uint64
		BitcoinStake          uint64
		ScaledLastPerformance uint64
		ScaledTrustScore      uint64
		AccumulatedRewards    uint64
		LastUpdateTime        uint64
		ApiEndpoint           string
		Status                uint8
		RegistrationTime      uint64
	}
	if err := c.call(ctx, "getMinerInfo", &raw, addr); err != nil {
		return MinerEntry{}, err
	}
	return MinerEntry{
		UID:                   ids.MinerID(raw.Uid),
		Subnet:                ids.SubnetID(raw.Subnet),
		Owner:                 addr,
		Stake:                 &BigFixed{Raw: raw.Stake},
		BitcoinStake:          &BigFixed{Raw: raw.BitcoinStake},
		ScaledLastPerformance: scaled.Fixed(raw.ScaledLastPerformance),
		ScaledTrustScore:      scaled.Fixed(raw.ScaledTrustScore),
		AccumulatedRewards:    &BigFixed{Raw: raw.AccumulatedRewards},
		LastUpdateTime:        time.Unix(int64(raw.LastUpdateTime), 0).UTC(),
		APIEndpoint:           raw.ApiEndpoint,
		Status:                MinerStatus(raw.Status),
		RegistrationTime:      time.Unix(int64(raw.RegistrationTime), 0).UTC(),
	}, nil
}

// GetValidatorInfo implements Client.
func (c *EVMClient) GetValidatorInfo(ctx context.Context, addr ethcommon.Address) (ValidatorEntry, error) {
	var raw struct {
		Uid                   [32]byte
		Subnet                uint64
		Stake                 uint64
		BitcoinStake          uint64
		ScaledLastPerformance uint64
		ScaledTrustScore      uint64
		AccumulatedRewards    uint64
		LastUpdateTime        uint64
		ApiEndpoint           string
		Status                uint8
		RegistrationTime      uint64
		WeightMilli           uint64
	}
	if err := c.call(ctx, "getValidatorInfo", &raw, addr); err != nil {
		return ValidatorEntry{}, err
	}
	return ValidatorEntry{
		MinerEntry: MinerEntry{
			UID:                   ids.MinerID(raw.Uid),
			Subnet:                ids.SubnetID(raw.Subnet),
			Owner:                 addr,
			Stake:                 &BigFixed{Raw: raw.Stake},
			BitcoinStake:          &BigFixed{Raw: raw.BitcoinStake},
			ScaledLastPerformance: scaled.Fixed(raw.ScaledLastPerformance),
			ScaledTrustScore:      scaled.Fixed(raw.ScaledTrustScore),
			AccumulatedRewards:    &BigFixed{Raw: raw.AccumulatedRewards},
			LastUpdateTime:        time.Unix(int64(raw.LastUpdateTime), 0).UTC(),
			APIEndpoint:           raw.ApiEndpoint,
			Status:                MinerStatus(raw.Status),
			RegistrationTime:      time.Unix(int64(raw.RegistrationTime), 0).UTC(),
		},
		Weight: float64(raw.WeightMilli) / 1000,
	}, nil
}

// NetworkStats implements Client.
func (c *EVMClient) NetworkStats(ctx context.Context, subnet ids.SubnetID) (NetworkStats, error) {
	var raw struct {
		ActiveMinerCount     uint64
		ActiveValidatorCount uint64
		TotalStake           uint64
	}
	if err := c.call(ctx, "networkStats", &raw, uint64(subnet)); err != nil {
		return NetworkStats{}, err
	}
	return NetworkStats{
		ActiveMinerCount:     int(raw.ActiveMinerCount),
		ActiveValidatorCount: int(raw.ActiveValidatorCount),
		TotalStake:           &BigFixed{Raw: raw.TotalStake},
	}, nil
}
