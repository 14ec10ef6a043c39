// Package chainclient adapts the external blockchain client collaborator
// (RPC to the subnet registry contract and node) to the read/write
// interface the core consensus components consume. The core never talks
// to go-ethereum directly outside this package, per the design note that
// MetagraphCache is the sole chain-read path and ChainCommitter the sole
// chain-write path.
package chainclient

import (
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/scaled"
)

// MinerStatus mirrors the on-chain registry status enum from spec.md §3.
type MinerStatus int

const (
	StatusInactive MinerStatus = iota
	StatusActive
	StatusJailed
)

// MinerEntry mirrors the chain registry's miner record, cached locally by
// MetagraphCache.
type MinerEntry struct {
	UID                   ids.MinerID
	Subnet                ids.SubnetID
	Owner                 ethcommon.Address
	Stake                 *BigFixed
	BitcoinStake          *BigFixed
	ScaledLastPerformance scaled.Fixed
	ScaledTrustScore      scaled.Fixed
	AccumulatedRewards    *BigFixed
	LastUpdateTime        time.Time
	APIEndpoint           string
	Status                MinerStatus
	RegistrationTime      time.Time
}

// ValidatorEntry mirrors the chain registry's validator record: the same
// shape as MinerEntry plus a derived Weight.
type ValidatorEntry struct {
	MinerEntry
	Weight float64
}

// SubnetParams are the per-subnet tunables read from the chain (β, B_max,
// etc. referenced in spec.md §4.3), layered under the node's own
// config.Snapshot defaults when present.
type SubnetParams struct {
	Subnet        ids.SubnetID
	SelectionBeta float64
	SelectionBMax uint64
}

// NetworkStats is a coarse snapshot of subnet-wide statistics exposed by
// the contract.
type NetworkStats struct {
	ActiveMinerCount     int
	ActiveValidatorCount int
	TotalStake           *BigFixed
}

// Receipt is a minimal transaction receipt view the committer needs.
type Receipt struct {
	TxHash  ethcommon.Hash
	Success bool
	GasUsed uint64
}

// BigFixed holds an on-chain amount (stake, rewards) exactly as the
// contract's uint64 outputs decode it.
type BigFixed struct {
	Raw uint64
}
