package chainclient

import (
	"context"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/ids"
)

var log = logrus.WithField("prefix", "chainclient")

// Signer is the minimal slice of the external KeySigner collaborator this
// package needs: it never manages keys itself.
type Signer interface {
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Address() ethcommon.Address
}

// Client is the read/write interface the core consensus components
// consume, per spec.md §6. It is the sole chain-read and chain-write path
// in the process.
type Client interface {
	GetSubnet(ctx context.Context, subnet ids.SubnetID) (SubnetParams, error)
	GetSubnetMiners(ctx context.Context, subnet ids.SubnetID) ([]MinerEntry, error)
	GetSubnetValidators(ctx context.Context, subnet ids.SubnetID) ([]ValidatorEntry, error)
	GetMinerInfo(ctx context.Context, addr ethcommon.Address) (MinerEntry, error)
	GetValidatorInfo(ctx context.Context, addr ethcommon.Address) (ValidatorEntry, error)
	NetworkStats(ctx context.Context, subnet ids.SubnetID) (NetworkStats, error)

	// SubmitBatchUpdate ABI-encodes and submits a single
	// updateMinerScores transaction, signed by signer.
	SubmitBatchUpdate(ctx context.Context, signer Signer, miners []ids.MinerID, perf, trust []uint64) (ethcommon.Hash, error)
	WaitReceipt(ctx context.Context, txHash ethcommon.Hash) (*Receipt, error)
	FindReceiptByTxHash(ctx context.Context, txHash ethcommon.Hash) (*Receipt, error)
}

// EVMClient is the production Client backed by go-ethereum's ethclient,
// matching the role the teacher's beacon-chain/powchain package plays
// around an embedded *ethclient.Client.
type EVMClient struct {
	rpc             *ethclient.Client
	contractAddress ethcommon.Address
	chainID         *big.Int
}

// NewEVMClient dials the given JSON-RPC endpoint and returns an EVMClient
// bound to the given contract address.
func NewEVMClient(ctx context.Context, rpcURL string, contractAddress ethcommon.Address, chainID *big.Int) (*EVMClient, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "chainclient: dialing RPC endpoint")
	}
	return &EVMClient{rpc: rpc, contractAddress: contractAddress, chainID: chainID}, nil
}

// Close releases the underlying RPC connection.
func (c *EVMClient) Close() {
	c.rpc.Close()
}

// SubmitBatchUpdate implements Client.
func (c *EVMClient) SubmitBatchUpdate(ctx context.Context, signer Signer, miners []ids.MinerID, perf, trust []uint64) (ethcommon.Hash, error) {
	if len(miners) != len(perf) || len(miners) != len(trust) {
		return ethcommon.Hash{}, errors.New("chainclient: mismatched array lengths in batch update")
	}
	packedMiners := make([][32]byte, len(miners))
	for i, m := range miners {
		packedMiners[i] = m
	}
	data, err := packBatchUpdate(packedMiners, perf, trust)
	if err != nil {
		return ethcommon.Hash{}, err
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return ethcommon.Hash{}, errors.Wrap(err, "chainclient: fetching nonce")
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return ethcommon.Hash{}, errors.Wrap(err, "chainclient: suggesting gas price")
	}
	gasLimit, err := c.rpc.EstimateGas(ctx, ethereumCallMsg(signer.Address(), c.contractAddress, data))
	if err != nil {
		return ethcommon.Hash{}, errors.Wrap(err, "chainclient: estimating gas")
	}

	tx := types.NewTransaction(nonce, c.contractAddress, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		return ethcommon.Hash{}, errors.Wrap(err, "chainclient: signing transaction")
	}
	if err := c.rpc.SendTransaction(ctx, signedTx); err != nil {
		return ethcommon.Hash{}, errors.Wrap(err, "chainclient: submitting transaction")
	}
	log.WithField("tx", signedTx.Hash().Hex()).WithField("miners", len(miners)).Info("Submitted batch score update")
	return signedTx.Hash(), nil
}

// WaitReceipt blocks (respecting ctx) until the transaction is mined, or
// returns an error on ctx expiry.
func (c *EVMClient) WaitReceipt(ctx context.Context, txHash ethcommon.Hash) (*Receipt, error) {
	receipt, err := waitMined(ctx, c.rpc, txHash)
	if err != nil {
		return nil, err
	}
	return toReceipt(receipt), nil
}

// FindReceiptByTxHash looks up a receipt without blocking, used by the
// committer's retry path (§8 scenario S6) to discover a transaction that
// landed despite a client-observed timeout.
func (c *EVMClient) FindReceiptByTxHash(ctx context.Context, txHash ethcommon.Hash) (*Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, nil // not found yet is not an error here
	}
	return toReceipt(receipt), nil
}

func toReceipt(r *types.Receipt) *Receipt {
	if r == nil {
		return nil
	}
	return &Receipt{
		TxHash:  r.TxHash,
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
}
