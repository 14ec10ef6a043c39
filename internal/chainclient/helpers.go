package chainclient

import (
	"context"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

func ethereumCallMsg(from, to ethcommon.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

// waitMined polls for a transaction receipt until it appears or ctx is
// done, mirroring go-ethereum's own bind.WaitMined helper without pulling
// in the full bind package.
func waitMined(ctx context.Context, rpc *ethclient.Client, txHash ethcommon.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		receipt, err := rpc.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "chainclient: waiting for receipt")
		case <-ticker.C:
		}
	}
}
