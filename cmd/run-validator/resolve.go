package main

import (
	"context"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
)

// resolveSelfValidatorID looks up this process's on-chain validator UID
// by matching the signer's address against the registry's owner field.
// The registry stores addresses, not raw public keys, so there is no
// shortcut from a private key to a UID without this one read.
func resolveSelfValidatorID(ctx context.Context, rpcURL string, contractAddr ethcommon.Address, chainID *big.Int, subnet ids.SubnetID, self ethcommon.Address) (ids.ValidatorID, error) {
	client, err := chainclient.NewEVMClient(ctx, rpcURL, contractAddr, chainID)
	if err != nil {
		return ids.ValidatorID{}, err
	}

	validators, err := client.GetSubnetValidators(ctx, subnet)
	if err != nil {
		return ids.ValidatorID{}, err
	}
	for _, v := range validators {
		if v.Owner == self {
			return ids.ValidatorID(v.UID), nil
		}
	}
	return ids.ValidatorID{}, fmt.Errorf("no validator registered for address %s on subnet %d", self.Hex(), uint64(subnet))
}
