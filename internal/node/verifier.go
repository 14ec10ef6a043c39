// Package node assembles the per-subnet StateStore, MetagraphCache,
// TaskDispatcher, P2PScoreExchange, ConsensusEngine, and ChainCommitter
// into one long-lived ValidatorNode, the role the teacher's BeaconNode
// plays around its own ServiceRegistry (see beacon-chain/node/node_test.go).
package node

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/metagraph"
)

// registryVerifier implements p2pscore.PeerVerifier by recovering the
// signer's address from the recoverable signature and checking it
// against the validator registry's recorded owner address, rather than
// requiring a separately-distributed public key.
type registryVerifier struct {
	metagraph *metagraph.Cache
	subnet    ids.SubnetID
}

func newRegistryVerifier(mg *metagraph.Cache, subnet ids.SubnetID) *registryVerifier {
	return &registryVerifier{metagraph: mg, subnet: subnet}
}

func (v *registryVerifier) IsKnownPeer(reporter ids.ValidatorID) bool {
	_, ok := v.lookup(reporter)
	return ok
}

func (v *registryVerifier) Verify(reporter ids.ValidatorID, payload, sig []byte) bool {
	entry, ok := v.lookup(reporter)
	if !ok {
		return false
	}
	hash := crypto.Keccak256(payload)
	recovered, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*recovered) == entry.Owner
}

func (v *registryVerifier) lookup(reporter ids.ValidatorID) (chainclient.ValidatorEntry, bool) {
	for _, val := range v.metagraph.Validators(v.subnet) {
		if ids.ValidatorID(val.UID) == reporter && val.Status == chainclient.StatusActive {
			return val, true
		}
	}
	return chainclient.ValidatorEntry{}, false
}
