package chainclient

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/pkg/errors"
)

// batchUpdateABIJSON is the single, fixed batch score-update ABI this
// repository targets, resolving Open Question 3 in spec.md §9: the source
// mixes several contract versions with overlapping but non-identical
// update APIs, and this implementation picks one and documents it rather
// than auto-detecting.
//
// updateMinerScores(bytes32[] minerUids, uint64[] scaledPerformance, uint64[] scaledTrust)
const batchUpdateABIJSON = `[
	{
		"type": "function",
		"name": "updateMinerScores",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "minerUids", "type": "bytes32[]"},
			{"name": "scaledPerformance", "type": "uint64[]"},
			{"name": "scaledTrust", "type": "uint64[]"}
		],
		"outputs": []
	}
]`

// parsedBatchUpdateABI is the parsed form of batchUpdateABIJSON, built
// once at package init the way the teacher's contract bindings embed a
// generated ABI constant.
var parsedBatchUpdateABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(batchUpdateABIJSON))
	if err != nil {
		panic(errors.Wrap(err, "chainclient: parsing batch update ABI"))
	}
	parsedBatchUpdateABI = parsed
}

// packBatchUpdate ABI-encodes a call to updateMinerScores.
func packBatchUpdate(minerUids [][32]byte, perf, trust []uint64) ([]byte, error) {
	data, err := parsedBatchUpdateABI.Pack("updateMinerScores", minerUids, perf, trust)
	if err != nil {
		return nil, errors.Wrap(err, "chainclient: packing updateMinerScores call")
	}
	return data, nil
}
