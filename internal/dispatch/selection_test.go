package dispatch

import (
	"testing"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/scaled"
	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

// fixedRand always returns the same float, making Select's weighted draw
// deterministic for tests.
type fixedRand struct{ v float64 }

func (f fixedRand) Float64() float64 { return f.v }

func minerEntry(id byte, trust float64) chainclient.MinerEntry {
	var uid ids.MinerID
	uid[0] = id
	return chainclient.MinerEntry{UID: uid, ScaledTrustScore: scaled.FromFloat(trust)}
}

func TestSelect_RespectsKAndActiveCount(t *testing.T) {
	active := []chainclient.MinerEntry{minerEntry(1, 0.5), minerEntry(2, 0.5)}
	since := func(ids.MinerID) uint64 { return 0 }

	selected := Select(active, SelectionParams{K: 5, Beta: 0.1, BMax: 10}, since, fixedRand{v: 0.5})
	require.Equal(t, 2, len(selected)) // capped at active count, invariant 6
}

func TestSelect_NoActiveMinersReturnsEmpty(t *testing.T) {
	since := func(ids.MinerID) uint64 { return 0 }
	selected := Select(nil, SelectionParams{K: 5, Beta: 0.1, BMax: 10}, since, fixedRand{v: 0})
	require.Equal(t, 0, len(selected))
}

func TestSelect_NoDuplicates(t *testing.T) {
	active := []chainclient.MinerEntry{
		minerEntry(1, 0.9), minerEntry(2, 0.1), minerEntry(3, 0.5),
	}
	since := func(ids.MinerID) uint64 { return 0 }
	selected := Select(active, SelectionParams{K: 3, Beta: 0.1, BMax: 10}, since, fixedRand{v: 0.99})

	seen := map[ids.MinerID]bool{}
	for _, m := range selected {
		require.True(t, !seen[m])
		seen[m] = true
	}
}

func TestSelect_RewardsStarvedMiners(t *testing.T) {
	// Two equal-trust miners; one has been starved for longer, so its
	// weight should dominate regardless of trust tie.
	active := []chainclient.MinerEntry{minerEntry(1, 0.5), minerEntry(2, 0.5)}
	since := func(m ids.MinerID) uint64 {
		if m[0] == 2 {
			return 100
		}
		return 0
	}
	// rand.Float64() = 0 always selects the first candidate in sorted
	// (highest weight) order.
	selected := Select(active, SelectionParams{K: 1, Beta: 0.1, BMax: 1000}, since, fixedRand{v: 0})
	require.Equal(t, 1, len(selected))
	require.Equal(t, byte(2), selected[0][0])
}
