// Package dispatch implements the TaskDispatcher (C3): weighted miner
// selection and concurrent task dispatch with per-request timeout and
// bounded retries, per spec.md §4.3.
package dispatch

import (
	"sort"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
)

// SelectionParams are the subnet-tunable knobs for weighted selection.
type SelectionParams struct {
	K    int
	Beta float64
	BMax uint64
}

// SlotsSince is injected by the caller (backed by StateStore's
// last_selected_slot) so Select stays a pure function of its inputs.
type SlotsSince func(miner ids.MinerID) uint64

// Rand is the minimal randomness capability Select needs, injected so
// callers can use a seeded PRNG in tests and crypto/rand in production.
type Rand interface {
	Float64() float64
}

type candidate struct {
	miner  ids.MinerID
	weight float64
}

// Select draws k miners without replacement from active, using the
// probability P(m) = trust(m) * (1 + beta * min(slotsSinceLastSelection(m), BMax)),
// normalized, with ties in probability broken by lexicographic UID order.
func Select(active []chainclient.MinerEntry, params SelectionParams, since SlotsSince, rand Rand) []ids.MinerID {
	k := params.K
	if k > len(active) {
		k = len(active)
	}
	if k <= 0 {
		return nil
	}

	candidates := make([]candidate, 0, len(active))
	for _, m := range active {
		s := since(m.UID)
		if s > params.BMax {
			s = params.BMax
		}
		trust := m.ScaledTrustScore.Float()
		w := trust * (1 + params.Beta*float64(s))
		candidates = append(candidates, candidate{miner: m.UID, weight: w})
	}

	// Deterministic tie-break: sort by (-weight, UID) first so equal-
	// weight candidates are ordered lexicographically before the
	// weighted draw without replacement proceeds.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].miner.Less(candidates[j].miner)
	})

	selected := make([]ids.MinerID, 0, k)
	remaining := candidates
	for len(selected) < k && len(remaining) > 0 {
		idx := weightedPick(remaining, rand)
		selected = append(selected, remaining[idx].miner)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return selected
}

func weightedPick(candidates []candidate, rand Rand) int {
	total := 0.0
	for _, c := range candidates {
		total += c.weight
	}
	if total <= 0 {
		return 0
	}
	r := rand.Float64() * total
	acc := 0.0
	for i, c := range candidates {
		acc += c.weight
		if r <= acc {
			return i
		}
	}
	return len(candidates) - 1
}
