// Package pipeline drives one slot's Pending -> Dispatching -> Scoring ->
// Exchanging -> Aggregating -> Committing -> {Committed | Failed | Skipped}
// state machine from spec.md §4.9, wiring C1 through C8 together. The
// SlotScheduler (C1) calls RunSlot once per slot boundary; everything else
// is a read or a bounded operation against the components it owns.
package pipeline

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/commit"
	"github.com/subnetlabs/subnet-validator/internal/config"
	"github.com/subnetlabs/subnet-validator/internal/consensus"
	"github.com/subnetlabs/subnet-validator/internal/dispatch"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/metagraph"
	"github.com/subnetlabs/subnet-validator/internal/p2pscore"
	"github.com/subnetlabs/subnet-validator/internal/scoring"
	"github.com/subnetlabs/subnet-validator/internal/statestore"
)

var log = logrus.WithField("prefix", "pipeline")

// State is the per-slot pipeline state from spec.md §4.9.
type State string

const (
	StatePending     State = "pending"
	StateDispatching State = "dispatching"
	StateScoring     State = "scoring"
	StateExchanging  State = "exchanging"
	StateAggregating State = "aggregating"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateFailed      State = "failed"
	StateSkipped     State = "skipped"
)

// Clock resolves the wall-clock deadline a given (slot, phase) ends at;
// *slotclock.Scheduler satisfies this. It is used only to bound the
// Phase-2 peer-exchange wait.
type Clock interface {
	DeadlineFor(slot ids.SlotNumber, phase ids.Phase) time.Time
}

// Deps wires every dependency-ordered component (StateStore, Scorer,
// MetagraphCache, TaskDispatcher, P2PScoreExchange, ConsensusEngine,
// ChainCommitter) into one slot driver.
type Deps struct {
	Store      *statestore.Store
	Metagraph  *metagraph.Cache
	Dispatcher *dispatch.Dispatcher
	Scoring    *scoring.Registry
	Exchange   *p2pscore.Exchange
	Consensus  *consensus.Engine
	Committer  *commit.Committer
	Clock      Clock // optional; a nil Clock skips the Phase-2 quorum wait

	Self   ids.ValidatorID
	Subnet ids.SubnetID

	// Rand draws the weighted miner-selection sample. A nil Rand
	// defaults to a crypto/rand-backed source so selection is not
	// reproducible across validator restarts.
	Rand dispatch.Rand
}

// Pipeline runs the per-slot state machine.
type Pipeline struct {
	deps   Deps
	params config.Snapshot
	rand   dispatch.Rand
}

// New constructs a Pipeline.
func New(deps Deps, params config.Snapshot) *Pipeline {
	r := deps.Rand
	if r == nil {
		r = cryptoRand{}
	}
	return &Pipeline{deps: deps, params: params, rand: r}
}

// cryptoRand adapts crypto/rand to dispatch.Rand, the way
// dispatch.Rand's own doc comment prescribes for production use.
type cryptoRand struct{}

func (cryptoRand) Float64() float64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		log.WithError(err).Warn("crypto/rand read failed; falling back to a fixed draw")
		return 0.5
	}
	// Standard 53-bit-mantissa technique for a uniform float64 in [0,1).
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// Result reports the terminal state and diagnostics for one RunSlot call.
type Result struct {
	State      State
	Selected   int
	Responded  int
	Committed  []ids.MinerID
	FraudFlags []statestore.FraudFlag
	Err        error
}

// RunSlot drives a single slot through every phase, returning only once a
// terminal state is reached (Committed, Failed, or Skipped).
func (p *Pipeline) RunSlot(ctx context.Context, slot ids.SlotNumber) Result {
	if p.deps.Metagraph.Degraded() {
		log.WithField("slot", slot).Warn("Metagraph degraded; skipping slot")
		return Result{State: StateSkipped}
	}

	active := activeMiners(p.deps.Metagraph.Miners(p.deps.Subnet))
	capability, ok := p.deps.Scoring.Capability(p.deps.Subnet)
	if !ok {
		return Result{State: StateFailed, Err: errNoCapability(p.deps.Subnet)}
	}

	selected := dispatch.Select(active, dispatch.SelectionParams{
		K:    p.params.SelectionK,
		Beta: p.params.SelectionBeta,
		BMax: p.params.SelectionBMax,
	}, p.slotsSince(ctx, slot), p.rand)
	if len(selected) == 0 {
		return Result{State: StateSkipped}
	}
	for _, m := range selected {
		if err := p.deps.Store.RecordSelection(ctx, slot, m); err != nil {
			log.WithError(err).WithField("miner", m).Warn("Failed to record miner selection")
		}
	}

	task, err := capability.Prepare(ctx, p.deps.Subnet, selected[0])
	if err != nil {
		return Result{State: StateFailed, Err: err}
	}

	endpoints := endpointsByMiner(active)
	targets := make([]dispatch.MinerTarget, 0, len(selected))
	for _, m := range selected {
		targets = append(targets, dispatch.MinerTarget{UID: m, Endpoint: endpoints[m]})
	}

	outcomes := p.deps.Dispatcher.Dispatch(ctx, slot, p.deps.Subnet, p.deps.Self, task.Content, targets)

	selfWeight := p.selfWeight()
	localScores := make([]p2pscore.LocalScore, 0, len(outcomes))
	inputsByMiner := make(map[ids.MinerID]*consensus.MinerSlotInput, len(outcomes))
	responded := 0
	for _, o := range outcomes {
		// A miner with no response, or whose response fails to grade,
		// still gets a self report of score 0 rather than being dropped
		// from this slot entirely — trust decay and consensus inclusion
		// must proceed even when every selected miner times out (§4.3, §8).
		var score float64
		if o.Response == nil {
			log.WithField("miner", o.Miner).Debug("No response from miner this slot; scoring 0")
		} else {
			responded++
			graded, scoreErr := scoring.Score(ctx, capability, task, scoring.Response{TaskID: o.Response.TaskID, Content: o.Response.Result}, p.params.TaskTimeout/2)
			if scoreErr != nil {
				log.WithError(scoreErr).WithField("miner", o.Miner).Warn("Scoring failed unexpectedly; scoring 0")
			} else {
				score = graded
			}
		}
		localScores = append(localScores, p2pscore.LocalScore{Miner: o.Miner, Score: score})
		inputsByMiner[o.Miner] = &consensus.MinerSlotInput{
			Miner: o.Miner,
			Reports: []consensus.Report{{
				Reporter: p.deps.Self,
				Self:     true,
				Trust:    selfWeight,
				Score:    score,
			}},
		}
	}

	peers := activePeers(p.deps.Metagraph.Validators(p.deps.Subnet), p.deps.Self)
	p.deps.Exchange.SetCapacity(len(peers) * len(active) * p.params.MaxPeerRecords)
	p.deps.Exchange.Broadcast(ctx, slot, localScores, peers)
	if p.deps.Clock != nil {
		deadline := p.deps.Clock.DeadlineFor(slot, ids.PhasePeerExchange)
		p.deps.Exchange.WaitForQuorum(ctx, slot, len(peers), p.params.PeerQuorumFrac, deadline)
	}

	// Every miner scored by a peer joins the worklist alongside every
	// miner the local validator scored itself, per §4.6's "scored by the
	// local validator OR by >= min_peer_reports peers" inclusion rule.
	weights := validatorWeights(p.deps.Metagraph.Validators(p.deps.Subnet))
	for _, rec := range p.deps.Exchange.Snapshot(slot) {
		reporter, parseErr := ids.ValidatorIDFromHex(rec.ReporterUID)
		if parseErr != nil {
			continue
		}
		miner, parseErr := ids.MinerIDFromHex(rec.MinerUID)
		if parseErr != nil {
			continue
		}
		input, ok := inputsByMiner[miner]
		if !ok {
			input = &consensus.MinerSlotInput{Miner: miner}
			inputsByMiner[miner] = input
		}
		input.Reports = append(input.Reports, consensus.Report{
			Reporter: reporter,
			Trust:    weights[reporter],
			Score:    rec.Score(),
		})
	}

	inputs := make([]consensus.MinerSlotInput, 0, len(inputsByMiner))
	for _, in := range inputsByMiner {
		inputs = append(inputs, *in)
	}

	result, err := p.deps.Consensus.EvaluateSlot(slot, inputs, func(m ids.MinerID) (statestore.TrustState, error) {
		return p.deps.Store.GetTrustState(ctx, m)
	})
	if err != nil {
		return Result{State: StateFailed, Err: err, Selected: len(selected), Responded: responded}
	}
	for _, flag := range result.FraudFlags {
		if err := p.deps.Store.RecordFraudFlag(ctx, flag); err != nil {
			log.WithError(err).Warn("Failed to persist fraud flag")
		}
	}

	outcome := p.deps.Committer.CommitSlot(ctx, slot, result.Updates)
	switch outcome.Status {
	case commit.StatusCommitted, commit.StatusAlreadyCommitted:
		return Result{
			State:      StateCommitted,
			Selected:   len(selected),
			Responded:  responded,
			Committed:  minerList(result.Updates),
			FraudFlags: result.FraudFlags,
		}
	case commit.StatusCommitIncomplete:
		return Result{State: StateSkipped, Selected: len(selected), Responded: responded, Err: outcome.Err}
	default:
		return Result{State: StateFailed, Selected: len(selected), Responded: responded, Err: outcome.Err}
	}
}

func (p *Pipeline) slotsSince(ctx context.Context, slot ids.SlotNumber) dispatch.SlotsSince {
	return func(miner ids.MinerID) uint64 {
		ts, err := p.deps.Store.GetTrustState(ctx, miner)
		if err != nil || ts.LastSelectedSlot > slot {
			return 0
		}
		return uint64(slot - ts.LastSelectedSlot)
	}
}

func (p *Pipeline) selfWeight() float64 {
	v, ok := p.deps.Metagraph.SelfValidator(p.deps.Subnet, p.deps.Self)
	if !ok {
		return 1
	}
	return v.Weight
}

func activeMiners(all []chainclient.MinerEntry) []chainclient.MinerEntry {
	active := make([]chainclient.MinerEntry, 0, len(all))
	for _, m := range all {
		if m.Status == chainclient.StatusActive {
			active = append(active, m)
		}
	}
	return active
}

func endpointsByMiner(active []chainclient.MinerEntry) map[ids.MinerID]string {
	out := make(map[ids.MinerID]string, len(active))
	for _, m := range active {
		out[m.UID] = m.APIEndpoint
	}
	return out
}

func activePeers(validators []chainclient.ValidatorEntry, self ids.ValidatorID) []p2pscore.Peer {
	peers := make([]p2pscore.Peer, 0, len(validators))
	for _, v := range validators {
		uid := ids.ValidatorID(v.UID)
		if uid == self || v.Status != chainclient.StatusActive {
			continue
		}
		peers = append(peers, p2pscore.Peer{UID: uid, Endpoint: v.APIEndpoint})
	}
	return peers
}

func validatorWeights(validators []chainclient.ValidatorEntry) map[ids.ValidatorID]float64 {
	out := make(map[ids.ValidatorID]float64, len(validators))
	for _, v := range validators {
		out[ids.ValidatorID(v.UID)] = v.Weight
	}
	return out
}

func minerList(updates []statestore.MinerUpdate) []ids.MinerID {
	out := make([]ids.MinerID, len(updates))
	for i, u := range updates {
		out[i] = u.Miner
	}
	return out
}

type errNoCapabilityType struct{ subnet ids.SubnetID }

func (e errNoCapabilityType) Error() string {
	return fmt.Sprintf("pipeline: no scoring capability registered for subnet %d", uint64(e.subnet))
}

func errNoCapability(subnet ids.SubnetID) error {
	return errNoCapabilityType{subnet: subnet}
}
