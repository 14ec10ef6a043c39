// Package consensus implements ConsensusEngine (C6): trust-weighted score
// aggregation, cross-reporter outlier flagging, and the trust/performance
// update applied at Phase-3, per spec.md §4.6.
package consensus

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/scaled"
	"github.com/subnetlabs/subnet-validator/internal/statestore"
)

var log = logrus.WithField("prefix", "consensus")

// Report is one validator's (possibly self's) score for a single miner this
// slot, along with that validator's current trust weight from the metagraph
// snapshot.
type Report struct {
	Reporter ids.ValidatorID
	Self     bool
	Trust    float64
	Score    float64
}

// MinerSlotInput bundles every report collected for one miner this slot.
type MinerSlotInput struct {
	Miner   ids.MinerID
	Reports []Report
}

// FMap is the configured bounded monotone map applied to P_agg(m) in the
// trust-update term. IdentityClip01 is the default.
type FMap func(pAgg float64) float64

// IdentityClip01 is the default f: identity clipped to [0,1].
func IdentityClip01(pAgg float64) float64 {
	if pAgg < 0 {
		return 0
	}
	if pAgg > 1 {
		return 1
	}
	return pAgg
}

// Params are the subnet-tunable knobs consumed by the engine.
type Params struct {
	MinPeerReports     int
	DeltaTrust         float64
	AlphaTrust         float64
	DeviationThreshold float64
	DeviationStrikes   int
	F                  FMap // nil means IdentityClip01

	// FraudPenalty scales the effective score of reports from a flagged
	// reporter, per the governance rule deferred by spec.md §9's open
	// question on FraudFlag's downweight. Default: 0.5 while flagged, 1
	// otherwise.
	FraudPenalty func(validator ids.ValidatorID, flagged bool) float64
}

// Engine is ConsensusEngine (C6). It tracks consecutive-strike state for
// outlier flagging across slots, so one Engine instance is meant to live for
// the validator process's lifetime.
type Engine struct {
	params Params

	mu      sync.Mutex
	strikes map[ids.ValidatorID]int
	flagged map[ids.ValidatorID]bool
}

func defaultFraudPenalty(_ ids.ValidatorID, flagged bool) float64 {
	if flagged {
		return 0.5
	}
	return 1
}

// New constructs an Engine.
func New(params Params) *Engine {
	if params.F == nil {
		params.F = IdentityClip01
	}
	if params.FraudPenalty == nil {
		params.FraudPenalty = defaultFraudPenalty
	}
	return &Engine{params: params, strikes: make(map[ids.ValidatorID]int), flagged: make(map[ids.ValidatorID]bool)}
}

// IsFlagged reports whether a validator currently carries a fraud flag.
func (e *Engine) IsFlagged(validator ids.ValidatorID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flagged[validator]
}

// Aggregate computes P_agg(m) = Σ_v(T_v·s_v,m) / Σ_v T_v over the given
// reports. It returns ok=false when the miner must be excluded from this
// slot's update: either the trust-weight sum is zero, or the reporter count
// is below minPeerReports and none of the reports is self's.
func Aggregate(reports []Report, minPeerReports int) (pAgg float64, ok bool) {
	var sumWeighted, sumWeight float64
	selfReported := false
	for _, r := range reports {
		sumWeighted += r.Trust * r.Score
		sumWeight += r.Trust
		if r.Self {
			selfReported = true
		}
	}
	if sumWeight == 0 {
		return 0, false
	}
	if len(reports) < minPeerReports && !selfReported {
		return 0, false
	}
	return sumWeighted / sumWeight, true
}

// Deviation is one reporter's per-slot distance from the cross-reporter
// mean, used for outlier flagging.
type Deviation struct {
	Reporter ids.ValidatorID
	D        float64
}

// DetectOutliers computes d_v for every reporter that contributed at least
// one score this slot, per §4.6's outlier-flagging formula. aggregates holds
// P_agg(m) for every miner that was included in this slot's update.
func DetectOutliers(inputs []MinerSlotInput, aggregates map[ids.MinerID]float64) []Deviation {
	if len(aggregates) == 0 {
		return nil
	}
	var aggSum float64
	for _, v := range aggregates {
		aggSum += v
	}
	meanAgg := aggSum / float64(len(aggregates))

	reporterSums := make(map[ids.ValidatorID]float64)
	reporterCounts := make(map[ids.ValidatorID]int)
	for _, in := range inputs {
		for _, r := range in.Reports {
			reporterSums[r.Reporter] += r.Score
			reporterCounts[r.Reporter]++
		}
	}

	reporterAvgs := make(map[ids.ValidatorID]float64, len(reporterSums))
	for v, sum := range reporterSums {
		reporterAvgs[v] = sum / float64(reporterCounts[v])
	}

	sigma := stddev(reporterAvgs)
	deviations := make([]Deviation, 0, len(reporterAvgs))
	for v, avg := range reporterAvgs {
		var d float64
		if sigma > 0 {
			d = math.Abs(avg-meanAgg) / sigma
		}
		deviations = append(deviations, Deviation{Reporter: v, D: d})
	}
	return deviations
}

func stddev(values map[ids.ValidatorID]float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// UpdateStrikes advances each reporter's consecutive-deviation strike count
// and returns the FraudFlags newly raised this slot (strike count reaches
// DeviationStrikes). A reporter whose deviation falls back within threshold
// has its streak reset. A flag resets the streak once raised, so the same
// validator is not re-flagged every subsequent slot it remains anomalous.
func (e *Engine) UpdateStrikes(slot ids.SlotNumber, deviations []Deviation) []statestore.FraudFlag {
	e.mu.Lock()
	defer e.mu.Unlock()

	var flags []statestore.FraudFlag
	for _, d := range deviations {
		if d.D > e.params.DeviationThreshold {
			e.strikes[d.Reporter]++
		} else {
			e.strikes[d.Reporter] = 0
			continue
		}
		if e.strikes[d.Reporter] >= e.params.DeviationStrikes {
			flags = append(flags, statestore.FraudFlag{Validator: d.Reporter, Slot: slot})
			log.WithFields(logrus.Fields{"validator": d.Reporter, "slot": slot}).Warn("Raising fraud flag for persistent score deviation")
			e.strikes[d.Reporter] = 0
			e.flagged[d.Reporter] = true
		}
	}
	return flags
}

// TrustLookup resolves a miner's durable trust/performance state.
type TrustLookup func(miner ids.MinerID) (statestore.TrustState, error)

// SlotResult is everything EvaluateSlot produces for one slot.
type SlotResult struct {
	Updates    []statestore.MinerUpdate
	FraudFlags []statestore.FraudFlag
	Deviations []Deviation
}

// EvaluateSlot runs the full Phase-3 computation: aggregation, outlier
// flagging, and trust/performance update, for every miner in inputs.
func (e *Engine) EvaluateSlot(slot ids.SlotNumber, inputs []MinerSlotInput, lookup TrustLookup) (SlotResult, error) {
	aggregates := make(map[ids.MinerID]float64, len(inputs))
	updates := make([]statestore.MinerUpdate, 0, len(inputs))

	for _, in := range inputs {
		effective := make([]Report, len(in.Reports))
		for i, r := range in.Reports {
			r.Score *= e.params.FraudPenalty(r.Reporter, e.IsFlagged(r.Reporter))
			effective[i] = r
		}

		pAgg, ok := Aggregate(effective, e.params.MinPeerReports)
		if !ok {
			// Excluded from this slot's update entirely; trust decays only
			// the next time it is evaluated, per §4.6 and scenario S4.
			continue
		}
		aggregates[in.Miner] = pAgg

		old, err := lookup(in.Miner)
		if err != nil {
			return SlotResult{}, err
		}
		deltaSlots := slotsSince(old.LastEvaluatedSlot, slot)
		trustOld := old.CurrentTrust.Float()
		trustNew := trustOld*math.Exp(-e.params.DeltaTrust*float64(deltaSlots)) + e.params.AlphaTrust*e.params.F(pAgg)
		trustNew = clamp01(trustNew)

		updates = append(updates, statestore.MinerUpdate{
			Miner:     in.Miner,
			Perf:      scaled.FromFloat(pAgg),
			Trust:     scaled.FromFloat(trustNew),
			Evaluated: true,
			HistoryAdd: &statestore.HistoryPoint{
				Slot:  slot,
				Score: scaled.FromFloat(pAgg),
			},
		})
	}

	deviations := DetectOutliers(inputs, aggregates)
	flags := e.UpdateStrikes(slot, deviations)

	return SlotResult{Updates: updates, FraudFlags: flags, Deviations: deviations}, nil
}

func slotsSince(last, current ids.SlotNumber) uint64 {
	if current <= last {
		return 1
	}
	return uint64(current - last)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
