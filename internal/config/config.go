// Package config builds the immutable configuration Snapshot consumed by
// every component in this repository. A Snapshot is constructed exactly
// once at process startup from CLI flags layered over an optional TOML
// file, per the "no process-wide singletons beyond a read-only config
// snapshot" design note, and is then passed by value into every
// component's constructor.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Snapshot holds every recognized configuration option from spec.md §6.
type Snapshot struct {
	SlotLength       time.Duration
	PhaseFractions   [4]float64 // must sum to 1: task, local scoring, peer exchange, consensus & commit
	TaskTimeout      time.Duration
	TaskRetries      int
	SelectionK       int
	SelectionBeta    float64
	SelectionBMax    uint64
	PeerQuorumFrac   float64
	MinPeerReports   int
	DeviationThresh  float64
	DeviationStrikes int
	DeltaTrust       float64
	AlphaTrust       float64
	HistoryLength    int
	MaxStaleSlots    int
	CommitRetries    int
	MaxPeerRecords   int // per (reporter, miner) buffer bound multiplier; see §5
	ClockDriftTol    time.Duration
	OutboundConcur   int // C_out, §4.5 default 8
}

// Default returns the documented defaults from spec.md, suitable as a base
// that CLI flags and a TOML file then override.
func Default() Snapshot {
	return Snapshot{
		SlotLength:       12 * time.Second,
		PhaseFractions:   [4]float64{0.4, 0.2, 0.2, 0.2},
		TaskTimeout:      4 * time.Second,
		TaskRetries:      2,
		SelectionK:       32,
		SelectionBeta:    0.05,
		SelectionBMax:    50,
		PeerQuorumFrac:   2.0 / 3.0,
		MinPeerReports:   2,
		DeviationThresh:  0.5,
		DeviationStrikes: 3,
		DeltaTrust:       0.1,
		AlphaTrust:       0.1,
		HistoryLength:    32,
		MaxStaleSlots:    3,
		CommitRetries:    3,
		MaxPeerRecords:   2,
		ClockDriftTol:    2 * time.Second,
		OutboundConcur:   8,
	}
}

// LoadTOML reads an optional TOML file and merges its values over base,
// matching the teacher's layered flag/file configuration style.
func LoadTOML(path string, base Snapshot) (Snapshot, error) {
	if path == "" {
		return base, nil
	}
	var overlay tomlOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return base, errors.Wrapf(err, "config: decoding %s", path)
	}
	overlay.applyTo(&base)
	return base, nil
}

// tomlOverlay mirrors Snapshot's fields using primitive types decodable by
// BurntSushi/toml, with pointers so that unset fields don't clobber base.
type tomlOverlay struct {
	SlotLengthS       *float64 `toml:"slot_length_s"`
	PhaseFractions    *[4]float64 `toml:"phase_fractions"`
	TaskTimeoutS      *float64 `toml:"task_timeout_s"`
	TaskRetries       *int     `toml:"task_retries"`
	SelectionK        *int     `toml:"selection_k"`
	SelectionBeta     *float64 `toml:"selection_beta"`
	SelectionBMax     *uint64  `toml:"selection_bmax"`
	PeerQuorumFrac    *float64 `toml:"peer_quorum_fraction"`
	MinPeerReports    *int     `toml:"min_peer_reports"`
	DeviationThresh   *float64 `toml:"deviation_threshold"`
	DeviationStrikes  *int     `toml:"deviation_strikes"`
	DeltaTrust        *float64 `toml:"delta_trust"`
	AlphaTrust        *float64 `toml:"alpha_trust"`
	HistoryLength     *int     `toml:"history_length"`
	MaxStaleSlots     *int     `toml:"max_stale_slots"`
	CommitRetries     *int     `toml:"commit_retries"`
	MaxPeerRecords    *int     `toml:"max_peer_records_per_slot"`
	ClockDriftTolS    *float64 `toml:"clock_drift_tolerance_s"`
}

func (o tomlOverlay) applyTo(s *Snapshot) {
	if o.SlotLengthS != nil {
		s.SlotLength = time.Duration(*o.SlotLengthS * float64(time.Second))
	}
	if o.PhaseFractions != nil {
		s.PhaseFractions = *o.PhaseFractions
	}
	if o.TaskTimeoutS != nil {
		s.TaskTimeout = time.Duration(*o.TaskTimeoutS * float64(time.Second))
	}
	if o.TaskRetries != nil {
		s.TaskRetries = *o.TaskRetries
	}
	if o.SelectionK != nil {
		s.SelectionK = *o.SelectionK
	}
	if o.SelectionBeta != nil {
		s.SelectionBeta = *o.SelectionBeta
	}
	if o.SelectionBMax != nil {
		s.SelectionBMax = *o.SelectionBMax
	}
	if o.PeerQuorumFrac != nil {
		s.PeerQuorumFrac = *o.PeerQuorumFrac
	}
	if o.MinPeerReports != nil {
		s.MinPeerReports = *o.MinPeerReports
	}
	if o.DeviationThresh != nil {
		s.DeviationThresh = *o.DeviationThresh
	}
	if o.DeviationStrikes != nil {
		s.DeviationStrikes = *o.DeviationStrikes
	}
	if o.DeltaTrust != nil {
		s.DeltaTrust = *o.DeltaTrust
	}
	if o.AlphaTrust != nil {
		s.AlphaTrust = *o.AlphaTrust
	}
	if o.HistoryLength != nil {
		s.HistoryLength = *o.HistoryLength
	}
	if o.MaxStaleSlots != nil {
		s.MaxStaleSlots = *o.MaxStaleSlots
	}
	if o.CommitRetries != nil {
		s.CommitRetries = *o.CommitRetries
	}
	if o.MaxPeerRecords != nil {
		s.MaxPeerRecords = *o.MaxPeerRecords
	}
	if o.ClockDriftTolS != nil {
		s.ClockDriftTol = time.Duration(*o.ClockDriftTolS * float64(time.Second))
	}
}

// Validate enforces the invariants documented in spec.md §6: phase
// fractions must sum to 1, and every count/threshold must be sane.
func (s Snapshot) Validate() error {
	sum := 0.0
	for _, f := range s.PhaseFractions {
		if f < 0 {
			return errors.New("config: phase fractions must be non-negative")
		}
		sum += f
	}
	if abs(sum-1.0) > 1e-9 {
		return errors.Errorf("config: phase fractions must sum to 1, got %f", sum)
	}
	if s.SelectionK <= 0 {
		return errors.New("config: selection_k must be positive")
	}
	if s.PeerQuorumFrac <= 0 || s.PeerQuorumFrac > 1 {
		return errors.New("config: peer_quorum_fraction must be in (0,1]")
	}
	if s.MinPeerReports < 1 {
		return errors.New("config: min_peer_reports must be >= 1")
	}
	if s.HistoryLength <= 0 {
		return errors.New("config: history_length must be positive")
	}
	if s.SlotLength <= 0 {
		return errors.New("config: slot_length_s must be positive")
	}
	return nil
}

// PhaseLength returns the wall-clock length of the given phase, derived
// from SlotLength and PhaseFractions.
func (s Snapshot) PhaseLength(phase int) time.Duration {
	return time.Duration(float64(s.SlotLength) * s.PhaseFractions[phase])
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
