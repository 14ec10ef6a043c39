package config

import (
	"time"

	"github.com/urfave/cli/v2"
)

func secondsToDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Flags are the urfave/cli flags recognized by cmd/run-validator (cmd/run-miner
// defines its own smaller flag set), matching spec.md §6's enumerated
// configuration options.
var Flags = []cli.Flag{
	&cli.StringFlag{Name: "config-file", Usage: "optional TOML file overlaying the built-in defaults"},
	&cli.Float64Flag{Name: "slot-length-s", Usage: "wall-clock slot length in seconds"},
	&cli.Float64Flag{Name: "task-timeout-s", Usage: "per-miner task RPC timeout in seconds"},
	&cli.IntFlag{Name: "task-retries", Usage: "retries on transient transport errors during dispatch"},
	&cli.IntFlag{Name: "selection-k", Usage: "target miner selection count per slot"},
	&cli.Float64Flag{Name: "selection-beta", Usage: "starvation-avoidance weight in miner selection"},
	&cli.Uint64Flag{Name: "selection-bmax", Usage: "cap on slots-since-last-selection in miner selection"},
	&cli.Float64Flag{Name: "peer-quorum-fraction", Usage: "fraction of active peers whose scores end peer exchange early"},
	&cli.IntFlag{Name: "min-peer-reports", Usage: "minimum peer reports for a miner to be updated"},
	&cli.Float64Flag{Name: "deviation-threshold", Usage: "outlier deviation threshold D_thresh"},
	&cli.IntFlag{Name: "deviation-strikes", Usage: "consecutive-slot strikes before a FraudFlag is raised"},
	&cli.Float64Flag{Name: "delta-trust", Usage: "trust decay rate"},
	&cli.Float64Flag{Name: "alpha-trust", Usage: "trust update learning rate"},
	&cli.IntFlag{Name: "history-length", Usage: "bounded performance history ring buffer length"},
	&cli.IntFlag{Name: "max-stale-slots", Usage: "consecutive metagraph refresh failures before Degraded"},
	&cli.IntFlag{Name: "commit-retries", Usage: "bounded retries for chain commit submission"},
	&cli.IntFlag{Name: "max-peer-records-multiplier", Usage: "multiplier for max_peer_records_per_slot = peers*miners*N"},
	&cli.Float64Flag{Name: "clock-drift-tolerance-s", Usage: "allowed NTP clock skew in seconds"},
	&cli.StringFlag{Name: "datadir", Usage: "local state store directory"},
	&cli.StringFlag{Name: "chain-rpc-url", Usage: "EVM JSON-RPC endpoint"},
	&cli.StringFlag{Name: "contract-address", Usage: "subnet registry contract address"},
	&cli.StringFlag{Name: "wallet-path", Usage: "HD wallet keystore path"},
	&cli.StringFlag{Name: "health-addr", Usage: "address the health/metrics HTTP server listens on"},
	&cli.Uint64Flag{Name: "subnet", Usage: "subnet id this node serves", Required: true},
}

// FromCLIContext builds a Snapshot from Default(), an optional TOML file,
// and any CLI flags explicitly set on ctx, in that order of precedence —
// the same layering the teacher's cmd packages apply over beacon-chain
// flag sets.
func FromCLIContext(ctx *cli.Context) (Snapshot, error) {
	s := Default()
	if ctx.IsSet("config-file") {
		var err error
		s, err = LoadTOML(ctx.String("config-file"), s)
		if err != nil {
			return s, err
		}
	}
	applyFlag(ctx, "slot-length-s", func(v float64) { s.SlotLength = secondsToDuration(v) })
	applyFlag(ctx, "task-timeout-s", func(v float64) { s.TaskTimeout = secondsToDuration(v) })
	applyIntFlag(ctx, "task-retries", func(v int) { s.TaskRetries = v })
	applyIntFlag(ctx, "selection-k", func(v int) { s.SelectionK = v })
	applyFlag(ctx, "selection-beta", func(v float64) { s.SelectionBeta = v })
	applyFlag(ctx, "peer-quorum-fraction", func(v float64) { s.PeerQuorumFrac = v })
	applyIntFlag(ctx, "min-peer-reports", func(v int) { s.MinPeerReports = v })
	applyFlag(ctx, "deviation-threshold", func(v float64) { s.DeviationThresh = v })
	applyIntFlag(ctx, "deviation-strikes", func(v int) { s.DeviationStrikes = v })
	applyFlag(ctx, "delta-trust", func(v float64) { s.DeltaTrust = v })
	applyFlag(ctx, "alpha-trust", func(v float64) { s.AlphaTrust = v })
	applyIntFlag(ctx, "history-length", func(v int) { s.HistoryLength = v })
	applyIntFlag(ctx, "max-stale-slots", func(v int) { s.MaxStaleSlots = v })
	applyIntFlag(ctx, "commit-retries", func(v int) { s.CommitRetries = v })
	applyIntFlag(ctx, "max-peer-records-multiplier", func(v int) { s.MaxPeerRecords = v })
	applyFlag(ctx, "clock-drift-tolerance-s", func(v float64) { s.ClockDriftTol = secondsToDuration(v) })
	if ctx.IsSet("selection-bmax") {
		s.SelectionBMax = ctx.Uint64("selection-bmax")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func applyFlag(ctx *cli.Context, name string, set func(float64)) {
	if ctx.IsSet(name) {
		set(ctx.Float64(name))
	}
}

func applyIntFlag(ctx *cli.Context, name string, set func(int)) {
	if ctx.IsSet(name) {
		set(ctx.Int(name))
	}
}
