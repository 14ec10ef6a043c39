// Command run-validator runs one validator process against a single
// subnet: it selects miners, dispatches tasks, scores responses,
// exchanges scores with peers, aggregates trust-weighted consensus, and
// commits the resulting batch update to the chain once per slot.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/urfave/cli/v2"

	"github.com/subnetlabs/subnet-validator/internal/config"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/keysigner"
	"github.com/subnetlabs/subnet-validator/internal/node"
	"github.com/subnetlabs/subnet-validator/internal/scoring"
)

const (
	exitOK                 = 0
	exitConfigError        = 2
	exitChainConnectivity  = 3
	exitClockDriftExceeded = 4
)

var log = logrus.WithField("prefix", "run-validator")

func main() {
	logrus.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debugf(format, args...)
	})); err != nil {
		log.WithError(err).Warn("Failed to set GOMAXPROCS from cgroup limits")
	}

	app := &cli.App{
		Name:  "run-validator",
		Usage: "run a subnet validator node",
		Flags: append(config.Flags,
			&cli.StringFlag{Name: "mnemonic-file", Usage: "file holding the BIP-39 mnemonic for this validator's key", Required: true},
			&cli.StringFlag{Name: "mnemonic-passphrase", Usage: "optional BIP-39 passphrase", EnvVars: []string{"VALIDATOR_MNEMONIC_PASSPHRASE"}},
			&cli.StringFlag{Name: "scorer-manifest", Usage: "YAML file binding subnets to built-in scorer types", Required: true},
			&cli.Int64Flag{Name: "chain-id", Usage: "EVM chain id", Required: true},
			&cli.TimestampFlag{Name: "genesis", Usage: "protocol genesis time (RFC3339)", Layout: time.RFC3339, Required: true},
		),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("run-validator exited with error")
		os.Exit(exitCodeFor(err))
	}
}

// exitErr carries the process exit code alongside the error the action
// already logged, so main doesn't need to re-inspect error strings.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }

func genesisFrom(ctx *cli.Context) time.Time {
	t := ctx.Timestamp("genesis")
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func exitCodeFor(err error) int {
	if ee, ok := err.(*exitErr); ok {
		return ee.code
	}
	return exitConfigError
}

func run(ctx *cli.Context) error {
	snapshot, err := config.FromCLIContext(ctx)
	if err != nil {
		return &exitErr{code: exitConfigError, err: fmt.Errorf("config: %w", err)}
	}

	mnemonicBytes, err := os.ReadFile(ctx.String("mnemonic-file"))
	if err != nil {
		return &exitErr{code: exitConfigError, err: fmt.Errorf("reading mnemonic file: %w", err)}
	}
	signer, err := keysigner.NewHDSignerFromMnemonic(strings.TrimSpace(string(mnemonicBytes)), ctx.String("mnemonic-passphrase"))
	if err != nil {
		return &exitErr{code: exitConfigError, err: fmt.Errorf("constructing signer: %w", err)}
	}

	manifest, err := scoring.LoadManifest(ctx.String("scorer-manifest"))
	if err != nil {
		return &exitErr{code: exitConfigError, err: fmt.Errorf("loading scorer manifest: %w", err)}
	}

	contractAddr := ethcommon.HexToAddress(ctx.String("contract-address"))
	chainID := big.NewInt(ctx.Int64("chain-id"))
	subnet := ids.SubnetID(ctx.Uint64("subnet"))

	background := context.Background()
	selfID, err := resolveSelfValidatorID(background, ctx.String("chain-rpc-url"), contractAddr, chainID, subnet, signer.Address())
	if err != nil {
		return &exitErr{code: exitChainConnectivity, err: fmt.Errorf("resolving validator registration: %w", err)}
	}

	params := node.Params{
		Config:          snapshot,
		Subnet:          subnet,
		SelfValidatorID: selfID,
		RPCURL:          ctx.String("chain-rpc-url"),
		ContractAddress: contractAddr,
		ChainID:         chainID,
		DataDir:         ctx.String("datadir"),
		HealthAddr:      ctx.String("health-addr"),
		ScorerManifest:  manifest,
		Genesis:         genesisFrom(ctx),
	}

	vn, err := node.New(background, params, signer)
	if err != nil {
		return &exitErr{code: exitChainConnectivity, err: fmt.Errorf("constructing validator node: %w", err)}
	}

	vn.Start()
	log.WithField("subnet", subnet).Info("Validator node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case fatalErr := <-vn.Fatal():
		if err := vn.Stop(); err != nil {
			log.WithError(err).Warn("Error stopping node after fatal condition")
		}
		return &exitErr{code: exitClockDriftExceeded, err: fatalErr}
	}

	if err := vn.Stop(); err != nil {
		return &exitErr{code: exitConfigError, err: fmt.Errorf("stopping node: %w", err)}
	}
	return nil
}
