package node

import (
	"context"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/commit"
	"github.com/subnetlabs/subnet-validator/internal/config"
	"github.com/subnetlabs/subnet-validator/internal/consensus"
	"github.com/subnetlabs/subnet-validator/internal/dispatch"
	"github.com/subnetlabs/subnet-validator/internal/health"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/keysigner"
	"github.com/subnetlabs/subnet-validator/internal/metagraph"
	"github.com/subnetlabs/subnet-validator/internal/p2pscore"
	"github.com/subnetlabs/subnet-validator/internal/pipeline"
	"github.com/subnetlabs/subnet-validator/internal/runtime"
	"github.com/subnetlabs/subnet-validator/internal/scoring"
	"github.com/subnetlabs/subnet-validator/internal/slotclock"
	"github.com/subnetlabs/subnet-validator/internal/statestore"
)

var log = logrus.WithField("prefix", "node")

// Params bundles every deployment-specific value config.Snapshot doesn't
// carry: network endpoints, key material, and the subnet this process
// serves. Snapshot holds only the protocol-tuning knobs shared across
// every validator on the network; these are per-deployment.
type Params struct {
	Config          config.Snapshot
	Subnet          ids.SubnetID
	SelfValidatorID ids.ValidatorID

	RPCURL          string
	ContractAddress ethcommon.Address
	ChainID         *big.Int

	DataDir        string
	HealthAddr     string
	ScorerManifest scoring.Manifest
	Genesis        time.Time
	SkewChecker    slotclock.SkewChecker
}

// ValidatorNode assembles the StateStore, MetagraphCache, TaskDispatcher,
// P2PScoreExchange, ConsensusEngine, and ChainCommitter into one
// long-lived process, the role the teacher's BeaconNode plays around its
// own ServiceRegistry.
type ValidatorNode struct {
	registry *runtime.ServiceRegistry
	store    *statestore.Store
	health   *health.Server
	clock    *slotclock.Scheduler
}

// New dials the chain, opens the state store, and wires every
// dependency-ordered component (StateStore first, ChainCommitter last)
// behind signer.
func New(ctx context.Context, params Params, signer *keysigner.HDSigner) (*ValidatorNode, error) {
	chain, err := chainclient.NewEVMClient(ctx, params.RPCURL, params.ContractAddress, params.ChainID)
	if err != nil {
		return nil, errors.Wrap(err, "node: dialing chain RPC")
	}

	store, err := statestore.NewKVStore(ctx, params.DataDir, &statestore.Config{HistoryLength: params.Config.HistoryLength})
	if err != nil {
		return nil, errors.Wrap(err, "node: opening state store")
	}

	mg, err := metagraph.New(metagraph.Config{Client: chain, MaxStaleSlots: params.Config.MaxStaleSlots})
	if err != nil {
		return nil, errors.Wrap(err, "node: constructing metagraph cache")
	}

	scorers, err := scoring.BuildRegistry(params.ScorerManifest)
	if err != nil {
		return nil, errors.Wrap(err, "node: building scorer registry")
	}

	dispatcher := dispatch.New(dispatch.Config{
		Signer:      signer,
		TaskTimeout: params.Config.TaskTimeout,
		Retries:     params.Config.TaskRetries,
	})

	verifier := newRegistryVerifier(mg, params.Subnet)
	exchange := p2pscore.New(p2pscore.Config{
		Self:        params.SelfValidatorID,
		Signer:      signer,
		Verifier:    verifier,
		Concurrency: params.Config.OutboundConcur,
	})

	engine := consensus.New(consensus.Params{
		MinPeerReports:     params.Config.MinPeerReports,
		DeltaTrust:         params.Config.DeltaTrust,
		AlphaTrust:         params.Config.AlphaTrust,
		DeviationThreshold: params.Config.DeviationThresh,
		DeviationStrikes:   params.Config.DeviationStrikes,
	})

	committer := commit.New(commit.Config{
		Client:          chain,
		Signer:          signer,
		Store:           store,
		MaxBatchPerCall: 256,
		Retries:         params.Config.CommitRetries,
	})

	healthSrv := health.New(params.HealthAddr)

	clock := slotclock.New(slotclock.Config{
		Genesis:        params.Genesis,
		SlotLength:     params.Config.SlotLength,
		PhaseFractions: params.Config.PhaseFractions,
		Tolerance:      params.Config.ClockDriftTol,
		SkewChecker:    params.SkewChecker,
	})

	pl := pipeline.New(pipeline.Deps{
		Store:      store,
		Metagraph:  mg,
		Dispatcher: dispatcher,
		Scoring:    scorers,
		Exchange:   exchange,
		Consensus:  engine,
		Committer:  committer,
		Clock:      clock,
		Self:       params.SelfValidatorID,
		Subnet:     params.Subnet,
	}, params.Config)

	runner := &slotRunner{
		clock:     clock,
		metagraph: mg,
		subnet:    params.Subnet,
		pipeline:  pl,
		health:    healthSrv,
	}

	registry := runtime.NewServiceRegistry()
	for _, svc := range []runtime.Service{&storeService{store}, healthSrv, runner} {
		if err := registry.RegisterService(svc); err != nil {
			return nil, errors.Wrap(err, "node: registering service")
		}
	}

	return &ValidatorNode{registry: registry, store: store, health: healthSrv, clock: clock}, nil
}

// Start starts every registered service in dependency order.
func (n *ValidatorNode) Start() {
	log.Info("Starting validator node")
	n.registry.StartAll()
}

// Stop stops every registered service in reverse order.
func (n *ValidatorNode) Stop() error {
	log.Info("Stopping validator node")
	return n.registry.StopAll()
}

// Fatal surfaces clock drift beyond tolerance, reported by the slot
// runner, so the process can end with a specific exit code rather than
// retrying forever. No other condition is sent on this channel.
func (n *ValidatorNode) Fatal() <-chan error {
	var runner *slotRunner
	_ = n.registry.FetchService(&runner)
	if runner == nil {
		return nil
	}
	return runner.Fatal()
}

// storeService adapts statestore.Store to runtime.Service; the store has
// no background work to start, only its bbolt handle to close on Stop.
type storeService struct {
	store *statestore.Store
}

func (s *storeService) Start() error { return nil }
func (s *storeService) Stop() error  { return s.store.Close() }
func (s *storeService) Status() error {
	return nil
}
