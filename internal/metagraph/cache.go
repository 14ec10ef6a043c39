// Package metagraph implements the MetagraphCache (C2): it is the sole
// chain-read path in the process (per the design note breaking the
// ConsensusEngine/MetagraphCache/ChainCommitter cycle), refreshed at most
// once per slot and always before Phase 0 starts.
package metagraph

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
)

var log = logrus.WithField("prefix", "metagraph")

// StaleMetagraphError is reported when a refresh fails and the previous
// snapshot is served instead.
type StaleMetagraphError struct {
	ConsecutiveFailures int
}

func (e *StaleMetagraphError) Error() string {
	return errors.Errorf("metagraph: serving stale snapshot after %d consecutive refresh failures", e.ConsecutiveFailures).Error()
}

// Snapshot is one subnet's cached view of the chain registry.
type Snapshot struct {
	Subnet     ids.SubnetID
	Miners     []chainclient.MinerEntry
	Validators []chainclient.ValidatorEntry
	Params     chainclient.SubnetParams
	Self       *chainclient.ValidatorEntry
	FetchedAt  time.Time
}

// Cache is the MetagraphCache (C2). Snapshots are held behind an atomic
// pointer per subnet, written only by the refresh goroutine, read by every
// other component via Miners/Validators/SelfValidator/SubnetParams.
type Cache struct {
	client       chainclient.Client
	maxStale     int
	snapshots    *lru.Cache // SubnetID -> *atomic.Value holding *Snapshot
	failureCount map[ids.SubnetID]int
	degraded     int32 // atomic bool
}

// Config configures a new Cache.
type Config struct {
	Client        chainclient.Client
	MaxStaleSlots int
	CacheSize     int
}

// New constructs a Cache backed by client, caching up to cacheSize
// subnets' snapshots with an LRU eviction policy.
func New(cfg Config) (*Cache, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 16
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "metagraph: constructing LRU cache")
	}
	return &Cache{
		client:       cfg.Client,
		maxStale:     cfg.MaxStaleSlots,
		snapshots:    l,
		failureCount: make(map[ids.SubnetID]int),
	}, nil
}

// Refresh pulls a fresh snapshot for subnet from the chain. On failure,
// the previous snapshot (if any) continues to be served and a
// StaleMetagraphError is returned; after maxStale consecutive failures the
// cache flips into Degraded state.
func (c *Cache) Refresh(ctx context.Context, subnet ids.SubnetID) error {
	miners, err := c.client.GetSubnetMiners(ctx, subnet)
	if err == nil {
		var validators []chainclient.ValidatorEntry
		validators, err = c.client.GetSubnetValidators(ctx, subnet)
		if err == nil {
			var params chainclient.SubnetParams
			params, err = c.client.GetSubnet(ctx, subnet)
			if err == nil {
				snap := &Snapshot{
					Subnet:     subnet,
					Miners:     miners,
					Validators: validators,
					Params:     params,
					FetchedAt:  time.Now().UTC(),
				}
				c.store(subnet, snap)
				c.failureCount[subnet] = 0
				atomic.StoreInt32(&c.degraded, 0)
				return nil
			}
		}
	}

	c.failureCount[subnet]++
	log.WithError(err).WithField("subnet", subnet).
		WithField("consecutive_failures", c.failureCount[subnet]).
		Warn("Metagraph refresh failed; serving previous snapshot")
	if c.failureCount[subnet] >= c.maxStale {
		atomic.StoreInt32(&c.degraded, 1)
	}
	return &StaleMetagraphError{ConsecutiveFailures: c.failureCount[subnet]}
}

func (c *Cache) store(subnet ids.SubnetID, snap *Snapshot) {
	if v, ok := c.snapshots.Get(subnet); ok {
		v.(*atomic.Value).Store(snap)
		return
	}
	val := &atomic.Value{}
	val.Store(snap)
	c.snapshots.Add(subnet, val)
}

func (c *Cache) load(subnet ids.SubnetID) (*Snapshot, bool) {
	v, ok := c.snapshots.Get(subnet)
	if !ok {
		return nil, false
	}
	snap, ok := v.(*atomic.Value).Load().(*Snapshot)
	return snap, ok
}

// Degraded reports whether a subnet's refresh has failed MaxStaleSlots
// consecutive times. The flag is shared by every subnet the cache serves:
// the next successful refresh of any subnet clears it.
func (c *Cache) Degraded() bool {
	return atomic.LoadInt32(&c.degraded) == 1
}

// Miners returns the cached active miner list for subnet.
func (c *Cache) Miners(subnet ids.SubnetID) []chainclient.MinerEntry {
	snap, ok := c.load(subnet)
	if !ok {
		return nil
	}
	return snap.Miners
}

// Validators returns the cached validator list for subnet.
func (c *Cache) Validators(subnet ids.SubnetID) []chainclient.ValidatorEntry {
	snap, ok := c.load(subnet)
	if !ok {
		return nil
	}
	return snap.Validators
}

// SubnetParams returns the cached subnet parameters.
func (c *Cache) SubnetParams(subnet ids.SubnetID) chainclient.SubnetParams {
	snap, ok := c.load(subnet)
	if !ok {
		return chainclient.SubnetParams{Subnet: subnet}
	}
	return snap.Params
}

// SelfValidator returns the entry matching selfUID within the subnet's
// validator set, if present.
func (c *Cache) SelfValidator(subnet ids.SubnetID, selfUID ids.ValidatorID) (chainclient.ValidatorEntry, bool) {
	snap, ok := c.load(subnet)
	if !ok {
		return chainclient.ValidatorEntry{}, false
	}
	for _, v := range snap.Validators {
		if ids.ValidatorID(v.UID) == selfUID {
			return v, true
		}
	}
	return chainclient.ValidatorEntry{}, false
}
