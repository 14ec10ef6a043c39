// Package statestore persists per-miner trust, performance history,
// selection history, and slot acknowledgements in a single bbolt database,
// following the bucket-per-concern layout of the teacher's
// beacon-chain/db/kv package.
package statestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/scaled"
)

var log = logrus.WithField("prefix", "statestore")

// DatabaseFileName is the on-disk file name of the bbolt database,
// matching the teacher's DatabaseFileName convention.
const DatabaseFileName = "subnet-validator.db"

var (
	slotAckBucket = []byte("slot_ack")
	trustBucket   = []byte("trust")
	historyBucket = []byte("history")
	fraudBucket   = []byte("fraud")
)

// HistoryPoint is one (slot, score) sample in a miner's bounded
// performance history ring buffer.
type HistoryPoint struct {
	Slot  ids.SlotNumber `json:"slot"`
	Score scaled.Fixed   `json:"score"`
}

// TrustState is the durable per-miner record described in spec.md §3.
type TrustState struct {
	LastSelectedSlot  ids.SlotNumber `json:"last_selected_slot"`
	LastEvaluatedSlot ids.SlotNumber `json:"last_evaluated_slot"`
	CurrentTrust      scaled.Fixed   `json:"current_trust"`
	CurrentPerf       scaled.Fixed   `json:"current_performance"`
}

// FraudFlag records a persistent-deviation finding against a validator, as
// described in §4.6.
type FraudFlag struct {
	Validator ids.ValidatorID `json:"validator"`
	Slot      ids.SlotNumber  `json:"slot"`
}

// SlotAck is the durable idempotence record for a committed slot.
type SlotAck struct {
	Slot        ids.SlotNumber `json:"slot"`
	ReceiptHash string         `json:"receipt_hash"`
	CommittedAt time.Time      `json:"committed_at"`
}

// MinerUpdate is one miner's trust/performance mutation as part of an
// atomic slot update.
type MinerUpdate struct {
	Miner      ids.MinerID
	Perf       scaled.Fixed
	Trust      scaled.Fixed
	Evaluated  bool // false when the miner decays but wasn't scored this slot
	HistoryAdd *HistoryPoint
}

// Store is the single-writer persistent StateStore (C8).
type Store struct {
	db           *bolt.DB
	databasePath string
	historyLen   int
}

// Config holds StateStore tuning parameters.
type Config struct {
	HistoryLength int
}

// NewKVStore opens (creating if necessary) the bbolt database at dirPath,
// matching the teacher's NewKVStore(ctx, dir, cfg) constructor shape.
func NewKVStore(ctx context.Context, dirPath string, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{HistoryLength: 32}
	}
	if err := os.MkdirAll(dirPath, 0o700); err != nil {
		return nil, errors.Wrap(err, "statestore: creating data directory")
	}
	path := filepath.Join(dirPath, DatabaseFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: opening bbolt database")
	}
	s := &Store{db: db, databasePath: dirPath, historyLen: cfg.HistoryLength}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{slotAckBucket, trustBucket, historyBucket, fraudBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "statestore: creating buckets")
	}
	log.WithField("path", path).Info("Opened state store")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetTrustState returns the current durable trust/performance record for
// a miner, or the zero value if it has never been evaluated.
func (s *Store) GetTrustState(ctx context.Context, miner ids.MinerID) (TrustState, error) {
	var ts TrustState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(trustBucket).Get(miner[:])
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &ts)
	})
	if err != nil {
		return ts, errors.Wrap(err, "statestore: reading trust state")
	}
	return ts, nil
}

// GetSlotAck returns the commit acknowledgement for a slot, if any.
// Presence of a SlotAck forbids re-commit per §3/§4.7.
func (s *Store) GetSlotAck(ctx context.Context, slot ids.SlotNumber) (*SlotAck, error) {
	var ack *SlotAck
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(slotAckBucket).Get(slotKey(slot))
		if v == nil {
			return nil
		}
		ack = &SlotAck{}
		return json.Unmarshal(v, ack)
	})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: reading slot ack")
	}
	return ack, nil
}

// RecordSelection persists that a miner was selected for dispatch this
// slot, independent of whether it is later evaluated by consensus. This
// is recorded at Phase-0 selection time, separately from
// ApplySlotUpdate, so a miner selected every slot but never evaluated
// (timeout, below-quorum exclusion) is not perpetually treated as
// starved by the selection-probability formula in §4.3.
func (s *Store) RecordSelection(ctx context.Context, slot ids.SlotNumber, miner ids.MinerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		trust := tx.Bucket(trustBucket)
		var ts TrustState
		if v := trust.Get(miner[:]); v != nil {
			if err := json.Unmarshal(v, &ts); err != nil {
				return err
			}
		}
		ts.LastSelectedSlot = slot
		encoded, err := json.Marshal(ts)
		if err != nil {
			return err
		}
		return trust.Put(miner[:], encoded)
	})
}

// RecordFraudFlag persists a FraudFlag for a validator at a given slot. It
// never rewrites past commits; it is additive, keyed by (validator, slot).
func (s *Store) RecordFraudFlag(ctx context.Context, flag FraudFlag) error {
	b, err := json.Marshal(flag)
	if err != nil {
		return errors.Wrap(err, "statestore: marshaling fraud flag")
	}
	key := append(append([]byte{}, flag.Validator[:]...), slotKey(flag.Slot)...)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fraudBucket).Put(key, b)
	})
}

// ApplySlotUpdate atomically persists every per-miner update for a slot
// together with the SlotAck, or none of it, per §4.8's invariant that
// reads never observe partial slot application.
func (s *Store) ApplySlotUpdate(ctx context.Context, slot ids.SlotNumber, updates []MinerUpdate, ack SlotAck) error {
	if existing, err := s.GetSlotAck(ctx, slot); err != nil {
		return err
	} else if existing != nil {
		// Idempotence: replaying a slot commit whose SlotAck already
		// exists is a no-op.
		log.WithField("slot", slot).Debug("ApplySlotUpdate: slot already acked, skipping")
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		trust := tx.Bucket(trustBucket)
		history := tx.Bucket(historyBucket)
		for _, u := range updates {
			ts := TrustState{}
			if v := trust.Get(u.Miner[:]); v != nil {
				if err := json.Unmarshal(v, &ts); err != nil {
					return err
				}
			}
			ts.CurrentPerf = u.Perf
			ts.CurrentTrust = u.Trust
			if u.Evaluated {
				ts.LastEvaluatedSlot = slot
			}
			encoded, err := json.Marshal(ts)
			if err != nil {
				return err
			}
			if err := trust.Put(u.Miner[:], encoded); err != nil {
				return err
			}

			if u.HistoryAdd != nil {
				if err := appendHistory(history, u.Miner, *u.HistoryAdd, s.historyLen); err != nil {
					return err
				}
			}
		}
		encodedAck, err := json.Marshal(ack)
		if err != nil {
			return err
		}
		return tx.Bucket(slotAckBucket).Put(slotKey(slot), encodedAck)
	})
}

// History returns the bounded performance history ring buffer for a miner,
// oldest first.
func (s *Store) History(ctx context.Context, miner ids.MinerID) ([]HistoryPoint, error) {
	var points []HistoryPoint
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(historyBucket).Get(miner[:])
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &points)
	})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: reading history")
	}
	return points, nil
}

func appendHistory(bucket *bolt.Bucket, miner ids.MinerID, point HistoryPoint, maxLen int) error {
	var points []HistoryPoint
	if v := bucket.Get(miner[:]); v != nil {
		if err := json.Unmarshal(v, &points); err != nil {
			return err
		}
	}
	points = append(points, point)
	if len(points) > maxLen {
		points = points[len(points)-maxLen:]
	}
	encoded, err := json.Marshal(points)
	if err != nil {
		return err
	}
	return bucket.Put(miner[:], encoded)
}

func slotKey(slot ids.SlotNumber) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(slot))
	return b
}
