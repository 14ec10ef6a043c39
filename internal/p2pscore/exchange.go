// Package p2pscore implements P2PScoreExchange (C5): broadcasting locally
// computed scores to peer validators and receiving/deduplicating theirs,
// per spec.md §4.5.
package p2pscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/subnetlabs/subnet-validator/internal/ids"
)

var log = logrus.WithField("prefix", "p2pscore")

// Record is the wire form of a PeerScoreRecord, §3/§6: score is
// transmitted as milli-units [0..1000] over the wire and converted to
// [0,1] internally.
type Record struct {
	Slot        ids.SlotNumber `json:"slot"`
	ReporterUID string         `json:"reporter_uid"`
	MinerUID    string         `json:"miner_uid"`
	ScoreMilli  int            `json:"score_milli"`
	SignedAt    int64          `json:"signed_at_unix"`
	Signature   []byte         `json:"signature"`
}

// Score returns the record's score as a float in [0,1].
func (r Record) Score() float64 {
	return float64(r.ScoreMilli) / 1000
}

// RejectReason enumerates why an incoming record was dropped, per §4.5.
type RejectReason string

const (
	RejectBadSignature   RejectReason = "bad_signature"
	RejectUnknownReporter RejectReason = "unknown_reporter"
	RejectWrongSlot      RejectReason = "wrong_slot"
	RejectDuplicate      RejectReason = "duplicate"
)

// Signer signs outgoing peer score records.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// PeerVerifier authenticates an incoming record's signature against the
// reporter's entry in the validator registry, and resolves a reporter UID
// to a known, active peer.
type PeerVerifier interface {
	Verify(reporter ids.ValidatorID, payload, sig []byte) bool
	IsKnownPeer(reporter ids.ValidatorID) bool
}

// Peer is a broadcast target.
type Peer struct {
	UID      ids.ValidatorID
	Endpoint string
}

// DeliveryOutcome records one peer's broadcast result.
type DeliveryOutcome struct {
	Peer ids.ValidatorID
	Err  error
}

// Exchange is P2PScoreExchange (C5).
type Exchange struct {
	httpClient *http.Client
	signer     Signer
	verifier   PeerVerifier
	self       ids.ValidatorID
	concurrency int64

	dedup *gocache.Cache // key "(slot,reporter,miner)" -> struct{}

	mu       sync.Mutex // guards received map/order writes
	received map[indexKey]Record
	order    []indexKey // insertion order, for overflow eviction
	capacity int
	overflow uint64
}

type indexKey struct {
	slot     ids.SlotNumber
	miner    ids.MinerID
	reporter ids.ValidatorID
}

// Config configures a new Exchange.
type Config struct {
	Self        ids.ValidatorID
	Signer      Signer
	Verifier    PeerVerifier
	Concurrency int // C_out, default 8
	DedupTTL    time.Duration
	// Capacity bounds the per-slot received-record buffer
	// (max_peer_records_per_slot = |peers|*|miners|*MaxPeerRecords, §5).
	// Zero uses a small default; production callers refresh it every
	// slot via SetCapacity as the active peer/miner sets change.
	Capacity int
}

const defaultCapacity = 256

// New constructs an Exchange.
func New(cfg Config) *Exchange {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Exchange{
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		signer:      cfg.Signer,
		verifier:    cfg.Verifier,
		self:        cfg.Self,
		concurrency: int64(concurrency),
		dedup:       gocache.New(ttl, ttl),
		received:    make(map[indexKey]Record),
		capacity:    capacity,
	}
}

// SetCapacity updates the received-record buffer bound. Callers refresh
// this every slot from the current |peers|*|miners|*MaxPeerRecords, since
// both sets change as the metagraph is refreshed.
func (e *Exchange) SetCapacity(n int) {
	if n <= 0 {
		n = defaultCapacity
	}
	e.mu.Lock()
	e.capacity = n
	e.mu.Unlock()
}

// OverflowCount returns the number of records dropped so far because the
// buffer was at capacity.
func (e *Exchange) OverflowCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overflow
}

// LocalScore is one miner's locally computed score this slot, to be
// broadcast at Phase-2 start.
type LocalScore struct {
	Miner ids.MinerID
	Score float64
}

// Broadcast sends each local score to every active peer, with
// per-peer concurrency bounded at C_out and one retry on timeout.
// Individual peer failures never block completion, per §4.5.
func (e *Exchange) Broadcast(ctx context.Context, slot ids.SlotNumber, scores []LocalScore, peers []Peer) []DeliveryOutcome {
	records := make([]Record, len(scores))
	now := time.Now().Unix()
	for i, s := range scores {
		payload := recordSigningPayload(slot, e.self, s.Miner, s.Score, now)
		sig, err := e.signer.Sign(ctx, payload)
		if err != nil {
			log.WithError(err).Warn("Failed to sign outgoing peer score record")
			continue
		}
		records[i] = Record{
			Slot:        slot,
			ReporterUID: e.self.String(),
			MinerUID:    s.Miner.String(),
			ScoreMilli:  int(s.Score * 1000),
			SignedAt:    now,
			Signature:   sig,
		}
	}

	sem := semaphore.NewWeighted(e.concurrency)
	outcomes := make([]DeliveryOutcome, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		i, peer := i, peer
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = DeliveryOutcome{Peer: peer.UID, Err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = e.sendToPeer(ctx, peer, records)
		}()
	}
	wg.Wait()
	return outcomes
}

func (e *Exchange) sendToPeer(ctx context.Context, peer Peer, records []Record) DeliveryOutcome {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ { // one retry on timeout, §4.5
		err := e.postRecords(ctx, peer.Endpoint, records)
		if err == nil {
			return DeliveryOutcome{Peer: peer.UID}
		}
		lastErr = err
	}
	return DeliveryOutcome{Peer: peer.UID, Err: lastErr}
}

func (e *Exchange) postRecords(ctx context.Context, endpoint string, records []Record) error {
	body, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "p2pscore: marshaling records")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/scores", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "p2pscore: building request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "p2pscore: posting scores")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		// Duplicate at the receiver is not a delivery failure.
		return nil
	default:
		return fmt.Errorf("p2pscore: peer returned status %d", resp.StatusCode)
	}
}

// Ingest validates and stores one incoming record, applying the rejection
// rules and at-most-once-per-(reporter,slot,miner) dedup from §4.5.
// currentSlot is used for the "wrong slot" check (outside current +-1).
func (e *Exchange) Ingest(currentSlot ids.SlotNumber, rec Record) (RejectReason, bool) {
	reporter, err := ids.ValidatorIDFromHex(rec.ReporterUID)
	if err != nil {
		return RejectBadSignature, false
	}
	miner, err := ids.MinerIDFromHex(rec.MinerUID)
	if err != nil {
		return RejectBadSignature, false
	}

	if !e.verifier.IsKnownPeer(reporter) {
		return RejectUnknownReporter, false
	}
	if !slotWithinOne(currentSlot, rec.Slot) {
		return RejectWrongSlot, false
	}

	payload := recordSigningPayload(rec.Slot, reporter, miner, rec.Score(), rec.SignedAt)
	if !e.verifier.Verify(reporter, payload, rec.Signature) {
		return RejectBadSignature, false
	}

	key := indexKey{slot: rec.Slot, miner: miner, reporter: reporter}
	dedupKey := fmt.Sprintf("%d|%s|%s", key.slot, key.reporter, key.miner)
	if _, found := e.dedup.Get(dedupKey); found {
		return RejectDuplicate, false
	}
	e.dedup.SetDefault(dedupKey, struct{}{})

	e.mu.Lock()
	if _, exists := e.received[key]; !exists {
		if e.capacity > 0 && len(e.received) >= e.capacity && len(e.order) > 0 {
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.received, oldest)
			e.overflow++
			log.WithField("capacity", e.capacity).Warn("Peer record buffer at capacity; dropping oldest record")
		}
		e.order = append(e.order, key)
	}
	e.received[key] = rec
	e.mu.Unlock()
	return "", true
}

// ScoresForMiner returns every accepted peer record for (slot, miner),
// used by ConsensusEngine's Phase-3 snapshot.
func (e *Exchange) ScoresForMiner(slot ids.SlotNumber, miner ids.MinerID) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Record
	for k, rec := range e.received {
		if k.slot == slot && k.miner == miner {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshot returns a copy-on-read view of every accepted record for a
// slot, consumed once at Phase-3 start per the single-writer/copy-on-
// snapshot policy in §5.
func (e *Exchange) Snapshot(slot ids.SlotNumber) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Record
	for k, rec := range e.received {
		if k.slot == slot {
			out = append(out, rec)
		}
	}
	return out
}

// WaitForQuorum blocks until records have been accepted from at least
// ceil(quorumFrac*activePeers) distinct reporters for slot, or until
// deadline passes, whichever comes first — the Phase-2 completion rule
// from §4.5. A non-positive required count or a deadline already in the
// past returns immediately.
func (e *Exchange) WaitForQuorum(ctx context.Context, slot ids.SlotNumber, activePeers int, quorumFrac float64, deadline time.Time) {
	required := int(math.Ceil(quorumFrac * float64(activePeers)))
	if required <= 0 {
		return
	}

	const pollInterval = 25 * time.Millisecond
	for {
		if e.distinctReporters(slot) >= required {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (e *Exchange) distinctReporters(slot ids.SlotNumber) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	reporters := make(map[ids.ValidatorID]struct{})
	for k := range e.received {
		if k.slot == slot {
			reporters[k.reporter] = struct{}{}
		}
	}
	return len(reporters)
}

func slotWithinOne(current, reported ids.SlotNumber) bool {
	if reported == current {
		return true
	}
	if reported == current+1 {
		return true
	}
	return current > 0 && reported == current-1
}

func recordSigningPayload(slot ids.SlotNumber, reporter ids.ValidatorID, miner ids.MinerID, score float64, signedAt int64) []byte {
	return []byte(fmt.Sprintf("%d|%s|%s|%d|%d", slot, reporter, miner, int(score*1000), signedAt))
}
