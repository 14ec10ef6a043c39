// Package commit implements ChainCommitter (C7): batching per-slot
// trust/performance updates into one or more on-chain transactions with
// idempotence, bounded retries, and gas-protection chunking, per spec.md
// §4.7.
package commit

import (
	"context"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/chainclient"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/statestore"
)

var log = logrus.WithField("prefix", "commit")

// Status is the terminal or intermediate outcome of a commit attempt.
type Status string

const (
	StatusCommitted        Status = "committed"
	StatusAlreadyCommitted Status = "already_committed"
	StatusCommitFailed     Status = "commit_failed"
	StatusCommitIncomplete Status = "commit_incomplete"
)

// Outcome reports what happened for a CommitSlot call.
type Outcome struct {
	Status         Status
	ChunksTotal    int
	ChunksComplete int
	ReceiptHash    string
	Err            error
}

// Config configures a new Committer.
type Config struct {
	Client          chainclient.Client
	Signer          chainclient.Signer
	Store           *statestore.Store
	MaxBatchPerCall int // gas protection chunk size, §4.7
	Retries         int // R_commit, default 3
}

// Committer is ChainCommitter (C7).
type Committer struct {
	client          chainclient.Client
	signer          chainclient.Signer
	store           *statestore.Store
	maxBatchPerCall int
	retries         int

	// progress tracks chunks already confirmed for a slot whose commit was
	// previously interrupted (commit_incomplete), so a resumed CommitSlot
	// call does not resubmit chunks that already landed on-chain.
	progress map[ids.SlotNumber]int
}

// chunkOf groups a slice of MinerUpdate into ordered, bounded-size chunks
// for submission, per §4.7's gas-protection rule.
func chunkOf(updates []statestore.MinerUpdate, size int) [][]statestore.MinerUpdate {
	if len(updates) == 0 {
		return nil
	}
	var chunks [][]statestore.MinerUpdate
	for i := 0; i < len(updates); i += size {
		end := i + size
		if end > len(updates) {
			end = len(updates)
		}
		chunks = append(chunks, updates[i:end])
	}
	return chunks
}

// New constructs a Committer.
func New(cfg Config) *Committer {
	maxBatch := cfg.MaxBatchPerCall
	if maxBatch <= 0 {
		maxBatch = 256
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	return &Committer{
		client:          cfg.Client,
		signer:          cfg.Signer,
		store:           cfg.Store,
		maxBatchPerCall: maxBatch,
		retries:         retries,
		progress:        make(map[ids.SlotNumber]int),
	}
}

// CommitSlot submits every update for a slot as one or more chunked
// transactions, only applying local state once every chunk has succeeded.
func (c *Committer) CommitSlot(ctx context.Context, slot ids.SlotNumber, updates []statestore.MinerUpdate) Outcome {
	if ack, err := c.store.GetSlotAck(ctx, slot); err != nil {
		return Outcome{Status: StatusCommitFailed, Err: err}
	} else if ack != nil {
		log.WithField("slot", slot).Debug("CommitSlot: slot already acked, skipping submission")
		return Outcome{Status: StatusAlreadyCommitted, ReceiptHash: ack.ReceiptHash}
	}

	chunks := chunkOf(updates, c.maxBatchPerCall)
	startAt := c.progress[slot]
	var lastHash ethcommon.Hash

	for i := startAt; i < len(chunks); i++ {
		hash, err := c.submitChunkWithRetries(ctx, chunks[i])
		if err != nil {
			c.progress[slot] = i
			log.WithError(err).WithFields(logrus.Fields{"slot": slot, "chunk": i, "of": len(chunks)}).
				Warn("Chunk commit failed after exhausting retries")
			if i > 0 {
				return Outcome{Status: StatusCommitIncomplete, ChunksTotal: len(chunks), ChunksComplete: i, Err: err}
			}
			return Outcome{Status: StatusCommitFailed, ChunksTotal: len(chunks), Err: err}
		}
		lastHash = hash
	}
	delete(c.progress, slot)

	if err := c.applyLocal(ctx, slot, updates, lastHash); err != nil {
		return Outcome{Status: StatusCommitFailed, Err: err}
	}
	return Outcome{Status: StatusCommitted, ChunksTotal: len(chunks), ChunksComplete: len(chunks), ReceiptHash: lastHash.Hex()}
}

// submitChunkWithRetries submits one chunk, retrying up to R_commit times
// with exponential backoff on transport/mempool/receipt-timeout failure. On
// a receipt-wait timeout it first checks whether the transaction actually
// landed (§8 scenario S6) before treating the attempt as failed.
func (c *Committer) submitChunkWithRetries(ctx context.Context, chunk []statestore.MinerUpdate) (ethcommon.Hash, error) {
	miners := make([]ids.MinerID, len(chunk))
	perf := make([]uint64, len(chunk))
	trust := make([]uint64, len(chunk))
	for i, u := range chunk {
		miners[i] = u.Miner
		perf[i] = uint64(u.Perf)
		trust[i] = uint64(u.Trust)
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		txHash, err := c.client.SubmitBatchUpdate(ctx, c.signer, miners, perf, trust)
		if err != nil {
			lastErr = errors.Wrap(err, "commit: submitting batch update")
		} else {
			receipt, waitErr := c.client.WaitReceipt(ctx, txHash)
			if waitErr == nil && receipt != nil && receipt.Success {
				return txHash, nil
			}
			// Receipt wait failed or timed out: the transaction may still
			// have landed. Look it up directly before giving up.
			if found, findErr := c.client.FindReceiptByTxHash(ctx, txHash); findErr == nil && found != nil && found.Success {
				return txHash, nil
			}
			if waitErr != nil {
				lastErr = errors.Wrap(waitErr, "commit: waiting for receipt")
			} else {
				lastErr = errors.New("commit: transaction receipt reports failure")
			}
		}

		if attempt < c.retries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ethcommon.Hash{}, ctx.Err()
			}
			backoff *= 2
		}
	}
	return ethcommon.Hash{}, lastErr
}

func (c *Committer) applyLocal(ctx context.Context, slot ids.SlotNumber, updates []statestore.MinerUpdate, receiptHash ethcommon.Hash) error {
	ack := statestore.SlotAck{Slot: slot, ReceiptHash: receiptHash.Hex(), CommittedAt: time.Now()}
	return c.store.ApplySlotUpdate(ctx, slot, updates, ack)
}
