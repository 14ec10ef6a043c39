package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/subnetlabs/subnet-validator/internal/ids"
)

var log = logrus.WithField("prefix", "dispatch")

// TaskRequest is the JSON body POSTed to a miner's /task endpoint, per
// spec.md §6.
type TaskRequest struct {
	Slot        ids.SlotNumber `json:"slot"`
	ValidatorID string         `json:"validator_uid"`
	SubnetID    uint64         `json:"subnet_id"`
	TaskID      string         `json:"task_id"`
	Payload     []byte         `json:"payload"`
	Signature   []byte         `json:"signature"`
}

// TaskResponse is the JSON body a miner replies with.
type TaskResponse struct {
	TaskID    string `json:"task_id"`
	Result    []byte `json:"result"`
	Signature []byte `json:"signature"`
}

// Outcome is the per-miner result of a dispatch attempt: Response is set
// on success; Timeout or Err otherwise. A no-response outcome defaults to
// score 0 for that miner, per §4.3's Output rule.
type Outcome struct {
	Miner    ids.MinerID
	Response *TaskResponse
	Timeout  bool
	Err      error
}

// Assignment is the in-memory, slot-scoped TaskAssignment from spec.md §3.
type Assignment struct {
	Slot         ids.SlotNumber
	Validator    ids.ValidatorID
	Miner        ids.MinerID
	TaskID       string
	PayloadHash  [32]byte
	DispatchedAt time.Time
	Deadline     time.Time
}

// Signer is the slice of the external KeySigner the dispatcher needs to
// sign outbound task payloads.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Dispatcher is the TaskDispatcher (C3).
type Dispatcher struct {
	httpClient  *http.Client
	signer      Signer
	taskTimeout time.Duration
	retries     int
}

// Config configures a new Dispatcher.
type Config struct {
	Signer      Signer
	TaskTimeout time.Duration
	Retries     int
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		httpClient:  &http.Client{Timeout: cfg.TaskTimeout},
		signer:      cfg.Signer,
		taskTimeout: cfg.TaskTimeout,
		retries:     cfg.Retries,
	}
}

// MinerTarget is a (UID, endpoint) pair for dispatch.
type MinerTarget struct {
	UID      ids.MinerID
	Endpoint string
}

// Dispatch sends a task payload concurrently to every selected miner,
// bounded at len(selected) concurrent in-flight requests (the dispatch
// queue is bounded at exactly k per §5, so no separate semaphore limit is
// required beyond the selection size itself).
func (d *Dispatcher) Dispatch(ctx context.Context, slot ids.SlotNumber, subnet ids.SubnetID, validator ids.ValidatorID, payload []byte, targets []MinerTarget) []Outcome {
	outcomes := make([]Outcome, len(targets))
	sem := semaphore.NewWeighted(int64(len(targets)))
	g, gctx := errgroup.WithContext(ctx)

	for i, target := range targets {
		i, target := i, target
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = Outcome{Miner: target.UID, Err: err}
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcomes[i] = d.dispatchOne(gctx, slot, subnet, validator, payload, target)
			return nil
		})
	}
	_ = g.Wait() // per-miner errors are captured in outcomes, not propagated
	return outcomes
}

func (d *Dispatcher) dispatchOne(ctx context.Context, slot ids.SlotNumber, subnet ids.SubnetID, validator ids.ValidatorID, payload []byte, target MinerTarget) Outcome {
	taskID := uuid.NewString()
	sig, err := d.signer.Sign(ctx, payload)
	if err != nil {
		return Outcome{Miner: target.UID, Err: errors.Wrap(err, "dispatch: signing task payload")}
	}
	req := TaskRequest{
		Slot:        slot,
		ValidatorID: validator.String(),
		SubnetID:    uint64(subnet),
		TaskID:      taskID,
		Payload:     payload,
		Signature:   sig,
	}

	backoff := d.taskTimeout / 4
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		resp, transient, err := d.send(ctx, target.Endpoint, req)
		if err == nil {
			return Outcome{Miner: target.UID, Response: resp}
		}
		lastErr = err
		if !transient {
			break
		}
		if attempt < d.retries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Outcome{Miner: target.UID, Timeout: true, Err: ctx.Err()}
			}
			backoff *= 2
			if max := d.taskTimeout / 4; backoff > max {
				backoff = max
			}
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return Outcome{Miner: target.UID, Timeout: true, Err: lastErr}
	}
	return Outcome{Miner: target.UID, Err: lastErr}
}

// send performs one HTTP attempt, returning (response, isTransientError, err).
func (d *Dispatcher) send(ctx context.Context, endpoint string, req TaskRequest) (*TaskResponse, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, errors.Wrap(err, "dispatch: marshaling task request")
	}

	ctx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/task", bytes.NewReader(body))
	if err != nil {
		return nil, false, errors.Wrap(err, "dispatch: building request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		// Network-level failures (timeout, connection refused) are
		// transient per §7's taxonomy.
		return nil, true, errors.Wrap(err, "dispatch: sending task")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("dispatch: miner returned transient status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("dispatch: miner returned status %d", resp.StatusCode)
	}

	var taskResp TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&taskResp); err != nil {
		return nil, false, errors.Wrap(err, "dispatch: decoding task response")
	}
	return &taskResp, false, nil
}
