// Package scoring implements the Scorer (C4) as a pluggable per-subnet
// capability set, per Design Note "Dynamic dispatch over subnet scorers is
// modeled as a capability record {prepare_task, grade} passed to the
// pipeline at construction per subnet, not via class hierarchies."
package scoring

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/ids"
)

var log = logrus.WithField("prefix", "scoring")

// ErrInvalidResponse is returned by a Grader when the response cannot be
// scored at all; per §4.4 this records as score 0 and is logged, not
// retried.
var ErrInvalidResponse = errors.New("scoring: invalid response")

// TaskPayload is the opaque content a Preparer builds for dispatch to a
// miner.
type TaskPayload struct {
	TaskID  string
	Content []byte
}

// Response is the opaque miner reply handed to Grade.
type Response struct {
	TaskID  string
	Content []byte
}

// Preparer builds the opaque per-task payload for a subnet.
type Preparer func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (TaskPayload, error)

// Grader is a pure function: score(task, response) -> s in [0,1], or
// ErrInvalidResponse. It must be deterministic given the same inputs.
type Grader func(ctx context.Context, task TaskPayload, response Response) (float64, error)

// Capability is the {prepare, grade} record registered per subnet.
type Capability struct {
	Prepare Preparer
	Grade   Grader
}

// Registry holds one Capability per subnet. Adding a subnet means
// registering a new Capability record, never subclassing.
type Registry struct {
	capabilities map[ids.SubnetID]Capability
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[ids.SubnetID]Capability)}
}

// Register installs the capability record for a subnet.
func (r *Registry) Register(subnet ids.SubnetID, cap Capability) {
	r.capabilities[subnet] = cap
}

// Capability returns the registered record for a subnet.
func (r *Registry) Capability(subnet ids.SubnetID) (Capability, bool) {
	cap, ok := r.capabilities[subnet]
	return cap, ok
}

// Score runs a subnet's Grader within a phase-1 time budget. Exceeding the
// budget marks the task scoring_failed (score 0), matching §4.4's
// "exceeding it marks the task as scoring_failed."
func Score(ctx context.Context, cap Capability, task TaskPayload, resp Response, budget time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		score float64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		score, err := cap.Grade(ctx, task, resp)
		done <- result{score, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, ErrInvalidResponse) {
			log.WithField("task", task.TaskID).Warn("Scorer rejected response as invalid; recording score 0")
			return 0, nil
		}
		if r.err != nil {
			return 0, errors.Wrap(r.err, "scoring: grading response")
		}
		return clamp01(r.score), nil
	case <-ctx.Done():
		log.WithField("task", task.TaskID).Warn("Scoring exceeded phase budget; marking scoring_failed")
		return 0, nil
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
