package node

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/health"
	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/metagraph"
	"github.com/subnetlabs/subnet-validator/internal/pipeline"
	"github.com/subnetlabs/subnet-validator/internal/slotclock"
)

// slotRunner subscribes to the SlotScheduler's phase events and invokes
// the pipeline's RunSlot once per slot, at the start of the task phase.
// It also forwards clock-drift failures onto a fatal channel so the
// process can exit with the dedicated exit code instead of spinning
// silently degraded forever.
type slotRunner struct {
	clock     *slotclock.Scheduler
	metagraph *metagraph.Cache
	subnet    ids.SubnetID
	pipeline  *pipeline.Pipeline
	health    *health.Server

	cancel context.CancelFunc
	fatal  chan error

	mu      sync.Mutex
	lastErr error
}

func (r *slotRunner) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.fatal = make(chan error, 1)

	events := r.clock.Subscribe()
	r.clock.Run(ctx)
	r.health.SetState(health.StateSyncing, "")

	go r.loop(ctx, events)
	return nil
}

func (r *slotRunner) loop(ctx context.Context, events <-chan slotclock.PhaseEvent) {
	synced := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.clock.CheckSkew(ctx); err != nil {
				log.WithError(err).Error("Clock skew exceeds tolerance")
				r.health.SetState(health.StateDegraded, err.Error())
				r.mu.Lock()
				r.lastErr = err
				r.mu.Unlock()
				select {
				case r.fatal <- err:
				default:
				}
				continue
			}
			if ev.Phase != ids.PhaseTask {
				continue
			}

			if err := r.metagraph.Refresh(ctx, r.subnet); err != nil {
				log.WithError(err).Warn("Metagraph refresh failed this slot")
			}
			if !synced {
				synced = true
			}
			if r.metagraph.Degraded() {
				r.health.SetState(health.StateDegraded, "metagraph stale")
			} else if synced {
				r.health.SetState(health.StateActive, "")
			}

			result := r.pipeline.RunSlot(ctx, ev.Slot)
			log.WithFields(logrus.Fields{
				"slot":      ev.Slot,
				"state":     result.State,
				"selected":  result.Selected,
				"responded": result.Responded,
			}).Info("Slot pipeline finished")

			if result.State == pipeline.StateCommitted {
				r.health.SetLastCommittedSlot(ev.Slot)
			}
		}
	}
}

func (r *slotRunner) Stop() error {
	r.health.SetState(health.StateStopping, "")
	if r.cancel != nil {
		r.cancel()
	}
	r.clock.Stop()
	return nil
}

func (r *slotRunner) Status() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Fatal exposes the channel the owning process selects on to decide a
// clock-drift exit, per spec.md §6's exit code 4.
func (r *slotRunner) Fatal() <-chan error { return r.fatal }
