package controller

import (
	"context"
	"time"

	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/mailbox"
	"github.com/curious-containers/ccagency/pkg/storage"
	"github.com/curious-containers/ccagency/pkg/types"
)

// PassRunner is the scheduler surface the loop drives.
type PassRunner interface {
	Recover(ctx context.Context) error
	RunPass(ctx context.Context) error
}

// Drainable is anything with in-flight work to wait out on shutdown.
type Drainable interface {
	Wait()
}

// Controller owns the schedule loop. It is the single writer of cross-batch
// state: every pass runs on this goroutine, triggered by the mailbox or the
// interval ticker, never concurrently.
type Controller struct {
	store    storage.Store
	sched    PassRunner
	notify   Drainable
	receiver *mailbox.Receiver
	interval time.Duration
}

// New creates a Controller.
func New(store storage.Store, sched PassRunner, notify Drainable, receiver *mailbox.Receiver, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Controller{
		store:    store,
		sched:    sched,
		notify:   notify,
		receiver: receiver,
		interval: interval,
	}
}

// SeedNodes reconciles the stored fleet with the declared one: declared
// hosts are written fresh, hosts no longer declared are removed. Runs once
// before the loop starts.
func (c *Controller) SeedNodes(declared []*types.Node) error {
	stored, err := c.store.ListNodes()
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(declared))
	for _, node := range declared {
		want[node.NodeName] = true
		if err := c.store.PutNode(node); err != nil {
			return err
		}
	}
	for _, node := range stored {
		if !want[node.NodeName] {
			logger := log.WithNode(node.NodeName)
			logger.Info().Msg("removing undeclared node")
			if err := c.store.DeleteNode(node.NodeName); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes the startup recovery and then the schedule loop until ctx is
// cancelled. Triggers arriving while a pass runs coalesce in the mailbox; a
// trigger arriving inside the minimum gap defers until the gap has passed.
func (c *Controller) Run(ctx context.Context) error {
	logger := log.WithComponent("controller")

	if err := c.sched.Recover(ctx); err != nil {
		return err
	}
	// Recovery may have left work pending; start with one pass.
	c.receiver.Raise(mailbox.DestinationScheduler)

	triggers := c.receiver.Triggers(mailbox.DestinationScheduler)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var lastPass time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("controller stopping, draining notifier")
			c.notify.Wait()
			return nil

		case <-triggers:
			if gap := c.interval - time.Since(lastPass); gap > 0 {
				select {
				case <-ctx.Done():
					c.notify.Wait()
					return nil
				case <-time.After(gap):
				}
			}
			c.runPass(ctx)
			lastPass = time.Now()

		case <-ticker.C:
			// A trigger-driven pass may have run since the last tick.
			if time.Since(lastPass) < c.interval {
				continue
			}
			c.runPass(ctx)
			lastPass = time.Now()
		}
	}
}

func (c *Controller) runPass(ctx context.Context) {
	if err := c.sched.RunPass(ctx); err != nil {
		logger := log.WithComponent("controller")
		logger.Error().Err(err).Msg("schedule pass failed")
	}
}
