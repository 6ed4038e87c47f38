/*
Package scheduler drives batches through their lifecycle.

A schedule pass runs five phases in order:

  - reap: probe nodes holding launched batches, fail batches whose node is
    lost or no longer knows them, and void secret bundles of terminal
    batches at the trustee.
  - cancel: send best-effort terminations for cancelled batches that still
    reference a node.
  - admit: place registered batches onto nodes with enough free RAM and
    GPUs, fairly across users, and submit launch requests.
  - progress: convert agent callback results recorded by the broker into
    state transitions.
  - notify: hand unnotified terminal batches to the webhook notifier,
    grouped by experiment.

The scheduler is the only writer of cross-batch transitions. Every
transition goes through the store's compare-and-swap update, so a batch
cancelled between phases is never resurrected. Passes are triggered by the
controller; the scheduler itself keeps no background goroutines.
*/
package scheduler
