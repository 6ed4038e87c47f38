/*
Package broker implements the HTTP API.

The broker accepts RED submissions, answers reads over experiments, batches
and nodes, receives node agent callbacks and exposes admin user management.
Intake hoists protected values into per-batch trustee bundles before
anything touches the store, so secrets never persist.

The broker deliberately never drives batch lifecycle transitions. The one
exception is cancellation, which only ever moves a batch into the terminal
cancelled state; everything else is recorded as intent (callback results)
and picked up by the scheduler after a mailbox trigger.
*/
package broker
