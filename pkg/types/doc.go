// Package types defines the shared data model of the agency: users,
// experiments, batches, container hosts and the batch lifecycle state
// machine.
//
// A Batch moves through the states
//
//	registered -> scheduled -> processing -> succeeded
//
// with failed and cancelled as the other terminal states. Terminal states
// are sticky; the scheduler is the only writer of cross-batch transitions.
package types
