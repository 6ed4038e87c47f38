/*
Package storage provides durable persistence for the agency on an embedded
BoltDB database.

Each collection lives in its own bucket with JSON-encoded values:

	users            keyed by username
	experiments      keyed by experiment id
	batches          keyed by batch id
	nodes            keyed by node name
	block_entries    keyed by "<ip>/<username>/<nanotime>"
	callback_tokens  keyed by batch id

Reads run in View transactions and see a consistent snapshot; writes are
single-document atomic. UpdateBatchCAS is the compare-and-set primitive that
keeps racing callback handlers and the scheduler from double-transitioning a
batch: the expected state is re-checked inside the write transaction and
ErrStateConflict is returned on mismatch.

Listings that the scheduler depends on (by state, by experiment, unnotified,
unvoided) are full-bucket scans filtered in memory; the batch collections
involved stay small because terminal batches age out of the hot paths.
*/
package storage
