// Package trustee is the client for the external secret-issuing service.
// Protected RED values are stored here as per-batch bundles and deleted once
// the batch reaches a terminal state.
package trustee
