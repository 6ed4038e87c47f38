// Package agent is the client for the container-host agents. It launches
// batches, probes liveness and requests cancellation; execution progress
// flows back through the broker's callback endpoints.
package agent
