// Package log wraps zerolog with process-wide initialization and child
// loggers scoped to a component, batch, experiment or node.
package log
