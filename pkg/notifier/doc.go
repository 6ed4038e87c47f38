// Package notifier delivers terminal batch states to user-declared webhook
// URLs with at-least-once semantics and exponential backoff.
package notifier
