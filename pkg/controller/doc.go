/*
Package controller runs the single-writer schedule loop.

On startup the controller reconciles the node fleet with the configuration,
runs the scheduler's recovery sequence and raises an initial trigger. From
then on it reacts to mailbox triggers and to the interval ticker, enforcing
a minimum gap between passes. All passes run on one goroutine, which is
what makes the store's compare-and-swap transitions sufficient for
consistency.
*/
package controller
