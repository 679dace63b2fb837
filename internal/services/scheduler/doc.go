// Package scheduler owns the timer table and the worker pool that turn
// pending post rows into publish executions.
//
// Durability model: every timer is derived from the posts table. Start()
// rebuilds the table from ListPending, so a process restart loses nothing.
// Each trigger is a one-shot timestamp; a misfire grace window decides at
// fire time whether a late job still runs or is reported as missed and
// left pending for the operator.
//
// Correctness property: a post id never has two concurrent executions.
// The in-memory running set is the first line of defense; the store's
// compare-and-set pending->running transition is the authoritative one.
package scheduler
