// Package scheduler turns resolver snapshots into runnable batches that respect
// dependency order plus runtime constraints such as concurrency limits,
// exclusive steps and steps that already failed in the current pass. The
// engine calls it to decide which steps of a pair to execute next.
package scheduler
