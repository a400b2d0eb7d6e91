// Package engine ties the workflow resolver and scheduler together. For one
// subject/session pair it repeatedly refreshes step states, claims a runnable
// batch, runs it concurrently and stops once nothing is left to run. Progress
// is reported to observers (ledger, progress view).
package engine
