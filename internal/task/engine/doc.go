// Package engine executes tasks on a bounded worker pool.
//
// Each task runs with a per-attempt timeout, panic recovery and jittered
// exponential retry. Tasks mark permanent failures with NoRetry; the final
// outcome (after retries) is handed to Task.Done exactly once, including when
// the task is dropped before it ran.
package engine
