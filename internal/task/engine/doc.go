// Package engine is the polling dispatcher.
//
// Each poll claims at most MaxConcurrent minus the running count of due
// tasks, marks them processing in the store before handing them to an
// executor, and records the outcome: completed (plus a recurring successor),
// pending with a backoff delay, or dead_letter with a single task.failed
// event.
package engine
