// Package task defines the persisted task record, its state machine and the
// Store boundary shared by the dispatcher, the recurring scheduler and storage.
//
// Subpackages:
//   - executor: per-type handlers and error classification
//   - retry: backoff and dead-letter decisions
//   - scheduler: recurring definitions, seeding and successors
//   - engine: the polling dispatcher
package task
