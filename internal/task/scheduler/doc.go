// Package scheduler keeps recurring task types alive.
//
// It seeds one pending task per configured definition at startup and builds
// the successor of a completed recurring task. Execution belongs to the
// dispatcher in internal/task/engine.
package scheduler
