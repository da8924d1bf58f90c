// Package httpapi is the operator surface: health, metrics, task
// inspection and enqueue, dead-letter requeue, the event log and subject
// lifecycle views. Optional pprof endpoints share the listener.
package httpapi
