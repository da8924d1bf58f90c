// Package eventbus lets unrelated modules react to state changes.
//
// Handlers run inline with Emit; persistence of the emitted record is detached
// and best-effort, through a log function bound after storage is opened.
package eventbus
