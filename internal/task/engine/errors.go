package engine

import "errors"

// ErrNotDeadLetter is returned by Requeue for tasks that still have a live
// status.
var ErrNotDeadLetter = errors.New("task is not dead-lettered")
