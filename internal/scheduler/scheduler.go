// Package scheduler hosts the engine's single logical event loop.
//
// All engine work runs as tasks on one goroutine. Deferred work is expressed
// with After; the Loop runs against the wall clock and Virtual against a
// manually advanced clock for tests.
package scheduler

import "time"

// Task is a unit of work run on the loop
type Task func()

// Handle refers to a deferred task
type Handle interface {
	// Cancel prevents the task from running; no-op once it has fired
	Cancel()
}

// Scheduler runs deferred tasks
type Scheduler interface {
	After(d time.Duration, task Task) Handle
	Now() time.Time
}

// Host is a Scheduler that also accepts tasks from other goroutines.
// Posted tasks run in the order they were posted.
type Host interface {
	Scheduler
	Post(task Task) bool
}
