package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dsrules/internal/logging"
)

// Loop runs posted tasks one at a time on the goroutine calling Run.
// The queue is unbounded so tasks can post follow-up work without ever
// blocking the goroutine that drains it.
type Loop struct {
	mu      sync.Mutex
	queue   []Task
	stopped bool
	wake    chan struct{}
	log     zerolog.Logger
}

// NewLoop creates a loop whose queue starts with the given capacity
func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Loop{
		queue: make([]Task, 0, capacity),
		wake:  make(chan struct{}, 1),
		log:   logging.Component("loop"),
	}
}

// Post queues a task without blocking. It returns false once the loop has
// stopped.
func (l *Loop) Post(task Task) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns every queued task
func (l *Loop) take() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

type timerHandle struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (h *timerHandle) Cancel() {
	h.cancelled.Store(true)
	h.timer.Stop()
}

// After posts task once d has elapsed
func (l *Loop) After(d time.Duration, task Task) Handle {
	h := &timerHandle{}
	h.timer = time.AfterFunc(max(d, 0), func() {
		l.Post(func() {
			if !h.cancelled.Load() {
				task()
			}
		})
	})
	return h
}

// Now returns the wall clock time
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Run executes tasks until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	l.log.Info().Msg("event loop started")
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		l.log.Info().Msg("event loop stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
		for batch := l.take(); len(batch) > 0; batch = l.take() {
			for _, task := range batch {
				if ctx.Err() != nil {
					return
				}
				l.run(task)
			}
		}
	}
}

func (l *Loop) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task panicked")
		}
	}()
	task()
}
