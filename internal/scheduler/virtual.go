package scheduler

import (
	"slices"
	"sync"
	"time"
)

type virtualTask struct {
	due       time.Time
	seq       int
	task      Task
	cancelled bool
}

// Virtual is a Scheduler driven by a manually advanced clock. Tasks run on
// the goroutine calling Advance or RunPending.
type Virtual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	queue []*virtualTask
}

// NewVirtual creates a virtual clock starting at start
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

type virtualHandle struct {
	v *Virtual
	t *virtualTask
}

func (h virtualHandle) Cancel() {
	h.v.mu.Lock()
	h.t.cancelled = true
	h.v.mu.Unlock()
}

func (v *Virtual) After(d time.Duration, task Task) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTask{due: v.now.Add(max(d, 0)), seq: v.seq, task: task}
	v.queue = append(v.queue, t)
	return virtualHandle{v: v, t: t}
}

// Post queues task to run at the current time
func (v *Virtual) Post(task Task) bool {
	v.After(0, task)
	return true
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Pending returns the number of tasks not yet run
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, t := range v.queue {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// RunPending runs every task due at the current time, including tasks
// they schedule with no delay
func (v *Virtual) RunPending() {
	v.Advance(0)
}

// Advance moves the clock forward by d, running due tasks in order. The
// clock reads each task's due time while it runs.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()
	for {
		t := v.next(target)
		if t == nil {
			break
		}
		t.task()
	}
	v.mu.Lock()
	v.now = target
	v.mu.Unlock()
}

// next pops the earliest task due at or before target
func (v *Virtual) next(target time.Time) *virtualTask {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.queue = slices.DeleteFunc(v.queue, func(t *virtualTask) bool { return t.cancelled })
	if len(v.queue) == 0 {
		return nil
	}
	i := 0
	for j, t := range v.queue {
		if t.due.Before(v.queue[i].due) || (t.due.Equal(v.queue[i].due) && t.seq < v.queue[i].seq) {
			i = j
		}
	}
	t := v.queue[i]
	if t.due.After(target) {
		return nil
	}
	v.queue = slices.Delete(v.queue, i, i+1)
	v.now = t.due
	return t
}
