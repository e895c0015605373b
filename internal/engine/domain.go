package engine

import (
	"context"
	"time"

	"dsrules/internal/events"
)

// Zone is a handle on a zone and its groups
type Zone interface {
	CallScene(group, scene int, force bool) error
	UndoScene(group, scene int) error
	Blink(group int) error
}

// Device is a handle on a single device
type Device interface {
	CallScene(scene int, force bool) error
	SetValue(value int) error
	Blink() error
}

// Apartment resolves zone and device handles
type Apartment interface {
	Zone(id int) (Zone, error)
	Device(dsid string) (Device, error)
}

// Fetcher performs the HTTP request of a url action and returns the status code
type Fetcher interface {
	Do(ctx context.Context, method, url string, body []byte) (int, error)
}

// Bus raises events into the engine
type Bus interface {
	Raise(ev events.Event)
	RaiseAfter(ev events.Event, d time.Duration)
}

// Execution summarises one completed step sequence
type Execution struct {
	RulePath   string
	Delay      *int
	Steps      int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// History stores completed executions
type History interface {
	RecordExecution(ctx context.Context, ex Execution) error
}

// Metrics receives engine counters
type Metrics interface {
	EventHandled(name string)
	Relayed(eventName string)
	ActionExecuted(actionType string, err error)
	FragmentDropped()
}

type nopMetrics struct{}

func (nopMetrics) EventHandled(string)          {}
func (nopMetrics) Relayed(string)               {}
func (nopMetrics) ActionExecuted(string, error) {}
func (nopMetrics) FragmentDropped()             {}
