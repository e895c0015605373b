// Package engine implements the rule engine: trigger matching, condition
// evaluation, timed action execution and the trigger relay registry.
//
// All engine state is owned by a single scheduler.Host. Events raised from
// other goroutines are posted to the host and handled one at a time.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
	"dsrules/internal/scheduler"
	"dsrules/internal/tree"
)

// Default tree roots
const (
	DefaultRulesRoot    = "/usr/events"
	DefaultTriggersRoot = "/usr/triggers"
)

// DefaultURLTimeout bounds url action requests
const DefaultURLTimeout = 10 * time.Second

// ErrStopped is returned when the host no longer accepts work
var ErrStopped = errors.New("engine stopped")

// DelayedRaiser delivers an event after a delay outside the process,
// surviving restarts
type DelayedRaiser interface {
	RaiseAfter(ev events.Event, d time.Duration) error
}

// Observer sees every handled event. It runs on the engine loop and must
// not block.
type Observer interface {
	Observe(ev events.Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ev events.Event)

func (f ObserverFunc) Observe(ev events.Event) { f(ev) }

// Options configures an Engine
type Options struct {
	RulesRoot    string
	TriggersRoot string
	Location     *time.Location
	OverlapGuard bool
	URLTimeout   time.Duration

	Apartment Apartment
	Fetcher   Fetcher
	History   History
	Metrics   Metrics
	Delayed   DelayedRaiser
}

func (o Options) withDefaults() Options {
	if o.RulesRoot == "" {
		o.RulesRoot = DefaultRulesRoot
	}
	if o.TriggersRoot == "" {
		o.TriggersRoot = DefaultTriggersRoot
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.URLTimeout <= 0 {
		o.URLTimeout = DefaultURLTimeout
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	return o
}

// Engine wires the rule engine components to a host loop
type Engine struct {
	tree       tree.Tree
	host       scheduler.Host
	opts       Options
	Registry   *Registry
	Matcher    *Matcher
	Conditions *Conditions
	Executor   *Executor
	Dispatcher *Dispatcher

	observersMu sync.RWMutex
	observers   []Observer
	log         zerolog.Logger
}

// New creates an engine over t running on host
func New(t tree.Tree, host scheduler.Host, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{tree: t, host: host, opts: opts, log: logging.Component("engine")}
	loc := opts.Location
	e.Conditions = NewConditions(t, func() time.Time { return host.Now().In(loc) })
	e.Matcher = NewMatcher(t)
	e.Registry = NewRegistry(t, opts.TriggersRoot, e)
	e.Executor = NewExecutor(t, e.Conditions, host, e, opts)
	e.Dispatcher = NewDispatcher(e.Registry, e.Conditions, e.Matcher, opts.Metrics)
	return e
}

// Tree returns the property tree the engine works on
func (e *Engine) Tree() tree.Tree {
	return e.tree
}

// AddObserver registers an observer for handled events
func (e *Engine) AddObserver(o Observer) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, o)
}

// Raise queues ev for handling. Safe for concurrent use.
func (e *Engine) Raise(ev events.Event) {
	if !e.host.Post(func() { e.Handle(ev) }) {
		e.log.Warn().Str("event", ev.Name).Msg("engine stopped, event dropped")
	}
}

// RaiseAfter queues ev for handling after d. Durable delivery is used when
// configured, falling back to the in-process scheduler.
func (e *Engine) RaiseAfter(ev events.Event, d time.Duration) {
	if d <= 0 {
		e.Raise(ev)
		return
	}
	if e.opts.Delayed != nil {
		err := e.opts.Delayed.RaiseAfter(ev, d)
		if err == nil {
			return
		}
		e.log.Error().Err(err).Str("event", ev.Name).Msg("durable delay failed, using in-process timer")
	}
	e.host.After(d, func() { e.Handle(ev) })
}

// Do runs fn on the engine loop and waits for it to finish
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.host.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes one event: relays matching registrations, then runs
// action_execute and highlevelevent requests. Must run on the loop.
func (e *Engine) Handle(ev events.Event) {
	e.log.Debug().Str("event", ev.Name).Interface("parameter", ev.Parameter).Msg("handling event")
	e.opts.Metrics.EventHandled(ev.Name)

	e.observersMu.RLock()
	observers := e.observers
	e.observersMu.RUnlock()
	for _, o := range observers {
		o.Observe(ev)
	}

	e.Dispatcher.Dispatch(ev)

	switch p := events.Decode(ev).(type) {
	case events.ActionExecute:
		if p.Delay != nil {
			e.Executor.ExecuteDelayed(p.Path, *p.Delay, p.IgnoreConditions, p.Generation)
		} else {
			e.Executor.Execute(p.Path, p.IgnoreConditions)
		}
	case events.HighLevel:
		path, ok := e.FindRule(p.ID)
		if !ok {
			e.log.Info().Str("id", tree.String(p.ID)).Msg("no rule for event id")
			return
		}
		e.Executor.Execute(path, false)
	}
}

// FindRule returns the path of the rule whose id equals id
func (e *Engine) FindRule(id any) (string, bool) {
	for _, name := range e.tree.Children(e.opts.RulesRoot) {
		p := tree.Join(e.opts.RulesRoot, name)
		if v, ok := tree.Child(e.tree, p, "id"); ok && tree.Equal(v, id) {
			return p, true
		}
	}
	return "", false
}

// RulesRoot returns the tree root holding rules
func (e *Engine) RulesRoot() string {
	return e.opts.RulesRoot
}
