package engine

import (
	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
)

// Dispatcher relays an event for every registration whose rule both
// passes its conditions and has a matching trigger
type Dispatcher struct {
	registry *Registry
	conds    *Conditions
	matcher  *Matcher
	metrics  Metrics
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(registry *Registry, conds *Conditions, matcher *Matcher, metrics Metrics) *Dispatcher {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Dispatcher{registry: registry, conds: conds, matcher: matcher, metrics: metrics, log: logging.Component("dispatch")}
}

// Dispatch processes ev against all registrations in collection order and
// returns the number of relays raised
func (d *Dispatcher) Dispatch(ev events.Event) int {
	relayed := 0
	for _, reg := range d.registry.List() {
		conditionsOK := d.conds.Evaluate(reg.TriggerPath)
		triggersOK := d.matcher.Matches(reg.TriggerPath, ev)
		if !conditionsOK || !triggersOK {
			continue
		}
		if err := d.registry.Relay(reg, ev); err != nil {
			d.log.Warn().Err(err).Int("id", reg.ID).Msg("relay incomplete")
		}
		d.metrics.Relayed(reg.RelayedEventName)
		relayed++
	}
	return relayed
}
