// Package taskqueue delivers delayed engine events through asynq so that
// pending fragments survive a restart of the engine process.
package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"dsrules/internal/events"
	"dsrules/internal/logging"
)

// TypeTimedEvent is the asynq task type of a delayed event
const TypeTimedEvent = "engine:timed_event"

// Raiser accepts events once their delay has passed
type Raiser interface {
	Raise(ev events.Event)
}

// TimedEventPayload is the task body
type TimedEventPayload struct {
	Event events.Event `json:"event"`
}

// NewTimedEventTask wraps ev into a task
func NewTimedEventTask(ev events.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(TimedEventPayload{Event: ev})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", ev.Name, err)
	}
	return asynq.NewTask(TypeTimedEvent, payload), nil
}

// DecodeTimedEvent reads the event of a timed event task. Numbers stay
// json.Number so integer parameters keep their exact value.
func DecodeTimedEvent(t *asynq.Task) (events.Event, error) {
	var payload TimedEventPayload
	dec := json.NewDecoder(bytes.NewReader(t.Payload()))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return events.Event{}, fmt.Errorf("decoding task payload: %w", err)
	}
	if payload.Event.Name == "" {
		return events.Event{}, fmt.Errorf("task payload has no event name")
	}
	return payload.Event, nil
}

// timedEventHandler raises the task's event. Malformed payloads are not
// retried.
func timedEventHandler(r Raiser) asynq.HandlerFunc {
	log := logging.Component("taskqueue")
	return func(ctx context.Context, t *asynq.Task) error {
		ev, err := DecodeTimedEvent(t)
		if err != nil {
			log.Error().Err(err).Msg("dropping timed event")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Debug().Str("event", ev.Name).Msg("timed event due")
		r.Raise(ev)
		return nil
	}
}
