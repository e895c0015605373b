package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
)

// Raiser accepts decoded bus events
type Raiser interface {
	Raise(ev events.Event)
}

// Subscriber is the part of paho.Client ingress needs
type Subscriber interface {
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Ingress raises events published on dss/events/<name>
type Ingress struct {
	raiser Raiser
	log    zerolog.Logger
}

// NewIngress creates an ingress raising into r
func NewIngress(r Raiser) *Ingress {
	return &Ingress{raiser: r, log: logging.Component("mqtt")}
}

// Start subscribes to the event topics
func (in *Ingress) Start(s Subscriber) error {
	in.log.Info().Str("topic", EventsTopic).Msg("subscribing")
	token := s.Subscribe(EventsTopic, commandQoS, in.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe to %s: timed out", EventsTopic)
	}
	return token.Error()
}

func (in *Ingress) onMessage(_ paho.Client, msg paho.Message) {
	ev, err := DecodeEvent(msg.Topic(), msg.Payload())
	if err != nil {
		in.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping bus message")
		return
	}
	in.raiser.Raise(ev)
}

// DecodeEvent builds an event from a bus message. The event name is the
// last topic level; the payload carries optional source and parameter
// objects. Numbers keep their JSON text so integer ids stay integers.
func DecodeEvent(topic string, payload []byte) (events.Event, error) {
	name, ok := strings.CutPrefix(topic, eventsPrefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return events.Event{}, fmt.Errorf("unexpected topic %q", topic)
	}
	ev := events.Event{Name: name}
	if len(bytes.TrimSpace(payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			return events.Event{}, fmt.Errorf("decoding %s payload: %w", name, err)
		}
		ev.Name = name
	}
	if ev.Source != nil && *ev.Source == (events.Source{}) {
		ev.Source = nil
	}
	return ev, nil
}

// Mirror publishes every handled event on dss/raised/<name>
type Mirror struct {
	pub Publisher
	log zerolog.Logger
}

// NewMirror creates a mirror publishing through pub
func NewMirror(pub Publisher) *Mirror {
	return &Mirror{pub: pub, log: logging.Component("mqtt")}
}

// Observe publishes without waiting; it runs on the engine loop
func (m *Mirror) Observe(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Error().Err(err).Str("event", ev.Name).Msg("cannot encode event")
		return
	}
	if err := publish(m.pub, m.log, raisedPrefix+ev.Name, payload); err != nil {
		m.log.Warn().Err(err).Str("event", ev.Name).Msg("mirror failed")
	}
}
