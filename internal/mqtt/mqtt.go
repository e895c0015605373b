// Package mqtt connects the rule engine to the device bus: commands for
// zones and devices go out as JSON, bus events come in and are raised.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"dsrules/internal/logging"
)

// Topic layout
const (
	EventsTopic  = "dss/events/+"
	eventsPrefix = "dss/events/"
	raisedPrefix = "dss/raised/"
)

// commandQoS is used for every command and mirrored event
const commandQoS = 1

// subscribeTimeout bounds waiting for a subscription acknowledgement
const subscribeTimeout = 5 * time.Second

// Publisher is the part of paho.Client commands are sent through
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// NewClient creates and connects an MQTT client
func NewClient(broker, clientID string) (paho.Client, error) {
	log := logging.Component("mqtt")
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("connection lost")
		}).
		SetOnConnectHandler(func(paho.Client) {
			log.Info().Str("broker", broker).Msg("connected")
		})
	c := paho.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to %s: %w", broker, token.Error())
	}
	return c, nil
}

// publish sends payload without blocking the caller on the broker
// acknowledgement. Tokens that already failed (not connected) return their
// error; late failures are only logged.
func publish(p Publisher, log zerolog.Logger, topic string, payload []byte) error {
	log.Debug().Str("topic", topic).RawJSON("payload", payload).Msg("publish")
	token := p.Publish(topic, commandQoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	default:
	}
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
	return nil
}
