package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"dsrules/internal/engine"
	"dsrules/internal/logging"
)

// Command is the JSON document published to a zone or device command topic
type Command struct {
	Action string `json:"action"`
	Group  *int   `json:"group,omitempty"`
	Scene  *int   `json:"scene,omitempty"`
	Value  *int   `json:"value,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// Apartment resolves zones and devices to handles publishing on the bus
type Apartment struct {
	pub Publisher
	log zerolog.Logger
}

// NewApartment creates an apartment publishing through pub
func NewApartment(pub Publisher) *Apartment {
	return &Apartment{pub: pub, log: logging.Component("mqtt")}
}

func (a *Apartment) Zone(id int) (engine.Zone, error) {
	if id < 0 {
		return nil, fmt.Errorf("invalid zone id %d", id)
	}
	return zone{a: a, topic: "zones/" + strconv.Itoa(id) + "/commands"}, nil
}

func (a *Apartment) Device(dsid string) (engine.Device, error) {
	if dsid == "" {
		return nil, fmt.Errorf("empty dsid")
	}
	return device{a: a, topic: "devices/" + dsid + "/commands"}, nil
}

func (a *Apartment) send(topic string, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return publish(a.pub, a.log, topic, payload)
}

type zone struct {
	a     *Apartment
	topic string
}

func (z zone) CallScene(group, scene int, force bool) error {
	return z.a.send(z.topic, Command{Action: "callScene", Group: &group, Scene: &scene, Force: force})
}

func (z zone) UndoScene(group, scene int) error {
	return z.a.send(z.topic, Command{Action: "undoScene", Group: &group, Scene: &scene})
}

func (z zone) Blink(group int) error {
	return z.a.send(z.topic, Command{Action: "blink", Group: &group})
}

type device struct {
	a     *Apartment
	topic string
}

func (d device) CallScene(scene int, force bool) error {
	return d.a.send(d.topic, Command{Action: "callScene", Scene: &scene, Force: force})
}

func (d device) SetValue(value int) error {
	return d.a.send(d.topic, Command{Action: "setValue", Value: &value})
}

func (d device) Blink() error {
	return d.a.send(d.topic, Command{Action: "blink"})
}
