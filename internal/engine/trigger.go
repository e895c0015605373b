package engine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
	"dsrules/internal/tree"
)

// Trigger clause types
const (
	TriggerZoneScene        = "zone-scene"
	TriggerUndoZoneScene    = "undo-zone-scene"
	TriggerDeviceScene      = "device-scene"
	TriggerDeviceSensor     = "device-sensor"
	TriggerDeviceMsg        = "device-msg"
	TriggerCustomEvent      = "custom-event"
	TriggerStateChange      = "state-change"
	TriggerAddonStateChange = "addon-state-change"
	TriggerEvent            = "event"
)

// Matcher decides whether any trigger clause of a rule matches an event
type Matcher struct {
	tree tree.Tree
	log  zerolog.Logger
}

// NewMatcher creates a matcher reading rules from t
func NewMatcher(t tree.Tree) *Matcher {
	return &Matcher{tree: t, log: logging.Component("trigger")}
}

// Matches reports whether one of the rule's trigger clauses matches ev.
// Absent rules and empty trigger lists never match.
func (m *Matcher) Matches(rulePath string, ev events.Event) bool {
	triggers := tree.Join(rulePath, "triggers")
	if !m.tree.Exists(triggers) {
		return false
	}
	payload := events.Decode(ev)
	for _, name := range m.tree.Children(triggers) {
		c := clause{tree: m.tree, path: tree.Join(triggers, name)}
		typ, ok := c.get("type")
		if !ok {
			continue
		}
		matched, err := m.matchClause(tree.String(typ), c, ev, payload)
		if err != nil {
			if !errors.Is(err, ErrUnknownType) {
				m.log.Debug().Err(err).Str("clause", c.path).Msg("clause skipped")
			}
			continue
		}
		if matched {
			m.log.Debug().Str("rule", rulePath).Str("clause", c.path).Str("event", ev.Name).Msg("trigger matched")
			return true
		}
	}
	return false
}

func (m *Matcher) matchClause(typ string, c clause, ev events.Event, payload events.Payload) (bool, error) {
	switch typ {
	case TriggerZoneScene:
		p, ok := payload.(events.GroupSceneCall)
		if !ok {
			return false, nil
		}
		return matchZoneScene(c, p.ZoneID, p.GroupID, p.SceneID, p.OriginDeviceID)
	case TriggerUndoZoneScene:
		p, ok := payload.(events.GroupUndoScene)
		if !ok {
			return false, nil
		}
		return matchZoneScene(c, p.ZoneID, p.GroupID, p.SceneID, p.OriginDeviceID)
	case TriggerDeviceScene:
		p, ok := payload.(events.DeviceSceneCall)
		if !ok {
			return false, nil
		}
		return matchDeviceScene(c, p)
	case TriggerDeviceSensor:
		p, ok := payload.(events.SensorEvent)
		if !ok {
			return false, nil
		}
		return matchDeviceSensor(c, p)
	case TriggerDeviceMsg:
		p, ok := payload.(events.ButtonClick)
		if !ok {
			return false, nil
		}
		return matchButton(c, p)
	case TriggerCustomEvent:
		p, ok := payload.(events.HighLevel)
		if !ok {
			return false, nil
		}
		want, err := c.require("event")
		if err != nil {
			return false, err
		}
		return tree.Equal(want, p.ID), nil
	case TriggerStateChange:
		p, ok := payload.(events.StateChange)
		if !ok {
			return false, nil
		}
		return matchState(c, p.StateName, p.State)
	case TriggerAddonStateChange:
		p, ok := payload.(events.AddonStateChange)
		if !ok {
			return false, nil
		}
		addon, err := c.require("addon-id")
		if err != nil {
			return false, err
		}
		if !tree.Equal(addon, p.ScriptID) {
			return false, nil
		}
		return matchState(c, p.StateName, p.State)
	case TriggerEvent:
		return matchGeneric(c, ev)
	}
	return false, fmt.Errorf("trigger type %q: %w", typ, ErrUnknownType)
}

// clause reads the fields of one trigger clause node
type clause struct {
	tree tree.Tree
	path string
}

func (c clause) get(name string) (any, bool) {
	return tree.Child(c.tree, c.path, name)
}

func (c clause) require(name string) (any, error) {
	v, ok := c.get(name)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", c.path, name, ErrMissingData)
	}
	return v, nil
}

// wildcard reports whether a numeric clause field is negative
func wildcard(v any) (bool, error) {
	n, ok := tree.Int(v)
	if !ok {
		return false, fmt.Errorf("value %v: %w", v, ErrMalformedParameter)
	}
	return n < 0, nil
}

// anyOrEqual matches when want is -1 or loosely equals got
func anyOrEqual(want, got any) bool {
	return tree.String(want) == "-1" || tree.Equal(want, got)
}

func matchZoneScene(c clause, zone, group int, scene, origin any) (bool, error) {
	z, err := c.require("zone")
	if err != nil {
		return false, err
	}
	if wild, err := wildcard(z); err != nil {
		return false, err
	} else if !wild && !tree.Equal(z, zone) {
		return false, nil
	}

	g, ok := c.get("group")
	if !ok {
		return true, nil
	}
	if wild, err := wildcard(g); err != nil {
		return false, err
	} else if !wild && !tree.Equal(g, group) {
		return false, nil
	}

	s, ok := c.get("scene")
	if !ok {
		return true, nil
	}
	if wild, err := wildcard(s); err != nil {
		return false, err
	} else if !wild && !tree.Equal(s, scene) {
		return false, nil
	}

	if d, ok := c.get("dsid"); ok {
		dsid := tree.String(d)
		if dsid != "" && dsid != "-1" && !tree.Equal(d, origin) {
			return false, nil
		}
	}
	return true, nil
}

func matchDeviceScene(c clause, p events.DeviceSceneCall) (bool, error) {
	dsid, err := c.require("dsid")
	if err != nil {
		return false, err
	}
	scene, err := c.require("scene")
	if err != nil {
		return false, err
	}
	return anyOrEqual(dsid, p.DSID) && anyOrEqual(scene, p.SceneID), nil
}

func matchDeviceSensor(c clause, p events.SensorEvent) (bool, error) {
	dsid, err := c.require("dsid")
	if err != nil {
		return false, err
	}
	if !anyOrEqual(dsid, p.DSID) {
		return false, nil
	}
	if id, ok := c.get("eventid"); ok {
		return anyOrEqual(id, p.SensorIndex), nil
	}
	for _, field := range []string{"evt", "name"} {
		if name, ok := c.get(field); ok {
			return anyOrEqual(name, p.SensorEvent), nil
		}
	}
	return false, fmt.Errorf("%s: eventid or evt: %w", c.path, ErrMissingData)
}

func matchButton(c clause, p events.ButtonClick) (bool, error) {
	dsid, err := c.require("dsid")
	if err != nil {
		return false, err
	}
	msg, err := c.require("msg")
	if err != nil {
		return false, err
	}
	return anyOrEqual(dsid, p.DSID) && anyOrEqual(msg, p.ClickType), nil
}

func matchState(c clause, name string, state any) (bool, error) {
	want, err := c.require("name")
	if err != nil {
		return false, err
	}
	if !tree.Equal(want, name) {
		return false, nil
	}
	if s, ok := c.get("state"); ok && !anyOrEqual(s, state) {
		return false, nil
	}
	return true, nil
}

// matchGeneric matches on the event name and every parameter/<key> child
func matchGeneric(c clause, ev events.Event) (bool, error) {
	name, err := c.require("name")
	if err != nil {
		return false, err
	}
	if tree.String(name) != ev.Name {
		return false, nil
	}
	params := tree.Join(c.path, "parameter")
	for _, key := range c.tree.Children(params) {
		want, _ := c.tree.Get(tree.Join(params, key))
		got, ok := ev.Param(key)
		if !ok || !anyOrEqual(want, got) {
			return false, nil
		}
	}
	return true, nil
}
