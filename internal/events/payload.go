package events

import "dsrules/internal/tree"

// Payload is the typed view of an event's parameters
type Payload interface {
	payload()
}

// GroupSceneCall is a scene called on a zone/group
type GroupSceneCall struct {
	ZoneID         int
	GroupID        int
	SceneID        any
	OriginDeviceID any
	Force          bool
}

// GroupUndoScene is a scene undone on a zone/group
type GroupUndoScene struct {
	ZoneID         int
	GroupID        int
	SceneID        any
	OriginDeviceID any
}

// DeviceSceneCall is a scene called on a single device
type DeviceSceneCall struct {
	DSID    string
	SceneID any
}

// SensorEvent is a device sensor reading or sensor event
type SensorEvent struct {
	DSID        string
	SensorIndex any
	SensorEvent any
}

// ButtonClick is a pushbutton message
type ButtonClick struct {
	DSID      string
	ClickType any
}

// HighLevel is a user defined event raised by id
type HighLevel struct {
	ID any
}

// StateChange reports a new system state value
type StateChange struct {
	StateName string
	State     any
	Value     any
}

// AddonStateChange reports a new addon state value
type AddonStateChange struct {
	ScriptID  string
	StateName string
	State     any
}

// ActionExecute asks the executor to run a rule's actions.
// Delay is nil for a full run and set for a single delay fragment;
// Generation identifies the execution a fragment was split from.
type ActionExecute struct {
	Path             string
	Delay            *int
	Generation       *uint64
	IgnoreConditions bool
}

// Generic is any event without a dedicated variant, or a known event
// lacking the fields its variant requires.
type Generic struct {
	Name      string
	Parameter map[string]any
}

func (GroupSceneCall) payload()   {}
func (GroupUndoScene) payload()   {}
func (DeviceSceneCall) payload()  {}
func (SensorEvent) payload()      {}
func (ButtonClick) payload()      {}
func (HighLevel) payload()        {}
func (StateChange) payload()      {}
func (AddonStateChange) payload() {}
func (ActionExecute) payload()    {}
func (Generic) payload()          {}

// Payload decodes the event parameters
func (e Event) Payload() Payload {
	return Decode(e)
}

// Decode maps an event onto its payload variant
func Decode(e Event) Payload {
	generic := Generic{Name: e.Name, Parameter: e.Parameter}
	src := e.Source
	if src == nil {
		src = &Source{}
	}

	switch e.Name {
	case NameCallScene:
		scene, hasScene := e.Param("sceneID")
		if src.IsGroup {
			if src.ZoneID == nil || src.GroupID == nil || !hasScene {
				return generic
			}
			force, _ := tree.Bool(e.Parameter["forced"])
			origin, _ := e.Param("originDeviceID")
			return GroupSceneCall{ZoneID: *src.ZoneID, GroupID: *src.GroupID, SceneID: scene, OriginDeviceID: origin, Force: force}
		}
		if src.IsDevice {
			if src.DSID == "" || !hasScene {
				return generic
			}
			return DeviceSceneCall{DSID: src.DSID, SceneID: scene}
		}
	case NameUndoScene:
		scene, hasScene := e.Param("sceneID")
		if src.IsGroup && src.ZoneID != nil && src.GroupID != nil && hasScene {
			origin, _ := e.Param("originDeviceID")
			return GroupUndoScene{ZoneID: *src.ZoneID, GroupID: *src.GroupID, SceneID: scene, OriginDeviceID: origin}
		}
	case NameDeviceSensor:
		idx, _ := e.Param("sensorIndex")
		evt, _ := e.Param("sensorEvent")
		return SensorEvent{DSID: src.DSID, SensorIndex: idx, SensorEvent: evt}
	case NameButtonClick:
		click, ok := e.Param("clickType")
		if src.DSID == "" || !ok {
			return generic
		}
		return ButtonClick{DSID: src.DSID, ClickType: click}
	case NameHighLevelEvent:
		if id, ok := e.Param("id"); ok {
			return HighLevel{ID: id}
		}
	case NameStateChange:
		state, _ := e.Param("state")
		value, _ := e.Param("value")
		return StateChange{StateName: e.ParamString("statename"), State: state, Value: value}
	case NameAddonStateChange:
		state, _ := e.Param("state")
		return AddonStateChange{ScriptID: e.ParamString("scriptID"), StateName: e.ParamString("statename"), State: state}
	case NameActionExecute:
		path := e.ParamString("path")
		if path == "" {
			return generic
		}
		ae := ActionExecute{Path: path}
		if raw, ok := e.Param("delay"); ok {
			if d, ok := tree.Int(raw); ok {
				ae.Delay = &d
			}
		}
		if raw, ok := e.Param("generation"); ok {
			if g, ok := tree.Int(raw); ok && g >= 0 {
				gen := uint64(g)
				ae.Generation = &gen
			}
		}
		if raw, ok := e.Param("ignoreConditions"); ok {
			ae.IgnoreConditions = tree.Truthy(raw)
		}
		return ae
	}
	return generic
}
