// Package events defines the events flowing through the rule engine.
//
// Events arrive with a loosely typed parameter map. Decode turns the
// parameters into a typed payload once per event so matchers can switch on
// the variant instead of probing optional keys.
package events

import (
	"maps"

	"dsrules/internal/tree"
)

// Event names the engine understands
const (
	NameCallScene        = "callScene"
	NameUndoScene        = "undoScene"
	NameDeviceSensor     = "deviceSensorEvent"
	NameButtonClick      = "buttonClick"
	NameHighLevelEvent   = "highlevelevent"
	NameStateChange      = "stateChange"
	NameAddonStateChange = "addonStateChange"
	NameActionExecute    = "action_execute"
	NameOperationMode    = "heating-controller.operation-mode"
)

// Source describes where an event originated. Zero value means no source.
type Source struct {
	IsGroup  bool   `json:"isGroup,omitempty"`
	IsDevice bool   `json:"isDevice,omitempty"`
	DSID     string `json:"dsid,omitempty"`
	ZoneID   *int   `json:"zoneID,omitempty"`
	GroupID  *int   `json:"groupID,omitempty"`
}

// Event is a raised event
type Event struct {
	Name      string         `json:"name"`
	Source    *Source        `json:"source,omitempty"`
	Parameter map[string]any `json:"parameter,omitempty"`
}

// New creates a source-less event. The parameter map is copied.
func New(name string, params map[string]any) Event {
	p := make(map[string]any, len(params))
	maps.Copy(p, params)
	return Event{Name: name, Parameter: p}
}

// Param returns a parameter value
func (e Event) Param(key string) (any, bool) {
	if e.Parameter == nil {
		return nil, false
	}
	v, ok := e.Parameter[key]
	if ok && v == nil {
		return nil, false
	}
	return v, ok
}

// ParamString returns a parameter rendered as a string, "" when absent
func (e Event) ParamString(key string) string {
	v, _ := e.Param(key)
	return tree.String(v)
}

// IntPtr is a helper for building sources
func IntPtr(v int) *int { return &v }
