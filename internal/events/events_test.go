package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeGroupSceneCall(t *testing.T) {
	ev := Event{
		Name:      NameCallScene,
		Source:    &Source{IsGroup: true, ZoneID: IntPtr(1), GroupID: IntPtr(0)},
		Parameter: map[string]any{"sceneID": 5, "originDeviceID": "11", "forced": true},
	}
	p, ok := Decode(ev).(GroupSceneCall)
	require.True(t, ok)
	assert.Equal(t, 1, p.ZoneID)
	assert.Equal(t, 0, p.GroupID)
	assert.Equal(t, 5, p.SceneID)
	assert.Equal(t, "11", p.OriginDeviceID)
	assert.True(t, p.Force)
}

func TestDecodeIncompleteEventsAreGeneric(t *testing.T) {
	cases := map[string]Event{
		"group scene without zone":   {Name: NameCallScene, Source: &Source{IsGroup: true, GroupID: IntPtr(0)}, Parameter: map[string]any{"sceneID": 5}},
		"device scene without scene": {Name: NameCallScene, Source: &Source{IsDevice: true, DSID: "abc"}},
		"scene without source":       {Name: NameCallScene, Parameter: map[string]any{"sceneID": 5}},
		"click without dsid":         {Name: NameButtonClick, Parameter: map[string]any{"clickType": 1}},
		"highlevel without id":       {Name: NameHighLevelEvent},
		"action without path":        {Name: NameActionExecute, Parameter: map[string]any{"delay": 5}},
		"nil parameter value":        {Name: NameHighLevelEvent, Parameter: map[string]any{"id": nil}},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := Decode(ev).(Generic)
			assert.True(t, ok)
		})
	}
}

func TestDecodeActionExecute(t *testing.T) {
	p, ok := Decode(New(NameActionExecute, map[string]any{"path": "/usr/events/1", "delay": "5", "ignoreConditions": true})).(ActionExecute)
	require.True(t, ok)
	assert.Equal(t, "/usr/events/1", p.Path)
	require.NotNil(t, p.Delay)
	assert.Equal(t, 5, *p.Delay)
	assert.True(t, p.IgnoreConditions)

	p, ok = Decode(New(NameActionExecute, map[string]any{"path": "/usr/events/1"})).(ActionExecute)
	require.True(t, ok)
	assert.Nil(t, p.Delay)
	assert.False(t, p.IgnoreConditions)
}

func TestDecodeFromJSON(t *testing.T) {
	raw := `{"name":"callScene","source":{"isDevice":true,"dsid":"3504175fe0000000000017ff"},"parameter":{"sceneID":14}}`
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))

	p, ok := ev.Payload().(DeviceSceneCall)
	require.True(t, ok)
	assert.Equal(t, "3504175fe0000000000017ff", p.DSID)
	assert.Equal(t, float64(14), p.SceneID)
}

func TestNewCopiesParameters(t *testing.T) {
	params := map[string]any{"id": "wake"}
	ev := New(NameHighLevelEvent, params)
	params["id"] = "changed"
	assert.Equal(t, "wake", ev.ParamString("id"))
	assert.Nil(t, ev.Source)
}
