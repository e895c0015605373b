package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsrules/internal/events"
)

func TestDelayWavesFireSeparately(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"actions/0/type", "device-value", "actions/0/dsid", "a", "actions/0/value", 10, "actions/0/delay", 0,
		"actions/1/type", "device-value", "actions/1/dsid", "b", "actions/1/value", 20, "actions/1/delay", 5,
	)

	h.engine.Executor.Execute(rule, false)
	h.clock.RunPending()
	require.Len(t, h.apartment.calls, 1)
	assert.Equal(t, "device a value 10", h.apartment.calls[0].what)
	assert.Equal(t, time.Duration(0), h.apartment.calls[0].at)

	h.clock.Advance(4 * time.Second)
	assert.Len(t, h.apartment.calls, 1)

	h.clock.Advance(time.Second)
	require.Len(t, h.apartment.calls, 2)
	assert.Equal(t, "device b value 20", h.apartment.calls[1].what)
	assert.Equal(t, 5*time.Second, h.apartment.calls[1].at)

	_, written := h.tree.Get(rule + "/lastExecuted")
	assert.False(t, written, "fragmented runs never write lastExecuted")
	assert.Len(t, h.named(events.NameActionExecute), 2)
}

func TestEachWaveRechecksConditions(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"actions/0/type", "device-blink", "actions/0/dsid", "a",
		"actions/1/type", "device-blink", "actions/1/dsid", "b", "actions/1/delay", "5",
	)

	h.engine.Executor.Execute(rule, false)
	h.clock.RunPending()
	require.Equal(t, []string{"device a blink"}, h.apartment.what())

	require.NoError(t, h.tree.Set(rule+"/conditions/enabled", false))
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"device a blink"}, h.apartment.what())
}

func TestStepPacing(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"actions/0/type", "zone-scene", "actions/0/zone", 1, "actions/0/group", 0, "actions/0/scene", 5,
		"actions/1/type", "zone-scene", "actions/1/zone", 1, "actions/1/group", 0, "actions/1/scene", 6,
		"actions/2/type", "zone-scene", "actions/2/zone", 1, "actions/2/group", 0, "actions/2/scene", 7, "actions/2/force", true,
	)

	h.engine.Executor.Execute(rule, false)
	require.Len(t, h.apartment.calls, 1, "first step runs immediately")

	h.clock.Advance(499 * time.Millisecond)
	require.Len(t, h.apartment.calls, 1)
	h.clock.Advance(time.Second)

	require.Len(t, h.apartment.calls, 3)
	assert.Equal(t, time.Duration(0), h.apartment.calls[0].at)
	assert.Equal(t, 500*time.Millisecond, h.apartment.calls[1].at)
	assert.Equal(t, 1000*time.Millisecond, h.apartment.calls[2].at)
	assert.Equal(t, "zone 1 group 0 scene 7 force true", h.apartment.calls[2].what)

	stamp, ok := h.tree.Get(rule + "/lastExecuted")
	require.True(t, ok)
	assert.Equal(t, "1709546400000", stamp)

	assert.Eventually(t, func() bool { return h.history.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFailedStepDoesNotPause(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"actions/0/type", "zone-scene", "actions/0/group", 0, "actions/0/scene", 5,
		"actions/1/type", "teleport",
		"actions/2/type", "device-blink", "actions/2/dsid", "missing",
		"actions/3/type", "zone-blink", "actions/3/zone", 4,
	)

	h.engine.Executor.Execute(rule, false)
	h.clock.RunPending()
	// the missing device is an external failure and keeps its pacing
	require.Empty(t, h.apartment.calls)
	h.clock.Advance(time.Second)
	require.Len(t, h.apartment.calls, 1)
	assert.Equal(t, "zone 4 group 0 blink", h.apartment.calls[0].what)
	assert.Equal(t, time.Second, h.apartment.calls[0].at)

	require.Eventually(t, func() bool { return h.history.count() == 1 }, time.Second, 10*time.Millisecond)
	h.history.mu.Lock()
	assert.Equal(t, 3, h.history.runs[0].Failed)
	assert.Equal(t, 4, h.history.runs[0].Steps)
	h.history.mu.Unlock()
}

func TestConditionFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"conditions/enabled", false,
		"actions/0/type", "device-blink", "actions/0/dsid", "a",
	)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(time.Second)
	assert.Empty(t, h.apartment.calls)
	_, ok := h.tree.Get(rule + "/lastExecuted")
	assert.False(t, ok)

	h.engine.Executor.Execute(rule, true)
	assert.Equal(t, []string{"device a blink"}, h.apartment.what())
}

func TestMissingActions(t *testing.T) {
	h := newHarness(t, true)
	h.engine.Executor.Execute("/usr/events/none", false)
	h.engine.Executor.ExecuteDelayed("/usr/events/none", 5, false, nil)
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.apartment.calls)
	assert.Empty(t, h.handled)
}

func TestCustomEventRunsRuleByID(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, "/usr/events/0",
		"id", "start",
		"actions/0/type", "custom-event", "actions/0/event", "lights",
	)
	h.setOrdered(t, "/usr/events/1",
		"id", "lights",
		"actions/0/type", "zone-scene", "actions/0/zone", 2, "actions/0/group", 1, "actions/0/scene", 5,
	)

	h.engine.Raise(events.New(events.NameHighLevelEvent, map[string]any{"id": "start"}))
	h.clock.RunPending()

	raised := h.named(events.NameHighLevelEvent)
	require.Len(t, raised, 2)
	assert.Equal(t, "lights", raised[1].ParamString("id"))
	assert.Equal(t, "/usr/events/0", raised[1].ParamString("source-name"))
	assert.Equal(t, []string{"zone 2 group 1 scene 5 force false"}, h.apartment.what())

	h.engine.Raise(events.New(events.NameHighLevelEvent, map[string]any{"id": "unknown"}))
	h.clock.RunPending()
	assert.Len(t, h.apartment.calls, 1)
}

func TestURLAction(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"actions/0/type", "url", "actions/0/url", "POST http://hook.local/ring {\"a\":1}",
		"actions/1/type", "url", "actions/1/url", "http://hook.local/plain",
	)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(time.Second)

	assert.Eventually(t, func() bool { return len(h.fetcher.seen()) == 2 }, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{
		"POST http://hook.local/ring {\"a\":1}",
		"GET http://hook.local/plain ",
	}, h.fetcher.seen())
}

func TestParseURLAction(t *testing.T) {
	m, u, b := parseURLAction("GET http://x/y?z=1")
	assert.Equal(t, "GET", m)
	assert.Equal(t, "http://x/y?z=1", u)
	assert.Nil(t, b)

	m, u, b = parseURLAction("POST http://x/y")
	assert.Equal(t, "POST", m)
	assert.Equal(t, "http://x/y", u)
	assert.Nil(t, b)

	m, u, b = parseURLAction("POST http://x/y a=1 b=2")
	assert.Equal(t, "POST", m)
	assert.Equal(t, "http://x/y", u)
	assert.Equal(t, "a=1 b=2", string(b))
}

func TestOverlapGuardDropsSupersededFragments(t *testing.T) {
	steps := []any{
		"actions/0/type", "device-blink", "actions/0/dsid", "now",
		"actions/1/type", "device-blink", "actions/1/dsid", "later", "actions/1/delay", 5,
	}

	h := newHarness(t, true)
	h.setOrdered(t, rule, steps...)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(2 * time.Second)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"device now blink", "device now blink", "device later blink"}, h.apartment.what())
	assert.Equal(t, 7*time.Second, h.apartment.calls[2].at)

	h = newHarness(t, false)
	h.setOrdered(t, rule, steps...)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(2 * time.Second)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"device now blink", "device now blink", "device later blink", "device later blink"}, h.apartment.what())
}

func TestOverlapGuardDropsPacingContinuations(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"actions/0/type", "device-scene", "actions/0/dsid", "a", "actions/0/scene", 1,
		"actions/1/type", "device-scene", "actions/1/dsid", "b", "actions/1/scene", 2,
	)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(500 * time.Millisecond)
	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(5 * time.Second)

	assert.Equal(t, []string{
		"device a scene 1 force false",
		"device a scene 1 force false",
		"device b scene 2 force false",
	}, h.apartment.what())
}

func TestChangeStateRaisesStateChange(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, "/usr/states/0", "name", "fire", "value", "inactive")
	h.setOrdered(t, "/usr/addon-states/heating/eco", "name", "eco", "value", "off")
	h.setOrdered(t, rule,
		"actions/0/type", "change-state", "actions/0/statename", "fire", "actions/0/state", "active",
		"actions/1/type", "change-addon-state", "actions/1/addon-id", "heating", "actions/1/statename", "eco", "actions/1/value", 1,
		"actions/2/type", "change-state", "actions/2/statename", "flood", "actions/2/state", "active",
		"actions/3/type", "heating-mode", "actions/3/zone", 3, "actions/3/mode", "comfort", "actions/3/reset", true,
	)

	h.engine.Executor.Execute(rule, false)
	h.clock.Advance(time.Second)

	v, _ := h.tree.Get("/usr/states/0/value")
	assert.Equal(t, "active", v)
	v, _ = h.tree.Get("/usr/addon-states/heating/eco/value")
	assert.Equal(t, 1, v)

	changes := h.named(events.NameStateChange)
	require.Len(t, changes, 1)
	assert.Equal(t, "fire", changes[0].ParamString("statename"))
	assert.Equal(t, "active", changes[0].ParamString("state"))

	addon := h.named(events.NameAddonStateChange)
	require.Len(t, addon, 1)
	assert.Equal(t, "heating", addon[0].ParamString("scriptID"))
	assert.Equal(t, "1", addon[0].ParamString("state"))

	modes := h.named(events.NameOperationMode)
	require.Len(t, modes, 1)
	assert.Equal(t, "resetOperationMode", modes[0].ParamString("actions"))
	assert.Equal(t, "3", modes[0].ParamString("zoneID"))
	assert.Equal(t, "comfort", modes[0].ParamString("operationMode"))
}
