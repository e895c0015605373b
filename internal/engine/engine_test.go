package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsrules/internal/events"
	"dsrules/internal/scheduler"
	"dsrules/internal/tree"
)

func TestSceneCallRunsRegisteredRule(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, rule,
		"triggers/0/type", "zone-scene", "triggers/0/zone", 1, "triggers/0/group", 0, "triggers/0/scene", 5,
		"actions/0/type", "zone-scene", "actions/0/zone", 2, "actions/0/group", 0, "actions/0/scene", 10,
	)
	_, err := h.engine.Registry.Register(rule, events.NameActionExecute, nil)
	require.NoError(t, err)

	h.engine.Raise(groupScene(1, 0, 5, "77"))
	h.clock.RunPending()

	relayed := h.named(events.NameActionExecute)
	require.Len(t, relayed, 1)
	assert.Nil(t, relayed[0].Source)
	assert.Equal(t, rule, relayed[0].ParamString("path"))
	assert.Equal(t, "5", relayed[0].ParamString("sceneID"))
	assert.Equal(t, "77", relayed[0].ParamString("originDeviceID"))

	assert.Equal(t, []string{"zone 2 group 0 scene 10 force false"}, h.apartment.what())
	_, ok := h.tree.Get(rule + "/lastExecuted")
	assert.True(t, ok)

	h.engine.Raise(groupScene(1, 0, 6, ""))
	h.clock.RunPending()
	assert.Len(t, h.apartment.calls, 1)
}

func TestEventsHandledInRaiseOrder(t *testing.T) {
	h := newHarness(t, true)
	for _, name := range []string{"a", "b", "c"} {
		h.engine.Raise(events.New(name, nil))
	}
	h.engine.RaiseAfter(events.New("late", nil), time.Second)
	h.engine.RaiseAfter(events.New("d", nil), 0)
	h.clock.RunPending()

	var names []string
	for _, ev := range h.handled {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)

	h.clock.Advance(time.Second)
	assert.Len(t, h.handled, 5)
}

type recordingDelay struct {
	events []events.Event
	delays []time.Duration
	err    error
}

func (r *recordingDelay) RaiseAfter(ev events.Event, d time.Duration) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	r.delays = append(r.delays, d)
	return nil
}

func TestRaiseAfterPrefersDurableDelay(t *testing.T) {
	clock := scheduler.NewVirtual(testStart)
	delayed := &recordingDelay{}
	e := New(tree.NewMemory(), clock, Options{Delayed: delayed})

	e.RaiseAfter(events.New("later", nil), 3*time.Second)
	require.Len(t, delayed.events, 1)
	assert.Equal(t, 3*time.Second, delayed.delays[0])
	assert.Zero(t, clock.Pending())

	delayed.err = assert.AnError
	e.RaiseAfter(events.New("fallback", nil), 3*time.Second)
	assert.Equal(t, 1, clock.Pending())
}

func TestDurableFragmentSurvivesRestart(t *testing.T) {
	tr := tree.NewMemory()
	for _, kv := range [][2]any{
		{"actions/0/type", "device-blink"}, {"actions/0/dsid", "a"},
		{"actions/1/type", "device-blink"}, {"actions/1/dsid", "b"}, {"actions/1/delay", 5},
	} {
		require.NoError(t, tr.Set(tree.Join(rule, kv[0].(string)), kv[1]))
	}

	clock := scheduler.NewVirtual(testStart)
	before := &fakeApartment{clock: clock}
	delayed := &recordingDelay{}
	first := New(tr, clock, Options{Location: time.UTC, OverlapGuard: true, Apartment: before, Delayed: delayed})
	first.Executor.Execute(rule, false)
	clock.RunPending()
	require.Equal(t, []string{"device a blink"}, before.what())
	require.Len(t, delayed.events, 1)
	fragment := delayed.events[0]

	// a new process on the same tree receives the queued fragment
	restarted := scheduler.NewVirtual(testStart.Add(5 * time.Second))
	after := &fakeApartment{clock: restarted}
	second := New(tr, restarted, Options{Location: time.UTC, OverlapGuard: true, Apartment: after, Delayed: &recordingDelay{}})
	second.Handle(fragment)
	restarted.RunPending()
	assert.Equal(t, []string{"device b blink"}, after.what())

	// a later execution still supersedes the old fragment
	second.Executor.Execute(rule, false)
	restarted.RunPending()
	second.Handle(fragment)
	restarted.RunPending()
	assert.Equal(t, []string{"device b blink", "device a blink"}, after.what())
}

func TestFindRule(t *testing.T) {
	h := newHarness(t, true)
	h.setOrdered(t, "/usr/events/0", "id", "morning")
	h.setOrdered(t, "/usr/events/1", "id", 42)

	p, ok := h.engine.FindRule("morning")
	assert.True(t, ok)
	assert.Equal(t, "/usr/events/0", p)

	p, ok = h.engine.FindRule("42")
	assert.True(t, ok)
	assert.Equal(t, "/usr/events/1", p)

	_, ok = h.engine.FindRule("evening")
	assert.False(t, ok)
}

func TestDoRunsOnLoop(t *testing.T) {
	loop := scheduler.NewLoop(8)
	e := New(tree.NewMemory(), loop, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	ran := false
	require.NoError(t, e.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	cancel()
	<-done
	assert.ErrorIs(t, e.Do(context.Background(), func() {}), ErrStopped)
}
