package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dsrules/internal/events"
	"dsrules/internal/scheduler"
	"dsrules/internal/tree"
)

// Monday 4 March 2024, 10:00:00 UTC
var testStart = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type call struct {
	at   time.Duration
	what string
}

type fakeApartment struct {
	clock *scheduler.Virtual
	calls []call
}

func (a *fakeApartment) record(format string, args ...any) error {
	a.calls = append(a.calls, call{at: a.clock.Now().Sub(testStart), what: fmt.Sprintf(format, args...)})
	return nil
}

func (a *fakeApartment) Zone(id int) (Zone, error) {
	return fakeZone{a: a, id: id}, nil
}

func (a *fakeApartment) Device(dsid string) (Device, error) {
	if dsid == "missing" {
		return nil, errors.New("device not found")
	}
	return fakeDevice{a: a, dsid: dsid}, nil
}

func (a *fakeApartment) what() []string {
	out := make([]string, len(a.calls))
	for i, c := range a.calls {
		out[i] = c.what
	}
	return out
}

type fakeZone struct {
	a  *fakeApartment
	id int
}

func (z fakeZone) CallScene(group, scene int, force bool) error {
	return z.a.record("zone %d group %d scene %d force %t", z.id, group, scene, force)
}

func (z fakeZone) UndoScene(group, scene int) error {
	return z.a.record("zone %d group %d undo %d", z.id, group, scene)
}

func (z fakeZone) Blink(group int) error {
	return z.a.record("zone %d group %d blink", z.id, group)
}

type fakeDevice struct {
	a    *fakeApartment
	dsid string
}

func (d fakeDevice) CallScene(scene int, force bool) error {
	return d.a.record("device %s scene %d force %t", d.dsid, scene, force)
}

func (d fakeDevice) SetValue(value int) error {
	return d.a.record("device %s value %d", d.dsid, value)
}

func (d fakeDevice) Blink() error {
	return d.a.record("device %s blink", d.dsid)
}

type fakeFetcher struct {
	mu       sync.Mutex
	requests []string
	status   int
}

func (f *fakeFetcher) Do(_ context.Context, method, url string, body []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, method+" "+url+" "+string(body))
	return f.status, nil
}

func (f *fakeFetcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

type fakeHistory struct {
	mu   sync.Mutex
	runs []Execution
}

func (h *fakeHistory) RecordExecution(_ context.Context, ex Execution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, ex)
	return nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}

type harness struct {
	engine    *Engine
	tree      *tree.Memory
	clock     *scheduler.Virtual
	apartment *fakeApartment
	fetcher   *fakeFetcher
	history   *fakeHistory
	handled   []events.Event
}

func newHarness(t *testing.T, guard bool) *harness {
	t.Helper()
	h := &harness{
		tree:    tree.NewMemory(),
		clock:   scheduler.NewVirtual(testStart),
		fetcher: &fakeFetcher{status: 200},
		history: &fakeHistory{},
	}
	h.apartment = &fakeApartment{clock: h.clock}
	h.engine = New(h.tree, h.clock, Options{
		Location:     time.UTC,
		OverlapGuard: guard,
		Apartment:    h.apartment,
		Fetcher:      h.fetcher,
		History:      h.history,
	})
	h.engine.AddObserver(ObserverFunc(func(ev events.Event) {
		h.handled = append(h.handled, ev)
	}))
	return h
}

// set writes path/value pairs below base
func (h *harness) set(t *testing.T, base string, values map[string]any) {
	t.Helper()
	for p, v := range values {
		require.NoError(t, h.tree.Set(tree.Join(base, p), v))
	}
}

// setOrdered writes pairs in order so list children keep their positions
func (h *harness) setOrdered(t *testing.T, base string, pairs ...any) {
	t.Helper()
	require.Zero(t, len(pairs)%2)
	for i := 0; i < len(pairs); i += 2 {
		require.NoError(t, h.tree.Set(tree.Join(base, pairs[i].(string)), pairs[i+1]))
	}
}

func (h *harness) named(name string) []events.Event {
	var out []events.Event
	for _, ev := range h.handled {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func groupScene(zone, group int, scene any, origin string) events.Event {
	return events.Event{
		Name:      events.NameCallScene,
		Source:    &events.Source{IsGroup: true, ZoneID: events.IntPtr(zone), GroupID: events.IntPtr(group)},
		Parameter: map[string]any{"sceneID": scene, "originDeviceID": origin},
	}
}
