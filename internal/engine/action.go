package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
	"dsrules/internal/scheduler"
	"dsrules/internal/tree"
)

// Action step types
const (
	ActionZoneScene        = "zone-scene"
	ActionUndoZoneScene    = "undo-zone-scene"
	ActionDeviceScene      = "device-scene"
	ActionDeviceValue      = "device-value"
	ActionDeviceBlink      = "device-blink"
	ActionZoneBlink        = "zone-blink"
	ActionCustomEvent      = "custom-event"
	ActionURL              = "url"
	ActionChangeState      = "change-state"
	ActionChangeAddonState = "change-addon-state"
	ActionHeatingMode      = "heating-mode"
)

// stepDurations is the pause after each step type before the next step
var stepDurations = map[string]time.Duration{
	ActionZoneScene:        500 * time.Millisecond,
	ActionUndoZoneScene:    1000 * time.Millisecond,
	ActionDeviceScene:      1000 * time.Millisecond,
	ActionDeviceValue:      1000 * time.Millisecond,
	ActionDeviceBlink:      1000 * time.Millisecond,
	ActionZoneBlink:        500 * time.Millisecond,
	ActionCustomEvent:      100 * time.Millisecond,
	ActionURL:              100 * time.Millisecond,
	ActionChangeState:      100 * time.Millisecond,
	ActionChangeAddonState: 100 * time.Millisecond,
	ActionHeatingMode:      100 * time.Millisecond,
}

// urlDeferral is how long a url step waits before its request starts
const urlDeferral = time.Millisecond

// historyTimeout bounds a single history write
const historyTimeout = 5 * time.Second

// Executor runs the action steps of rules
type Executor struct {
	tree        tree.Tree
	conds       *Conditions
	sched       scheduler.Scheduler
	bus         Bus
	opts        Options
	generations map[string]uint64
	log         zerolog.Logger
}

// NewExecutor creates an executor. It must only be used from the loop
// that sched runs tasks on.
func NewExecutor(t tree.Tree, conds *Conditions, sched scheduler.Scheduler, bus Bus, opts Options) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		tree:        t,
		conds:       conds,
		sched:       sched,
		bus:         bus,
		opts:        opts,
		generations: make(map[string]uint64),
		log:         logging.Component("action"),
	}
}

// Execute runs the rule's actions. Steps with distinct delays are split
// into fragments raised as action_execute events after their delay;
// otherwise conditions are checked and the whole sequence runs now.
func (e *Executor) Execute(path string, ignoreConditions bool) {
	log := logging.WithRule(e.log, path)
	steps, err := e.steps(path)
	if err != nil {
		log.Warn().Err(err).Msg("nothing to execute")
		return
	}

	gen := e.begin(path)
	delays := e.delays(path, steps)
	if len(delays) > 1 {
		log.Debug().Ints("delays", delays).Msg("delay present, execution fragmented")
		for _, d := range delays {
			params := map[string]any{"path": path, "delay": d, "generation": gen}
			if ignoreConditions {
				params["ignoreConditions"] = true
			}
			e.bus.RaiseAfter(events.New(events.NameActionExecute, params), time.Duration(d)*time.Second)
		}
		return
	}

	if ignoreConditions {
		log.Info().Msg("condition check disabled")
	} else if !e.conds.Evaluate(path) {
		log.Info().Msg("condition check failed")
		return
	}
	e.run(path, gen, nil, steps)

	stamp := strconv.FormatInt(e.sched.Now().UnixMilli(), 10)
	if err := e.tree.Set(tree.Join(path, "lastExecuted"), stamp); err != nil {
		log.Error().Err(err).Msg("failed to write lastExecuted")
	}
}

// ExecuteDelayed runs the fragment of steps whose delay equals delay.
// A fragment carrying a generation older than the rule's current one has
// been superseded by a later execution and is dropped.
func (e *Executor) ExecuteDelayed(path string, delay int, ignoreConditions bool, generation *uint64) {
	log := logging.WithRule(e.log, path).With().Int("delay", delay).Logger()
	gen := e.generation(path)
	if generation != nil {
		if !e.current(path, *generation) {
			log.Info().Uint64("generation", *generation).Msg("fragment superseded, dropped")
			e.opts.Metrics.FragmentDropped()
			return
		}
		gen = *generation
	}

	steps, err := e.steps(path)
	if err != nil {
		log.Warn().Err(err).Msg("nothing to execute")
		return
	}
	if ignoreConditions {
		log.Info().Msg("condition check disabled")
	} else if !e.conds.Evaluate(path) {
		log.Info().Msg("condition check failed")
		return
	}

	var selected []string
	for _, s := range steps {
		d := 0
		if v, ok := tree.Child(e.tree, s, "delay"); ok {
			n, ok := tree.Int(v)
			if !ok {
				continue
			}
			d = n
		}
		if d == delay {
			selected = append(selected, s)
		}
	}
	if len(selected) > 0 {
		e.run(path, gen, &delay, selected)
	}
}

// steps lists the action step node paths of a rule
func (e *Executor) steps(path string) ([]string, error) {
	base := tree.Join(path, "actions")
	if !e.tree.Exists(base) {
		return nil, fmt.Errorf("%s: %w", base, ErrMissingData)
	}
	names := e.tree.Children(base)
	if len(names) == 0 {
		return nil, fmt.Errorf("%s has no steps: %w", base, ErrMissingData)
	}
	steps := make([]string, len(names))
	for i, n := range names {
		steps[i] = tree.Join(base, n)
	}
	return steps, nil
}

// delays returns the distinct step delays in first-seen order, starting with 0
func (e *Executor) delays(path string, steps []string) []int {
	delays := []int{0}
	for _, s := range steps {
		v, ok := tree.Child(e.tree, s, "delay")
		if !ok {
			continue
		}
		d, ok := tree.Int(v)
		if !ok {
			e.log.Warn().Str("rule", path).Str("step", s).Interface("delay", v).Msg("wrong parameter type for delay")
			continue
		}
		if !slices.Contains(delays, d) {
			delays = append(delays, d)
		}
	}
	return delays
}

// generationNode keeps a rule's execution generation in the tree so
// durable fragments stay current across restarts
const generationNode = "executionGeneration"

// generation returns the rule's current generation, loading it from the
// tree the first time the rule is seen
func (e *Executor) generation(path string) uint64 {
	if gen, ok := e.generations[path]; ok {
		return gen
	}
	var gen uint64
	if v, ok := tree.Child(e.tree, path, generationNode); ok {
		if n, ok := tree.Int(v); ok && n > 0 {
			gen = uint64(n)
		}
	}
	e.generations[path] = gen
	return gen
}

func (e *Executor) begin(path string) uint64 {
	gen := e.generation(path) + 1
	e.generations[path] = gen
	if e.opts.OverlapGuard {
		if err := e.tree.Set(tree.Join(path, generationNode), gen); err != nil {
			e.log.Error().Err(err).Str("rule", path).Msg("failed to store execution generation")
		}
	}
	return gen
}

func (e *Executor) current(path string, gen uint64) bool {
	return !e.opts.OverlapGuard || e.generation(path) == gen
}

// run executes steps one after another, pausing for each step's duration
func (e *Executor) run(path string, gen uint64, delay *int, steps []string) {
	log := logging.WithRule(e.log, path)
	ex := Execution{RulePath: path, Delay: delay, Steps: len(steps), StartedAt: e.sched.Now()}

	var next func(i int)
	next = func(i int) {
		if !e.current(path, gen) {
			log.Info().Int("remaining", len(steps)-i).Msg("execution superseded, remaining steps dropped")
			e.opts.Metrics.FragmentDropped()
			return
		}
		log.Debug().Str("step", steps[i]).Msg("execute")
		wait, err := e.executeOne(path, steps[i])
		if err != nil {
			ex.Failed++
			log.Error().Err(err).Str("step", steps[i]).Msg("step failed")
		}
		if i+1 == len(steps) {
			ex.FinishedAt = e.sched.Now()
			e.record(ex)
			return
		}
		e.sched.After(wait, func() { next(i + 1) })
	}
	next(0)
}

func (e *Executor) record(ex Execution) {
	if e.opts.History == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := e.opts.History.RecordExecution(ctx, ex); err != nil {
			e.log.Error().Err(err).Str("rule", ex.RulePath).Msg("failed to record execution")
		}
	}()
}

// executeOne applies a single step and returns the pause before the next.
// Steps that fail on their own parameters return no pause.
func (e *Executor) executeOne(rulePath, stepPath string) (time.Duration, error) {
	s := step{tree: e.tree, path: stepPath}
	v, err := s.value("type")
	if err != nil {
		return 0, err
	}
	typ := tree.String(v)

	switch typ {
	case ActionZoneScene:
		err = e.zoneScene(s)
	case ActionUndoZoneScene:
		err = e.undoZoneScene(s)
	case ActionDeviceScene:
		err = e.deviceScene(s)
	case ActionDeviceValue:
		err = e.deviceValue(s)
	case ActionDeviceBlink:
		err = e.deviceBlink(s)
	case ActionZoneBlink:
		err = e.zoneBlink(s)
	case ActionCustomEvent:
		err = e.customEvent(rulePath, s)
	case ActionURL:
		err = e.url(rulePath, s)
	case ActionChangeState:
		err = e.changeState(s)
	case ActionChangeAddonState:
		err = e.changeAddonState(s)
	case ActionHeatingMode:
		err = e.heatingMode(s)
	default:
		err = fmt.Errorf("action type %q: %w", typ, ErrUnknownType)
	}
	e.opts.Metrics.ActionExecuted(typ, err)

	if errors.Is(err, ErrMissingData) || errors.Is(err, ErrMalformedParameter) || errors.Is(err, ErrUnknownType) {
		return 0, err
	}
	return stepDurations[typ], err
}

// step reads the parameters of one action step node
type step struct {
	tree tree.Tree
	path string
}

func (s step) value(name string) (any, error) {
	v, ok := tree.Child(s.tree, s.path, name)
	if !ok {
		return nil, fmt.Errorf("missing %s parameter: %w", name, ErrMissingData)
	}
	return v, nil
}

func (s step) intParam(name string) (int, error) {
	v, err := s.value(name)
	if err != nil {
		return 0, err
	}
	n, ok := tree.Int(v)
	if !ok {
		return 0, fmt.Errorf("%s parameter %v: %w", name, v, ErrMalformedParameter)
	}
	return n, nil
}

func (s step) stringParam(name string) (string, error) {
	v, err := s.value(name)
	if err != nil {
		return "", err
	}
	str := tree.String(v)
	if str == "" {
		return "", fmt.Errorf("empty %s parameter: %w", name, ErrMissingData)
	}
	return str, nil
}

// flag reads an optional boolean parameter
func (s step) flag(name string) bool {
	v, ok := tree.Child(s.tree, s.path, name)
	if !ok {
		return false
	}
	b, _ := tree.Bool(v)
	return b
}

func (e *Executor) zone(id int) (Zone, error) {
	if e.opts.Apartment == nil {
		return nil, fmt.Errorf("zone %d: no apartment: %w", id, ErrExternalCall)
	}
	z, err := e.opts.Apartment.Zone(id)
	if err != nil {
		return nil, fmt.Errorf("zone %d: %w: %w", id, ErrExternalCall, err)
	}
	return z, nil
}

func (e *Executor) device(s step) (Device, error) {
	dsid, err := s.stringParam("dsid")
	if err != nil {
		return nil, err
	}
	if e.opts.Apartment == nil {
		return nil, fmt.Errorf("device %s: no apartment: %w", dsid, ErrExternalCall)
	}
	d, err := e.opts.Apartment.Device(dsid)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w: %w", dsid, ErrExternalCall, err)
	}
	return d, nil
}

func external(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", what, ErrExternalCall, err)
}

func (e *Executor) zoneScene(s step) error {
	zoneID, err := s.intParam("zone")
	if err != nil {
		return err
	}
	group, err := s.intParam("group")
	if err != nil {
		return err
	}
	scene, err := s.intParam("scene")
	if err != nil {
		return err
	}
	z, err := e.zone(zoneID)
	if err != nil {
		return err
	}
	return external("call scene", z.CallScene(group, scene, s.flag("force")))
}

func (e *Executor) undoZoneScene(s step) error {
	zoneID, err := s.intParam("zone")
	if err != nil {
		return err
	}
	group, err := s.intParam("group")
	if err != nil {
		return err
	}
	scene, err := s.intParam("scene")
	if err != nil {
		return err
	}
	z, err := e.zone(zoneID)
	if err != nil {
		return err
	}
	return external("undo scene", z.UndoScene(group, scene))
}

func (e *Executor) deviceScene(s step) error {
	scene, err := s.intParam("scene")
	if err != nil {
		return err
	}
	d, err := e.device(s)
	if err != nil {
		return err
	}
	return external("device scene", d.CallScene(scene, s.flag("force")))
}

func (e *Executor) deviceValue(s step) error {
	value, err := s.intParam("value")
	if err != nil {
		return err
	}
	d, err := e.device(s)
	if err != nil {
		return err
	}
	return external("device value", d.SetValue(value))
}

func (e *Executor) deviceBlink(s step) error {
	d, err := e.device(s)
	if err != nil {
		return err
	}
	return external("device blink", d.Blink())
}

func (e *Executor) zoneBlink(s step) error {
	zoneID, err := s.intParam("zone")
	if err != nil {
		return err
	}
	group := 0
	if _, ok := tree.Child(s.tree, s.path, "group"); ok {
		if group, err = s.intParam("group"); err != nil {
			return err
		}
	}
	z, err := e.zone(zoneID)
	if err != nil {
		return err
	}
	return external("zone blink", z.Blink(group))
}

func (e *Executor) customEvent(rulePath string, s step) error {
	id, err := s.stringParam("event")
	if err != nil {
		return err
	}
	e.bus.Raise(events.New(events.NameHighLevelEvent, map[string]any{"id": id, "source-name": rulePath}))
	return nil
}

// url schedules the request of a "[METHOD ]url[ body]" step one tick
// later; the request runs off the loop and only logs its outcome.
func (e *Executor) url(rulePath string, s step) error {
	raw, err := s.stringParam("url")
	if err != nil {
		return err
	}
	method, target, body := parseURLAction(raw)
	fetcher := e.opts.Fetcher
	if fetcher == nil {
		return fmt.Errorf("url %s: no http client: %w", target, ErrExternalCall)
	}
	log := logging.WithRule(e.log, rulePath).With().Str("method", method).Str("url", target).Logger()
	log.Info().Msg("executeUrl")

	e.sched.After(urlDeferral, func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.URLTimeout)
			defer cancel()
			status, err := fetcher.Do(ctx, method, target, body)
			switch {
			case err != nil:
				log.Error().Err(err).Msg("request failed")
				e.opts.Metrics.ActionExecuted(ActionURL, fmt.Errorf("%w: %w", ErrExternalCall, err))
			case status == 200:
				log.Info().Int("status", status).Msg("OK")
			default:
				log.Warn().Int("status", status).Msg("FAILED, server replied with unexpected status")
			}
		}()
	})
	return nil
}

// parseURLAction splits "GET url" or "POST url body"; other values are a
// plain GET of the whole string
func parseURLAction(raw string) (method, target string, body []byte) {
	switch {
	case strings.HasPrefix(raw, "GET "):
		return "GET", strings.TrimPrefix(raw, "GET "), nil
	case strings.HasPrefix(raw, "POST "):
		rest := strings.TrimPrefix(raw, "POST ")
		if target, b, ok := strings.Cut(rest, " "); ok {
			return "POST", target, []byte(b)
		}
		return "POST", rest, nil
	}
	return "GET", raw, nil
}

// newStateValue picks an integer value parameter or a string state parameter
func newStateValue(s step) (any, error) {
	if v, ok := tree.Child(s.tree, s.path, "value"); ok {
		if n, ok := tree.Int(v); ok {
			return n, nil
		}
	}
	if v, ok := tree.Child(s.tree, s.path, "state"); ok {
		if str := tree.String(v); str != "" {
			return str, nil
		}
	}
	_, hasValue := tree.Child(s.tree, s.path, "value")
	_, hasState := tree.Child(s.tree, s.path, "state")
	if !hasValue && !hasState {
		return nil, fmt.Errorf("missing value or state parameter: %w", ErrMissingData)
	}
	return nil, fmt.Errorf("wrong data type for value or state parameter: %w", ErrMalformedParameter)
}

func (e *Executor) changeState(s step) error {
	name, err := s.stringParam("statename")
	if err != nil {
		return err
	}
	node := ""
	for _, n := range e.tree.Children(StatesRoot) {
		p := tree.Join(StatesRoot, n)
		if v, ok := tree.Child(e.tree, p, "name"); ok && tree.String(v) == name {
			node = p
			break
		}
	}
	if node == "" {
		return fmt.Errorf("state %q does not exist: %w", name, ErrMissingData)
	}
	value, err := newStateValue(s)
	if err != nil {
		return err
	}
	if err := e.tree.Set(tree.Join(node, "value"), value); err != nil {
		return external("write state", err)
	}
	e.bus.Raise(events.New(events.NameStateChange, map[string]any{
		"statename": name,
		"state":     tree.String(value),
		"value":     value,
	}))
	return nil
}

func (e *Executor) changeAddonState(s step) error {
	addon, err := s.stringParam("addon-id")
	if err != nil {
		return err
	}
	name, err := s.stringParam("statename")
	if err != nil {
		return err
	}
	node := tree.Join(AddonStatesRoot, addon, name)
	if !e.tree.Exists(node) {
		return fmt.Errorf("addon state %s/%s does not exist: %w", addon, name, ErrMissingData)
	}
	value, err := newStateValue(s)
	if err != nil {
		return err
	}
	if err := e.tree.Set(tree.Join(node, "value"), value); err != nil {
		return external("write addon state", err)
	}
	e.bus.Raise(events.New(events.NameAddonStateChange, map[string]any{
		"scriptID":  addon,
		"statename": name,
		"state":     tree.String(value),
	}))
	return nil
}

func (e *Executor) heatingMode(s step) error {
	zone, err := s.value("zone")
	if err != nil {
		return err
	}
	mode, err := s.value("mode")
	if err != nil {
		return err
	}
	action := "setOperationMode"
	if s.flag("reset") {
		action = "resetOperationMode"
	}
	e.bus.Raise(events.New(events.NameOperationMode, map[string]any{
		"actions":       action,
		"zoneID":        tree.String(zone),
		"operationMode": tree.String(mode),
	}))
	return nil
}
