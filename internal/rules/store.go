package rules

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"dsrules/internal/engine"
	"dsrules/internal/events"
	"dsrules/internal/logging"
	"dsrules/internal/tree"
)

// Result reports where a rule was stored and whether every value converted
type Result struct {
	Path      string `json:"path"`
	Succeeded bool   `json:"succeeded"`
}

// Summary lists a stored rule
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}

// Store writes rule documents below the rules root. It touches the tree
// and the registry so it must run on the engine loop.
type Store struct {
	tree     tree.Tree
	root     string
	registry *engine.Registry
	log      zerolog.Logger
}

// NewStore creates a store writing below root
func NewStore(t tree.Tree, root string, registry *engine.Registry) *Store {
	return &Store{tree: t, root: tree.Clean(root), registry: registry, log: logging.Component("rules")}
}

// Save validates doc, replaces any rule with the same id, writes it and
// registers its path for action_execute relays. Values that do not convert
// are skipped and clear Result.Succeeded without aborting.
func (s *Store) Save(doc Document) (Result, error) {
	if err := doc.Validate(); err != nil {
		return Result{}, err
	}
	path, exists := s.find(doc.ID)
	if exists {
		// clear the children so the rule keeps its position among its siblings
		for _, c := range s.tree.Children(path) {
			if err := s.tree.Remove(tree.Join(path, c)); err != nil {
				return Result{}, fmt.Errorf("replacing rule %s: %w", doc.ID, err)
			}
		}
	} else {
		path = tree.Join(s.root, strconv.Itoa(s.nextIndex()))
	}

	w := &writer{tree: s.tree, base: path, ok: true, log: logging.WithRule(s.log, path)}
	w.raw("id", doc.ID)
	if doc.Name != "" {
		w.raw("name", doc.Name)
	}
	w.triggers(doc.Triggers)
	w.conditions(doc.Conditions)
	w.actions(doc.Actions)
	if w.err != nil {
		return Result{Path: path}, fmt.Errorf("writing rule %s: %w", doc.ID, w.err)
	}

	if _, err := s.registry.Register(path, events.NameActionExecute, nil); err != nil {
		return Result{Path: path}, fmt.Errorf("registering rule %s: %w", doc.ID, err)
	}
	s.log.Info().Str("id", doc.ID).Str("path", path).Bool("succeeded", w.ok).Msg("rule stored")
	return Result{Path: path, Succeeded: w.ok}, nil
}

// Delete unregisters and removes the rule with id
func (s *Store) Delete(id string) error {
	path, ok := s.find(id)
	if !ok {
		return fmt.Errorf("rule %s: %w", id, engine.ErrNotFound)
	}
	if err := s.registry.Unregister(path); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	if err := s.tree.Remove(path); err != nil {
		return fmt.Errorf("removing rule %s: %w", id, err)
	}
	s.log.Info().Str("id", id).Str("path", path).Msg("rule deleted")
	return nil
}

// Get returns the stored subtree of the rule with id
func (s *Store) Get(id string) (string, any, bool) {
	path, ok := s.find(id)
	if !ok {
		return "", nil, false
	}
	return path, tree.Snapshot(s.tree, path), true
}

// List returns the stored rules in tree order
func (s *Store) List() []Summary {
	var out []Summary
	for _, name := range s.tree.Children(s.root) {
		p := tree.Join(s.root, name)
		id, ok := tree.Child(s.tree, p, "id")
		if !ok {
			continue
		}
		sum := Summary{ID: tree.String(id), Path: p}
		if n, ok := tree.Child(s.tree, p, "name"); ok {
			sum.Name = tree.String(n)
		}
		out = append(out, sum)
	}
	return out
}

func (s *Store) find(id string) (string, bool) {
	for _, name := range s.tree.Children(s.root) {
		p := tree.Join(s.root, name)
		if v, ok := tree.Child(s.tree, p, "id"); ok && tree.String(v) == id {
			return p, true
		}
	}
	return "", false
}

func (s *Store) nextIndex() int {
	next := 0
	for _, name := range s.tree.Children(s.root) {
		if n, err := strconv.Atoi(name); err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

// writer stores converted values below base and tracks conversion failures
type writer struct {
	tree tree.Tree
	base string
	ok   bool
	err  error
	log  zerolog.Logger
}

func (w *writer) raw(p string, v any) {
	if w.err != nil {
		return
	}
	if err := w.tree.Set(tree.Join(w.base, p), v); err != nil {
		w.err = err
	}
}

func (w *writer) fail(p string, v any) {
	w.ok = false
	w.log.Warn().Str("property", p).Interface("value", v).Msg("type error storing property")
}

func (w *writer) intValue(p string, v any) {
	if n, ok := toInt(v); ok {
		w.raw(p, n)
		return
	}
	w.fail(p, v)
}

func (w *writer) stringValue(p string, v any) {
	if str, ok := toString(v); ok {
		w.raw(p, str)
		return
	}
	w.fail(p, v)
}

func (w *writer) boolValue(p string, v any) {
	if b, ok := toBool(v); ok {
		w.raw(p, b)
		return
	}
	w.fail(p, v)
}

// dsid stores the device id, accepting dsuid as an alias
func (w *writer) dsid(p string, s Step) {
	if v, ok := s["dsuid"]; ok && v != nil {
		w.stringValue(p, v)
		return
	}
	w.stringValue(p, s["dsid"])
}

func (w *writer) triggers(steps []Step) {
	for i, s := range steps {
		p := "triggers/" + strconv.Itoa(i+1) + "/"
		typ := s.Type()
		switch typ {
		case engine.TriggerZoneScene, engine.TriggerUndoZoneScene:
			w.stringValue(p+"type", typ)
			w.intValue(p+"zone", s["zone"])
			w.intValue(p+"group", s["group"])
			w.intValue(p+"scene", s["scene"])
			if v, ok := s["forced"]; ok && typ == engine.TriggerZoneScene {
				w.boolValue(p+"forced", v)
			}
			w.raw(p+"dsid", "-1")
		case engine.TriggerDeviceMsg:
			w.stringValue(p+"type", typ)
			w.dsid(p+"dsid", s)
			w.intValue(p+"msg", s["msg"])
			if v, ok := s["buttonIndex"]; ok {
				w.intValue(p+"buttonIndex", v)
			}
		case engine.TriggerDeviceScene:
			w.stringValue(p+"type", typ)
			w.dsid(p+"dsid", s)
			w.intValue(p+"scene", s["scene"])
		case engine.TriggerDeviceSensor:
			w.stringValue(p+"type", typ)
			w.dsid(p+"dsid", s)
			w.stringValue(p+"eventid", s["eventid"])
		case engine.TriggerCustomEvent:
			w.stringValue(p+"type", typ)
			w.stringValue(p+"event", s["event"])
		case engine.TriggerStateChange:
			w.stringValue(p+"type", typ)
			w.stringValue(p+"name", s["name"])
			w.stringValue(p+"state", s["state"])
		case engine.TriggerAddonStateChange:
			w.stringValue(p+"type", typ)
			w.stringValue(p+"addon-id", s["addonId"])
			w.stringValue(p+"name", s["name"])
			w.stringValue(p+"state", s["state"])
		case engine.TriggerEvent:
			w.stringValue(p+"type", typ)
			w.stringValue(p+"name", s["name"])
			params, _ := s["parameter"].(map[string]any)
			keys := make([]string, 0, len(params))
			for k := range params {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				w.stringValue(p+"parameter/"+k, params[k])
			}
		default:
			w.log.Warn().Str("type", typ).Msg("trigger type not stored")
		}
	}
}

var weekdayCodes = map[string]string{"SU": "0", "MO": "1", "TU": "2", "WE": "3", "TH": "4", "FR": "5", "SA": "6"}

func (w *writer) conditions(c *Conditions) {
	if c == nil {
		return
	}
	const p = "conditions/"
	if c.Enabled != nil {
		w.raw(p+"enabled", *c.Enabled)
	}

	var days []string
	for _, d := range c.Weekdays {
		if code, ok := weekdayCodes[d]; ok {
			days = append(days, code)
		}
	}
	if len(days) > 0 {
		w.raw(p+"weekdays", strings.Join(days, ","))
	}

	for _, st := range c.SystemState {
		v := st.Value
		if str, ok := v.(string); ok && (str == "true" || str == "false") {
			v = str == "true"
		}
		w.raw(p+"states/"+st.Name, v)
	}

	addons := make([]string, 0, len(c.AddonStates))
	for a := range c.AddonStates {
		addons = append(addons, a)
	}
	slices.Sort(addons)
	for _, a := range addons {
		for _, st := range c.AddonStates[a] {
			w.raw(p+"addon-states/"+a+"/"+st.Name, addonValue(st.Value))
		}
	}

	for i, z := range c.ZoneState {
		zp := p + "zone-states/" + strconv.Itoa(i) + "/"
		w.intValue(zp+"zone", z.Zone)
		w.intValue(zp+"group", z.Group)
		w.intValue(zp+"scene", z.Scene)
	}

	for _, tf := range c.Timeframe {
		if tf.Start.TimeBase != "daily" || tf.End.TimeBase != "daily" {
			continue
		}
		from, okFrom := toInt(tf.Start.Offset)
		to, okTo := toInt(tf.End.Offset)
		if !okFrom || !okTo {
			w.fail(p+"time-start", tf)
			continue
		}
		w.raw(p+"time-start", clock(from))
		w.raw(p+"time-end", clock(to))
	}

	for i, d := range c.Date {
		dp := p + "date/" + strconv.Itoa(i) + "/"
		w.raw(dp+"start", d.Start)
		w.raw(dp+"end", d.End)
		w.raw(dp+"rrule", d.RRule)
	}
}

// addonValue maps booleans to the addon state encoding 1 (active) and
// 2 (inactive)
func addonValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 2
	case string:
		switch x {
		case "true":
			return 1
		case "false":
			return 2
		}
	}
	return v
}

// clock renders seconds since midnight as H:M:S without padding
func clock(seconds int) string {
	return fmt.Sprintf("%d:%d:%d", seconds/3600, seconds/60%60, seconds%60)
}

func (w *writer) actions(steps []Step) {
	for i, s := range steps {
		p := "actions/" + strconv.Itoa(i) + "/"
		typ := s.Type()
		switch typ {
		case engine.ActionZoneScene, engine.ActionUndoZoneScene:
			w.stringValue(p+"type", typ)
			w.intValue(p+"zone", s["zone"])
			w.intValue(p+"group", s["group"])
			w.intValue(p+"scene", s["scene"])
			if v, ok := s["force"]; ok {
				w.boolValue(p+"force", v)
			}
		case engine.ActionDeviceScene:
			w.stringValue(p+"type", typ)
			w.dsid(p+"dsid", s)
			w.intValue(p+"scene", s["scene"])
			if v, ok := s["force"]; ok {
				w.boolValue(p+"force", v)
			}
		case engine.ActionDeviceValue:
			w.stringValue(p+"type", typ)
			w.intValue(p+"value", s["value"])
			w.dsid(p+"dsid", s)
		case engine.ActionDeviceBlink:
			w.stringValue(p+"type", typ)
			w.dsid(p+"dsid", s)
		case engine.ActionZoneBlink:
			w.stringValue(p+"type", typ)
			w.intValue(p+"zone", s["zone"])
			w.intValue(p+"group", s["group"])
		case engine.ActionCustomEvent:
			w.stringValue(p+"type", typ)
			w.stringValue(p+"event", s["event"])
		case engine.ActionURL:
			w.stringValue(p+"type", typ)
			raw, ok := toString(s["url"])
			if !ok {
				w.fail(p+"url", s["url"])
				break
			}
			w.raw(p+"url", unescapeURL(raw))
		case engine.ActionChangeState:
			w.stringValue(p+"type", typ)
			w.stateName(p, s)
			w.stateValue(p, s)
		case engine.ActionChangeAddonState:
			w.stringValue(p+"type", typ)
			w.stateName(p, s)
			w.stringValue(p+"addon-id", s["addonId"])
			w.stateValue(p, s)
		case engine.ActionHeatingMode:
			w.stringValue(p+"type", typ)
			w.intValue(p+"zone", s["zone"])
			if v, ok := s["reset"]; ok {
				w.boolValue(p+"reset", v)
			}
			w.intValue(p+"mode", s["mode"])
		default:
			w.ok = false
			w.log.Warn().Str("type", typ).Int("index", i).Msg("unexpected action type")
		}
		if v, ok := s["delay"]; ok && v != nil {
			w.intValue(p+"delay", v)
		}
		w.raw(p+"category", "manual")
	}
}

func (w *writer) stateName(p string, s Step) {
	if v, ok := s["name"]; ok && v != nil {
		w.stringValue(p+"statename", v)
		return
	}
	w.stringValue(p+"statename", s["statename"])
}

// stateValue stores an integer value when given, otherwise the state string
func (w *writer) stateValue(p string, s Step) {
	if v, ok := s["value"]; ok && v != nil {
		w.intValue(p+"value", v)
		return
	}
	w.stringValue(p+"state", s["state"])
}

// unescapeURL undoes HTML and percent escaping applied by rule editors
func unescapeURL(raw string) string {
	raw = strings.ReplaceAll(raw, "&amp;", "&")
	if u, err := url.PathUnescape(raw); err == nil {
		return u
	}
	return raw
}
