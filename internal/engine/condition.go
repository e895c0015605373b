package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dsrules/internal/logging"
	"dsrules/internal/tree"
)

// Live state locations in the tree
const (
	StatesRoot      = "/usr/states"
	AddonStatesRoot = "/usr/addon-states"
	ZonesRoot       = "/apartment/zones"
)

// Conditions evaluates a rule's condition set against live state and time
type Conditions struct {
	tree tree.Tree
	now  func() time.Time
	log  zerolog.Logger
}

// NewConditions creates an evaluator. now supplies the local wall clock.
func NewConditions(t tree.Tree, now func() time.Time) *Conditions {
	if now == nil {
		now = time.Now
	}
	return &Conditions{tree: t, now: now, log: logging.Component("conditions")}
}

// Evaluate reports whether the rule at rulePath may run. A rule without a
// conditions node always passes; malformed sub-clauses are skipped.
func (c *Conditions) Evaluate(rulePath string) bool {
	base := tree.Join(rulePath, "conditions")
	if !c.tree.Exists(base) {
		return true
	}
	log := logging.WithRule(c.log, rulePath)

	if v, ok := tree.Child(c.tree, base, "enabled"); ok {
		if enabled, ok := tree.Bool(v); ok && !enabled {
			log.Debug().Msg("rule disabled")
			return false
		}
	}
	if !c.states(base) {
		log.Debug().Msg("system state mismatch")
		return false
	}
	if !c.addonStates(base) {
		log.Debug().Msg("addon state mismatch")
		return false
	}
	if !c.zoneStates(base) {
		log.Debug().Msg("zone state mismatch")
		return false
	}

	now := c.now()
	if v, ok := tree.Child(c.tree, base, "weekdays"); ok {
		if pass, err := weekdayMatches(tree.String(v), now.Weekday()); err != nil {
			log.Warn().Err(err).Msg("weekdays skipped")
		} else if !pass {
			log.Debug().Str("weekdays", tree.String(v)).Msg("weekday mismatch")
			return false
		}
	}

	secs := now.Hour()*3600 + now.Minute()*60 + now.Second()
	if v, ok := tree.Child(c.tree, base, "time-start"); ok {
		if start, err := secondsSinceMidnight(tree.String(v)); err != nil {
			log.Warn().Err(err).Msg("time-start skipped")
		} else if secs < start {
			log.Debug().Str("time-start", tree.String(v)).Msg("before time window")
			return false
		}
	}
	if v, ok := tree.Child(c.tree, base, "time-end"); ok {
		if end, err := secondsSinceMidnight(tree.String(v)); err != nil {
			log.Warn().Err(err).Msg("time-end skipped")
		} else if secs > end {
			log.Debug().Str("time-end", tree.String(v)).Msg("after time window")
			return false
		}
	}
	return true
}

// states checks conditions/states/<name> against /usr/states. A state that
// exists with another value fails; a missing state only fails when the
// required value is truthy.
func (c *Conditions) states(base string) bool {
	node := tree.Join(base, "states")
	if !c.tree.Exists(node) || !c.tree.Exists(StatesRoot) {
		return true
	}
	live := make(map[string]any)
	for _, n := range c.tree.Children(StatesRoot) {
		p := tree.Join(StatesRoot, n)
		name, ok := tree.Child(c.tree, p, "name")
		if !ok {
			continue
		}
		value, _ := tree.Child(c.tree, p, "value")
		if _, seen := live[tree.String(name)]; !seen {
			live[tree.String(name)] = value
		}
	}
	for _, name := range c.tree.Children(node) {
		want, _ := c.tree.Get(tree.Join(node, name))
		if !requirementHolds(live, name, want) {
			return false
		}
	}
	return true
}

// addonStates checks conditions/addon-states/<addon>/<name> against
// /usr/addon-states/<addon>/<name>/value with the same rules as states
func (c *Conditions) addonStates(base string) bool {
	node := tree.Join(base, "addon-states")
	if !c.tree.Exists(node) {
		return true
	}
	for _, addon := range c.tree.Children(node) {
		live := make(map[string]any)
		liveRoot := tree.Join(AddonStatesRoot, addon)
		for _, n := range c.tree.Children(liveRoot) {
			value, _ := tree.Child(c.tree, tree.Join(liveRoot, n), "value")
			live[n] = value
		}
		addonNode := tree.Join(node, addon)
		for _, name := range c.tree.Children(addonNode) {
			want, _ := c.tree.Get(tree.Join(addonNode, name))
			if !requirementHolds(live, name, want) {
				return false
			}
		}
	}
	return true
}

func requirementHolds(live map[string]any, name string, want any) bool {
	got, found := live[name]
	if found {
		return tree.Equal(want, got)
	}
	return !tree.Truthy(want)
}

// zoneStates passes when any {zone,group,scene} triple equals the group's
// lastCalledScene. An empty list passes.
func (c *Conditions) zoneStates(base string) bool {
	node := tree.Join(base, "zone-states")
	if !c.tree.Exists(node) {
		return true
	}
	triples := c.tree.Children(node)
	if len(triples) == 0 {
		return true
	}
	for _, t := range triples {
		p := tree.Join(node, t)
		zone, okZ := tree.Child(c.tree, p, "zone")
		group, okG := tree.Child(c.tree, p, "group")
		scene, okS := tree.Child(c.tree, p, "scene")
		if !okZ || !okG || !okS {
			c.log.Warn().Str("triple", p).Msg("zone state triple is missing zone, group or scene")
			continue
		}
		groupNode := fmt.Sprintf("%s/zone%s/groups/group%s", ZonesRoot, tree.String(zone), tree.String(group))
		last, ok := tree.Child(c.tree, groupNode, "lastCalledScene")
		if ok && tree.Equal(last, scene) {
			return true
		}
	}
	return false
}

// weekdayMatches checks day against a comma separated list of indices
// (0 = Sunday). An empty or entirely unparsable list is an error.
func weekdayMatches(list string, day time.Weekday) (bool, error) {
	parsed := 0
	for _, part := range strings.Split(list, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		parsed++
		if n == int(day) {
			return true, nil
		}
	}
	if parsed == 0 {
		return false, fmt.Errorf("weekdays %q: %w", list, ErrMalformedParameter)
	}
	return false, nil
}

// secondsSinceMidnight parses HH:MM:SS
func secondsSinceMidnight(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("time %q: %w", s, ErrMalformedParameter)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("time %q: %w", s, ErrMalformedParameter)
		}
		v[i] = n
	}
	return v[0]*3600 + v[1]*60 + v[2], nil
}
