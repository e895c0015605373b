package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
	"dsrules/internal/tree"
)

// Registration relays events matching a rule path as a renamed event
type Registration struct {
	ID                          int    `json:"id"`
	Node                        string `json:"-"`
	TriggerPath                 string `json:"triggerPath"`
	RelayedEventName            string `json:"relayedEventName"`
	AdditionalRelayingParameter string `json:"additionalRelayingParameter,omitempty"`
}

// Registry manages trigger registrations stored under a tree root
type Registry struct {
	tree tree.Tree
	root string
	bus  Bus
	log  zerolog.Logger
}

// NewRegistry creates a registry rooted at root (normally /usr/triggers)
func NewRegistry(t tree.Tree, root string, bus Bus) *Registry {
	return &Registry{tree: t, root: tree.Clean(root), bus: bus, log: logging.Component("registry")}
}

// Register relays events for path as eventName. An existing registration
// for the same path is overwritten in place; otherwise the next free id is
// allocated. params are merged into relayed events.
func (r *Registry) Register(path, eventName string, params map[string]any) (Registration, error) {
	nextID := 0
	node := ""
	for _, name := range r.tree.Children(r.root) {
		if id, err := strconv.Atoi(name); err == nil && id >= nextID {
			nextID = id + 1
		}
		p := tree.Join(r.root, name)
		if v, ok := tree.Child(r.tree, p, "triggerPath"); ok && tree.String(v) == path {
			node = p
		}
	}

	if node == "" {
		node = tree.Join(r.root, strconv.Itoa(nextID))
		if err := r.tree.Set(tree.Join(node, "id"), nextID); err != nil {
			return Registration{}, fmt.Errorf("creating registration: %w", err)
		}
	}
	if err := r.tree.Set(tree.Join(node, "triggerPath"), path); err != nil {
		return Registration{}, fmt.Errorf("writing triggerPath: %w", err)
	}
	if err := r.tree.Set(tree.Join(node, "relayedEventName"), eventName); err != nil {
		return Registration{}, fmt.Errorf("writing relayedEventName: %w", err)
	}

	extra := tree.Join(node, "additionalRelayingParameter")
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return Registration{}, fmt.Errorf("encoding relay parameters: %w", err)
		}
		if err := r.tree.Set(extra, string(raw)); err != nil {
			return Registration{}, fmt.Errorf("writing relay parameters: %w", err)
		}
	} else if err := r.tree.Remove(extra); err != nil {
		return Registration{}, fmt.Errorf("clearing relay parameters: %w", err)
	}

	reg, err := r.load(node)
	if err != nil {
		return Registration{}, fmt.Errorf("reading registration back: %w", err)
	}
	r.log.Info().Str("path", path).Str("event", eventName).Int("id", reg.ID).Msg("trigger registered")
	return reg, nil
}

// Unregister removes the registration for path
func (r *Registry) Unregister(path string) error {
	for _, reg := range r.List() {
		if reg.TriggerPath == path {
			if err := r.tree.Remove(reg.Node); err != nil {
				return fmt.Errorf("removing registration %d: %w", reg.ID, err)
			}
			r.log.Info().Str("path", path).Int("id", reg.ID).Msg("trigger unregistered")
			return nil
		}
	}
	r.log.Warn().Str("path", path).Msg("unregister: unknown trigger path")
	return fmt.Errorf("trigger path %s: %w", path, ErrNotFound)
}

// List returns the registrations in collection order. Entries without a
// trigger path are skipped.
func (r *Registry) List() []Registration {
	var regs []Registration
	for _, name := range r.tree.Children(r.root) {
		reg, err := r.load(tree.Join(r.root, name))
		if err != nil {
			r.log.Debug().Err(err).Str("node", name).Msg("registration skipped")
			continue
		}
		regs = append(regs, reg)
	}
	return regs
}

func (r *Registry) load(node string) (Registration, error) {
	reg := Registration{Node: node}
	if n, err := strconv.Atoi(tree.Base(node)); err == nil {
		reg.ID = n
	}
	if v, ok := tree.Child(r.tree, node, "id"); ok {
		if n, ok := tree.Int(v); ok {
			reg.ID = n
		}
	}
	path, ok := tree.Child(r.tree, node, "triggerPath")
	if !ok {
		return reg, fmt.Errorf("%s/triggerPath: %w", node, ErrMissingData)
	}
	reg.TriggerPath = tree.String(path)
	if v, ok := tree.Child(r.tree, node, "relayedEventName"); ok {
		reg.RelayedEventName = tree.String(v)
	}
	if v, ok := tree.Child(r.tree, node, "additionalRelayingParameter"); ok {
		reg.AdditionalRelayingParameter = tree.String(v)
	}
	return reg, nil
}

// Relay raises the registration's event carrying ev's parameters, the
// trigger path and any additional parameters. The source is not carried.
func (r *Registry) Relay(reg Registration, ev events.Event) error {
	if reg.TriggerPath == "" || reg.RelayedEventName == "" {
		return fmt.Errorf("registration %d lacks path or event name: %w", reg.ID, ErrMissingData)
	}
	params := make(map[string]any, len(ev.Parameter)+1)
	for k, v := range ev.Parameter {
		params[k] = v
	}
	params["path"] = reg.TriggerPath

	var err error
	if reg.AdditionalRelayingParameter != "" {
		var extra map[string]any
		if jsonErr := json.Unmarshal([]byte(reg.AdditionalRelayingParameter), &extra); jsonErr != nil {
			err = fmt.Errorf("additionalRelayingParameter of %d: %w: %w", reg.ID, ErrMalformedParameter, jsonErr)
			r.log.Warn().Err(jsonErr).Int("id", reg.ID).Msg("parse error on additional parameter")
		}
		for k, v := range extra {
			params[k] = v
		}
	}

	r.bus.Raise(events.Event{Name: reg.RelayedEventName, Parameter: params})
	r.log.Debug().Str("path", reg.TriggerPath).Str("event", reg.RelayedEventName).Msg("event relayed")
	return err
}

// IsNotFound reports whether err is an unknown registration
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
