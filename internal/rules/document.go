// Package rules converts authored rule documents into the property tree
// layout the engine evaluates, and registers them for execution.
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid rule")

// Document is an authored rule
type Document struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	Triggers   []Step      `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions    []Step      `json:"actions" yaml:"actions"`
}

// Step is a trigger clause or action step. Its fields depend on "type".
type Step map[string]any

// Type returns the step's type field
func (s Step) Type() string {
	t, _ := s["type"].(string)
	return t
}

// Conditions are the authored rule conditions
type Conditions struct {
	Enabled     *bool                         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Weekdays    []string                      `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	SystemState []StateRequirement            `json:"systemState,omitempty" yaml:"systemState,omitempty"`
	AddonStates map[string][]StateRequirement `json:"addonStates,omitempty" yaml:"addonStates,omitempty"`
	ZoneState   []ZoneRequirement             `json:"zoneState,omitempty" yaml:"zoneState,omitempty"`
	Timeframe   []Timeframe                   `json:"timeframe,omitempty" yaml:"timeframe,omitempty"`
	Date        []DateRange                   `json:"date,omitempty" yaml:"date,omitempty"`
}

// StateRequirement requires a named state to hold a value
type StateRequirement struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// ZoneRequirement requires a zone group's last called scene
type ZoneRequirement struct {
	Zone  any `json:"zone" yaml:"zone"`
	Group any `json:"group" yaml:"group"`
	Scene any `json:"scene" yaml:"scene"`
}

// TimePoint is an offset in seconds from a time base
type TimePoint struct {
	TimeBase string `json:"timeBase" yaml:"timeBase"`
	Offset   any    `json:"offset" yaml:"offset"`
}

// Timeframe is a window of the day
type Timeframe struct {
	Start TimePoint `json:"start" yaml:"start"`
	End   TimePoint `json:"end" yaml:"end"`
}

// DateRange is a calendar restriction; it is stored but not evaluated
type DateRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	RRule string `json:"rrule,omitempty" yaml:"rrule,omitempty"`
}

// ParseJSON decodes a JSON document. Numbers are kept as json.Number.
func ParseJSON(data []byte) (Document, error) {
	var doc Document
	if err := decodeJSON(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding rule: %w", err)
	}
	return doc, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ParseYAML decodes a YAML document
func ParseYAML(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding rule: %w", err)
	}
	return doc, nil
}

// LoadFile reads a document, picking the format by extension. A file may
// hold a single document or a list of documents.
func LoadFile(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var docs []Document
		if err := yaml.Unmarshal(data, &docs); err == nil {
			return docs, nil
		}
		doc, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []Document{doc}, nil
	case ".json":
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
			var docs []Document
			if err := decodeJSON(trimmed, &docs); err != nil {
				return nil, fmt.Errorf("%s: decoding rules: %w", path, err)
			}
			return docs, nil
		}
		doc, err := ParseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []Document{doc}, nil
	}
	return nil, fmt.Errorf("%s: unsupported rule file type", path)
}

// Validate rejects documents that cannot be stored at all
func (d Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.Contains(d.ID, "/") {
		return fmt.Errorf("%w: id %q must not contain '/'", ErrInvalid, d.ID)
	}
	if len(d.Actions) == 0 {
		return fmt.Errorf("%w: %s has no actions", ErrInvalid, d.ID)
	}
	for i, s := range d.Triggers {
		if s.Type() == "" {
			return fmt.Errorf("%w: %s trigger %d has no type", ErrInvalid, d.ID, i)
		}
	}
	for i, s := range d.Actions {
		if s.Type() == "" {
			return fmt.Errorf("%w: %s action %d has no type", ErrInvalid, d.ID, i)
		}
	}
	return nil
}
