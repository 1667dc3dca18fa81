// Package seed reads and writes documents describing feature gate state and
// group conditions, and applies them to a gate service.
//
// A document looks like:
//
//	groups:
//	  admins:
//	    property: {type: Property, value: admin}
//	    operator: {type: Operator, value: eq}
//	    comparator: {type: Boolean, value: true}
//	features:
//	  search:
//	    boolean: true
//	  checkout:
//	    actors: [user-1]
//	    groups: [admins]
//	    percentage_of_actors: 25
//	    json: {theme: dark}
//
// Group values use the rule document shape accepted by core.ParseRule.
package seed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/gatez/internal/core"
)

var ErrInvalidDocument = errors.New("invalid seed document")

// Format is the encoding of a seed document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks JSON for .json files and YAML for everything else.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Document is the full seed file.
type Document struct {
	Groups   map[string]any     `yaml:"groups,omitempty" json:"groups,omitempty"`
	Features map[string]Feature `yaml:"features" json:"features"`
}

// Feature is one feature's gate values as written in a seed file.
type Feature struct {
	Boolean            bool     `yaml:"boolean,omitempty" json:"boolean,omitempty"`
	Actors             []string `yaml:"actors,omitempty" json:"actors,omitempty"`
	Groups             []string `yaml:"groups,omitempty" json:"groups,omitempty"`
	PercentageOfActors int      `yaml:"percentage_of_actors,omitempty" json:"percentage_of_actors,omitempty"`
	PercentageOfTime   int      `yaml:"percentage_of_time,omitempty" json:"percentage_of_time,omitempty"`
	JSON               any      `yaml:"json,omitempty" json:"json,omitempty"`
}

// Values converts f to the gate values the service stores.
func (f Feature) Values() (core.GateValues, error) {
	values := core.GateValues{
		Boolean:            f.Boolean,
		Actors:             f.Actors,
		Groups:             f.Groups,
		PercentageOfActors: f.PercentageOfActors,
		PercentageOfTime:   f.PercentageOfTime,
	}
	if f.JSON != nil {
		raw, err := json.Marshal(f.JSON)
		if err != nil {
			return core.GateValues{}, fmt.Errorf("%w: json gate: %v", ErrInvalidDocument, err)
		}
		values.JSON = raw
	}
	return values.Normalize(), nil
}

// FeatureFromValues is the inverse of Feature.Values.
func FeatureFromValues(values core.GateValues) (Feature, error) {
	values = values.Normalize()
	f := Feature{
		Boolean:            values.Boolean,
		Actors:             values.Actors,
		Groups:             values.Groups,
		PercentageOfActors: values.PercentageOfActors,
		PercentageOfTime:   values.PercentageOfTime,
	}
	if len(values.JSON) > 0 {
		if err := json.Unmarshal(values.JSON, &f.JSON); err != nil {
			return Feature{}, fmt.Errorf("decode json gate: %w", err)
		}
	}
	return f, nil
}

// Rules parses every group condition in the document.
func (d Document) Rules() (map[string]core.Predicate, error) {
	rules := make(map[string]core.Predicate, len(d.Groups))
	for _, name := range sortedKeys(d.Groups) {
		raw, err := json.Marshal(d.Groups[name])
		if err != nil {
			return nil, fmt.Errorf("%w: group %q: %v", ErrInvalidDocument, name, err)
		}
		rule, err := core.ParseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: group %q: %w", ErrInvalidDocument, name, err)
		}
		rules[name] = rule
	}
	return rules, nil
}

// Decode reads one document in format. Unknown fields are rejected.
func Decode(r io.Reader, format Format) (Document, error) {
	var doc Document
	switch format {
	case FormatJSON:
		decoder := json.NewDecoder(r)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&doc); err != nil {
			return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	case FormatYAML:
		decoder := yaml.NewDecoder(r)
		decoder.KnownFields(true)
		if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	default:
		return Document{}, fmt.Errorf("%w: unknown format %q", ErrInvalidDocument, format)
	}

	if err := doc.validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Encode writes doc in format.
func Encode(w io.Writer, doc Document, format Format) error {
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(doc); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidDocument, format)
	}
}

// LoadFile decodes the document at path, choosing the format from its
// extension.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read seed file: %w", err)
	}
	doc, err := Decode(bytes.NewReader(data), FormatFromPath(path))
	if err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

func (d Document) validate() error {
	for key, f := range d.Features {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: feature key is required", ErrInvalidDocument)
		}
		for _, pct := range []int{f.PercentageOfActors, f.PercentageOfTime} {
			if pct < 0 || pct > 100 {
				return fmt.Errorf("%w: feature %q: percentage %d out of range", ErrInvalidDocument, key, pct)
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
