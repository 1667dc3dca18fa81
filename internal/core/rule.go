package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRule is returned when a rule document cannot be decoded.
var ErrInvalidRule = errors.New("invalid rule")

// AnyRule matches when at least one child predicate matches.
type AnyRule []Predicate

// AllRule matches when every child predicate matches. An empty AllRule
// matches nothing.
type AllRule []Predicate

// Any combines predicates with a logical or.
func Any(predicates ...Predicate) AnyRule { return AnyRule(predicates) }

// All combines predicates with a logical and.
func All(predicates ...Predicate) AllRule { return AllRule(predicates) }

func (r AnyRule) Matches(target Target) bool {
	for _, predicate := range r {
		if predicate != nil && predicate.Matches(target) {
			return true
		}
	}
	return false
}

func (r AllRule) Matches(target Target) bool {
	if len(r) == 0 {
		return false
	}
	for _, predicate := range r {
		if predicate == nil || !predicate.Matches(target) {
			return false
		}
	}
	return true
}

type ruleDocument struct {
	Any        []json.RawMessage `json:"any,omitempty"`
	All        []json.RawMessage `json:"all,omitempty"`
	Property   *Operand          `json:"property,omitempty"`
	Operator   *Operand          `json:"operator,omitempty"`
	Comparator *Operand          `json:"comparator,omitempty"`
}

// ParseRule decodes a condition, {"any": [...]} or {"all": [...]} document.
// The json gate stores documents in this shape for callers that want to
// evaluate them.
func ParseRule(data []byte) (Predicate, error) {
	var doc ruleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	switch {
	case doc.Any != nil:
		children, err := parseRules(doc.Any)
		if err != nil {
			return nil, err
		}
		return AnyRule(children), nil
	case doc.All != nil:
		children, err := parseRules(doc.All)
		if err != nil {
			return nil, err
		}
		return AllRule(children), nil
	case doc.Property != nil && doc.Operator != nil && doc.Comparator != nil:
		return Condition{Property: *doc.Property, Operator: *doc.Operator, Comparator: *doc.Comparator}, nil
	default:
		return nil, fmt.Errorf("%w: expected condition, any or all", ErrInvalidRule)
	}
}

func parseRules(raw []json.RawMessage) ([]Predicate, error) {
	children := make([]Predicate, 0, len(raw))
	for _, item := range raw {
		child, err := ParseRule(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
