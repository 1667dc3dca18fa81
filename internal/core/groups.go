package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrGroupNameRequired = errors.New("group name is required")
	ErrDuplicateGroup    = errors.New("group already registered")
)

// Groups is a registry of named predicates consulted by the groups gate.
// The zero value is not usable; use NewGroups.
type Groups struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

// NewGroups returns an empty registry.
func NewGroups() *Groups {
	return &Groups{predicates: make(map[string]Predicate)}
}

// Register adds a named predicate. Registering a name twice is an error.
func (g *Groups) Register(name string, predicate Predicate) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrGroupNameRequired
	}
	if predicate == nil {
		return fmt.Errorf("register group %q: predicate is nil", name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.predicates[name]; exists {
		return fmt.Errorf("register group %q: %w", name, ErrDuplicateGroup)
	}
	g.predicates[name] = predicate
	return nil
}

// Replace registers or overwrites a named predicate.
func (g *Groups) Replace(name string, predicate Predicate) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrGroupNameRequired
	}
	if predicate == nil {
		return fmt.Errorf("replace group %q: predicate is nil", name)
	}

	g.mu.Lock()
	g.predicates[name] = predicate
	g.mu.Unlock()
	return nil
}

// Lookup returns the predicate registered under name.
func (g *Groups) Lookup(name string) (Predicate, bool) {
	if g == nil {
		return nil, false
	}
	g.mu.RLock()
	predicate, ok := g.predicates[name]
	g.mu.RUnlock()
	return predicate, ok
}

// Registered reports whether name has a predicate.
func (g *Groups) Registered(name string) bool {
	_, ok := g.Lookup(name)
	return ok
}

// Names returns the registered group names in sorted order.
func (g *Groups) Names() []string {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	names := make([]string, 0, len(g.predicates))
	for name := range g.predicates {
		names = append(names, name)
	}
	g.mu.RUnlock()

	sort.Strings(names)
	return names
}
