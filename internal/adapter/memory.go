package adapter

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/matt-riley/gatez/internal/core"
)

// Memory keeps feature state in process. A single lock guards every feature
// so reads always see whole writes.
type Memory struct {
	mu       sync.RWMutex
	features map[string]core.GateValues
}

// NewMemory returns an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{features: make(map[string]core.GateValues)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Features(_ context.Context) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.features))
	for key := range m.features {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Add(_ context.Context, key string) error {
	if err := CheckKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.features[key]; !ok {
		m.features[key] = core.GateValues{}.Normalize()
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.features, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	if _, ok := m.features[key]; ok {
		m.features[key] = core.GateValues{}.Normalize()
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (core.GateValues, error) {
	m.mu.RLock()
	values, ok := m.features[key]
	m.mu.RUnlock()

	if !ok {
		return core.GateValues{}.Normalize(), nil
	}
	return values.Clone(), nil
}

func (m *Memory) GetMulti(_ context.Context, keys []string) (map[string]core.GateValues, error) {
	result := make(map[string]core.GateValues, len(keys))

	m.mu.RLock()
	for _, key := range keys {
		if values, ok := m.features[key]; ok {
			result[key] = values.Clone()
		}
	}
	m.mu.RUnlock()

	return FillMissing(result, keys), nil
}

func (m *Memory) GetAll(_ context.Context) (map[string]core.GateValues, error) {
	m.mu.RLock()
	result := make(map[string]core.GateValues, len(m.features))
	for key, values := range m.features {
		result[key] = values.Clone()
	}
	m.mu.RUnlock()

	return result, nil
}

func (m *Memory) Enable(_ context.Context, key string, gate core.Gate, value string) error {
	if err := CheckEnable(key, gate, value); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	values := m.features[key].Clone()
	switch gate.Key {
	case core.GateBoolean:
		values.Boolean = true
	case core.GateActors:
		values.Actors = append(values.Actors, value)
	case core.GateGroups:
		values.Groups = append(values.Groups, value)
	case core.GatePercentageOfActors:
		values.PercentageOfActors, _ = strconv.Atoi(value)
	case core.GatePercentageOfTime:
		values.PercentageOfTime, _ = strconv.Atoi(value)
	case core.GateJSON:
		values.JSON = json.RawMessage(value)
	}
	m.features[key] = values.Normalize()
	return nil
}

func (m *Memory) Disable(_ context.Context, key string, gate core.Gate, value string) error {
	if err := CheckDisable(key, gate, value); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	values, ok := m.features[key]
	if !ok {
		return nil
	}
	values = values.Clone()

	switch gate.Key {
	case core.GateBoolean:
		values.Boolean = false
	case core.GateActors:
		values.Actors = slices.DeleteFunc(values.Actors, func(member string) bool { return member == value })
	case core.GateGroups:
		values.Groups = slices.DeleteFunc(values.Groups, func(member string) bool { return member == value })
	case core.GatePercentageOfActors:
		values.PercentageOfActors = 0
	case core.GatePercentageOfTime:
		values.PercentageOfTime = 0
	case core.GateJSON:
		values.JSON = nil
	}
	m.features[key] = values.Normalize()
	return nil
}
