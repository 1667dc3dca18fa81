package service

import (
	"context"
	"sort"

	"github.com/matt-riley/gatez/internal/core"
)

// Snapshot is a set of features read together and evaluated without going
// back to storage. It is safe for concurrent use.
type Snapshot struct {
	values    map[string]core.GateValues
	evaluator *core.Evaluator
	recorder  EvaluationRecorder
}

// Preload reads keys in one adapter call and returns a snapshot of them.
func (s *Service) Preload(ctx context.Context, keys []string) (*Snapshot, error) {
	values, err := s.GateValuesMulti(ctx, keys)
	if err != nil {
		return nil, err
	}
	return s.snapshot(values), nil
}

// PreloadAll snapshots every known feature.
func (s *Service) PreloadAll(ctx context.Context) (*Snapshot, error) {
	values, err := s.AllGateValues(ctx)
	if err != nil {
		return nil, err
	}
	return s.snapshot(values), nil
}

func (s *Service) snapshot(values map[string]core.GateValues) *Snapshot {
	return &Snapshot{values: values, evaluator: s.evaluator, recorder: s.recorder}
}

// Enabled decides key against the snapshot. Keys that were not loaded are
// treated as having no gates set.
func (sn *Snapshot) Enabled(key string, actor *core.Actor) bool {
	return sn.Decide(key, actor).Enabled
}

func (sn *Snapshot) Decide(key string, actor *core.Actor) core.Decision {
	decision := sn.evaluator.Decide(key, sn.values[key], actor)
	if sn.recorder != nil {
		gate := string(decision.Gate)
		if gate == "" {
			gate = "none"
		}
		sn.recorder.RecordEvaluation(gate, decision.Enabled)
	}
	return decision
}

// EnabledAll evaluates every loaded feature for actor.
func (sn *Snapshot) EnabledAll(actor *core.Actor) map[string]bool {
	return sn.evaluator.EnabledMulti(sn.values, actor)
}

// Values returns the loaded state of key.
func (sn *Snapshot) Values(key string) (core.GateValues, bool) {
	values, ok := sn.values[key]
	if !ok {
		return core.GateValues{}, false
	}
	return values.Clone(), true
}

// Keys returns the loaded feature keys in order.
func (sn *Snapshot) Keys() []string {
	keys := make([]string, 0, len(sn.values))
	for key := range sn.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
