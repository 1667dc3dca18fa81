package core

import "time"

// Decision is the outcome of evaluating one feature for one actor. Gate is
// the first gate that matched and is empty when nothing matched.
type Decision struct {
	Enabled bool    `json:"enabled"`
	Gate    GateKey `json:"gate,omitempty"`
}

// Evaluator decides features against stored gate values. It holds no
// per-feature state and is safe for concurrent use.
type Evaluator struct {
	groups *Groups
	now    func() time.Time
}

type EvaluatorOption func(*Evaluator)

// WithClock replaces the clock used by the percentage_of_time gate.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator returns an evaluator that resolves group names through groups.
// A nil registry means no group ever matches.
func NewEvaluator(groups *Groups, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{groups: groups, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enabled reports whether featureKey is on for actor.
func (e *Evaluator) Enabled(featureKey string, values GateValues, actor *Actor) bool {
	return e.Decide(featureKey, values, actor).Enabled
}

// Decide walks the gates in order and stops at the first match. values must
// be normalized. Anonymous actors never match the actor-scoped gates.
func (e *Evaluator) Decide(featureKey string, values GateValues, actor *Actor) Decision {
	for _, gate := range gates {
		if e.gateMatches(gate.Key, featureKey, values, actor) {
			return Decision{Enabled: true, Gate: gate.Key}
		}
	}
	return Decision{}
}

func (e *Evaluator) gateMatches(key GateKey, featureKey string, values GateValues, actor *Actor) bool {
	switch key {
	case GateBoolean:
		return values.Boolean
	case GateActors:
		return !actor.Anonymous() && values.HasActor(actor.FlipperID)
	case GateGroups:
		return !actor.Anonymous() && e.groupsMatch(featureKey, values.Groups, actor)
	case GatePercentageOfActors:
		return !actor.Anonymous() && PercentageMatch(featureKey, actor.FlipperID, values.PercentageOfActors)
	case GatePercentageOfTime:
		return TimeMatch(featureKey, e.now(), values.PercentageOfTime)
	case GateJSON:
		return false
	default:
		return false
	}
}

func (e *Evaluator) groupsMatch(featureKey string, names []string, actor *Actor) bool {
	target := Target{FeatureKey: featureKey, Actor: actor}
	for _, name := range names {
		predicate, ok := e.groups.Lookup(name)
		if !ok {
			continue
		}
		if predicate.Matches(target) {
			return true
		}
	}
	return false
}

// EnabledMulti evaluates every feature in values for one actor.
func (e *Evaluator) EnabledMulti(values map[string]GateValues, actor *Actor) map[string]bool {
	results := make(map[string]bool, len(values))
	for key, featureValues := range values {
		results[key] = e.Enabled(key, featureValues, actor)
	}
	return results
}
