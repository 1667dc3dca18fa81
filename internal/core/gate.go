package core

import (
	"encoding/json"
	"slices"
)

// GateKey names one of the fixed gate kinds every feature has.
type GateKey string

const (
	GateBoolean            GateKey = "boolean"
	GateActors             GateKey = "actors"
	GateGroups             GateKey = "groups"
	GatePercentageOfActors GateKey = "percentage_of_actors"
	GatePercentageOfTime   GateKey = "percentage_of_time"
	GateJSON               GateKey = "json"
)

// DataType is the storage shape of a gate value.
type DataType string

const (
	DataTypeBoolean DataType = "boolean"
	DataTypeInteger DataType = "integer"
	DataTypeSet     DataType = "set"
	DataTypeJSON    DataType = "json"
)

// Gate pairs a gate key with the data type its values are stored as.
type Gate struct {
	Key      GateKey  `json:"key"`
	DataType DataType `json:"data_type"`
}

var gates = []Gate{
	{Key: GateBoolean, DataType: DataTypeBoolean},
	{Key: GateActors, DataType: DataTypeSet},
	{Key: GateGroups, DataType: DataTypeSet},
	{Key: GatePercentageOfActors, DataType: DataTypeInteger},
	{Key: GatePercentageOfTime, DataType: DataTypeInteger},
	{Key: GateJSON, DataType: DataTypeJSON},
}

// Gates returns every gate in evaluation order. The json gate is last and
// never takes part in the enabled decision.
func Gates() []Gate {
	return slices.Clone(gates)
}

// GateFor returns the declared gate for key.
func GateFor(key GateKey) (Gate, bool) {
	for _, gate := range gates {
		if gate.Key == key {
			return gate, true
		}
	}
	return Gate{}, false
}

// MustGate is GateFor for keys known at compile time.
func MustGate(key GateKey) Gate {
	gate, ok := GateFor(key)
	if !ok {
		panic("unknown gate key " + string(key))
	}
	return gate
}

// Valid reports whether the gate is one of the declared (key, data type)
// combinations.
func (g Gate) Valid() bool {
	declared, ok := GateFor(g.Key)
	return ok && declared.DataType == g.DataType
}

// GateValues is the stored state of every gate of one feature. The zero
// value means "all gates empty".
type GateValues struct {
	Boolean            bool            `json:"boolean"`
	Actors             []string        `json:"actors"`
	Groups             []string        `json:"groups"`
	PercentageOfActors int             `json:"percentage_of_actors"`
	PercentageOfTime   int             `json:"percentage_of_time"`
	JSON               json.RawMessage `json:"json,omitempty"`
}

// Empty reports whether no gate holds a value.
func (v GateValues) Empty() bool {
	return !v.Boolean &&
		len(v.Actors) == 0 &&
		len(v.Groups) == 0 &&
		v.PercentageOfActors == 0 &&
		v.PercentageOfTime == 0 &&
		len(v.JSON) == 0
}

// HasActor reports whether id is a member of the actors gate.
func (v GateValues) HasActor(id string) bool {
	_, found := slices.BinarySearch(v.Actors, id)
	return found
}

// HasGroup reports whether name is a member of the groups gate.
func (v GateValues) HasGroup(name string) bool {
	_, found := slices.BinarySearch(v.Groups, name)
	return found
}

// Normalize sorts and de-duplicates the set gates so membership checks can
// binary search and equal states compare equal.
func (v GateValues) Normalize() GateValues {
	v.Actors = normalizeSet(v.Actors)
	v.Groups = normalizeSet(v.Groups)
	if len(v.JSON) == 0 {
		v.JSON = nil
	}
	return v
}

// Clone returns a deep copy.
func (v GateValues) Clone() GateValues {
	v.Actors = slices.Clone(v.Actors)
	v.Groups = slices.Clone(v.Groups)
	if v.JSON != nil {
		v.JSON = slices.Clone(v.JSON)
	}
	return v
}

func normalizeSet(members []string) []string {
	if len(members) == 0 {
		return []string{}
	}
	out := slices.Clone(members)
	slices.Sort(out)
	return slices.Compact(out)
}

// State summarises a feature's gate values.
type State string

const (
	StateOn          State = "on"
	StateOff         State = "off"
	StateConditional State = "conditional"
)

// StateOf reports on when the boolean gate is set, off when nothing is set
// and conditional otherwise. The percentage gates at 100 count as on.
func StateOf(values GateValues) State {
	switch {
	case values.Boolean, values.PercentageOfTime >= 100:
		return StateOn
	case values.Empty():
		return StateOff
	default:
		return StateConditional
	}
}
