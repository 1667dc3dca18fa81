package core

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"strconv"
	"strings"
)

// Operand types understood by conditions.
const (
	OperandProperty = "Property"
	OperandRandom   = "Random"
	OperandOperator = "Operator"
	OperandString   = "String"
	OperandNumber   = "Number"
	OperandBoolean  = "Boolean"
	OperandArray    = "Array"
)

// Operator is a comparison applied by a Condition.
type Operator string

const (
	OperatorEq         Operator = "eq"
	OperatorNeq        Operator = "neq"
	OperatorGt         Operator = "gt"
	OperatorGte        Operator = "gte"
	OperatorLt         Operator = "lt"
	OperatorLte        Operator = "lte"
	OperatorIn         Operator = "in"
	OperatorNin        Operator = "nin"
	OperatorPercentage Operator = "percentage"
)

const (
	defaultRandomMax = 100
	// maxRandomLimit bounds Random limits; larger ones, including +Inf, do
	// not resolve.
	maxRandomLimit = math.MaxInt32
)

// randomIntN is swapped in tests.
var randomIntN = rand.IntN

// Target is what a predicate is evaluated against.
type Target struct {
	FeatureKey string
	Actor      *Actor
}

// Predicate decides whether a target belongs to a group.
type Predicate interface {
	Matches(target Target) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(target Target) bool

// Matches calls f.
func (f PredicateFunc) Matches(target Target) bool {
	return f(target)
}

// Operand is one typed side of a Condition.
type Operand struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Condition compares a resolved property against a comparator.
type Condition struct {
	Property   Operand `json:"property"`
	Operator   Operand `json:"operator"`
	Comparator Operand `json:"comparator"`
}

// PropertyRef builds conditions over a named actor property.
type PropertyRef struct {
	operand Operand
}

// Property starts a condition on the named actor property.
func Property(name string) PropertyRef {
	return PropertyRef{operand: Operand{Type: OperandProperty, Value: name}}
}

// Random starts a condition on a fresh draw in [0, limit).
func Random(limit int) PropertyRef {
	return PropertyRef{operand: Operand{Type: OperandRandom, Value: limit}}
}

func (p PropertyRef) Eq(value any) Condition  { return p.condition(OperatorEq, literal(value)) }
func (p PropertyRef) Neq(value any) Condition { return p.condition(OperatorNeq, literal(value)) }
func (p PropertyRef) Gt(value any) Condition  { return p.condition(OperatorGt, literal(value)) }
func (p PropertyRef) Gte(value any) Condition { return p.condition(OperatorGte, literal(value)) }
func (p PropertyRef) Lt(value any) Condition  { return p.condition(OperatorLt, literal(value)) }
func (p PropertyRef) Lte(value any) Condition { return p.condition(OperatorLte, literal(value)) }

func (p PropertyRef) In(values ...any) Condition {
	return p.condition(OperatorIn, Operand{Type: OperandArray, Value: values})
}

func (p PropertyRef) Nin(values ...any) Condition {
	return p.condition(OperatorNin, Operand{Type: OperandArray, Value: values})
}

func (p PropertyRef) Percentage(percentage int) Condition {
	return p.condition(OperatorPercentage, Operand{Type: OperandNumber, Value: percentage})
}

func (p PropertyRef) condition(op Operator, comparator Operand) Condition {
	return Condition{
		Property:   p.operand,
		Operator:   Operand{Type: OperandOperator, Value: string(op)},
		Comparator: comparator,
	}
}

func literal(value any) Operand {
	switch value.(type) {
	case string:
		return Operand{Type: OperandString, Value: value}
	case bool:
		return Operand{Type: OperandBoolean, Value: value}
	case []any, []string, []int:
		return Operand{Type: OperandArray, Value: value}
	default:
		return Operand{Type: OperandNumber, Value: value}
	}
}

// Equal reports structural equality. A Condition never equals a value of
// another type.
func (c Condition) Equal(other any) bool {
	switch o := other.(type) {
	case Condition:
		return reflect.DeepEqual(c, o)
	case *Condition:
		return o != nil && reflect.DeepEqual(c, *o)
	default:
		return false
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s(%v) %v %s(%v)", c.Property.Type, c.Property.Value, c.Operator.Value, c.Comparator.Type, c.Comparator.Value)
}

// Matches evaluates the condition. Anything it cannot interpret is a
// non-match.
func (c Condition) Matches(target Target) bool {
	if c.Operator.Type != OperandOperator {
		return false
	}
	op, ok := c.Operator.Value.(string)
	if !ok {
		return false
	}

	left, ok := resolveOperand(c.Property, target)
	if !ok {
		return false
	}
	right, ok := resolveOperand(c.Comparator, target)
	if !ok {
		return false
	}

	switch Operator(op) {
	case OperatorEq:
		return valuesEqual(left, right)
	case OperatorNeq:
		return !valuesEqual(left, right)
	case OperatorGt:
		return compareNumbers(left, right, func(l, r float64) bool { return l > r })
	case OperatorGte:
		return compareNumbers(left, right, func(l, r float64) bool { return l >= r })
	case OperatorLt:
		return compareNumbers(left, right, func(l, r float64) bool { return l < r })
	case OperatorLte:
		return compareNumbers(left, right, func(l, r float64) bool { return l <= r })
	case OperatorIn:
		member, ok := valueIn(left, right)
		return ok && member
	case OperatorNin:
		member, ok := valueIn(left, right)
		return ok && !member
	case OperatorPercentage:
		return percentageMatches(target.FeatureKey, left, right)
	default:
		return false
	}
}

// resolveOperand returns the operand's value. A missing property resolves to
// nil; an unknown operand type does not resolve.
func resolveOperand(operand Operand, target Target) (any, bool) {
	switch operand.Type {
	case OperandProperty:
		name, ok := operand.Value.(string)
		if !ok {
			return nil, false
		}
		value, _ := target.Actor.Property(name)
		return value, true
	case OperandRandom:
		limit := defaultRandomMax
		if n, ok := toNumber(operand.Value); ok && n >= 1 {
			if n > maxRandomLimit {
				return nil, false
			}
			limit = int(n)
		}
		return randomIntN(limit), true
	case OperandString:
		value, ok := operand.Value.(string)
		return value, ok
	case OperandBoolean:
		value, ok := operand.Value.(bool)
		return value, ok
	case OperandNumber:
		if _, ok := toNumber(operand.Value); !ok {
			return nil, false
		}
		return operand.Value, true
	case OperandArray:
		values := reflect.ValueOf(operand.Value)
		if !values.IsValid() || (values.Kind() != reflect.Slice && values.Kind() != reflect.Array) {
			return nil, false
		}
		return operand.Value, true
	default:
		return nil, false
	}
}

func compareNumbers(left, right any, cmp func(l, r float64) bool) bool {
	l, ok := toNumber(left)
	if !ok {
		return false
	}
	r, ok := toNumber(right)
	if !ok {
		return false
	}
	return cmp(l, r)
}

func percentageMatches(featureKey string, left, right any) bool {
	if left == nil {
		return false
	}
	percentage, ok := toNumber(right)
	if !ok {
		return false
	}

	var id string
	switch v := left.(type) {
	case string:
		id = v
	case json.Number:
		id = v.String()
	default:
		n, ok := toNumber(v)
		if !ok {
			return false
		}
		id = strconv.FormatFloat(n, 'f', -1, 64)
	}

	return PercentageMatch(featureKey, id, int(percentage))
}

// valueIn reports membership of value in ruleValue. ok is false when
// ruleValue is not a list.
func valueIn(value any, ruleValue any) (member bool, ok bool) {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false, false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false, false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true, true
		}
	}

	return false, true
}

func valuesEqual(left any, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	left = normalizeJSONNumber(left)
	right = normalizeJSONNumber(right)

	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

// toNumber coerces numbers and numeric strings for ordered comparison.
func toNumber(value any) (float64, bool) {
	value = normalizeJSONNumber(value)
	if n, ok := asInt64(value); ok {
		return float64(n), true
	}
	if n, ok := asUint64(value); ok {
		return float64(n), true
	}
	if n, ok := asFloat64(value); ok {
		return n, !math.IsNaN(n)
	}
	if s, ok := value.(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func normalizeJSONNumber(value any) any {
	number, ok := value.(json.Number)
	if !ok {
		return value
	}
	if n, err := number.Int64(); err == nil {
		return n
	}
	if f, err := number.Float64(); err == nil {
		return f
	}
	return number.String()
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
