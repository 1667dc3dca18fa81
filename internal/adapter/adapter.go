// Package adapter defines the storage contract feature state is read and
// written through, along with an in-memory implementation and decorators
// that add caching and instrumentation to any adapter.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/matt-riley/gatez/internal/core"
)

var (
	// ErrUnsupportedGate is returned for a (gate key, data type) pair the
	// adapter does not know how to store. It signals a programming error.
	ErrUnsupportedGate = errors.New("unsupported gate")
	ErrInvalidValue    = errors.New("invalid gate value")
	ErrKeyRequired     = errors.New("feature key is required")
)

// BooleanTrue is the stored representation of an enabled boolean gate.
const BooleanTrue = "true"

// Adapter persists features and their gate values.
//
// Implementations must guarantee that Add and set-gate Enable are idempotent
// under concurrent callers, that single-value gate writes are last writer
// wins with no partial overwrite, and that Get, GetMulti and GetAll never
// return a feature with only some of its gates read. Absent features read as
// the zero GateValues.
type Adapter interface {
	Name() string
	Features(ctx context.Context) ([]string, error)
	Add(ctx context.Context, key string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (core.GateValues, error)
	GetMulti(ctx context.Context, keys []string) (map[string]core.GateValues, error)
	GetAll(ctx context.Context) (map[string]core.GateValues, error)
	Enable(ctx context.Context, key string, gate core.Gate, value string) error
	Disable(ctx context.Context, key string, gate core.Gate, value string) error
}

// InvalidationSubscriber is implemented by adapters that can announce writes
// made by other processes. A receive on the channel means cached state may be
// stale. The channel is closed when the subscription ends.
type InvalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// CheckGate returns ErrUnsupportedGate unless gate is a declared gate.
func CheckGate(gate core.Gate) error {
	if !gate.Valid() {
		return fmt.Errorf("%w: %s/%s", ErrUnsupportedGate, gate.Key, gate.DataType)
	}
	return nil
}

// CheckKey rejects blank feature keys.
func CheckKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrKeyRequired
	}
	return nil
}

// CheckEnable validates a value about to be stored for gate.
func CheckEnable(key string, gate core.Gate, value string) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if err := CheckGate(gate); err != nil {
		return err
	}

	switch gate.DataType {
	case core.DataTypeBoolean:
		if value != BooleanTrue {
			return fmt.Errorf("%w: boolean gate stores %q, got %q", ErrInvalidValue, BooleanTrue, value)
		}
	case core.DataTypeInteger:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 100 {
			return fmt.Errorf("%w: %s expects an integer in [0, 100], got %q", ErrInvalidValue, gate.Key, value)
		}
	case core.DataTypeSet:
		if value == "" {
			return fmt.Errorf("%w: %s member is empty", ErrInvalidValue, gate.Key)
		}
	case core.DataTypeJSON:
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("%w: %s value is not valid JSON", ErrInvalidValue, gate.Key)
		}
	}
	return nil
}

// CheckDisable validates a disable call. Only set gates need a value.
func CheckDisable(key string, gate core.Gate, value string) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if err := CheckGate(gate); err != nil {
		return err
	}
	if gate.DataType == core.DataTypeSet && value == "" {
		return fmt.Errorf("%w: %s member is empty", ErrInvalidValue, gate.Key)
	}
	return nil
}

// Record is one stored gate value as the row and hash based adapters keep it.
// Set gates store one record per member.
type Record struct {
	Gate  core.GateKey
	Value string
}

// Assemble folds stored records into normalized gate values. Records for
// unknown gates are ignored so newer writers do not break older readers.
func Assemble(records []Record) (core.GateValues, error) {
	var values core.GateValues
	for _, record := range records {
		switch record.Gate {
		case core.GateBoolean:
			values.Boolean = record.Value == BooleanTrue
		case core.GateActors:
			values.Actors = append(values.Actors, record.Value)
		case core.GateGroups:
			values.Groups = append(values.Groups, record.Value)
		case core.GatePercentageOfActors, core.GatePercentageOfTime:
			n, err := strconv.Atoi(record.Value)
			if err != nil {
				return core.GateValues{}, fmt.Errorf("decode %s value %q: %w", record.Gate, record.Value, err)
			}
			if record.Gate == core.GatePercentageOfActors {
				values.PercentageOfActors = n
			} else {
				values.PercentageOfTime = n
			}
		case core.GateJSON:
			values.JSON = json.RawMessage(record.Value)
		}
	}
	return values.Normalize(), nil
}

// Records is the inverse of Assemble.
func Records(values core.GateValues) []Record {
	var records []Record
	if values.Boolean {
		records = append(records, Record{Gate: core.GateBoolean, Value: BooleanTrue})
	}
	for _, actor := range values.Actors {
		records = append(records, Record{Gate: core.GateActors, Value: actor})
	}
	for _, group := range values.Groups {
		records = append(records, Record{Gate: core.GateGroups, Value: group})
	}
	if values.PercentageOfActors > 0 {
		records = append(records, Record{Gate: core.GatePercentageOfActors, Value: strconv.Itoa(values.PercentageOfActors)})
	}
	if values.PercentageOfTime > 0 {
		records = append(records, Record{Gate: core.GatePercentageOfTime, Value: strconv.Itoa(values.PercentageOfTime)})
	}
	if len(values.JSON) > 0 {
		records = append(records, Record{Gate: core.GateJSON, Value: string(values.JSON)})
	}
	return records
}

// FillMissing adds the zero value for every requested key absent from got.
func FillMissing(got map[string]core.GateValues, keys []string) map[string]core.GateValues {
	if got == nil {
		got = make(map[string]core.GateValues, len(keys))
	}
	for _, key := range keys {
		if _, ok := got[key]; !ok {
			got[key] = core.GateValues{}.Normalize()
		}
	}
	return got
}
