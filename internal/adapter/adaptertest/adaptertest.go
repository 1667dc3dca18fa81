// Package adaptertest holds the behaviour every adapter.Adapter must share.
// Adapter packages call Run from their own tests with a factory that returns
// an empty adapter.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/core"
)

// Factory returns an adapter with no features. It is called once per subtest.
type Factory func(t *testing.T) adapter.Adapter

var (
	booleanGate   = core.MustGate(core.GateBoolean)
	actorsGate    = core.MustGate(core.GateActors)
	groupsGate    = core.MustGate(core.GateGroups)
	actorsPctGate = core.MustGate(core.GatePercentageOfActors)
	timePctGate   = core.MustGate(core.GatePercentageOfTime)
	jsonGate      = core.MustGate(core.GateJSON)
)

// Run executes the conformance suite against adapters built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, a adapter.Adapter)
	}{
		{name: "name", fn: testName},
		{name: "get absent feature", fn: testGetAbsent},
		{name: "add is idempotent", fn: testAddIdempotent},
		{name: "concurrent add", fn: testConcurrentAdd},
		{name: "remove drops gate values", fn: testRemove},
		{name: "clear keeps feature", fn: testClear},
		{name: "boolean gate", fn: testBoolean},
		{name: "set gates", fn: testSetGates},
		{name: "concurrent set member insert", fn: testConcurrentSetInsert},
		{name: "integer gates", fn: testIntegerGates},
		{name: "concurrent integer writers", fn: testConcurrentIntegerWriters},
		{name: "json gate", fn: testJSONGate},
		{name: "enable registers feature", fn: testEnableRegisters},
		{name: "get multi", fn: testGetMulti},
		{name: "get all", fn: testGetAll},
		{name: "unsupported gate", fn: testUnsupportedGate},
		{name: "invalid values", fn: testInvalidValues},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory(t))
		})
	}
}

func mustGet(t *testing.T, a adapter.Adapter, key string) core.GateValues {
	t.Helper()
	values, err := a.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	return values
}

func mustEnable(t *testing.T, a adapter.Adapter, key string, gate core.Gate, value string) {
	t.Helper()
	if err := a.Enable(context.Background(), key, gate, value); err != nil {
		t.Fatalf("Enable(%q, %s, %q) error = %v", key, gate.Key, value, err)
	}
}

func mustDisable(t *testing.T, a adapter.Adapter, key string, gate core.Gate, value string) {
	t.Helper()
	if err := a.Disable(context.Background(), key, gate, value); err != nil {
		t.Fatalf("Disable(%q, %s, %q) error = %v", key, gate.Key, value, err)
	}
}

func mustFeatures(t *testing.T, a adapter.Adapter) []string {
	t.Helper()
	keys, err := a.Features(context.Background())
	if err != nil {
		t.Fatalf("Features() error = %v", err)
	}
	return keys
}

func assertEmpty(t *testing.T, values core.GateValues) {
	t.Helper()
	if !values.Empty() {
		t.Fatalf("expected all gates empty, got %+v", values)
	}
	if values.Actors == nil || values.Groups == nil {
		t.Fatalf("expected normalized empty sets, got %+v", values)
	}
}

func testName(t *testing.T, a adapter.Adapter) {
	if a.Name() == "" {
		t.Fatal("Name() is empty")
	}
}

func testGetAbsent(t *testing.T, a adapter.Adapter) {
	assertEmpty(t, mustGet(t, a, "missing"))
	if keys := mustFeatures(t, a); len(keys) != 0 {
		t.Fatalf("Features() = %v, want none", keys)
	}
}

func testAddIdempotent(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	for range 3 {
		if err := a.Add(ctx, "search"); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if keys := mustFeatures(t, a); !slices.Equal(keys, []string{"search"}) {
		t.Fatalf("Features() = %v, want [search]", keys)
	}
	if err := a.Add(ctx, "  "); !errors.Is(err, adapter.ErrKeyRequired) {
		t.Fatalf("Add(blank) error = %v, want ErrKeyRequired", err)
	}
}

func testConcurrentAdd(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	errs := make(chan error, 16)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.Add(ctx, "racy")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Add() error = %v", err)
		}
	}
	if keys := mustFeatures(t, a); !slices.Equal(keys, []string{"racy"}) {
		t.Fatalf("Features() = %v, want [racy]", keys)
	}
}

func testRemove(t *testing.T, a adapter.Adapter) {
	mustEnable(t, a, "search", booleanGate, adapter.BooleanTrue)
	mustEnable(t, a, "search", actorsGate, "user-1")
	mustEnable(t, a, "search", timePctGate, "40")
	mustEnable(t, a, "other", actorsGate, "user-1")

	if err := a.Remove(context.Background(), "search"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	assertEmpty(t, mustGet(t, a, "search"))
	if keys := mustFeatures(t, a); !slices.Equal(keys, []string{"other"}) {
		t.Fatalf("Features() = %v, want [other]", keys)
	}
	if values := mustGet(t, a, "other"); !values.HasActor("user-1") {
		t.Fatalf("Remove() touched another feature: %+v", values)
	}

	if err := a.Remove(context.Background(), "search"); err != nil {
		t.Fatalf("Remove() of absent feature error = %v", err)
	}
}

func testClear(t *testing.T, a adapter.Adapter) {
	mustEnable(t, a, "search", actorsGate, "user-1")
	mustEnable(t, a, "search", groupsGate, "admins")
	mustEnable(t, a, "search", actorsPctGate, "25")
	mustEnable(t, a, "search", jsonGate, `{"a":1}`)

	if err := a.Clear(context.Background(), "search"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	assertEmpty(t, mustGet(t, a, "search"))
	if keys := mustFeatures(t, a); !slices.Equal(keys, []string{"search"}) {
		t.Fatalf("Features() = %v, want [search]", keys)
	}
}

func testBoolean(t *testing.T, a adapter.Adapter) {
	mustEnable(t, a, "search", booleanGate, adapter.BooleanTrue)
	mustEnable(t, a, "search", booleanGate, adapter.BooleanTrue)
	if !mustGet(t, a, "search").Boolean {
		t.Fatal("boolean gate not enabled")
	}

	mustDisable(t, a, "search", booleanGate, "")
	if mustGet(t, a, "search").Boolean {
		t.Fatal("boolean gate still enabled")
	}
}

func testSetGates(t *testing.T, a adapter.Adapter) {
	mustEnable(t, a, "search", actorsGate, "user-2")
	mustEnable(t, a, "search", actorsGate, "user-1")
	mustEnable(t, a, "search", actorsGate, "user-2")
	mustEnable(t, a, "search", groupsGate, "admins")
	mustEnable(t, a, "search", groupsGate, "beta")

	values := mustGet(t, a, "search")
	if !slices.Equal(values.Actors, []string{"user-1", "user-2"}) {
		t.Fatalf("Actors = %v", values.Actors)
	}
	if !slices.Equal(values.Groups, []string{"admins", "beta"}) {
		t.Fatalf("Groups = %v", values.Groups)
	}

	mustDisable(t, a, "search", actorsGate, "user-2")
	mustDisable(t, a, "search", actorsGate, "user-404")
	mustDisable(t, a, "search", groupsGate, "admins")

	values = mustGet(t, a, "search")
	if !slices.Equal(values.Actors, []string{"user-1"}) {
		t.Fatalf("Actors after disable = %v", values.Actors)
	}
	if !slices.Equal(values.Groups, []string{"beta"}) {
		t.Fatalf("Groups after disable = %v", values.Groups)
	}
}

func testConcurrentSetInsert(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	errs := make(chan error, 32)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- a.Enable(ctx, "search", actorsGate, "user-"+strconv.Itoa(i%4))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Enable() error = %v", err)
		}
	}
	values := mustGet(t, a, "search")
	if !slices.Equal(values.Actors, []string{"user-0", "user-1", "user-2", "user-3"}) {
		t.Fatalf("Actors = %v", values.Actors)
	}
}

func testIntegerGates(t *testing.T, a adapter.Adapter) {
	mustEnable(t, a, "search", actorsPctGate, "10")
	mustEnable(t, a, "search", actorsPctGate, "35")
	mustEnable(t, a, "search", timePctGate, "5")

	values := mustGet(t, a, "search")
	if values.PercentageOfActors != 35 {
		t.Fatalf("PercentageOfActors = %d, want 35", values.PercentageOfActors)
	}
	if values.PercentageOfTime != 5 {
		t.Fatalf("PercentageOfTime = %d, want 5", values.PercentageOfTime)
	}

	mustDisable(t, a, "search", actorsPctGate, "")
	values = mustGet(t, a, "search")
	if values.PercentageOfActors != 0 || values.PercentageOfTime != 5 {
		t.Fatalf("after disable: %+v", values)
	}
}

func testConcurrentIntegerWriters(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	written := make([]string, 20)
	for i := range written {
		written[i] = strconv.Itoa(i * 5)
	}

	var wg sync.WaitGroup
	for _, value := range written {
		wg.Add(1)
		go func(value string) {
			defer wg.Done()
			if err := a.Enable(ctx, "ramp", actorsPctGate, value); err != nil {
				t.Errorf("Enable(%s) error = %v", value, err)
			}
		}(value)
	}
	wg.Wait()

	got := strconv.Itoa(mustGet(t, a, "ramp").PercentageOfActors)
	if !slices.Contains(written, got) {
		t.Fatalf("PercentageOfActors = %s, not one of the written values", got)
	}
}

func testJSONGate(t *testing.T, a adapter.Adapter) {
	doc := `{"rollout":{"regions":["eu","us"]},"weight":3}`
	mustEnable(t, a, "search", jsonGate, doc)

	values := mustGet(t, a, "search")
	if string(values.JSON) != doc {
		t.Fatalf("JSON = %s, want %s", values.JSON, doc)
	}

	mustEnable(t, a, "search", jsonGate, `[1,2]`)
	if got := string(mustGet(t, a, "search").JSON); got != `[1,2]` {
		t.Fatalf("JSON after overwrite = %s", got)
	}

	mustDisable(t, a, "search", jsonGate, "")
	if values := mustGet(t, a, "search"); values.JSON != nil {
		t.Fatalf("JSON after disable = %s", values.JSON)
	}
}

func testEnableRegisters(t *testing.T, a adapter.Adapter) {
	mustEnable(t, a, "implicit", groupsGate, "admins")
	if keys := mustFeatures(t, a); !slices.Equal(keys, []string{"implicit"}) {
		t.Fatalf("Features() = %v, want [implicit]", keys)
	}
}

func testGetMulti(t *testing.T, a adapter.Adapter) {
	mustEnable(t, a, "a", booleanGate, adapter.BooleanTrue)
	mustEnable(t, a, "b", actorsGate, "user-1")
	mustEnable(t, a, "c", timePctGate, "50")

	got, err := a.GetMulti(context.Background(), []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("GetMulti() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetMulti() returned %d features, want 3: %v", len(got), got)
	}
	if !got["a"].Boolean {
		t.Fatalf("a = %+v", got["a"])
	}
	if !got["b"].HasActor("user-1") {
		t.Fatalf("b = %+v", got["b"])
	}
	assertEmpty(t, got["missing"])
	if _, ok := got["c"]; ok {
		t.Fatal("GetMulti() returned an unrequested feature")
	}

	empty, err := a.GetMulti(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetMulti(nil) error = %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("GetMulti(nil) = %v", empty)
	}
}

func testGetAll(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	if err := a.Add(ctx, "bare"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	for i := range 5 {
		mustEnable(t, a, fmt.Sprintf("feature-%d", i), actorsPctGate, strconv.Itoa(i*10))
		mustEnable(t, a, fmt.Sprintf("feature-%d", i), actorsGate, "user-1")
	}

	all, err := a.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("GetAll() returned %d features, want 6", len(all))
	}
	assertEmpty(t, all["bare"])
	for i := range 5 {
		values := all[fmt.Sprintf("feature-%d", i)]
		if values.PercentageOfActors != i*10 || !values.HasActor("user-1") {
			t.Fatalf("feature-%d = %+v", i, values)
		}
	}
}

func testUnsupportedGate(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	bad := []core.Gate{
		{Key: core.GateBoolean, DataType: core.DataTypeSet},
		{Key: core.GateActors, DataType: core.DataTypeInteger},
		{Key: "expression", DataType: core.DataTypeJSON},
	}

	for _, gate := range bad {
		if err := a.Enable(ctx, "search", gate, "1"); !errors.Is(err, adapter.ErrUnsupportedGate) {
			t.Fatalf("Enable(%+v) error = %v, want ErrUnsupportedGate", gate, err)
		}
		if err := a.Disable(ctx, "search", gate, "1"); !errors.Is(err, adapter.ErrUnsupportedGate) {
			t.Fatalf("Disable(%+v) error = %v, want ErrUnsupportedGate", gate, err)
		}
	}
	if keys := mustFeatures(t, a); len(keys) != 0 {
		t.Fatalf("unsupported gate registered a feature: %v", keys)
	}
}

func testInvalidValues(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	cases := []struct {
		gate  core.Gate
		value string
	}{
		{gate: booleanGate, value: "yes"},
		{gate: actorsPctGate, value: "101"},
		{gate: timePctGate, value: "ten"},
		{gate: actorsGate, value: ""},
		{gate: jsonGate, value: "{"},
	}

	for _, tc := range cases {
		err := a.Enable(ctx, "search", tc.gate, tc.value)
		if !errors.Is(err, adapter.ErrInvalidValue) {
			t.Fatalf("Enable(%s, %q) error = %v, want ErrInvalidValue", tc.gate.Key, tc.value, err)
		}
	}
}
