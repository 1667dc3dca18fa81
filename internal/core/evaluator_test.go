package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func testGroups(t *testing.T) *Groups {
	t.Helper()

	groups := NewGroups()
	if err := groups.Register("admins", Property("admin").Eq(true)); err != nil {
		t.Fatalf("register admins: %v", err)
	}
	if err := groups.Register("adults", Property("age").Gte(18)); err != nil {
		t.Fatalf("register adults: %v", err)
	}
	return groups
}

func TestEvaluatorDecide(t *testing.T) {
	evaluator := NewEvaluator(testGroups(t), WithClock(fixedClock(1700000000000)))

	tests := []struct {
		name     string
		feature  string
		values   GateValues
		actor    *Actor
		want     bool
		wantGate GateKey
	}{
		{
			name:    "empty gates are off",
			feature: "checkout",
			actor:   NewActor("user-42", nil),
		},
		{
			name:     "boolean enables everyone",
			feature:  "checkout",
			values:   GateValues{Boolean: true},
			actor:    NewActor("someone", map[string]any{"admin": false}),
			want:     true,
			wantGate: GateBoolean,
		},
		{
			name:     "boolean enables anonymous",
			feature:  "checkout",
			values:   GateValues{Boolean: true},
			want:     true,
			wantGate: GateBoolean,
		},
		{
			name:     "boolean wins over other gates",
			feature:  "checkout",
			values:   GateValues{Boolean: true, Actors: []string{"user-42"}},
			actor:    NewActor("user-42", nil),
			want:     true,
			wantGate: GateBoolean,
		},
		{
			name:     "actor member",
			feature:  "checkout",
			values:   GateValues{Actors: []string{"user-1", "user-42"}},
			actor:    NewActor("user-42", nil),
			want:     true,
			wantGate: GateActors,
		},
		{
			name:    "actor not a member",
			feature: "checkout",
			values:  GateValues{Actors: []string{"user-1"}},
			actor:   NewActor("user-42", nil),
		},
		{
			name:    "anonymous skips actors gate",
			feature: "checkout",
			values:  GateValues{Actors: []string{""}},
			actor:   NewActor("  ", nil),
		},
		{
			name:     "registered group matches",
			feature:  "checkout",
			values:   GateValues{Groups: []string{"admins"}},
			actor:    NewActor("user-9", map[string]any{"admin": true}),
			want:     true,
			wantGate: GateGroups,
		},
		{
			name:    "registered group does not match",
			feature: "checkout",
			values:  GateValues{Groups: []string{"admins"}},
			actor:   NewActor("user-9", map[string]any{"admin": false}),
		},
		{
			name:    "unregistered group is ignored",
			feature: "checkout",
			values:  GateValues{Groups: []string{"ghosts"}},
			actor:   NewActor("user-9", map[string]any{"admin": true}),
		},
		{
			name:    "anonymous skips groups gate",
			feature: "checkout",
			values:  GateValues{Groups: []string{"adults"}},
			actor:   &Actor{Properties: map[string]any{"age": 40}},
		},
		{
			name:     "percentage of actors inside",
			feature:  "checkout",
			values:   GateValues{PercentageOfActors: 65},
			actor:    NewActor("user-42", nil),
			want:     true,
			wantGate: GatePercentageOfActors,
		},
		{
			name:    "percentage of actors outside",
			feature: "checkout",
			values:  GateValues{PercentageOfActors: 64},
			actor:   NewActor("user-42", nil),
		},
		{
			name:    "anonymous skips percentage of actors",
			feature: "checkout",
			values:  GateValues{PercentageOfActors: 100},
		},
		{
			name:     "percentage of time inside",
			feature:  "checkout",
			values:   GateValues{PercentageOfTime: 78},
			want:     true,
			wantGate: GatePercentageOfTime,
		},
		{
			name:    "percentage of time outside",
			feature: "checkout",
			values:  GateValues{PercentageOfTime: 77},
			actor:   NewActor("user-42", nil),
		},
		{
			name:    "json gate never decides",
			feature: "checkout",
			values:  GateValues{JSON: []byte(`{"enabled":true}`)},
			actor:   NewActor("user-42", nil),
		},
		{
			name:     "actors checked before percentage",
			feature:  "checkout",
			values:   GateValues{Actors: []string{"user-42"}, PercentageOfActors: 100},
			actor:    NewActor("user-42", nil),
			want:     true,
			wantGate: GateActors,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluator.Decide(tt.feature, tt.values.Normalize(), tt.actor)
			if got.Enabled != tt.want {
				t.Fatalf("Decide().Enabled = %v, want %v", got.Enabled, tt.want)
			}
			if got.Gate != tt.wantGate {
				t.Fatalf("Decide().Gate = %q, want %q", got.Gate, tt.wantGate)
			}
			if evaluator.Enabled(tt.feature, tt.values.Normalize(), tt.actor) != tt.want {
				t.Fatalf("Enabled() disagrees with Decide()")
			}
		})
	}
}

func TestEvaluatorPercentageOfTimeBounds(t *testing.T) {
	actors := []*Actor{nil, NewActor("", nil), NewActor("user-1", nil), NewActor("user-2", map[string]any{"age": 30})}

	for ms := int64(0); ms < 500; ms++ {
		evaluator := NewEvaluator(nil, WithClock(fixedClock(1700000000000+ms)))
		for _, actor := range actors {
			if !evaluator.Enabled("ramp", GateValues{PercentageOfTime: 100}, actor) {
				t.Fatalf("percentage_of_time 100 did not match at +%dms", ms)
			}
			if evaluator.Enabled("ramp", GateValues{PercentageOfTime: 0}, actor) {
				t.Fatalf("percentage_of_time 0 matched at +%dms", ms)
			}
		}
	}
}

func TestEvaluatorNilGroups(t *testing.T) {
	evaluator := NewEvaluator(nil)
	if evaluator.Enabled("checkout", GateValues{Groups: []string{"admins"}}, NewActor("user-1", nil)) {
		t.Fatal("expected no group match without a registry")
	}
}

func TestEvaluatorEnabledMulti(t *testing.T) {
	evaluator := NewEvaluator(testGroups(t))

	got := evaluator.EnabledMulti(map[string]GateValues{
		"a": {Boolean: true},
		"b": {},
		"c": GateValues{Groups: []string{"adults"}}.Normalize(),
	}, NewActor("user-1", map[string]any{"age": 21}))

	want := map[string]bool{"a": true, "b": false, "c": true}
	for key, enabled := range want {
		if got[key] != enabled {
			t.Fatalf("EnabledMulti()[%q] = %v, want %v", key, got[key], enabled)
		}
	}
}

func TestGroupsRegister(t *testing.T) {
	groups := NewGroups()

	if err := groups.Register(" ", Property("x").Eq(1)); !errors.Is(err, ErrGroupNameRequired) {
		t.Fatalf("expected ErrGroupNameRequired, got %v", err)
	}
	if err := groups.Register("staff", nil); err == nil {
		t.Fatal("expected error for nil predicate")
	}
	if err := groups.Register("staff", Property("staff").Eq(true)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := groups.Register("staff", Property("staff").Eq(true)); !errors.Is(err, ErrDuplicateGroup) {
		t.Fatalf("expected ErrDuplicateGroup, got %v", err)
	}
	if err := groups.Replace("staff", Property("staff").Eq(false)); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if err := groups.Register("beta", Property("beta").Eq(true)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	names := groups.Names()
	if len(names) != 2 || names[0] != "beta" || names[1] != "staff" {
		t.Fatalf("Names() = %v", names)
	}
	if !groups.Registered("beta") || groups.Registered("ghosts") {
		t.Fatal("unexpected Registered() result")
	}
}

func TestEvaluatorConcurrentUse(t *testing.T) {
	groups := testGroups(t)
	evaluator := NewEvaluator(groups)
	values := GateValues{Actors: []string{"user-1"}, Groups: []string{"admins"}, PercentageOfActors: 50}.Normalize()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 200 {
				evaluator.Enabled("checkout", values, NewActor(fmt.Sprintf("user-%d-%d", i, j), nil))
				if j == 100 {
					_ = groups.Replace(fmt.Sprintf("group-%d", i), Property("n").Eq(j))
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestStateOf(t *testing.T) {
	tests := []struct {
		values GateValues
		want   State
	}{
		{values: GateValues{}, want: StateOff},
		{values: GateValues{Boolean: true}, want: StateOn},
		{values: GateValues{PercentageOfTime: 100}, want: StateOn},
		{values: GateValues{PercentageOfActors: 10}, want: StateConditional},
		{values: GateValues{Actors: []string{"a"}}, want: StateConditional},
		{values: GateValues{JSON: []byte(`{}`)}, want: StateConditional},
	}

	for _, tt := range tests {
		if got := StateOf(tt.values); got != tt.want {
			t.Fatalf("StateOf(%+v) = %q, want %q", tt.values, got, tt.want)
		}
	}
}

func TestGateValuesNormalize(t *testing.T) {
	values := GateValues{Actors: []string{"b", "a", "b"}, JSON: []byte{}}.Normalize()

	if len(values.Actors) != 2 || values.Actors[0] != "a" || values.Actors[1] != "b" {
		t.Fatalf("Actors = %v", values.Actors)
	}
	if values.Groups == nil || len(values.Groups) != 0 {
		t.Fatalf("Groups = %#v, want empty non-nil", values.Groups)
	}
	if values.JSON != nil {
		t.Fatalf("JSON = %q, want nil", values.JSON)
	}
	if !values.HasActor("a") || values.HasActor("c") {
		t.Fatal("HasActor() mismatch")
	}
}

func TestGateValid(t *testing.T) {
	for _, gate := range Gates() {
		if !gate.Valid() {
			t.Fatalf("declared gate %q is not valid", gate.Key)
		}
	}
	if (Gate{Key: GateBoolean, DataType: DataTypeSet}).Valid() {
		t.Fatal("boolean/set should be invalid")
	}
	if (Gate{Key: "expression", DataType: DataTypeJSON}).Valid() {
		t.Fatal("unknown gate should be invalid")
	}
}
