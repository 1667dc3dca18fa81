package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/core"
)

var errStorageDown = errors.New("storage down")

// failingAdapter wraps a memory adapter and fails reads or writes on demand.
type failingAdapter struct {
	*adapter.Memory

	mu        sync.Mutex
	failReads bool
	failWrite bool
}

func newFailingAdapter() *failingAdapter {
	return &failingAdapter{Memory: adapter.NewMemory()}
}

func (f *failingAdapter) Get(ctx context.Context, key string) (core.GateValues, error) {
	f.mu.Lock()
	fail := f.failReads
	f.mu.Unlock()
	if fail {
		return core.GateValues{}, errStorageDown
	}
	return f.Memory.Get(ctx, key)
}

func (f *failingAdapter) Enable(ctx context.Context, key string, gate core.Gate, value string) error {
	f.mu.Lock()
	fail := f.failWrite
	f.mu.Unlock()
	if fail {
		return errStorageDown
	}
	return f.Memory.Enable(ctx, key, gate, value)
}

type recordedEvaluation struct {
	gate    string
	enabled bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedEvaluation
}

func (r *fakeRecorder) RecordEvaluation(gate string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedEvaluation{gate: gate, enabled: enabled})
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()

	svc, err := New(adapter.NewMemory(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func TestNewRejectsNilAdapter(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) error = nil, want error")
	}
}

func TestServiceBooleanLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	enabled, err := svc.Enabled(ctx, "search", nil)
	if err != nil {
		t.Fatalf("Enabled() error = %v", err)
	}
	if enabled {
		t.Fatal("Enabled() = true for an unknown feature, want false")
	}

	if err := svc.EnableActor(ctx, "search", "user-1"); err != nil {
		t.Fatalf("EnableActor() error = %v", err)
	}
	if err := svc.EnableBoolean(ctx, "search"); err != nil {
		t.Fatalf("EnableBoolean() error = %v", err)
	}

	values, err := svc.GateValues(ctx, "search")
	if err != nil {
		t.Fatalf("GateValues() error = %v", err)
	}
	if !values.Boolean || len(values.Actors) != 0 {
		t.Fatalf("GateValues() = %+v, want only the boolean gate", values)
	}

	enabled, err = svc.Enabled(ctx, "search", nil)
	if err != nil || !enabled {
		t.Fatalf("Enabled() = (%t, %v), want (true, nil)", enabled, err)
	}

	if err := svc.DisableBoolean(ctx, "search"); err != nil {
		t.Fatalf("DisableBoolean() error = %v", err)
	}
	state, err := svc.State(ctx, "search")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != core.StateOff {
		t.Fatalf("State() = %q, want %q", state, core.StateOff)
	}

	features, err := svc.Features(ctx)
	if err != nil {
		t.Fatalf("Features() error = %v", err)
	}
	if len(features) != 1 || features[0] != "search" {
		t.Fatalf("Features() = %v, want [search]", features)
	}

	if err := svc.Remove(ctx, "search"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	features, err = svc.Features(ctx)
	if err != nil {
		t.Fatalf("Features() error = %v", err)
	}
	if len(features) != 0 {
		t.Fatalf("Features() after Remove = %v, want empty", features)
	}
}

func TestServiceFeatureRequiresRegistration(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Feature(ctx, "ghost"); !errors.Is(err, ErrFeatureNotFound) {
		t.Fatalf("Feature(ghost) error = %v, want ErrFeatureNotFound", err)
	}

	if err := svc.Add(ctx, "search"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	values, err := svc.Feature(ctx, "search")
	if err != nil {
		t.Fatalf("Feature(search) error = %v", err)
	}
	if !values.Empty() {
		t.Fatalf("Feature(search) = %+v, want empty", values)
	}
}

func TestServiceActorAndGroupGates(t *testing.T) {
	ctx := context.Background()
	groups := core.NewGroups()
	if err := groups.Register("admins", core.Property("admin").Eq(true)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	svc := newTestService(t, WithGroups(groups))

	if err := svc.EnableActor(ctx, "beta", "user-42"); err != nil {
		t.Fatalf("EnableActor() error = %v", err)
	}
	if err := svc.EnableGroup(ctx, "beta", "admins"); err != nil {
		t.Fatalf("EnableGroup() error = %v", err)
	}

	tests := []struct {
		name     string
		actor    *core.Actor
		want     bool
		wantGate core.GateKey
	}{
		{name: "listed actor", actor: core.NewActor("user-42", nil), want: true, wantGate: core.GateActors},
		{name: "group member", actor: core.NewActor("user-7", map[string]any{"admin": true}), want: true, wantGate: core.GateGroups},
		{name: "outsider", actor: core.NewActor("user-7", nil), want: false},
		{name: "anonymous", actor: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := svc.Decide(ctx, "beta", tt.actor)
			if err != nil {
				t.Fatalf("Decide() error = %v", err)
			}
			if decision.Enabled != tt.want || decision.Gate != tt.wantGate {
				t.Fatalf("Decide() = %+v, want enabled=%t gate=%q", decision, tt.want, tt.wantGate)
			}
		})
	}

	if err := svc.DisableActor(ctx, "beta", "user-42"); err != nil {
		t.Fatalf("DisableActor() error = %v", err)
	}
	if err := svc.DisableGroup(ctx, "beta", "admins"); err != nil {
		t.Fatalf("DisableGroup() error = %v", err)
	}
	values, err := svc.GateValues(ctx, "beta")
	if err != nil {
		t.Fatalf("GateValues() error = %v", err)
	}
	if !values.Empty() {
		t.Fatalf("GateValues() = %+v, want empty", values)
	}
}

func TestServiceEnableGroupRequiresRegistration(t *testing.T) {
	svc := newTestService(t)

	err := svc.EnableGroup(context.Background(), "beta", "ghosts")
	if !errors.Is(err, ErrGroupNotRegistered) {
		t.Fatalf("EnableGroup() error = %v, want ErrGroupNotRegistered", err)
	}
}

func TestServicePercentageGates(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)
	svc := newTestService(t, WithClock(func() time.Time { return now }))

	if err := svc.EnablePercentageOfActors(ctx, "checkout", 65); err != nil {
		t.Fatalf("EnablePercentageOfActors() error = %v", err)
	}
	// checkout+user-42 buckets to 6491.
	enabled, err := svc.Enabled(ctx, "checkout", core.NewActor("user-42", nil))
	if err != nil || !enabled {
		t.Fatalf("Enabled(65%%) = (%t, %v), want (true, nil)", enabled, err)
	}

	if err := svc.EnablePercentageOfActors(ctx, "checkout", 64); err != nil {
		t.Fatalf("EnablePercentageOfActors() error = %v", err)
	}
	enabled, err = svc.Enabled(ctx, "checkout", core.NewActor("user-42", nil))
	if err != nil || enabled {
		t.Fatalf("Enabled(64%%) = (%t, %v), want (false, nil)", enabled, err)
	}

	if err := svc.DisablePercentageOfActors(ctx, "checkout"); err != nil {
		t.Fatalf("DisablePercentageOfActors() error = %v", err)
	}

	// checkout at 1700000000000 ms buckets to 7783.
	if err := svc.EnablePercentageOfTime(ctx, "checkout", 78); err != nil {
		t.Fatalf("EnablePercentageOfTime() error = %v", err)
	}
	decision, err := svc.Decide(ctx, "checkout", nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !decision.Enabled || decision.Gate != core.GatePercentageOfTime {
		t.Fatalf("Decide() = %+v, want enabled by percentage_of_time", decision)
	}

	if err := svc.DisablePercentageOfTime(ctx, "checkout"); err != nil {
		t.Fatalf("DisablePercentageOfTime() error = %v", err)
	}
	values, err := svc.GateValues(ctx, "checkout")
	if err != nil {
		t.Fatalf("GateValues() error = %v", err)
	}
	if values.PercentageOfActors != 0 || values.PercentageOfTime != 0 {
		t.Fatalf("GateValues() = %+v, want both percentages cleared", values)
	}
}

func TestServiceJSONGateNeverEnables(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	document := json.RawMessage(`{"limit": 10, "tags": ["a"]}`)
	if err := svc.EnableJSON(ctx, "limits", document); err != nil {
		t.Fatalf("EnableJSON() error = %v", err)
	}

	values, err := svc.GateValues(ctx, "limits")
	if err != nil {
		t.Fatalf("GateValues() error = %v", err)
	}
	if string(values.JSON) != string(document) {
		t.Fatalf("JSON = %s, want %s", values.JSON, document)
	}

	enabled, err := svc.Enabled(ctx, "limits", core.NewActor("user-1", nil))
	if err != nil || enabled {
		t.Fatalf("Enabled() = (%t, %v), want (false, nil)", enabled, err)
	}

	if err := svc.EnableJSON(ctx, "limits", json.RawMessage(`{"broken"`)); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("EnableJSON(invalid) error = %v, want ErrInvalidJSON", err)
	}
	if err := svc.DisableJSON(ctx, "limits"); err != nil {
		t.Fatalf("DisableJSON() error = %v", err)
	}
}

func TestServiceValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{name: "enabled blank key", call: func() error { _, err := svc.Enabled(ctx, " ", nil); return err }, want: ErrFeatureKeyRequired},
		{name: "add blank key", call: func() error { return svc.Add(ctx, "") }, want: ErrFeatureKeyRequired},
		{name: "multi blank key", call: func() error { _, err := svc.GateValuesMulti(ctx, []string{"a", ""}); return err }, want: ErrFeatureKeyRequired},
		{name: "blank actor", call: func() error { return svc.EnableActor(ctx, "search", "") }, want: ErrActorRequired},
		{name: "blank group", call: func() error { return svc.DisableGroup(ctx, "search", " ") }, want: ErrGroupRequired},
		{name: "negative percentage", call: func() error { return svc.EnablePercentageOfActors(ctx, "search", -1) }, want: ErrInvalidPercentage},
		{name: "percentage over 100", call: func() error { return svc.EnablePercentageOfTime(ctx, "search", 101) }, want: ErrInvalidPercentage},
		{name: "empty json", call: func() error { return svc.EnableJSON(ctx, "search", nil) }, want: ErrInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestServiceSurfacesStorageErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFailingAdapter()
	svc, err := New(fake)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	fake.failReads = true
	if _, err := svc.Enabled(ctx, "search", nil); !errors.Is(err, errStorageDown) {
		t.Fatalf("Enabled() error = %v, want storage error", err)
	}

	fake.failReads = false
	fake.failWrite = true
	if err := svc.EnableBoolean(ctx, "search"); !errors.Is(err, errStorageDown) {
		t.Fatalf("EnableBoolean() error = %v, want storage error", err)
	}
}

func TestServiceReplace(t *testing.T) {
	ctx := context.Background()
	fake := newFailingAdapter()
	svc, err := New(fake)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := svc.EnableActor(ctx, "search", "stale"); err != nil {
		t.Fatalf("EnableActor() error = %v", err)
	}

	want := core.GateValues{
		Actors:           []string{"user-2", "user-1"},
		Groups:           []string{},
		PercentageOfTime: 5,
		JSON:             json.RawMessage(`{"a":1}`),
	}
	if err := svc.Replace(ctx, "search", want); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	got, err := svc.GateValues(ctx, "search")
	if err != nil {
		t.Fatalf("GateValues() error = %v", err)
	}
	if got.HasActor("stale") || !got.HasActor("user-1") || !got.HasActor("user-2") {
		t.Fatalf("Actors = %v, want [user-1 user-2]", got.Actors)
	}
	if got.PercentageOfTime != 5 || string(got.JSON) != `{"a":1}` {
		t.Fatalf("GateValues() = %+v", got)
	}

	if err := svc.Replace(ctx, "search", core.GateValues{PercentageOfActors: 150}); !errors.Is(err, ErrInvalidPercentage) {
		t.Fatalf("Replace(150%%) error = %v, want ErrInvalidPercentage", err)
	}
}

func TestServicePreload(t *testing.T) {
	ctx := context.Background()
	recorder := &fakeRecorder{}
	svc := newTestService(t, WithEvaluationRecorder(recorder))

	if err := svc.EnableBoolean(ctx, "search"); err != nil {
		t.Fatalf("EnableBoolean() error = %v", err)
	}
	if err := svc.EnableActor(ctx, "beta", "user-1"); err != nil {
		t.Fatalf("EnableActor() error = %v", err)
	}

	snapshot, err := svc.Preload(ctx, []string{"search", "beta", "missing"})
	if err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	if keys := snapshot.Keys(); len(keys) != 3 {
		t.Fatalf("Keys() = %v, want 3 keys", keys)
	}
	if !snapshot.Enabled("search", nil) {
		t.Fatal("snapshot Enabled(search) = false, want true")
	}
	if snapshot.Enabled("missing", core.NewActor("user-1", nil)) {
		t.Fatal("snapshot Enabled(missing) = true, want false")
	}

	all := snapshot.EnabledAll(core.NewActor("user-1", nil))
	if !all["search"] || !all["beta"] || all["missing"] {
		t.Fatalf("EnabledAll() = %v", all)
	}

	everything, err := svc.PreloadAll(ctx)
	if err != nil {
		t.Fatalf("PreloadAll() error = %v", err)
	}
	values, ok := everything.Values("beta")
	if !ok || !values.HasActor("user-1") {
		t.Fatalf("Values(beta) = (%+v, %t)", values, ok)
	}
	if _, ok := everything.Values("missing"); ok {
		t.Fatal("Values(missing) found, want absent")
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.calls) != 2 {
		t.Fatalf("recorded %d evaluations, want 2", len(recorder.calls))
	}
	if recorder.calls[0] != (recordedEvaluation{gate: "boolean", enabled: true}) {
		t.Fatalf("first evaluation = %+v", recorder.calls[0])
	}
	if recorder.calls[1] != (recordedEvaluation{gate: "none", enabled: false}) {
		t.Fatalf("second evaluation = %+v", recorder.calls[1])
	}
}

func TestServiceConcurrentActorEnables(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := svc.EnableActor(ctx, "search", fmt.Sprintf("user-%d", id)); err != nil {
				t.Errorf("EnableActor() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	values, err := svc.GateValues(ctx, "search")
	if err != nil {
		t.Fatalf("GateValues() error = %v", err)
	}
	if len(values.Actors) != 50 {
		t.Fatalf("len(Actors) = %d, want 50", len(values.Actors))
	}
}
