package core

import (
	"fmt"
	"testing"
)

func BenchmarkDecide_Boolean(b *testing.B) {
	evaluator := NewEvaluator(nil)
	values := GateValues{Boolean: true}.Normalize()
	actor := NewActor("user-42", nil)

	b.ResetTimer()
	for b.Loop() {
		evaluator.Decide("feature-boolean", values, actor)
	}
}

func BenchmarkDecide_Actors(b *testing.B) {
	evaluator := NewEvaluator(nil)
	actors := make([]string, 1000)
	for i := range actors {
		actors[i] = fmt.Sprintf("user-%d", i)
	}
	values := GateValues{Actors: actors}.Normalize()

	b.Run("Member", func(b *testing.B) {
		actor := NewActor("user-500", nil)
		b.ResetTimer()
		for b.Loop() {
			evaluator.Decide("feature-actors", values, actor)
		}
	})

	b.Run("NonMember", func(b *testing.B) {
		actor := NewActor("someone-else", nil)
		b.ResetTimer()
		for b.Loop() {
			evaluator.Decide("feature-actors", values, actor)
		}
	})
}

func BenchmarkDecide_Groups(b *testing.B) {
	groups := NewGroups()
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("group-%d", i)
		_ = groups.Register(names[i], Property(fmt.Sprintf("attr-%d", i)).Eq(fmt.Sprintf("val-%d", i)))
	}
	evaluator := NewEvaluator(groups)
	values := GateValues{Groups: names}.Normalize()

	b.Run("MatchLast", func(b *testing.B) {
		actor := NewActor("user-1", map[string]any{"attr-9": "val-9"})
		b.ResetTimer()
		for b.Loop() {
			evaluator.Decide("feature-groups", values, actor)
		}
	})

	b.Run("NoMatch", func(b *testing.B) {
		actor := NewActor("user-1", map[string]any{"country": "XX"})
		b.ResetTimer()
		for b.Loop() {
			evaluator.Decide("feature-groups", values, actor)
		}
	})
}

func BenchmarkDecide_Percentage(b *testing.B) {
	evaluator := NewEvaluator(nil)
	values := GateValues{PercentageOfActors: 50, PercentageOfTime: 10}.Normalize()
	actor := NewActor("user-42", nil)

	b.ResetTimer()
	for b.Loop() {
		evaluator.Decide("feature-percentage", values, actor)
	}
}

func BenchmarkEnabledMulti_Batch(b *testing.B) {
	evaluator := NewEvaluator(nil)
	values := make(map[string]GateValues, 100)
	for i := range 100 {
		v := GateValues{PercentageOfActors: i}
		if i%10 == 0 {
			v.Boolean = true
		}
		values[fmt.Sprintf("flag-%03d", i)] = v.Normalize()
	}
	actor := NewActor("user-42", map[string]any{"plan": "pro"})

	b.ResetTimer()
	for b.Loop() {
		evaluator.EnabledMulti(values, actor)
	}
}
