package seed

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/matt-riley/gatez/internal/core"
)

// Target is the part of the gate service a seed is applied to.
type Target interface {
	Groups() *core.Groups
	Features(ctx context.Context) ([]string, error)
	AllGateValues(ctx context.Context) (map[string]core.GateValues, error)
	Replace(ctx context.Context, key string, values core.GateValues) error
	Remove(ctx context.Context, key string) error
}

// ImportOptions controls Import.
type ImportOptions struct {
	// Prune removes stored features the document does not mention.
	Prune  bool
	Logger *slog.Logger
}

// Result summarises an import.
type Result struct {
	Groups   int
	Features int
	Removed  []string
}

// Import registers the document's groups and makes each listed feature's
// stored state equal to the document. Groups are registered before any
// feature is written so a feature can reference a group declared in the
// same file.
func Import(ctx context.Context, target Target, doc Document, opts ImportOptions) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rules, err := doc.Rules()
	if err != nil {
		return Result{}, err
	}

	values := make(map[string]core.GateValues, len(doc.Features))
	for key, f := range doc.Features {
		v, err := f.Values()
		if err != nil {
			return Result{}, fmt.Errorf("feature %q: %w", key, err)
		}
		values[key] = v
	}

	var result Result
	for _, name := range sortedKeys(rules) {
		if err := target.Groups().Replace(name, rules[name]); err != nil {
			return result, fmt.Errorf("register group %q: %w", name, err)
		}
		result.Groups++
	}

	for _, key := range sortedKeys(values) {
		if err := target.Replace(ctx, key, values[key]); err != nil {
			return result, fmt.Errorf("import feature %q: %w", key, err)
		}
		result.Features++
	}

	if opts.Prune {
		existing, err := target.Features(ctx)
		if err != nil {
			return result, fmt.Errorf("list features: %w", err)
		}
		for _, key := range existing {
			if _, keep := values[key]; keep {
				continue
			}
			if err := target.Remove(ctx, key); err != nil {
				return result, fmt.Errorf("prune feature %q: %w", key, err)
			}
			result.Removed = append(result.Removed, key)
		}
		slices.Sort(result.Removed)
	}

	logger.Info("seed imported",
		"groups", result.Groups,
		"features", result.Features,
		"removed", len(result.Removed),
	)
	return result, nil
}

// Export reads every stored feature into a document. Group conditions live
// in process memory as predicates and are not exported.
func Export(ctx context.Context, target Target) (Document, error) {
	all, err := target.AllGateValues(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("export features: %w", err)
	}

	doc := Document{Features: make(map[string]Feature, len(all))}
	for key, values := range all {
		f, err := FeatureFromValues(values)
		if err != nil {
			return Document{}, fmt.Errorf("export feature %q: %w", key, err)
		}
		doc.Features[key] = f
	}
	return doc, nil
}
