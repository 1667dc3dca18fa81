package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/core"
)

var (
	ErrFeatureKeyRequired = errors.New("feature key is required")
	ErrFeatureNotFound    = errors.New("feature not found")
	ErrActorRequired      = errors.New("actor id is required")
	ErrGroupRequired      = errors.New("group name is required")
	ErrGroupNotRegistered = errors.New("group not registered")
	ErrInvalidPercentage  = errors.New("percentage must be between 0 and 100")
	ErrInvalidJSON        = errors.New("invalid json gate value")
)

// EvaluationRecorder is told about every decision the service makes.
type EvaluationRecorder interface {
	RecordEvaluation(gate string, enabled bool)
}

// Service reads feature state through an adapter, decides it with the core
// evaluator and applies mutations while keeping the boolean gate exclusive.
type Service struct {
	adapter   adapter.Adapter
	groups    *core.Groups
	evaluator *core.Evaluator
	logger    *slog.Logger
	recorder  EvaluationRecorder
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGroups sets the registry used by the groups gate. Without it the
// service uses an empty registry of its own.
func WithGroups(groups *core.Groups) Option {
	return func(s *Service) {
		if groups != nil {
			s.groups = groups
		}
	}
}

func WithEvaluationRecorder(recorder EvaluationRecorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithClock replaces the clock used by the percentage_of_time gate.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a service backed by a.
func New(a adapter.Adapter, opts ...Option) (*Service, error) {
	if a == nil {
		return nil, errors.New("adapter is nil")
	}

	svc := &Service{
		adapter: a,
		groups:  core.NewGroups(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.evaluator = core.NewEvaluator(svc.groups, core.WithClock(svc.now))

	return svc, nil
}

// Groups returns the registry consulted by the groups gate.
func (s *Service) Groups() *core.Groups { return s.groups }

// AdapterName reports which storage backend is in use.
func (s *Service) AdapterName() string { return s.adapter.Name() }

// Enabled reports whether key is on for actor. A nil actor only matches the
// boolean and percentage_of_time gates. Storage errors are returned rather
// than treated as disabled.
func (s *Service) Enabled(ctx context.Context, key string, actor *core.Actor) (bool, error) {
	decision, err := s.Decide(ctx, key, actor)
	if err != nil {
		return false, err
	}
	return decision.Enabled, nil
}

// Decide is Enabled with the gate that made the decision.
func (s *Service) Decide(ctx context.Context, key string, actor *core.Actor) (core.Decision, error) {
	if err := checkKey(key); err != nil {
		return core.Decision{}, err
	}

	values, err := s.adapter.Get(ctx, key)
	if err != nil {
		return core.Decision{}, fmt.Errorf("get feature %q: %w", key, err)
	}

	decision := s.evaluator.Decide(key, values, actor)
	s.record(decision)
	return decision, nil
}

// GateValues returns the stored state of one feature.
func (s *Service) GateValues(ctx context.Context, key string) (core.GateValues, error) {
	if err := checkKey(key); err != nil {
		return core.GateValues{}, err
	}

	values, err := s.adapter.Get(ctx, key)
	if err != nil {
		return core.GateValues{}, fmt.Errorf("get feature %q: %w", key, err)
	}
	return values, nil
}

// Feature is GateValues for a feature that must be registered. A known
// feature with no gates set is not an error.
func (s *Service) Feature(ctx context.Context, key string) (core.GateValues, error) {
	values, err := s.GateValues(ctx, key)
	if err != nil || !values.Empty() {
		return values, err
	}

	keys, err := s.adapter.Features(ctx)
	if err != nil {
		return core.GateValues{}, fmt.Errorf("list features: %w", err)
	}
	if !slices.Contains(keys, key) {
		return core.GateValues{}, fmt.Errorf("%w: %q", ErrFeatureNotFound, key)
	}
	return values, nil
}

// GateValuesMulti returns the stored state of exactly the requested features.
func (s *Service) GateValuesMulti(ctx context.Context, keys []string) (map[string]core.GateValues, error) {
	for _, key := range keys {
		if err := checkKey(key); err != nil {
			return nil, err
		}
	}

	values, err := s.adapter.GetMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}
	return values, nil
}

// AllGateValues returns every known feature with its state.
func (s *Service) AllGateValues(ctx context.Context) (map[string]core.GateValues, error) {
	values, err := s.adapter.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all features: %w", err)
	}
	return values, nil
}

// Features lists known feature keys in order.
func (s *Service) Features(ctx context.Context) ([]string, error) {
	keys, err := s.adapter.Features(ctx)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// State summarises a feature as on, off or conditional.
func (s *Service) State(ctx context.Context, key string) (core.State, error) {
	values, err := s.GateValues(ctx, key)
	if err != nil {
		return "", err
	}
	return core.StateOf(values), nil
}

// Add registers a feature without enabling anything.
func (s *Service) Add(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.adapter.Add(ctx, key); err != nil {
		return fmt.Errorf("add feature %q: %w", key, err)
	}
	s.logger.Debug("feature added", "feature", key)
	return nil
}

// Remove deletes a feature and every gate value it has.
func (s *Service) Remove(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.adapter.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove feature %q: %w", key, err)
	}
	s.logger.Info("feature removed", "feature", key)
	return nil
}

// Clear drops every gate value of a feature and keeps the feature.
func (s *Service) Clear(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.adapter.Clear(ctx, key); err != nil {
		return fmt.Errorf("clear feature %q: %w", key, err)
	}
	s.logger.Info("feature cleared", "feature", key)
	return nil
}

// EnableBoolean turns a feature fully on. Every other gate value is cleared first
// so the boolean gate is the only one set. A concurrent writer can still
// add a value between the two steps; that state is evaluated as on because
// the boolean gate is checked first.
func (s *Service) EnableBoolean(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.adapter.Clear(ctx, key); err != nil {
		return fmt.Errorf("enable feature %q: %w", key, err)
	}
	if err := s.adapter.Enable(ctx, key, core.MustGate(core.GateBoolean), adapter.BooleanTrue); err != nil {
		return fmt.Errorf("enable feature %q: %w", key, err)
	}
	s.logger.Info("feature enabled", "feature", key)
	return nil
}

// DisableBoolean turns a feature fully off by clearing every gate value.
func (s *Service) DisableBoolean(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.adapter.Clear(ctx, key); err != nil {
		return fmt.Errorf("disable feature %q: %w", key, err)
	}
	s.logger.Info("feature disabled", "feature", key)
	return nil
}

func (s *Service) EnableActor(ctx context.Context, key, actorID string) error {
	if err := checkMember(key, actorID, ErrActorRequired); err != nil {
		return err
	}
	return s.enableGate(ctx, key, core.GateActors, actorID)
}

func (s *Service) DisableActor(ctx context.Context, key, actorID string) error {
	if err := checkMember(key, actorID, ErrActorRequired); err != nil {
		return err
	}
	return s.disableGate(ctx, key, core.GateActors, actorID)
}

// EnableGroup adds a group to the groups gate. The group must be registered.
func (s *Service) EnableGroup(ctx context.Context, key, name string) error {
	if err := checkMember(key, name, ErrGroupRequired); err != nil {
		return err
	}
	if !s.groups.Registered(name) {
		return fmt.Errorf("%w: %q", ErrGroupNotRegistered, name)
	}
	return s.enableGate(ctx, key, core.GateGroups, name)
}

func (s *Service) DisableGroup(ctx context.Context, key, name string) error {
	if err := checkMember(key, name, ErrGroupRequired); err != nil {
		return err
	}
	return s.disableGate(ctx, key, core.GateGroups, name)
}

func (s *Service) EnablePercentageOfActors(ctx context.Context, key string, percentage int) error {
	if err := checkPercentage(key, percentage); err != nil {
		return err
	}
	return s.enableGate(ctx, key, core.GatePercentageOfActors, strconv.Itoa(percentage))
}

func (s *Service) DisablePercentageOfActors(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.disableGate(ctx, key, core.GatePercentageOfActors, "")
}

func (s *Service) EnablePercentageOfTime(ctx context.Context, key string, percentage int) error {
	if err := checkPercentage(key, percentage); err != nil {
		return err
	}
	return s.enableGate(ctx, key, core.GatePercentageOfTime, strconv.Itoa(percentage))
}

func (s *Service) DisablePercentageOfTime(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.disableGate(ctx, key, core.GatePercentageOfTime, "")
}

// EnableJSON stores document verbatim on the json gate.
func (s *Service) EnableJSON(ctx context.Context, key string, document json.RawMessage) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if len(document) == 0 || !json.Valid(document) {
		return ErrInvalidJSON
	}
	return s.enableGate(ctx, key, core.GateJSON, string(document))
}

func (s *Service) DisableJSON(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.disableGate(ctx, key, core.GateJSON, "")
}

// Replace makes the stored state of key equal to values. It is not atomic:
// readers can observe the feature cleared before the new values land.
func (s *Service) Replace(ctx context.Context, key string, values core.GateValues) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkPercentage(key, values.PercentageOfActors); err != nil {
		return err
	}
	if err := checkPercentage(key, values.PercentageOfTime); err != nil {
		return err
	}
	if len(values.JSON) > 0 && !json.Valid(values.JSON) {
		return ErrInvalidJSON
	}

	if err := s.adapter.Add(ctx, key); err != nil {
		return fmt.Errorf("replace feature %q: %w", key, err)
	}
	if err := s.adapter.Clear(ctx, key); err != nil {
		return fmt.Errorf("replace feature %q: %w", key, err)
	}
	for _, record := range adapter.Records(values.Normalize()) {
		gate := core.MustGate(record.Gate)
		if err := s.adapter.Enable(ctx, key, gate, record.Value); err != nil {
			return fmt.Errorf("replace feature %q: %w", key, err)
		}
	}
	return nil
}

func (s *Service) enableGate(ctx context.Context, key string, gateKey core.GateKey, value string) error {
	if err := s.adapter.Enable(ctx, key, core.MustGate(gateKey), value); err != nil {
		return fmt.Errorf("enable %s on %q: %w", gateKey, key, err)
	}
	s.logger.Info("gate enabled", "feature", key, "gate", string(gateKey), "value", value)
	return nil
}

func (s *Service) disableGate(ctx context.Context, key string, gateKey core.GateKey, value string) error {
	if err := s.adapter.Disable(ctx, key, core.MustGate(gateKey), value); err != nil {
		return fmt.Errorf("disable %s on %q: %w", gateKey, key, err)
	}
	s.logger.Info("gate disabled", "feature", key, "gate", string(gateKey), "value", value)
	return nil
}

func (s *Service) record(decision core.Decision) {
	if s.recorder == nil {
		return
	}
	gate := string(decision.Gate)
	if gate == "" {
		gate = "none"
	}
	s.recorder.RecordEvaluation(gate, decision.Enabled)
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrFeatureKeyRequired
	}
	return nil
}

func checkMember(key, member string, required error) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if strings.TrimSpace(member) == "" {
		return required
	}
	return nil
}

func checkPercentage(key string, percentage int) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidPercentage, percentage)
	}
	return nil
}
