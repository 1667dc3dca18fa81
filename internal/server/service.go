package server

import (
	"context"
	"encoding/json"

	"github.com/matt-riley/gatez/internal/core"
	"github.com/matt-riley/gatez/internal/service"
)

// Service is the gate service as seen by the transports.
type Service interface {
	AllGateValues(ctx context.Context) (map[string]core.GateValues, error)
	Feature(ctx context.Context, key string) (core.GateValues, error)
	GateValues(ctx context.Context, key string) (core.GateValues, error)
	Decide(ctx context.Context, key string, actor *core.Actor) (core.Decision, error)
	Preload(ctx context.Context, keys []string) (*service.Snapshot, error)

	Add(ctx context.Context, key string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context, key string) error
	EnableBoolean(ctx context.Context, key string) error
	DisableBoolean(ctx context.Context, key string) error
	EnableActor(ctx context.Context, key, actorID string) error
	DisableActor(ctx context.Context, key, actorID string) error
	EnableGroup(ctx context.Context, key, name string) error
	DisableGroup(ctx context.Context, key, name string) error
	EnablePercentageOfActors(ctx context.Context, key string, percentage int) error
	DisablePercentageOfActors(ctx context.Context, key string) error
	EnablePercentageOfTime(ctx context.Context, key string, percentage int) error
	DisablePercentageOfTime(ctx context.Context, key string) error
	EnableJSON(ctx context.Context, key string, document json.RawMessage) error
	DisableJSON(ctx context.Context, key string) error
}

var _ Service = (*service.Service)(nil)
