package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/core"
)

const (
	defaultRedisPrefix = "gatez:"
	memberFieldSep     = "/"
	memberFieldValue   = "1"
)

var (
	ErrFailedToParseRedisURL = errors.New("failed to parse redis connection string")
	ErrRedisNotReady         = errors.New("redis did not become ready within the given time period")
)

// RedisConfig controls how [ConnectRedis] dials and retries.
type RedisConfig struct {
	URL            string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// ConnectRedis parses cfg.URL and pings until the server answers, retrying
// cfg.RetryAttempts times.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisURL, err)
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, ErrRedisNotReady
}

// RedisRepository implements [adapter.Adapter] on Redis. Feature keys live in
// one set and each feature's gates in one hash, so a feature is always read
// and written as a unit. Set gate members are hash fields named
// "<gate>/<member>".
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository returns a repository whose keys start with prefix. An
// empty prefix uses "gatez:".
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) Name() string { return "redis" }

func (r *RedisRepository) featuresKey() string { return r.prefix + "features" }

func (r *RedisRepository) featureKey(key string) string { return r.prefix + "feature:" + key }

func (r *RedisRepository) changesChannel() string { return r.prefix + "changes" }

func (r *RedisRepository) Features(ctx context.Context) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.featuresKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	return sortedKeys(keys), nil
}

func (r *RedisRepository) Add(ctx context.Context, key string) error {
	if err := adapter.CheckKey(key); err != nil {
		return err
	}

	if err := r.client.SAdd(ctx, r.featuresKey(), key).Err(); err != nil {
		return fmt.Errorf("add feature: %w", err)
	}
	r.publish(ctx, key, OperationAdd)
	return nil
}

func (r *RedisRepository) Remove(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.featuresKey(), key)
		pipe.Del(ctx, r.featureKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove feature: %w", err)
	}
	r.publish(ctx, key, OperationRemove)
	return nil
}

func (r *RedisRepository) Clear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.featureKey(key)).Err(); err != nil {
		return fmt.Errorf("clear feature: %w", err)
	}
	r.publish(ctx, key, OperationClear)
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, key string) (core.GateValues, error) {
	values, err := r.GetMulti(ctx, []string{key})
	if err != nil {
		return core.GateValues{}, err
	}
	return values[key], nil
}

// GetMulti reads every requested hash inside one MULTI/EXEC block.
func (r *RedisRepository) GetMulti(ctx context.Context, keys []string) (map[string]core.GateValues, error) {
	if len(keys) == 0 {
		return map[string]core.GateValues{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, r.featureKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}

	result := make(map[string]core.GateValues, len(keys))
	for i, key := range keys {
		values, err := assembleHash(cmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", key, err)
		}
		result[key] = values
	}
	return result, nil
}

func (r *RedisRepository) GetAll(ctx context.Context) (map[string]core.GateValues, error) {
	keys, err := r.Features(ctx)
	if err != nil {
		return nil, err
	}
	return r.GetMulti(ctx, keys)
}

func (r *RedisRepository) Enable(ctx context.Context, key string, gate core.Gate, value string) error {
	if err := adapter.CheckEnable(key, gate, value); err != nil {
		return err
	}

	field, fieldValue := hashField(gate, value), value
	if gate.DataType == core.DataTypeSet {
		fieldValue = memberFieldValue
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.featuresKey(), key)
		pipe.HSet(ctx, r.featureKey(key), field, fieldValue)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enable %s: %w", gate.Key, err)
	}
	r.publish(ctx, key, OperationEnable)
	return nil
}

func (r *RedisRepository) Disable(ctx context.Context, key string, gate core.Gate, value string) error {
	if err := adapter.CheckDisable(key, gate, value); err != nil {
		return err
	}

	if err := r.client.HDel(ctx, r.featureKey(key), hashField(gate, value)).Err(); err != nil {
		return fmt.Errorf("disable %s: %w", gate.Key, err)
	}
	r.publish(ctx, key, OperationDisable)
	return nil
}

// Ping checks the connection.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SubscribeInvalidation forwards change messages published by any
// RedisRepository sharing this prefix. The channel is closed when ctx is done
// or the subscription drops.
func (r *RedisRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	pubsub := r.client.Subscribe(ctx, r.changesChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", r.changesChannel(), err)
	}

	invalidations := make(chan struct{}, 1)
	go func() {
		defer close(invalidations)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case invalidations <- struct{}{}:
				default:
				}
			}
		}
	}()

	return invalidations, nil
}

// publish is best effort: the write has already happened and cached readers
// fall back to their TTL.
func (r *RedisRepository) publish(ctx context.Context, key, operation string) {
	payload, err := marshalNotifyPayload(key, operation)
	if err != nil {
		return
	}
	_ = r.client.Publish(context.WithoutCancel(ctx), r.changesChannel(), payload).Err()
}

func hashField(gate core.Gate, value string) string {
	if gate.DataType == core.DataTypeSet {
		return string(gate.Key) + memberFieldSep + value
	}
	return string(gate.Key)
}

func assembleHash(fields map[string]string) (core.GateValues, error) {
	records := make([]adapter.Record, 0, len(fields))
	for field, value := range fields {
		if gate, member, ok := strings.Cut(field, memberFieldSep); ok {
			records = append(records, adapter.Record{Gate: core.GateKey(gate), Value: member})
			continue
		}
		records = append(records, adapter.Record{Gate: core.GateKey(field), Value: value})
	}
	return adapter.Assemble(records)
}
