// Package repository provides the SQL and Redis backed adapters that persist
// features and their gate values. The PostgreSQL adapter also handles
// LISTEN/NOTIFY-based cache invalidation so other instances stay fresh
// without polling the database into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/core"
)

const defaultNotifyChannel = "gate_changes"

// Operation names carried in change notifications.
const (
	OperationAdd     = "add"
	OperationRemove  = "remove"
	OperationClear   = "clear"
	OperationEnable  = "enable"
	OperationDisable = "disable"
)

// PostgresRepository implements [adapter.Adapter] backed by a pgxpool
// connection pool. Every write sends a NOTIFY on commit so that other
// processes can drop cached state.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "gate_changes" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

func (r *PostgresRepository) Name() string { return "postgres" }

// Features returns every known feature key in order.
func (r *PostgresRepository) Features(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key FROM features ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list features rows: %w", err)
	}

	return keys, nil
}

// Add registers a feature. Concurrent adds of the same key all succeed.
func (r *PostgresRepository) Add(ctx context.Context, key string) error {
	if err := adapter.CheckKey(key); err != nil {
		return err
	}

	return r.inTx(ctx, "add feature", key, OperationAdd, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO features (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
		return err
	})
}

// Remove deletes a feature. Gate values go with it through ON DELETE
// CASCADE in the same statement, so readers never see them orphaned.
func (r *PostgresRepository) Remove(ctx context.Context, key string) error {
	return r.inTx(ctx, "remove feature", key, OperationRemove, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM features WHERE key = $1`, key)
		return err
	})
}

// Clear deletes every gate value of a feature and keeps the feature.
func (r *PostgresRepository) Clear(ctx context.Context, key string) error {
	return r.inTx(ctx, "clear feature", key, OperationClear, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM feature_gate_values WHERE feature_key = $1`, key); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM feature_gate_members WHERE feature_key = $1`, key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE features SET updated_at = NOW() WHERE key = $1`, key)
		return err
	})
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (core.GateValues, error) {
	values, err := r.GetMulti(ctx, []string{key})
	if err != nil {
		return core.GateValues{}, err
	}
	return values[key], nil
}

// GetMulti reads the requested features in a single statement, which
// PostgreSQL evaluates against one snapshot.
func (r *PostgresRepository) GetMulti(ctx context.Context, keys []string) (map[string]core.GateValues, error) {
	if len(keys) == 0 {
		return map[string]core.GateValues{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT feature_key, key, value FROM feature_gate_values WHERE feature_key = ANY($1)
		UNION ALL
		SELECT feature_key, key, value FROM feature_gate_members WHERE feature_key = ANY($1)
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}

	grouped, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}

	values, err := assembleAll(grouped)
	if err != nil {
		return nil, err
	}
	return adapter.FillMissing(values, keys), nil
}

// GetAll reads every feature with its gate values in a single statement.
func (r *PostgresRepository) GetAll(ctx context.Context) (map[string]core.GateValues, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT f.key, g.key, g.value
		FROM features f
		LEFT JOIN (
			SELECT feature_key, key, value FROM feature_gate_values
			UNION ALL
			SELECT feature_key, key, value FROM feature_gate_members
		) g ON g.feature_key = f.key
	`)
	if err != nil {
		return nil, fmt.Errorf("get all features: %w", err)
	}

	grouped, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("get all features: %w", err)
	}

	return assembleAll(grouped)
}

// Enable stores a gate value and registers the feature if needed.
func (r *PostgresRepository) Enable(ctx context.Context, key string, gate core.Gate, value string) error {
	if err := adapter.CheckEnable(key, gate, value); err != nil {
		return err
	}

	return r.inTx(ctx, "enable "+string(gate.Key), key, OperationEnable, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO features (key) VALUES ($1)
			ON CONFLICT (key) DO UPDATE SET updated_at = NOW()
		`, key); err != nil {
			return err
		}

		if gate.DataType == core.DataTypeSet {
			_, err := tx.Exec(ctx, `
				INSERT INTO feature_gate_members (feature_key, key, value)
				VALUES ($1, $2, $3)
				ON CONFLICT (feature_key, key, value) DO NOTHING
			`, key, string(gate.Key), value)
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO feature_gate_values (feature_key, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (feature_key, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, key, string(gate.Key), value)
		return err
	})
}

// Disable removes one set member, or the stored value of any other gate.
func (r *PostgresRepository) Disable(ctx context.Context, key string, gate core.Gate, value string) error {
	if err := adapter.CheckDisable(key, gate, value); err != nil {
		return err
	}

	return r.inTx(ctx, "disable "+string(gate.Key), key, OperationDisable, func(tx pgx.Tx) error {
		if gate.DataType == core.DataTypeSet {
			_, err := tx.Exec(ctx, `
				DELETE FROM feature_gate_members
				WHERE feature_key = $1 AND key = $2 AND value = $3
			`, key, string(gate.Key), value)
			return err
		}

		_, err := tx.Exec(ctx, `
			DELETE FROM feature_gate_values
			WHERE feature_key = $1 AND key = $2
		`, key, string(gate.Key))
		return err
	})
}

// inTx runs fn in a transaction and queues a change notification that
// PostgreSQL delivers only if the transaction commits.
func (r *PostgresRepository) inTx(ctx context.Context, action, key, operation string, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", action, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	payload, err := marshalNotifyPayload(key, operation)
	if err != nil {
		return fmt.Errorf("%s: marshal notification: %w", action, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("%s: notify: %w", action, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", action, err)
	}
	return nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever a
// change notification arrives on the PostgreSQL LISTEN channel. The channel
// is closed when ctx is done.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		// Anything may have changed while the connection was down.
		select {
		case invalidations <- struct{}{}:
		default:
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for change notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// Ping checks that the pool can reach the database.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func collectRecords(rows pgx.Rows) (map[string][]adapter.Record, error) {
	defer rows.Close()

	grouped := make(map[string][]adapter.Record)
	for rows.Next() {
		var (
			featureKey string
			gateKey    *string
			value      *string
		)
		if err := rows.Scan(&featureKey, &gateKey, &value); err != nil {
			return nil, fmt.Errorf("scan gate value: %w", err)
		}

		records := grouped[featureKey]
		if gateKey != nil && value != nil {
			records = append(records, adapter.Record{Gate: core.GateKey(*gateKey), Value: *value})
		}
		grouped[featureKey] = records
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gate value rows: %w", err)
	}

	return grouped, nil
}

func assembleAll(grouped map[string][]adapter.Record) (map[string]core.GateValues, error) {
	values := make(map[string]core.GateValues, len(grouped))
	for key, records := range grouped {
		assembled, err := adapter.Assemble(records)
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", key, err)
		}
		values[key] = assembled
	}
	return values, nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(featureKey, operation string) (string, error) {
	serialized, err := json.Marshal(struct {
		FeatureKey string `json:"feature_key"`
		Operation  string `json:"operation"`
	}{
		FeatureKey: featureKey,
		Operation:  operation,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

// sortedKeys is used by adapters whose backing store returns keys unordered.
func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
