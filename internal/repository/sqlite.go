package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/core"
)

const sqliteDriver = "sqlite"

// SQLiteRepository implements [adapter.Adapter] on a single SQLite file. The
// pool is limited to one connection because SQLite allows a single writer,
// which also makes every statement see whole writes.
type SQLiteRepository struct {
	db *sql.DB
}

// SQLiteDSN returns a modernc.org/sqlite DSN for path with WAL journaling,
// foreign keys and a busy timeout.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
}

// OpenSQLite opens the database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}

	db, err := sql.Open(sqliteDriver, SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// NewSQLiteRepository wraps an open database. The schema must already be
// migrated, see [MigrateSQLite].
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Name() string { return "sqlite" }

func (r *SQLiteRepository) Features(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key FROM features ORDER BY key`)
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

func (r *SQLiteRepository) Add(ctx context.Context, key string) error {
	if err := adapter.CheckKey(key); err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, `INSERT INTO features (key) VALUES (?) ON CONFLICT (key) DO NOTHING`, key); err != nil {
		return fmt.Errorf("add feature: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Remove(ctx context.Context, key string) error {
	return r.inTx(ctx, "remove feature", func(tx *sql.Tx) error {
		if err := clearGateValues(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM features WHERE key = ?`, key)
		return err
	})
}

func (r *SQLiteRepository) Clear(ctx context.Context, key string) error {
	return r.inTx(ctx, "clear feature", func(tx *sql.Tx) error {
		if err := clearGateValues(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE features SET updated_at = CURRENT_TIMESTAMP WHERE key = ?`, key)
		return err
	})
}

func (r *SQLiteRepository) Get(ctx context.Context, key string) (core.GateValues, error) {
	values, err := r.GetMulti(ctx, []string{key})
	if err != nil {
		return core.GateValues{}, err
	}
	return values[key], nil
}

func (r *SQLiteRepository) GetMulti(ctx context.Context, keys []string) (map[string]core.GateValues, error) {
	if len(keys) == 0 {
		return map[string]core.GateValues{}, nil
	}

	// Keys are bound as one JSON array; SQLite caps bound parameters.
	wanted, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encode feature keys: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		WITH wanted (key) AS (SELECT value FROM json_each(?))
		SELECT feature_key, key, value FROM feature_gate_values WHERE feature_key IN (SELECT key FROM wanted)
		UNION ALL
		SELECT feature_key, key, value FROM feature_gate_members WHERE feature_key IN (SELECT key FROM wanted)
	`, string(wanted))
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}

	grouped, err := collectSQLRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}

	values, err := assembleAll(grouped)
	if err != nil {
		return nil, err
	}
	return adapter.FillMissing(values, keys), nil
}

func (r *SQLiteRepository) GetAll(ctx context.Context) (map[string]core.GateValues, error) {
	rows, err := r.db.QueryContext(ctx, `
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

	grouped, err := collectSQLRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("get all features: %w", err)
	}

	return assembleAll(grouped)
}

func (r *SQLiteRepository) Enable(ctx context.Context, key string, gate core.Gate, value string) error {
	if err := adapter.CheckEnable(key, gate, value); err != nil {
		return err
	}

	return r.inTx(ctx, "enable "+string(gate.Key), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO features (key) VALUES (?)
			ON CONFLICT (key) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
		`, key); err != nil {
			return err
		}

		if gate.DataType == core.DataTypeSet {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO feature_gate_members (feature_key, key, value)
				VALUES (?, ?, ?)
				ON CONFLICT (feature_key, key, value) DO NOTHING
			`, key, string(gate.Key), value)
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO feature_gate_values (feature_key, key, value)
			VALUES (?, ?, ?)
			ON CONFLICT (feature_key, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		`, key, string(gate.Key), value)
		return err
	})
}

func (r *SQLiteRepository) Disable(ctx context.Context, key string, gate core.Gate, value string) error {
	if err := adapter.CheckDisable(key, gate, value); err != nil {
		return err
	}

	var err error
	if gate.DataType == core.DataTypeSet {
		_, err = r.db.ExecContext(ctx, `
			DELETE FROM feature_gate_members
			WHERE feature_key = ? AND key = ? AND value = ?
		`, key, string(gate.Key), value)
	} else {
		_, err = r.db.ExecContext(ctx, `
			DELETE FROM feature_gate_values
			WHERE feature_key = ? AND key = ?
		`, key, string(gate.Key))
	}
	if err != nil {
		return fmt.Errorf("disable %s: %w", gate.Key, err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) inTx(ctx context.Context, action string, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", action, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", action, err)
	}
	return nil
}

func clearGateValues(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM feature_gate_values WHERE feature_key = ?`, key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM feature_gate_members WHERE feature_key = ?`, key)
	return err
}

func collectSQLRecords(rows *sql.Rows) (map[string][]adapter.Record, error) {
	defer rows.Close()

	grouped := make(map[string][]adapter.Record)
	for rows.Next() {
		var (
			featureKey string
			gateKey    sql.NullString
			value      sql.NullString
		)
		if err := rows.Scan(&featureKey, &gateKey, &value); err != nil {
			return nil, fmt.Errorf("scan gate value: %w", err)
		}

		records := grouped[featureKey]
		if gateKey.Valid && value.Valid {
			records = append(records, adapter.Record{Gate: core.GateKey(gateKey.String), Value: value.String})
		}
		grouped[featureKey] = records
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gate value rows: %w", err)
	}

	return grouped, nil
}
