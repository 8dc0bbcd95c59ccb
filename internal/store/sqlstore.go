package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLStore is the durable Store over database/sql. It runs on postgres
// (pgx stdlib driver, tables in the "hive" schema from migrations/) or
// on a local sqlite file (modernc driver, schema created at open).
type SQLStore struct {
	db     *sql.DB
	prefix string // "hive." on postgres, empty on sqlite
}

// Open connects to the DSN and returns a ready store. DSNs starting
// with postgres:// or postgresql:// select the postgres driver; every
// other DSN is treated as a sqlite file path.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	var db *sql.DB
	var prefix string
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = sql.Open("pgx", dsn)
		prefix = "hive."
	} else {
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, prefix: prefix}
	if prefix == "" {
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// t qualifies a table name with the dialect's namespace.
func (s *SQLStore) t(name string) string { return s.prefix + name }

func marshalMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMeta(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func marshalToolCalls(calls []ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	return b, nil
}

func unmarshalToolCalls(raw []byte) []ToolCall {
	if len(raw) == 0 {
		return nil
	}
	var calls []ToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil
	}
	return calls
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
