package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName   = "mapsync_offline_queue"
	postgresQueueKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresStore keeps the queue snapshot in a single row keyed by queue name.
// The table is created on first use.
type PostgresStore struct {
	dsn       string
	tableName string
	queueKey  string
	openDB    func(driverName, dsn string) (*sqlx.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

func NewPostgresStore(dsn, queueKey string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		queueKey:  queueKey,
		openDB:    sqlx.Open,
	}, nil
}

// NewPostgresStoreWithDB wraps an already open handle. The table must exist
// or be creatable by the handle's role.
func NewPostgresStoreWithDB(db *sqlx.DB, queueKey string) *PostgresStore {
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	return &PostgresStore{
		tableName: postgresQueueTableName,
		queueKey:  queueKey,
		openDB: func(string, string) (*sqlx.DB, error) {
			return db, nil
		},
	}
}

func (s *PostgresStore) Load(ctx context.Context) ([]Task, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE queue_key = $1", quoteIdentifier(s.tableName))
	var payload string
	err := s.db.GetContext(ctx, &payload, query, s.queueKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state fileStoreState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, err
	}
	return state.Tasks, nil
}

func (s *PostgresStore) Save(ctx context.Context, tasks []Task) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(fileStoreState{Tasks: append([]Task{}, tasks...)})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (queue_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, s.queueKey, string(payload))
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				queue_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
