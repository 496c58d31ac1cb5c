// Package pgstore implements remote.DocumentStore on Postgres. Documents are
// JSONB rows in a single table keyed by (collection, key).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/remote"
)

const (
	defaultTableName = "mapsync_documents"
	operationTimeout = 5 * time.Second
)

type Options struct {
	TableName string
	// User is reported by CurrentUser. Postgres has no notion of the app's
	// signed-in user, so the caller supplies it.
	User   *remote.User
	Logger logger.Logger
}

type documentRow struct {
	Collection string    `db:"collection"`
	Key        string    `db:"doc_key"`
	Parent     string    `db:"parent_key"`
	Version    int       `db:"version"`
	Data       []byte    `db:"data"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r documentRow) document() remote.Document {
	return remote.Document{
		Collection: r.Collection,
		Key:        r.Key,
		Parent:     r.Parent,
		Version:    r.Version,
		Data:       json.RawMessage(r.Data),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type Store struct {
	dsn       string
	tableName string
	user      *remote.User
	log       logger.Logger
	openDB    func(driverName, dsn string) (*sqlx.DB, error)

	// The table is created on first use. A failed attempt is retried on the
	// next call so a database that comes up late is picked up.
	mu    sync.Mutex
	ready bool
	db    *sqlx.DB
}

var _ remote.DocumentStore = (*Store)(nil)

func New(dsn string, opts Options) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, remote.ErrInvalidInput
	}
	s := newStore(opts)
	s.dsn = dsn
	s.openDB = sqlx.Open
	return s, nil
}

func NewWithDB(db *sqlx.DB, opts Options) *Store {
	s := newStore(opts)
	s.openDB = func(string, string) (*sqlx.DB, error) { return db, nil }
	return s
}

func newStore(opts Options) *Store {
	tableName := strings.TrimSpace(opts.TableName)
	if tableName == "" {
		tableName = defaultTableName
	}
	var user *remote.User
	if opts.User != nil {
		u := *opts.User
		user = &u
	}
	return &Store{
		tableName: tableName,
		user:      user,
		log:       logger.OrNop(opts.Logger).With(logger.String("component", "pgstore")),
	}
}

func (s *Store) Upsert(ctx context.Context, collection, key string, doc any) (string, error) {
	data, err := encode(collection, key, doc)
	if err != nil {
		return "", err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, doc_key, parent_key, version, data, created_at, updated_at)
		VALUES ($1, $2, '', 0, $3::jsonb, NOW(), NOW())
		ON CONFLICT (collection, doc_key)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, s.table())
	if _, err := db.ExecContext(ctx, query, collection, key, string(data)); err != nil {
		return "", unavailable(err)
	}
	return key, nil
}

func (s *Store) Create(ctx context.Context, collection, key string, doc any) (bool, error) {
	data, err := encode(collection, key, doc)
	if err != nil {
		return false, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, doc_key, parent_key, version, data, created_at, updated_at)
		VALUES ($1, $2, '', 0, $3::jsonb, NOW(), NOW())
		ON CONFLICT (collection, doc_key) DO NOTHING`, s.table())
	result, err := db.ExecContext(ctx, query, collection, key, string(data))
	if err != nil {
		return false, unavailable(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return affected == 1, nil
}

func (s *Store) Get(ctx context.Context, collection, key string) (remote.Document, error) {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return remote.Document{}, remote.ErrInvalidInput
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return remote.Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT collection, doc_key, parent_key, version, data, created_at, updated_at
		FROM %s WHERE collection = $1 AND doc_key = $2`, s.table())
	var row documentRow
	err = db.GetContext(ctx, &row, query, collection, key)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Document{}, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, collection, key)
	}
	if err != nil {
		return remote.Document{}, unavailable(err)
	}
	return row.document(), nil
}

func (s *Store) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Document, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, remote.ErrInvalidInput
	}
	query, args, err := s.selectQuery(collection, q)
	if err != nil {
		return nil, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var rows []documentRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable(err)
	}
	docs := make([]remote.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.document())
	}
	return docs, nil
}

func (s *Store) selectQuery(collection string, q remote.Query) (string, []any, error) {
	var b strings.Builder
	args := []any{collection}
	fmt.Fprintf(&b, `SELECT collection, doc_key, parent_key, version, data, created_at, updated_at
		FROM %s WHERE collection = $1`, s.table())
	if q.Parent != "" {
		args = append(args, q.Parent)
		fmt.Fprintf(&b, " AND parent_key = $%d", len(args))
	}
	if len(q.Filter) > 0 {
		filter, err := json.Marshal(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", remote.ErrInvalidInput, err)
		}
		args = append(args, string(filter))
		fmt.Fprintf(&b, " AND data @> $%d::jsonb", len(args))
	}
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, doc_key %s", orderColumn(q.OrderBy), direction, direction)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func (s *Store) Update(ctx context.Context, collection, key string, patch remote.Patch) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return remote.ErrInvalidInput
	}
	set, err := json.Marshal(nonNil(patch.Set))
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrInvalidInput, err)
	}
	expect, err := json.Marshal(nonNil(patch.Expect))
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrInvalidInput, err)
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET data = data || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND doc_key = $2 AND data @> $4::jsonb`, s.table())
	result, err := db.ExecContext(ctx, query, collection, key, string(set), string(expect))
	if err != nil {
		return unavailable(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	existsQuery := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE collection = $1 AND doc_key = $2)", s.table())
	if err := db.GetContext(ctx, &exists, existsQuery, collection, key); err != nil {
		return unavailable(err)
	}
	if !exists {
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, collection, key)
	}
	return fmt.Errorf("%w: %s/%s", remote.ErrPreconditionFailed, collection, key)
}

// AppendVersion takes a transaction-scoped advisory lock per (collection,
// parent) so concurrent writers get distinct, gapless versions.
func (s *Store) AppendVersion(ctx context.Context, collection, parent string, doc any) (int, error) {
	data, err := encode(collection, parent, doc)
	if err != nil {
		return 0, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", versionLockKey(s.tableName, collection, parent)); err != nil {
		return 0, unavailable(err)
	}
	var current int
	maxQuery := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s WHERE collection = $1 AND parent_key = $2", s.table())
	if err := tx.GetContext(ctx, &current, maxQuery, collection, parent); err != nil {
		return 0, unavailable(err)
	}
	next := current + 1
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (collection, doc_key, parent_key, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW(), NOW())`, s.table())
	if _, err := tx.ExecContext(ctx, insertQuery, collection, remote.VersionKey(parent, next), parent, next, string(data)); err != nil {
		return 0, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}
	return next, nil
}

func (s *Store) CurrentUser(context.Context) (remote.User, bool) {
	if s.user == nil {
		return remote.User{}, false
	}
	return *s.user, true
}

func (s *Store) Ping(ctx context.Context) error {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	return unavailable(db.PingContext(ctx))
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.ready = false
	return err
}

func (s *Store) ensureReady(ctx context.Context) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return s.db, nil
	}
	if s.db == nil {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			return nil, unavailable(err)
		}
		s.db = db
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	table := s.table()
	index := quoteIdentifier(s.tableName + "_parent_idx")
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			doc_key TEXT NOT NULL,
			parent_key TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, doc_key)
		);
		CREATE INDEX IF NOT EXISTS %s ON %s (collection, parent_key, version)`, table, index, table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		s.log.Warn("document table not ready", logger.Error(err))
		return nil, unavailable(err)
	}
	s.ready = true
	return s.db, nil
}

func (s *Store) table() string {
	return quoteIdentifier(s.tableName)
}

func orderColumn(field remote.OrderField) string {
	switch field {
	case remote.OrderVersion:
		return "version"
	case remote.OrderUpdatedAt:
		return "updated_at"
	default:
		return "created_at"
	}
}

func encode(collection, key string, doc any) ([]byte, error) {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return nil, remote.ErrInvalidInput
	}
	if raw, ok := doc.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: document is not valid json", remote.ErrInvalidInput)
		}
		return raw, nil
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", remote.ErrInvalidInput)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInvalidInput, err)
	}
	return data, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func versionLockKey(parts ...string) int64 {
	hasher := fnv.New64a()
	for i, part := range parts {
		if i > 0 {
			_, _ = hasher.Write([]byte{0})
		}
		_, _ = hasher.Write([]byte(strings.TrimSpace(part)))
	}
	return int64(hasher.Sum64())
}
