// Package store provides the document containers backing the pipeline:
// unified records, field-change audit and integration audit.
//
// Documents live in Postgres as jsonb rows, one logical container per
// name. The client is lazy: the connection is established on first
// container access, not at construction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
)

// ErrNotFound is returned when a container holds no document for an id.
var ErrNotFound = errors.New("store: document not found")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	container  text        NOT NULL,
	id         text        NOT NULL,
	doc        jsonb       NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (container, id)
)`

// Store is a lazily-initialized document-store client. One Store per
// (connection string, database name) pair; share it across components and
// Close it on shutdown.
type Store struct {
	connString string
	dbName     string

	mu sync.Mutex
	db *sqlx.DB
}

// New creates a Store. Empty arguments fall back to the
// COSMOS_CONNECTION_STRING and DATABASE_NAME environment variables; both
// are required by the time the first container is accessed.
func New(connString, dbName string) *Store {
	if connString == "" {
		connString = os.Getenv("COSMOS_CONNECTION_STRING")
	}
	if dbName == "" {
		dbName = os.Getenv("DATABASE_NAME")
	}
	return &Store{connString: connString, dbName: dbName}
}

// NewWithDB creates a Store bound to an existing database handle, skipping
// lazy initialization. Used by tests and by deployments that manage the
// pool themselves.
func NewWithDB(db *sqlx.DB, dbName string) *Store {
	return &Store{db: db, dbName: dbName}
}

// DatabaseName returns the logical database name documents are scoped to.
func (s *Store) DatabaseName() string { return s.dbName }

func (s *Store) ensureDB(ctx context.Context) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if s.connString == "" || s.dbName == "" {
		return nil, errors.New("store: connection string and database name must be provided")
	}

	db, err := sqlx.Open("pgx", s.connString)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	logger.Info("Document store connected", zap.String("database", s.dbName))
	s.db = db
	return s.db, nil
}

// Container returns a stateless accessor for one logical container.
func (s *Store) Container(name string) *Container {
	return &Container{store: s, name: s.dbName + "." + name}
}

// Close closes the underlying database handle if it was opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Container is a named document collection. Accessors are stateless
// lookups; the Store owns the connection.
type Container struct {
	store *Store
	name  string
}

// Name returns the fully-qualified container name.
func (c *Container) Name() string { return c.name }

// Upsert writes a document, replacing any previous version under the same id.
func (c *Container) Upsert(ctx context.Context, id string, doc json.RawMessage) error {
	db, err := c.store.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO documents (container, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (container, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		c.name, id, doc,
	)
	if err != nil {
		return fmt.Errorf("store: upsert %s/%s: %w", c.name, id, err)
	}
	return nil
}

// Create writes a new document; the id must not already exist. Audit
// entries are write-once and always use fresh ids.
func (c *Container) Create(ctx context.Context, id string, doc json.RawMessage) error {
	db, err := c.store.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO documents (container, id, doc) VALUES ($1, $2, $3)`,
		c.name, id, doc,
	)
	if err != nil {
		return fmt.Errorf("store: create %s/%s: %w", c.name, id, err)
	}
	return nil
}

// GetByID returns the document stored under id, or ErrNotFound.
func (c *Container) GetByID(ctx context.Context, id string) (json.RawMessage, error) {
	db, err := c.store.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = db.QueryRowxContext(ctx,
		`SELECT doc FROM documents WHERE container = $1 AND id = $2`,
		c.name, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", c.name, id, err)
	}
	return doc, nil
}
