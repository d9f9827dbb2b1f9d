package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("error", "json")
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock"), "testdb"), mock
}

func TestStore_LazyInit_RequiresConnectionString(t *testing.T) {
	t.Setenv("COSMOS_CONNECTION_STRING", "")
	t.Setenv("DATABASE_NAME", "")
	s := New("", "")

	_, err := s.Container("unificados").GetByID(context.Background(), "web-1099")
	assert.Error(t, err)
}

func TestStore_ContainerNamesScopedToDatabase(t *testing.T) {
	s, _ := newMockStore(t)
	assert.Equal(t, "testdb.unificados", s.Container("unificados").Name())
	assert.Equal(t, "testdb", s.DatabaseName())
}

func TestContainer_Upsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("testdb.unificados", "web-1099", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Container("unificados").Upsert(context.Background(), "web-1099",
		json.RawMessage(`{"id":"web-1099"}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContainer_GetByID(t *testing.T) {
	s, mock := newMockStore(t)

	doc := `{"id":"web-1099","contacto":{"email":"ana@x.co"}}`
	mock.ExpectQuery("SELECT doc FROM documents").
		WithArgs("testdb.unificados", "web-1099").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(doc)))

	got, err := s.Container("unificados").GetByID(context.Background(), "web-1099")
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(got))
}

func TestContainer_GetByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT doc FROM documents").
		WithArgs("testdb.unificados", "nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Container("unificados").GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContainer_Create_FailsOnDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("testdb.auditoria", "audit-1", sqlmock.AnyArg()).
		WillReturnError(fmt.Errorf("duplicate key value violates unique constraint"))

	err := s.Container("auditoria").Create(context.Background(), "audit-1",
		json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectClose()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
