package engine

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
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/schema"
	"github.com/centraal-api/clientflow/pkg/store"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("error", "json")
}

type sentMessage struct {
	Destination string
	Body        json.RawMessage
	SessionID   string
}

// fakeBroker records publishes in order.
type fakeBroker struct {
	queue []sentMessage
	topic []sentMessage
	fail  bool
}

func (f *fakeBroker) SendToQueue(_ context.Context, queue string, body json.RawMessage, sessionID string) error {
	if f.fail {
		return broker.ErrUnavailable
	}
	f.queue = append(f.queue, sentMessage{Destination: queue, Body: body, SessionID: sessionID})
	return nil
}

func (f *fakeBroker) SendToTopic(_ context.Context, topic string, body json.RawMessage) error {
	if f.fail {
		return broker.ErrUnavailable
	}
	f.topic = append(f.topic, sentMessage{Destination: topic, Body: body})
	return nil
}

func (f *fakeBroker) Close() error { return nil }

// contactoMerge merges contact events into the unified record.
type contactoMerge struct{}

func (contactoMerge) ProcessMessage(_ context.Context, event schema.Evento, current any) (any, error) {
	ev := event.(*eventoContacto)
	var c *cliente
	if current == nil {
		c = &cliente{ID: ev.ID}
	} else {
		c = current.(*cliente)
	}
	if c.Contacto == nil {
		c.Contacto = &contacto{}
	}
	c.Contacto.Email = ev.Email
	return c, nil
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "sqlmock"), "testdb"), mock
}

func newProcessor(t *testing.T, brk broker.Client, st *store.Store) *Processor {
	t.Helper()
	sel := NewSelector(unified)
	require.NoError(t, sel.Register(&Rule{
		Model:     schema.MustEventCodec(eventoContacto{}, testSpec),
		Processor: contactoMerge{},
		Topics:    []string{"contacto"},
	}))
	return NewProcessor(ProcessorConfig{
		Queue:            "clientes",
		UnifiedContainer: "unificados",
		AuditContainer:   "auditoria",
	}, sel, brk, st)
}

func TestProcessor_NewEntity_PersistsAuditsAndFansOut(t *testing.T) {
	brk := &fakeBroker{}
	st, mock := newMockStore(t)
	proc := newProcessor(t, brk, st)

	mock.ExpectQuery("SELECT doc FROM documents").
		WithArgs("testdb.unificados", "web-1099").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("testdb.unificados", "web-1099", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("testdb.auditoria", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := proc.HandleMessage(context.Background(), broker.Message{
		ID:        "1-0",
		SessionID: "web-1099",
		Body:      json.RawMessage(`{"id":"web-1099","email":"ana@x.co"}`),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, brk.topic, 1)
	assert.Equal(t, "contacto", brk.topic[0].Destination)
	assert.JSONEq(t,
		`{"id":"web-1099","contacto":{"email":"ana@x.co"}}`,
		string(brk.topic[0].Body),
	)
	assert.Empty(t, brk.queue)
}

func TestProcessor_NoChanges_AuditsOnlyNoFanOut(t *testing.T) {
	brk := &fakeBroker{}
	st, mock := newMockStore(t)
	proc := newProcessor(t, brk, st)

	stored := `{"id":"web-1099","contacto":{"email":"ana@x.co"}}`
	mock.ExpectQuery("SELECT doc FROM documents").
		WithArgs("testdb.unificados", "web-1099").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(stored)))
	// Only the No-Changes audit entry; no unified upsert.
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("testdb.auditoria", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := proc.HandleMessage(context.Background(), broker.Message{
		ID:        "2-0",
		SessionID: "web-1099",
		Body:      json.RawMessage(`{"id":"web-1099","email":"ana@x.co"}`),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, brk.topic)
}

func TestProcessor_NoMatchingRule_DeadLettersAndAcks(t *testing.T) {
	brk := &fakeBroker{}
	st, _ := newMockStore(t)
	proc := newProcessor(t, brk, st)

	body := json.RawMessage(`{"id":"web-1099","desconocido":true}`)
	err := proc.HandleMessage(context.Background(), broker.Message{
		ID:        "3-0",
		SessionID: "web-1099",
		Body:      body,
	})
	require.NoError(t, err)

	require.Len(t, brk.queue, 1)
	assert.Equal(t, "clientes.deadletter", brk.queue[0].Destination)
	assert.Equal(t, "web-1099", brk.queue[0].SessionID)
	assert.Equal(t, body, brk.queue[0].Body)
	assert.Empty(t, brk.topic)
}

func TestProcessor_StoreFailure_ReturnsErrorForRedelivery(t *testing.T) {
	brk := &fakeBroker{}
	st, mock := newMockStore(t)
	proc := newProcessor(t, brk, st)

	mock.ExpectQuery("SELECT doc FROM documents").
		WithArgs("testdb.unificados", "web-1099").
		WillReturnError(fmt.Errorf("connection reset"))

	err := proc.HandleMessage(context.Background(), broker.Message{
		ID:        "4-0",
		SessionID: "web-1099",
		Body:      json.RawMessage(`{"id":"web-1099","email":"ana@x.co"}`),
	})
	assert.Error(t, err)
	assert.Empty(t, brk.topic)
}

func TestProcessor_FanOutOnlyAfterPersistence(t *testing.T) {
	// An upsert failure must leave the topics untouched.
	brk := &fakeBroker{}
	st, mock := newMockStore(t)
	proc := newProcessor(t, brk, st)

	mock.ExpectQuery("SELECT doc FROM documents").
		WithArgs("testdb.unificados", "web-1099").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("testdb.unificados", "web-1099", sqlmock.AnyArg()).
		WillReturnError(fmt.Errorf("disk full"))

	err := proc.HandleMessage(context.Background(), broker.Message{
		ID:        "5-0",
		SessionID: "web-1099",
		Body:      json.RawMessage(`{"id":"web-1099","email":"ana@x.co"}`),
	})
	require.Error(t, err)
	assert.Empty(t, brk.topic)
}
