package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("error", "json")
}

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisClient_SendToQueue_CarriesSession(t *testing.T) {
	client, mr := newTestClient(t)

	err := client.SendToQueue(context.Background(), "clientes",
		json.RawMessage(`{"id":"web-1099"}`), "web-1099")
	require.NoError(t, err)

	entries, err := mr.Stream("queue:clientes")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := streamValues(entries[0].Values)
	assert.JSONEq(t, `{"id":"web-1099"}`, values["body"])
	assert.Equal(t, "web-1099", values["session"])
}

func TestRedisClient_SendToTopic(t *testing.T) {
	client, mr := newTestClient(t)

	err := client.SendToTopic(context.Background(), "contacto",
		json.RawMessage(`{"id":"web-1099"}`))
	require.NoError(t, err)

	entries, err := mr.Stream("topic:contacto")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRedisClient_Send_UnavailableAfterRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://"+mr.Addr(),
		WithRetryPolicy(2, time.Millisecond),
	)
	require.NoError(t, err)
	defer client.Close()

	mr.Close()

	err = client.SendToQueue(context.Background(), "clientes",
		json.RawMessage(`{}`), "s")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisClient_SenderCacheReuse(t *testing.T) {
	client, _ := newTestClient(t)

	s1 := client.getSender("queue:clientes")
	s2 := client.getSender("queue:clientes")
	assert.Same(t, s1, s2)

	client.redial("queue:clientes")
	s3 := client.getSender("queue:clientes")
	assert.NotSame(t, s1, s3)
}

// streamValues flattens miniredis' key/value pair slice into a map.
func streamValues(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = pairs[i+1]
	}
	return out
}
