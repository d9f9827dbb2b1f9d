package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects handled messages per session.
type recorder struct {
	mu      sync.Mutex
	handled []Message
	failIDs map[string]bool
}

func (r *recorder) handle(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIDs[msg.ID] {
		delete(r.failIDs, msg.ID)
		return errors.New("transient failure")
	}
	r.handled = append(r.handled, msg)
	return nil
}

func (r *recorder) sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.handled))
	for i, m := range r.handled {
		out[i] = m.SessionID
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

func TestConsumer_SessionOrderPreserved(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		body, _ := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, client.SendToQueue(ctx, "clientes", body, "web-1099"))
	}

	rec := &recorder{}
	consumer := NewConsumer(client, "clientes", "grp", "c1", rec.handle, nil)

	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 5 },
		5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, msg := range rec.handled {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(msg.Body, &payload))
		assert.Equal(t, i, payload["seq"], "messages of one session must stay in arrival order")
		assert.Equal(t, "web-1099", msg.SessionID)
	}
}

func TestConsumer_SessionOrderSurvivesTransientFailure(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for seq := 1; seq <= 2; seq++ {
		body, _ := json.Marshal(map[string]int{"seq": seq})
		require.NoError(t, client.SendToQueue(ctx, "clientes", body, "web-1099"))
	}

	// The first event fails once; the second must not be merged ahead of it.
	rec := &recorder{}
	var failedOnce bool
	var mu sync.Mutex
	handler := func(ctx context.Context, msg Message) error {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(msg.Body, &payload))
		mu.Lock()
		first := payload["seq"] == 1 && !failedOnce
		if first {
			failedOnce = true
		}
		mu.Unlock()
		if first {
			return errors.New("transient store failure")
		}
		return rec.handle(ctx, msg)
	}

	consumer := NewConsumer(client, "clientes", "grp", "c1", handler, nil,
		WithRetryDelay(10*time.Millisecond),
	)

	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 2 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var seqs []int
	for _, msg := range rec.handled {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(msg.Body, &payload))
		seqs = append(seqs, payload["seq"])
	}
	require.Equal(t, []int{1, 2}, seqs,
		"a failed event must be retried before its session advances")
}

func TestConsumer_DistinctSessionsAllHandled(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := []string{"web-1", "web-2", "web-3"}
	for _, s := range sessions {
		require.NoError(t, client.SendToQueue(ctx, "clientes",
			json.RawMessage(`{"ok":true}`), s))
	}

	rec := &recorder{}
	consumer := NewConsumer(client, "clientes", "grp", "c1", rec.handle, nil)

	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 3 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.ElementsMatch(t, sessions, rec.sessions())
}

func TestConsumer_FailedMessageRedelivered(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.SendToQueue(ctx, "clientes",
		json.RawMessage(`{"n":1}`), "web-1099"))

	// The first delivery fails; the consumer must retry until it lands.
	rec := &recorder{failIDs: map[string]bool{}}
	markFirst := &sync.Once{}
	handler := func(ctx context.Context, msg Message) error {
		var failed bool
		markFirst.Do(func() {
			failed = true
		})
		if failed {
			return errors.New("transient failure")
		}
		return rec.handle(ctx, msg)
	}

	consumer := NewConsumer(client, "clientes", "grp", "c1", handler, nil,
		WithReclaimMinIdle(10*time.Millisecond),
		WithRetryDelay(10*time.Millisecond),
	)

	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 1 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestNewTopicConsumer_ReadsTopicStream(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.SendToTopic(ctx, "contacto",
		json.RawMessage(`{"id":"web-1099"}`)))

	rec := &recorder{}
	consumer := NewTopicConsumer(client, "contacto", "crm_contacto", "c1", rec.handle, nil)

	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 1 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
