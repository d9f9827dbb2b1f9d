package broker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
	"github.com/centraal-api/clientflow/internal/pkg/worker"
)

// Consumer reads one queue through a consumer group and dispatches
// messages to a Handler with per-session ordering: entries sharing a
// session id run serially in arrival order, distinct sessions in parallel
// on the worker pool.
//
// Delivery is at-least-once. A message is acknowledged only after the
// handler returns nil; a failed entry is retried in place, so later
// entries of its session never overtake it. Entries stranded by a dead
// consumer are reclaimed in entry-id order once their idle time exceeds
// the reclaim threshold.
type Consumer struct {
	client  *RedisClient
	queue   string
	stream  string
	group   string
	name    string
	handler Handler
	pool    *worker.Pool

	reclaimMinIdle time.Duration
	retryDelay     time.Duration
	readCount      int64

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// sessionQueue holds the pending messages of one session while a drainer
// task works through them serially.
type sessionQueue struct {
	pending []Message
	active  bool
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithReclaimMinIdle overrides how long an unacknowledged entry stays with
// a dead consumer before being reclaimed.
func WithReclaimMinIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.reclaimMinIdle = d }
}

// WithRetryDelay overrides the pause before a failed entry is retried.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = d }
}

// NewConsumer builds a consumer for one queue. consumerName identifies
// this process within the group. pool may be nil, in which case plain
// goroutines drain the sessions.
func NewConsumer(client *RedisClient, queue, group, consumerName string, handler Handler, pool *worker.Pool, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:         client,
		queue:          queue,
		stream:         queuePrefix + queue,
		group:          group,
		name:           consumerName,
		handler:        handler,
		pool:           pool,
		reclaimMinIdle: 30 * time.Second,
		retryDelay:     time.Second,
		readCount:      16,
		sessions:       make(map[string]*sessionQueue),
		inflight:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTopicConsumer builds a consumer for one fan-out topic. Each group
// (one per integration rule) receives every topic message independently.
func NewTopicConsumer(client *RedisClient, topic, group, consumerName string, handler Handler, pool *worker.Pool, opts ...ConsumerOption) *Consumer {
	c := NewConsumer(client, topic, group, consumerName, handler, pool, opts...)
	c.stream = topicPrefix + topic
	return c
}

// Run blocks reading the queue until ctx is cancelled, then waits for
// in-flight sessions to drain.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	logger.Info("Queue consumer started",
		zap.String("queue", c.queue),
		zap.String("group", c.group),
	)

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		default:
		}

		c.reclaim(ctx)

		res, err := c.client.client().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    c.readCount,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.Warn("Queue read failed",
				zap.String("queue", c.queue),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range res {
			for _, xmsg := range stream.Messages {
				c.dispatch(ctx, toMessage(xmsg))
			}
		}
	}
}

// reclaim takes over entries left pending by dead consumers so their
// sessions make progress again.
func (c *Consumer) reclaim(ctx context.Context) {
	msgs, _, err := c.client.client().XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.reclaimMinIdle,
		Start:    "0",
		Count:    c.readCount,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return
	}
	for _, xmsg := range msgs {
		c.dispatch(ctx, toMessage(xmsg))
	}
}

func toMessage(xmsg redis.XMessage) Message {
	msg := Message{ID: xmsg.ID}
	if v, ok := xmsg.Values[fieldBody].(string); ok {
		msg.Body = json.RawMessage(v)
	}
	if v, ok := xmsg.Values[fieldSession].(string); ok {
		msg.SessionID = v
	}
	return msg
}

// dispatch enqueues the message onto its session queue and starts a
// drainer for the session if none is running.
func (c *Consumer) dispatch(ctx context.Context, msg Message) {
	session := msg.SessionID
	if session == "" {
		// No session: fall back to the entry id, losing no ordering
		// guarantee the sender did not ask for.
		session = msg.ID
	}

	c.mu.Lock()
	if _, held := c.inflight[msg.ID]; held {
		// Reclaim handed back an entry a drainer is still working on.
		c.mu.Unlock()
		return
	}
	c.inflight[msg.ID] = struct{}{}
	sq, ok := c.sessions[session]
	if !ok {
		sq = &sessionQueue{}
		c.sessions[session] = sq
	}
	sq.pending = append(sq.pending, msg)
	start := !sq.active
	if start {
		sq.active = true
	}
	c.mu.Unlock()

	if !start {
		return
	}

	c.wg.Add(1)
	task := func(ctx context.Context) {
		defer c.wg.Done()
		c.drain(ctx, session, sq)
	}
	if c.pool != nil {
		if err := c.pool.Submit(ctx, task); err != nil {
			c.wg.Done()
			c.mu.Lock()
			sq.active = false
			c.mu.Unlock()
			logger.Error("Session drainer submit failed",
				zap.String("queue", c.queue),
				zap.String("session", session),
				zap.Error(err),
			)
		}
		return
	}
	go task(ctx)
}

// drain works through one session serially until its queue empties. The
// head entry is retried in place until it succeeds: advancing past a
// failed merge would let a newer event overwrite state the failed one has
// not applied yet.
func (c *Consumer) drain(ctx context.Context, session string, sq *sessionQueue) {
	for {
		c.mu.Lock()
		if len(sq.pending) == 0 {
			sq.active = false
			delete(c.sessions, session)
			c.mu.Unlock()
			return
		}
		msg := sq.pending[0]
		c.mu.Unlock()

		if err := c.handler(ctx, msg); err != nil {
			logger.Error("Message handling failed",
				zap.String("queue", c.queue),
				zap.String("session", session),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				// Not acked: the entry stays pending and is reclaimed
				// by a live consumer after the idle threshold.
				c.mu.Lock()
				sq.active = false
				c.mu.Unlock()
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}
		if err := c.client.client().XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
			logger.Warn("Ack failed",
				zap.String("queue", c.queue),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		c.mu.Lock()
		sq.pending = sq.pending[1:]
		delete(c.inflight, msg.ID)
		c.mu.Unlock()
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.client().XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
