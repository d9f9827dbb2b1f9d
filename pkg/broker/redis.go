package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
)

const (
	queuePrefix = "queue:"
	topicPrefix = "topic:"

	fieldBody    = "body"
	fieldSession = "session"
)

// RedisClient is the Redis Streams implementation of Client. Queues and
// topics are streams; the session id rides as a message field and the
// consumer enforces per-session ordering.
type RedisClient struct {
	url        string
	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	rdb     *redis.Client
	senders map[string]*sender
}

// sender is a cached publisher for one stream, keyed by queue/topic name.
type sender struct {
	stream string
}

// Option configures a RedisClient.
type Option func(*RedisClient)

// WithRetryPolicy overrides the send retry policy (attempt count and the
// fixed delay between attempts).
func WithRetryPolicy(maxRetries int, retryDelay time.Duration) Option {
	return func(c *RedisClient) {
		c.maxRetries = maxRetries
		c.retryDelay = retryDelay
	}
}

// NewRedisClient connects to the broker at url (redis:// form). The client
// is shared process-wide per connection string.
func NewRedisClient(url string, opts ...Option) (*RedisClient, error) {
	c := &RedisClient{
		url:        url,
		maxRetries: MaxRetries,
		retryDelay: time.Second,
		senders:    make(map[string]*sender),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RedisClient) dial() error {
	opt, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("broker: parse url: %w", err)
	}
	c.rdb = redis.NewClient(opt)
	return nil
}

// redial drops the current connection and the cached sender for the given
// stream, then reconnects. Called between retry attempts on transient
// failure.
func (c *RedisClient) redial(stream string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.senders, stream)
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	if err := c.dial(); err != nil {
		logger.Warn("Broker reinitialization failed", zap.Error(err))
	}
}

func (c *RedisClient) getSender(stream string) *sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[stream]; ok {
		return s
	}
	s := &sender{stream: stream}
	c.senders[stream] = s
	return s
}

func (c *RedisClient) client() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdb
}

// SendToQueue publishes body to a session-enabled queue.
func (c *RedisClient) SendToQueue(ctx context.Context, queue string, body json.RawMessage, sessionID string) error {
	values := map[string]any{fieldBody: string(body), fieldSession: sessionID}
	return c.send(ctx, queuePrefix+queue, values)
}

// SendToTopic publishes body to a fan-out topic.
func (c *RedisClient) SendToTopic(ctx context.Context, topic string, body json.RawMessage) error {
	values := map[string]any{fieldBody: string(body)}
	return c.send(ctx, topicPrefix+topic, values)
}

// send publishes with at most maxRetries attempts and a fixed delay
// between them. Transient failures reinitialize the underlying client and
// evict the cached sender before the next attempt.
func (c *RedisClient) send(ctx context.Context, stream string, values map[string]any) error {
	s := c.getSender(stream)

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.client().XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: values,
		}).Err()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < c.maxRetries {
			logger.Warn("Broker send failed, retrying",
				zap.String("stream", stream),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.maxRetries),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
			c.redial(stream)
			s = c.getSender(stream)
		}
	}
	return fmt.Errorf("%w: send to %s after %d attempts: %v", ErrUnavailable, stream, c.maxRetries, lastErr)
}

// Close drains the sender cache and closes the underlying client.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders = make(map[string]*sender)
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}
