// Package broker provides queue and topic messaging for the pipeline.
//
// Inbound event queues are session-enabled: messages carrying the same
// session id (the rendered composite ID) are consumed serially, distinct
// sessions in parallel. Topics fan unified records out to integration
// rules, one topic per subschema.
//
// The concrete client rides on Redis Streams; the Client interface is the
// contract the rest of the pipeline depends on.
package broker

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable is returned after the send retry policy is exhausted.
// Callers treat it as transient: the triggering message is redelivered.
var ErrUnavailable = errors.New("broker: unavailable")

// Default send retry policy: fixed-delay attempts.
const (
	MaxRetries = 3
)

// Client is the messaging contract. One shared instance per connection
// string; Close drains cached senders and then the underlying connection.
type Client interface {
	// SendToQueue publishes a JSON message to a session-enabled queue.
	// sessionID establishes per-key ordering and must be the rendered
	// composite ID of the record the message updates.
	SendToQueue(ctx context.Context, queue string, body json.RawMessage, sessionID string) error

	// SendToTopic publishes a JSON message to a fan-out topic.
	SendToTopic(ctx context.Context, topic string, body json.RawMessage) error

	// Close drains senders then the underlying client.
	Close() error
}

// Message is one consumed queue entry.
type Message struct {
	// ID is the broker-assigned entry id, used for acknowledgement.
	ID string

	// SessionID serializes processing per record.
	SessionID string

	Body json.RawMessage
}

// Handler processes one queue message. A nil return acknowledges the
// message; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error
